package invoker

import (
	"sync"
	"time"
)

// ewmaAlpha weights the newest latency sample.
const ewmaAlpha = 0.1

// MetricsSnapshot is a copy of the invoker's request counters.
type MetricsSnapshot struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	TimeoutRequests    int64   `json:"timeout_requests"`
	RetryRequests      int64   `json:"retry_requests"`
	RateLimitHits      int64   `json:"rate_limit_hits"`
	AvgResponseTimeMs  float64 `json:"avg_response_time_ms"`
}

// stats is guarded by its own mutex; only the Invoker mutates it.
type stats struct {
	mu sync.Mutex
	s  MetricsSnapshot
}

func (st *stats) request() {
	st.mu.Lock()
	st.s.TotalRequests++
	st.mu.Unlock()
}

func (st *stats) success(latency time.Duration) {
	ms := float64(latency) / float64(time.Millisecond)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.SuccessfulRequests++
	if st.s.SuccessfulRequests == 1 {
		st.s.AvgResponseTimeMs = ms
		return
	}
	st.s.AvgResponseTimeMs = ewmaAlpha*ms + (1-ewmaAlpha)*st.s.AvgResponseTimeMs
}

func (st *stats) failure() {
	st.mu.Lock()
	st.s.FailedRequests++
	st.mu.Unlock()
}

func (st *stats) attemptFailed(class ErrorClass) {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch class {
	case ClassTimeout:
		st.s.TimeoutRequests++
	case ClassRateLimited:
		st.s.RateLimitHits++
	}
}

func (st *stats) retry() {
	st.mu.Lock()
	st.s.RetryRequests++
	st.mu.Unlock()
}

func (st *stats) snapshot() MetricsSnapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s
}
