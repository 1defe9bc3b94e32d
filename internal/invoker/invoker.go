// Package invoker calls tools on the remote business tool server with rate
// limiting, error classification, retries and request metrics.
package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"

	"github.com/rendis/bizflow/internal/logging"
	"github.com/rendis/bizflow/internal/metrics"
	"github.com/rendis/bizflow/pkg/schema"
)

// Defaults for a zero Config.
const (
	DefaultRateLimit   = 10.0
	DefaultTimeout     = 30 * time.Second
	DefaultBackoffBase = time.Second
)

// Transport performs a single wire call. Failures should be *ToolError;
// anything else goes through Classify.
type Transport interface {
	Call(ctx context.Context, tool string, args map[string]any) (any, error)
}

// Pinger is implemented by transports with a native health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ToolLister is implemented by transports that can enumerate remote tools.
type ToolLister interface {
	ListTools(ctx context.Context) ([]string, error)
}

// Config tunes an Invoker.
type Config struct {
	RetryCount  int           // retries after the first attempt
	RateLimit   float64       // requests per second
	Timeout     time.Duration // per-call timeout
	BackoffBase time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Manager
}

// Invoker is safe for concurrent use.
type Invoker struct {
	transport Transport
	cfg       Config
	limiter   *rate.Limiter
	stats     stats
	logger    *slog.Logger
	metrics   *metrics.Manager
}

// New creates an Invoker over t.
func New(t Transport, cfg Config) *Invoker {
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NoOpManager()
	}
	return &Invoker{
		transport: t,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// Invoke performs one logical call of tool.
//
// Ordinary tool failures (unknown tool, rejected request) come back as a
// response with Success=false and a nil error. An error is returned for
// authentication failures (AUTH_ERROR), an exhausted retry budget
// (RETRY_EXHAUSTED, together with a response carrying the last status),
// invalid input (VALIDATION_ERROR) and cancellation of ctx (ctx.Err()).
func (inv *Invoker) Invoke(ctx context.Context, tool string, args map[string]any) (*schema.ToolResponse, error) {
	if tool == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "tool name is empty")
	}
	if _, err := json.Marshal(args); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "arguments for %s are not JSON-serializable: %s", tool, err.Error()).
			WithCause(err)
	}

	ctx = logging.WithTool(ctx, tool)
	log := logging.LogWith(ctx, inv.logger)
	inv.stats.request()
	start := time.Now()

	var (
		resp  *schema.ToolResponse
		last  *ToolError
		tries int
	)
	classBackoff := NewBackoff(inv.cfg.BackoffBase, inv.cfg.RetryCount, func() ErrorClass { return last.Class })
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		delay, stop := classBackoff.Next()
		if stop {
			return 0, true
		}
		inv.stats.retry()
		inv.metrics.RecordToolRetry(tool, string(last.Class))
		log.Warn("retrying tool call",
			slog.String("class", string(last.Class)),
			slog.Int("attempt", tries+1),
			slog.Duration("backoff", delay))
		return delay, false
	})

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := inv.limiter.Wait(ctx); err != nil {
			return err
		}
		tries++

		callCtx, cancel := context.WithTimeout(ctx, inv.cfg.Timeout)
		callStart := time.Now()
		data, err := inv.transport.Call(callCtx, tool, args)
		latency := time.Since(callStart)
		cancel()

		if err == nil {
			inv.stats.success(latency)
			inv.metrics.RecordToolCall(tool, string(schema.ToolStatusSuccess), latency)
			resp = &schema.ToolResponse{
				Success:    true,
				Data:       data,
				ToolName:   tool,
				Status:     schema.ToolStatusSuccess,
				LatencyMs:  latency.Milliseconds(),
				RetryCount: tries - 1,
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		last = Classify(err)
		inv.stats.attemptFailed(last.Class)
		inv.metrics.RecordToolCall(tool, string(last.Class), latency)
		if last.Class.Retryable() {
			return retry.RetryableError(last)
		}
		if last.Class != ClassAuth {
			resp = &schema.ToolResponse{
				Success:    false,
				Error:      last.Msg,
				ToolName:   tool,
				Status:     last.Class.ToolStatus(),
				LatencyMs:  latency.Milliseconds(),
				RetryCount: tries - 1,
			}
		}
		return last
	})

	switch {
	case err == nil:
		return resp, nil
	case ctx.Err() != nil:
		inv.stats.failure()
		return nil, ctx.Err()
	case last == nil || !errors.Is(err, last):
		// The limiter gave up before a call was made.
		inv.stats.failure()
		return nil, err
	}

	inv.stats.failure()
	switch {
	case last.Class == ClassAuth:
		log.Error("tool call not authorized", slog.String("error", last.Error()))
		return nil, schema.NewErrorf(schema.ErrCodeAuth, "authentication failed calling %s: %s", tool, last.Msg).
			WithCause(last).
			WithDetails(map[string]any{"tool": tool, "status_code": last.Code})

	case !last.Class.Retryable():
		log.Info("tool call failed", slog.String("class", string(last.Class)), slog.String("error", last.Msg))
		return resp, nil
	}

	resp = &schema.ToolResponse{
		Success:    false,
		Error:      last.Msg,
		ToolName:   tool,
		Status:     last.Class.ToolStatus(),
		LatencyMs:  time.Since(start).Milliseconds(),
		RetryCount: tries - 1,
	}
	return resp, schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"tool %s failed after %d attempts: %s", tool, tries, last.Msg).
		WithCause(last).
		WithDetails(map[string]any{"tool": tool, "class": string(last.Class), "status": string(resp.Status)})
}

// Metrics returns a copy of the request counters.
func (inv *Invoker) Metrics() MetricsSnapshot {
	return inv.stats.snapshot()
}

// HealthCheck probes the remote server. It never returns an error; the
// response reports the outcome.
func (inv *Invoker) HealthCheck(ctx context.Context) *schema.ToolResponse {
	const name = "health"

	p, ok := inv.transport.(Pinger)
	if !ok {
		resp, err := inv.Invoke(ctx, name, map[string]any{})
		if err != nil {
			return &schema.ToolResponse{
				Success:  false,
				Error:    "health check failed: " + err.Error(),
				ToolName: name,
				Status:   schema.ToolStatusFailed,
			}
		}
		return resp
	}

	if err := inv.limiter.Wait(ctx); err != nil {
		return &schema.ToolResponse{Success: false, Error: err.Error(), ToolName: name, Status: schema.ToolStatusFailed}
	}
	callCtx, cancel := context.WithTimeout(ctx, inv.cfg.Timeout)
	defer cancel()

	start := time.Now()
	if err := p.Ping(callCtx); err != nil {
		te := Classify(err)
		return &schema.ToolResponse{
			Success:   false,
			Error:     "health check failed: " + te.Msg,
			ToolName:  name,
			Status:    te.Class.ToolStatus(),
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}
	return &schema.ToolResponse{
		Success:   true,
		Data:      map[string]any{"status": "ok"},
		ToolName:  name,
		Status:    schema.ToolStatusSuccess,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

// ListTools returns the names of the tools the remote server exposes.
func (inv *Invoker) ListTools(ctx context.Context) ([]string, error) {
	l, ok := inv.transport.(ToolLister)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeTool, "transport cannot list tools")
	}
	if err := inv.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, inv.cfg.Timeout)
	defer cancel()

	names, err := l.ListTools(callCtx)
	if err != nil {
		te := Classify(err)
		if te.Class == ClassAuth {
			return nil, schema.NewErrorf(schema.ErrCodeAuth, "authentication failed listing tools: %s", te.Msg).WithCause(te)
		}
		return nil, schema.NewErrorf(schema.ErrCodeTool, "list tools: %s", te.Msg).WithCause(te)
	}
	return names, nil
}

// Close releases the transport if it holds resources.
func (inv *Invoker) Close() error {
	if c, ok := inv.transport.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
