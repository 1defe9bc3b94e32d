package invoker

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// NewBackoff doubles the delay from base for at most retries retries.
// class reports the failure about to be retried; its BackoffCap bounds
// each delay.
func NewBackoff(base time.Duration, retries int, class func() ErrorClass) retry.Backoff {
	if retries < 0 {
		retries = 0
	}
	var next retry.Backoff = retry.BackoffFunc(func() (time.Duration, bool) { return 0, false })
	if base > 0 {
		next = retry.NewExponential(base)
	}
	next = retry.WithMaxRetries(uint64(retries), next)

	return retry.BackoffFunc(func() (time.Duration, bool) {
		delay, stop := next.Next()
		if stop {
			return 0, true
		}
		if limit := class().BackoffCap(); delay > limit {
			delay = limit
		}
		return delay, false
	})
}
