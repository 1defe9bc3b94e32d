package invoker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rendis/bizflow/pkg/schema"
)

// ErrorClass is how a failed remote call is handled.
type ErrorClass string

const (
	ClassNotFound    ErrorClass = "not_found"    // tool does not exist; no retry
	ClassRejected    ErrorClass = "rejected"     // business failure; no retry
	ClassAuth        ErrorClass = "auth"         // never retried
	ClassRateLimited ErrorClass = "rate_limited" // retried, backoff capped at 60s
	ClassServer      ErrorClass = "server"       // retried, backoff capped at 30s
	ClassTimeout     ErrorClass = "timeout"      // retried, backoff capped at 30s
	ClassConnection  ErrorClass = "connection"   // retried, backoff capped at 30s
)

// Retryable reports whether a call failing with c may be attempted again.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassRateLimited, ClassServer, ClassTimeout, ClassConnection:
		return true
	}
	return false
}

// BackoffCap is the longest sleep before retrying a call that failed with c.
func (c ErrorClass) BackoffCap() time.Duration {
	if c == ClassRateLimited {
		return 60 * time.Second
	}
	return 30 * time.Second
}

// ToolStatus maps the class onto the response status reported to callers.
func (c ErrorClass) ToolStatus() schema.ToolStatus {
	switch c {
	case ClassAuth:
		return schema.ToolStatusAuthError
	case ClassRateLimited:
		return schema.ToolStatusRateLimited
	case ClassServer:
		return schema.ToolStatusServerError
	case ClassTimeout:
		return schema.ToolStatusTimeout
	default:
		return schema.ToolStatusFailed
	}
}

// ToolError is a classified transport failure.
type ToolError struct {
	Class ErrorClass
	Code  int // HTTP status or JSON-RPC error code, 0 when unknown
	Msg   string
	Err   error
}

func (e *ToolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Class, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Msg)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// NewToolError builds a classified error.
func NewToolError(class ErrorClass, code int, msg string, cause error) *ToolError {
	return &ToolError{Class: class, Code: code, Msg: msg, Err: cause}
}

// Classify turns any transport error into a ToolError. Transports should
// return ToolErrors directly; everything else is sorted by type and, as a
// last resort, by message. Unknown errors are connection errors.
func Classify(err error) *ToolError {
	if err == nil {
		return nil
	}

	var te *ToolError
	if errors.As(err, &te) {
		return te
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewToolError(ClassTimeout, 0, "request timed out", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NewToolError(ClassTimeout, 0, err.Error(), err)
		}
		return NewToolError(ClassConnection, 0, err.Error(), err)
	}

	msg := strings.ToLower(err.Error())
	patterns := []struct {
		needle string
		class  ErrorClass
	}{
		{"i/o timeout", ClassTimeout},
		{"timeout", ClassTimeout},
		{"too many requests", ClassRateLimited},
		{"unauthorized", ClassAuth},
		{"service unavailable", ClassServer},
		{"bad gateway", ClassServer},
		{"internal server error", ClassServer},
		{"connection refused", ClassConnection},
		{"connection reset", ClassConnection},
		{"broken pipe", ClassConnection},
	}
	for _, p := range patterns {
		if strings.Contains(msg, p.needle) {
			return NewToolError(p.class, 0, err.Error(), err)
		}
	}

	return NewToolError(ClassConnection, 0, err.Error(), err)
}

// ClassifyHTTPStatus maps a non-200 HTTP status to a class.
func ClassifyHTTPStatus(status int) ErrorClass {
	switch {
	case status == 401:
		return ClassAuth
	case status == 429:
		return ClassRateLimited
	case status >= 500:
		return ClassServer
	case status == 408:
		return ClassTimeout
	default:
		return ClassRejected
	}
}
