package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/openmates/core/internal/fault"
)

// Reason categorizes why a provider request failed, driving retry
// decisions in the pipeline.
type Reason string

const (
	// ReasonRateLimit indicates rate limiting (HTTP 429).
	ReasonRateLimit Reason = "rate_limit"

	// ReasonAuth indicates authentication failure (HTTP 401, 403).
	ReasonAuth Reason = "auth"

	// ReasonTimeout indicates a request or stream timeout.
	ReasonTimeout Reason = "timeout"

	// ReasonServer indicates server-side issues (HTTP 5xx).
	ReasonServer Reason = "server_error"

	// ReasonInvalidRequest indicates client-side issues (HTTP 4xx).
	ReasonInvalidRequest Reason = "invalid_request"

	// ReasonNetwork indicates a transport-level failure.
	ReasonNetwork Reason = "network"

	// ReasonUnknown indicates an unclassified error.
	ReasonUnknown Reason = "unknown"
)

// IsRetryable reports whether retrying the call may succeed.
func (r Reason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonServer, ReasonNetwork:
		return true
	default:
		return false
	}
}

// Error is a structured provider failure. Adapters never swallow errors:
// non-streaming calls surface it in UnifiedResponse.Error, streams emit
// it as the terminal event.
type Error struct {
	Reason   Reason
	Provider string
	Model    string
	Status   int
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Cause }

// Fault maps the provider error into the pipeline taxonomy so retry and
// the orchestrator can route it without provider knowledge.
func (e *Error) Fault() *fault.Fault {
	switch {
	case e.Reason == ReasonAuth:
		return fault.Wrap(e, fault.KindAuth, "provider auth failure")
	case e.Reason.IsRetryable():
		return fault.Wrap(e, fault.KindTransient, "transient provider failure")
	default:
		return fault.Wrap(e, fault.KindProvider, "provider error")
	}
}

// classifyStatus maps an HTTP status to a reason: 4xx are permanent,
// 5xx retryable.
func classifyStatus(status int) Reason {
	switch {
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
	case status >= 500:
		return ReasonServer
	case status >= 400:
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

// classifyErr derives a reason from a transport error.
func classifyErr(err error) Reason {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonUnknown
	default:
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ReasonTimeout
		}
		return ReasonNetwork
	}
	return ReasonUnknown
}

// wrapErr builds a provider error from a transport failure, preserving
// an existing *Error if one is already in the chain.
func wrapErr(provider, model string, status int, err error) *Error {
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	reason := classifyErr(err)
	if status != 0 {
		reason = classifyStatus(status)
	}
	if reason == ReasonUnknown && err != nil && status == 0 {
		// Unclassified transport failures are treated as network issues
		// so the standard retry policy applies.
		reason = ReasonNetwork
	}
	return &Error{
		Reason:   reason,
		Provider: provider,
		Model:    model,
		Status:   status,
		Cause:    err,
	}
}
