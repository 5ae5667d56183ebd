// Package fault defines the structured error taxonomy shared by every
// pipeline component. Components return faults; only the orchestrator
// translates them into user-visible events.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for routing decisions.
type Kind string

const (
	// KindConfig is a missing secret, unknown model, or similar boot-time
	// misconfiguration; fatal to the task.
	KindConfig Kind = "config"

	// KindAuth is a transit or provider auth failure; retried once after
	// a token refresh, then fatal.
	KindAuth Kind = "auth"

	// KindTransient covers network errors, 5xx, and timeouts; retried
	// with exponential backoff.
	KindTransient Kind = "transient"

	// KindInvalidArgs marks skill arguments failing schema validation;
	// returned to the model as a tool result, never retried.
	KindInvalidArgs Kind = "invalid_args"

	// KindInsufficientCredits is the pre-flight balance rejection.
	KindInsufficientCredits Kind = "insufficient_credits"

	// KindProvider is a structured provider error; the orchestrator
	// decides per stage (pre fatal, post best-effort).
	KindProvider Kind = "provider_error"

	// KindCancelled is a propagated cancel.
	KindCancelled Kind = "cancelled"

	// KindInternal is anything unexpected; fatal, logged with stack.
	KindInternal Kind = "internal"
)

// Retryable reports whether transport-level retry may help.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// Fault is a structured error with a kind and an optional cause.
type Fault struct {
	Kind    Kind
	Message string
	Cause   error
}

// New creates a fault with a formatted message.
func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(cause error, kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Cause != nil {
		if f.Message != "" {
			return fmt.Sprintf("[%s] %s: %v", f.Kind, f.Message, f.Cause)
		}
		return fmt.Sprintf("[%s] %v", f.Kind, f.Cause)
	}
	return fmt.Sprintf("[%s] %s", f.Kind, f.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (f *Fault) Unwrap() error {
	return f.Cause
}

// KindOf extracts the kind from an error chain. Unclassified errors are
// internal; context cancellation maps to cancelled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
