package orchestrator

import (
	"context"

	"github.com/openmates/core/pkg/models"
)

// Sink receives the task's events for edge delivery. Emit blocks while
// the edge buffer is full; that backpressure propagates into the
// provider stream consumer. An Emit error aborts the task.
type Sink interface {
	Emit(ctx context.Context, ev *models.StreamEvent) error
}

// EmitFunc adapts a function to Sink.
type EmitFunc func(ctx context.Context, ev *models.StreamEvent) error

// Emit calls f.
func (f EmitFunc) Emit(ctx context.Context, ev *models.StreamEvent) error {
	return f(ctx, ev)
}
