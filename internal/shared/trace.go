package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}

// WithTraceID attaches a trace id to the context. Every request entering
// the orchestrator gets one; log lines and error reports carry it so an
// operator can correlate a CLI/HTTP failure with the log stream.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts the trace id from the context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a fresh trace id.
func NewTraceID() string {
	return uuid.NewString()
}

// EnsureTraceID returns ctx unchanged if it already carries a trace id,
// otherwise a derived context with a fresh one.
func EnsureTraceID(ctx context.Context) context.Context {
	if TraceID(ctx) != "-" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}
