package ports

import (
	"context"

	"github.com/google/uuid"
)

// Logger defines the structured logging contract. All log calls take
// key/value pairs, must be safe for concurrent use, and should enrich entries
// with the correlation ID carried by the context. Common fields include:
//   - correlation_id
//   - component (engine, broker, interrupts, store, ...)
//   - plan_execution_id / runtime_id / node_id / step_type
//   - duration_ms for timed operations
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...interface{})
	Info(ctx context.Context, msg string, fields ...interface{})
	Warn(ctx context.Context, msg string, fields ...interface{})
	Error(ctx context.Context, msg string, fields ...interface{})
	With(fields ...interface{}) Logger
}

type correlationIDKey struct{}

// WithCorrelationID attaches the provided correlation ID to the context so
// downstream layers can emit correlated logs.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// GetCorrelationID extracts a correlation ID from context. It returns an empty
// string when none has been set.
func GetCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// GenerateCorrelationID produces a new random UUID suitable for log
// correlation.
func GenerateCorrelationID() string {
	return uuid.NewString()
}
