package event

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey int

const requestIDKey ctxKey = iota

// ContextWithRequestID attaches a correlation id to ctx. The pipeline
// stamps it onto every envelope published under that ctx.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the correlation id carried by ctx, or ""
// when none was attached.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// NewRequestID generates a fresh correlation id. Producers call this at
// the top of a request when no upstream id exists.
func NewRequestID() string {
	return uuid.NewString()
}
