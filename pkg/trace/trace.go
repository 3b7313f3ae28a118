package trace

import (
	"context"

	"github.com/google/uuid"
)

type ctxKey struct{}

// NewID returns a fresh random trace id.
func NewID() string { return uuid.NewString() }

// WithTraceID attaches id to ctx; an empty id is replaced with a new one.
func WithTraceID(ctx context.Context, id string) context.Context {
	if id == "" {
		id = NewID()
	}
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the trace id carried by ctx, if any.
func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}
