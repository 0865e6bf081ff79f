// Package correlation provides utilities for correlation ID propagation.
package correlation

import (
	"context"

	"github.com/google/uuid"
)

// HeaderName is the HTTP and transport header for correlation ID.
const HeaderName = "X-Correlation-ID"

// MetadataKey is the transport metadata key for correlation ID.
const MetadataKey = "x-correlation-id"

type contextKey struct{}

// FromContext extracts correlation ID from context.
// Returns empty string if not present.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}
	return ""
}

// WithID returns a new context with correlation ID.
func WithID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, id)
}

// Ensure returns ctx with a correlation ID, generating one when absent.
func Ensure(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := NewID()
	return WithID(ctx, id), id
}

// NewID generates a new correlation ID (UUID v4).
func NewID() string {
	return uuid.New().String()
}
