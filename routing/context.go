package routing

import "context"

type callbackKey struct{}

// absent shadows an outer header after Without
type absent struct{}

// WithCallback returns a context carrying h as the current reply address.
// An invalid header yields a context with no reply address.
func WithCallback(ctx context.Context, h CallbackHeader) context.Context {
	if !h.Valid() {
		return Without(ctx)
	}
	return context.WithValue(ctx, callbackKey{}, h)
}

// FromContext returns the current reply address, if any
func FromContext(ctx context.Context) (CallbackHeader, bool) {
	h, ok := ctx.Value(callbackKey{}).(CallbackHeader)
	return h, ok
}

// Without returns a context in which no reply address is current.
// The parent context keeps its own value.
func Without(ctx context.Context) context.Context {
	if _, ok := FromContext(ctx); !ok {
		return ctx
	}
	return context.WithValue(ctx, callbackKey{}, absent{})
}
