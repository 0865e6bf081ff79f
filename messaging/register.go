package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mmate-relay/contracts"
)

// HandlerFunc handles an action that replies with an empty object
type HandlerFunc[T any] func(ctx context.Context, payload T) error

// ReplyHandlerFunc handles an action whose result becomes the reply payload
type ReplyHandlerFunc[T, R any] func(ctx context.Context, payload T) (R, error)

// Invocation is a handler call with its payload already bound
type Invocation func(ctx context.Context) (any, error)

// ActionOptions holds per-action registration settings
type ActionOptions struct {
	// IdempotencyKey is a gjson path into envelope metadata. Empty disables the guard.
	IdempotencyKey  string
	IdempotencyTTL  time.Duration
	OptionalPayload bool
}

// ActionOption configures a registered action
type ActionOption func(*ActionOptions)

// WithIdempotencyKey marks the action as side-effecting. The key is read
// from envelope metadata at path; an empty path means "requestId".
func WithIdempotencyKey(path string) ActionOption {
	return func(o *ActionOptions) {
		if path == "" {
			path = contracts.MetadataRequestID
		}
		o.IdempotencyKey = path
	}
}

// WithIdempotencyTTL overrides how long the guard keeps this action's completed records
func WithIdempotencyTTL(ttl time.Duration) ActionOption {
	return func(o *ActionOptions) {
		o.IdempotencyTTL = ttl
	}
}

// WithOptionalPayload lets the handler receive the zero value of its
// payload type when the envelope carries none
func WithOptionalPayload() ActionOption {
	return func(o *ActionOptions) {
		o.OptionalPayload = true
	}
}

type route struct {
	action  contracts.Action
	options ActionOptions
	prepare func(env *contracts.Envelope) (Invocation, error)
}

// Register binds a handler with no reply payload to action
func Register[T any](r *Router, action contracts.Action, handler HandlerFunc[T], options ...ActionOption) error {
	if handler == nil {
		return fmt.Errorf("handler for %s cannot be nil", action)
	}
	return RegisterReply(r, action, func(ctx context.Context, payload T) (struct{}, error) {
		return struct{}{}, handler(ctx, payload)
	}, options...)
}

// RegisterReply binds a handler whose result is sent back to the caller
// when the inbound message carries a callback header
func RegisterReply[T, R any](r *Router, action contracts.Action, handler ReplyHandlerFunc[T, R], options ...ActionOption) error {
	if handler == nil {
		return fmt.Errorf("handler for %s cannot be nil", action)
	}

	var opts ActionOptions
	for _, opt := range options {
		opt(&opts)
	}

	rt := &route{
		action:  action,
		options: opts,
		prepare: func(env *contracts.Envelope) (Invocation, error) {
			payload, err := decodePayload[T](env, opts.OptionalPayload)
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context) (any, error) {
				return handler(ctx, payload)
			}, nil
		},
	}

	return r.add(rt)
}

func decodePayload[T any](env *contracts.Envelope, optional bool) (T, error) {
	if optional && !env.HasPayload() {
		var zero T
		return zero, nil
	}
	return contracts.As[T](env)
}
