package interceptors

import (
	"context"
	"slices"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/messaging"
)

// Condition decides whether an interceptor applies to an envelope
type Condition func(ctx context.Context, env *contracts.Envelope) bool

// ActionIs matches envelopes carrying any of the given actions
func ActionIs(actions ...contracts.Action) Condition {
	return func(_ context.Context, env *contracts.Envelope) bool {
		return slices.Contains(actions, env.Action)
	}
}

// MetadataEquals matches envelopes whose metadata field at path equals value
func MetadataEquals(path, value string) Condition {
	return func(_ context.Context, env *contracts.Envelope) bool {
		return env.MetadataString(path) == value
	}
}

// Not inverts a condition
func Not(c Condition) Condition {
	return func(ctx context.Context, env *contracts.Envelope) bool {
		return !c(ctx, env)
	}
}

// All matches when every condition matches
func All(conditions ...Condition) Condition {
	return func(ctx context.Context, env *contracts.Envelope) bool {
		for _, c := range conditions {
			if !c(ctx, env) {
				return false
			}
		}
		return true
	}
}

// Any matches when at least one condition matches
func Any(conditions ...Condition) Condition {
	return func(ctx context.Context, env *contracts.Envelope) bool {
		for _, c := range conditions {
			if c(ctx, env) {
				return true
			}
		}
		return false
	}
}

// Conditional applies mw only to envelopes matching cond; others go
// straight to the handler
func Conditional(cond Condition, mw messaging.MiddlewareFunc) messaging.MiddlewareFunc {
	return func(ctx context.Context, env *contracts.Envelope, next messaging.Invocation) (any, error) {
		if !cond(ctx, env) {
			return next(ctx)
		}
		return mw(ctx, env, next)
	}
}
