package interceptors

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/messaging"
)

// Chain composes middleware into one; the first runs outermost
func Chain(middleware ...messaging.MiddlewareFunc) messaging.MiddlewareFunc {
	return func(ctx context.Context, env *contracts.Envelope, next messaging.Invocation) (any, error) {
		invoke := next
		for i := len(middleware) - 1; i >= 0; i-- {
			mw, inner := middleware[i], invoke
			invoke = func(ctx context.Context) (any, error) {
				return mw(ctx, env, inner)
			}
		}
		return invoke(ctx)
	}
}

// Logging logs each handler invocation with its duration and failure class
func Logging(logger *slog.Logger) messaging.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, env *contracts.Envelope, next messaging.Invocation) (any, error) {
		start := time.Now()
		logger.DebugContext(ctx, "handler started",
			"action", env.Action,
			"messageId", env.ID,
		)

		result, err := next(ctx)
		duration := time.Since(start)

		if err != nil {
			logger.WarnContext(ctx, "handler failed",
				"action", env.Action,
				"messageId", env.ID,
				"duration", duration,
				"retryable", contracts.IsRetryable(err),
				"error", err,
			)
			return result, err
		}

		logger.DebugContext(ctx, "handler finished",
			"action", env.Action,
			"messageId", env.ID,
			"duration", duration,
		)
		return result, nil
	}
}

// Validator checks an envelope before its handler runs
type Validator func(ctx context.Context, env *contracts.Envelope) error

// Validation rejects envelopes that fail validate. Untagged validation
// errors are fatal; tagged ones keep their classification.
func Validation(validate Validator) messaging.MiddlewareFunc {
	return func(ctx context.Context, env *contracts.Envelope, next messaging.Invocation) (any, error) {
		if err := validate(ctx, env); err != nil {
			var f *contracts.Failure
			if errors.As(err, &f) {
				return nil, err
			}
			return nil, contracts.Fatal(err)
		}
		return next(ctx)
	}
}

// RequireMetadata fails envelopes missing any of the given metadata fields
func RequireMetadata(fields ...string) messaging.MiddlewareFunc {
	return Validation(func(_ context.Context, env *contracts.Envelope) error {
		for _, f := range fields {
			if env.MetadataString(f) == "" {
				return contracts.Fatalf("metadata field %s is required for %s", f, env.Action)
			}
		}
		return nil
	})
}
