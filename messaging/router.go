package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/correlation"
	"github.com/glimte/mmate-relay/idempotency"
	"github.com/glimte/mmate-relay/routing"
)

var (
	// ErrDuplicateHandler is returned when an action is registered twice
	ErrDuplicateHandler = errors.New("handler already registered for action")
	// ErrMissingHandler is returned by RequireHandlers
	ErrMissingHandler = errors.New("no handler registered for required action")
	// ErrClaimInFlight means another delivery holds a live claim on the key
	ErrClaimInFlight = errors.New("idempotency key is being processed by another delivery")
)

// Reply envelope metadata keys
const (
	MetadataInReplyTo = "inReplyTo"
)

// MiddlewareFunc wraps handler execution
type MiddlewareFunc func(ctx context.Context, env *contracts.Envelope, next Invocation) (any, error)

// DeliveryHandler processes one delivery and reports how it ended.
// It must not settle the delivery.
type DeliveryHandler interface {
	Handle(ctx context.Context, delivery TransportDelivery) Result
}

// Router is the inbound entry point of a consuming service. It resolves the
// envelope action to exactly one handler, guards side effects with the
// idempotency guard, and replies when the message carries a callback header.
type Router struct {
	mu         sync.RWMutex
	routes     map[contracts.Action]*route
	middleware []MiddlewareFunc

	guard   *idempotency.Guard
	replies *Dispatcher
	timeout time.Duration
	metrics MetricsCollector
	logger  *slog.Logger
}

// RouterOption configures the Router
type RouterOption func(*Router)

// WithRouterLogger sets the logger
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithIdempotencyGuard enables idempotency keys on registered actions
func WithIdempotencyGuard(guard *idempotency.Guard) RouterOption {
	return func(r *Router) {
		r.guard = guard
	}
}

// WithReplyDispatcher sets the dispatcher used for callback replies
func WithReplyDispatcher(d *Dispatcher) RouterOption {
	return func(r *Router) {
		r.replies = d
	}
}

// WithHandlerTimeout bounds each handler invocation
func WithHandlerTimeout(timeout time.Duration) RouterOption {
	return func(r *Router) {
		r.timeout = timeout
	}
}

// WithRouterMetrics sets the metrics collector
func WithRouterMetrics(metrics MetricsCollector) RouterOption {
	return func(r *Router) {
		r.metrics = metrics
	}
}

// WithMiddleware adds middleware around every handler invocation
func WithMiddleware(middleware ...MiddlewareFunc) RouterOption {
	return func(r *Router) {
		r.middleware = append(r.middleware, middleware...)
	}
}

// NewRouter creates a new action router
func NewRouter(options ...RouterOption) *Router {
	r := &Router{
		routes:  make(map[contracts.Action]*route),
		metrics: NoopMetrics(),
		logger:  slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

func (r *Router) add(rt *route) error {
	if !rt.action.Valid() || rt.action == contracts.ActionCallback {
		return fmt.Errorf("cannot register handler for action %q", rt.action)
	}
	if rt.options.IdempotencyKey != "" && r.guard == nil {
		return fmt.Errorf("action %s declares an idempotency key but the router has no idempotency guard", rt.action)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.routes[rt.action]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, rt.action)
	}
	r.routes[rt.action] = rt

	r.logger.Debug("handler registered",
		"action", rt.action,
		"idempotencyKey", rt.options.IdempotencyKey,
	)
	return nil
}

// Actions returns the registered actions in sorted order
func (r *Router) Actions() []contracts.Action {
	r.mu.RLock()
	defer r.mu.RUnlock()

	actions := make([]contracts.Action, 0, len(r.routes))
	for a := range r.routes {
		actions = append(actions, a)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	return actions
}

// RequireHandlers fails unless every given action has a handler.
// Call it at startup with the actions the service consumes.
func (r *Router) RequireHandlers(actions ...contracts.Action) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, a := range actions {
		if _, ok := r.routes[a]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingHandler, a))
		}
	}
	return errors.Join(errs...)
}

func (r *Router) lookup(action contracts.Action) (*route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[action]
	return rt, ok
}

// Handle runs one delivery through the router
func (r *Router) Handle(ctx context.Context, delivery TransportDelivery) Result {
	start := time.Now()
	res := r.handle(ctx, delivery)
	res.Duration = time.Since(start)

	r.metrics.RecordProcessed(ComponentRouter, res.Action.String(), res.Outcome, res.Duration)
	r.logResult(correlation.WithID(ctx, res.CorrelationID), res)
	return res
}

func (r *Router) handle(ctx context.Context, delivery TransportDelivery) Result {
	env, err := contracts.DecodeEnvelope(delivery.Body())
	if err != nil {
		return failed(err)
	}

	headers := delivery.Headers()
	ctx = withCorrelation(ctx, env, headers)

	withEnv := func(res Result) Result {
		res.Action = env.Action
		res.MessageID = env.ID
		res.CorrelationID = correlation.FromContext(ctx)
		return res
	}

	rt, ok := r.lookup(env.Action)
	if !ok {
		return withEnv(failed(contracts.Fatal(fmt.Errorf("%w: %s", contracts.ErrUnknownAction, env.Action))))
	}

	key := ""
	if rt.options.IdempotencyKey != "" {
		key = env.MetadataString(rt.options.IdempotencyKey)
	}

	if key != "" {
		done, err := r.guard.Completed(ctx, key)
		if err != nil {
			return withEnv(failed(contracts.Retryable(err)))
		}
		if done {
			r.logger.DebugContext(ctx, "duplicate delivery skipped",
				"action", env.Action,
				"messageId", env.ID,
				"idempotencyKey", key,
			)
			return withEnv(Result{Outcome: OutcomeDeduplicated})
		}
	}

	invoke, err := rt.prepare(env)
	if err != nil {
		return withEnv(failed(err))
	}

	if key != "" {
		state, err := r.guard.Claim(ctx, key)
		if err != nil {
			return withEnv(failed(contracts.Retryable(err)))
		}
		switch state {
		case idempotency.AlreadyCompleted:
			return withEnv(Result{Outcome: OutcomeDeduplicated})
		case idempotency.InFlight:
			r.logger.DebugContext(ctx, "idempotency key in flight, deferring delivery",
				"action", env.Action,
				"messageId", env.ID,
				"idempotencyKey", key,
			)
			return withEnv(failed(contracts.Retryable(fmt.Errorf("%w: %s", ErrClaimInFlight, key))))
		}
	}

	header, hasCallback := routing.Decode(headers)
	hctx := routing.Without(ctx)
	if hasCallback {
		hctx = routing.WithCallback(ctx, header)
	}
	hctx = withLease(hctx, r.lease(env.Action, delivery))

	result, err := r.execute(hctx, env, invoke)
	if err != nil {
		r.release(ctx, key)
		return withEnv(failed(err))
	}

	if hasCallback {
		if err := r.reply(ctx, env, header, result); err != nil {
			r.release(ctx, key)
			return withEnv(failed(contracts.Retryable(err)))
		}
	}

	if key != "" {
		if err := r.guard.Complete(context.WithoutCancel(ctx), key, rt.options.IdempotencyTTL); err != nil {
			if !errors.Is(err, idempotency.ErrNoPendingRecord) {
				return withEnv(failed(contracts.Retryable(err)))
			}
			r.logger.WarnContext(ctx, "idempotency record vanished before completion",
				"action", env.Action,
				"messageId", env.ID,
				"idempotencyKey", key,
			)
		}
	}

	return withEnv(Result{Outcome: OutcomeCompleted})
}

// execute runs the middleware chain and handler. A recovered panic is an
// untagged failure and so retryable; the broker's redelivery policy bounds it.
func (r *Router) execute(ctx context.Context, env *contracts.Envelope, invoke Invocation) (result any, err error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			result = nil
			err = contracts.Retryable(fmt.Errorf("handler for %s panicked: %v", env.Action, p))
		}
	}()

	next := invoke
	for i := len(r.middleware) - 1; i >= 0; i-- {
		mw := r.middleware[i]
		inner := next
		next = func(ctx context.Context) (any, error) {
			return mw(ctx, env, inner)
		}
	}

	return next(ctx)
}

func (r *Router) reply(ctx context.Context, env *contracts.Envelope, header routing.CallbackHeader, result any) error {
	if r.replies == nil {
		r.logger.WarnContext(ctx, "callback requested but router has no reply dispatcher",
			"action", env.Action,
			"messageId", env.ID,
			"replyQueue", header.ReplyQueue,
			"replyMethod", header.ReplyMethod,
		)
		return nil
	}

	meta := map[string]any{
		contracts.MetadataReplyMethod: header.ReplyMethod,
		MetadataInReplyTo:             env.ID,
	}
	if id := correlation.FromContext(ctx); id != "" {
		meta[contracts.MetadataCorrelationID] = id
	}

	replyEnv, err := contracts.NewEnvelope(contracts.ActionCallback, result, contracts.WithMetadata(meta))
	if err != nil {
		return fmt.Errorf("failed to build reply: %w", err)
	}

	// The reply must not inherit the inbound callback header.
	rctx := routing.Without(context.WithoutCancel(ctx))
	return r.replies.Send(rctx, header.ReplyQueue, replyEnv)
}

func (r *Router) release(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := r.guard.Release(context.WithoutCancel(ctx), key); err != nil {
		r.logger.ErrorContext(ctx, "failed to release idempotency claim",
			"idempotencyKey", key,
			"error", err,
		)
	}
}

func (r *Router) lease(action contracts.Action, delivery TransportDelivery) Lease {
	return func(ctx context.Context) error {
		err := delivery.ExtendLease(ctx)
		r.metrics.RecordLeaseExtension(action.String(), err)
		return err
	}
}

func (r *Router) logResult(ctx context.Context, res Result) {
	attrs := []any{
		"action", res.Action,
		"messageId", res.MessageID,
		"correlationId", res.CorrelationID,
		"outcome", res.Outcome,
		"duration", res.Duration,
	}

	switch res.Outcome {
	case OutcomeFailedFatal:
		r.logger.ErrorContext(ctx, "message failed permanently", append(attrs, "error", res.Err)...)
	case OutcomeFailedRetryable:
		r.logger.WarnContext(ctx, "message failed, will be redelivered", append(attrs, "error", res.Err)...)
	default:
		r.logger.DebugContext(ctx, "message processed", attrs...)
	}
}

// withCorrelation propagates the correlation id from the envelope or,
// failing that, from transport metadata
func withCorrelation(ctx context.Context, env *contracts.Envelope, headers map[string]string) context.Context {
	if id := env.CorrelationID(); id != "" {
		return correlation.WithID(ctx, id)
	}
	return correlation.WithID(ctx, headers[correlation.MetadataKey])
}
