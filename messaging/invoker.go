package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/correlation"
)

var (
	// ErrDuplicateBinding is returned when a callback method is bound twice
	ErrDuplicateBinding = errors.New("callback method already bound")
	// ErrUnboundMethod is returned by Verify for contract methods without a binding
	ErrUnboundMethod = errors.New("callback method is not bound")
	// ErrCallbackSignature is returned by Bind when fn does not match the named method
	ErrCallbackSignature = errors.New("callback does not match contract method")
)

type callbackFunc func(ctx context.Context, env *contracts.Envelope) error

// InvokerOption configures an Invoker
type InvokerOption func(*invokerSettings)

type invokerSettings struct {
	logger  *slog.Logger
	metrics MetricsCollector
}

// WithInvokerLogger sets the logger
func WithInvokerLogger(logger *slog.Logger) InvokerOption {
	return func(s *invokerSettings) {
		s.logger = logger
	}
}

// WithInvokerMetrics sets the metrics collector
func WithInvokerMetrics(metrics MetricsCollector) InvokerOption {
	return func(s *invokerSettings) {
		s.metrics = metrics
	}
}

// Invoker turns the replyMethod of a callback envelope into a typed call on
// the callback contract C. Methods are bound once at startup with Bind and
// checked for completeness with Verify.
type Invoker[C any] struct {
	contract C
	mu       sync.RWMutex
	methods  map[string]callbackFunc
	logger   *slog.Logger
	metrics  MetricsCollector
}

// NewInvoker creates an invoker that calls into contract
func NewInvoker[C any](contract C, options ...InvokerOption) *Invoker[C] {
	s := invokerSettings{
		logger:  slog.Default(),
		metrics: NoopMetrics(),
	}
	for _, opt := range options {
		opt(&s)
	}

	return &Invoker[C]{
		contract: contract,
		methods:  make(map[string]callbackFunc),
		logger:   s.logger,
		metrics:  s.metrics,
	}
}

// Bind registers fn under method. Pass a method expression so the payload
// type is checked by the compiler:
//
//	messaging.Bind(inv, "SentencesGenerated", TaskCallbacks.SentencesGenerated)
func Bind[C, T any](inv *Invoker[C], method string, fn func(C, context.Context, T) error) error {
	if fn == nil {
		return fmt.Errorf("callback %s cannot be nil", method)
	}
	ct := contractType[C]()
	m, ok := ct.MethodByName(method)
	if !ok {
		return fmt.Errorf("%s has no method %s", ct, method)
	}
	if err := checkSignature(ct, m, reflect.TypeFor[T]()); err != nil {
		return err
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()

	if _, exists := inv.methods[method]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBinding, method)
	}

	inv.methods[method] = func(ctx context.Context, env *contracts.Envelope) error {
		payload, err := contracts.As[T](env)
		if err != nil {
			return err
		}
		return fn(inv.contract, ctx, payload)
	}
	return nil
}

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// checkSignature requires m to be func(context.Context, payload) error.
// Methods of a concrete type carry the receiver as their first input.
func checkSignature(ct reflect.Type, m reflect.Method, payload reflect.Type) error {
	in := 0
	if ct.Kind() != reflect.Interface {
		in = 1
	}

	ft := m.Type
	if ft.NumIn() != in+2 || ft.In(in) != contextType || ft.NumOut() != 1 || ft.Out(0) != errorType {
		return fmt.Errorf("%w: %s.%s must be func(context.Context, T) error", ErrCallbackSignature, ct, m.Name)
	}
	if got := ft.In(in + 1); got != payload {
		return fmt.Errorf("%w: %s.%s takes %s, callback takes %s", ErrCallbackSignature, ct, m.Name, got, payload)
	}
	return nil
}

// Verify reports every exported method of C that has no binding
func (inv *Invoker[C]) Verify() error {
	t := contractType[C]()

	inv.mu.RLock()
	defer inv.mu.RUnlock()

	var errs []error
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if !m.IsExported() {
			continue
		}
		if _, ok := inv.methods[m.Name]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s.%s", ErrUnboundMethod, t, m.Name))
		}
	}
	return errors.Join(errs...)
}

// Methods returns the bound method names in sorted order
func (inv *Invoker[C]) Methods() []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	names := make([]string, 0, len(inv.methods))
	for name := range inv.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle decodes a delivery and dispatches it
func (inv *Invoker[C]) Handle(ctx context.Context, delivery TransportDelivery) Result {
	start := time.Now()

	env, err := contracts.DecodeEnvelope(delivery.Body())
	if err != nil {
		res := failed(err)
		res.Duration = time.Since(start)
		inv.metrics.RecordProcessed(ComponentInvoker, "", res.Outcome, res.Duration)
		inv.logger.ErrorContext(ctx, "callback envelope rejected", "error", err)
		return res
	}

	if env.CorrelationID() == "" {
		ctx = correlation.WithID(ctx, delivery.Headers()[correlation.MetadataKey])
	}
	return inv.Dispatch(ctx, env)
}

// Dispatch calls the contract method named by the envelope's replyMethod
func (inv *Invoker[C]) Dispatch(ctx context.Context, env *contracts.Envelope) Result {
	start := time.Now()
	ctx = correlation.WithID(ctx, env.CorrelationID())

	method := env.MetadataString(contracts.MetadataReplyMethod)
	res := inv.dispatch(ctx, env, method)
	res.Action = env.Action
	res.MessageID = env.ID
	res.CorrelationID = correlation.FromContext(ctx)
	res.Duration = time.Since(start)

	inv.metrics.RecordProcessed(ComponentInvoker, method, res.Outcome, res.Duration)

	attrs := []any{
		"replyMethod", method,
		"messageId", env.ID,
		"correlationId", res.CorrelationID,
		"outcome", res.Outcome,
	}
	switch res.Outcome {
	case OutcomeFailedFatal:
		inv.logger.ErrorContext(ctx, "callback failed permanently", append(attrs, "error", res.Err)...)
	case OutcomeFailedRetryable:
		inv.logger.WarnContext(ctx, "callback failed, will be redelivered", append(attrs, "error", res.Err)...)
	default:
		inv.logger.DebugContext(ctx, "callback processed", attrs...)
	}
	return res
}

func (inv *Invoker[C]) dispatch(ctx context.Context, env *contracts.Envelope, method string) Result {
	if method == "" {
		inv.logger.WarnContext(ctx, "callback envelope has no replyMethod, dropping",
			"action", env.Action,
			"messageId", env.ID,
		)
		return Result{Outcome: OutcomeCompleted}
	}

	inv.mu.RLock()
	call, ok := inv.methods[method]
	inv.mu.RUnlock()

	if !ok {
		return failed(contracts.Fatal(fmt.Errorf("%w: %s", contracts.ErrUnknownCallbackMethod, method)))
	}

	if err := invokeCallback(ctx, env, call); err != nil {
		return failed(err)
	}
	return Result{Outcome: OutcomeCompleted}
}

func invokeCallback(ctx context.Context, env *contracts.Envelope, call callbackFunc) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = contracts.Retryable(fmt.Errorf("callback panicked: %v", p))
		}
	}()
	return call(ctx, env)
}

// contractType returns the reflected type whose method set defines C
func contractType[C any]() reflect.Type {
	return reflect.TypeOf((*C)(nil)).Elem()
}
