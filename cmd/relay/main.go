package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	relay "github.com/glimte/mmate-relay"
	"github.com/glimte/mmate-relay/config"
	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/health"
	"github.com/glimte/mmate-relay/httpapi"
	"github.com/glimte/mmate-relay/interceptors"
	"github.com/glimte/mmate-relay/internal/reliability"
	"github.com/glimte/mmate-relay/logging"
	"github.com/glimte/mmate-relay/metrics"
	"golang.org/x/sync/errgroup"
)

const queueDepthThreshold = 10_000

func main() {
	cfg, err := config.New()
	if err != nil {
		log.Fatalf("Config error: %s", err)
	}

	if err := run(cfg); err != nil {
		slog.Error("relay stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	logger := logging.Setup(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}).
		With("service", cfg.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, err := newTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := transport.Close(); err != nil {
			logger.Warn("failed to close transport", "error", err)
		}
	}()

	store, err := newStore(ctx, cfg, transport, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	breaker := reliability.NewCircuitBreaker(
		reliability.WithName("publish"),
		reliability.WithFailureThreshold(cfg.BreakerThreshold),
		reliability.WithCooldown(cfg.BreakerCooldown),
		reliability.WithStateChange(func(name string, from, to reliability.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
		}),
	)

	client := relay.NewClient(transport,
		relay.WithLogger(logger),
		relay.WithWorkQueue(cfg.WorkQueue),
		relay.WithIdempotencyGuard(store.guard(cfg.IdempotencyTTL, cfg.IdempotencyClaimTTL, logger)),
		relay.WithMetrics(metrics.NewCollector()),
		relay.WithCircuitBreaker(breaker),
		relay.WithHandlerTimeout(cfg.HandlerTimeout),
		relay.WithMaxConcurrency(cfg.MaxConcurrency),
		relay.WithPrefetch(cfg.RabbitMQPrefetch),
		relay.WithConsumerName(cfg.ServiceName),
		relay.WithMiddleware(interceptors.Logging(logger)),
	)

	if err := registerBuiltins(client.Router(), cfg.ServiceName); err != nil {
		return err
	}
	if err := client.Router().RequireHandlers(contracts.ActionPing); err != nil {
		return err
	}

	registry := health.NewRegistry(
		health.NewTransportChecker(cfg.Transport, transport),
		health.NewBreakerChecker(breaker),
		health.NewMemoryChecker(1_000, 10_000),
	)
	if store.pinger != nil {
		registry.Register(health.NewStoreChecker("idempotency_"+cfg.IdempotencyStore, store.pinger))
	}
	if inspector, ok := transport.(health.QueueInspector); ok {
		registry.Register(health.NewQueueChecker(cfg.WorkQueue, inspector, queueDepthThreshold))
	}

	gin.SetMode(gin.ReleaseMode)
	engine := httpapi.NewEngine(logger)
	httpapi.NewRouter(httpapi.NewMessageHandler(client.Dispatcher()), registry).SetUp(engine)
	server := httpapi.NewServer(cfg.HTTPPort, engine, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Serve(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	if cfg.ReplyQueue != "" {
		invoker, err := newCallbackInvoker(logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return client.ServeReplies(gctx, cfg.ReplyQueue, invoker) })
	}
	if store.purge != nil {
		g.Go(func() error { return store.purge(gctx) })
	}

	logger.Info("relay started",
		"transport", cfg.Transport,
		"idempotencyStore", cfg.IdempotencyStore,
		"workQueue", cfg.WorkQueue,
		"port", cfg.HTTPPort,
	)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("relay: %w", err)
	}
	logger.Info("relay stopped")
	return nil
}
