package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/config"
	"github.com/glimte/mmate-relay/health"
	"github.com/glimte/mmate-relay/idempotency"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/glimte/mmate-relay/transports/jetstream"
	"github.com/glimte/mmate-relay/transports/kafka"
	"github.com/glimte/mmate-relay/transports/memory"
	"github.com/glimte/mmate-relay/transports/rabbitmq"
)

const (
	kvBucket      = "relay_idempotency"
	purgeInterval = time.Hour
)

func newTransport(ctx context.Context, cfg config.Config, logger *slog.Logger) (messaging.Transport, error) {
	var transport messaging.Transport

	switch cfg.Transport {
	case config.TransportMemory:
		transport = memory.NewTransport(memory.WithLogger(logger))
	case config.TransportRabbitMQ:
		t, err := rabbitmq.NewTransport(cfg.RabbitMQURL, rabbitmq.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to create rabbitmq transport: %w", err)
		}
		transport = t
	case config.TransportKafka:
		t, err := kafka.NewTransport(cfg.KafkaBrokers,
			kafka.WithGroupID(cfg.KafkaGroupID),
			kafka.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka transport: %w", err)
		}
		transport = t
	case config.TransportJetStream:
		transport = jetstream.NewTransport(cfg.NATSURL,
			jetstream.WithStream(cfg.NATSStream),
			jetstream.WithAckWait(cfg.NATSAckWait),
			jetstream.WithLogger(logger),
		)
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	if err := transport.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect %s transport: %w", cfg.Transport, err)
	}
	return transport, nil
}

// idempotencyStore is the selected store plus its optional health probe,
// background purge and cleanup
type idempotencyStore struct {
	store  idempotency.Store
	pinger health.Pinger
	purge  func(ctx context.Context) error
	close  func()
}

func (s *idempotencyStore) guard(ttl, claimTTL time.Duration, logger *slog.Logger) *idempotency.Guard {
	return idempotency.NewGuard(s.store,
		idempotency.WithTTL(ttl),
		idempotency.WithClaimTTL(claimTTL),
		idempotency.WithGuardLogger(logger),
	)
}

func (s *idempotencyStore) Close() {
	if s.close != nil {
		s.close()
	}
}

func newStore(ctx context.Context, cfg config.Config, transport messaging.Transport, logger *slog.Logger) (*idempotencyStore, error) {
	switch cfg.IdempotencyStore {
	case config.StoreMemory:
		return &idempotencyStore{store: idempotency.NewMemoryStore()}, nil

	case config.StorePostgres:
		if err := idempotency.Migrate(cfg.PgURL); err != nil {
			return nil, err
		}
		pool, err := idempotency.NewPool(ctx, cfg.PgURL, int32(cfg.PgPoolMax))
		if err != nil {
			return nil, err
		}
		store := idempotency.NewPostgresStore(pool)
		return &idempotencyStore{
			store:  store,
			pinger: store,
			purge:  purgeLoop(store, purgeInterval, logger),
			close:  pool.Close,
		}, nil

	case config.StoreNATS:
		js, ok := transport.(*jetstream.Transport)
		if !ok {
			return nil, fmt.Errorf("the nats idempotency store requires the jetstream transport")
		}
		ctxJS, err := js.JetStream()
		if err != nil {
			return nil, err
		}
		kv, err := idempotency.CreateBucket(ctx, ctxJS, kvBucket, cfg.IdempotencyTTL)
		if err != nil {
			return nil, err
		}
		return &idempotencyStore{store: idempotency.NewKVStore(kv)}, nil

	default:
		return nil, fmt.Errorf("unknown idempotency store %q", cfg.IdempotencyStore)
	}
}

type purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// purgeLoop deletes expired records every interval until ctx ends
func purgeLoop(p purger, interval time.Duration, logger *slog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				n, err := p.PurgeExpired(ctx)
				if err != nil {
					logger.WarnContext(ctx, "failed to purge idempotency records", "error", err)
					continue
				}
				if n > 0 {
					logger.InfoContext(ctx, "purged expired idempotency records", "count", n)
				}
			}
		}
	}
}
