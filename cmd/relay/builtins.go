package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/messaging"
	"github.com/glimte/mmate-relay/metrics"
)

// PingRequest is the optional payload of a ping
type PingRequest struct {
	Message string `json:"message,omitempty"`
}

// PingReply answers a ping
type PingReply struct {
	Message string    `json:"message"`
	Echo    string    `json:"echo,omitempty"`
	Service string    `json:"service"`
	At      time.Time `json:"at"`
}

// HostCallbacks are the replies the host itself consumes on REPLY_QUEUE
type HostCallbacks interface {
	Pong(ctx context.Context, reply PingReply) error
}

func registerBuiltins(router *messaging.Router, service string) error {
	return messaging.RegisterReply(router, contracts.ActionPing,
		func(ctx context.Context, req PingRequest) (PingReply, error) {
			return PingReply{
				Message: "pong",
				Echo:    req.Message,
				Service: service,
				At:      time.Now().UTC(),
			}, nil
		},
		messaging.WithOptionalPayload(),
	)
}

type hostCallbacks struct {
	logger *slog.Logger
}

func (h hostCallbacks) Pong(ctx context.Context, reply PingReply) error {
	h.logger.InfoContext(ctx, "pong received",
		"from", reply.Service,
		"echo", reply.Echo,
		"latency", time.Since(reply.At),
	)
	return nil
}

func newCallbackInvoker(logger *slog.Logger) (*messaging.Invoker[HostCallbacks], error) {
	inv := messaging.NewInvoker[HostCallbacks](hostCallbacks{logger: logger},
		messaging.WithInvokerLogger(logger),
		messaging.WithInvokerMetrics(metrics.NewCollector()),
	)
	if err := messaging.Bind(inv, "Pong", HostCallbacks.Pong); err != nil {
		return nil, err
	}
	if err := inv.Verify(); err != nil {
		return nil, err
	}
	return inv, nil
}
