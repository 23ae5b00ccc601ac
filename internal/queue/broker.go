package queue

import (
	"context"
	"fmt"
	"time"

	"dreambot/internal/infra"
)

// Broker bundles the four channels and the presence table of one backend.
type Broker struct {
	Work     *Channel[WorkMessage]
	Result   *Channel[ResultMessage]
	Notify   *Channel[Notification]
	Upscale  *Channel[UpscaleMessage]
	Presence Presence

	transport Transport
	closers   []func()
}

// NewBroker builds typed channels on t.
func NewBroker(t Transport, presence Presence, poll time.Duration) *Broker {
	return &Broker{
		Work:      NewChannel[WorkMessage](WorkQueue, t, poll),
		Result:    NewChannel[ResultMessage](ResultQueue, t, poll),
		Notify:    NewChannel[Notification](NotifyQueue, t, poll),
		Upscale:   NewChannel[UpscaleMessage](UpscaleQueue, t, poll),
		Presence:  presence,
		transport: t,
	}
}

// NewMemoryBroker is a single-process broker.
func NewMemoryBroker() *Broker {
	return NewBroker(NewMemoryTransport(), NewMemoryPresence(), DefaultPollInterval)
}

// Open builds the broker selected by cfg.QueueBackend.
func Open(ctx context.Context, cfg *infra.Config, logger infra.Logger) (*Broker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	poll := cfg.WorkerIdle
	switch cfg.QueueBackend {
	case "", infra.QueueBackendMemory:
		logger.Info().Msg("queue: using in-memory backend")
		return NewBroker(NewMemoryTransport(), NewMemoryPresence(), poll), nil
	case infra.QueueBackendSQLite:
		t, err := NewSQLiteTransport(cfg.QueueSQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.QueueSQLitePath).Msg("queue: using sqlite backend")
		return NewBroker(t, t.Presence(), poll), nil
	case infra.QueueBackendPostgres:
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		runner := infra.NewSQLRunner(pool, logger)
		t, err := NewPostgresTransport(ctx, runner, cfg.DatabaseURL, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info().Msg("queue: using postgres backend")
		b := NewBroker(t, t.Presence(), poll)
		b.closers = append(b.closers, pool.Close)
		return b, nil
	default:
		return nil, fmt.Errorf("queue: unsupported backend %q", cfg.QueueBackend)
	}
}

// Close releases the transport and any connections Open created.
func (b *Broker) Close() error {
	err := b.transport.Close()
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	return err
}
