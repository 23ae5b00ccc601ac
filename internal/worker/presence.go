package worker

import (
	"context"
	"time"

	"dreambot/internal/infra"
	"dreambot/internal/queue"
)

// beacon keeps one presence record fresh while a loop runs. The refresh runs
// on its own ticker so a long generation does not age the record out.
type beacon struct {
	presence queue.Presence
	record   queue.Record
	every    time.Duration
	now      func() time.Time
	logger   infra.Logger
}

// start announces the record and refreshes it every b.every until the
// returned stop func is called. stop withdraws the record.
func (b beacon) start(ctx context.Context) (stop func()) {
	if b.presence == nil {
		return func() {}
	}
	b.record.StartedAt = b.now()
	b.announce(ctx)

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(b.every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.announce(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-done
		if err := b.presence.Withdraw(context.Background(), b.record.Name); err != nil {
			b.logger.Warn().Err(err).Msg("presence: withdraw failed")
		}
	}
}

func (b beacon) announce(ctx context.Context) {
	rec := b.record
	rec.SeenAt = b.now()
	if err := b.presence.Announce(ctx, rec); err != nil && ctx.Err() == nil {
		b.logger.Warn().Err(err).Msg("presence: announce failed")
	}
}

func heartbeatOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return queue.HeartbeatInterval
	}
	return d
}
