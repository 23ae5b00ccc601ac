package notify

import (
	"context"
	"errors"
	"time"

	"dreambot/internal/infra"
	"dreambot/internal/queue"
)

// Sink delivers operator notifications taken off the Notification Queue.
type Sink interface {
	Deliver(ctx context.Context, n queue.Notification) error
}

// JobEvent describes a job state change observed by the front-end.
type JobEvent struct {
	JobID    string    `json:"job_id"`
	Status   string    `json:"status"`
	Seed     int64     `json:"seed,omitempty"`
	Filename string    `json:"filename,omitempty"`
	Worker   string    `json:"worker,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// EventSink receives job lifecycle events.
type EventSink interface {
	PublishJob(ctx context.Context, ev JobEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n queue.Notification) error

func (f SinkFunc) Deliver(ctx context.Context, n queue.Notification) error { return f(ctx, n) }

// Fanout delivers to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Deliver(ctx context.Context, n queue.Notification) error {
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Deliver(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes notifications to the process log.
type LogSink struct {
	Logger infra.Logger
}

func (s LogSink) Deliver(_ context.Context, n queue.Notification) error {
	s.Logger.Warn().
		Str("source", n.Source).
		Str("job_id", n.JobID).
		Time("at", n.At).
		Msg(n.Text)
	return nil
}
