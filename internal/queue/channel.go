package queue

import (
	"context"
	"fmt"
	"time"
)

// DefaultPollInterval bounds how long Get waits between checks when no
// wake-up arrives.
const DefaultPollInterval = 200 * time.Millisecond

// Channel is a typed FIFO over one named transport queue.
type Channel[T Message] struct {
	name      string
	transport Transport
	poll      time.Duration
}

// NewChannel binds the queue name on t to message type T.
func NewChannel[T Message](name string, t Transport, poll time.Duration) *Channel[T] {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Channel[T]{name: name, transport: t, poll: poll}
}

// Name returns the queue name.
func (c *Channel[T]) Name() string {
	return c.name
}

// Put appends msg to the tail of the queue.
func (c *Channel[T]) Put(ctx context.Context, msg T) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := c.transport.Put(ctx, c.name, data); err != nil {
		return fmt.Errorf("queue %s: put: %w", c.name, err)
	}
	return nil
}

// TryGet removes and returns the head of the queue without blocking. A
// message that fails to decode is consumed and reported as an error.
func (c *Channel[T]) TryGet(ctx context.Context) (T, bool, error) {
	var zero T
	data, ok, err := c.transport.TryGet(ctx, c.name)
	if err != nil {
		return zero, false, fmt.Errorf("queue %s: get: %w", c.name, err)
	}
	if !ok {
		return zero, false, nil
	}
	msg, err := Decode[T](data)
	if err != nil {
		return zero, false, fmt.Errorf("queue %s: %w", c.name, err)
	}
	return msg, true, nil
}

// Get blocks until a message is available or ctx is done.
func (c *Channel[T]) Get(ctx context.Context) (T, error) {
	var zero T
	timer := time.NewTimer(c.poll)
	defer timer.Stop()
	for {
		msg, ok, err := c.TryGet(ctx)
		if err != nil {
			return zero, err
		}
		if ok {
			return msg, nil
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.poll)
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-c.transport.Wake(c.name):
		case <-timer.C:
		}
	}
}

// Len returns the current depth.
func (c *Channel[T]) Len(ctx context.Context) (int, error) {
	n, err := c.transport.Len(ctx, c.name)
	if err != nil {
		return 0, fmt.Errorf("queue %s: len: %w", c.name, err)
	}
	return n, nil
}

// Drain discards every queued message and returns how many were removed.
// Draining an empty queue is a no-op.
func (c *Channel[T]) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		_, ok, err := c.transport.TryGet(ctx, c.name)
		if err != nil {
			return n, fmt.Errorf("queue %s: drain: %w", c.name, err)
		}
		if !ok {
			return n, nil
		}
		n++
	}
}

// Wake exposes the transport wake-up signal for this queue.
func (c *Channel[T]) Wake() <-chan struct{} {
	return c.transport.Wake(c.name)
}
