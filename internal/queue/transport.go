package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by transports after Close.
var ErrClosed = errors.New("queue: transport closed")

// Transport is a set of named byte FIFOs. TryGet never blocks; ok is false
// when the queue is empty.
type Transport interface {
	Put(ctx context.Context, queue string, body []byte) error
	TryGet(ctx context.Context, queue string) (body []byte, ok bool, err error)
	Len(ctx context.Context, queue string) (int, error)
	// Wake is signalled after a Put this transport can observe. Consumers
	// must still fall back to polling.
	Wake(queue string) <-chan struct{}
	Close() error
}

// wakeSet hands out one buffered signal channel per queue name.
type wakeSet struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

func newWakeSet() *wakeSet {
	return &wakeSet{chans: make(map[string]chan struct{})}
}

func (w *wakeSet) channel(queue string) chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch, ok := w.chans[queue]
	if !ok {
		ch = make(chan struct{}, 1)
		w.chans[queue] = ch
	}
	return ch
}

func (w *wakeSet) signal(queue string) {
	select {
	case w.channel(queue) <- struct{}{}:
	default:
	}
}

func (w *wakeSet) signalAll() {
	w.mu.Lock()
	names := make([]string, 0, len(w.chans))
	for name := range w.chans {
		names = append(names, name)
	}
	w.mu.Unlock()
	for _, name := range names {
		w.signal(name)
	}
}
