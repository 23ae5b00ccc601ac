package queue

import (
	"context"
	"sync"
)

// MemoryTransport keeps queues in process memory. It backs the all-in-one
// binary and tests.
type MemoryTransport struct {
	mu     sync.Mutex
	queues map[string][][]byte
	closed bool
	wakes  *wakeSet
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		queues: make(map[string][][]byte),
		wakes:  newWakeSet(),
	}
}

func (m *MemoryTransport) Put(ctx context.Context, queue string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.queues[queue] = append(m.queues[queue], append([]byte(nil), body...))
	m.mu.Unlock()
	m.wakes.signal(queue)
	return nil
}

func (m *MemoryTransport) TryGet(ctx context.Context, queue string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	items := m.queues[queue]
	if len(items) == 0 {
		return nil, false, nil
	}
	head := items[0]
	items[0] = nil
	m.queues[queue] = items[1:]
	return head, true, nil
}

func (m *MemoryTransport) Len(ctx context.Context, queue string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return len(m.queues[queue]), nil
}

func (m *MemoryTransport) Wake(queue string) <-chan struct{} {
	return m.wakes.channel(queue)
}

func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.queues = make(map[string][][]byte)
	return nil
}

var _ Transport = (*MemoryTransport)(nil)
