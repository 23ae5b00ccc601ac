package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dreambot/internal/infra"
	"dreambot/internal/sqlinline"

	"github.com/lib/pq"
)

// PostgresTransport shares queues across hosts. Pops use
// DELETE ... FOR UPDATE SKIP LOCKED so concurrent consumers never receive
// the same row, and every put raises a NOTIFY carrying the queue name.
type PostgresTransport struct {
	db       infra.SQLExecutor
	listener *pq.Listener
	wakes    *wakeSet
	logger   infra.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewPostgresTransport prepares the schema and, when databaseURL is set,
// listens for queue notifications on a dedicated connection.
func NewPostgresTransport(ctx context.Context, db infra.SQLExecutor, databaseURL string, logger infra.Logger) (*PostgresTransport, error) {
	t := &PostgresTransport{
		db:     db,
		wakes:  newWakeSet(),
		logger: logger,
		done:   make(chan struct{}),
	}
	for _, stmt := range []string{sqlinline.QQueueCreateTable, sqlinline.QQueueCreateIndex, sqlinline.QProcessesCreateTable} {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return nil, fmt.Errorf("queue: init schema: %w", err)
		}
	}
	if databaseURL != "" {
		t.listener = pq.NewListener(databaseURL, 2*time.Second, time.Minute, t.onListenerEvent)
		if err := t.listener.Listen(sqlinline.QueueNotifyChannel); err != nil {
			_ = t.listener.Close()
			return nil, fmt.Errorf("queue: listen %s: %w", sqlinline.QueueNotifyChannel, err)
		}
		go t.listen()
	}
	return t, nil
}

func (t *PostgresTransport) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
		t.logger.Warn().Err(err).Msg("queue: notify listener disconnected")
	case pq.ListenerEventReconnected:
		t.logger.Info().Msg("queue: notify listener reconnected")
	}
}

func (t *PostgresTransport) listen() {
	for {
		select {
		case <-t.done:
			return
		case n, ok := <-t.listener.Notify:
			if !ok {
				return
			}
			// nil after a reconnect: notifications may have been missed
			if n == nil {
				t.wakes.signalAll()
				continue
			}
			t.wakes.signal(n.Extra)
		}
	}
}

func (t *PostgresTransport) Put(ctx context.Context, queue string, body []byte) error {
	if _, err := t.db.Exec(ctx, sqlinline.QQueuePut, queue, body); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if t.listener == nil {
		t.wakes.signal(queue)
	}
	return nil
}

func (t *PostgresTransport) TryGet(ctx context.Context, queue string) ([]byte, bool, error) {
	var body []byte
	if err := t.db.QueryRow(ctx, sqlinline.QQueuePop, queue).Scan(&body); err != nil {
		if infra.IsNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("pop message: %w", err)
	}
	return body, true, nil
}

func (t *PostgresTransport) Len(ctx context.Context, queue string) (int, error) {
	var n int64
	if err := t.db.QueryRow(ctx, sqlinline.QQueueLen, queue).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return int(n), nil
}

func (t *PostgresTransport) Wake(queue string) <-chan struct{} {
	return t.wakes.channel(queue)
}

// Close stops the notification listener. The SQL executor is owned by the
// caller.
func (t *PostgresTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		if t.listener != nil {
			err = t.listener.Close()
		}
	})
	return err
}

// Presence returns the process table stored next to the queues.
func (t *PostgresTransport) Presence() *PostgresPresence {
	return &PostgresPresence{db: t.db, now: time.Now}
}

// PostgresPresence implements Presence on the queue_processes table.
type PostgresPresence struct {
	db  infra.SQLExecutor
	now func() time.Time
}

func (p *PostgresPresence) Announce(ctx context.Context, rec Record) error {
	if rec.SeenAt.IsZero() {
		rec.SeenAt = p.now()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.SeenAt
	}
	_, err := p.db.Exec(ctx, sqlinline.QProcessUpsert,
		rec.Name, rec.Role, rec.State, rec.Restarts, rec.LastError, rec.StartedAt, rec.SeenAt)
	if err != nil {
		return fmt.Errorf("announce process: %w", err)
	}
	return nil
}

func (p *PostgresPresence) Withdraw(ctx context.Context, name string) error {
	if _, err := p.db.Exec(ctx, sqlinline.QProcessDelete, name); err != nil {
		return fmt.Errorf("withdraw process: %w", err)
	}
	return nil
}

func (p *PostgresPresence) Count(ctx context.Context, role string, freshness time.Duration) (int, error) {
	var cutoff *time.Time
	if freshness > 0 {
		c := p.now().Add(-freshness)
		cutoff = &c
	}
	var n int64
	if err := p.db.QueryRow(ctx, sqlinline.QProcessCountLive, role, cutoff).Scan(&n); err != nil {
		return 0, fmt.Errorf("count processes: %w", err)
	}
	return int(n), nil
}

func (p *PostgresPresence) List(ctx context.Context) ([]Record, error) {
	rows, err := p.db.Query(ctx, sqlinline.QProcessList)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Name, &rec.Role, &rec.State, &rec.Restarts, &rec.LastError, &rec.StartedAt, &rec.SeenAt); err != nil {
			return nil, fmt.Errorf("scan process: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

var (
	_ Transport = (*PostgresTransport)(nil)
	_ Presence  = (*PostgresPresence)(nil)
)
