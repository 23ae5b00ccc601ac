package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteTransport shares queues between processes on one host through a
// WAL-mode SQLite file. Pops run in BEGIN IMMEDIATE transactions so two
// consumers never receive the same row.
type SQLiteTransport struct {
	db    *sql.DB
	wakes *wakeSet
	now   func() time.Time
}

// NewSQLiteTransport opens (and creates) the queue database at path.
func NewSQLiteTransport(path string) (*SQLiteTransport, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("queue: sqlite path is required")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping queue database: %w", err)
	}
	t := &SQLiteTransport{db: db, wakes: newWakeSet(), now: time.Now}
	if err := t.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	return t, nil
}

func (t *SQLiteTransport) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS queue_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		queue TEXT NOT NULL,
		body BLOB NOT NULL,
		enqueued_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_queue_messages_queue ON queue_messages(queue, id);

	CREATE TABLE IF NOT EXISTS processes (
		name TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		state TEXT NOT NULL,
		restarts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		seen_at INTEGER NOT NULL
	);
	`
	_, err := t.db.Exec(schema)
	return err
}

func (t *SQLiteTransport) Put(ctx context.Context, queue string, body []byte) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO queue_messages (queue, body, enqueued_at) VALUES (?, ?, ?)`,
		queue, body, t.now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	t.wakes.signal(queue)
	return nil
}

func (t *SQLiteTransport) TryGet(ctx context.Context, queue string) ([]byte, bool, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin pop: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id   int64
		body []byte
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, body FROM queue_messages WHERE queue = ? ORDER BY id ASC LIMIT 1`,
		queue,
	).Scan(&id, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to select head: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, id); err != nil {
		return nil, false, fmt.Errorf("failed to delete head: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit pop: %w", err)
	}
	return body, true, nil
}

func (t *SQLiteTransport) Len(ctx context.Context, queue string) (int, error) {
	var n int
	if err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_messages WHERE queue = ?`, queue).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// Wake only observes puts made through this handle; other processes are
// picked up by the consumer's poll.
func (t *SQLiteTransport) Wake(queue string) <-chan struct{} {
	return t.wakes.channel(queue)
}

func (t *SQLiteTransport) Close() error {
	return t.db.Close()
}

// Presence returns the process table stored in the same database.
func (t *SQLiteTransport) Presence() *SQLitePresence {
	return &SQLitePresence{db: t.db, now: t.now}
}

// SQLitePresence implements Presence on the processes table.
type SQLitePresence struct {
	db  *sql.DB
	now func() time.Time
}

func (p *SQLitePresence) Announce(ctx context.Context, rec Record) error {
	if rec.SeenAt.IsZero() {
		rec.SeenAt = p.now()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.SeenAt
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO processes (name, role, state, restarts, last_error, started_at, seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			role = excluded.role,
			state = excluded.state,
			restarts = excluded.restarts,
			last_error = excluded.last_error,
			started_at = excluded.started_at,
			seen_at = excluded.seen_at
	`, rec.Name, rec.Role, rec.State, rec.Restarts, rec.LastError, rec.StartedAt.UnixMilli(), rec.SeenAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to announce process: %w", err)
	}
	return nil
}

func (p *SQLitePresence) Withdraw(ctx context.Context, name string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM processes WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to withdraw process: %w", err)
	}
	return nil
}

func (p *SQLitePresence) Count(ctx context.Context, role string, freshness time.Duration) (int, error) {
	cutoff := int64(0)
	if freshness > 0 {
		cutoff = p.now().Add(-freshness).UnixMilli()
	}
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processes
		WHERE role = ? AND state IN (?, ?, ?) AND seen_at >= ?
	`, role, StateRunning, StateBackoff, StateRestarting, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count processes: %w", err)
	}
	return n, nil
}

func (p *SQLitePresence) List(ctx context.Context) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT name, role, state, restarts, last_error, started_at, seen_at FROM processes ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var started, seenAt int64
		if err := rows.Scan(&rec.Name, &rec.Role, &rec.State, &rec.Restarts, &rec.LastError, &started, &seenAt); err != nil {
			return nil, fmt.Errorf("failed to scan process: %w", err)
		}
		rec.StartedAt = time.UnixMilli(started)
		rec.SeenAt = time.UnixMilli(seenAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

var (
	_ Transport = (*SQLiteTransport)(nil)
	_ Presence  = (*SQLitePresence)(nil)
)
