package queue

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// Process roles.
const (
	RoleBot      = "bot"
	RoleWorker   = "worker"
	RoleUpscaler = "upscaler"
)

// Live processes refresh their record every HeartbeatInterval. Records not
// seen within PresenceTTL belong to processes that died without withdrawing.
const (
	HeartbeatInterval = 10 * time.Second
	PresenceTTL       = 3 * HeartbeatInterval
)

// Process states that count as live in presence queries.
const (
	StateRunning    = "running"
	StateBackoff    = "backoff"
	StateRestarting = "restarting"
)

// Record is one process entry in the shared presence table.
type Record struct {
	Name      string
	Role      string
	State     string
	Restarts  int
	LastError string
	StartedAt time.Time
	SeenAt    time.Time
}

func (r Record) live() bool {
	switch r.State {
	case StateRunning, StateBackoff, StateRestarting:
		return true
	default:
		return false
	}
}

// Presence tracks which worker, upscaler and front-end processes are alive
// across process boundaries.
type Presence interface {
	Announce(ctx context.Context, rec Record) error
	Withdraw(ctx context.Context, name string) error
	// Count returns live records of role. freshness > 0 also excludes
	// records not seen within that window.
	Count(ctx context.Context, role string, freshness time.Duration) (int, error)
	List(ctx context.Context) ([]Record, error)
}

// MemoryPresence is the in-process Presence used with MemoryTransport.
type MemoryPresence struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

func NewMemoryPresence() *MemoryPresence {
	return &MemoryPresence{records: make(map[string]Record), now: time.Now}
}

func (p *MemoryPresence) Announce(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.SeenAt.IsZero() {
		rec.SeenAt = p.now()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[rec.Name] = rec
	return nil
}

func (p *MemoryPresence) Withdraw(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, name)
	return nil
}

func (p *MemoryPresence) Count(ctx context.Context, role string, freshness time.Duration) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := time.Time{}
	if freshness > 0 {
		cutoff = p.now().Add(-freshness)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, rec := range p.records {
		if rec.Role != role || !rec.live() {
			continue
		}
		if !cutoff.IsZero() && rec.SeenAt.Before(cutoff) {
			continue
		}
		n++
	}
	return n, nil
}

func (p *MemoryPresence) List(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Record, 0, len(p.records))
	for _, rec := range p.records {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b Record) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

var _ Presence = (*MemoryPresence)(nil)
