package supervisor

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"dreambot/internal/infra"
	"dreambot/internal/queue"
)

// Process is the registry entry for one supervised role.
type Process struct {
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	State     State     `json:"state"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Live reports whether the process still counts towards its role.
func (p Process) Live() bool {
	switch p.State {
	case StateRunning, StateBackoff, StateRestarting:
		return true
	default:
		return false
	}
}

// Registry keeps the local view of supervised processes and mirrors every
// change into the shared presence table.
type Registry struct {
	mu       sync.Mutex
	procs    map[string]Process
	presence queue.Presence
	logger   infra.Logger
}

// NewRegistry builds a registry. presence may be nil.
func NewRegistry(presence queue.Presence, logger infra.Logger) *Registry {
	return &Registry{procs: make(map[string]Process), presence: presence, logger: logger}
}

func (r *Registry) update(ctx context.Context, p Process) {
	r.mu.Lock()
	r.procs[p.Name] = p
	r.mu.Unlock()

	if r.presence == nil {
		return
	}
	var err error
	if p.State == StateStopped {
		err = r.presence.Withdraw(ctx, p.Name)
	} else {
		err = r.presence.Announce(ctx, queue.Record{
			Name:      p.Name,
			Role:      p.Role,
			State:     string(p.State),
			Restarts:  p.Restarts,
			LastError: p.LastError,
			StartedAt: p.StartedAt,
		})
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("process", p.Name).Msg("supervisor: mirror presence failed")
	}
}

// Snapshot returns every known process ordered by name.
func (r *Registry) Snapshot() []Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Process, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Process) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Count returns the live processes of role.
func (r *Registry) Count(role string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.procs {
		if p.Role == role && p.Live() {
			n++
		}
	}
	return n
}
