package dispatcher

import (
	"sync"
	"time"

	"dreambot/internal/domain"
)

// InFlight maps job ids to jobs submitted but not yet answered. The
// dispatcher adds entries; only the poller removes them.
type InFlight struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

func NewInFlight() *InFlight {
	return &InFlight{jobs: make(map[string]*domain.Job)}
}

func (t *InFlight) Add(job *domain.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[job.ID] = job
}

func (t *InFlight) Get(id string) (*domain.Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[id]
	return job, ok
}

// Remove deletes id and reports whether it was present.
func (t *InFlight) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.jobs[id]; !ok {
		return false
	}
	delete(t.jobs, id)
	return true
}

func (t *InFlight) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// OlderThan returns jobs created before cutoff.
func (t *InFlight) OlderThan(cutoff time.Time) []*domain.Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*domain.Job
	for _, job := range t.jobs {
		if job.CreatedAt.Before(cutoff) {
			out = append(out, job)
		}
	}
	return out
}

// UpscaleRequests maps upscale request ids to the conversation that asked.
type UpscaleRequests struct {
	mu       sync.Mutex
	requests map[string]domain.Requester
}

func NewUpscaleRequests() *UpscaleRequests {
	return &UpscaleRequests{requests: make(map[string]domain.Requester)}
}

func (u *UpscaleRequests) Add(id string, r domain.Requester) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.requests[id] = r
}

// Take removes and returns the requester for id.
func (u *UpscaleRequests) Take(id string) (domain.Requester, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	r, ok := u.requests[id]
	if ok {
		delete(u.requests, id)
	}
	return r, ok
}

func (u *UpscaleRequests) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.requests)
}
