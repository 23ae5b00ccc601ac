package domain

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// JobStatus enumerates job lifecycle states. Transitions only move forward.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusDreaming   JobStatus = "dreaming"
	JobStatusTerminated JobStatus = "terminated"
)

func (s JobStatus) String() string {
	return string(s)
}

func (s JobStatus) rank() int {
	switch s {
	case JobStatusQueued:
		return 0
	case JobStatusDreaming:
		return 1
	case JobStatusTerminated:
		return 2
	default:
		return -1
	}
}

// Job is one generation request tracked by the front-end until its result
// has been delivered.
type Job struct {
	ID               string
	Payload          Payload
	Seed             int64
	TotalIterations  int
	CurrentIteration int
	Origin           Requester
	CreatedAt        time.Time

	mu     sync.Mutex
	status JobStatus
}

// NewJob builds a queued job. current is 1-based.
func NewJob(id string, payload Payload, total, current int, origin Requester, now time.Time) *Job {
	return &Job{
		ID:               id,
		Payload:          payload,
		Seed:             payload.Seed,
		TotalIterations:  total,
		CurrentIteration: current,
		Origin:           origin,
		CreatedAt:        now,
		status:           JobStatusQueued,
	}
}

// Status returns the current lifecycle state.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// MarkDreaming moves a queued job onto the work queue.
func (j *Job) MarkDreaming() error {
	return j.advance(JobStatusDreaming)
}

// MarkTerminated records that the result was delivered.
func (j *Job) MarkTerminated() error {
	return j.advance(JobStatusTerminated)
}

func (j *Job) advance(next JobStatus) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if next.rank() != j.status.rank()+1 {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.status, next)
	}
	j.status = next
	return nil
}

// ResponseText composes the per-iteration reply delivered with the artifact.
func (j *Job) ResponseText(filename, stats string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "seed: %d\nitr: %d / %d\nfilename: %s", j.Seed, j.CurrentIteration, j.TotalIterations, filename)
	if j.Origin != nil {
		info := j.Origin.Describe()
		fmt.Fprintf(&b, "\nuser: %s (%s)", info.UserName, info.UserID)
	}
	if stats = strings.TrimSpace(stats); stats != "" {
		b.WriteString("\n")
		b.WriteString(stats)
	}
	return b.String()
}
