package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"dreambot/internal/domain"
	"dreambot/internal/infra"
	"dreambot/internal/queue"
	"dreambot/internal/resolution"

	"github.com/google/uuid"
)

type workQueue interface {
	Put(ctx context.Context, msg queue.WorkMessage) error
	Len(ctx context.Context) (int, error)
	Drain(ctx context.Context) (int, error)
}

type upscaleQueue interface {
	Put(ctx context.Context, msg queue.UpscaleMessage) error
}

type artifactStore interface {
	Path(key string) (string, error)
	Exists(key string) bool
}

// Options configures a Dispatcher. Zero-valued hooks fall back to uuid, a
// uniform seed draw and time.Now.
type Options struct {
	Work      workQueue
	Upscale   upscaleQueue
	Presence  queue.Presence
	Jobs      *InFlight
	Upscales  *UpscaleRequests
	Artifacts artifactStore
	Logger    infra.Logger
	NewID     func() string
	Seed      func() int64
	Now       func() time.Time
	// WorkerTTL drops workers whose presence record is older than this from
	// the info count. Zero means queue.PresenceTTL.
	WorkerTTL time.Duration
}

// Dispatcher turns dream commands into queued jobs.
type Dispatcher struct {
	work      workQueue
	upscale   upscaleQueue
	presence  queue.Presence
	jobs      *InFlight
	upscales  *UpscaleRequests
	artifacts artifactStore
	workerTTL time.Duration
	logger    infra.Logger
	newID     func() string
	seed      func() int64
	now       func() time.Time
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Work == nil {
		return nil, errors.New("dispatcher: work queue is required")
	}
	d := &Dispatcher{
		work:      opts.Work,
		upscale:   opts.Upscale,
		presence:  opts.Presence,
		jobs:      opts.Jobs,
		upscales:  opts.Upscales,
		artifacts: opts.Artifacts,
		workerTTL: opts.WorkerTTL,
		logger:    opts.Logger,
		newID:     opts.NewID,
		seed:      opts.Seed,
		now:       opts.Now,
	}
	if d.jobs == nil {
		d.jobs = NewInFlight()
	}
	if d.upscales == nil {
		d.upscales = NewUpscaleRequests()
	}
	if d.newID == nil {
		d.newID = uuid.NewString
	}
	if d.seed == nil {
		d.seed = randomSeed
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.workerTTL <= 0 {
		d.workerTTL = queue.PresenceTTL
	}
	return d, nil
}

func randomSeed() int64 {
	return rand.Int64N(domain.MaxSeed + 1)
}

// Jobs exposes the in-flight table shared with the poller.
func (d *Dispatcher) Jobs() *InFlight {
	return d.jobs
}

// Upscales exposes the pending upscale table shared with the poller.
func (d *Dispatcher) Upscales() *UpscaleRequests {
	return d.upscales
}

// Submit validates params, acknowledges the request and enqueues one job per
// iteration. Jobs enqueued before a failure stay queued.
func (d *Dispatcher) Submit(ctx context.Context, requester domain.Requester, params domain.DreamParams) ([]*domain.Job, error) {
	params.Normalize()
	if err := params.Validate(); err != nil {
		d.fail(ctx, requester, err.Error())
		return nil, err
	}
	size, err := resolution.Plan(params.AspectRatio, params.BaseSize)
	if err != nil {
		d.fail(ctx, requester, err.Error())
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidParams, err)
	}

	who := requester.Describe()
	if err := requester.Acknowledge(ctx, domain.AcknowledgmentText(params, who)); err != nil {
		return nil, fmt.Errorf("acknowledge request: %w", err)
	}

	base := domain.Payload{
		Prompt:         params.Prompt,
		Steps:          params.EffectiveSteps(),
		Sampler:        params.Sampler,
		Toggles:        params.Toggles(),
		UpscaleModel:   domain.UpscaleModelFor(params.UpscaleAnime),
		DDIMEta:        domain.DefaultDDIMEta,
		NIter:          domain.DefaultNIter,
		BatchSize:      domain.DefaultBatchSize,
		CFGScale:       params.CFGScale,
		Width:          size.Width,
		Height:         size.Height,
		ReferenceImage: params.ReferenceImage,
	}

	jobs := make([]*domain.Job, 0, params.Iterations)
	for i := 0; i < params.Iterations; i++ {
		payload := base
		payload.Toggles = append([]domain.Toggle(nil), base.Toggles...)
		if params.Seed != nil {
			payload.Seed = *params.Seed
		} else {
			payload.Seed = d.seed()
		}

		job := domain.NewJob(d.newID(), payload, params.Iterations, i+1, requester, d.now())
		if err := job.MarkDreaming(); err != nil {
			return jobs, err
		}
		// registered before the put so a fast result always finds it
		d.jobs.Add(job)
		if err := d.work.Put(ctx, queue.WorkMessage{JobID: job.ID, Payload: payload}); err != nil {
			d.jobs.Remove(job.ID)
			d.logger.Error().Err(err).Str("job_id", job.ID).Msg("dispatcher: enqueue failed")
			d.fail(ctx, requester, fmt.Sprintf("enqueue failed: %v", err))
			return jobs, fmt.Errorf("enqueue job %s: %w", job.ID, err)
		}
		d.logger.Info().
			Str("job_id", job.ID).
			Str("thread_id", who.ThreadID).
			Int64("seed", payload.Seed).
			Int("itr", i+1).
			Int("total", params.Iterations).
			Str("size", size.String()).
			Msg("dispatcher: job queued")
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (d *Dispatcher) fail(ctx context.Context, requester domain.Requester, text string) {
	if err := requester.Fail(ctx, text); err != nil {
		d.logger.Warn().Err(err).Msg("dispatcher: failed to report error to requester")
	}
}

// Info is the status snapshot returned by the info command.
type Info struct {
	QueueDepth      int `json:"job_queue_number"`
	Workers         int `json:"worker_number"`
	InFlight        int `json:"in_flight"`
	PendingUpscales int `json:"pending_upscales"`
}

func (d *Dispatcher) Info(ctx context.Context) (Info, error) {
	depth, err := d.work.Len(ctx)
	if err != nil {
		return Info{}, err
	}
	info := Info{
		QueueDepth:      depth,
		InFlight:        d.jobs.Len(),
		PendingUpscales: d.upscales.Len(),
	}
	if d.presence != nil {
		workers, err := d.presence.Count(ctx, queue.RoleWorker, d.workerTTL)
		if err != nil {
			return Info{}, err
		}
		info.Workers = workers
	}
	return info, nil
}

// Cancel drops every job still waiting on the Work Queue. Jobs already taken
// by a worker finish normally; cancelled jobs stay in the in-flight table.
func (d *Dispatcher) Cancel(ctx context.Context) (int, error) {
	n, err := d.work.Drain(ctx)
	if err != nil {
		return n, err
	}
	d.logger.Info().Int("cancelled", n).Msg("dispatcher: work queue drained")
	return n, nil
}

// RequestUpscale queues an upscale of a previously produced artifact and
// returns the request id.
func (d *Dispatcher) RequestUpscale(ctx context.Context, requester domain.Requester, filename string, anime bool) (string, error) {
	if d.upscale == nil || d.artifacts == nil {
		return "", errors.New("dispatcher: upscaling is not configured")
	}
	filename = strings.TrimSpace(filename)
	if filename == "" || !d.artifacts.Exists(filename) {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownArtifact, filename)
	}
	sourcePath, err := d.artifacts.Path(filename)
	if err != nil {
		return "", err
	}
	stem, _, _ := strings.Cut(filename, ".")
	targetName := stem + "_upscaled.png"
	targetPath, err := d.artifacts.Path(targetName)
	if err != nil {
		return "", err
	}

	id := d.newID()
	msg := queue.UpscaleMessage{
		RequestID: id,
		Phase:     queue.PhaseQueue,
		Source:    queue.FileRef{Name: filename, Path: sourcePath},
		Target:    queue.FileRef{Name: targetName, Path: targetPath},
		Model:     domain.UpscaleModelFor(anime),
	}
	d.upscales.Add(id, requester)
	if err := d.upscale.Put(ctx, msg); err != nil {
		d.upscales.Take(id)
		return "", fmt.Errorf("enqueue upscale: %w", err)
	}
	if err := requester.Acknowledge(ctx, "upscale queued: "+filename); err != nil {
		d.logger.Warn().Err(err).Str("request_id", id).Msg("dispatcher: upscale acknowledgment failed")
	}
	d.logger.Info().Str("request_id", id).Str("source", filename).Str("model", msg.Model).Msg("dispatcher: upscale queued")
	return id, nil
}
