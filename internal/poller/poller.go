package poller

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"dreambot/internal/dispatcher"
	"dreambot/internal/domain"
	"dreambot/internal/infra"
	"dreambot/internal/notify"
	"dreambot/internal/queue"
)

// Action names what a single tick did.
type Action string

const (
	ActionIdle            Action = "idle"
	ActionNotification    Action = "notification"
	ActionUpscaleDone     Action = "upscale_done"
	ActionUpscaleRequeued Action = "upscale_requeued"
	ActionResult          Action = "result"
	ActionResultDropped   Action = "result_dropped"
)

const defaultInterval = 500 * time.Millisecond

type artifactPaths interface {
	Path(key string) (string, error)
}

// Options configures a Poller. Sleep, Jitter and Now default to real time.
type Options struct {
	Notify     *queue.Channel[queue.Notification]
	Upscale    *queue.Channel[queue.UpscaleMessage]
	Results    *queue.Channel[queue.ResultMessage]
	Jobs       *dispatcher.InFlight
	Upscales   *dispatcher.UpscaleRequests
	Operator   notify.Sink
	Events     notify.EventSink
	Artifacts  artifactPaths
	Interval   time.Duration
	JitterMax  time.Duration
	LostJobs   string
	JobTimeout time.Duration
	Logger     infra.Logger
	Sleep      func(ctx context.Context, d time.Duration) error
	Jitter     func(limit time.Duration) time.Duration
	Now        func() time.Time
}

// Poller is the front-end loop that finalizes jobs. It performs at most one
// dequeue per tick, preferring notifications, then finished upscales, then
// results.
type Poller struct {
	notify     *queue.Channel[queue.Notification]
	upscale    *queue.Channel[queue.UpscaleMessage]
	results    *queue.Channel[queue.ResultMessage]
	jobs       *dispatcher.InFlight
	upscales   *dispatcher.UpscaleRequests
	operator   notify.Sink
	events     notify.EventSink
	artifacts  artifactPaths
	interval   time.Duration
	jitterMax  time.Duration
	failLost   bool
	jobTimeout time.Duration
	logger     infra.Logger
	sleep      func(ctx context.Context, d time.Duration) error
	jitter     func(limit time.Duration) time.Duration
	now        func() time.Time
}

// New validates opts and builds a Poller.
func New(opts Options) (*Poller, error) {
	if opts.Notify == nil || opts.Upscale == nil || opts.Results == nil {
		return nil, errors.New("poller: notify, upscale and result queues are required")
	}
	if opts.Jobs == nil {
		return nil, errors.New("poller: in-flight table is required")
	}
	upscales := opts.Upscales
	if upscales == nil {
		upscales = dispatcher.NewUpscaleRequests()
	}
	operator := opts.Operator
	if operator == nil {
		operator = notify.LogSink{Logger: opts.Logger}
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	jitterMax := opts.JitterMax
	if jitterMax < 0 {
		jitterMax = 0
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	jitter := opts.Jitter
	if jitter == nil {
		jitter = uniformJitter
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	var lost string
	switch strings.ToLower(strings.TrimSpace(opts.LostJobs)) {
	case "", infra.LostJobPolicyIgnore:
	case infra.LostJobPolicyFail:
		lost = infra.LostJobPolicyFail
	default:
		return nil, fmt.Errorf("poller: unknown lost job policy %q", opts.LostJobs)
	}
	return &Poller{
		notify:     opts.Notify,
		upscale:    opts.Upscale,
		results:    opts.Results,
		jobs:       opts.Jobs,
		upscales:   upscales,
		operator:   operator,
		events:     opts.Events,
		artifacts:  opts.Artifacts,
		interval:   interval,
		jitterMax:  jitterMax,
		failLost:   lost == infra.LostJobPolicyFail,
		jobTimeout: opts.JobTimeout,
		logger:     opts.Logger,
		sleep:      sleep,
		jitter:     jitter,
		now:        now,
	}, nil
}

// Run ticks every interval until ctx is done or a tick fails. An idle tick
// waits for the next interval or for a wake-up on any watched queue,
// whichever comes first.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.logger.Info().Dur("interval", p.interval).Bool("fail_lost_jobs", p.failLost).Msg("poller: started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.Sweep(ctx)
		action, err := p.Tick(ctx)
		if err != nil {
			return err
		}
		if action == ActionIdle {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			case <-p.notify.Wake():
			case <-p.upscale.Wake():
			case <-p.results.Wake():
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs at most one dequeue, chosen by strict priority.
func (p *Poller) Tick(ctx context.Context) (Action, error) {
	n, ok, err := p.notify.TryGet(ctx)
	if err != nil {
		return ActionIdle, err
	}
	if ok {
		return ActionNotification, p.handleNotification(ctx, n)
	}

	up, ok, err := p.upscale.TryGet(ctx)
	if err != nil {
		return ActionIdle, err
	}
	if ok {
		if up.Phase != queue.PhaseDone {
			if err := p.upscale.Put(ctx, up); err != nil {
				return ActionUpscaleRequeued, err
			}
			return ActionUpscaleRequeued, nil
		}
		return ActionUpscaleDone, p.handleUpscale(ctx, up)
	}

	res, ok, err := p.results.TryGet(ctx)
	if err != nil {
		return ActionIdle, err
	}
	if ok {
		job, found := p.jobs.Get(res.JobID)
		if !found {
			p.logger.Debug().Str("job_id", res.JobID).Msg("poller: result for unknown job dropped")
			return ActionResultDropped, nil
		}
		return ActionResult, p.terminate(ctx, job, res)
	}
	return ActionIdle, nil
}

func (p *Poller) handleNotification(ctx context.Context, n queue.Notification) error {
	if err := p.operator.Deliver(ctx, n); err != nil {
		p.logger.Warn().Err(err).Str("source", n.Source).Msg("poller: deliver notification failed")
	}
	if !p.failLost || n.JobID == "" {
		return nil
	}
	if job, ok := p.jobs.Get(n.JobID); ok {
		return p.fail(ctx, job, n.Text)
	}
	if requester, ok := p.upscales.Take(n.JobID); ok {
		if err := requester.Fail(ctx, n.Text); err != nil {
			return fmt.Errorf("poller: report upscale failure: %w", err)
		}
	}
	return nil
}

func (p *Poller) handleUpscale(ctx context.Context, msg queue.UpscaleMessage) error {
	requester, ok := p.upscales.Take(msg.RequestID)
	if !ok {
		p.logger.Debug().Str("request_id", msg.RequestID).Msg("poller: upscale for unknown request dropped")
		return nil
	}
	att := domain.Attachment{Name: msg.Result.Name, Path: msg.Result.Path}
	if err := requester.Attach(ctx, att); err != nil {
		return fmt.Errorf("poller: attach upscale: %w", err)
	}
	p.logger.Info().Str("request_id", msg.RequestID).Str("filename", msg.Result.Name).Msg("poller: upscale delivered")
	return nil
}

// terminate replies with the artifact after a short jitter and retires the
// job. The job is removed even when the reply fails. The result is already
// off the queue, so a shutdown during the jitter delivers it at once and
// then returns the context error.
func (p *Poller) terminate(ctx context.Context, job *domain.Job, res queue.ResultMessage) error {
	text := job.ResponseText(res.Filename, res.Stats)
	var stopped error
	if d := p.jitter(p.jitterMax); d > 0 {
		if err := p.sleep(ctx, d); err != nil {
			stopped = err
			ctx = context.WithoutCancel(ctx)
		}
	}

	att := &domain.Attachment{Name: res.Filename}
	if p.artifacts != nil {
		if path, err := p.artifacts.Path(res.Filename); err == nil {
			att.Path = path
		}
	}

	var replyErr error
	if job.Origin != nil {
		replyErr = job.Origin.Reply(ctx, domain.Reply{Text: text, Attachment: att})
	}
	p.retire(job)
	p.publish(ctx, notify.JobEvent{
		JobID:    job.ID,
		Status:   domain.JobStatusTerminated.String(),
		Seed:     job.Seed,
		Filename: res.Filename,
		Worker:   res.Worker,
		At:       p.now(),
	})
	if replyErr != nil {
		return errors.Join(stopped, fmt.Errorf("poller: reply for job %s: %w", job.ID, replyErr))
	}
	p.logger.Info().Str("job_id", job.ID).Str("filename", res.Filename).Msg("poller: job delivered")
	return stopped
}

// fail resolves a job that will never produce a result.
func (p *Poller) fail(ctx context.Context, job *domain.Job, reason string) error {
	var replyErr error
	if job.Origin != nil {
		text := fmt.Sprintf("job %s failed (itr: %d / %d): %s", job.ID, job.CurrentIteration, job.TotalIterations, reason)
		replyErr = job.Origin.Fail(ctx, text)
	}
	p.retire(job)
	p.publish(ctx, notify.JobEvent{
		JobID:  job.ID,
		Status: "failed",
		Seed:   job.Seed,
		Reason: reason,
		At:     p.now(),
	})
	p.logger.Warn().Str("job_id", job.ID).Str("reason", reason).Msg("poller: job failed")
	if replyErr != nil {
		return fmt.Errorf("poller: report failure for job %s: %w", job.ID, replyErr)
	}
	return nil
}

func (p *Poller) retire(job *domain.Job) {
	if err := job.MarkTerminated(); err != nil {
		p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("poller: unexpected job status")
	}
	p.jobs.Remove(job.ID)
}

func (p *Poller) publish(ctx context.Context, ev notify.JobEvent) {
	if p.events == nil {
		return
	}
	if err := p.events.PublishJob(ctx, ev); err != nil {
		p.logger.Debug().Err(err).Str("job_id", ev.JobID).Msg("poller: publish job event failed")
	}
}

// Sweep fails in-flight jobs older than the configured timeout and returns
// how many it resolved. It does nothing when no timeout is set.
func (p *Poller) Sweep(ctx context.Context) int {
	if p.jobTimeout <= 0 {
		return 0
	}
	stale := p.jobs.OlderThan(p.now().Add(-p.jobTimeout))
	for _, job := range stale {
		reason := fmt.Sprintf("no result after %s", p.jobTimeout)
		if err := p.fail(ctx, job, reason); err != nil {
			p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("poller: timeout reply failed")
		}
	}
	return len(stale)
}

func uniformJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit + 1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
