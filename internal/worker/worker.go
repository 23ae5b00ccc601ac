package worker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"strings"
	"time"

	"dreambot/internal/domain"
	"dreambot/internal/infra"
	"dreambot/internal/providers/diffusion"
	"dreambot/internal/queue"
)

const defaultIdle = 200 * time.Millisecond

type artifactStore interface {
	SaveImage(ctx context.Context, stem string, img image.Image) (string, error)
	LoadImage(ctx context.Context, key string) (image.Image, error)
	WriteSidecar(ctx context.Context, artifactKey string, doc any) (string, error)
	Path(key string) (string, error)
}

// Options configures a generation Loop.
type Options struct {
	Name      string
	Work      *queue.Channel[queue.WorkMessage]
	Results   *queue.Channel[queue.ResultMessage]
	Notify    *queue.Channel[queue.Notification]
	Presence  queue.Presence
	Generator diffusion.Generator
	Store     artifactStore
	Sidecar   bool
	Idle      time.Duration
	Heartbeat time.Duration
	Logger    infra.Logger
	Now       func() time.Time
}

// Loop consumes the Work Queue one job at a time on a single model.
type Loop struct {
	name      string
	work      *queue.Channel[queue.WorkMessage]
	results   *queue.Channel[queue.ResultMessage]
	notify    *queue.Channel[queue.Notification]
	presence  queue.Presence
	generator diffusion.Generator
	store     artifactStore
	sidecar   bool
	idle      time.Duration
	heartbeat time.Duration
	logger    infra.Logger
	now       func() time.Time
}

// New validates opts and builds a Loop.
func New(opts Options) (*Loop, error) {
	if opts.Work == nil || opts.Results == nil || opts.Notify == nil {
		return nil, errors.New("worker: work, result and notify queues are required")
	}
	if opts.Generator == nil {
		return nil, errors.New("worker: generator is required")
	}
	if opts.Store == nil {
		return nil, errors.New("worker: artifact store is required")
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = opts.Generator.Model()
	}
	idle := opts.Idle
	if idle <= 0 {
		idle = defaultIdle
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Loop{
		name:      name,
		work:      opts.Work,
		results:   opts.Results,
		notify:    opts.Notify,
		presence:  opts.Presence,
		generator: opts.Generator,
		store:     opts.Store,
		sidecar:   opts.Sidecar,
		idle:      idle,
		heartbeat: heartbeatOrDefault(opts.Heartbeat),
		logger:    opts.Logger.With().Str("worker", name).Logger(),
		now:       now,
	}, nil
}

// Name returns the worker name used in presence and failure reports.
func (l *Loop) Name() string {
	return l.name
}

// Run processes jobs until ctx is cancelled or a job fails. A failed job is
// reported on the Notification Queue before the error is returned, so the
// caller can restart the loop.
func (l *Loop) Run(ctx context.Context) error {
	stop := beacon{
		presence: l.presence,
		record:   queue.Record{Name: l.name, Role: queue.RoleWorker, State: queue.StateRunning},
		every:    l.heartbeat,
		now:      l.now,
		logger:   l.logger,
	}.start(ctx)
	defer stop()
	l.logger.Info().Str("model", l.generator.Model()).Msg("worker: started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		worked, err := l.step(ctx)
		if err != nil {
			return err
		}
		if worked {
			continue
		}
		if err := wait(ctx, l.work.Wake(), l.idle); err != nil {
			return err
		}
	}
}

// step handles at most one message and reports whether one was taken.
func (l *Loop) step(ctx context.Context) (bool, error) {
	msg, ok, err := l.work.TryGet(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		l.report(ctx, "", err)
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := l.process(ctx, msg); err != nil {
		l.report(ctx, msg.JobID, err)
		return true, err
	}
	return true, nil
}

func (l *Loop) process(ctx context.Context, msg queue.WorkMessage) error {
	logger := l.logger.With().Str("job_id", msg.JobID).Logger()
	logger.Info().Int64("seed", msg.Payload.Seed).Msg("worker: picked job")

	req := diffusion.Request{JobID: msg.JobID, Payload: msg.Payload}
	if ref := strings.TrimSpace(msg.Payload.ReferenceImage); ref != "" {
		init, err := l.store.LoadImage(ctx, ref)
		if err != nil {
			return fmt.Errorf("load reference image: %w", err)
		}
		req.Init = init
	}

	out, err := l.generator.Generate(ctx, req)
	if err != nil {
		return fmt.Errorf("generate: %w", err)
	}
	if out == nil || out.Image == nil {
		return errors.New("generate: no image returned")
	}

	stem := fmt.Sprintf("%d_%s", l.now().Unix(), msg.JobID)
	filename, err := l.store.SaveImage(ctx, stem, out.Image)
	if err != nil {
		return fmt.Errorf("save artifact: %w", err)
	}

	if l.sidecar {
		doc := newSidecar(msg, l.generator.Model(), out.Seed)
		if _, err := l.store.WriteSidecar(ctx, filename, doc); err != nil {
			logger.Warn().Err(err).Str("filename", filename).Msg("worker: write sidecar failed")
		}
	}

	result := queue.ResultMessage{
		JobID:    msg.JobID,
		Payload:  msg.Payload,
		Filename: filename,
		Stats:    withMemoryStats(out.Stats),
		Worker:   l.name,
	}
	if err := l.results.Put(ctx, result); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}
	logger.Info().Str("filename", filename).Msg("worker: job finished")
	return nil
}

func (l *Loop) report(ctx context.Context, jobID string, err error) {
	l.logger.Error().Err(err).Str("job_id", jobID).Msg("worker: job failed")
	n := queue.Notification{
		Source: l.name,
		Text:   fmt.Sprintf("Worker %s: worker_loop: has error: %v", l.name, err),
		JobID:  jobID,
		At:     l.now(),
	}
	if perr := l.notify.Put(context.WithoutCancel(ctx), n); perr != nil {
		l.logger.Error().Err(perr).Msg("worker: report failure failed")
	}
}

// sidecar is the metadata document stored next to each artifact.
type sidecar struct {
	Target         string `yaml:"target"`
	JobID          string `yaml:"job_id"`
	Model          string `yaml:"model"`
	domain.Payload `yaml:",inline"`
}

func newSidecar(msg queue.WorkMessage, model string, seed int64) sidecar {
	p := msg.Payload
	if seed != 0 {
		p.Seed = seed
	}
	target := "txt2img"
	if p.ReferenceImage != "" {
		target = "img2img"
	}
	return sidecar{Target: target, JobID: msg.JobID, Model: model, Payload: p}
}

func withMemoryStats(stats string) string {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	line := fmt.Sprintf("Heap in use: %.2fMB (peak sys %.2fMB)", float64(ms.HeapInuse)/1e6, float64(ms.Sys)/1e6)
	stats = strings.TrimSpace(stats)
	if stats == "" {
		return line
	}
	return stats + "\n" + line
}

// wait blocks for d, or until wake fires or ctx is done.
func wait(ctx context.Context, wake <-chan struct{}, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	case <-timer.C:
		return nil
	}
}
