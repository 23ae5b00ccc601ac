package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dreambot/internal/infra"
	"dreambot/internal/providers/upscale"
	"dreambot/internal/queue"
)

const (
	defaultUpscaleIdle  = 500 * time.Millisecond
	defaultRequeueIdle  = 800 * time.Millisecond
	upscaledResultInfix = ".upscale"
)

// UpscaleOptions configures an UpscaleLoop.
type UpscaleOptions struct {
	Name        string
	Upscale     *queue.Channel[queue.UpscaleMessage]
	Notify      *queue.Channel[queue.Notification]
	Presence    queue.Presence
	Upscaler    upscale.Upscaler
	Store       artifactStore
	Idle        time.Duration
	RequeueIdle time.Duration
	Heartbeat   time.Duration
	Logger      infra.Logger
	Now         func() time.Time
	Sleep       func(ctx context.Context, d time.Duration) error
}

// UpscaleLoop serves queue-phase requests from the shared Upscale Queue and
// hands done-phase entries back untouched.
type UpscaleLoop struct {
	name        string
	queue       *queue.Channel[queue.UpscaleMessage]
	notify      *queue.Channel[queue.Notification]
	presence    queue.Presence
	upscaler    upscale.Upscaler
	store       artifactStore
	idle        time.Duration
	requeueIdle time.Duration
	heartbeat   time.Duration
	logger      infra.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewUpscaleLoop validates opts and builds an UpscaleLoop.
func NewUpscaleLoop(opts UpscaleOptions) (*UpscaleLoop, error) {
	if opts.Upscale == nil || opts.Notify == nil {
		return nil, errors.New("upscaler: upscale and notify queues are required")
	}
	if opts.Upscaler == nil || opts.Store == nil {
		return nil, errors.New("upscaler: upscaler and artifact store are required")
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "upscaler"
	}
	idle := opts.Idle
	if idle <= 0 {
		idle = defaultUpscaleIdle
	}
	requeueIdle := opts.RequeueIdle
	if requeueIdle <= 0 {
		requeueIdle = defaultRequeueIdle
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error { return wait(ctx, nil, d) }
	}
	return &UpscaleLoop{
		name:        name,
		queue:       opts.Upscale,
		notify:      opts.Notify,
		presence:    opts.Presence,
		upscaler:    opts.Upscaler,
		store:       opts.Store,
		idle:        idle,
		requeueIdle: requeueIdle,
		heartbeat:   heartbeatOrDefault(opts.Heartbeat),
		logger:      opts.Logger.With().Str("upscaler", name).Logger(),
		now:         now,
		sleep:       sleep,
	}, nil
}

// Run serves upscale requests until ctx is cancelled or one fails.
func (u *UpscaleLoop) Run(ctx context.Context) error {
	stop := beacon{
		presence: u.presence,
		record:   queue.Record{Name: u.name, Role: queue.RoleUpscaler, State: queue.StateRunning},
		every:    u.heartbeat,
		now:      u.now,
		logger:   u.logger,
	}.start(ctx)
	defer stop()
	u.logger.Info().Msg("upscaler: started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		worked, err := u.step(ctx)
		if err != nil {
			return err
		}
		if worked {
			continue
		}
		if err := wait(ctx, u.queue.Wake(), u.idle); err != nil {
			return err
		}
	}
}

// step handles at most one message. A done-phase entry is put back and the
// loop sleeps for the requeue interval so the front-end can collect it.
func (u *UpscaleLoop) step(ctx context.Context) (bool, error) {
	msg, ok, err := u.queue.TryGet(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		u.report(ctx, "", err)
		return false, err
	}
	if !ok {
		return false, nil
	}
	if msg.Phase != queue.PhaseQueue {
		if err := u.queue.Put(ctx, msg); err != nil {
			u.report(ctx, msg.RequestID, err)
			return true, err
		}
		return true, u.sleep(ctx, u.requeueIdle)
	}
	if err := u.process(ctx, msg); err != nil {
		u.report(ctx, msg.RequestID, err)
		return true, err
	}
	return true, nil
}

func (u *UpscaleLoop) process(ctx context.Context, msg queue.UpscaleMessage) error {
	logger := u.logger.With().Str("request_id", msg.RequestID).Str("source", msg.Source.Name).Logger()
	logger.Info().Str("model", msg.Model).Msg("upscaler: picked request")

	src, err := u.store.LoadImage(ctx, msg.Source.Name)
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}
	out, err := u.upscaler.Upscale(ctx, src, msg.Model)
	if err != nil {
		return fmt.Errorf("upscale: %w", err)
	}
	key, err := u.store.SaveImage(ctx, msg.Target.Name+upscaledResultInfix, out)
	if err != nil {
		return fmt.Errorf("save upscaled artifact: %w", err)
	}
	path, err := u.store.Path(key)
	if err != nil {
		return fmt.Errorf("resolve upscaled artifact: %w", err)
	}

	msg.Phase = queue.PhaseDone
	msg.Result = queue.FileRef{Name: key, Path: path}
	if err := u.queue.Put(ctx, msg); err != nil {
		return fmt.Errorf("publish upscale result: %w", err)
	}
	logger.Info().Str("result", key).Msg("upscaler: request finished")
	return nil
}

func (u *UpscaleLoop) report(ctx context.Context, requestID string, err error) {
	u.logger.Error().Err(err).Str("request_id", requestID).Msg("upscaler: request failed")
	n := queue.Notification{
		Source: u.name,
		Text:   fmt.Sprintf("Upscaler %s: upscaler_loop: has error: %v", u.name, err),
		JobID:  requestID,
		At:     u.now(),
	}
	if perr := u.notify.Put(context.WithoutCancel(ctx), n); perr != nil {
		u.logger.Error().Err(perr).Msg("upscaler: report failure failed")
	}
}
