package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"dreambot/internal/infra"
	"dreambot/internal/queue"
)

// ErrAbandoned is returned once a role crashed more often than its policy
// allows.
var ErrAbandoned = errors.New("supervisor: retry ceiling exceeded")

// errExited marks a role function that returned without error while its
// context was still live. Roles are expected to run until cancelled.
var errExited = errors.New("role exited")

// State is a supervised process lifecycle state.
type State string

const (
	StateRunning    State = "running"
	StateBackoff    State = "backoff"
	StateRestarting State = "restarting"
	StateAbandoned  State = "abandoned"
	StateStopped    State = "stopped"
)

// Policy bounds restarts for one role. Backoff grows linearly with the
// retry count and is capped at MaxBackoff.
type Policy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Backoff returns the pause before restart number retry (1-based).
func (p Policy) Backoff(retry int) time.Duration {
	if retry < 1 {
		return 0
	}
	d := time.Duration(retry) * p.BaseBackoff
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// RolePolicy returns the configured policy for role.
func RolePolicy(role string, cfg *infra.Config) Policy {
	p := Policy{MaxRetries: 3, BaseBackoff: 8 * time.Second, MaxBackoff: 5 * time.Minute}
	if cfg == nil {
		return p
	}
	if cfg.RetryBaseBackoff > 0 {
		p.BaseBackoff = cfg.RetryBaseBackoff
	}
	if cfg.RetryMaxBackoff > 0 {
		p.MaxBackoff = cfg.RetryMaxBackoff
	}
	switch role {
	case queue.RoleBot:
		p.MaxRetries = cfg.BotMaxRetries
	case queue.RoleWorker:
		p.MaxRetries = cfg.WorkerMaxRetries
	case queue.RoleUpscaler:
		p.MaxRetries = cfg.UpscalerMaxRetries
	}
	return p
}

type notifier interface {
	Put(ctx context.Context, n queue.Notification) error
}

// Options configures a Supervisor.
type Options struct {
	Name     string
	Role     string
	Policy   Policy
	Notify   notifier
	Registry *Registry
	Logger   infra.Logger
	// Heartbeat bounds how long a backoff record goes unrefreshed. Zero
	// means queue.HeartbeatInterval.
	Heartbeat time.Duration
	Sleep     func(ctx context.Context, d time.Duration) error
	Now       func() time.Time
}

// Supervisor restarts one role function with bounded, linearly growing
// backoff.
type Supervisor struct {
	name      string
	role      string
	policy    Policy
	notify    notifier
	registry  *Registry
	logger    infra.Logger
	heartbeat time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

// New builds a Supervisor. A nil registry is replaced by a private one.
func New(opts Options) *Supervisor {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = opts.Role
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry(nil, opts.Logger)
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = queue.HeartbeatInterval
	}
	return &Supervisor{
		name:      name,
		role:      opts.Role,
		policy:    opts.Policy,
		notify:    opts.Notify,
		registry:  registry,
		logger:    opts.Logger.With().Str("process", name).Str("role", opts.Role).Logger(),
		heartbeat: heartbeat,
		sleep:     sleep,
		now:       now,
	}
}

// Run calls fn until ctx is cancelled or the retry ceiling is exceeded.
// Every crash is reported once on the Notification Queue as
// "<name>: retry: <n> / has error: <err>". A panic inside fn counts as a
// crash.
func (s *Supervisor) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	proc := Process{Name: s.name, Role: s.role, StartedAt: s.now()}
	state := StateRunning
	for {
		proc.State = state
		s.registry.update(ctx, proc)
		s.logger.Info().Int("restarts", proc.Restarts).Msg("supervisor: starting role")

		err := invoke(ctx, fn)
		if ctx.Err() != nil {
			proc.State = StateStopped
			s.registry.update(context.WithoutCancel(ctx), proc)
			s.logger.Info().Msg("supervisor: role stopped")
			return ctx.Err()
		}
		if err == nil {
			err = errExited
		}

		proc.Restarts++
		proc.LastError = err.Error()
		s.report(ctx, proc.Restarts, err)

		if proc.Restarts > s.policy.MaxRetries {
			proc.State = StateAbandoned
			s.registry.update(ctx, proc)
			s.logger.Error().Err(err).Int("retry", proc.Restarts).Msg("supervisor: giving up")
			return fmt.Errorf("%w: %s: %w", ErrAbandoned, s.name, err)
		}

		proc.State = StateBackoff
		s.registry.update(ctx, proc)
		wait := s.policy.Backoff(proc.Restarts)
		s.logger.Warn().Err(err).Int("retry", proc.Restarts).Dur("backoff", wait).Msg("supervisor: role crashed")
		if err := s.pause(ctx, proc, wait); err != nil {
			proc.State = StateStopped
			s.registry.update(context.WithoutCancel(ctx), proc)
			return err
		}
		state = StateRestarting
	}
}

// pause sleeps for d in heartbeat-sized steps and refreshes the backoff
// record between them, so a long backoff does not look like a dead process.
func (s *Supervisor) pause(ctx context.Context, proc Process, d time.Duration) error {
	for {
		step := min(d, s.heartbeat)
		if err := s.sleep(ctx, step); err != nil {
			return err
		}
		d -= step
		if d <= 0 {
			return nil
		}
		s.registry.update(ctx, proc)
	}
}

func (s *Supervisor) report(ctx context.Context, retry int, err error) {
	if s.notify == nil {
		return
	}
	n := queue.Notification{
		Source: s.name,
		Text:   fmt.Sprintf("%s: retry: %d / has error: %v", s.name, retry, err),
		At:     s.now(),
	}
	if perr := s.notify.Put(context.WithoutCancel(ctx), n); perr != nil {
		s.logger.Error().Err(perr).Msg("supervisor: report crash failed")
	}
}

// invoke runs fn and converts a panic into an error.
func invoke(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
