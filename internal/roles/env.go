// Package roles wires the queue broker, artifact store and supervisor into
// the bot, worker and upscaler process roles.
package roles

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"dreambot/internal/infra"
	"dreambot/internal/queue"
	"dreambot/internal/storage"
	"dreambot/internal/supervisor"
)

// Env holds the collaborators every role in one process shares.
type Env struct {
	Config   *infra.Config
	Logger   infra.Logger
	Broker   *queue.Broker
	Store    *storage.FileStore
	Registry *supervisor.Registry
}

// NewEnv opens the configured queue backend and the artifact directory.
func NewEnv(ctx context.Context, cfg *infra.Config, logger infra.Logger) (*Env, error) {
	if cfg == nil {
		return nil, errors.New("roles: config is required")
	}
	broker, err := queue.Open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open queue backend: %w", err)
	}
	return NewEnvWithBroker(cfg, broker, logger)
}

// NewEnvWithBroker builds an Env around an already opened broker.
func NewEnvWithBroker(cfg *infra.Config, broker *queue.Broker, logger infra.Logger) (*Env, error) {
	store, err := storage.NewFileStore(cfg.OutputDir)
	if err != nil {
		_ = broker.Close()
		return nil, err
	}
	store.SetJPEGThreshold(cfg.ArtifactJPEGThreshold)
	return &Env{
		Config:   cfg,
		Logger:   logger,
		Broker:   broker,
		Store:    store,
		Registry: supervisor.NewRegistry(broker.Presence, logger),
	}, nil
}

// Close releases the broker.
func (e *Env) Close() error {
	return e.Broker.Close()
}

// Supervise runs fn under the role's restart policy. name must match the
// name the role announces itself with.
func (e *Env) Supervise(ctx context.Context, name, role string, fn func(ctx context.Context) error) error {
	s := supervisor.New(supervisor.Options{
		Name:      name,
		Role:      role,
		Policy:    supervisor.RolePolicy(role, e.Config),
		Notify:    e.Broker.Notify,
		Registry:  e.Registry,
		Logger:    e.Logger,
		Heartbeat: e.heartbeat(),
	})
	return s.Run(ctx, fn)
}

// heartbeat keeps presence refreshes well inside PRESENCE_TTL.
func (e *Env) heartbeat() time.Duration {
	hb := queue.HeartbeatInterval
	if ttl := e.Config.PresenceTTL; ttl > 0 && ttl/3 < hb {
		hb = ttl / 3
	}
	return hb
}

func (e *Env) providerClient() *http.Client {
	return &http.Client{Timeout: e.Config.ProviderTimeout}
}

// Stopped reports whether err only signals a requested shutdown.
func Stopped(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}
