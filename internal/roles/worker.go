package roles

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"dreambot/internal/providers/diffusion"
	"dreambot/internal/providers/upscale"
	"dreambot/internal/queue"
	"dreambot/internal/worker"
)

// WorkerName returns the name of worker i (0-based). It defaults to the
// model name and gets a numeric suffix when several workers share a model.
func (e *Env) WorkerName(i int) string {
	name := strings.TrimSpace(e.Config.WorkerName)
	if name == "" {
		name = e.Config.ModelName
	}
	if e.Config.WorkerCount > 1 {
		name = fmt.Sprintf("%s-%d", name, i+1)
	}
	return name
}

// NewGenerator builds the inference client for this process's model.
func (e *Env) NewGenerator() (*diffusion.Client, error) {
	return diffusion.NewClient(diffusion.Options{
		BaseURL:    e.Config.InferenceURL,
		Model:      e.Config.ModelName,
		Checkpoint: e.Config.ModelCheckpoint,
		HTTPClient: e.providerClient(),
		Logger:     &e.Logger,
	})
}

// RunWorkers starts WORKER_COUNT supervised generation loops and waits for
// all of them. An abandoned worker does not stop its siblings.
func (e *Env) RunWorkers(ctx context.Context) error {
	gen, err := e.NewGenerator()
	if err != nil {
		return err
	}
	if gen.Synthetic() {
		e.Logger.Warn().Str("model", gen.Model()).Msg("worker: INFERENCE_URL not set, using synthetic images")
	}
	var g errgroup.Group
	for i := 0; i < e.Config.WorkerCount; i++ {
		name := e.WorkerName(i)
		g.Go(func() error {
			return e.Supervise(ctx, name, queue.RoleWorker, e.workerRole(name, gen))
		})
	}
	return g.Wait()
}

// workerRole is the supervised body of one worker: a fresh loop per start.
func (e *Env) workerRole(name string, gen diffusion.Generator) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		loop, err := worker.New(worker.Options{
			Name:      name,
			Work:      e.Broker.Work,
			Results:   e.Broker.Result,
			Notify:    e.Broker.Notify,
			Presence:  e.Broker.Presence,
			Generator: gen,
			Store:     e.Store,
			Sidecar:   e.Config.WriteSidecar,
			Idle:      e.Config.WorkerIdle,
			Heartbeat: e.heartbeat(),
			Logger:    e.Logger,
		})
		if err != nil {
			return err
		}
		return loop.Run(ctx)
	}
}

// RunUpscaler starts the supervised upscale loop.
func (e *Env) RunUpscaler(ctx context.Context) error {
	const name = "upscaler"
	client := upscale.NewClient(upscale.Options{
		BaseURL:    e.Config.UpscaleURL,
		HTTPClient: e.providerClient(),
		Logger:     &e.Logger,
	})
	return e.Supervise(ctx, name, queue.RoleUpscaler, func(ctx context.Context) error {
		loop, err := worker.NewUpscaleLoop(worker.UpscaleOptions{
			Name:        name,
			Upscale:     e.Broker.Upscale,
			Notify:      e.Broker.Notify,
			Presence:    e.Broker.Presence,
			Upscaler:    client,
			Store:       e.Store,
			Idle:        e.Config.UpscaleIdle,
			RequeueIdle: e.Config.UpscaleRequeueIdle,
			Heartbeat:   e.heartbeat(),
			Logger:      e.Logger,
		})
		if err != nil {
			return err
		}
		return loop.Run(ctx)
	})
}
