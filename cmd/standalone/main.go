// Command standalone runs the bot, the workers and the upscaler in one
// process. With the default memory queue backend nothing else is needed.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"dreambot/internal/infra"
	"dreambot/internal/roles"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg, "standalone")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := roles.NewEnv(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("standalone: setup failed")
	}
	bot, err := env.NewBot(ctx)
	if err != nil {
		_ = env.Close()
		logger.Fatal().Err(err).Msg("standalone: setup failed")
	}

	// the bot going down takes the process with it; workers and the
	// upscaler may be abandoned without stopping the bot
	ctx, cancel := context.WithCancel(ctx)
	var g errgroup.Group
	g.Go(func() error {
		defer cancel()
		return bot.Run(ctx)
	})
	g.Go(func() error { return env.RunWorkers(ctx) })
	g.Go(func() error { return env.RunUpscaler(ctx) })

	logger.Info().Str("queue", cfg.QueueBackend).Int("workers", cfg.WorkerCount).Msg("standalone: running")
	err = g.Wait()
	cancel()
	if cerr := env.Close(); cerr != nil {
		logger.Warn().Err(cerr).Msg("standalone: close queue")
	}
	if !roles.Stopped(err) {
		logger.Error().Err(err).Msg("standalone: exited")
		os.Exit(1)
	}
	logger.Info().Msg("standalone: stopped")
}
