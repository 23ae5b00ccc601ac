package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"dreambot/internal/infra"
	"dreambot/internal/roles"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := roles.NewEnv(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: setup failed")
	}

	logger.Info().
		Int("workers", cfg.WorkerCount).
		Str("model", cfg.ModelName).
		Str("queue", cfg.QueueBackend).
		Msg("worker: starting")
	err = env.RunWorkers(ctx)
	if cerr := env.Close(); cerr != nil {
		logger.Warn().Err(cerr).Msg("worker: close queue")
	}
	if !roles.Stopped(err) {
		logger.Error().Err(err).Msg("worker: exited")
		os.Exit(1)
	}
	logger.Info().Msg("worker: stopped")
}
