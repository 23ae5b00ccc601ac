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
	logger := infra.NewLogger(cfg, "upscaler")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := roles.NewEnv(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("upscaler: setup failed")
	}

	if cfg.UpscaleURL == "" {
		logger.Warn().Msg("upscaler: UPSCALE_URL not set, using nearest-neighbour upscaling")
	}
	err = env.RunUpscaler(ctx)
	if cerr := env.Close(); cerr != nil {
		logger.Warn().Err(cerr).Msg("upscaler: close queue")
	}
	if !roles.Stopped(err) {
		logger.Error().Err(err).Msg("upscaler: exited")
		os.Exit(1)
	}
	logger.Info().Msg("upscaler: stopped")
}
