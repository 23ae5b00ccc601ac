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
	logger := infra.NewLogger(cfg, "bot")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := roles.NewEnv(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot: setup failed")
	}
	bot, err := env.NewBot(ctx)
	if err != nil {
		_ = env.Close()
		logger.Fatal().Err(err).Msg("bot: setup failed")
	}

	err = bot.Run(ctx)
	if cerr := env.Close(); cerr != nil {
		logger.Warn().Err(cerr).Msg("bot: close queue")
	}
	if !roles.Stopped(err) {
		logger.Error().Err(err).Msg("bot: exited")
		os.Exit(1)
	}
	logger.Info().Msg("bot: stopped")
}
