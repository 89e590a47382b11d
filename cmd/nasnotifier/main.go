package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"nasnotifier/internal/config"
	"nasnotifier/internal/logger"
	"nasnotifier/internal/processor"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML config file")
	logLevel := flag.String("log-level", "", "override log_level from the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger.Init(cfg.LogLevel)
	log := logger.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("config", *configPath).
		Str("auth_log", cfg.AuthLogPath).
		Dur("poll_interval", cfg.PollInterval).
		Msg("nasnotifier starting")

	if err := processor.New(cfg).Run(ctx); err != nil {
		log.Error().Err(err).Msg("nasnotifier exited")
		stop()
		os.Exit(1)
	}
	log.Info().Msg("exited")
}
