package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bcombuddy/sessionbridge/pkg/api"
	"github.com/bcombuddy/sessionbridge/pkg/config"
	"github.com/bcombuddy/sessionbridge/pkg/observability"
)

var version = "dev"

func main() {
	configFile := flag.String("config", os.Getenv(config.FileEnv), "Path to a YAML config file")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout).
		WithField("version", version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)

	providers, err := observability.InitOTel(ctx, cfg.Telemetry(version), logger)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	if providers != nil {
		shutdown.Register("otel", providers.Shutdown)
	}

	server, err := api.NewFromConfig(ctx, cfg, logger, version)
	if err != nil {
		_ = shutdown.Shutdown(context.Background())
		return err
	}

	logger.WithFields(map[string]interface{}{
		"addr":     cfg.Server.Addr,
		"storage":  cfg.Storage.Kind,
		"provider": cfg.Provider.Kind,
	}).Info("starting sessionbridge")

	runErr := server.Run(ctx)
	if err := shutdown.Shutdown(context.Background()); err != nil {
		logger.WithError(err).Warn("shutdown incomplete")
	}
	return runErr
}
