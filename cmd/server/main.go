package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mcoot/rhythmsync/internal/api"
	"github.com/mcoot/rhythmsync/internal/config"
	"github.com/mcoot/rhythmsync/internal/dependencies/clock"
	"github.com/mcoot/rhythmsync/internal/dependencies/random"
	"github.com/mcoot/rhythmsync/internal/identity"
	"github.com/mcoot/rhythmsync/internal/server"
)

func main() {
	configPath := flag.String("config", "server_config.yml", "Path to the YAML config file")
	flag.Parse()

	// Set up logging with JSON output
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	idc := identity.New(cfg.IdentityURL, cfg.IdentityTimeout.Std())
	srv := server.New(cfg, idc, clock.New(), random.New(), logger)

	if err := srv.Listen(); err != nil {
		logger.Error("failed to bind", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	// Optional HTTP status side channel
	var statusServer *api.Server
	if cfg.StatusAddr != "" {
		statusCfg := api.DefaultServerConfig()
		statusCfg.Addr = cfg.StatusAddr
		statusServer = api.NewServer(srv.Registry(), statusCfg, logger)
		go func() {
			if err := statusServer.Start(); err != nil {
				logger.Error("status server error", slog.String("error", err.Error()))
			}
		}()
	}

	if err := srv.Serve(ctx); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if statusServer != nil {
		if err := statusServer.Shutdown(context.Background()); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
		}
	}

	logger.Info("server stopped")
}
