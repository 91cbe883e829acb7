package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zeromonitor/zeromonitor/internal/api"
	"github.com/zeromonitor/zeromonitor/internal/auth"
	"github.com/zeromonitor/zeromonitor/internal/config"
	"github.com/zeromonitor/zeromonitor/internal/database"
	"github.com/zeromonitor/zeromonitor/internal/driver"
	"github.com/zeromonitor/zeromonitor/internal/inventory"
	"github.com/zeromonitor/zeromonitor/internal/poller"
	"github.com/zeromonitor/zeromonitor/internal/sink"
	"github.com/zeromonitor/zeromonitor/internal/transport"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := initLogger(cfg.Logging)
	logger.Info("Starting ZeroMonitor agent",
		"inventory", cfg.Agent.InventoryPath,
		"max_workers", cfg.Agent.MaxWorkers,
	)

	authService, err := auth.NewService(
		cfg.Auth.JWTSecret,
		cfg.Auth.EncryptionKey,
		cfg.Auth.AdminUsername,
		cfg.Auth.AdminPassword,
		cfg.Auth.GetJWTExpiry(),
	)
	if err != nil {
		log.Fatalf("Failed to initialize auth service: %v", err)
	}

	var cipher inventory.Cipher
	if cfg.Auth.EncryptionKey != "" {
		cipher = authService
	}
	store := inventory.NewStore(
		cfg.Agent.InventoryPath,
		cipher,
		time.Duration(cfg.Agent.DefaultIntervalSec)*time.Second,
		logger,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cache := sink.NewSnapshotCache()
	sinks := []sink.Sink{cache}

	if cfg.Database.Enabled {
		pool, err := database.Connect(ctx, &cfg.Database)
		if err != nil {
			log.Fatalf("DB init failed: %v", err)
		}
		defer pool.Close()

		if err := database.RunMigrations(pool); err != nil {
			log.Fatalf("Migrations failed: %v", err)
		}

		writer := sink.NewBatchWriter(pool, &cfg.Database, logger)
		go func() {
			if err := writer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Batch writer error", "error", err)
			}
		}()
		sinks = append(sinks, writer)
		logger.Info("Metric persistence enabled", "host", cfg.Database.Host)
	}

	factory := poller.NewCollectorFactory(
		transport.DialOptions{ConnectTimeout: cfg.Agent.GetConnectTimeout()},
		cfg.Agent.MaxRetries,
		logger,
	)
	drv := driver.New(cfg.Agent, store, factory, sinks, logger)

	if cfg.Server.Enabled {
		srv := api.NewServer(cfg.Server, drv, store, cache, authService, logger)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("Server failed", "error", err)
			}
		}()
	}

	if err := drv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Agent stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("Agent stopped gracefully")
}

func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
