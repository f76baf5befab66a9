package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"thumbnailer/internal/broker"
	"thumbnailer/internal/dispatcher"
	"thumbnailer/internal/logging"
	"thumbnailer/internal/models"
	"thumbnailer/internal/pipeline"
	"thumbnailer/internal/storage"
	"thumbnailer/internal/workpool"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := models.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.LogLevel).With("component", "worker")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer store.Close()

	var sessions storage.Sessions = store
	if cfg.RedisURL != "" {
		cache, err := storage.NewStatusCache(cfg.RedisURL, cfg.StatusTTL, logger)
		if err != nil {
			return fmt.Errorf("init status cache: %w", err)
		}
		defer cache.Close()
		sessions = cache.Wrap(store)
	}

	// deferred in reverse: broker disconnect, then pool drain, then cache and store
	pool := workpool.New(cfg.Workers)
	p := pipeline.New(sessions, pipeline.LocalFS{Root: cfg.StoragePath}, pool,
		pipeline.WithThumbnailDir(cfg.ThumbnailDir),
		pipeline.WithLogger(logger),
	)
	d := dispatcher.New(p, pool, logger)
	defer d.Close()

	client, err := broker.New(cfg.Broker, logger)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("broker unreachable: %w", err)
	}
	defer func() {
		if err := client.Disconnect(); err != nil {
			logger.Warn("broker disconnect failed", "error", err)
		}
	}()

	logger.Info("worker started",
		"broker", cfg.Broker.Kind,
		"queue", cfg.Broker.Queue,
		"prefetch", cfg.Broker.Prefetch,
		"workers", pool.Size(),
	)
	if err := client.Consume(ctx, cfg.Broker.Queue, cfg.Broker.Prefetch, d.Handle); err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	logger.Info("worker stopping")
	return nil
}
