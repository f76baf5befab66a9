package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"thumbnailer/internal/broker"
	"thumbnailer/internal/logging"
	"thumbnailer/internal/models"
	"thumbnailer/internal/server"
	"thumbnailer/internal/storage"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("api failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := models.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.LogLevel).With("component", "api")
	slog.SetDefault(logger)
	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer store.Close()

	var cache server.StatusReader
	if cfg.RedisURL != "" {
		c, err := storage.NewStatusCache(cfg.RedisURL, cfg.StatusTTL, logger)
		if err != nil {
			return fmt.Errorf("init status cache: %w", err)
		}
		defer c.Close()
		cache = c
	}

	client, err := broker.New(cfg.Broker, logger)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		// Publish reconnects on demand
		logger.Warn("broker unreachable at startup", "error", err)
	}
	defer client.Disconnect()

	srv := server.NewServer(cfg, store, client, cache, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Stop(sctx)
	})
	return g.Wait()
}
