// Command wallet-syncd runs the wallet sync engine as a standalone daemon:
// it drains the durable operation queue against the wallet backend, keeps
// the realtime push channel open and serves as the composition root for
// the engine's collaborators.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	walletsync "github.com/c0deZ3R0/wallet-sync-kit"
	"github.com/c0deZ3R0/wallet-sync-kit/cache"
	"github.com/c0deZ3R0/wallet-sync-kit/cache/rediscache"
	"github.com/c0deZ3R0/wallet-sync-kit/client"
	"github.com/c0deZ3R0/wallet-sync-kit/config"
	"github.com/c0deZ3R0/wallet-sync-kit/logging"
	"github.com/c0deZ3R0/wallet-sync-kit/queue"
	"github.com/c0deZ3R0/wallet-sync-kit/storage/sqlite"
	"github.com/c0deZ3R0/wallet-sync-kit/transport/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		Environment: cfg.Environment,
		File:        cfg.LogFile,
	})
	logger := logging.WithComponent(logging.Component("wallet-syncd"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	blobs, err := sqlite.New(sqlite.DefaultConfig(cfg.SQLitePath))
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	defer blobs.Close()

	var entityCache walletsync.EntityCache
	if cfg.RedisURL != "" {
		redisCache, err := rediscache.NewFromURL(ctx, cfg.RedisURL, "wallet")
		if err != nil {
			return fmt.Errorf("connect redis cache: %w", err)
		}
		defer redisCache.Close()
		entityCache = redisCache
		logger.Info("using redis entity cache")
	} else {
		entityCache = cache.NewMemory()
		logger.Info("using in-memory entity cache")
	}

	backend := client.New(cfg.ServerBaseURL)

	var dialer walletsync.RealtimeDialer
	if cfg.RealtimeURL != "" {
		dialer = &ws.Dialer{}
	}

	engine, err := walletsync.New(walletsync.Options{
		Store:          queue.New(ctx, blobs),
		Clients:        backend.All(),
		Cache:          entityCache,
		Blobs:          blobs,
		RealtimeDialer: dialer,
		RealtimeURL:    cfg.RealtimeURL,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer engine.Close()

	if err := engine.StartAutoSync(cfg.SyncInterval); err != nil {
		return fmt.Errorf("start auto-sync: %w", err)
	}

	logger.Info("wallet-syncd running",
		slog.String("server", cfg.ServerBaseURL),
		slog.Duration("sync_interval", cfg.SyncInterval),
		slog.Bool("realtime", dialer != nil))

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}
