// Command syncserver runs the map-synchronization fan-out server: it
// authorizes websocket connections, runs one actor-style worker per live
// map (spec.md §5), and persists snapshots via the configured storage
// backend.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dzfranklin/plantopo-sync/internal/config"
	"github.com/dzfranklin/plantopo-sync/internal/httpapi"
	"github.com/dzfranklin/plantopo-sync/internal/maintenance"
	"github.com/dzfranklin/plantopo-sync/internal/registry"
	"github.com/dzfranklin/plantopo-sync/internal/storage"
	"github.com/dzfranklin/plantopo-sync/internal/storage/boltstore"
	"github.com/dzfranklin/plantopo-sync/internal/storage/memstore"
	"github.com/dzfranklin/plantopo-sync/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	store, err := openStorage(cfg)
	if err != nil {
		logger.Error("open storage", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	verifier := token.NewVerifier(cfg.ServerSecret)
	reg := registry.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched, err := maintenance.Start(reg, logger)
	if err != nil {
		logger.Error("start maintenance scheduler", "err", err)
		os.Exit(1)
	}

	handler := httpapi.New(ctx, verifier, store, reg, cfg.ServerID, logger)
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: handler,
	}

	go func() {
		logger.Info("sync server listening", "addr", cfg.ListenAddr, "storage", cfg.Storage)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen and serve", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", "err", err)
	}
	if err := sched.Stop(); err != nil {
		logger.Error("stop maintenance scheduler", "err", err)
	}
}

func openStorage(cfg config.Config) (storage.Storage, error) {
	switch cfg.Storage {
	case config.StorageKindBolt:
		return boltstore.Open(cfg.BoltPath)
	default:
		return memstore.New(), nil
	}
}
