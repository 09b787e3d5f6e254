// Command wormhole-relay runs the rendezvous relay server: channel
// allocation, message store-and-forward, and SSE fan-out over HTTP.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vikas-parashar/magic-wormhole/internal/config"
	"github.com/vikas-parashar/magic-wormhole/internal/httpapi"
	"github.com/vikas-parashar/magic-wormhole/internal/logging"
	"github.com/vikas-parashar/magic-wormhole/internal/metrics"
	"github.com/vikas-parashar/magic-wormhole/internal/relaycore"
	"github.com/vikas-parashar/magic-wormhole/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // nolint:errcheck

	store, err := storage.Open(cfg.Relay.DBPath)
	if err != nil {
		logger.Fatal("failed to open storage", zap.Error(err))
	}
	defer store.Close()

	metricsRegistry := metrics.NewRegistry()

	registry := relaycore.New(store, relaycore.Config{
		ExpirationWindow: cfg.Relay.ExpirationWindow,
		SweepInterval:    cfg.Relay.SweepInterval,
		SubscriberBuffer: cfg.Relay.SubscriberBuffer,
		MaxAllocateTries: cfg.Relay.MaxAllocateTries,
		Welcome: relaycore.Welcome{
			CurrentVersion: cfg.Relay.WelcomeVersion,
			MOTD:           cfg.Relay.WelcomeMOTD,
		},
	}, logger, metricsRegistry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := registry.Seed(ctx); err != nil {
		logger.Fatal("failed to seed registry from storage", zap.Error(err))
	}

	registry.Start(ctx)

	apiServer := httpapi.New(registry, metricsRegistry, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("relay http server starting", zap.String("addr", httpServer.Addr))
		httpErrCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", zap.Error(err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("relay http server shutdown error", zap.Error(err))
	}

	registry.Wait()
	logger.Info("relay stopped")
}
