// Command controlplane runs the job orchestration control plane: the
// job/task store, the agent registry and tunnel, the dispatcher, the
// event broker, and the HTTP surface in front of them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetrelay/controlplane/internal/broker"
	"github.com/fleetrelay/controlplane/internal/config"
	"github.com/fleetrelay/controlplane/internal/dispatch"
	"github.com/fleetrelay/controlplane/internal/gateway"
	otelpkg "github.com/fleetrelay/controlplane/internal/otel"
	"github.com/fleetrelay/controlplane/internal/registry"
	"github.com/fleetrelay/controlplane/internal/store"
	"github.com/fleetrelay/controlplane/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	slog.SetDefault(logger)
	logger.Info("control plane starting", "version", Version, "config_fingerprint", cfg.Fingerprint)

	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		logger.Error("otel init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()

	st, err := store.Open(cfg.DBPath, store.WithTracer(otelProvider.Tracer))
	if err != nil {
		logger.Error("store open failed", "db_path", cfg.DBPath, "error", err)
		return 1
	}
	defer st.Close()
	logger.Info("store opened", "db_path", cfg.DBPath)

	metrics, err := otelpkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Error("metric instruments failed", "error", err)
		return 1
	}

	eventBroker := broker.New(broker.WithMetrics(metrics))
	agentRegistry := registry.New(logger)

	dispatcher := dispatch.New(dispatch.Config{
		Store:     st,
		Registry:  agentRegistry,
		Broker:    eventBroker,
		Logger:    logger,
		Tracer:    otelProvider.Tracer,
		Metrics:   metrics,
		Interval:  cfg.DispatchInterval(),
		Lease:     cfg.Lease(),
		RegionCap: cfg.RegionClaimCap,
	})
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	auth := gateway.NewAuth(cfg.AdminAPIKey, cfg.AgentAPIKeys)

	hotReload := false
	if cfg.AgentKeysFile != "" {
		watcher := config.NewWatcher(logger, cfg.AgentKeysFile)
		if err := watcher.Start(ctx); err != nil {
			logger.Error("agent key watcher failed", "error", err)
			return 1
		}
		hotReload = true
		go func() {
			for range watcher.Events() {
				keys, err := config.ReadAgentKeysFile(cfg.AgentKeysFile)
				if err != nil {
					logger.Error("agent key reload failed", "error", err)
					continue
				}
				auth.SetAgentKeys(keys)
				logger.Info("agent keys reloaded", "count", len(keys))
			}
		}()
	}

	srv := gateway.New(gateway.Config{
		Store:              st,
		Registry:           agentRegistry,
		Broker:             eventBroker,
		Dispatcher:         dispatcher,
		Auth:               auth,
		Logger:             logger,
		Metrics:            metrics,
		ConfigFingerprint:  cfg.Fingerprint,
		AgentKeysHotReload: hotReload,
		EnableSwagger:      cfg.EnableSwagger,
	})

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.BindAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	logger.Info("control plane stopped")
	return 0
}
