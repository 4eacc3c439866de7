// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/SAIC-MONTREAL/SAGE/cmd/sage/config"
	"github.com/SAIC-MONTREAL/SAGE/pkg/logging"
	"github.com/SAIC-MONTREAL/SAGE/pkg/telemetry"
	"github.com/SAIC-MONTREAL/SAGE/services/conditions"
	"github.com/SAIC-MONTREAL/SAGE/services/conditions/sandbox"
	"github.com/SAIC-MONTREAL/SAGE/services/devicestate"
	badgerstore "github.com/SAIC-MONTREAL/SAGE/services/devicestate/badger"
	mongostore "github.com/SAIC-MONTREAL/SAGE/services/devicestate/mongo"
	"github.com/SAIC-MONTREAL/SAGE/services/observability"
	"github.com/SAIC-MONTREAL/SAGE/services/smartthings"
	"github.com/SAIC-MONTREAL/SAGE/services/triggers"
)

const instrumentationName = "github.com/SAIC-MONTREAL/SAGE"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the trigger server and the simulated device API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

// runServe starts every long running component under one errgroup.
//
// # Description
//
// Wiring order: logger, prometheus registry and telemetry, device state
// store, command interpreter, sandbox compiler, condition registry,
// trigger server, HTTP router. The errgroup runs the drain loop, the
// HTTP server, badger GC and the config watcher. SIGINT or SIGTERM
// cancels the group; the HTTP server then gets ShutdownGrace to finish
// in-flight requests.
func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.Global

	logger, err := newLogger(cfg.Logging, "sage-serve", false)
	if err != nil {
		return err
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())
	log := logger.Slog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)

	telCfg := cfg.Telemetry
	telCfg.Registerer = reg
	shutdownTelemetry, err := telemetry.Init(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	store, runGC, err := openStore(ctx, cfg.Store, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("store close failed", "error", err)
		}
	}()

	in := smartthings.NewInterpreter(store, smartthings.Options{
		RateLimit: cfg.Devices.RateLimit,
		Burst:     cfg.Devices.Burst,
		AuditLog:  cfg.Devices.AuditLog,
		Metrics:   metrics,
		Logger:    log,
	})
	compiler := sandbox.NewCompiler(smartthings.NewTransport(in, cfg.Devices.APIHosts...), sandbox.Options{
		DefaultSession: cfg.Devices.DefaultSession,
		MaxSteps:       cfg.Sandbox.MaxSteps,
		Timeout:        cfg.Sandbox.Timeout,
		Logger:         log,
	})
	registry := conditions.NewRegistry(compiler, conditions.RegistryOptions{Metrics: metrics, Logger: log})
	server := triggers.NewServer(registry, triggers.Config{
		DrainInterval: cfg.Server.DrainInterval,
		ChannelSize:   cfg.Server.ChannelSize,
		Poller: conditions.PollerConfig{
			Interval:          cfg.Poller.Interval,
			EvaluationTimeout: cfg.Poller.EvaluationTimeout,
			Tracer:            otel.Tracer(instrumentationName + "/conditions"),
		},
		Metrics: metrics,
		Logger:  log,
	})

	router, err := newRouter(cfg, in, server, reg)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return runGC(gctx) })
	if watcher, err := newConfigWatcher(server, log); err != nil {
		log.Warn("config hot reload disabled", "error", err)
	} else {
		g.Go(func() error { return watcher.Run(gctx) })
	}
	g.Go(func() error {
		log.Info("sage listening", "addr", cfg.Server.Addr, "store", cfg.Store.Backend,
			"poller_interval", cfg.Poller.Interval)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("sage stopped")
	return err
}

// newRouter registers the device API, the trigger routes and /metrics.
func newRouter(cfg config.SageConfig, in *smartthings.Interpreter, server *triggers.Server, reg *prometheus.Registry) (*gin.Engine, error) {
	httpMetrics, err := telemetry.NewHTTPMetrics(otel.Meter(instrumentationName + "/http"))
	if err != nil {
		return nil, fmt.Errorf("create http metrics: %w", err)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	router.Use(telemetry.GinMetrics(httpMetrics))

	smartthings.RegisterRoutes(router.Group(""), smartthings.NewHandlers(in, cfg.Devices.DefaultSession))
	triggers.RegisterRoutes(router.Group(""), triggers.NewHandlers(server),
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return router, nil
}

// openStore opens the configured backend. The returned function runs
// background maintenance until its context is done.
func openStore(ctx context.Context, sc config.StoreConfig, log *slog.Logger) (devicestate.Store, func(context.Context) error, error) {
	idle := func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}

	switch sc.Backend {
	case config.BackendBadger:
		bcfg := badgerstore.DefaultConfig(config.ExpandPath(sc.BadgerPath))
		bcfg.SyncWrites = sc.SyncWrites
		bcfg.GCInterval = sc.GCInterval
		bcfg.GCDiscardRatio = sc.GCDiscardRatio
		bcfg.Logger = log
		store, err := badgerstore.Open(bcfg)
		if err != nil {
			return nil, nil, fmt.Errorf("open badger store: %w", err)
		}
		return store, store.RunGC, nil

	case config.BackendMongo:
		store, err := mongostore.Open(ctx, mongostore.Config{
			URI:      sc.MongoURI,
			Database: sc.MongoDatabase,
			Logger:   log,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open mongo store: %w", err)
		}
		return store, idle, nil

	case config.BackendMemory, "":
		return devicestate.NewMemoryStore(), idle, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", sc.Backend)
}

// newConfigWatcher hot-applies poller.interval from config edits.
func newConfigWatcher(server *triggers.Server, log *slog.Logger) (*config.Watcher, error) {
	path, err := config.Path()
	if err != nil {
		return nil, err
	}
	return config.NewWatcher(path, func(cfg config.SageConfig) {
		server.SetInterval(cfg.Poller.Interval)
	}, log)
}

// newLogger builds the process logger from the logging section. quiet
// disables stderr output for commands that own the terminal.
func newLogger(lc config.LoggingConfig, service string, quiet bool) (*logging.Logger, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  lc.Dir,
		Service: service,
		JSON:    lc.JSON,
		Quiet:   quiet,
	}), nil
}
