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
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/AleutianFleet/pkg/logging"
	"github.com/AleutianAI/AleutianFleet/services/fleet/config"
	"github.com/AleutianAI/AleutianFleet/services/fleet/controller"
	"github.com/AleutianAI/AleutianFleet/services/fleet/devices"
	"github.com/AleutianAI/AleutianFleet/services/fleet/handlers"
	"github.com/AleutianAI/AleutianFleet/services/fleet/ifaces"
	"github.com/AleutianAI/AleutianFleet/services/fleet/logs"
	"github.com/AleutianAI/AleutianFleet/services/fleet/observability"
	"github.com/AleutianAI/AleutianFleet/services/fleet/proc"
	"github.com/AleutianAI/AleutianFleet/services/fleet/proxy"
	"github.com/AleutianAI/AleutianFleet/services/fleet/routes"
	"github.com/AleutianAI/AleutianFleet/services/fleet/store"
)

const programKeeperInterval = 10 * time.Second

// serveOptions holds the serve command flags.
type serveOptions struct {
	configPath string
	host       string
	port       int
	dbPath     string
	logDir     string
	jsonLogs   bool
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fleet gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "config/catalogue.yaml",
		"model catalogue file")
	cmd.Flags().StringVar(&opts.host, "host", "", "listen address (overrides catalogue)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "listen port (overrides catalogue)")
	cmd.Flags().StringVar(&opts.dbPath, "db", "", "accounting database path (overrides catalogue)")
	cmd.Flags().StringVar(&opts.logDir, "log-dir", "", "directory for file logging")
	cmd.Flags().BoolVar(&opts.jsonLogs, "json-logs", false, "emit JSON logs on stderr")
	return cmd
}

// idSet answers catalogue validation before the registry exists.
type idSet map[string]bool

func (s idSet) Has(id string) bool { return s[id] }

// initTracer wires the OTLP gRPC exporter when a collector is set.
//
// Returns a nil cleanup when tracing is disabled.
func initTracer(ctx context.Context) (func(context.Context), error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return nil, nil
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("fleetd")))
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := exporter.Shutdown(ctx); err != nil {
			slog.Error("OTLP exporter shutdown failed", "error", err)
		}
	}, nil
}

func runServe(ctx context.Context, opts *serveOptions) error {
	logger := logging.New(logging.Config{
		Service: "fleetd",
		LogDir:  opts.logDir,
		JSON:    opts.jsonLogs,
	})
	defer logger.Close()
	log := logger.Slog()
	slog.SetDefault(log)

	cleanup, err := initTracer(ctx)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	if cleanup != nil {
		defer cleanup(context.Background())
	}

	// Device adapters: link-time builtins plus discovered GPUs.
	adapters := devices.Builtin()
	adapters = append(adapters, devices.DiscoverNvidia(ctx)...)
	ids := idSet{}
	for _, a := range adapters {
		ids[a.ID()] = true
	}
	ifr := ifaces.NewRegistry()

	cfg, err := config.Load(opts.configPath, ids, ifr)
	if err != nil {
		return fmt.Errorf("load catalogue: %w", err)
	}
	settings := cfg.Settings()
	if opts.host != "" {
		settings.Host = opts.host
	}
	if opts.port != 0 {
		settings.Port = opts.port
	}
	if opts.dbPath != "" {
		settings.DBPath = opts.dbPath
	}

	reg := devices.NewRegistry(adapters, settings.SnapshotTTL())

	st, err := store.Open(settings.DBPath, log)
	if err != nil {
		return fmt.Errorf("open accounting store: %w", err)
	}
	defer st.Close()

	metrics := observability.InitMetrics()

	lm := logs.NewManager(settings.LogBufferLines, settings.LogQueueDepth)
	lm.SetDropHook(metrics.RecordSubscriberDrop)
	defer lm.Shutdown()

	runner := proc.NewRunner(lm, log)
	ctrl := controller.New(cfg, reg,
		controller.NewIfaceProber(ifr), controller.NewProcAdapter(runner),
		st, metrics, log)

	srv := handlers.New(cfg, ctrl, reg, lm, st, log)
	p := proxy.New(cfg, ctrl, ifr, st, metrics, log)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cleanup != nil {
		router.Use(otelgin.Middleware("fleetd"))
	}
	routes.SetupRoutes(router, srv, p)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := cfg.Watch(runCtx, log); err != nil {
		log.Warn("catalogue watcher unavailable", "error", err)
	}

	ctrl.StartSweeper()
	ctrl.StartRuntimeKeeper()

	programDone := startProgramKeeper(runCtx, st, log)

	// Auto-start models concurrently; the controller serialises the
	// actual starting transitions.
	for _, def := range cfg.Models() {
		if !def.AutoStart {
			continue
		}
		go func(name string) {
			if err := ctrl.StartModel(runCtx, name); err != nil {
				log.Error("auto-start failed", "model", name, "error", err)
			}
		}(def.Name)
	}

	addr := fmt.Sprintf("%s:%d", settings.Host, settings.Port)
	httpSrv := &http.Server{Addr: addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		log.Info("fleetd listening", "addr", addr, "models", len(cfg.Models()))
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}

	cancel()
	<-programDone
	ctrl.StopBackground()
	if err := ctrl.StopAll(shutdownCtx); err != nil {
		log.Error("stop-all on shutdown failed", "error", err)
	}
	return nil
}

// startProgramKeeper maintains the program's own runtime interval.
//
// Opens a row at startup, advances it every 10 seconds, and finalises
// it when the context is cancelled.
func startProgramKeeper(ctx context.Context, st *store.Store, log *slog.Logger) <-chan struct{} {
	done := make(chan struct{})

	now := float64(time.Now().UnixNano()) / 1e9
	id, err := st.OpenProgramRuntime(ctx, now)
	if err != nil {
		log.Error("open program runtime failed", "error", err)
		close(done)
		return done
	}

	go func() {
		defer close(done)
		ticker := time.NewTicker(programKeeperInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				end := float64(time.Now().UnixNano()) / 1e9
				if err := st.AdvanceProgramRuntime(ctx, id, end); err != nil {
					log.Warn("advance program runtime failed", "error", err)
				}
			case <-ctx.Done():
				end := float64(time.Now().UnixNano()) / 1e9
				flushCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				if err := st.AdvanceProgramRuntime(flushCtx, id, end); err != nil {
					log.Warn("finalise program runtime failed", "error", err)
				}
				cancel()
				return
			}
		}
	}()
	return done
}
