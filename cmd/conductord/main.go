// Conductor daemon — the central scheduler and state store for build/test/
// land workflows driven by short-lived agent processes.
//
// Serves:
//   - POST /v1/demo/enqueue  (start a Run from a WorkflowSpec)
//   - POST /v1/agent/claim, /heartbeat, /complete (the agent RPC surface)
//   - GET  /healthz, GET /metrics
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/marcus-qen/legator/internal/clock"
	"github.com/marcus-qen/legator/internal/config"
	"github.com/marcus-qen/legator/internal/gc"
	"github.com/marcus-qen/legator/internal/lease"
	"github.com/marcus-qen/legator/internal/scheduler"
	"github.com/marcus-qen/legator/internal/server"
	"github.com/marcus-qen/legator/internal/store"
	"github.com/marcus-qen/legator/internal/telemetry"
)

var (
	version = "dev"
)

func main() {
	var configPath string
	pflag.StringVar(&configPath, "config", "", "path to a YAML config file")
	pflag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clk := clock.System{}

	st, err := store.Open(cfg.DataDir+"/state.db", clk)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	sched := scheduler.New(st, clk, logger,
		scheduler.WithReconcileInterval(cfg.ReconcileInterval),
		scheduler.WithRunsRoot(cfg.RunsRoot),
		scheduler.WithWorkspacesRoot(cfg.WorkspacesRoot),
	)
	sched.Start(ctx)
	defer sched.Stop()

	leaser := lease.New(st, clk, sched, logger,
		lease.WithLeaseDuration(cfg.LeaseDuration),
		lease.WithStickyMultiplier(cfg.StickyMultiplier),
	)

	collector := gc.New(st, true, cfg.RetentionPeriod, logger)
	if err := collector.Start(cfg.GCSchedule); err != nil {
		logger.Fatal("failed to start gc scheduler", zap.Error(err))
	}
	defer collector.Stop()

	shutdownTracing := telemetry.InitTraceProvider()
	defer shutdownTracing(context.Background())

	h := server.New(st, sched, leaser, clk, logger)
	mux := http.NewServeMux()
	h.Routes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(telemetry.Registry(), promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting conductord",
		zap.String("addr", cfg.ListenAddr),
		zap.String("version", version),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
