package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"message-coalescer/internal/app"
	"message-coalescer/internal/config"
	"message-coalescer/internal/domain"
	"message-coalescer/internal/httpapi"
	"message-coalescer/internal/scheduler"
	"message-coalescer/internal/usecase"
)

// server runs the whole engine in one process: HTTP webhook, in-process
// dispatch timers and a cron-driven sweep.
func main() {
	config.LoadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.LogLevel, false)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store      app.Store
		downstream usecase.Downstream = usecase.LogDownstream{Logger: logger}
	)
	switch cfg.StoreBackend {
	case config.BackendMemory:
		store = app.NewMemoryStore()
		logger.Warn("using in-memory store; buffered windows are lost on restart")
	default:
		awsCfg, err := app.LoadAWS(ctx)
		if err != nil {
			slog.Error("failed to load AWS config", "err", err)
			os.Exit(1)
		}
		dynamo, err := app.NewDynamoStore(awsCfg, cfg)
		if err != nil {
			slog.Error("failed to create buffer store", "err", err)
			os.Exit(1)
		}
		store = dynamo
		if cfg.ParamPrefix != "" && cfg.WhatsAppAPIURL != "" {
			reply, err := app.NewReplyService(awsCfg, cfg, dynamo, logger)
			if err != nil {
				slog.Error("failed to create reply service", "err", err)
				os.Exit(1)
			}
			downstream = reply
		}
	}

	var (
		engine *app.Engine
		timers *scheduler.TimerScheduler
	)
	// Both are assigned before the first Schedule call can happen.
	timers, err = scheduler.NewTimer(func(ctx context.Context, req domain.DispatchRequest) {
		if _, err := engine.Dispatcher.DispatchOrReschedule(ctx, req, timers); err != nil {
			logger.Error("timed dispatch failed; sweep will retry the window", "request", req.String(), "err", err)
		}
	}, logger)
	if err != nil {
		slog.Error("failed to create scheduler", "err", err)
		os.Exit(1)
	}
	defer timers.Stop()

	engine, err = app.NewEngine(cfg, store, timers, downstream, logger)
	if err != nil {
		slog.Error("failed to create engine", "err", err)
		os.Exit(1)
	}

	sweeps, err := app.NewSweepCron(cfg.SweepSchedule, engine.Monitor, time.Minute, logger)
	if err != nil {
		slog.Error("failed to create sweep schedule", "err", err)
		os.Exit(1)
	}
	sweeps.Start()
	defer func() { <-sweeps.Stop().Done() }()

	h, err := httpapi.NewHandler(engine.Ingest, engine.Monitor, logger)
	if err != nil {
		slog.Error("failed to create http handler", "err", err)
		os.Exit(1)
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpapi.NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "port", cfg.Port, "store", cfg.StoreBackend, "window", cfg.Engine.Window)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
