package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dockerflow/gateway/api/handlers"
	"github.com/dockerflow/gateway/api/middleware"
	"github.com/dockerflow/gateway/internal/config"
	"github.com/dockerflow/gateway/internal/db"
	"github.com/dockerflow/gateway/internal/logging"
	"github.com/dockerflow/gateway/internal/monitoring"
	"github.com/dockerflow/gateway/internal/policy"
	"github.com/dockerflow/gateway/internal/repository"
	"github.com/dockerflow/gateway/internal/runner"
	"github.com/dockerflow/gateway/internal/scheduler"
	"github.com/dockerflow/gateway/internal/session"
	"github.com/dockerflow/gateway/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gateway: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	started := time.Now()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	database, err := db.InitDB(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer db.CloseDB()
	jobRepo := repository.NewJobRepository(database)
	sessionRepo := repository.NewSessionRepository(database)

	// Command policy, hot-reloaded when a file is configured
	denylist := policy.MustDefault()
	if cfg.Policy.File != "" {
		watcher, err := policy.Watch(cfg.Policy.File, denylist, logger)
		if err != nil {
			return fmt.Errorf("failed to load policy: %w", err)
		}
		defer watcher.Close()
	}

	metrics := monitoring.NewMetrics()

	jobRunner := runner.New(runner.Config{
		WorkDir:          cfg.Session.WorkDir,
		OutputCap:        cfg.Job.OutputCap,
		DefaultTimeout:   cfg.Job.DefaultTimeout,
		MaxTimeout:       cfg.Job.MaxTimeout,
		KillGrace:        cfg.Job.KillGrace,
		MaxConcurrent:    cfg.Job.MaxConcurrent,
		Retention:        cfg.Job.Retention,
		HistoryRetention: cfg.Job.HistoryRetention,
	}, denylist, jobRepo, logger, metrics)

	registry := session.NewRegistry(session.Config{
		Shell:       cfg.Session.Shell,
		WorkDir:     cfg.Session.WorkDir,
		MaxSessions: cfg.Session.MaxSessions,
		Retention:   cfg.Session.Retention,
		KillGrace:   cfg.Session.KillGrace,
		ReplayBytes: cfg.Session.ReplayBytes,
		SinkLimit:   cfg.Session.SinkBufferBytes,
		RecordDir:   cfg.Storage.RecordDir,
		RecordInput: cfg.Session.RecordInput,
	}, sessionRepo, logger, metrics)

	wsHandler := ws.NewHandler(ws.Config{
		WriteWait:      cfg.WebSocket.WriteWait,
		PongWait:       cfg.WebSocket.PongWait,
		PingPeriod:     cfg.WebSocket.PingPeriod,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		AllowedOrigins: cfg.Server.CORSOrigins,
		SinkLimit:      cfg.Session.SinkBufferBytes,
	}, registry, jobRunner, logger, metrics)

	limiter := middleware.NewLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	})

	// Housekeeping
	sched := scheduler.New(logger)
	if err := sched.Every("session-reaper", cfg.Session.ReapInterval, func() {
		registry.Sweep(time.Now())
	}); err != nil {
		return err
	}
	if err := sched.Every("job-prune", time.Minute, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		jobRunner.Prune(ctx, time.Now())
	}); err != nil {
		return err
	}
	if cfg.RateLimit.Enabled {
		if err := sched.Every("rate-limit-cleanup", 5*time.Minute, func() {
			limiter.Cleanup()
		}); err != nil {
			return err
		}
	}
	sched.Start()

	// Router
	r := gin.New()
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.Server.CORSOrigins)))
	r.Use(monitoring.Middleware(metrics))

	handlers.NewHealthHandler(registry, jobRunner, started).RegisterRoutes(r)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	{
		var submit []gin.HandlerFunc
		if cfg.RateLimit.Enabled {
			submit = append(submit, limiter.Middleware())
		}
		handlers.NewJobHandler(jobRunner).RegisterRoutes(api, submit...)
		handlers.NewSessionHandler(registry, sessionRepo).RegisterRoutes(api)
	}
	handlers.NewWebSocketHandler(wsHandler, logger).RegisterRoutes(r.Group("/ws"))

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("addr", srv.Addr),
			zap.String("shell", cfg.Session.Shell),
			zap.String("workdir", cfg.Session.WorkDir),
			zap.Int("max_sessions", cfg.Session.MaxSessions),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	<-sched.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	wsHandler.Shutdown()
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("sessions did not close in time", zap.Error(err))
	}
	if err := jobRunner.Shutdown(shutdownCtx); err != nil {
		logger.Warn("jobs did not stop in time", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}
