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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	httphandler "github.com/kjstillabower/weather-rag-service/internal/http"
	"github.com/kjstillabower/weather-rag-service/internal/knowledge"
	"github.com/kjstillabower/weather-rag-service/internal/lifecycle"
	"github.com/kjstillabower/weather-rag-service/internal/observability"
)

const inFlightCheckInterval = 100 * time.Millisecond

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP chat service (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), load)
		},
	}
}

func runServe(parent context.Context, load configLoader) error {
	logger, err := loggerFactory()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := load()
	if err != nil {
		logger.Error("config", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		logger.Error("pipeline", zap.Error(err))
		return err
	}
	if err := p.weather.ValidateAPIKey(ctx); err != nil {
		logger.Warn("weather API key check failed", zap.Error(err))
	}
	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(p.agent, p.tracker, &httphandler.HealthConfig{
		DegradedWindow:   cfg.DegradedWindow,
		DegradedErrorPct: cfg.DegradedErrorPct,
		CachePing:        p.cachePing,
	}, logger, cfg.MaxQueryLength)
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{Logger: logger, Limiter: limiter, Tracker: p.tracker})

	seedCtx, cancelSeed := context.WithCancel(context.Background())
	defer cancelSeed()
	if len(cfg.SeedCities) > 0 {
		seeder := knowledge.NewSeeder(p.telemetry, p.knowledge, logger)
		go func() {
			if err := seeder.SeedPeriodic(seedCtx, cfg.SeedCities, cfg.SeedInterval); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("knowledge seeding stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// Answers detach from the request context, so the write deadline is the only bound on a slow pipeline.
		WriteTimeout: cfg.RequestTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("llm_mode", string(cfg.LLMMode)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	lifecycle.MarkReady()

	select {
	case <-ctx.Done():
		logger.Info("graceful shutdown triggered")
	case err := <-serveErr:
		logger.Error("server", zap.Error(err))
		cancelSeed()
		_ = p.close(context.Background(), logger)
		return err
	}

	lifecycle.SetShuttingDown(true)
	cancelSeed()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	if err := httphandler.WaitForInFlight(shutdownCtx, inFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if err := p.close(shutdownCtx, logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
