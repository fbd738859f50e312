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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/arch2code/cmd/mainconfig"
	"github.com/wolfman30/arch2code/internal/api/router"
	"github.com/wolfman30/arch2code/internal/app/bootstrap"
	"github.com/wolfman30/arch2code/internal/archive"
	appconfig "github.com/wolfman30/arch2code/internal/config"
	"github.com/wolfman30/arch2code/internal/conversation"
	httpmiddleware "github.com/wolfman30/arch2code/internal/http/middleware"
	"github.com/wolfman30/arch2code/pkg/logging"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: .env: %v\n", err)
	}

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("api server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *appconfig.Config, logger *logging.Logger) error {
	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger.Info("starting arch2code API server",
		"env", cfg.Env,
		"port", cfg.Port,
		"model", cfg.BedrockModelID,
		"session_store", cfg.SessionStore,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	reg, metricsHandler := setupMetrics()
	app, err := bootstrap.Build(ctx, cfg, awsCfg, reg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("failed to close clients", "error", err)
		}
	}()

	var limiter *httpmiddleware.RateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = httpmiddleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		go limiter.Run(ctx.Done(), 5*time.Minute)
	}

	handlerOpts := []conversation.HandlerOption{
		conversation.WithMaxImageBytes(cfg.MaxImageBytes),
		conversation.WithAllowedOrigins(cfg.CORSAllowedOrigins),
	}
	if limiter != nil {
		handlerOpts = append(handlerOpts, conversation.WithFrameLimiter(limiter.AllowRequest))
	}

	var artifacts *archive.Handler
	if app.Archiver != nil {
		artifacts = archive.NewHandler(app.Archiver, logger.Component("archive"))
	}

	srv := newServer(cfg, router.New(&router.Config{
		Logger:             logger,
		Sessions:           conversation.NewHandler(app.Service, app.Defaults, logger.Component("http"), handlerOpts...),
		Artifacts:          artifacts,
		MetricsHandler:     metricsHandler,
		StatsGatherer:      reg,
		AuthSecret:         cfg.APIJWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:        limiter,
		Ready:              app.Ready,
	}))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// newServer leaves WriteTimeout unset: explain plus generate with retries
// can run for minutes, and the stream route holds a WebSocket open.
func newServer(cfg *appconfig.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func setupMetrics() (*prometheus.Registry, http.Handler) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
