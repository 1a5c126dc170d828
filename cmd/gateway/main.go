// Command gateway runs a small tour marketplace API behind the request
// gateway. It is the reference wiring of the gate package: configuration from
// the environment, Sentry for critical audit events and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	gate "github.com/tourmarket/requestgate"
	"github.com/tourmarket/requestgate/instrumentation"
	"github.com/tourmarket/requestgate/internal/envconfig"
	"github.com/tourmarket/requestgate/internal/observability"
)

var version = "dev"

func main() {
	settings, err := envconfig.Load(getEnvOrDefault("GATE_ENV_FILE", ".env"))
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := newLogger(settings.Production())
	slog.SetDefault(logger)

	if err := observability.InitSentry(settings.SentryDSN, settings.Environment, version); err != nil {
		logger.Error("Sentry initialization failed, continuing without it", "error", err)
	} else if settings.SentryDSN != "" {
		settings.Gate.Audit.Reporter = observability.NewSentryReporter(nil)
		defer observability.FlushSentry()
		logger.Info("Critical audit events are reported to Sentry")
	}

	cfg := settings.Gate
	cfg.Logger = logger
	cfg.Instrumentation.ServiceName = "tour-api"
	if cfg.Instrumentation.ServiceVersion == "" {
		cfg.Instrumentation.ServiceVersion = version
	}

	gw, err := gate.New(cfg)
	if err != nil {
		logger.Error("Failed to start gateway", "error", err)
		os.Exit(1)
	}
	defer gw.Stop()

	api, err := newAPI(gw, logger, getEnvOrDefault("GATE_DEMO_PASSWORD", "tourmarket-demo"))
	if err != nil {
		logger.Error("Failed to create demo API", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	api.register(mux)

	root := http.NewServeMux()
	root.Handle("/", observability.RecoverMiddleware(logger,
		api.sessions.middleware(gw.Handler().Middleware(mux))))
	if cfg.Instrumentation.MetricsExporter == instrumentation.MetricsExporterPrometheus {
		root.Handle("/metrics", promhttp.Handler())
		logger.Info("Prometheus metrics endpoint enabled", "path", "/metrics")
	}

	httpServer := &http.Server{
		Addr:              settings.ListenAddr,
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Tour API starting",
			"addr", settings.ListenAddr,
			"environment", settings.Environment,
			"version", version)

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err)
			stop <- syscall.SIGTERM
		}
	}()

	<-stop
	logger.Info("Shutting down gracefully...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Server stopped")
}

func newLogger(production bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if production {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	opts.Level = slog.LevelDebug
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
