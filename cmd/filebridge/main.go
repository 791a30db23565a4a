// Command filebridge runs the sync engine as a standalone daemon: it bridges
// a local directory into the engine as a "localfs" domain and serves engine
// metrics over HTTP. Useful for poking at the engine without a host process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/filebridge/filebridge/domain"
	"github.com/filebridge/filebridge/provider"
	"github.com/filebridge/filebridge/telemetry"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		storage       = flag.String("storage", "./data/storage", "Directory for domain configuration and the item database")
		cacheDir      = flag.String("cache", "./data/cache", "Directory for downloaded content")
		tempDir       = flag.String("temp", "./data/temp", "Directory for staged writes (same filesystem as -cache)")
		cacheMaxSize  = flag.Int64("cache-max-size", 10*1024*1024*1024, "Maximum cache size in bytes (0 to disable)")
		uploadWorkers = flag.Int("upload-workers", 4, "Maximum concurrent uploads")
		domainID      = flag.String("domain-id", "", "Identifier of a localfs domain to register on startup")
		domainName    = flag.String("domain-name", "", "Display name for -domain-id (defaults to the identifier)")
		domainRoot    = flag.String("domain-root", "", "Local directory exposed by -domain-id")
		metricsAddr   = flag.String("metrics-address", ":9090", "Address for the /metrics endpoint (empty to disable)")
		logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		logFormat     = flag.String("log-format", "text", "Log format (text, json)")
	)
	flag.Parse()

	logger, err := buildLogger(*logLevel, *logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "filebridge",
		ServiceVersion:   version,
		EnablePrometheus: *metricsAddr != "",
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	mgr, err := provider.New(provider.Config{
		StoragePath:   *storage,
		CachePath:     *cacheDir,
		TempPath:      *tempDir,
		MaxCacheSize:  *cacheMaxSize,
		UploadWorkers: *uploadWorkers,
	}, provider.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	if *domainID != "" {
		if *domainRoot == "" {
			return fmt.Errorf("-domain-id requires -domain-root")
		}
		name := *domainName
		if name == "" {
			name = *domainID
		}
		cfg, _ := json.Marshal(map[string]string{"root": *domainRoot})
		err := mgr.DomainAdd(ctx, domain.Domain{
			ID:          *domainID,
			DisplayName: name,
			BackendType: "localfs",
			Config:      cfg,
			Enabled:     true,
		})
		if err != nil {
			logger.Warn("registering startup domain", "domain", *domainID, "error", err)
		}
	}

	var metricsSrv *http.Server
	errCh := make(chan error, 1)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.PrometheusHandler())
		metricsSrv = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		logger.Info("metrics endpoint started", "address", *metricsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("filebridge started",
		"version", version,
		"storage", *storage,
		"cache", *cacheDir,
		"domains", len(mgr.Domains()),
	)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		logger.Error("metrics server failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("stopping engine: %w", err)
	}
	return shutdownMetrics(shutdownCtx)
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
