// Package telemetry provides OpenTelemetry metric instruments for the sync
// engine, with an optional Prometheus scrape handler.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const meterName = "github.com/filebridge/filebridge"

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	downloadsTotal       metric.Int64Counter
	downloadDuration     metric.Float64Histogram
	downloadBytesTotal   metric.Int64Counter
	uploadsTotal         metric.Int64Counter
	uploadDuration       metric.Float64Histogram
	evictionsTotal       metric.Int64Counter
	evictionBytesTotal   metric.Int64Counter
	enumerationPages     metric.Int64Counter
	cacheSizeBytes       metric.Int64Gauge
	backendRequestsTotal metric.Int64Counter
	backendDuration      metric.Float64Histogram
	backendBytesTotal    metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(_ context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "filebridge"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// With no exporter configured, still collect via a no-op reader.
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	m := &Metrics{meterProvider: mp, promHandler: promHandler}

	if m.downloadsTotal, err = meter.Int64Counter(
		"filebridge_downloads_total",
		metric.WithDescription("Total content downloads by outcome"),
		metric.WithUnit("{download}"),
	); err != nil {
		return err
	}

	if m.downloadDuration, err = meter.Float64Histogram(
		"filebridge_download_duration_seconds",
		metric.WithDescription("Content download duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	); err != nil {
		return err
	}

	if m.downloadBytesTotal, err = meter.Int64Counter(
		"filebridge_download_bytes_total",
		metric.WithDescription("Total bytes downloaded into the content cache"),
		metric.WithUnit("By"),
	); err != nil {
		return err
	}

	if m.uploadsTotal, err = meter.Int64Counter(
		"filebridge_uploads_total",
		metric.WithDescription("Total content uploads by outcome"),
		metric.WithUnit("{upload}"),
	); err != nil {
		return err
	}

	if m.uploadDuration, err = meter.Float64Histogram(
		"filebridge_upload_duration_seconds",
		metric.WithDescription("Content upload duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	); err != nil {
		return err
	}

	if m.evictionsTotal, err = meter.Int64Counter(
		"filebridge_cache_evictions_total",
		metric.WithDescription("Total cache entries evicted"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return err
	}

	if m.evictionBytesTotal, err = meter.Int64Counter(
		"filebridge_cache_eviction_bytes_total",
		metric.WithDescription("Total bytes reclaimed by cache eviction"),
		metric.WithUnit("By"),
	); err != nil {
		return err
	}

	if m.enumerationPages, err = meter.Int64Counter(
		"filebridge_enumeration_pages_total",
		metric.WithDescription("Total enumeration pages served"),
		metric.WithUnit("{page}"),
	); err != nil {
		return err
	}

	if m.cacheSizeBytes, err = meter.Int64Gauge(
		"filebridge_cache_size_bytes",
		metric.WithDescription("Current size of the content cache"),
		metric.WithUnit("By"),
	); err != nil {
		return err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"filebridge_backend_requests_total",
		metric.WithDescription("Total backend requests by operation and outcome"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}

	if m.backendDuration, err = meter.Float64Histogram(
		"filebridge_backend_request_duration_seconds",
		metric.WithDescription("Backend request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"filebridge_backend_bytes_total",
		metric.WithDescription("Total bytes transferred to and from backends"),
		metric.WithUnit("By"),
	); err != nil {
		return err
	}

	globalMetrics = m
	return nil
}

func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// PrometheusHandler returns the /metrics handler, or nil if Prometheus
// export is not enabled.
func PrometheusHandler() http.Handler {
	if globalMetrics == nil {
		return nil
	}
	return globalMetrics.promHandler
}

// RecordBackendOp records one backend request.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordDownload records one content download.
func RecordDownload(ctx context.Context, domain, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("domain", domain),
		attribute.String("outcome", outcome),
	}
	globalMetrics.downloadsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.downloadDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.downloadBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordUpload records one content upload.
func RecordUpload(ctx context.Context, domain, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("domain", domain),
		attribute.String("outcome", outcome),
	}
	globalMetrics.uploadsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.uploadDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordEviction records a cache eviction pass.
func RecordEviction(ctx context.Context, entries int64, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.evictionsTotal.Add(ctx, entries)
	globalMetrics.evictionBytesTotal.Add(ctx, bytes)
}

// RecordEnumerationPage records one served enumeration page.
func RecordEnumerationPage(ctx context.Context, domain string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.enumerationPages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("domain", domain),
	))
}

// SetCacheSize reports the current content cache size.
func SetCacheSize(ctx context.Context, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheSizeBytes.Record(ctx, bytes)
}

type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
