// Package telemetry provides OpenTelemetry metrics for the resource-
// management core: cache occupancy and eviction, prefetch outcomes, and sync
// queue behavior. Metrics are exported over OTLP and/or Prometheus; when
// neither is initialized every Record call is a no-op, so library users who
// do not care about metrics pay nothing.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/Desmondshah/AnimeMuseAI-sub007"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	cacheHitsTotal       metric.Int64Counter
	cacheMissesTotal     metric.Int64Counter
	cacheSetsTotal       metric.Int64Counter
	cacheSetBytesTotal   metric.Int64Counter
	cacheEvictionsTotal  metric.Int64Counter
	cacheEvictedBytes    metric.Int64Counter
	cacheExpiriesTotal   metric.Int64Counter
	cacheExpiredBytes    metric.Int64Counter
	cacheEntries         metric.Int64Gauge
	cacheMemoryUsedBytes metric.Int64Gauge

	prefetchSkipsTotal    metric.Int64Counter
	prefetchOutcomesTotal metric.Int64Counter
	prefetchTaskDuration  metric.Float64Histogram
	prefetchHaltsTotal    metric.Int64Counter
	prefetchQueueDepth    metric.Int64Gauge

	syncQueuedTotal   metric.Int64Counter
	syncAppliedTotal  metric.Int64Counter
	syncRequeuedTotal metric.Int64Counter
	syncFlushDuration metric.Float64Histogram
	syncQueueDepth    metric.Int64Gauge

	remoteApplyDuration metric.Float64Histogram
	remoteApplyTotal    metric.Int64Counter

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

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "offline-core"
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

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
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

	if m.cacheHitsTotal, err = meter.Int64Counter(
		"offline_cache_hits_total",
		metric.WithDescription("Total cache hits"),
		metric.WithUnit("{hit}"),
	); err != nil {
		return err
	}

	if m.cacheMissesTotal, err = meter.Int64Counter(
		"offline_cache_misses_total",
		metric.WithDescription("Total cache misses, including expired entries"),
		metric.WithUnit("{miss}"),
	); err != nil {
		return err
	}

	if m.cacheSetsTotal, err = meter.Int64Counter(
		"offline_cache_sets_total",
		metric.WithDescription("Total cache inserts"),
		metric.WithUnit("{set}"),
	); err != nil {
		return err
	}

	if m.cacheSetBytesTotal, err = meter.Int64Counter(
		"offline_cache_set_bytes_total",
		metric.WithDescription("Total estimated bytes inserted into the cache"),
		metric.WithUnit("By"),
	); err != nil {
		return err
	}

	if m.cacheEvictionsTotal, err = meter.Int64Counter(
		"offline_cache_evictions_total",
		metric.WithDescription("Total entries evicted to satisfy cache budgets"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return err
	}

	if m.cacheEvictedBytes, err = meter.Int64Counter(
		"offline_cache_evicted_bytes_total",
		metric.WithDescription("Total estimated bytes freed by eviction"),
		metric.WithUnit("By"),
	); err != nil {
		return err
	}

	if m.cacheExpiriesTotal, err = meter.Int64Counter(
		"offline_cache_expiries_total",
		metric.WithDescription("Total entries removed by TTL expiry"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return err
	}

	if m.cacheExpiredBytes, err = meter.Int64Counter(
		"offline_cache_expired_bytes_total",
		metric.WithDescription("Total estimated bytes freed by TTL expiry"),
		metric.WithUnit("By"),
	); err != nil {
		return err
	}

	if m.cacheEntries, err = meter.Int64Gauge(
		"offline_cache_entries",
		metric.WithDescription("Current live cache entries"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return err
	}

	if m.cacheMemoryUsedBytes, err = meter.Int64Gauge(
		"offline_cache_memory_used_bytes",
		metric.WithDescription("Current estimated cache memory usage"),
		metric.WithUnit("By"),
	); err != nil {
		return err
	}

	if m.prefetchSkipsTotal, err = meter.Int64Counter(
		"offline_prefetch_skips_total",
		metric.WithDescription("Prefetch intents dropped at enqueue (cached, queued, inflight, guard)"),
		metric.WithUnit("{task}"),
	); err != nil {
		return err
	}

	if m.prefetchOutcomesTotal, err = meter.Int64Counter(
		"offline_prefetch_outcomes_total",
		metric.WithDescription("Completed prefetch tasks by outcome (landed, dropped)"),
		metric.WithUnit("{task}"),
	); err != nil {
		return err
	}

	if m.prefetchTaskDuration, err = meter.Float64Histogram(
		"offline_prefetch_task_duration_seconds",
		metric.WithDescription("Duration of prefetch fetches"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return err
	}

	if m.prefetchHaltsTotal, err = meter.Int64Counter(
		"offline_prefetch_backpressure_halts_total",
		metric.WithDescription("Drain halts caused by memory pressure"),
		metric.WithUnit("{halt}"),
	); err != nil {
		return err
	}

	if m.prefetchQueueDepth, err = meter.Int64Gauge(
		"offline_prefetch_queue_depth",
		metric.WithDescription("Current pending prefetch tasks"),
		metric.WithUnit("{task}"),
	); err != nil {
		return err
	}

	if m.syncQueuedTotal, err = meter.Int64Counter(
		"offline_sync_queued_total",
		metric.WithDescription("Total mutations queued for remote sync, by action"),
		metric.WithUnit("{item}"),
	); err != nil {
		return err
	}

	if m.syncAppliedTotal, err = meter.Int64Counter(
		"offline_sync_applied_total",
		metric.WithDescription("Queued items successfully applied to the remote"),
		metric.WithUnit("{item}"),
	); err != nil {
		return err
	}

	if m.syncRequeuedTotal, err = meter.Int64Counter(
		"offline_sync_requeued_total",
		metric.WithDescription("Queued items re-queued after a failed remote apply"),
		metric.WithUnit("{item}"),
	); err != nil {
		return err
	}

	if m.syncFlushDuration, err = meter.Float64Histogram(
		"offline_sync_flush_duration_seconds",
		metric.WithDescription("Duration of sync queue flushes"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	); err != nil {
		return err
	}

	if m.syncQueueDepth, err = meter.Int64Gauge(
		"offline_sync_queue_depth",
		metric.WithDescription("Current queued sync items"),
		metric.WithUnit("{item}"),
	); err != nil {
		return err
	}

	if m.remoteApplyDuration, err = meter.Float64Histogram(
		"offline_remote_apply_duration_seconds",
		metric.WithDescription("Duration of remote apply calls"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	); err != nil {
		return err
	}

	if m.remoteApplyTotal, err = meter.Int64Counter(
		"offline_remote_apply_total",
		metric.WithDescription("Total remote apply calls by outcome"),
		metric.WithUnit("{request}"),
	); err != nil {
		return err
	}

	globalMetrics = m
	return nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordCacheHit records a cache hit.
func RecordCacheHit(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheHitsTotal.Add(ctx, 1)
}

// RecordCacheMiss records a cache miss.
func RecordCacheMiss(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheMissesTotal.Add(ctx, 1)
}

// RecordCacheSet records a cache insert and its estimated size.
func RecordCacheSet(ctx context.Context, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheSetsTotal.Add(ctx, 1)
	globalMetrics.cacheSetBytesTotal.Add(ctx, bytes)
}

// RecordCacheEviction records one budget-driven eviction.
func RecordCacheEviction(ctx context.Context, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEvictionsTotal.Add(ctx, 1)
	globalMetrics.cacheEvictedBytes.Add(ctx, bytes)
}

// RecordCacheExpiry records entries removed by TTL expiry (lazy or swept).
func RecordCacheExpiry(ctx context.Context, entries int, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheExpiriesTotal.Add(ctx, int64(entries))
	globalMetrics.cacheExpiredBytes.Add(ctx, bytes)
}

// UpdateCacheOccupancy updates the cache occupancy gauges.
func UpdateCacheOccupancy(ctx context.Context, entries, memoryUsed int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.cacheEntries.Record(ctx, entries)
	globalMetrics.cacheMemoryUsedBytes.Record(ctx, memoryUsed)
}

// RecordPrefetchSkip records a prefetch intent dropped at enqueue time.
// reason is "cached", "queued", "inflight", or "guard".
func RecordPrefetchSkip(ctx context.Context, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.prefetchSkipsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordPrefetchOutcome records a completed prefetch task.
// outcome is "landed" or "dropped".
func RecordPrefetchOutcome(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.prefetchOutcomesTotal.Add(ctx, 1, attrs)
	globalMetrics.prefetchTaskDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordPrefetchBackpressureHalt records a drain halted by memory pressure.
func RecordPrefetchBackpressureHalt(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.prefetchHaltsTotal.Add(ctx, 1)
}

// UpdatePrefetchQueueDepth updates the pending-task gauge.
func UpdatePrefetchQueueDepth(ctx context.Context, depth int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.prefetchQueueDepth.Record(ctx, depth)
}

// RecordSyncQueued records a mutation entering the sync queue.
// action is "create", "update", or "delete".
func RecordSyncQueued(ctx context.Context, action string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.syncQueuedTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("action", action)))
}

// RecordSyncFlush records the outcome of one flush pass.
func RecordSyncFlush(ctx context.Context, applied, requeued int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.syncAppliedTotal.Add(ctx, int64(applied))
	globalMetrics.syncRequeuedTotal.Add(ctx, int64(requeued))
	globalMetrics.syncFlushDuration.Record(ctx, duration.Seconds())
}

// UpdateSyncQueueDepth updates the queued-item gauge.
func UpdateSyncQueueDepth(ctx context.Context, depth int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.syncQueueDepth.Record(ctx, depth)
}

// RecordRemoteApply records one remote apply call.
// outcome is "success", "error", or "canceled".
func RecordRemoteApply(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.remoteApplyTotal.Add(ctx, 1, attrs)
	globalMetrics.remoteApplyDuration.Record(ctx, duration.Seconds(), attrs)
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
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

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}
