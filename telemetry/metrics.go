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
	meterName = "github.com/wolfeidau/archive-replay"
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
	resolvesTotal          metric.Int64Counter
	resolveDuration        metric.Float64Histogram
	resourcesIngestedTotal metric.Int64Counter
	ingestBytesTotal       metric.Int64Counter
	payloadWriteSize       metric.Float64Histogram
	reclaimedBytesTotal    metric.Int64Counter
	integrityFailuresTotal metric.Int64Counter

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
		cfg.ServiceName = "archive-replay"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
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

	// Setup OTLP exporter if endpoint configured
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

	// Setup Prometheus exporter if enabled
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

	// Build meter provider options
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	// Create meter and instruments
	meter := mp.Meter(meterName)

	resolvesTotal, err := meter.Int64Counter(
		"archive_replay_resolves_total",
		metric.WithDescription("Total number of replay resolve requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	resolveDuration, err := meter.Float64Histogram(
		"archive_replay_resolve_duration_seconds",
		metric.WithDescription("Replay resolve duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1),
	)
	if err != nil {
		return err
	}

	resourcesIngestedTotal, err := meter.Int64Counter(
		"archive_replay_resources_ingested_total",
		metric.WithDescription("Total resource records ingested"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return err
	}

	ingestBytesTotal, err := meter.Int64Counter(
		"archive_replay_ingest_bytes_total",
		metric.WithDescription("Total payload bytes presented for ingestion"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	payloadWriteSize, err := meter.Float64Histogram(
		"archive_replay_payload_write_size_bytes",
		metric.WithDescription("Size of payload blobs written to storage"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536, 131072, 262144, 524288, 1048576, 4194304, 16777216, 67108864, 268435456),
	)
	if err != nil {
		return err
	}

	reclaimedBytesTotal, err := meter.Int64Counter(
		"archive_replay_reclaimed_bytes_total",
		metric.WithDescription("Total payload bytes reclaimed by deletions"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	integrityFailuresTotal, err := meter.Int64Counter(
		"archive_replay_integrity_failures_total",
		metric.WithDescription("Total resources whose payload blob was missing or corrupted"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		resolvesTotal:          resolvesTotal,
		resolveDuration:        resolveDuration,
		resourcesIngestedTotal: resourcesIngestedTotal,
		ingestBytesTotal:       ingestBytesTotal,
		payloadWriteSize:       payloadWriteSize,
		reclaimedBytesTotal:    reclaimedBytesTotal,
		integrityFailuresTotal: integrityFailuresTotal,
		meterProvider:          mp,
		promHandler:            promHandler,
	}

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

// RecordResolve records one replay resolve request.
// outcome is "hit", "miss" or "error".
func RecordResolve(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	globalMetrics.resolvesTotal.Add(ctx, 1, attrs)
	globalMetrics.resolveDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordIngest records one ingested resource record.
// result is "new_blob", "dedup" or "inline".
func RecordIngest(ctx context.Context, result string, size int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("result", result))
	globalMetrics.resourcesIngestedTotal.Add(ctx, 1, attrs)
	if size > 0 {
		globalMetrics.ingestBytesTotal.Add(ctx, size, attrs)
	}
	if result == "new_blob" {
		globalMetrics.payloadWriteSize.Record(ctx, float64(size), attrs)
	}
}

// RecordReclaimed records payload bytes reclaimed by a deletion.
func RecordReclaimed(ctx context.Context, bytes int64) {
	if globalMetrics == nil {
		return
	}
	if bytes > 0 {
		globalMetrics.reclaimedBytesTotal.Add(ctx, bytes)
	}
}

// RecordIntegrityFailure records a resource whose stored payload could not
// be loaded.
func RecordIntegrityFailure(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.integrityFailuresTotal.Add(ctx, 1)
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
