package infrastructure

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"keygate/internal/config"
)

const (
	ServiceName    = "keygate-authority"
	ServiceVersion = "1.0.0"
	MeterName      = "keygate"
)

// OTelConfig holds OpenTelemetry configuration.
type OTelConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	TraceExporter  string // "stdout", "none"
	MetricExporter string // "prometheus", "none"
	EnableMetrics  bool
	EnableTracing  bool
	SampleRatio    float64
}

// OTelProviders holds the initialized OpenTelemetry providers.
type OTelProviders struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	PrometheusHTTP http.Handler
	Logger         *slog.Logger
}

// FromTelemetryConfig maps the application telemetry settings onto an
// OTelConfig.
func FromTelemetryConfig(cfg config.TelemetryConfig, environment string) *OTelConfig {
	return &OTelConfig{
		ServiceName:    ServiceName,
		ServiceVersion: ServiceVersion,
		Environment:    environment,
		TraceExporter:  cfg.TraceExporter,
		MetricExporter: cfg.MetricExporter,
		EnableMetrics:  cfg.EnableMetrics,
		EnableTracing:  cfg.EnableTracing,
		SampleRatio:    cfg.SampleRatio,
	}
}

// InitializeOTel initializes tracing and metrics according to cfg.
func InitializeOTel(cfg *OTelConfig, logger *slog.Logger) (*OTelProviders, error) {
	ctx := context.Background()

	logger.InfoContext(ctx, "initializing telemetry",
		slog.String("service", cfg.ServiceName),
		slog.String("version", cfg.ServiceVersion),
		slog.String("environment", cfg.Environment),
		slog.Bool("tracing_enabled", cfg.EnableTracing),
		slog.Bool("metrics_enabled", cfg.EnableMetrics))

	res, err := createResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	providers := &OTelProviders{Logger: logger}

	if cfg.EnableTracing {
		if err := initializeTracing(ctx, cfg, res, providers); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	if cfg.EnableMetrics {
		if err := initializeMetrics(ctx, cfg, res, providers); err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return providers, nil
}

func createResource(cfg *OTelConfig) (*resource.Resource, error) {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
		attribute.String("service.instance.id", generateInstanceID()),
	), nil
}

func initializeTracing(ctx context.Context, cfg *OTelConfig, res *resource.Resource, providers *OTelProviders) error {
	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.TraceExporter {
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return nil
	default:
		return fmt.Errorf("unsupported trace exporter: %s", cfg.TraceExporter)
	}
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRatio)),
	)

	providers.TracerProvider = tp
	providers.Tracer = tp.Tracer(MeterName, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	otel.SetTracerProvider(tp)

	providers.Logger.InfoContext(ctx, "tracing initialized",
		slog.String("exporter", cfg.TraceExporter),
		slog.Float64("sample_ratio", cfg.SampleRatio))

	return nil
}

func initializeMetrics(ctx context.Context, cfg *OTelConfig, res *resource.Resource, providers *OTelProviders) error {
	switch cfg.MetricExporter {
	case "prometheus":
		exporter, err := prometheus.New()
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}

		providers.PrometheusHTTP = promhttp.Handler()

		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)

		providers.MeterProvider = mp
		providers.Meter = mp.Meter(MeterName, metric.WithInstrumentationVersion(cfg.ServiceVersion))
		otel.SetMeterProvider(mp)

	case "none":
		return nil
	default:
		return fmt.Errorf("unsupported metric exporter: %s", cfg.MetricExporter)
	}

	providers.Logger.InfoContext(ctx, "metrics initialized",
		slog.String("exporter", cfg.MetricExporter))

	return nil
}

// BusinessMetrics holds the authority's domain metrics.
type BusinessMetrics struct {
	// HTTP
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram
	HTTPActiveRequests  metric.Int64UpDownCounter

	// Validation
	ValidationsTotal   metric.Int64Counter
	ValidationDuration metric.Float64Histogram
	CacheHits          metric.Int64Counter
	CacheMisses        metric.Int64Counter

	// License lifecycle
	LicensesGenerated   metric.Int64Counter
	LicensesRevoked     metric.Int64Counter
	MachinesRegistered  metric.Int64Counter
	MachinesDeactivated metric.Int64Counter

	// Webhook intake
	WebhookEventsTotal       metric.Int64Counter
	WebhookSignatureFailures metric.Int64Counter

	// Outbound lifecycle events
	LifecycleEventsPublished metric.Int64Counter

	// Janitor
	RowsPurgedTotal metric.Int64Counter

	// System
	SystemErrors metric.Int64Counter
}

// CreateBusinessMetrics registers the authority's domain metrics on meter.
func CreateBusinessMetrics(meter metric.Meter) (*BusinessMetrics, error) {
	m := &BusinessMetrics{}
	var err error

	if m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, err
	}
	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.HTTPActiveRequests, err = meter.Int64UpDownCounter(
		"http_active_requests",
		metric.WithDescription("Number of in-flight HTTP requests"),
	); err != nil {
		return nil, err
	}

	if m.ValidationsTotal, err = meter.Int64Counter(
		"license_validations_total",
		metric.WithDescription("License validations by outcome and denial code"),
	); err != nil {
		return nil, err
	}
	if m.ValidationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("License validation duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.CacheHits, err = meter.Int64Counter(
		"license_cache_hits_total",
		metric.WithDescription("License record cache hits"),
	); err != nil {
		return nil, err
	}
	if m.CacheMisses, err = meter.Int64Counter(
		"license_cache_misses_total",
		metric.WithDescription("License record cache misses"),
	); err != nil {
		return nil, err
	}

	if m.LicensesGenerated, err = meter.Int64Counter(
		"licenses_generated_total",
		metric.WithDescription("Licenses generated by tier"),
	); err != nil {
		return nil, err
	}
	if m.LicensesRevoked, err = meter.Int64Counter(
		"licenses_revoked_total",
		metric.WithDescription("Licenses revoked"),
	); err != nil {
		return nil, err
	}
	if m.MachinesRegistered, err = meter.Int64Counter(
		"license_machines_registered_total",
		metric.WithDescription("Machines newly admitted onto licenses"),
	); err != nil {
		return nil, err
	}
	if m.MachinesDeactivated, err = meter.Int64Counter(
		"license_machines_deactivated_total",
		metric.WithDescription("Machine slots freed by deactivation"),
	); err != nil {
		return nil, err
	}

	if m.WebhookEventsTotal, err = meter.Int64Counter(
		"webhook_events_total",
		metric.WithDescription("Billing webhook events by type and outcome"),
	); err != nil {
		return nil, err
	}
	if m.WebhookSignatureFailures, err = meter.Int64Counter(
		"webhook_signature_failures_total",
		metric.WithDescription("Webhook deliveries rejected for bad signatures or stale timestamps"),
	); err != nil {
		return nil, err
	}

	if m.LifecycleEventsPublished, err = meter.Int64Counter(
		"lifecycle_events_published_total",
		metric.WithDescription("License lifecycle events published to the message bus"),
	); err != nil {
		return nil, err
	}

	if m.RowsPurgedTotal, err = meter.Int64Counter(
		"janitor_rows_purged_total",
		metric.WithDescription("Rows removed by scheduled purges, by table"),
	); err != nil {
		return nil, err
	}

	if m.SystemErrors, err = meter.Int64Counter(
		"system_errors_total",
		metric.WithDescription("Unexpected internal errors"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// RecordValidation records one validation outcome. code is empty for valid
// results.
func RecordValidation(ctx context.Context, m *BusinessMetrics, valid bool, code, tierName string, duration time.Duration) {
	if m == nil {
		return
	}

	outcome := "valid"
	if !valid {
		outcome = "denied"
	}
	attrs := []attribute.KeyValue{
		attribute.String("outcome", outcome),
		attribute.String("tier", tierName),
	}
	if code != "" {
		attrs = append(attrs, attribute.String("code", code))
	}

	m.ValidationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.ValidationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordWebhookEvent records one webhook delivery outcome: applied, replay,
// or rejected.
func RecordWebhookEvent(ctx context.Context, m *BusinessMetrics, eventType, outcome string) {
	if m == nil {
		return
	}
	m.WebhookEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", eventType),
		attribute.String("outcome", outcome),
	))
}

// RecordPurge records rows removed from one table by a janitor job.
func RecordPurge(ctx context.Context, m *BusinessMetrics, table string, rows int64) {
	if m == nil {
		return
	}
	m.RowsPurgedTotal.Add(ctx, rows, metric.WithAttributes(attribute.String("table", table)))
}

// Shutdown flushes and stops the providers.
func (p *OTelProviders) Shutdown(ctx context.Context) error {
	var errs []error

	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}
	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}
	return nil
}

func generateInstanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%d", hostname, time.Now().Unix())
}

// TraceIDFromContext extracts the active span's trace id for logging
// correlation.
func TraceIDFromContext(ctx context.Context) string {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// AddSpanEvent adds an event with attributes to the active span, if any.
func AddSpanEvent(ctx context.Context, name string, attributes map[string]any) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	attrs := make([]attribute.KeyValue, 0, len(attributes))
	for k, v := range attributes {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// RecordError marks the active span failed with err.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
