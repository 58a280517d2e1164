package monitoring

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig configuration for OpenTelemetry tracing
type TracingConfig struct {
	Enabled        bool              `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	ServiceName    string            `json:"service_name" yaml:"service_name" mapstructure:"service_name"`
	ServiceVersion string            `json:"service_version" yaml:"service_version" mapstructure:"service_version"`
	Environment    string            `json:"environment" yaml:"environment" mapstructure:"environment"`
	Exporter       TracingExporter   `json:"exporter" yaml:"exporter" mapstructure:"exporter"`
	SamplingRatio  float64           `json:"sampling_ratio" yaml:"sampling_ratio" mapstructure:"sampling_ratio"`
	JaegerEndpoint string            `json:"jaeger_endpoint" yaml:"jaeger_endpoint" mapstructure:"jaeger_endpoint"`
	OTLPEndpoint   string            `json:"otlp_endpoint" yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
	OTLPInsecure   bool              `json:"otlp_insecure" yaml:"otlp_insecure" mapstructure:"otlp_insecure"`
	OTLPHeaders    map[string]string `json:"otlp_headers,omitempty" yaml:"otlp_headers,omitempty" mapstructure:"otlp_headers"`
	ExportTimeout  time.Duration     `json:"export_timeout" yaml:"export_timeout" mapstructure:"export_timeout"`
	// BatchTimeout is how long spans wait before export; zero exports
	// each span as it ends.
	BatchTimeout time.Duration `json:"batch_timeout" yaml:"batch_timeout" mapstructure:"batch_timeout"`
}

// TracingExporter represents the type of trace exporter
type TracingExporter string

const (
	TracingExporterJaeger   TracingExporter = "jaeger"
	TracingExporterOTLP     TracingExporter = "otlp"
	TracingExporterStdout   TracingExporter = "stdout"
	TracingExporterMultiple TracingExporter = "multiple"
)

// Valid reports whether e names a supported exporter.
func (e TracingExporter) Valid() bool {
	switch e {
	case TracingExporterJaeger, TracingExporterOTLP, TracingExporterStdout, TracingExporterMultiple:
		return true
	}
	return false
}

// DefaultTracingConfig returns default tracing configuration
func DefaultTracingConfig() *TracingConfig {
	return &TracingConfig{
		Enabled:        false,
		ServiceName:    "dbguard",
		ServiceVersion: "dev",
		Environment:    "development",
		Exporter:       TracingExporterStdout,
		SamplingRatio:  1.0,
		JaegerEndpoint: "http://localhost:14268/api/traces",
		OTLPEndpoint:   "localhost:4318",
		OTLPInsecure:   true,
		ExportTimeout:  10 * time.Second,
		BatchTimeout:   5 * time.Second,
	}
}

// TracingOption configures a TracingManager.
type TracingOption func(*TracingManager)

// WithStdoutWriter sends stdout exporter output to w.
func WithStdoutWriter(w io.Writer) TracingOption {
	return func(tm *TracingManager) { tm.stdout = w }
}

// TracingManager owns the global tracer provider. Recovery spans are
// created through the global provider, so they reach whatever exporter is
// configured here.
type TracingManager struct {
	config         *TracingConfig
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	propagator     propagation.TextMapPropagator
	exporters      []sdktrace.SpanExporter
	stdout         io.Writer
}

// NewTracingManager creates a new tracing manager. A disabled config
// returns a manager whose tracer is a no-op.
func NewTracingManager(config *TracingConfig, opts ...TracingOption) (*TracingManager, error) {
	if config == nil {
		config = DefaultTracingConfig()
	}

	tm := &TracingManager{config: config, stdout: os.Stdout}
	for _, opt := range opts {
		opt(tm)
	}

	if !config.Enabled {
		log.Debug().Msg("Tracing disabled")
		tm.tracer = noop.NewTracerProvider().Tracer(config.ServiceName)
		return tm, nil
	}

	if err := tm.initializeTracing(); err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	log.Info().
		Str("service_name", config.ServiceName).
		Str("exporter", string(config.Exporter)).
		Float64("sampling_ratio", config.SamplingRatio).
		Msg("Tracing initialized successfully")

	return tm, nil
}

func (tm *TracingManager) initializeTracing() error {
	res := tm.createResource()

	if err := tm.createExporters(); err != nil {
		return fmt.Errorf("failed to create exporters: %w", err)
	}

	providerOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(tm.config.SamplingRatio))),
	}
	for _, exp := range tm.exporters {
		if tm.config.BatchTimeout > 0 {
			providerOpts = append(providerOpts, sdktrace.WithBatcher(exp,
				sdktrace.WithBatchTimeout(tm.config.BatchTimeout),
				sdktrace.WithExportTimeout(tm.config.ExportTimeout),
			))
		} else {
			providerOpts = append(providerOpts, sdktrace.WithSyncer(exp))
		}
	}
	tm.tracerProvider = sdktrace.NewTracerProvider(providerOpts...)

	otel.SetTracerProvider(tm.tracerProvider)

	tm.tracer = tm.tracerProvider.Tracer(
		tm.config.ServiceName,
		trace.WithInstrumentationVersion(tm.config.ServiceVersion),
	)

	tm.propagator = propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(tm.propagator)

	return nil
}

func (tm *TracingManager) createResource() *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(tm.config.ServiceName),
		semconv.ServiceVersion(tm.config.ServiceVersion),
		semconv.DeploymentEnvironment(tm.config.Environment),
		attribute.String("process.runtime.name", "go"),
		attribute.String("process.runtime.version", runtime.Version()),
		attribute.String("runtime.os", runtime.GOOS),
	)
}

// createExporters creates trace exporters based on configuration
func (tm *TracingManager) createExporters() error {
	switch tm.config.Exporter {
	case TracingExporterJaeger:
		return tm.createJaegerExporter()
	case TracingExporterOTLP:
		return tm.createOTLPExporter()
	case TracingExporterStdout:
		return tm.createStdoutExporter()
	case TracingExporterMultiple:
		return tm.createMultipleExporters()
	default:
		return fmt.Errorf("unsupported exporter type: %s", tm.config.Exporter)
	}
}

func (tm *TracingManager) createJaegerExporter() error {
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(
		jaeger.WithEndpoint(tm.config.JaegerEndpoint),
	))
	if err != nil {
		return fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	tm.exporters = append(tm.exporters, exp)
	return nil
}

func (tm *TracingManager) createOTLPExporter() error {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(tm.config.OTLPEndpoint),
		otlptracehttp.WithTimeout(tm.config.ExportTimeout),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	}
	if tm.config.OTLPInsecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(tm.config.OTLPHeaders) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(tm.config.OTLPHeaders))
	}

	exp, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	if err != nil {
		return fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tm.exporters = append(tm.exporters, exp)
	return nil
}

func (tm *TracingManager) createStdoutExporter() error {
	exp, err := stdouttrace.New(
		stdouttrace.WithWriter(tm.stdout),
		stdouttrace.WithoutTimestamps(),
	)
	if err != nil {
		return fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tm.exporters = append(tm.exporters, exp)
	return nil
}

// createMultipleExporters sends spans to every exporter that could be
// created.
func (tm *TracingManager) createMultipleExporters() error {
	if err := tm.createJaegerExporter(); err != nil {
		log.Warn().Err(err).Msg("Failed to create Jaeger exporter")
	}
	if err := tm.createOTLPExporter(); err != nil {
		log.Warn().Err(err).Msg("Failed to create OTLP exporter")
	}
	if err := tm.createStdoutExporter(); err != nil {
		log.Warn().Err(err).Msg("Failed to create stdout exporter")
	}

	if len(tm.exporters) == 0 {
		return fmt.Errorf("failed to create any exporters")
	}
	return nil
}

// Enabled reports whether spans are exported.
func (tm *TracingManager) Enabled() bool {
	return tm.tracerProvider != nil
}

// GetTracer returns the tracer instance
func (tm *TracingManager) GetTracer() trace.Tracer {
	return tm.tracer
}

// StartSpan starts a new span
func (tm *TracingManager) StartSpan(ctx context.Context, operationName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tm.tracer.Start(ctx, operationName, opts...)
}

// TraceOperation runs fn inside a span that records its error.
func (tm *TracingManager) TraceOperation(ctx context.Context, operationName string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := tm.StartSpan(ctx, operationName, trace.WithAttributes(attrs...))
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return err
}

// HTTPMiddleware wraps next so each request runs in a server span.
func (tm *TracingManager) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if tm.propagator != nil {
			ctx = tm.propagator.Extract(ctx, propagation.HeaderCarrier(r.Header))
		}

		ctx, span := tm.StartSpan(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(ctx))

		span.SetAttributes(semconv.HTTPResponseStatusCode(wrapped.status))
		if wrapped.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(wrapped.status))
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.status = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Shutdown flushes pending spans and shuts the provider down.
func (tm *TracingManager) Shutdown(ctx context.Context) error {
	if tm.tracerProvider == nil {
		return nil
	}
	if err := tm.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	log.Info().Msg("Tracing manager shut down successfully")
	return nil
}
