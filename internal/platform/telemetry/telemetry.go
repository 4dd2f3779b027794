// Package telemetry wires Prometheus metrics and OpenTelemetry tracing for
// the CRD service.
package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	OTLPEndpoint   string // gRPC collector endpoint; empty disables export
	MetricsEnabled *bool  // nil = use default (true)
	TracingEnabled *bool  // nil = use default (true)
	Environment    string
	SampleRate     float64 // 0.0 to 1.0
}

func (c *TelemetryConfig) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *TelemetryConfig) tracingOn() bool {
	if c.TracingEnabled == nil {
		return true
	}
	return *c.TracingEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "crd-server"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 1.0
	}
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// ---------------------------------------------------------------------------
// TelemetryProvider
// ---------------------------------------------------------------------------

// TelemetryProvider owns the metrics registry and the tracer provider.
type TelemetryProvider struct {
	cfg      TelemetryConfig
	registry *prometheus.Registry
	tp       *sdktrace.TracerProvider
	tracer   trace.Tracer

	httpDuration   *prometheus.HistogramVec
	activeRequests prometheus.Gauge

	// Pipeline holds the hook pipeline metrics. Nil when metrics are off.
	Pipeline *PipelineMetrics
}

// NewTelemetryProvider builds the provider. When OTLPEndpoint is set spans
// are exported over gRPC; extra options are appended to the tracer provider.
func NewTelemetryProvider(ctx context.Context, cfg TelemetryConfig, opts ...sdktrace.TracerProviderOption) (*TelemetryProvider, error) {
	cfg.applyDefaults()
	p := &TelemetryProvider{cfg: cfg}

	if cfg.metricsOn() {
		p.registry = prometheus.NewRegistry()
		p.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		p.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_server_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: defaultDurationBuckets,
		}, []string{"method", "route", "status"})
		p.activeRequests = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_server_active_requests",
			Help: "In-flight HTTP requests",
		})
		p.registry.MustRegister(p.httpDuration, p.activeRequests)
		p.Pipeline = NewPipelineMetrics(p.registry)
	}

	if cfg.tracingOn() {
		res, err := resource.Merge(
			resource.Default(),
			resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(cfg.ServiceVersion),
				semconv.DeploymentEnvironment(cfg.Environment),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("create resource: %w", err)
		}

		var sampler sdktrace.Sampler
		if cfg.SampleRate >= 1.0 {
			sampler = sdktrace.AlwaysSample()
		} else {
			sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
		}
		tpOpts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sampler),
		}
		if cfg.OTLPEndpoint != "" {
			exporter, err := otlptracegrpc.New(ctx,
				otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
				otlptracegrpc.WithInsecure(),
			)
			if err != nil {
				return nil, fmt.Errorf("create exporter: %w", err)
			}
			tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
		}
		tpOpts = append(tpOpts, opts...)
		p.tp = sdktrace.NewTracerProvider(tpOpts...)
		otel.SetTracerProvider(p.tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		p.tracer = p.tp.Tracer(cfg.ServiceName)
	} else {
		p.tracer = noop.NewTracerProvider().Tracer(cfg.ServiceName)
	}
	return p, nil
}

// Shutdown flushes pending spans.
func (p *TelemetryProvider) Shutdown(ctx context.Context) error {
	if p.tp != nil {
		return p.tp.Shutdown(ctx)
	}
	return nil
}

// Tracer returns the service tracer.
func (p *TelemetryProvider) Tracer() trace.Tracer { return p.tracer }

// Registry returns the metrics registry, nil when metrics are disabled.
func (p *TelemetryProvider) Registry() *prometheus.Registry { return p.registry }

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// TracingMiddleware starts a server span per request, continuing any
// incoming W3C trace context.
func (p *TelemetryProvider) TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !p.cfg.tracingOn() {
				return next(c)
			}
			req := c.Request()
			ctx := otel.GetTextMapPropagator().Extract(req.Context(), propagation.HeaderCarrier(req.Header))

			route := c.Path()
			if route == "" {
				route = req.URL.Path
			}
			ctx, span := p.tracer.Start(ctx, "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", route),
				))
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			status := c.Response().Status
			span.SetAttributes(attribute.Int("http.status_code", status))
			if serviceID := c.Param("id"); serviceID != "" {
				span.SetAttributes(attribute.String("cds.service", serviceID))
			}
			if err != nil {
				span.RecordError(err)
			}
			if status >= 500 {
				span.SetStatus(codes.Error, strconv.Itoa(status))
			}
			return err
		}
	}
}

// MetricsMiddleware records request duration and in-flight requests.
func (p *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if p.registry == nil {
				return next(c)
			}
			p.activeRequests.Inc()
			defer p.activeRequests.Dec()

			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			p.httpDuration.WithLabelValues(c.Request().Method, route, strconv.Itoa(c.Response().Status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves the registry in Prometheus text format.
func (p *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	if p.registry == nil {
		return func(c echo.Context) error {
			return echo.NewHTTPError(404, "metrics disabled")
		}
	}
	return echo.WrapHandler(promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{}))
}
