// Package telemetry wires OpenTelemetry tracing and Prometheus-backed
// metrics for the routing service: a request counter per classifier
// action, a pipeline-latency histogram, and an embedding-client error
// counter, plus a tracer used for per-stage spans.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"

	"github.com/driftos/driftrouter/config"
)

// Telemetry owns the tracer and meter providers plus the handful of
// routing-specific instruments the rest of the service records
// against.
type Telemetry struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider

	Tracer trace.Tracer

	RoutingDecisions  *prometheus.CounterVec
	PipelineLatency   prometheus.Histogram
	EmbedClientErrors prometheus.Counter
}

// Options configures initialization.
type Options struct {
	ServiceName    string
	ServiceVersion string
	MetricsPort    int
}

// Setup initializes tracing, OTLP metrics, and the Prometheus registry
// the /metrics endpoint serves. With telemetry disabled it still
// returns working no-op-backed instruments so callers never need a nil
// check.
func Setup(ctx context.Context, cfg config.TelemetryConfig, opts Options) (*Telemetry, error) {
	promRegistry := prometheus.NewRegistry()
	t := &Telemetry{
		RoutingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "driftos_routing_decisions_total",
			Help: "Routing decisions made, partitioned by classifier action.",
		}, []string{"action"}),
		PipelineLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "driftos_pipeline_latency_seconds",
			Help:    "End-to-end routing pipeline latency.",
			Buckets: prometheus.DefBuckets,
		}),
		EmbedClientErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftos_embed_client_errors_total",
			Help: "Embedding client request failures, fatal and non-fatal.",
		}),
	}
	promRegistry.MustRegister(t.RoutingDecisions, t.PipelineLatency, t.EmbedClientErrors)

	if !cfg.Enabled {
		t.Tracer = otel.Tracer(opts.ServiceName)
		if opts.MetricsPort > 0 {
			serveMetrics(promRegistry, opts.MetricsPort)
		}
		return t, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			attribute.String("service.namespace", "driftos"),
			attribute.String("service.version", opts.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("resource init: %w", err)
	}

	endpoint := cfg.OTLPEndpoint
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithDialOption(grpc.WithBlock()),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp trace init: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	t.tp = tp
	t.Tracer = tp.Tracer(opts.ServiceName)

	promExporter, err := promexporter.New(promexporter.WithRegisterer(promRegistry))
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithDialOption(grpc.WithBlock()),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp metric init: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	t.mp = mp

	if opts.MetricsPort > 0 {
		serveMetrics(promRegistry, opts.MetricsPort)
	}
	return t, nil
}

func serveMetrics(reg *prometheus.Registry, port int) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("telemetry metrics server error: %v\n", err)
		}
	}()
}

// Meter returns the global otel meter, present for callers wanting
// otel-native instruments instead of the Prometheus ones above.
func Meter(serviceName string) otelmetric.Meter {
	return otel.Meter(serviceName)
}

// Shutdown flushes both providers. Safe to call on a disabled or nil
// Telemetry.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var err error
	if t.tp != nil {
		if e := t.tp.Shutdown(ctx); e != nil {
			err = fmt.Errorf("trace shutdown: %w", e)
		}
	}
	if t.mp != nil {
		if e := t.mp.Shutdown(ctx); e != nil {
			if err != nil {
				err = fmt.Errorf("%v; metric shutdown: %w", err, e)
			} else {
				err = fmt.Errorf("metric shutdown: %w", e)
			}
		}
	}
	return err
}
