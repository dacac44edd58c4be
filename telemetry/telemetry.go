package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/awantoch/beemflow/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beemflow_http_requests_total",
			Help: "Total number of HTTP requests received.",
		},
		[]string{"handler", "method", "code"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beemflow_http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)

	// Run/step lifecycle metrics, updated by the orchestrator and executor
	// as runs and steps complete.
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beemflow_runs_total",
			Help: "Total number of flow runs, by terminal status.",
		},
		[]string{"flow", "status"},
	)
	runDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beemflow_run_duration_seconds",
			Help:    "Duration of flow runs from start to terminal status.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"flow"},
	)
	stepExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beemflow_step_executions_total",
			Help: "Total number of step executions, by tool and outcome.",
		},
		[]string{"tool", "outcome"},
	)
	stepRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beemflow_step_retries_total",
			Help: "Total number of step retry attempts, by tool.",
		},
		[]string{"tool"},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(
		httpRequestsTotal, httpRequestDuration,
		runsTotal, runDuration,
		stepExecutionsTotal, stepRetriesTotal,
	)
}

// Init sets up the tracing exporter based on config.
// Supported exporters: "stdout" (default), "otlp".
func Init(cfg *config.Config) error {
	serviceName := "beemflow"
	if cfg.Tracing != nil && cfg.Tracing.ServiceName != "" {
		serviceName = cfg.Tracing.ServiceName
	}
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return fmt.Errorf("telemetry: building resource: %w", err)
	}

	var tp *sdktrace.TracerProvider
	switch {
	case cfg.Tracing != nil && cfg.Tracing.Exporter == "otlp":
		endpoint := cfg.Tracing.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exp, err := otlptracehttp.New(context.Background(), otlptracehttp.WithEndpoint(endpoint))
		if err != nil {
			return fmt.Errorf("telemetry: building otlp exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
	default: // "stdout" and anything unrecognized fall back to stdout
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("telemetry: building stdout exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
	}
	otel.SetTracerProvider(tp)
	return nil
}

// WrapHandler instruments an HTTP handler with request count and duration
// metrics, labeled by name.
func WrapHandler(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{w, 200}
		next.ServeHTTP(rw, r)
		dur := time.Since(start).Seconds()
		httpRequestsTotal.WithLabelValues(name, r.Method, fmt.Sprintf("%d", rw.status)).Inc()
		httpRequestDuration.WithLabelValues(name, r.Method).Observe(dur)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// MetricsHandler returns the Prometheus metrics endpoint handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordRunStart starts a timer for a flow run and returns a function the
// caller invokes with the terminal status ("succeeded", "failed", ...)
// once the run ends.
func RecordRunStart(flow string) func(status string) {
	start := time.Now()
	return func(status string) {
		runsTotal.WithLabelValues(flow, status).Inc()
		runDuration.WithLabelValues(flow).Observe(time.Since(start).Seconds())
	}
}

// RecordStepExecution records a step's terminal outcome for the given tool.
func RecordStepExecution(tool, outcome string) {
	stepExecutionsTotal.WithLabelValues(tool, outcome).Inc()
}

// RecordStepRetry records a single retry attempt for the given tool.
func RecordStepRetry(tool string) {
	stepRetriesTotal.WithLabelValues(tool).Inc()
}
