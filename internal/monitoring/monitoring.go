// Package monitoring provides process-global structured logging gated by a
// debug level, Prometheus metrics, and optional OpenTelemetry tracing for the
// MLAT client. It mirrors the logging/metrics split used elsewhere in this
// codebase's lineage: plain log.Printf for normal output, a debug gate for
// high-volume per-message tracing, and Prometheus counters/gauges for the
// coordinator's health.
package monitoring

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const namespace = "mlat_client"

var debugLevel int32

// SetDebug toggles the verbose per-message logging gate.
func SetDebug(enabled bool) {
	if enabled {
		atomic.StoreInt32(&debugLevel, 1)
	} else {
		atomic.StoreInt32(&debugLevel, 0)
	}
}

// IsDebug reports whether verbose logging is enabled.
func IsDebug() bool { return atomic.LoadInt32(&debugLevel) == 1 }

// Debugf logs only when debug mode is enabled, avoiding the cost of
// formatting per-message traces in normal operation.
func Debugf(format string, args ...interface{}) {
	if IsDebug() {
		log.Printf("DEBUG "+format, args...)
	}
}

// Metrics are the Prometheus series the coordinator and endpoints update.
var (
	AircraftTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "aircraft_tracked",
		Help:      "Number of aircraft currently tracked by the coordinator.",
	})

	MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "Mode S frames delivered by the receiver feed, by downlink format.",
	}, []string{"df"})

	MessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_dropped_total",
		Help:      "Mode S frames dropped before reaching a DF handler.",
	}, []string{"reason"})

	UplinkSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "uplink_sent_total",
		Help:      "Uplink records sent to the MLAT server, by kind.",
	}, []string{"kind"})

	AircraftExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "aircraft_expired_total",
		Help:      "Aircraft removed from tracking because their last message aged out.",
	})

	ReconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Connections established by an endpoint.",
	}, []string{"endpoint"})

	MLATResultsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "mlat_results_received_total",
		Help:      "Computed position fixes received from the MLAT server.",
	})
)

func init() {
	prometheus.MustRegister(
		AircraftTracked,
		MessagesReceived,
		MessagesDropped,
		UplinkSent,
		AircraftExpired,
		ReconnectsTotal,
		MLATResultsReceived,
	)
}

// Server is the optional debug HTTP server exposing /metrics and /healthz.
type Server struct {
	srv *http.Server
}

// NewServer builds (but does not start) the metrics/health HTTP server.
func NewServer(listen string) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(TracingMiddleware)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	return &Server{srv: &http.Server{
		Addr:              listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// TracingMiddleware starts a span for each request to the metrics/health
// server, so --tracing-endpoint has something to export beyond the
// coordinator's own spans.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := Tracer.Start(r.Context(), r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Start runs the HTTP server in the background. Bind failures are logged,
// not fatal: the metrics endpoint is a diagnostic aid, not required for
// correct operation of the coordinator.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server: %v", err)
		}
	}()
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) {
	_ = s.srv.Shutdown(ctx)
}

// InitTracer wires an OTLP/HTTP exporter when endpoint is non-empty, or
// otherwise installs an SDK tracer provider with no exporter, so spans are
// created but never exported. Returns a shutdown func.
func InitTracer(ctx context.Context, endpoint, serviceName string) func() {
	if strings.TrimSpace(endpoint) == "" {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(resource.NewWithAttributes(
				semconv.SchemaURL,
				semconv.ServiceName(serviceName),
			)),
		)
		otel.SetTracerProvider(tp)
		return func() { _ = tp.Shutdown(ctx) }
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		log.Printf("failed to create OTEL exporter: %v", err)
		return func() {}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		)),
	)
	otel.SetTracerProvider(tp)

	return func() {
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("error shutting down tracer: %v", err)
		}
	}
}

// Tracer is the coordinator's span source.
var Tracer = otel.Tracer("mlat-client")
