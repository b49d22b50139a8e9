// Package telemetry wires Prometheus metrics and an OpenTelemetry tracer
// around the daemon's Claim/Complete path.
//
// Grounded on internal/metrics/metrics.go's CounterVec/GaugeVec/HistogramVec
// shape (rebased onto a plain prometheus.Registry instead of the
// controller-runtime registry, since this daemon isn't a k8s controller)
// and internal/telemetry/tracing.go's Tracer()/span-helper layout (without
// the OTLP gRPC exporter, which isn't a dependency of this module — spans
// are recorded against whatever TracerProvider the caller installs via
// otel.SetTracerProvider, defaulting to the SDK's no-op provider).
package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "legator/conductord"

var (
	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legator_claims_total",
			Help: "Total number of agent claim attempts by outcome.",
		},
		[]string{"outcome"},
	)

	CompletesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legator_completes_total",
			Help: "Total number of job completions by terminal status.",
		},
		[]string{"status"},
	)

	JobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "legator_job_duration_seconds",
			Help:    "Duration of a Job attempt from claim to completion.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage_id"},
	)

	ActiveLeases = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "legator_active_leases",
			Help: "Number of currently outstanding (claimed, not yet completed) leases.",
		},
	)

	RequeuedJobsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "legator_requeued_jobs_total",
			Help: "Total number of Jobs requeued after lease expiry.",
		},
	)
)

// Registry returns a fresh registry with all legator metrics registered.
// Callers serve it at /metrics via promhttp.HandlerFor.
func Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		ClaimsTotal,
		CompletesTotal,
		JobDurationSeconds,
		ActiveLeases,
		RequeuedJobsTotal,
	)
	return reg
}

// InitTraceProvider installs a TracerProvider. Without a configured
// exporter this records spans into an in-memory sampler that drops them;
// callers that need real export should register their own span processor
// on the returned provider before traffic starts.
func InitTraceProvider() (shutdown func(context.Context) error) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartClaimSpan creates the span covering one Claim RPC.
func StartClaimSpan(ctx context.Context, agentID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "agent.claim",
		trace.WithAttributes(attribute.String("legator.agent_id", agentID)),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndClaimSpan enriches and ends a Claim span, recording the outcome metric.
func EndClaimSpan(span trace.Span, claimed bool, jobID string) {
	outcome := "empty"
	if claimed {
		outcome = "claimed"
		span.SetAttributes(attribute.String("legator.job_id", jobID))
	}
	span.SetAttributes(attribute.String("legator.outcome", outcome))
	ClaimsTotal.WithLabelValues(outcome).Inc()
	span.End()
}

// StartCompleteSpan creates the span covering one Complete RPC.
func StartCompleteSpan(ctx context.Context, jobID, stageID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "agent.complete",
		trace.WithAttributes(
			attribute.String("legator.job_id", jobID),
			attribute.String("legator.stage_id", stageID),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndCompleteSpan enriches and ends a Complete span, recording metrics.
func EndCompleteSpan(span trace.Span, stageID, status string, duration time.Duration) {
	span.SetAttributes(attribute.String("legator.status", status))
	CompletesTotal.WithLabelValues(status).Inc()
	JobDurationSeconds.WithLabelValues(stageID).Observe(duration.Seconds())
	span.End()
}

// RecordRequeue records a lease-expiry requeue event.
func RecordRequeue() {
	RequeuedJobsTotal.Inc()
}
