// Package telemetry exposes the process-wide Prometheus counters and
// histograms the worker and Status API record against, plus an OTel
// tracer for the worker's per-phase spans.
package telemetry

import (
	"go.opentelemetry.io/otel"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var Tracer = otel.GetTracerProvider().Tracer("internal/worker")

var (
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotune_ticks_total",
		Help: "Total worker ticks by outcome kind",
	}, []string{"outcome"})

	PhaseTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotune_phase_transitions_total",
		Help: "Total FSM phase transitions by destination phase",
	}, []string{"phase"})

	EvaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autotune_evaluation_duration_seconds",
		Help:    "Duration of one Evaluate call by split",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"split"})

	PromotionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autotune_promotions_total",
		Help: "Total prompt variants promoted to live",
	})

	RateLimitWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autotune_rate_limit_waits_total",
		Help: "Total ticks that entered WAITING due to a rate-limited remote call",
	})

	MalformedJudgeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotune_malformed_judge_total",
		Help: "Total malformed judge responses by variant",
	}, []string{"variant", "split"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "autotune_http_requests_total",
		Help: "Total Status API HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autotune_http_request_duration_seconds",
		Help:    "Status API HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// RecordTick updates TicksTotal and PhaseTransitionsTotal for one Tick
// call's outcome.
func RecordTick(outcome, phase string) {
	TicksTotal.WithLabelValues(outcome).Inc()
	PhaseTransitionsTotal.WithLabelValues(phase).Inc()
	if outcome == "waited" {
		RateLimitWaitsTotal.Inc()
	}
}
