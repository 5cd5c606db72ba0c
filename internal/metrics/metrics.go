// Package metrics exposes engine counters via Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the engine's Prometheus collectors.
type Registry struct {
	registry *prometheus.Registry

	EventsIngested     prometheus.Counter
	EventsDeduplicated prometheus.Counter
	EventsQuarantined  prometheus.Counter

	RulesEvaluated     prometheus.Counter
	DetectionsFired    *prometheus.CounterVec
	ShadowDetections   prometheus.Counter
	EvaluationTimeouts prometheus.Counter
	EvaluationRetries  prometheus.Counter
	DeadLettered       prometheus.Counter

	GroupsCreated  prometheus.Counter
	GroupsPromoted *prometheus.CounterVec

	AlertsDispatched   prometheus.Counter
	AlertsDeadLettered prometheus.Counter

	EvaluationSeconds prometheus.Histogram
	QueueDepth        prometheus.Gauge
}

// NewRegistry creates the engine's metric set on a fresh registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		registry: reg,
		EventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_events_ingested_total",
			Help: "Events accepted by the ingestion path.",
		}),
		EventsDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_events_deduplicated_total",
			Help: "Submissions matched to an already stored dedupe key.",
		}),
		EventsQuarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_events_quarantined_total",
			Help: "Events quarantined for integrity or validation failures.",
		}),
		RulesEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_rules_evaluated_total",
			Help: "Rule evaluations performed.",
		}),
		DetectionsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auditcore_detections_fired_total",
			Help: "Detections fired, by severity.",
		}, []string{"severity"}),
		ShadowDetections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_shadow_detections_total",
			Help: "Detections produced by rules in testing status.",
		}),
		EvaluationTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_evaluation_timeouts_total",
			Help: "Per-event evaluations that exceeded the time budget.",
		}),
		EvaluationRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_evaluation_retries_total",
			Help: "Evaluation retries after transient failures.",
		}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_events_dead_lettered_total",
			Help: "Events routed to the dead-letter path after exhausted retries.",
		}),
		GroupsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_correlation_groups_created_total",
			Help: "Correlation groups created.",
		}),
		GroupsPromoted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auditcore_correlation_groups_promoted_total",
			Help: "Correlation group promotions, by target type.",
		}, []string{"type"}),
		AlertsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_alerts_dispatched_total",
			Help: "Alerts handed to the dispatcher.",
		}),
		AlertsDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_alerts_dead_lettered_total",
			Help: "Alert deliveries that exhausted retries.",
		}),
		EvaluationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "auditcore_evaluation_seconds",
			Help:    "Per-event evaluation latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "auditcore_queue_depth",
			Help: "Current evaluation queue depth.",
		}),
	}

	reg.MustRegister(
		r.EventsIngested, r.EventsDeduplicated, r.EventsQuarantined,
		r.RulesEvaluated, r.DetectionsFired, r.ShadowDetections,
		r.EvaluationTimeouts, r.EvaluationRetries, r.DeadLettered,
		r.GroupsCreated, r.GroupsPromoted,
		r.AlertsDispatched, r.AlertsDeadLettered,
		r.EvaluationSeconds, r.QueueDepth,
	)
	return r
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
