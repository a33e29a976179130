// Package metrics holds the Prometheus collectors for the ingest path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the ingest counters. All counters are safe for concurrent
// use and only ever increase.
type Metrics struct {
	registry *prometheus.Registry

	StepsIngested    prometheus.Counter
	StepsSampled     prometheus.Counter
	DecisionsOffered prometheus.Counter
	DecisionsKept    prometheus.Counter
	EvidenceDropped  prometheus.Counter
	ValidationErrors prometheus.Counter
	StorageFailures  prometheus.Counter
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		StepsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xray_steps_ingested_total",
			Help: "Step submissions accepted and persisted.",
		}),
		StepsSampled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xray_steps_sampled_total",
			Help: "Step submissions whose decision set was sampled down.",
		}),
		DecisionsOffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xray_decisions_offered_total",
			Help: "Decision events offered across all step submissions.",
		}),
		DecisionsKept: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xray_decisions_kept_total",
			Help: "Decision events retained after sampling.",
		}),
		EvidenceDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xray_evidence_dropped_total",
			Help: "Evidence items dropped because their decision was sampled out.",
		}),
		ValidationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xray_validation_errors_total",
			Help: "Step submissions rejected at validation.",
		}),
		StorageFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xray_storage_failures_total",
			Help: "Step submissions that failed at the storage write.",
		}),
	}
	reg.MustRegister(
		m.StepsIngested, m.StepsSampled,
		m.DecisionsOffered, m.DecisionsKept,
		m.EvidenceDropped, m.ValidationErrors, m.StorageFailures,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
