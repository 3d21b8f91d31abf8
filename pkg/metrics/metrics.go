// Package metrics exposes Prometheus collectors for the recommendation path.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "moodtunes"

// Recommend outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeEmpty = "empty"
	OutcomeError = "error"
)

// inferenceBuckets are in seconds; CPU CLIP runs land in the 50ms to 2s range.
var inferenceBuckets = []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Metrics holds the collectors registered on one registry.
type Metrics struct {
	reg *prometheus.Registry

	requests          *prometheus.CounterVec
	inference         prometheus.Histogram
	candidates        prometheus.Counter
	candidatesSkipped prometheus.Counter
}

// New registers all collectors, plus Go and process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recommend_requests_total",
			Help:      "Recommend requests by outcome.",
		}, []string{"outcome"}),
		inference: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_duration_seconds",
			Help:      "Image emotion inference latency.",
			Buckets:   inferenceBuckets,
		}),
		candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ranker_candidates_total",
			Help:      "Candidate songs considered by the ranker.",
		}),
		candidatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ranker_candidates_skipped_total",
			Help:      "Candidate songs skipped because their stored vector did not parse.",
		}),
	}

	reg.MustRegister(
		m.requests,
		m.inference,
		m.candidates,
		m.candidatesSkipped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	for _, o := range []string{OutcomeOK, OutcomeEmpty, OutcomeError} {
		m.requests.WithLabelValues(o)
	}

	return m
}

// Registry returns the underlying registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// RecordRequest counts one recommend request.
func (m *Metrics) RecordRequest(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

// ObserveInference records one inference duration.
func (m *Metrics) ObserveInference(d time.Duration) {
	if m == nil {
		return
	}
	m.inference.Observe(d.Seconds())
}

// RecordCandidates counts candidates seen and skipped in one ranking pass.
func (m *Metrics) RecordCandidates(total, skipped int) {
	if m == nil {
		return
	}
	m.candidates.Add(float64(total))
	m.candidatesSkipped.Add(float64(skipped))
}
