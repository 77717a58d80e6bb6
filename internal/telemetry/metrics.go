// Package telemetry exposes engine metrics through a per-vault Prometheus
// registry. Nothing is pushed; `tonecapture watch --metrics-addr` serves it.
package telemetry

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "tonecapture"

// Metrics holds every collector. A nil *Metrics is valid and records nothing,
// so components can take it as an optional dependency.
type Metrics struct {
	Registry *prometheus.Registry

	queries       *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	emptyResults  *prometheus.CounterVec

	mutations *prometheus.CounterVec

	eventsApplied *prometheus.CounterVec
	applyFailures *prometheus.CounterVec
	degraded      *prometheus.GaugeVec

	vectorSearches *prometheus.CounterVec

	contentPuts *prometheus.CounterVec

	clusterRuns     *prometheus.CounterVec
	clusterDuration prometheus.Histogram
	clusterEpoch    prometheus.Gauge

	recentEmpty *RecentBuffer[string]
}

// New creates a Metrics with its own registry, including Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "query", Name: "total",
			Help: "Queries planned, by mode.",
		}, []string{"mode"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "query", Name: "duration_seconds",
			Help:    "Query latency, by mode.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"mode"}),
		emptyResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "query", Name: "empty_total",
			Help: "Queries that returned no results, by mode.",
		}, []string{"mode"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "registry", Name: "mutations_total",
			Help: "Registry mutations, by operation.",
		}, []string{"op"}),
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "applied_total",
			Help: "Change events applied, by subscriber.",
		}, []string{"subscriber"}),
		applyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "events", Name: "apply_failures_total",
			Help: "Change events that exhausted their retries, by subscriber.",
		}, []string{"subscriber"}),
		degraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "events", Name: "subscriber_degraded",
			Help: "1 when the subscriber is degraded and rejecting queries.",
		}, []string{"subscriber"}),
		vectorSearches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "vector", Name: "searches_total",
			Help: "Vector searches, by execution path.",
		}, []string{"path"}),
		contentPuts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "content", Name: "puts_total",
			Help: "Blob puts, by outcome (stored or deduplicated).",
		}, []string{"outcome"}),
		clusterRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cluster", Name: "runs_total",
			Help: "Cluster recomputes, by outcome.",
		}, []string{"outcome"}),
		clusterDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "cluster", Name: "duration_seconds",
			Help:    "Cluster recompute latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		clusterEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cluster", Name: "epoch",
			Help: "Current committed clustering epoch.",
		}),
		recentEmpty: NewRecentBuffer[string](50),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		m.queries, m.queryDuration, m.emptyResults,
		m.mutations,
		m.eventsApplied, m.applyFailures, m.degraded,
		m.vectorSearches,
		m.contentPuts,
		m.clusterRuns, m.clusterDuration, m.clusterEpoch,
	)
	return m
}

// ObserveQuery records one planned query. desc is kept when the result is empty.
func (m *Metrics) ObserveQuery(mode string, d time.Duration, results int, desc string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(mode).Inc()
	m.queryDuration.WithLabelValues(mode).Observe(d.Seconds())
	if results == 0 {
		m.emptyResults.WithLabelValues(mode).Inc()
		if desc != "" {
			m.recentEmpty.Add(desc)
		}
	}
}

// RecentEmptyQueries returns descriptions of the latest empty queries, oldest first.
func (m *Metrics) RecentEmptyQueries() []string {
	if m == nil {
		return nil
	}
	return m.recentEmpty.Items()
}

// Mutation records a registry operation.
func (m *Metrics) Mutation(op string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(op).Inc()
}

// EventApplied records a successfully applied change event.
func (m *Metrics) EventApplied(subscriber string) {
	if m == nil {
		return
	}
	m.eventsApplied.WithLabelValues(subscriber).Inc()
}

// ApplyFailed records an event that exhausted retries.
func (m *Metrics) ApplyFailed(subscriber string) {
	if m == nil {
		return
	}
	m.applyFailures.WithLabelValues(subscriber).Inc()
}

// SetDegraded sets the degraded gauge of a subscriber.
func (m *Metrics) SetDegraded(subscriber string, degraded bool) {
	if m == nil {
		return
	}
	v := 0.0
	if degraded {
		v = 1
	}
	m.degraded.WithLabelValues(subscriber).Set(v)
}

// VectorSearch records which execution path served a search.
func (m *Metrics) VectorSearch(path string) {
	if m == nil {
		return
	}
	m.vectorSearches.WithLabelValues(path).Inc()
}

// ContentPut records a blob put outcome.
func (m *Metrics) ContentPut(deduplicated bool) {
	if m == nil {
		return
	}
	outcome := "stored"
	if deduplicated {
		outcome = "deduplicated"
	}
	m.contentPuts.WithLabelValues(outcome).Inc()
}

// ClusterRun records a recompute outcome (committed, cancelled, failed).
func (m *Metrics) ClusterRun(outcome string, d time.Duration, epoch int64) {
	if m == nil {
		return
	}
	m.clusterRuns.WithLabelValues(outcome).Inc()
	m.clusterDuration.Observe(d.Seconds())
	if outcome == "committed" {
		m.clusterEpoch.Set(float64(epoch))
	}
}

// Sample is one flattened metric value.
type Sample struct {
	Name   string
	Labels string
	Value  float64
}

// Snapshot flattens tonecapture_* counters and gauges (histograms as sample
// counts) for display. Runtime collectors are skipped.
func (m *Metrics) Snapshot() ([]Sample, error) {
	if m == nil {
		return nil, nil
	}
	families, err := m.Registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}

	var out []Sample
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), namespace+"_") {
			continue
		}
		for _, metric := range mf.GetMetric() {
			s := Sample{Name: mf.GetName(), Labels: formatLabels(metric.GetLabel())}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				s.Value = metric.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				s.Value = metric.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				s.Name += "_count"
				s.Value = float64(metric.GetHistogram().GetSampleCount())
			default:
				continue
			}
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Labels < out[j].Labels
	})
	return out, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func formatLabels(pairs []*dto.LabelPair) string {
	if len(pairs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, p.GetName()+"="+p.GetValue())
	}
	return "{" + strings.Join(parts, ",") + "}"
}
