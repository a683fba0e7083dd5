// Package metrics exports redeploy counters to Prometheus. The watcher serves
// them over HTTP; one-shot tasks (audit, healthcheck) write node-exporter
// textfiles instead.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "redeploy"

// Metrics holds every collector on a private registry. All methods are safe
// on a nil receiver so callers can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	triggers       prometheus.Counter
	updates        *prometheus.CounterVec
	updateDuration *prometheus.HistogramVec
	lastPoll       prometheus.Gauge
	lastSuccess    prometheus.Gauge

	auditDecisions *prometheus.CounterVec
	auditLastRun   prometheus.Gauge

	healthChecks *prometheus.CounterVec
}

// New creates the collectors. withProcess adds Go runtime and process
// collectors, which only make sense for the long-running watcher.
func New(withProcess bool) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.triggers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "triggers_total",
		Help:      "Update triggers consumed by the watcher.",
	})
	m.updates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "updates_total",
		Help:      "Update cycles by outcome reason.",
	}, []string{"reason"})
	m.updateDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "update_duration_seconds",
		Help:      "Duration of update cycles.",
		Buckets:   []float64{1, 5, 10, 15, 30, 60, 120, 300, 600},
	}, []string{"reason"})
	m.lastPoll = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "watcher_last_poll_timestamp_seconds",
		Help:      "Unix time of the watcher's last trigger poll.",
	})
	m.lastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "update_last_success_timestamp_seconds",
		Help:      "Unix time of the last successful update.",
	})
	m.auditDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_decisions_total",
		Help:      "Container audit decisions.",
	}, []string{"container", "decision"})
	m.auditLastRun = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "audit_last_run_timestamp_seconds",
		Help:      "Unix time of the last audit run.",
	})
	m.healthChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "healthcheck_runs_total",
		Help:      "Watcher service health checks by outcome.",
	}, []string{"outcome"})

	m.registry.MustRegister(
		m.triggers, m.updates, m.updateDuration, m.lastPoll, m.lastSuccess,
		m.auditDecisions, m.auditLastRun, m.healthChecks,
	)
	if withProcess {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObservePoll(at time.Time) {
	if m == nil {
		return
	}
	m.lastPoll.Set(float64(at.Unix()))
}

func (m *Metrics) ObserveTrigger() {
	if m == nil {
		return
	}
	m.triggers.Inc()
}

// ObserveUpdate records one finished cycle. finishedAt stamps the success
// gauge when reason is "succeeded".
func (m *Metrics) ObserveUpdate(reason string, elapsed time.Duration, finishedAt time.Time) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(reason).Inc()
	m.updateDuration.WithLabelValues(reason).Observe(elapsed.Seconds())
	if reason == "succeeded" {
		m.lastSuccess.Set(float64(finishedAt.Unix()))
	}
}

func (m *Metrics) ObserveAuditDecision(container, decision string) {
	if m == nil {
		return
	}
	m.auditDecisions.WithLabelValues(container, decision).Inc()
}

func (m *Metrics) ObserveAuditRun(at time.Time) {
	if m == nil {
		return
	}
	m.auditLastRun.Set(float64(at.Unix()))
}

func (m *Metrics) ObserveHealthCheck(outcome string) {
	if m == nil {
		return
	}
	m.healthChecks.WithLabelValues(outcome).Inc()
}

// WriteTextfile writes the registry to <dir>/<name>.prom for the
// node-exporter textfile collector. An empty dir is a no-op.
func (m *Metrics) WriteTextfile(dir, name string) error {
	if m == nil || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create textfile dir: %w", err)
	}
	path := filepath.Join(dir, name+".prom")
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
