// Package metrics holds the prometheus collectors of the core services. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "abilian"

// Metrics groups the collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	permissionChecks *prometheus.CounterVec
	checkDuration    *prometheus.HistogramVec
	auditEntries     *prometheus.CounterVec
	auditFailures    prometheus.Counter
	blobOps          *prometheus.CounterVec
	indexUpdates     *prometheus.CounterVec
	tasks            *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		permissionChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_checks_total",
			Help:      "Role and permission checks by kind and outcome",
		}, []string{"check", "result"}),
		checkDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "security_check_duration_seconds",
			Help:      "Duration of role and permission checks",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}, []string{"check"}),
		auditEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_entries_total",
			Help:      "Audit entries written by type",
		}, []string{"type"}),
		auditFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_failures_total",
			Help:      "Audit entries that could not be written",
		}),
		blobOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blob_operations_total",
			Help:      "Blob repository operations applied on commit",
		}, []string{"op", "status"}),
		indexUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_updates_total",
			Help:      "Index documents written by operation",
		}, []string{"index", "op"}),
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks by name and outcome",
		}, []string{"task", "status"}),
	}
}

// Registry exposes the collectors to an embedding web layer.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SecurityCheck(check string, allowed bool, took time.Duration) {
	if m == nil {
		return
	}
	m.permissionChecks.WithLabelValues(check, result(allowed)).Inc()
	m.checkDuration.WithLabelValues(check).Observe(took.Seconds())
}

func (m *Metrics) AuditEntry(kind string) {
	if m == nil {
		return
	}
	m.auditEntries.WithLabelValues(kind).Inc()
}

func (m *Metrics) AuditFailure() {
	if m == nil {
		return
	}
	m.auditFailures.Inc()
}

// BlobOp counts a promote or delete applied to the durable store.
func (m *Metrics) BlobOp(op string, err error) {
	if m == nil {
		return
	}
	m.blobOps.WithLabelValues(op, status(err)).Inc()
}

func (m *Metrics) IndexUpdate(index, op string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.indexUpdates.WithLabelValues(index, op).Add(float64(n))
}

func (m *Metrics) Task(name string, status string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(name, status).Inc()
}

func result(ok bool) string {
	if ok {
		return "allowed"
	}
	return "denied"
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
