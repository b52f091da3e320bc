// Package monitoring exposes Prometheus metrics for the router and the
// migration engine.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects and exposes metrics for Prometheus
type Metrics struct {
	registry *prometheus.Registry

	queriesTotal       *prometheus.CounterVec
	writesTotal        *prometheus.CounterVec
	pauseWaitsTotal    prometheus.Counter
	migrationPhase     *prometheus.GaugeVec
	docsCopiedTotal    prometheus.Counter
	docsDeletedTotal   prometheus.Counter
	oplogReplayedTotal prometheus.Counter
}

// New creates a metrics collector with its own registry
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		queriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardmonster_queries_total",
			Help: "Queries routed, by collection and targeting",
		}, []string{"collection", "targeted"}),
		writesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardmonster_writes_total",
			Help: "Write operations routed, by collection and operation",
		}, []string{"collection", "op"}),
		pauseWaitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardmonster_pause_waits_total",
			Help: "Writes that observed a migration pause",
		}),
		migrationPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardmonster_migration_phase",
			Help: "1 for the phase the active migration is in, by collection",
		}, []string{"collection", "phase"}),
		docsCopiedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardmonster_migration_docs_copied_total",
			Help: "Documents copied to the migration target",
		}),
		docsDeletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardmonster_migration_docs_deleted_total",
			Help: "Documents deleted from the migration source",
		}),
		oplogReplayedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardmonster_migration_oplog_entries_total",
			Help: "Oplog entries replayed during sync",
		}),
	}

	registry.MustRegister(
		m.queriesTotal,
		m.writesTotal,
		m.pauseWaitsTotal,
		m.migrationPhase,
		m.docsCopiedTotal,
		m.docsDeletedTotal,
		m.oplogReplayedTotal,
	)

	return m
}

// Handler returns an HTTP handler serving the metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveQuery records a routed query. Safe on a nil receiver so callers
// without metrics wired can skip the plumbing.
func (m *Metrics) ObserveQuery(collection string, targeted bool) {
	if m == nil {
		return
	}
	label := "false"
	if targeted {
		label = "true"
	}
	m.queriesTotal.WithLabelValues(collection, label).Inc()
}

// ObserveWrite records a routed write operation
func (m *Metrics) ObserveWrite(collection, op string) {
	if m == nil {
		return
	}
	m.writesTotal.WithLabelValues(collection, op).Inc()
}

// ObservePauseWait records a write that had to wait for a pause to clear
func (m *Metrics) ObservePauseWait() {
	if m == nil {
		return
	}
	m.pauseWaitsTotal.Inc()
}

// SetMigrationPhase marks the active migration's phase
func (m *Metrics) SetMigrationPhase(collection, phase string) {
	if m == nil {
		return
	}
	m.migrationPhase.Reset()
	m.migrationPhase.WithLabelValues(collection, phase).Set(1)
}

// AddDocsCopied records documents copied to the target
func (m *Metrics) AddDocsCopied(n int) {
	if m == nil {
		return
	}
	m.docsCopiedTotal.Add(float64(n))
}

// AddDocsDeleted records documents deleted from the source
func (m *Metrics) AddDocsDeleted(n int) {
	if m == nil {
		return
	}
	m.docsDeletedTotal.Add(float64(n))
}

// AddOplogReplayed records replayed oplog entries
func (m *Metrics) AddOplogReplayed(n int) {
	if m == nil {
		return
	}
	m.oplogReplayedTotal.Add(float64(n))
}
