package monitoring

import (
	"testing"
)

func gatherCount(t *testing.T, m *Metrics, name string) float64 {
	t.Helper()
	families, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if metric.Counter != nil {
				total += metric.Counter.GetValue()
			}
			if metric.Gauge != nil {
				total += metric.Gauge.GetValue()
			}
		}
	}
	return total
}

func TestMetrics_Counters(t *testing.T) {
	m := New()

	m.ObserveQuery("dummy", true)
	m.ObserveQuery("dummy", false)
	m.ObserveQuery("other", false)
	if got := gatherCount(t, m, "shardmonster_queries_total"); got != 3 {
		t.Errorf("Expected 3 queries, got %v", got)
	}

	m.ObserveWrite("dummy", "insert")
	m.ObserveWrite("dummy", "update")
	if got := gatherCount(t, m, "shardmonster_writes_total"); got != 2 {
		t.Errorf("Expected 2 writes, got %v", got)
	}

	m.AddDocsCopied(100)
	m.AddDocsCopied(50)
	if got := gatherCount(t, m, "shardmonster_migration_docs_copied_total"); got != 150 {
		t.Errorf("Expected 150 docs copied, got %v", got)
	}
}

func TestMetrics_MigrationPhase(t *testing.T) {
	m := New()

	m.SetMigrationPhase("dummy", "copy")
	m.SetMigrationPhase("dummy", "sync")

	// Reset-then-set keeps exactly one phase hot
	if got := gatherCount(t, m, "shardmonster_migration_phase"); got != 1 {
		t.Errorf("Expected a single active phase gauge, got %v", got)
	}
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveQuery("dummy", true)
	m.ObserveWrite("dummy", "insert")
	m.ObservePauseWait()
	m.SetMigrationPhase("dummy", "copy")
	m.AddDocsCopied(1)
	m.AddDocsDeleted(1)
	m.AddOplogReplayed(1)
}
