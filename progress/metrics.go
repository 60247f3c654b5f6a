package progress

import (
	"github.com/prometheus/client_golang/prometheus"

	"streamforge.dev/migrator/model"
)

// Metrics exports migration progress as Prometheus gauges labeled by
// migrationId. Build one Metrics per process (or per test registry) and
// share it across every Tracker: the collectors register exactly once,
// and each migration only contributes its own label value. Constructing
// a second Metrics against the same Registerer panics, the same way any
// duplicate collector registration does.
type Metrics struct {
	percent   *prometheus.GaugeVec
	processed *prometheus.GaugeVec
	total     *prometheus.GaugeVec
	rate      *prometheus.GaugeVec
}

// NewMetrics builds and registers the gauge vectors under namespace
// (default "migrator"). reg may be nil to skip registration, e.g. when
// the caller wires the collectors into a custom gatherer.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "migrator"
	}
	m := &Metrics{
		percent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "migration_percent", Help: "Percent complete of a migration.",
		}, []string{"migration_id"}),
		processed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "migration_events_processed", Help: "Events processed so far.",
		}, []string{"migration_id"}),
		total: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "migration_events_total", Help: "Total events expected.",
		}, []string{"migration_id"}),
		rate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "migration_events_per_second", Help: "Current throughput.",
		}, []string{"migration_id"}),
	}
	if reg != nil {
		reg.MustRegister(m.percent, m.processed, m.total, m.rate)
	}
	return m
}

func (m *Metrics) set(migrationID string, snap model.MigrationProgress) {
	m.percent.WithLabelValues(migrationID).Set(snap.Percent)
	m.processed.WithLabelValues(migrationID).Set(float64(snap.EventsProcessed))
	m.total.WithLabelValues(migrationID).Set(float64(snap.TotalEvents))
	m.rate.WithLabelValues(migrationID).Set(snap.EventsPerSecond)
}

// Forget drops migrationID's label values from every gauge, bounding
// series growth for long-lived processes that run many migrations.
func (m *Metrics) Forget(migrationID string) {
	labels := prometheus.Labels{"migration_id": migrationID}
	m.percent.Delete(labels)
	m.processed.Delete(labels)
	m.total.Delete(labels)
	m.rate.Delete(labels)
}
