package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus counters. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Snapshots          *prometheus.CounterVec
	DroppedRecords     *prometheus.CounterVec
	CollapsedRecords   *prometheus.CounterVec
	SubscriptionErrors *prometheus.CounterVec
	Migrations         *prometheus.CounterVec
	MigratedRecords    prometheus.Counter
	StoreWrites        *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Snapshots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "snapshots_total",
			Help:      "Snapshot deliveries consumed per collection.",
		}, []string{"collection"}),
		DroppedRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "dropped_records_total",
			Help:      "Records quarantined at decode or merge.",
		}, []string{"collection", "reason"}),
		CollapsedRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "collapsed_records_total",
			Help:      "Physical duplicates collapsed into one logical record.",
		}, []string{"collection"}),
		SubscriptionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "subscription_errors_total",
			Help:      "Terminal subscription errors reported by the store.",
		}, []string{"collection"}),
		Migrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "migrations_total",
			Help:      "Legacy chatroom migration runs by result.",
		}, []string{"result"}),
		MigratedRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "migrated_records_total",
			Help:      "Legacy chatrooms copied into the canonical collection.",
		}),
		StoreWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "store_writes_total",
			Help:      "Writes and updates issued by the engine.",
		}, []string{"op", "result"}),
	}
}

func (m *Metrics) snapshot(collection string) {
	if m == nil {
		return
	}
	m.Snapshots.WithLabelValues(collection).Inc()
}

func (m *Metrics) dropped(collection, reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.DroppedRecords.WithLabelValues(collection, reason).Add(float64(n))
}

func (m *Metrics) collapsed(collection string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.CollapsedRecords.WithLabelValues(collection).Add(float64(n))
}

func (m *Metrics) subscriptionError(collection string) {
	if m == nil {
		return
	}
	m.SubscriptionErrors.WithLabelValues(collection).Inc()
}

func (m *Metrics) migration(result string, migrated int) {
	if m == nil {
		return
	}
	m.Migrations.WithLabelValues(result).Inc()
	m.MigratedRecords.Add(float64(migrated))
}

func (m *Metrics) write(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StoreWrites.WithLabelValues(op, result).Inc()
}
