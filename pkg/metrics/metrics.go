// Package metrics holds the process-wide Prometheus metrics.
//
// All metrics use the tillcore_ prefix. Every recorder method is nil-safe so
// components can take a *Metrics and simply not record when none was wired.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks core operational metrics.
type Metrics struct {
	// StoreOps counts tiered-store operations by op, tier and status.
	StoreOps *prometheus.CounterVec

	// EventsCommitted counts events accepted into the log, by type.
	EventsCommitted *prometheus.CounterVec

	// ConnectedClients tracks currently connected replication clients.
	ConnectedClients prometheus.Gauge

	// BroadcastsTotal counts event frames fanned out to clients.
	BroadcastsTotal prometheus.Counter

	// RPCRequests counts replication RPC calls by method and status.
	RPCRequests *prometheus.CounterVec

	// ReservationConflicts counts stock reservations refused for shortage.
	ReservationConflicts prometheus.Counter

	// SnapshotWriteDuration tracks snapshot write latency by outcome.
	SnapshotWriteDuration *prometheus.HistogramVec

	// MigrationsTotal counts migration applications by status.
	MigrationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all core metrics.
// Panics if registration fails (expected during initialization only).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StoreOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tillcore_store_ops_total",
				Help: "Tiered store operations by op, tier and status",
			},
			[]string{"op", "tier", "status"},
		),
		EventsCommitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tillcore_events_committed_total",
				Help: "Events accepted into the log by type",
			},
			[]string{"type"},
		),
		ConnectedClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tillcore_replication_connected_clients",
				Help: "Currently connected replication clients",
			},
		),
		BroadcastsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tillcore_replication_broadcasts_total",
				Help: "Event frames fanned out to connected clients",
			},
		),
		RPCRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tillcore_rpc_requests_total",
				Help: "Replication RPC calls by method and status",
			},
			[]string{"method", "status"},
		),
		ReservationConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tillcore_reservation_conflicts_total",
				Help: "Stock reservations refused for insufficient stock",
			},
		),
		SnapshotWriteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tillcore_snapshot_write_duration_seconds",
				Help:    "Operational snapshot write duration by outcome",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		MigrationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tillcore_migrations_total",
				Help: "Schema migration applications by status",
			},
			[]string{"status"},
		),
	}

	reg.MustRegister(
		m.StoreOps,
		m.EventsCommitted,
		m.ConnectedClients,
		m.BroadcastsTotal,
		m.RPCRequests,
		m.ReservationConflicts,
		m.SnapshotWriteDuration,
		m.MigrationsTotal,
	)

	return m
}

// RecordStoreOp records one store operation outcome.
func (m *Metrics) RecordStoreOp(op, tier string, err error) {
	if m == nil {
		return
	}
	m.StoreOps.WithLabelValues(op, tier, statusLabel(err)).Inc()
}

// RecordEvent records one committed event.
func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsCommitted.WithLabelValues(eventType).Inc()
}

// ClientConnected adjusts the connected-clients gauge by delta (±1).
func (m *Metrics) ClientConnected(delta int) {
	if m == nil {
		return
	}
	m.ConnectedClients.Add(float64(delta))
}

// RecordBroadcast records frames sent during one fan-out.
func (m *Metrics) RecordBroadcast(frames int) {
	if m == nil {
		return
	}
	m.BroadcastsTotal.Add(float64(frames))
}

// RecordRPC records one RPC call outcome.
func (m *Metrics) RecordRPC(method string, err error) {
	if m == nil {
		return
	}
	m.RPCRequests.WithLabelValues(method, statusLabel(err)).Inc()
}

// RecordReservationConflict records one refused reservation.
func (m *Metrics) RecordReservationConflict() {
	if m == nil {
		return
	}
	m.ReservationConflicts.Inc()
}

// ObserveSnapshotWrite records one snapshot write. Satisfies the
// crash-recovery watcher's metrics contract.
func (m *Metrics) ObserveSnapshotWrite(duration time.Duration, success bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !success {
		status = "error"
	}
	m.SnapshotWriteDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordMigration records one migration application outcome.
func (m *Metrics) RecordMigration(err error) {
	if m == nil {
		return
	}
	m.MigrationsTotal.WithLabelValues(statusLabel(err)).Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
