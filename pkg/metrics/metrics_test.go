package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordStoreOp("save", "hot", nil)
	m.RecordEvent("table.opened")
	m.ClientConnected(1)
	m.RecordBroadcast(3)
	m.RecordRPC("table.getAll", nil)
	m.RecordReservationConflict()
	m.ObserveSnapshotWrite(time.Millisecond, true)
	m.RecordMigration(errors.New("boom"))
}

func TestRecordersUpdateCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordStoreOp("save", "cold", nil)
	m.RecordStoreOp("save", "cold", errors.New("io"))
	m.ClientConnected(1)
	m.ClientConnected(1)
	m.ClientConnected(-1)
	m.RecordBroadcast(4)
	m.RecordRPC("order.confirm", errors.New("conflict"))
	m.RecordMigration(nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOps.WithLabelValues("save", "cold", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StoreOps.WithLabelValues("save", "cold", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectedClients))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.BroadcastsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RPCRequests.WithLabelValues("order.confirm", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MigrationsTotal.WithLabelValues("ok")))
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m)
	assert.Panics(t, func() { NewMetrics(reg) })
}
