// Package telemetry tests verify the no-op default and Prometheus export.
package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNop verifies the default recorder accepts everything.
func TestNop(t *testing.T) {
	r := Nop()
	r.ObserveResult("sync_item", "success", 1, 0, time.Millisecond)
	r.SetPendingChanges(3)
	r.SetLastSyncTime(time.Now())
}

// TestPrometheus verifies counters and gauges.
func TestPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	require.NoError(t, err)

	p.ObserveResult("sync_all", "partial", 3, 2, 50*time.Millisecond)
	p.ObserveResult("sync_all", "success", 1, 0, 10*time.Millisecond)
	p.SetPendingChanges(7)
	p.SetLastSyncTime(time.Unix(1700000000, 0))
	p.SetLastSyncTime(time.Time{})

	assert.Equal(t, 1.0, testutil.ToFloat64(p.results.WithLabelValues("sync_all", "partial")))
	assert.Equal(t, 4.0, testutil.ToFloat64(p.items.WithLabelValues("processed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.items.WithLabelValues("failed")))
	assert.Equal(t, 7.0, testutil.ToFloat64(p.pending))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(p.lastSync))
	assert.Equal(t, 1, testutil.CollectAndCount(p.duration))
}

// TestPrometheus_duplicateRegistration verifies registration errors surface.
func TestPrometheus_duplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheus(reg)
	require.NoError(t, err)
	_, err = NewPrometheus(reg)
	assert.Error(t, err)
}
