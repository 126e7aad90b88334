// Package telemetry records sync metrics.
//
// Nothing is collected unless a caller opts in by constructing a Prometheus
// recorder; the engine defaults to Nop.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder receives engine measurements.
type Recorder interface {
	// ObserveResult records one completed operation.
	ObserveResult(operation, status string, processed, failed int, took time.Duration)
	SetPendingChanges(n int)
	SetLastSyncTime(t time.Time)
}

type nop struct{}

// Nop returns a Recorder that discards everything.
func Nop() Recorder { return nop{} }

func (nop) ObserveResult(string, string, int, int, time.Duration) {}
func (nop) SetPendingChanges(int)                                 {}
func (nop) SetLastSyncTime(time.Time)                             {}

// Prometheus exports measurements as Prometheus metrics.
type Prometheus struct {
	results  *prometheus.CounterVec
	items    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	pending  prometheus.Gauge
	lastSync prometheus.Gauge
}

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offlinesync",
				Name:      "results_total",
				Help:      "Sync operations by operation and result status",
			},
			[]string{"operation", "status"},
		),
		items: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "offlinesync",
				Name:      "items_total",
				Help:      "Items processed by outcome",
			},
			[]string{"outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "offlinesync",
				Name:      "duration_seconds",
				Help:      "Sync operation duration in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"operation"},
		),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "offlinesync",
			Name:      "pending_changes",
			Help:      "Local records waiting to reach the remote store",
		}),
		lastSync: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "offlinesync",
			Name:      "last_sync_timestamp_seconds",
			Help:      "Unix time of the last completed sync",
		}),
	}

	for _, c := range []prometheus.Collector{p.results, p.items, p.duration, p.pending, p.lastSync} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) ObserveResult(operation, status string, processed, failed int, took time.Duration) {
	p.results.WithLabelValues(operation, status).Inc()
	p.items.WithLabelValues("processed").Add(float64(processed))
	p.items.WithLabelValues("failed").Add(float64(failed))
	p.duration.WithLabelValues(operation).Observe(took.Seconds())
}

func (p *Prometheus) SetPendingChanges(n int) {
	p.pending.Set(float64(n))
}

func (p *Prometheus) SetLastSyncTime(t time.Time) {
	if t.IsZero() {
		return
	}
	p.lastSync.Set(float64(t.UnixNano()) / 1e9)
}
