package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "trafficmon"

// Metrics groups the collectors shared by capture, attribution, store and monitor.
type Metrics struct {
	CapturedBytes  *prometheus.CounterVec // direction: down|up
	CapturedFrames prometheus.Counter

	RecordsSaved prometheus.Counter
	StoreErrors  *prometheus.CounterVec // op

	AttributionRefreshes *prometheus.CounterVec // result: ok|error
	AttributionEntries   prometheus.Gauge

	CleanupDeleted prometheus.Counter
	ActiveSessions prometheus.Gauge
}

// New registers every collector on reg. A nil reg builds unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		CapturedBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captured_bytes_total",
			Help:      "Bytes seen by the capture loop",
		}, []string{"direction"}),

		CapturedFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captured_frames_total",
			Help:      "Frames seen by the capture loop",
		}),

		RecordsSaved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_saved_total",
			Help:      "Traffic records written to the store",
		}),

		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed store operations",
		}, []string{"op"}),

		AttributionRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attribution_refreshes_total",
			Help:      "Attribution cache refresh cycles",
		}, []string{"result"}),

		AttributionEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attribution_entries",
			Help:      "Endpoints in the current attribution snapshot",
		}),

		CleanupDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_deleted_records_total",
			Help:      "Records removed by retention cleanup",
		}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Monitoring sessions currently running",
		}),
	}
}

// Nop returns collectors that are not registered anywhere.
func Nop() *Metrics {
	return New(nil)
}
