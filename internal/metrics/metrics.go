// Package metrics exposes process-wide Prometheus counters and gauges for
// the fan-out workers and storage layer, grounded on the promauto exposition
// pattern used across the example pack.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "plantopo_sync",
		Name:      "workers_active",
		Help:      "Number of fan-out workers currently running, one per live map.",
	})

	PeersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "plantopo_sync",
		Name:      "peers_connected",
		Help:      "Number of websocket peers currently authenticated across all workers.",
	})

	DeltasMerged = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plantopo_sync",
		Name:      "deltas_merged_total",
		Help:      "Deltas successfully merged into a replica, by map.",
	}, []string{"map_id"})

	FramesDecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "plantopo_sync",
		Name:      "frames_decode_errors_total",
		Help:      "Inbound websocket frames that failed to decode as an envelope.",
	})

	SaveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "plantopo_sync",
		Name:      "save_duration_seconds",
		Help:      "Latency of persisting a replica snapshot to storage.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	})

	SaveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "plantopo_sync",
		Name:      "save_failures_total",
		Help:      "Snapshot saves that returned an error.",
	})

	OrphanedFeaturesSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "plantopo_sync",
		Name:      "orphaned_features_swept_total",
		Help:      "Orphaned features moved into the dead set by the maintenance sweep.",
	})

	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plantopo_sync",
		Name:      "auth_failures_total",
		Help:      "Auth attempts rejected, by reason.",
	}, []string{"reason"})
)
