// Package observability holds the server's Prometheus metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PointsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_points_ingested_total",
		Help: "Telemetry points by ingestion channel and outcome",
	}, []string{"channel", "status"})
	ClockSkewedPoints = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_clock_skewed_points_total",
		Help: "Points ordered with an offset-corrected timestamp",
	})
	WakeDirectives = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_wake_directives_total",
		Help: "Backup directives sent to the SMS gateway",
	}, []string{"kind", "result"})
	AlertsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_alerts_total",
		Help: "Alerts raised by type",
	}, []string{"type"})
	PrimaryOffline = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_primary_offline_total",
		Help: "Primary units inferred offline",
	})
	HubDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_hub_dropped_events_total",
		Help: "Events dropped for slow real-time subscribers",
	})
	HubClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tracker_hub_clients",
		Help: "Connected real-time subscribers",
	})
	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_sink_errors_total",
		Help: "Publish failures per event sink",
	}, []string{"sink"})
	IngestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tracker_ingest_latency_seconds",
		Help:    "Time to reconcile one point",
		Buckets: prometheus.DefBuckets,
	})
)

func ObserveIngestLatency(start time.Time) {
	IngestLatency.Observe(time.Since(start).Seconds())
}
