// Package metrics holds the Prometheus collectors exported by a mount.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cloudfs"

// Read path labels.
const (
	PathLocal     = "local"
	PathRemote    = "remote"
	PathReadAhead = "readahead"
)

// Metrics is the set of collectors for one mounted filesystem.
type Metrics struct {
	Registry *prometheus.Registry

	Reads          *prometheus.CounterVec
	BridgeTimeouts prometheus.Counter
	SessionsOpened prometheus.Counter
	SessionsActive prometheus.Gauge
	Materialized   prometheus.Counter
	OpenFailures   prometheus.Counter
	Inodes         prometheus.Gauge
	ReadLatency    prometheus.Histogram
}

// New creates the collectors and registers them in a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_total",
			Help:      "Read requests served, by backend and read path.",
		}, []string{"backend", "path"}),
		BridgeTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_timeouts_total",
			Help:      "Remote reads abandoned after the read timeout.",
		}),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Asset read sessions created.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Asset read sessions currently open.",
		}),
		Materialized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "materializations_total",
			Help:      "Cloud files promoted to a local copy.",
		}),
		OpenFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "open_failures_total",
			Help:      "Cloud opens that failed to create a session.",
		}),
		Inodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inodes",
			Help:      "Nodes held in the inode table.",
		}),
		ReadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_read_seconds",
			Help:      "Latency of remote reads through the bridge.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	m.Registry.MustRegister(
		m.Reads,
		m.BridgeTimeouts,
		m.SessionsOpened,
		m.SessionsActive,
		m.Materialized,
		m.OpenFailures,
		m.Inodes,
		m.ReadLatency,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// WatchRecordCache exports the number of cached remote records. It fails if
// a cache is already being watched.
func (m *Metrics) WatchRecordCache(size func() int) error {
	return m.Registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "record_cache_entries",
		Help:      "Remote records held in the metadata cache.",
	}, func() float64 { return float64(size()) }))
}
