// Package wpmetrics exposes Prometheus metrics for the waypiped supervisor
// and the shadow replication engine.
package wpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "waypipe"
	subsystem = "server"
)

// Label names for waypipe metrics.
const (
	labelMode      = "mode"
	labelDirection = "direction"
	labelBlockType = "block_type"
	labelResult    = "result"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Supervisor/Replication Metrics
// -------------------------------------------------------------------------

// Collector holds all waypiped Prometheus metrics.
//
//   - Connection gauges track live per-connection workers.
//   - Transfer counters track block and byte volumes both directions.
//   - Migration and reconnect counters record control-FIFO driven
//     channel moves and replacement fd deliveries.
type Collector struct {
	// Connections tracks currently live per-connection workers, labeled
	// by supervisor mode (oneshot or multi).
	Connections *prometheus.GaugeVec

	// ConnectionsAccepted counts connections accepted over the lifetime
	// of the supervisor.
	ConnectionsAccepted *prometheus.CounterVec

	// TransferBlocks counts transfer blocks moved, labeled by direction
	// (send/receive) and block type.
	TransferBlocks *prometheus.CounterVec

	// TransferBytes counts wire bytes moved, labeled by direction.
	TransferBytes *prometheus.CounterVec

	// Migrations counts channel migration attempts, labeled by result
	// (ok/error).
	Migrations *prometheus.CounterVec

	// Reconnects counts replacement channel fds delivered to workers.
	Reconnects prometheus.Counter
}

// NewCollector creates a Collector with all waypipe metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "waypipe_server_" prefix (namespace_subsystem) to
// avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Connections,
		c.ConnectionsAccepted,
		c.TransferBlocks,
		c.TransferBytes,
		c.Migrations,
		c.Reconnects,
	)

	return c
}

// newMetrics constructs the unregistered metric vectors.
func newMetrics() *Collector {
	return &Collector{
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Number of currently live per-connection workers.",
		}, []string{labelMode}),

		ConnectionsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_accepted_total",
			Help:      "Total application connections accepted.",
		}, []string{labelMode}),

		TransferBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transfer_blocks_total",
			Help:      "Total transfer blocks moved, by direction and type.",
		}, []string{labelDirection, labelBlockType}),

		TransferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transfer_bytes_total",
			Help:      "Total wire bytes moved, by direction.",
		}, []string{labelDirection}),

		Migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "migrations_total",
			Help:      "Channel migration attempts, by result.",
		}, []string{labelResult}),

		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconnects_total",
			Help:      "Replacement channel fds delivered to workers.",
		}),
	}
}

// -------------------------------------------------------------------------
// Recording Helpers
// -------------------------------------------------------------------------

// ConnectionStarted records a new per-connection worker.
func (c *Collector) ConnectionStarted(mode string) {
	c.Connections.WithLabelValues(mode).Inc()
	c.ConnectionsAccepted.WithLabelValues(mode).Inc()
}

// ConnectionEnded records a worker exit.
func (c *Collector) ConnectionEnded(mode string) {
	c.Connections.WithLabelValues(mode).Dec()
}

// BlockSent records one transmitted block of the given type and wire size.
func (c *Collector) BlockSent(blockType string, bytes int) {
	c.TransferBlocks.WithLabelValues("send", blockType).Inc()
	c.TransferBytes.WithLabelValues("send").Add(float64(bytes))
}

// BlockReceived records one received block of the given type and wire size.
func (c *Collector) BlockReceived(blockType string, bytes int) {
	c.TransferBlocks.WithLabelValues("receive", blockType).Inc()
	c.TransferBytes.WithLabelValues("receive").Add(float64(bytes))
}

// MigrationResult records a migration attempt outcome.
func (c *Collector) MigrationResult(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.Migrations.WithLabelValues(result).Inc()
}

// ReconnectDelivered records one replacement fd handed to a worker.
func (c *Collector) ReconnectDelivered() {
	c.Reconnects.Inc()
}
