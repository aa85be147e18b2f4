// Package metrics holds the prometheus collectors of the sync core and the
// relay server.
//
// Collectors are registered on the Registerer handed to the constructor so
// several session workers can live in one process; a nil Registerer yields
// unregistered collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Client tracks one session worker.
type Client struct {
	// Connected is 1 while the duplex channel is up.
	Connected prometheus.Gauge
	// ReconnectAttempts counts failed dial attempts.
	ReconnectAttempts prometheus.Counter
	// Events counts frames by direction (sent|received).
	Events *prometheus.CounterVec
	// Delivery counts outbound message transitions by status
	// (pending|sent|delivered|failed|dead).
	Delivery *prometheus.CounterVec
	// Dropped counts inbound events discarded by the deduplicator by reason
	// (event_id|connection|message_id|stale_snapshot).
	Dropped *prometheus.CounterVec
	// Inconsistencies counts incremental events whose predecessor version
	// did not match the local snapshot.
	Inconsistencies prometheus.Counter
	// SnapshotVersion is the local snapshot version.
	SnapshotVersion prometheus.Gauge
}

func NewClient(reg prometheus.Registerer) *Client {
	f := promauto.With(reg)
	return &Client{
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "roomsync_client_connected",
			Help: "Whether the duplex channel is connected",
		}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_client_reconnect_attempts_total",
			Help: "Failed duplex dial attempts",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roomsync_client_events_total",
			Help: "Duplex frames by direction",
		}, []string{"direction"}),
		Delivery: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roomsync_client_delivery_transitions_total",
			Help: "Outbound message transitions by status",
		}, []string{"status"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roomsync_client_inbound_dropped_total",
			Help: "Inbound events dropped by the deduplicator",
		}, []string{"reason"}),
		Inconsistencies: f.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_client_version_inconsistencies_total",
			Help: "Incremental events applied against an unexpected predecessor version",
		}),
		SnapshotVersion: f.NewGauge(prometheus.GaugeOpts{
			Name: "roomsync_client_snapshot_version",
			Help: "Local session snapshot version",
		}),
	}
}

// Server tracks the relay server.
type Server struct {
	Connections prometheus.Gauge
	Sessions    prometheus.Gauge
	// Commands counts handled commands by type and result (ok|error|duplicate).
	Commands *prometheus.CounterVec
	// BackpressureDrops counts connections dropped for falling behind.
	BackpressureDrops prometheus.Counter
}

func NewServer(reg prometheus.Registerer) *Server {
	f := promauto.With(reg)
	return &Server{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "roomsync_server_connections",
			Help: "Open duplex connections",
		}),
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "roomsync_server_sessions",
			Help: "Live sessions",
		}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roomsync_server_commands_total",
			Help: "Handled commands by type and result",
		}, []string{"type", "result"}),
		BackpressureDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_server_backpressure_drops_total",
			Help: "Connections dropped for falling behind",
		}),
	}
}
