// Package metrics exposes the tunnel's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter and gauge the tunnel engine updates. Fields
// are safe for concurrent use since the underlying prometheus types are.
type Metrics struct {
	SessionsActive  prometheus.Gauge
	SessionsOpened  prometheus.Counter
	SessionsStale   prometheus.Counter
	PacketsSent     *prometheus.CounterVec
	PacketsReceived *prometheus.CounterVec
	PacketsDropped  *prometheus.CounterVec
	Retransmits     prometheus.Counter
	DuplicateAcks   prometheus.Counter
	BytesRelayed    *prometheus.CounterVec
	PanicsRecovered *prometheus.CounterVec
}

// NewMetrics registers the tunnel's metrics against prometheus.DefaultRegisterer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry registers the tunnel's metrics against reg, so
// tests can use a private registry instead of the global default.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "icmptun",
			Name:      "sessions_active",
			Help:      "Number of tunnel sessions currently registered.",
		}),
		SessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: "icmptun",
			Name:      "sessions_opened_total",
			Help:      "Total number of tunnel sessions successfully established.",
		}),
		SessionsStale: f.NewCounter(prometheus.CounterOpts{
			Namespace: "icmptun",
			Name:      "sessions_stale_total",
			Help:      "Total number of sessions removed by the stale-session reaper (TCP connection died or retransmits exhausted).",
		}),
		PacketsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "icmptun",
			Name:      "packets_sent_total",
			Help:      "Total number of tunnel packets sent, by action.",
		}, []string{"action"}),
		PacketsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "icmptun",
			Name:      "packets_received_total",
			Help:      "Total number of tunnel packets received, by action.",
		}, []string{"action"}),
		PacketsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "icmptun",
			Name:      "packets_dropped_total",
			Help:      "Total number of inbound ICMP datagrams dropped, by reason.",
		}, []string{"reason"}),
		Retransmits: f.NewCounter(prometheus.CounterOpts{
			Namespace: "icmptun",
			Name:      "retransmits_total",
			Help:      "Total number of tunnel packets retransmitted after a lost ACK.",
		}),
		DuplicateAcks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "icmptun",
			Name:      "duplicate_acks_total",
			Help:      "Total number of ACKs received for a (session, seq) that no send is currently awaiting.",
		}),
		BytesRelayed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "icmptun",
			Name:      "bytes_relayed_total",
			Help:      "Total bytes relayed between the local TCP connection and the tunnel, by direction.",
		}, []string{"direction"}),
		PanicsRecovered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "icmptun",
			Name:      "panics_recovered_total",
			Help:      "Total number of panics recovered while handling a single item, by pump.",
		}, []string{"pump"}),
	}
}
