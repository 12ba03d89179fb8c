// Package akarimetrics exposes the proxy daemon's Prometheus metrics.
package akarimetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "akari"
	subsystem = "proxy"
)

// labelNackType labels NACK counters with the packet type
// (NackHead / NackBody).
const labelNackType = "nack_type"

// -------------------------------------------------------------------------
// Collector — Prometheus Proxy Metrics
// -------------------------------------------------------------------------

// Collector holds all proxy-side Prometheus metrics and implements the
// proxy.MetricsReporter seam.
//
// Metrics are designed for operating the proxy in production:
//   - Request/response counters size the traffic.
//   - NACK and retransmission counters expose path loss.
//   - Dropped-packet counters flag auth failures and garbage traffic.
//   - The exchange gauge tracks replay-cache pressure.
type Collector struct {
	// Requests counts decoded Req packets.
	Requests prometheus.Counter

	// Responses counts completed response transmissions.
	Responses prometheus.Counter

	// ResponsePackets counts datagrams of initial response transmissions.
	ResponsePackets prometheus.Counter

	// Nacks counts received NACK packets, labeled by type.
	Nacks *prometheus.CounterVec

	// Retransmissions counts datagrams replayed in answer to NACKs.
	Retransmissions *prometheus.CounterVec

	// PacketsDropped counts undecodable or unroutable datagrams,
	// including authentication failures.
	PacketsDropped prometheus.Counter

	// OracleFailures counts failed origin fetches.
	OracleFailures prometheus.Counter

	// Exchanges tracks the live replayable exchange count.
	Exchanges prometheus.Gauge
}

// NewCollector creates a Collector with all proxy metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "akari_proxy_" prefix (namespace_subsystem).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Requests,
		c.Responses,
		c.ResponsePackets,
		c.Nacks,
		c.Retransmissions,
		c.PacketsDropped,
		c.OracleFailures,
		c.Exchanges,
	)

	return c
}

// newMetrics creates all metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Requests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Total decoded request packets.",
		}),

		Responses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "responses_total",
			Help:      "Total completed response transmissions.",
		}),

		ResponsePackets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "response_packets_total",
			Help:      "Total datagrams sent in initial response transmissions.",
		}),

		Nacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "nacks_total",
			Help:      "Total NACK packets received.",
		}, []string{labelNackType}),

		Retransmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retransmissions_total",
			Help:      "Total datagrams retransmitted in answer to NACKs.",
		}, []string{labelNackType}),

		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total datagrams dropped due to decode or authentication failure.",
		}),

		OracleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "oracle_failures_total",
			Help:      "Total failed origin fetches.",
		}),

		Exchanges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "exchanges_live",
			Help:      "Live replayable exchanges in the cache.",
		}),
	}
}

// -------------------------------------------------------------------------
// proxy.MetricsReporter implementation
// -------------------------------------------------------------------------

// RequestReceived counts one decoded Req packet.
func (c *Collector) RequestReceived() {
	c.Requests.Inc()
}

// ResponseSent counts one completed response and its packet volume.
func (c *Collector) ResponseSent(packets int) {
	c.Responses.Inc()
	c.ResponsePackets.Add(float64(packets))
}

// NackReceived counts one NACK and the datagrams replayed for it.
func (c *Collector) NackReceived(packetType string, retransmitted int) {
	c.Nacks.WithLabelValues(packetType).Inc()
	c.Retransmissions.WithLabelValues(packetType).Add(float64(retransmitted))
}

// PacketDropped counts one discarded datagram.
func (c *Collector) PacketDropped() {
	c.PacketsDropped.Inc()
}

// OracleFailed counts one failed origin fetch.
func (c *Collector) OracleFailed() {
	c.OracleFailures.Inc()
}

// ExchangesLive records the live exchange count after a sweep.
func (c *Collector) ExchangesLive(n int) {
	c.Exchanges.Set(float64(n))
}
