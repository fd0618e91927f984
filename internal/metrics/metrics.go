// Package metrics exposes the handful of Prometheus series this emulator
// cares about: packets sent and dropped per protocol/kind, and producer
// cadence lag. It is purely additive instrumentation — no protocol
// behavior depends on it, and every constructor here is safe to call
// without ever registering an HTTP handler.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set bundles the collectors this program registers. It is created once
// per process and handed to both protocol servers.
type Set struct {
	registry *prometheus.Registry

	packetsSent    *prometheus.CounterVec
	packetsDropped *prometheus.CounterVec
	producerLag    *prometheus.GaugeVec
	activeDDC      prometheus.Gauge
}

// NewSet creates and registers the metric collectors against a fresh
// registry.
func NewSet() *Set {
	reg := prometheus.NewRegistry()

	s := &Set{
		registry: reg,
		packetsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hpsdremu_packets_sent_total",
			Help: "Packets successfully sent, by protocol and kind.",
		}, []string{"proto", "kind"}),
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hpsdremu_packets_dropped_total",
			Help: "Packets dropped due to a transient send error, by protocol.",
		}, []string{"proto"}),
		producerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hpsdremu_producer_lag_seconds",
			Help: "Amount by which the last producer cycle overran its target cadence.",
		}, []string{"proto"}),
		activeDDC: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hpsdremu_active_ddc",
			Help: "Number of currently active DDCs.",
		}),
	}

	reg.MustRegister(s.packetsSent, s.packetsDropped, s.producerLag, s.activeDDC)
	return s
}

// Registry exposes the underlying Prometheus registry, e.g. for wiring to
// an HTTP handler.
func (s *Set) Registry() *prometheus.Registry { return s.registry }

// PacketsSent increments the sent counter for proto/kind.
func (s *Set) PacketsSent(proto, kind string) { s.packetsSent.WithLabelValues(proto, kind).Inc() }

// PacketsDropped increments the dropped counter for proto.
func (s *Set) PacketsDropped(proto string) { s.packetsDropped.WithLabelValues(proto).Inc() }

// SetProducerLag records the most recent cadence overrun, in seconds, for
// proto. A zero or negative value means the producer kept pace.
func (s *Set) SetProducerLag(proto string, seconds float64) {
	s.producerLag.WithLabelValues(proto).Set(seconds)
}

// SetActiveDDC records the current active DDC count.
func (s *Set) SetActiveDDC(n int) { s.activeDDC.Set(float64(n)) }
