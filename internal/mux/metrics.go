package mux

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus instrumentation for one mux.
type Metrics struct {
	PacketsSent     prometheus.Counter
	PacketsReceived prometheus.Counter
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter

	AcksSent        prometheus.Counter
	AcksReceived    prometheus.Counter
	Retransmissions prometheus.Counter
	Duplicates      prometheus.Counter
	Backpressure    prometheus.Counter
	RecvDropped     prometheus.Counter
	FECRecovered    prometheus.Counter

	ActiveFlows  prometheus.Gauge
	FlowsOpened  prometheus.Counter
	FlowFailures prometheus.Counter
}

// NewMetrics creates the mux metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{
			Namespace: "veil",
			Subsystem: "mux",
			Name:      name,
			Help:      help,
		}
	}

	return &Metrics{
		PacketsSent:     factory.NewCounter(opts("packets_sent_total", "Total packets written to the socket")),
		PacketsReceived: factory.NewCounter(opts("packets_received_total", "Total packets read from the socket")),
		BytesSent:       factory.NewCounter(opts("bytes_sent_total", "Total payload bytes sent")),
		BytesReceived:   factory.NewCounter(opts("bytes_received_total", "Total payload bytes received")),

		AcksSent:        factory.NewCounter(opts("acks_sent_total", "ACK frames emitted")),
		AcksReceived:    factory.NewCounter(opts("acks_received_total", "ACK frames processed")),
		Retransmissions: factory.NewCounter(opts("retransmissions_total", "Data packets resent after RTO expiry")),
		Duplicates:      factory.NewCounter(opts("duplicates_total", "Inbound data packets already recorded in the SACK window")),
		Backpressure:    factory.NewCounter(opts("backpressure_total", "Sends rejected because the retransmit buffer was full")),
		RecvDropped:     factory.NewCounter(opts("recv_dropped_total", "Inbound packets dropped on full queues")),
		FECRecovered:    factory.NewCounter(opts("fec_recovered_total", "Payloads reconstructed from parity")),

		ActiveFlows: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "veil",
			Subsystem: "mux",
			Name:      "active_flows",
			Help:      "Flows currently open",
		}),
		FlowsOpened:  factory.NewCounter(opts("flows_opened_total", "Flows opened, locally or by a peer")),
		FlowFailures: factory.NewCounter(opts("flow_failures_total", "Flows terminated by retransmission failure, protocol error or peer reset")),
	}
}
