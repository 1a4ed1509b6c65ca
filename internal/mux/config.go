package mux

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/veilnet/veil/internal/mux/fec"
	"github.com/veilnet/veil/internal/mux/reliability"
	"github.com/veilnet/veil/internal/mux/transport"
)

const (
	// DefaultMaxRetries is the number of unacknowledged resends after
	// which a flow fails.
	DefaultMaxRetries = 10

	// DefaultAckCoalesceDelay is the longest a receiver defers an ACK
	// frame.
	DefaultAckCoalesceDelay = 20 * time.Millisecond

	// DefaultAckCoalesceThreshold is the number of out-of-order packets
	// that triggers an immediate ACK frame.
	DefaultAckCoalesceThreshold = 8

	// DefaultRetransmitTick is the granularity of retransmit expiry.
	DefaultRetransmitTick = 10 * time.Millisecond

	// DefaultRecvQueueSize is the per-flow receive queue depth in
	// packets.
	DefaultRecvQueueSize = 1024
)

// Config contains configuration for a mux and its flows.
type Config struct {
	// RetransmitCapacity is the maximum number of in-flight packets per
	// flow. Send reports backpressure above it.
	RetransmitCapacity int

	// InitialRTO is the retransmit timeout used before any RTT sample.
	InitialRTO time.Duration

	// MaxRetries is the number of unacknowledged resends after which
	// the flow fails.
	MaxRetries uint32

	// AckCoalesceDelay is the longest an ACK frame is deferred.
	AckCoalesceDelay time.Duration

	// AckCoalesceThreshold is the number of out-of-order packets that
	// forces an immediate ACK frame.
	AckCoalesceThreshold int

	// AckReorderGrace widens the implicit-eviction window of the
	// retransmit buffer by this many sequences. Leave zero when the
	// substrate delivers ACK frames in order; raise it when it can
	// reorder them.
	AckReorderGrace uint64

	// RetransmitTick is how often retransmit deadlines are checked.
	RetransmitTick time.Duration

	// RecvQueueSize is the per-flow receive queue depth in packets.
	RecvQueueSize int

	// FECEnabled turns on Reed-Solomon parity for data packets.
	FECEnabled      bool
	FECDataShards   int
	FECParityShards int

	// PacingRate limits socket egress in packets per second across all
	// flows of the mux. Zero disables pacing.
	PacingRate  float64
	PacingBurst int

	// Transport configures the underlying UDP socket.
	Transport *transport.Config

	// Registry receives the mux metrics. A private registry is created
	// when nil.
	Registry *prometheus.Registry
}

// DefaultConfig returns default mux configuration.
func DefaultConfig() *Config {
	return &Config{
		RetransmitCapacity:   reliability.DefaultCapacity,
		InitialRTO:           reliability.DefaultRTO,
		MaxRetries:           DefaultMaxRetries,
		AckCoalesceDelay:     DefaultAckCoalesceDelay,
		AckCoalesceThreshold: DefaultAckCoalesceThreshold,
		RetransmitTick:       DefaultRetransmitTick,
		RecvQueueSize:        DefaultRecvQueueSize,
		FECDataShards:        fec.DefaultDataShards,
		FECParityShards:      fec.DefaultParityShards,
		Transport:            transport.DefaultConfig(),
	}
}

// sanitized returns a copy of c with zero values replaced by defaults.
func (c *Config) sanitized() *Config {
	if c == nil {
		return DefaultConfig()
	}

	out := *c
	def := DefaultConfig()
	if out.RetransmitCapacity <= 0 {
		out.RetransmitCapacity = def.RetransmitCapacity
	}
	if out.InitialRTO <= 0 {
		out.InitialRTO = def.InitialRTO
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = def.MaxRetries
	}
	if out.AckCoalesceDelay <= 0 {
		out.AckCoalesceDelay = def.AckCoalesceDelay
	}
	if out.AckCoalesceThreshold <= 0 {
		out.AckCoalesceThreshold = def.AckCoalesceThreshold
	}
	if out.RetransmitTick <= 0 {
		out.RetransmitTick = def.RetransmitTick
	}
	if out.RecvQueueSize <= 0 {
		out.RecvQueueSize = def.RecvQueueSize
	}
	if out.FECDataShards <= 0 {
		out.FECDataShards = def.FECDataShards
	}
	if out.FECParityShards <= 0 {
		out.FECParityShards = def.FECParityShards
	}
	if out.PacingBurst <= 0 {
		out.PacingBurst = 64
	}
	if out.Transport == nil {
		out.Transport = transport.DefaultConfig()
	}
	return &out
}
