package mux

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/veilnet/veil/internal/mux/protocol"
	"github.com/veilnet/veil/internal/mux/transport"
)

const (
	// writeQueueSize is the depth of the shared socket write queue.
	writeQueueSize = 1024

	// acceptQueueSize is how many inbound flows may await Accept.
	acceptQueueSize = 64

	// readPollInterval bounds how long the read loop blocks before it
	// rechecks for shutdown.
	readPollInterval = 100 * time.Millisecond
)

// Mux multiplexes reliable flows over one UDP socket. Inbound datagrams
// are demultiplexed to flows by flow ID; all writes are serialized
// through a single writer goroutine, optionally paced.
type Mux struct {
	cfg    *Config
	logger *zap.Logger
	conn   *transport.Conn

	registry *prometheus.Registry
	metrics  *Metrics

	mu        sync.RWMutex
	flows     map[uuid.UUID]*Flow
	accepting bool

	acceptCh chan *Flow
	writeCh  chan *transport.Packet
	limiter  *rate.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial creates a client mux connected to a remote address. Flows are
// opened locally with OpenFlow.
func Dial(network, address string, cfg *Config, logger *zap.Logger) (*Mux, error) {
	cfg = cfg.sanitized()

	conn, err := transport.Dial(network, address, cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	return newMux(conn, cfg, logger, false), nil
}

// Listen creates a server mux bound to a local address. Peers open
// flows implicitly by sending; collect them with Accept.
func Listen(network, address string, cfg *Config, logger *zap.Logger) (*Mux, error) {
	cfg = cfg.sanitized()

	conn, err := transport.Listen(network, address, cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	return newMux(conn, cfg, logger, true), nil
}

func newMux(conn *transport.Conn, cfg *Config, logger *zap.Logger, accepting bool) *Mux {
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Mux{
		cfg:       cfg,
		logger:    logger,
		conn:      conn,
		registry:  registry,
		metrics:   NewMetrics(registry),
		flows:     make(map[uuid.UUID]*Flow),
		accepting: accepting,
		acceptCh:  make(chan *Flow, acceptQueueSize),
		writeCh:   make(chan *transport.Packet, writeQueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	if cfg.PacingRate > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.PacingRate), cfg.PacingBurst)
	}

	m.wg.Add(2)
	go m.readLoop()
	go m.writeLoop()

	return m
}

func (m *Mux) readLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		ctx, cancel := context.WithTimeout(m.ctx, readPollInterval)
		pkt, err := m.conn.ReceivePacket(ctx)
		cancel()

		if err != nil {
			if m.ctx.Err() != nil || m.conn.IsClosed() {
				return
			}
			continue
		}

		m.metrics.PacketsReceived.Inc()
		m.metrics.BytesReceived.Add(float64(len(pkt.Payload)))
		m.dispatch(pkt)
	}
}

func (m *Mux) dispatch(pkt *transport.Packet) {
	id := pkt.Header.FlowID

	m.mu.RLock()
	f := m.flows[id]
	m.mu.RUnlock()

	if f == nil {
		// Flows open implicitly on the first data packet from an
		// unknown ID. Stray control traffic for dead flows is dropped.
		if !m.accepting || pkt.Header.Flags != 0 {
			m.logger.Debug("dropping packet for unknown flow",
				zap.String("flow", id.String()),
				zap.String("flags", flagsString(pkt.Header.Flags)))
			return
		}

		var err error
		f, err = m.addFlow(id, pkt.Addr)
		if err != nil {
			m.logger.Warn("failed to open inbound flow",
				zap.String("flow", id.String()),
				zap.Error(err))
			return
		}

		select {
		case m.acceptCh <- f:
		default:
			// Nobody is accepting; shed the flow rather than queue
			// without bound.
			m.logger.Warn("accept queue full, rejecting flow", zap.String("flow", id.String()))
			f.Close()
			return
		}
	}

	f.deliver(pkt)
}

func (m *Mux) addFlow(id uuid.UUID, remote *net.UDPAddr) (*Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f, ok := m.flows[id]; ok {
		return f, nil
	}

	f, err := newFlow(id, remote, m.cfg, m.logger, m, m.metrics, m.removeFlow)
	if err != nil {
		return nil, err
	}

	m.flows[id] = f
	m.metrics.FlowsOpened.Inc()
	m.metrics.ActiveFlows.Inc()
	f.start()
	return f, nil
}

func (m *Mux) removeFlow(f *Flow) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.flows[f.id] == f {
		delete(m.flows, f.id)
		m.metrics.ActiveFlows.Dec()
	}
}

func (m *Mux) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return

		case pkt := <-m.writeCh:
			if m.limiter != nil {
				if err := m.limiter.Wait(m.ctx); err != nil {
					return
				}
			}

			if err := m.conn.SendPacket(pkt, pkt.Addr); err != nil {
				m.logger.Debug("socket send failed", zap.Error(err))
				continue
			}

			m.metrics.PacketsSent.Inc()
			m.metrics.BytesSent.Add(float64(len(pkt.Payload)))
		}
	}
}

// writePacket enqueues one packet for the shared socket writer.
func (m *Mux) writePacket(pkt *transport.Packet) error {
	select {
	case m.writeCh <- pkt:
		return nil
	case <-m.ctx.Done():
		return ErrMuxClosed
	}
}

// OpenFlow opens a new outbound flow. Only valid on a dialed mux; a
// listening mux receives flows through Accept.
func (m *Mux) OpenFlow() (*Flow, error) {
	if m.ctx.Err() != nil {
		return nil, ErrMuxClosed
	}
	if m.conn.RemoteAddr() == nil {
		return nil, fmt.Errorf("cannot open a flow on a listening mux")
	}

	return m.addFlow(uuid.New(), nil)
}

// Accept returns the next flow opened by a peer.
func (m *Mux) Accept(ctx context.Context) (*Flow, error) {
	select {
	case f := <-m.acceptCh:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.ctx.Done():
		return nil, ErrMuxClosed
	}
}

// FlowStats returns a snapshot of every open flow.
func (m *Mux) FlowStats() []FlowStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]FlowStats, 0, len(m.flows))
	for _, f := range m.flows {
		stats = append(stats, f.Stats())
	}
	return stats
}

// Registry returns the prometheus registry holding the mux metrics.
func (m *Mux) Registry() *prometheus.Registry {
	return m.registry
}

// LocalAddr returns the local socket address.
func (m *Mux) LocalAddr() *net.UDPAddr {
	return m.conn.LocalAddr()
}

// Close closes every flow, then the socket. Safe to call twice.
func (m *Mux) Close() error {
	var err error
	m.closeOnce.Do(func() {
		m.mu.RLock()
		open := make([]*Flow, 0, len(m.flows))
		for _, f := range m.flows {
			open = append(open, f)
		}
		m.mu.RUnlock()

		// Flows first, so their FIN packets still reach the writer.
		for _, f := range open {
			f.Close()
		}

		m.cancel()
		err = m.conn.Close()
		m.wg.Wait()
	})
	return err
}

// flagsString is a debugging helper for dispatch traces.
func flagsString(flags protocol.Flags) string {
	if flags == 0 {
		return "DATA"
	}
	out := ""
	for _, f := range []struct {
		flag protocol.Flags
		name string
	}{
		{protocol.FlagSYN, "SYN"},
		{protocol.FlagACK, "ACK"},
		{protocol.FlagFIN, "FIN"},
		{protocol.FlagRST, "RST"},
		{protocol.FlagFEC, "FEC"},
	} {
		if flags&f.flag != 0 {
			if out != "" {
				out += "|"
			}
			out += f.name
		}
	}
	return out
}
