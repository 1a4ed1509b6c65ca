// Package mux implements the veil reliable-transport multiplexer: flows
// carrying reliable datagrams over a shared best-effort UDP socket.
package mux

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veilnet/veil/internal/mux/fec"
	"github.com/veilnet/veil/internal/mux/protocol"
	"github.com/veilnet/veil/internal/mux/reliability"
	"github.com/veilnet/veil/internal/mux/transport"
)

// packetWriter hands outbound packets to the shared socket writer.
type packetWriter interface {
	writePacket(pkt *transport.Packet) error
}

type sendRequest struct {
	payload []byte
	reply   chan sendResult
}

type sendResult struct {
	seq uint64
	err error
}

// inboundFrame is one parsed datagram handed to the flow event loop.
type inboundFrame struct {
	flags   protocol.Flags
	seq     uint64
	payload []byte

	// Pre-parsed ACK, used by OnIncomingAck.
	head      uint64
	bitmap    uint32
	parsedAck bool
}

type flowStats struct {
	packetsSent     atomic.Uint64
	packetsReceived atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	retransmissions atomic.Uint64
	duplicates      atomic.Uint64
	fecRecovered    atomic.Uint64
	inFlight        atomic.Int64
	srttNanos       atomic.Int64
	rtoNanos        atomic.Int64
}

// FlowStats is a point-in-time snapshot of one flow.
type FlowStats struct {
	ID              string        `json:"id"`
	PacketsSent     uint64        `json:"packets_sent"`
	PacketsReceived uint64        `json:"packets_received"`
	BytesSent       uint64        `json:"bytes_sent"`
	BytesReceived   uint64        `json:"bytes_received"`
	Retransmissions uint64        `json:"retransmissions"`
	Duplicates      uint64        `json:"duplicates"`
	FECRecovered    uint64        `json:"fec_recovered"`
	InFlight        int64         `json:"in_flight"`
	SRTT            time.Duration `json:"srtt_ns"`
	RTO             time.Duration `json:"rto_ns"`
}

// Flow is one reliable stream of datagrams between two peers.
//
// All reliability state (the ack bitmap, the retransmit buffer, the RTO
// estimator, the timers) is owned by a single event-loop goroutine;
// distinct flows share nothing but the socket. The exported methods are
// safe to call from any goroutine: they hand work to the loop over
// channels.
type Flow struct {
	id     uuid.UUID
	remote *net.UDPAddr // nil on a connected (dialed) socket
	cfg    *Config
	logger *zap.Logger
	out    packetWriter

	metrics *Metrics
	detach  func(*Flow)

	// Loop-owned state.
	acks       *reliability.AckBitmap
	pending    *reliability.RetransmitBuffer
	rto        *reliability.RTOEstimator
	nextSeq    uint64
	maxPayload int
	outOfOrder int
	ackDirty   bool
	ackTimer   *time.Timer

	fecEnc *fec.Encoder
	fecDec *fec.Decoder

	sendCh  chan sendRequest
	frameCh chan inboundFrame
	recvCh  chan []byte

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}

	errMu sync.Mutex
	err   error

	stats flowStats
}

func newFlow(id uuid.UUID, remote *net.UDPAddr, cfg *Config, logger *zap.Logger, out packetWriter, metrics *Metrics, detach func(*Flow)) (*Flow, error) {
	f := &Flow{
		id:         id,
		remote:     remote,
		cfg:        cfg,
		logger:     logger,
		out:        out,
		metrics:    metrics,
		detach:     detach,
		acks:       &reliability.AckBitmap{},
		pending:    reliability.NewRetransmitBuffer(cfg.RetransmitCapacity, cfg.AckReorderGrace),
		rto:        reliability.NewRTOEstimator(cfg.InitialRTO),
		nextSeq:    1, // Start from 1, 0 is reserved for control packets
		maxPayload: protocol.MaxPayloadSize,
		sendCh:     make(chan sendRequest),
		frameCh:    make(chan inboundFrame, cfg.RecvQueueSize),
		recvCh:     make(chan []byte, cfg.RecvQueueSize),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	f.stats.rtoNanos.Store(int64(f.rto.RTO()))

	f.ackTimer = time.NewTimer(time.Hour)
	if !f.ackTimer.Stop() {
		<-f.ackTimer.C
	}

	if cfg.FECEnabled {
		fecCfg := &fec.Config{DataShards: cfg.FECDataShards, ParityShards: cfg.FECParityShards}
		var err error
		if f.fecEnc, err = fec.NewEncoder(fecCfg); err != nil {
			return nil, fmt.Errorf("failed to create FEC encoder: %w", err)
		}
		if f.fecDec, err = fec.NewDecoder(fecCfg); err != nil {
			return nil, fmt.Errorf("failed to create FEC decoder: %w", err)
		}
		f.maxPayload -= fec.PayloadOverhead
	}

	return f, nil
}

func (f *Flow) start() {
	go f.run()
}

func (f *Flow) run() {
	ticker := time.NewTicker(f.cfg.RetransmitTick)

	var terminal error
	defer func() {
		ticker.Stop()
		f.ackTimer.Stop()
		f.pending.Clear()
		f.stats.inFlight.Store(0)
		f.setErr(terminal)
		close(f.done)
		if f.detach != nil {
			f.detach(f)
		}
	}()

	for {
		select {
		case req := <-f.sendCh:
			seqNum, err := f.handleSend(req.payload)
			req.reply <- sendResult{seq: seqNum, err: err}

		case fr := <-f.frameCh:
			err := f.handleFrame(fr)
			if err == errPeerFIN {
				f.logger.Debug("flow closed by peer", zap.String("flow", f.id.String()))
				return
			}
			if err != nil {
				terminal = err
				f.metrics.FlowFailures.Inc()
				f.logger.Warn("flow terminated",
					zap.String("flow", f.id.String()),
					zap.Error(err))
				if err != ErrFlowReset {
					f.sendControl(protocol.FlagRST)
				}
				return
			}

		case <-f.ackTimer.C:
			f.ackDirty = false
			f.emitAck()

		case now := <-ticker.C:
			if err := f.handleTick(now); err != nil {
				terminal = err
				f.metrics.FlowFailures.Inc()
				f.logger.Warn("flow failed",
					zap.String("flow", f.id.String()),
					zap.Error(err))
				f.sendControl(protocol.FlagRST)
				return
			}

		case <-f.closing:
			f.sendControl(protocol.FlagFIN)
			return
		}
	}
}

// handleSend allocates the next sequence, transmits the packet and
// records it for retransmission. A full retransmit buffer reports
// backpressure without sending anything.
func (f *Flow) handleSend(payload []byte) (uint64, error) {
	if len(payload) > f.maxPayload {
		return 0, ErrPayloadTooLarge
	}
	if f.pending.Full() {
		f.metrics.Backpressure.Inc()
		return 0, ErrBackpressure
	}

	seqNum := f.nextSeq
	f.nextSeq++

	pkt := transport.NewPacket(f.id, seqNum, 0, payload)
	pkt.Addr = f.remote
	now := time.Now()
	if err := f.out.writePacket(pkt); err != nil {
		// The retransmit timer recovers a failed first transmission.
		f.logger.Debug("initial send failed", zap.Uint64("seq", seqNum), zap.Error(err))
	}

	replaced, err := f.pending.Insert(&reliability.PendingPacket{
		Sequence:  seqNum,
		Payload:   payload,
		FirstSent: now,
		LastSent:  now,
		Deadline:  now.Add(f.rto.RTO()),
	})
	if err != nil {
		f.metrics.Backpressure.Inc()
		return 0, ErrBackpressure
	}
	if replaced {
		f.logger.Debug("live sequence reused", zap.Uint64("seq", seqNum))
	}

	f.stats.packetsSent.Add(1)
	f.stats.bytesSent.Add(uint64(len(payload)))
	f.stats.inFlight.Store(int64(f.pending.Len()))

	if f.fecEnc != nil {
		f.emitParity(payload)
	}

	return seqNum, nil
}

func (f *Flow) emitParity(payload []byte) {
	groupID, parity, err := f.fecEnc.Add(payload)
	if err != nil {
		f.logger.Warn("FEC encoding failed", zap.Error(err))
		return
	}
	for i, shard := range parity {
		pkt := transport.NewPacket(f.id, 0, protocol.FlagFEC, fec.MarshalShard(groupID, i, shard))
		pkt.Addr = f.remote
		if err := f.out.writePacket(pkt); err != nil {
			f.logger.Debug("parity send failed", zap.Error(err))
		}
	}
}

// errPeerFIN signals a clean shutdown initiated by the peer.
var errPeerFIN = fmt.Errorf("peer fin")

func (f *Flow) handleFrame(fr inboundFrame) error {
	switch {
	case fr.flags&protocol.FlagRST != 0:
		return ErrFlowReset

	case fr.flags&protocol.FlagFIN != 0:
		return errPeerFIN

	case fr.flags&protocol.FlagACK != 0:
		frame := protocol.AckFrame{Head: fr.head, Bitmap: fr.bitmap}
		if !fr.parsedAck {
			if err := frame.Unmarshal(fr.payload); err != nil {
				return &ProtocolError{Cause: err}
			}
		}
		f.handleAck(frame)
		return nil

	case fr.flags&protocol.FlagFEC != 0:
		f.handleParity(fr.payload)
		return nil

	default:
		f.handleData(fr.seq, fr.payload, false)
		return nil
	}
}

// handleData records an inbound data packet in the SACK window, hands
// its payload to the application and schedules an ACK frame.
func (f *Flow) handleData(seqNum uint64, payload []byte, recovered bool) {
	if f.acks.IsAcked(seqNum) {
		// Delayed duplicate, or our ACK was lost. Re-advertise the
		// window either way.
		f.stats.duplicates.Add(1)
		f.metrics.Duplicates.Inc()
		f.scheduleAck()
		return
	}

	prevHead := f.acks.Head()
	hadHead := f.acks.Initialized()
	f.acks.Ack(seqNum)

	f.stats.packetsReceived.Add(1)
	f.stats.bytesReceived.Add(uint64(len(payload)))

	select {
	case f.recvCh <- payload:
	default:
		f.metrics.RecvDropped.Inc()
	}

	if hadHead && seqNum != prevHead+1 {
		f.outOfOrder++
	}

	if f.fecDec != nil && !recovered {
		f.feedDecoder(seqNum, payload)
	}

	f.scheduleAck()
}

// feedDecoder registers a received payload with the FEC decoder and
// replays anything it reconstructs as if it had arrived on the wire.
func (f *Flow) feedDecoder(seqNum uint64, payload []byte) {
	groupID, index := fec.GroupOf(seqNum-1, f.cfg.FECDataShards)
	regained, err := f.fecDec.AddData(groupID, index, payload)
	if err != nil {
		f.logger.Debug("FEC decode failed", zap.Uint64("group", groupID), zap.Error(err))
		return
	}
	f.replayRecovered(groupID, regained)
}

func (f *Flow) handleParity(shard []byte) {
	if f.fecDec == nil {
		return
	}
	groupID, index, parity, err := fec.UnmarshalShard(shard)
	if err != nil {
		f.logger.Debug("malformed parity shard", zap.Error(err))
		return
	}
	regained, err := f.fecDec.AddParity(groupID, index, parity)
	if err != nil {
		f.logger.Debug("FEC decode failed", zap.Uint64("group", groupID), zap.Error(err))
		return
	}
	f.replayRecovered(groupID, regained)
}

func (f *Flow) replayRecovered(groupID uint64, regained []fec.Recovered) {
	for _, r := range regained {
		seqNum := (groupID-1)*uint64(f.cfg.FECDataShards) + uint64(r.Index) + 1
		f.stats.fecRecovered.Add(1)
		f.metrics.FECRecovered.Inc()
		f.handleData(seqNum, r.Payload, true)
	}
}

// handleAck prunes everything the frame acknowledges and feeds the RTO
// estimator. Only never-retransmitted packets contribute RTT samples;
// an RTT measured against a retransmission is ambiguous.
func (f *Flow) handleAck(frame protocol.AckFrame) {
	f.metrics.AcksReceived.Inc()

	removed := f.pending.Prune(frame.Head, frame.Bitmap)
	if len(removed) == 0 {
		return
	}

	now := time.Now()
	for _, pkt := range removed {
		if pkt.RetryCount == 0 {
			f.rto.Sample(now.Sub(pkt.FirstSent))
		}
	}

	f.stats.inFlight.Store(int64(f.pending.Len()))
	f.stats.srttNanos.Store(int64(f.rto.SRTT()))
	f.stats.rtoNanos.Store(int64(f.rto.RTO()))
}

// handleTick resends every packet whose deadline has passed. A packet
// that has already been resent MaxRetries times fails the flow.
func (f *Flow) handleTick(now time.Time) error {
	for _, pkt := range f.pending.Expired(now) {
		if pkt.RetryCount >= f.cfg.MaxRetries {
			return &FlowFailedError{Sequence: pkt.Sequence, Retries: pkt.RetryCount}
		}

		resend := transport.NewPacket(f.id, pkt.Sequence, 0, pkt.Payload)
		resend.Addr = f.remote
		if err := f.out.writePacket(resend); err != nil {
			f.logger.Debug("retransmit failed", zap.Uint64("seq", pkt.Sequence), zap.Error(err))
		}

		pkt.RetryCount++
		pkt.LastSent = now
		pkt.Deadline = now.Add(f.rto.Backoff(pkt.RetryCount))

		f.stats.retransmissions.Add(1)
		f.metrics.Retransmissions.Inc()
	}

	if f.fecDec != nil {
		f.fecDec.CleanupOldGroups(64)
	}

	return nil
}

// scheduleAck coalesces ACK frames: one goes out after at most
// AckCoalesceDelay, or immediately once enough packets arrived out of
// order.
func (f *Flow) scheduleAck() {
	if !f.acks.Initialized() {
		return
	}

	if f.outOfOrder >= f.cfg.AckCoalesceThreshold {
		f.stopAckTimer()
		f.emitAck()
		return
	}

	if !f.ackDirty {
		f.ackDirty = true
		f.ackTimer.Reset(f.cfg.AckCoalesceDelay)
	}
}

func (f *Flow) stopAckTimer() {
	if !f.ackTimer.Stop() {
		select {
		case <-f.ackTimer.C:
		default:
		}
	}
	f.ackDirty = false
}

func (f *Flow) emitAck() {
	frame := protocol.AckFrame{Head: f.acks.Head(), Bitmap: f.acks.Bitmap()}
	payload, _ := frame.Marshal()

	pkt := transport.NewPacket(f.id, 0, protocol.FlagACK, payload)
	pkt.Addr = f.remote
	if err := f.out.writePacket(pkt); err != nil {
		f.logger.Debug("ack send failed", zap.Error(err))
	}

	f.outOfOrder = 0
	f.metrics.AcksSent.Inc()
}

func (f *Flow) sendControl(flag protocol.Flags) {
	pkt := transport.NewPacket(f.id, 0, flag, nil)
	pkt.Addr = f.remote
	if err := f.out.writePacket(pkt); err != nil {
		f.logger.Debug("control send failed", zap.Error(err))
	}
}

// deliver hands one inbound packet to the flow event loop. Packets
// arriving faster than the loop drains them are dropped, preserving
// datagram semantics instead of stalling the shared socket reader.
func (f *Flow) deliver(pkt *transport.Packet) {
	fr := inboundFrame{
		flags:   pkt.Header.Flags,
		seq:     pkt.Header.Sequence,
		payload: pkt.Payload,
	}

	select {
	case f.frameCh <- fr:
	case <-f.done:
	default:
		f.metrics.RecvDropped.Inc()
	}
}

// ID returns the flow identifier.
func (f *Flow) ID() uuid.UUID {
	return f.id
}

// Send hands off one payload, allocating and returning its sequence
// number. It returns ErrBackpressure when the flow has
// RetransmitCapacity packets in flight.
func (f *Flow) Send(payload []byte) (uint64, error) {
	req := sendRequest{payload: payload, reply: make(chan sendResult, 1)}

	select {
	case f.sendCh <- req:
	case <-f.done:
		return 0, f.closedErr()
	}

	select {
	case res := <-req.reply:
		return res.seq, res.err
	case <-f.done:
		return 0, f.closedErr()
	}
}

// OnIncomingData feeds one data packet into the flow, as called by the
// socket reader.
func (f *Flow) OnIncomingData(seqNum uint64, payload []byte) {
	select {
	case f.frameCh <- inboundFrame{seq: seqNum, payload: payload}:
	case <-f.done:
	default:
		f.metrics.RecvDropped.Inc()
	}
}

// OnIncomingAck feeds one parsed ACK frame into the flow.
func (f *Flow) OnIncomingAck(head uint64, bitmap uint32) {
	select {
	case f.frameCh <- inboundFrame{flags: protocol.FlagACK, head: head, bitmap: bitmap, parsedAck: true}:
	case <-f.done:
	default:
		f.metrics.RecvDropped.Inc()
	}
}

// Receive returns the next inbound payload. Payloads arrive in network
// order, not sequence order; ordering is the caller's concern.
func (f *Flow) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-f.recvCh:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.done:
		// Drain what was queued before the flow ended.
		select {
		case payload := <-f.recvCh:
			return payload, nil
		default:
			return nil, f.closedErr()
		}
	}
}

// Close terminates the flow, notifies the peer and releases all pending
// state in one step.
func (f *Flow) Close() error {
	f.closeOnce.Do(func() {
		close(f.closing)
	})
	<-f.done
	return nil
}

// Done is closed when the flow event loop has exited.
func (f *Flow) Done() <-chan struct{} {
	return f.done
}

// Err returns the terminal error of a failed flow, nil after a clean
// close.
func (f *Flow) Err() error {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	return f.err
}

func (f *Flow) setErr(err error) {
	f.errMu.Lock()
	defer f.errMu.Unlock()
	if f.err == nil {
		f.err = err
	}
}

func (f *Flow) closedErr() error {
	if err := f.Err(); err != nil {
		return err
	}
	return ErrFlowClosed
}

// Stats returns a snapshot of the flow counters.
func (f *Flow) Stats() FlowStats {
	return FlowStats{
		ID:              f.id.String(),
		PacketsSent:     f.stats.packetsSent.Load(),
		PacketsReceived: f.stats.packetsReceived.Load(),
		BytesSent:       f.stats.bytesSent.Load(),
		BytesReceived:   f.stats.bytesReceived.Load(),
		Retransmissions: f.stats.retransmissions.Load(),
		Duplicates:      f.stats.duplicates.Load(),
		FECRecovered:    f.stats.fecRecovered.Load(),
		InFlight:        f.stats.inFlight.Load(),
		SRTT:            time.Duration(f.stats.srttNanos.Load()),
		RTO:             time.Duration(f.stats.rtoNanos.Load()),
	}
}
