package reliability

import (
	"container/list"
	"errors"
	"time"

	"github.com/veilnet/veil/internal/mux/seq"
)

// ErrBufferFull is returned by Insert when the buffer already holds its
// configured capacity of in-flight packets. It signals backpressure: the
// sender must pause until acknowledgments free space. The buffer never
// drops in-flight data silently.
var ErrBufferFull = errors.New("retransmit buffer full")

// DefaultCapacity is the default maximum number of in-flight packets per
// flow.
const DefaultCapacity = 10000

// PendingPacket is an outbound packet awaiting acknowledgment. It is
// owned by exactly one retransmit buffer slot; the retransmit timer
// mutates it in place when it resends.
type PendingPacket struct {
	Sequence   uint64
	Payload    []byte
	FirstSent  time.Time
	LastSent   time.Time
	Deadline   time.Time
	RetryCount uint32

	elem *list.Element
}

// RetransmitBuffer maps outstanding sequence numbers to pending packets.
//
// The store is a plain hash map: steady-state traffic is one insert, one
// find, and one erase per packet, all O(1) average. Chronology for the
// retransmit timer comes from a separate insertion-order list rather than
// from ordered keys; entries enter in ascending sequence order because the
// sender allocates sequences monotonically, and Prune's window-advance
// eviction depends on that.
type RetransmitBuffer struct {
	packets  map[uint64]*PendingPacket
	order    *list.List
	capacity int
	grace    uint64
}

// NewRetransmitBuffer creates a buffer bounded to capacity in-flight
// packets. grace widens the implicit-eviction window of Prune by that
// many sequences, for substrates that can reorder ACK frames.
func NewRetransmitBuffer(capacity int, grace uint64) *RetransmitBuffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RetransmitBuffer{
		packets:  make(map[uint64]*PendingPacket, capacity),
		order:    list.New(),
		capacity: capacity,
		grace:    grace,
	}
}

// Insert stores a pending packet. Inserting a sequence that is already
// present replaces the existing entry, keeping its position in the
// chronological order; the sender should never reuse a live sequence, so
// callers may want to log when Insert reports a replacement. A full
// buffer returns ErrBufferFull and stores nothing.
func (rb *RetransmitBuffer) Insert(pkt *PendingPacket) (replaced bool, err error) {
	if old, ok := rb.packets[pkt.Sequence]; ok {
		pkt.elem = old.elem
		pkt.elem.Value = pkt
		rb.packets[pkt.Sequence] = pkt
		return true, nil
	}

	if len(rb.packets) >= rb.capacity {
		return false, ErrBufferFull
	}

	pkt.elem = rb.order.PushBack(pkt)
	rb.packets[pkt.Sequence] = pkt
	return false, nil
}

// Find returns the pending packet for sequence s, if present.
func (rb *RetransmitBuffer) Find(s uint64) (*PendingPacket, bool) {
	pkt, ok := rb.packets[s]
	return pkt, ok
}

// Erase removes the entry for sequence s and reports whether it was
// present.
func (rb *RetransmitBuffer) Erase(s uint64) bool {
	return rb.remove(s) != nil
}

func (rb *RetransmitBuffer) remove(s uint64) *PendingPacket {
	pkt, ok := rb.packets[s]
	if !ok {
		return nil
	}
	delete(rb.packets, s)
	rb.order.Remove(pkt.elem)
	pkt.elem = nil
	return pkt
}

// Prune removes every entry acknowledged by an ACK frame carrying (head,
// bitmap): the head itself, every bitmap bit within the 32-entry window,
// and every entry so far behind the head that the advancing window has
// implicitly acknowledged it. The removed packets are returned so the
// caller can sample RTT and count acks.
//
// Implicit eviction assumes ACK frames arrive in order; the reorder grace
// configured at construction widens the keep-alive region for substrates
// where they do not.
func (rb *RetransmitBuffer) Prune(head uint64, bitmap uint32) []*PendingPacket {
	var removed []*PendingPacket

	if pkt := rb.remove(head); pkt != nil {
		removed = append(removed, pkt)
	}

	for i := uint64(0); i < BitmapWindow; i++ {
		if bitmap>>i&1 == 0 {
			continue
		}
		if pkt := rb.remove(head - 1 - i); pkt != nil {
			removed = append(removed, pkt)
		}
	}

	// Everything strictly behind head-32-grace can no longer appear in
	// any future bitmap; keeping it only wastes memory.
	floor := head - BitmapWindow - rb.grace
	for e := rb.order.Front(); e != nil; {
		pkt := e.Value.(*PendingPacket)
		if !seq.Precedes(pkt.Sequence, floor) {
			break
		}
		next := e.Next()
		delete(rb.packets, pkt.Sequence)
		rb.order.Remove(e)
		pkt.elem = nil
		removed = append(removed, pkt)
		e = next
	}

	return removed
}

// Expired collects the pending packets whose retransmit deadline has
// passed, oldest first.
func (rb *RetransmitBuffer) Expired(now time.Time) []*PendingPacket {
	var expired []*PendingPacket
	for e := rb.order.Front(); e != nil; e = e.Next() {
		pkt := e.Value.(*PendingPacket)
		if !pkt.Deadline.After(now) {
			expired = append(expired, pkt)
		}
	}
	return expired
}

// Range iterates the buffer in insertion (first-send) order until fn
// returns false.
func (rb *RetransmitBuffer) Range(fn func(*PendingPacket) bool) {
	for e := rb.order.Front(); e != nil; e = e.Next() {
		if !fn(e.Value.(*PendingPacket)) {
			return
		}
	}
}

// Len returns the number of in-flight packets.
func (rb *RetransmitBuffer) Len() int {
	return len(rb.packets)
}

// Full reports whether the next Insert would signal backpressure.
func (rb *RetransmitBuffer) Full() bool {
	return len(rb.packets) >= rb.capacity
}

// Capacity returns the configured in-flight ceiling.
func (rb *RetransmitBuffer) Capacity() int {
	return rb.capacity
}

// Clear releases every pending packet in one step.
func (rb *RetransmitBuffer) Clear() {
	rb.packets = make(map[uint64]*PendingPacket)
	rb.order.Init()
}
