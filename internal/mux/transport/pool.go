package transport

import (
	"sync"

	"github.com/veilnet/veil/internal/mux/protocol"
)

// PacketPool manages a pool of reusable packets to reduce GC pressure on
// the receive path.
type PacketPool struct {
	pool sync.Pool
}

// NewPacketPool creates a new packet pool.
func NewPacketPool() *PacketPool {
	return &PacketPool{
		pool: sync.Pool{
			New: func() interface{} {
				return &Packet{
					Payload: make([]byte, 0, protocol.MaxPayloadSize),
				}
			},
		},
	}
}

// Get retrieves a packet from the pool.
func (p *PacketPool) Get() *Packet {
	pkt := p.pool.Get().(*Packet)
	pkt.Payload = pkt.Payload[:0]
	pkt.Addr = nil
	return pkt
}

// Put returns a packet to the pool.
func (p *PacketPool) Put(pkt *Packet) {
	if pkt == nil {
		return
	}
	pkt.Header = nil
	if cap(pkt.Payload) <= 2048 { // Only pool reasonably-sized buffers
		pkt.Payload = pkt.Payload[:0]
		p.pool.Put(pkt)
	}
}
