// Package transport provides the UDP datagram substrate for the veil mux.
package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veilnet/veil/internal/mux/protocol"
)

const (
	// DefaultReadBufferSize is the default size for the UDP read buffer.
	DefaultReadBufferSize = 2 * 1024 * 1024 // 2MB

	// DefaultWriteBufferSize is the default size for the UDP write buffer.
	DefaultWriteBufferSize = 2 * 1024 * 1024 // 2MB

	// DefaultReadTimeout is the default read timeout.
	DefaultReadTimeout = 30 * time.Second
)

// Packet is a complete veil datagram.
type Packet struct {
	Header  *protocol.Header
	Payload []byte
	Addr    *net.UDPAddr // Remote address for received packets
}

// Conn wraps a UDP socket for sending and receiving veil packets.
type Conn struct {
	udpConn    *net.UDPConn
	localAddr  *net.UDPAddr
	remoteAddr *net.UDPAddr

	readBuf []byte

	mu     sync.RWMutex
	closed bool

	stats Statistics
}

// Statistics holds socket-level counters.
type Statistics struct {
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	Errors          uint64
}

// Config contains configuration for the transport connection.
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	ReadTimeout     time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		ReadBufferSize:  DefaultReadBufferSize,
		WriteBufferSize: DefaultWriteBufferSize,
		ReadTimeout:     DefaultReadTimeout,
	}
}

// Listen creates a UDP connection bound to a local address.
func Listen(network, address string, config *Config) (*Conn, error) {
	if config == nil {
		config = DefaultConfig()
	}

	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	udpConn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen UDP: %w", err)
	}

	if err := tune(udpConn, config); err != nil {
		udpConn.Close()
		return nil, err
	}

	return &Conn{
		udpConn:   udpConn,
		localAddr: udpConn.LocalAddr().(*net.UDPAddr),
		readBuf:   make([]byte, protocol.HeaderSize+protocol.MaxPayloadSize),
	}, nil
}

// Dial creates a UDP connection to a remote address.
func Dial(network, address string, config *Config) (*Conn, error) {
	if config == nil {
		config = DefaultConfig()
	}

	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	udpConn, err := net.DialUDP(network, nil, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial UDP: %w", err)
	}

	if err := tune(udpConn, config); err != nil {
		udpConn.Close()
		return nil, err
	}

	return &Conn{
		udpConn:    udpConn,
		localAddr:  udpConn.LocalAddr().(*net.UDPAddr),
		remoteAddr: addr,
		readBuf:    make([]byte, protocol.HeaderSize+protocol.MaxPayloadSize),
	}, nil
}

func tune(udpConn *net.UDPConn, config *Config) error {
	if err := udpConn.SetReadBuffer(config.ReadBufferSize); err != nil {
		return fmt.Errorf("failed to set read buffer: %w", err)
	}
	if err := udpConn.SetWriteBuffer(config.WriteBufferSize); err != nil {
		return fmt.Errorf("failed to set write buffer: %w", err)
	}
	return nil
}

// SendPacket sends a veil packet. A listening connection sends it to
// addr; a dialed connection always sends it to the dialed remote and
// ignores addr.
func (c *Conn) SendPacket(packet *Packet, addr *net.UDPAddr) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return fmt.Errorf("connection closed")
	}
	c.mu.RUnlock()

	packet.Header.PayloadLength = uint16(len(packet.Payload))

	if err := packet.Header.Validate(); err != nil {
		c.mu.Lock()
		c.stats.Errors++
		c.mu.Unlock()
		return fmt.Errorf("invalid header: %w", err)
	}

	headerBytes, err := packet.Header.Marshal()
	if err != nil {
		c.mu.Lock()
		c.stats.Errors++
		c.mu.Unlock()
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	data := make([]byte, len(headerBytes)+len(packet.Payload))
	copy(data, headerBytes)
	copy(data[len(headerBytes):], packet.Payload)

	var n int
	switch {
	case addr != nil && c.remoteAddr == nil:
		n, err = c.udpConn.WriteToUDP(data, addr)
	case c.remoteAddr != nil:
		// Connected socket; the kernel already knows the peer.
		n, err = c.udpConn.Write(data)
	default:
		return fmt.Errorf("no remote address specified")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.stats.Errors++
		return fmt.Errorf("failed to send packet: %w", err)
	}

	c.stats.PacketsSent++
	c.stats.BytesSent += uint64(n)
	return nil
}

// Send sends a packet to the dialed remote address.
func (c *Conn) Send(packet *Packet) error {
	return c.SendPacket(packet, nil)
}

// ReceivePacket receives one veil packet, honoring the context deadline.
func (c *Conn) ReceivePacket(ctx context.Context) (*Packet, error) {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, fmt.Errorf("connection closed")
	}
	c.mu.RUnlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.udpConn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}
	}

	n, addr, err := c.udpConn.ReadFromUDP(c.readBuf)
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			c.mu.Lock()
			c.stats.Errors++
			c.mu.Unlock()
			return nil, fmt.Errorf("failed to read packet: %w", err)
		}
	}

	header := &protocol.Header{}
	if err := header.Unmarshal(c.readBuf[:n]); err != nil {
		c.mu.Lock()
		c.stats.Errors++
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to unmarshal header: %w", err)
	}

	var payload []byte
	if n > protocol.HeaderSize {
		payload = make([]byte, n-protocol.HeaderSize)
		copy(payload, c.readBuf[protocol.HeaderSize:n])
	}

	c.mu.Lock()
	c.stats.PacketsReceived++
	c.stats.BytesReceived += uint64(n)
	c.mu.Unlock()

	return &Packet{
		Header:  header,
		Payload: payload,
		Addr:    addr,
	}, nil
}

// Receive receives a packet with a background context.
func (c *Conn) Receive() (*Packet, error) {
	return c.ReceivePacket(context.Background())
}

// LocalAddr returns the local address.
func (c *Conn) LocalAddr() *net.UDPAddr {
	return c.localAddr
}

// RemoteAddr returns the remote address, nil for listening sockets.
func (c *Conn) RemoteAddr() *net.UDPAddr {
	return c.remoteAddr
}

// Statistics returns a copy of current statistics.
func (c *Conn) Statistics() Statistics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Close closes the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	return c.udpConn.Close()
}

// IsClosed returns whether the connection is closed.
func (c *Conn) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// NewPacket creates a veil packet for the given flow.
func NewPacket(flowID uuid.UUID, sequence uint64, flags protocol.Flags, payload []byte) *Packet {
	return &Packet{
		Header:  protocol.NewHeader(flowID, sequence, flags),
		Payload: payload,
	}
}
