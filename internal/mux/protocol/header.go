// Package protocol implements the veil mux packet format: the common
// packet header and the ACK frame carried by ACK-flagged packets.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

const (
	// MagicNumber identifies veil mux packets.
	MagicNumber uint32 = 0x5645494C // "VEIL" in ASCII

	// CurrentVersion is the current protocol version.
	CurrentVersion uint8 = 1

	// HeaderSize is the fixed header size in bytes.
	HeaderSize = 32

	// MaxPayloadSize is the maximum payload size per packet, leaving
	// room for IP/UDP headers within a typical MTU.
	MaxPayloadSize = 1400
)

// Flags represent control flags in the packet header.
type Flags uint8

const (
	FlagSYN Flags = 1 << iota // First packet of a flow
	FlagACK                   // Payload is an AckFrame
	FlagFIN                   // Flow termination
	FlagRST                   // Flow reset
	FlagFEC                   // Payload is a parity shard
)

// Header is the fixed 32-byte header preceding every veil datagram.
//
// Wire layout, big-endian:
//
//	magic (4) | version (1) | flags (1) | flow id (16) | sequence (8) | payload length (2)
type Header struct {
	MagicNumber   uint32
	Version       uint8
	Flags         Flags
	FlowID        uuid.UUID
	Sequence      uint64
	PayloadLength uint16
}

// NewHeader creates a header for the given flow, sequence and flags.
func NewHeader(flowID uuid.UUID, sequence uint64, flags Flags) *Header {
	return &Header{
		MagicNumber: MagicNumber,
		Version:     CurrentVersion,
		Flags:       flags,
		FlowID:      flowID,
		Sequence:    sequence,
	}
}

// HasFlag checks if a specific flag is set.
func (h *Header) HasFlag(flag Flags) bool {
	return h.Flags&flag != 0
}

// SetFlag sets a specific flag.
func (h *Header) SetFlag(flag Flags) {
	h.Flags |= flag
}

// ClearFlag clears a specific flag.
func (h *Header) ClearFlag(flag Flags) {
	h.Flags &^= flag
}

// Marshal serializes the header to bytes.
func (h *Header) Marshal() ([]byte, error) {
	buf := make([]byte, HeaderSize)

	binary.BigEndian.PutUint32(buf[0:4], h.MagicNumber)
	buf[4] = h.Version
	buf[5] = uint8(h.Flags)
	copy(buf[6:22], h.FlowID[:])
	binary.BigEndian.PutUint64(buf[22:30], h.Sequence)
	binary.BigEndian.PutUint16(buf[30:32], h.PayloadLength)

	return buf, nil
}

// Unmarshal deserializes bytes into the header.
func (h *Header) Unmarshal(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("packet too small: need at least %d bytes, got %d", HeaderSize, len(data))
	}

	h.MagicNumber = binary.BigEndian.Uint32(data[0:4])
	if h.MagicNumber != MagicNumber {
		return fmt.Errorf("invalid magic number: expected 0x%08X, got 0x%08X", MagicNumber, h.MagicNumber)
	}

	h.Version = data[4]
	if h.Version != CurrentVersion {
		return fmt.Errorf("unsupported version: expected %d, got %d", CurrentVersion, h.Version)
	}

	h.Flags = Flags(data[5])
	copy(h.FlowID[:], data[6:22])
	h.Sequence = binary.BigEndian.Uint64(data[22:30])
	h.PayloadLength = binary.BigEndian.Uint16(data[30:32])

	return nil
}

// Validate performs basic validation on the header.
func (h *Header) Validate() error {
	if h.MagicNumber != MagicNumber {
		return fmt.Errorf("invalid magic number")
	}

	if h.Version != CurrentVersion {
		return fmt.Errorf("unsupported version")
	}

	if h.FlowID == uuid.Nil {
		return fmt.Errorf("flow ID cannot be zero")
	}

	if h.PayloadLength > MaxPayloadSize {
		return fmt.Errorf("payload too large: %d > %d", h.PayloadLength, MaxPayloadSize)
	}

	return nil
}

// String returns a string representation of the header.
func (h *Header) String() string {
	return fmt.Sprintf("Veil{Flow:%s, Seq:%d, Flags:0x%02X, PayloadLen:%d}",
		h.FlowID.String()[:8], h.Sequence, uint8(h.Flags), h.PayloadLength)
}
