package protocol

import (
	"encoding/binary"
	"fmt"
)

// AckFrameSize is the wire size of an ACK frame: head (8) plus
// bitmap (4), big-endian.
const AckFrameSize = 12

// AckFrame is the selective acknowledgment a receiver reports back: the
// highest received sequence plus a 32-bit history where bit N set means
// sequence head-1-N was also received.
type AckFrame struct {
	Head   uint64
	Bitmap uint32
}

// Marshal serializes the frame to its 12-byte wire form.
func (f *AckFrame) Marshal() ([]byte, error) {
	buf := make([]byte, AckFrameSize)
	binary.BigEndian.PutUint64(buf[0:8], f.Head)
	binary.BigEndian.PutUint32(buf[8:12], f.Bitmap)
	return buf, nil
}

// Unmarshal deserializes bytes into the frame. Anything shorter than 12
// bytes is a protocol error; any 12-byte blob parses.
func (f *AckFrame) Unmarshal(data []byte) error {
	if len(data) < AckFrameSize {
		return fmt.Errorf("ack frame too small: need %d bytes, got %d", AckFrameSize, len(data))
	}

	f.Head = binary.BigEndian.Uint64(data[0:8])
	f.Bitmap = binary.BigEndian.Uint32(data[8:12])
	return nil
}

// String returns a string representation of the frame.
func (f *AckFrame) String() string {
	return fmt.Sprintf("Ack{Head:%d, Bitmap:0x%08X}", f.Head, f.Bitmap)
}
