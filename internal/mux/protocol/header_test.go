package protocol

import (
	"bytes"
	"math"
	"math/rand"
	"testing"

	"github.com/google/uuid"
)

func TestHeaderMarshalUnmarshal(t *testing.T) {
	flowID := uuid.New()
	h := NewHeader(flowID, 42, FlagSYN|FlagACK)
	h.PayloadLength = 512

	data, err := h.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(data) != HeaderSize {
		t.Fatalf("marshaled size = %d, want %d", len(data), HeaderSize)
	}

	var parsed Header
	if err := parsed.Unmarshal(data); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if parsed.FlowID != flowID {
		t.Errorf("FlowID = %s, want %s", parsed.FlowID, flowID)
	}
	if parsed.Sequence != 42 {
		t.Errorf("Sequence = %d, want 42", parsed.Sequence)
	}
	if !parsed.HasFlag(FlagSYN) || !parsed.HasFlag(FlagACK) {
		t.Error("flags lost in round trip")
	}
	if parsed.HasFlag(FlagFIN) {
		t.Error("FIN flag should not be set")
	}
	if parsed.PayloadLength != 512 {
		t.Errorf("PayloadLength = %d, want 512", parsed.PayloadLength)
	}
}

func TestHeaderUnmarshalTooSmall(t *testing.T) {
	var h Header
	if err := h.Unmarshal(make([]byte, HeaderSize-1)); err == nil {
		t.Error("short packet should fail to parse")
	}
}

func TestHeaderUnmarshalBadMagic(t *testing.T) {
	h := NewHeader(uuid.New(), 1, 0)
	data, _ := h.Marshal()
	data[0] ^= 0xFF

	var parsed Header
	if err := parsed.Unmarshal(data); err == nil {
		t.Error("corrupted magic should fail to parse")
	}
}

func TestHeaderUnmarshalBadVersion(t *testing.T) {
	h := NewHeader(uuid.New(), 1, 0)
	data, _ := h.Marshal()
	data[4] = CurrentVersion + 1

	var parsed Header
	if err := parsed.Unmarshal(data); err == nil {
		t.Error("unknown version should fail to parse")
	}
}

func TestHeaderValidate(t *testing.T) {
	h := NewHeader(uuid.New(), 1, 0)
	if err := h.Validate(); err != nil {
		t.Errorf("valid header rejected: %v", err)
	}

	h.FlowID = uuid.Nil
	if err := h.Validate(); err == nil {
		t.Error("zero flow ID should be rejected")
	}

	h = NewHeader(uuid.New(), 1, 0)
	h.PayloadLength = MaxPayloadSize + 1
	if err := h.Validate(); err == nil {
		t.Error("oversized payload should be rejected")
	}
}

func TestHeaderFlagOps(t *testing.T) {
	h := NewHeader(uuid.New(), 1, 0)

	h.SetFlag(FlagFEC)
	if !h.HasFlag(FlagFEC) {
		t.Error("SetFlag did not set")
	}

	h.ClearFlag(FlagFEC)
	if h.HasFlag(FlagFEC) {
		t.Error("ClearFlag did not clear")
	}
}

func TestAckFrameRoundTrip(t *testing.T) {
	frames := []AckFrame{
		{Head: 0, Bitmap: 0},
		{Head: 104, Bitmap: 0x0000000F},
		{Head: 106, Bitmap: 0x00000036},
		{Head: math.MaxUint64, Bitmap: 0xFFFFFFFF},
	}

	for _, f := range frames {
		data, err := f.Marshal()
		if err != nil {
			t.Fatalf("Marshal(%v): %v", f, err)
		}
		if len(data) != AckFrameSize {
			t.Fatalf("marshaled size = %d, want %d", len(data), AckFrameSize)
		}

		var parsed AckFrame
		if err := parsed.Unmarshal(data); err != nil {
			t.Fatalf("Unmarshal(%v): %v", f, err)
		}
		if parsed != f {
			t.Errorf("round trip = %v, want %v", parsed, f)
		}
	}
}

func TestAckFrameWireLayout(t *testing.T) {
	f := AckFrame{Head: 0x0102030405060708, Bitmap: 0x0A0B0C0D}
	data, _ := f.Marshal()

	want := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x0A, 0x0B, 0x0C, 0x0D}
	if !bytes.Equal(data, want) {
		t.Errorf("wire bytes = %x, want %x", data, want)
	}
}

func TestAckFrameRejectsShort(t *testing.T) {
	var f AckFrame
	for size := 0; size < AckFrameSize; size++ {
		if err := f.Unmarshal(make([]byte, size)); err == nil {
			t.Errorf("%d-byte frame should be rejected", size)
		}
	}
}

func TestAckFrameAnyBlobParses(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	blob := make([]byte, AckFrameSize)

	for i := 0; i < 100; i++ {
		rng.Read(blob)

		var f AckFrame
		if err := f.Unmarshal(blob); err != nil {
			t.Fatalf("12-byte blob %x failed to parse: %v", blob, err)
		}

		out, _ := f.Marshal()
		if !bytes.Equal(out, blob) {
			t.Fatalf("round trip of %x produced %x", blob, out)
		}
	}
}
