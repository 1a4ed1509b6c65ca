package seq

import (
	"math"
	"testing"
)

func TestPrecedesBasicOrdering(t *testing.T) {
	if !Precedes(1, 2) {
		t.Error("1 should precede 2")
	}

	if Precedes(2, 1) {
		t.Error("2 should not precede 1")
	}

	if Precedes(5, 5) {
		t.Error("a sequence should not precede itself")
	}
}

func TestPrecedesAcrossWrapBoundary(t *testing.T) {
	// UINT64_MAX is immediately before 0 in wrap-aware order.
	if !Precedes(math.MaxUint64, 0) {
		t.Error("MaxUint64 should precede 0")
	}

	if Precedes(0, math.MaxUint64) {
		t.Error("0 should not precede MaxUint64")
	}

	if !Precedes(math.MaxUint64-10, 5) {
		t.Error("MaxUint64-10 should precede 5 across the wrap")
	}
}

func TestPrecedesHalfSpace(t *testing.T) {
	// The forward half-space spans 2^63-1 sequences; one step past it
	// the signed difference flips and the ordering inverts.
	base := uint64(100)

	if !Precedes(base, base+(1<<63)-1) {
		t.Error("sequence just inside the forward half-space should follow base")
	}

	if Precedes(base+(1<<63)-1, base) {
		t.Error("ordering should be asymmetric inside the half-space")
	}

	if Precedes(base, base+(1<<63)+1) {
		t.Error("sequence past the half-space boundary wraps behind base")
	}
}

func TestDelta(t *testing.T) {
	if d := Delta(10, 4); d != 6 {
		t.Errorf("Delta(10, 4) = %d, want 6", d)
	}

	// Wrapping distance across the boundary.
	if d := Delta(5, math.MaxUint64-10); d != 16 {
		t.Errorf("Delta(5, MaxUint64-10) = %d, want 16", d)
	}
}

func TestMax(t *testing.T) {
	if m := Max(3, 9); m != 9 {
		t.Errorf("Max(3, 9) = %d, want 9", m)
	}

	if m := Max(9, 3); m != 9 {
		t.Errorf("Max(9, 3) = %d, want 9", m)
	}

	// 0 is the later sequence once the counter has wrapped.
	if m := Max(math.MaxUint64, 0); m != 0 {
		t.Errorf("Max(MaxUint64, 0) = %d, want 0", m)
	}
}
