// Package seq provides wrap-around aware ordering over the 64-bit sequence
// space used by the veil mux.
package seq

// Precedes reports whether sequence a comes before sequence b.
//
// The per-flow sequence counter is a uint64 that wraps, so ordering treats
// the difference a-b as a signed value: the 2^63 sequences behind b precede
// it, the 2^63 ahead of it do not. Direct unsigned comparison of sequence
// numbers is always a bug; every ordering decision in the mux routes
// through this predicate.
func Precedes(a, b uint64) bool {
	return int64(a-b) < 0
}

// Delta returns the wrapping distance a - b.
func Delta(a, b uint64) uint64 {
	return a - b
}

// Max returns the later of a and b under Precedes.
func Max(a, b uint64) uint64 {
	if Precedes(a, b) {
		return b
	}
	return a
}
