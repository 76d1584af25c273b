package rtp

// SequenceDelta returns the signed distance from b to a, accounting for 16-bit
// wraparound. A positive result means a is newer than b.
func SequenceDelta(a, b uint16) int {
	return int(int16(a - b))
}

// SequenceNewer returns true if a is strictly newer than b.
func SequenceNewer(a, b uint16) bool {
	return SequenceDelta(a, b) > 0
}
