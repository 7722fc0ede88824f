// ABOUTME: Wraparound-aware 16-bit sequence number arithmetic
// ABOUTME: Used by redundancy resolution to find the expected next packet
package protocol

// NextSeq returns the sequence number following s
func NextSeq(s uint16) uint16 {
	return s + 1
}

// SeqDiff returns a-b as a signed distance on the 16-bit circle.
// Positive means a is after b.
func SeqDiff(a, b uint16) int16 {
	return int16(a - b)
}

// IsNext reports whether next directly follows prev
func IsNext(prev, next uint16) bool {
	return next == NextSeq(prev)
}
