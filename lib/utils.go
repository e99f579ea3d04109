package lib

import (
	"crypto/rand"
	"encoding/binary"
)

// Sequence numbers live in a 32-bit circular space. a is after b when the
// forward distance from b to a is shorter than the backward one.

func SeqIncrement(seq uint32) uint32 {
	return seq + 1
}

func SeqIncrementBy(seq, inc uint32) uint32 {
	return seq + inc
}

// seqDiff is the signed shortest distance from b to a.
func seqDiff(a, b uint32) int32 {
	return int32(a - b)
}

func isGreater(a, b uint32) bool        { return seqDiff(a, b) > 0 }
func isGreaterOrEqual(a, b uint32) bool { return seqDiff(a, b) >= 0 }
func isLess(a, b uint32) bool           { return seqDiff(a, b) < 0 }
func isLessOrEqual(a, b uint32) bool    { return seqDiff(a, b) <= 0 }

// GenerateISN returns a random initial sequence number.
func GenerateISN() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
