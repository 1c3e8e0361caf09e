// Package causal computes the deterministic content hash that gives every
// event its position in the causal chain (C1).
package causal

import (
	"bytes"
	"sort"

	"lukechampine.com/blake3"
)

// DigestSize is the length in bytes of a causal digest.
const DigestSize = 32

// Digest is a 32-byte Blake3 digest over an event's payload and its
// sorted parent digests.
type Digest [DigestSize]byte

// Hash computes the causal digest for payloadBytes given its parent
// digests. Parent digests are sorted lexicographically before hashing so
// the result does not depend on the order they are presented in.
func Hash(payloadBytes []byte, parents []Digest) Digest {
	sorted := make([]Digest, len(parents))
	copy(sorted, parents)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})

	hasher := blake3.New(DigestSize, nil)
	hasher.Write(payloadBytes)
	for _, d := range sorted {
		hasher.Write(d[:])
	}

	var out Digest
	copy(out[:], hasher.Sum(nil))
	return out
}

// Bytes returns the digest as a plain byte slice.
func (d Digest) Bytes() []byte {
	return d[:]
}

// DigestFromBytes builds a Digest from a byte slice of length DigestSize.
func DigestFromBytes(b []byte) (Digest, bool) {
	var d Digest
	if len(b) != DigestSize {
		return d, false
	}
	copy(d[:], b)
	return d, true
}
