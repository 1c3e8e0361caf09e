package causal

import "testing"

func mustDigest(b byte) Digest {
	var d Digest
	d[0] = b
	return d
}

func TestHashDeterministicRegardlessOfParentOrder(t *testing.T) {
	payload := []byte("test_payload")
	p1 := mustDigest(1)
	p2 := mustDigest(2)

	h1 := Hash(payload, []Digest{p1, p2})
	h2 := Hash(payload, []Digest{p2, p1})

	if h1 != h2 {
		t.Fatalf("hash depends on parent order: %x != %x", h1, h2)
	}
}

func TestHashDiffersWithAndWithoutParents(t *testing.T) {
	payload := []byte("child_event")
	p1 := mustDigest(1)
	p2 := mustDigest(2)

	withParents := Hash(payload, []Digest{p1, p2})
	withoutParents := Hash(payload, nil)

	if withParents == withoutParents {
		t.Fatalf("expected different digests with and without parents")
	}
}

func TestHashIsPureFunction(t *testing.T) {
	payload := []byte("same payload")
	parents := []Digest{mustDigest(9)}

	if Hash(payload, parents) != Hash(payload, parents) {
		t.Fatalf("Hash is not deterministic across calls")
	}
}

func TestDigestFromBytesRejectsWrongLength(t *testing.T) {
	if _, ok := DigestFromBytes([]byte{1, 2, 3}); ok {
		t.Fatalf("expected DigestFromBytes to reject a short slice")
	}
	full := make([]byte, DigestSize)
	if _, ok := DigestFromBytes(full); !ok {
		t.Fatalf("expected DigestFromBytes to accept a full-length slice")
	}
}
