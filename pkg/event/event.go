// Package event defines the durable event record format (C2): the
// header that is stored and indexed, and the binary codec used to
// (de)serialize payloads.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	msgpack "github.com/hashicorp/go-msgpack/v2/codec"

	"github.com/cuemby/toka/pkg/causal"
)

// Header is the minimal metadata stored inline with every event (§3).
type Header struct {
	ID        uuid.UUID     `codec:"id"`
	Parents   []uuid.UUID   `codec:"parents"`
	Timestamp time.Time     `codec:"timestamp"`
	Digest    causal.Digest `codec:"digest"`
	Intent    uuid.UUID     `codec:"intent"`
	Kind      string        `codec:"kind"`
}

var mh = func() *msgpack.MsgpackHandle {
	h := &msgpack.MsgpackHandle{}
	h.WriteExt = true
	return h
}()

// Encode serializes a payload with the canonical binary codec (a
// MessagePack-equivalent named-field encoding per §3/§6).
func Encode(payload interface{}) ([]byte, error) {
	var buf []byte
	enc := msgpack.NewEncoderBytes(&buf, mh)
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("event: encode payload: %w", err)
	}
	return buf, nil
}

// Decode is the inverse of Encode: it deserializes a payload from raw
// bytes retrieved from storage into out, which must be a pointer.
func Decode(data []byte, out interface{}) error {
	dec := msgpack.NewDecoderBytes(data, mh)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("event: decode payload: %w", err)
	}
	return nil
}

// NewHeader builds a Header from a payload and its parent headers (C2).
// It serializes the payload, computes the causal digest over the
// serialized bytes and the sorted parent digests, and stamps a fresh
// UUID v4 and the current UTC timestamp.
func NewHeader(parents []Header, intent uuid.UUID, kind string, payload interface{}) (Header, []byte, error) {
	payloadBytes, err := Encode(payload)
	if err != nil {
		return Header{}, nil, err
	}

	parentIDs := make([]uuid.UUID, len(parents))
	parentDigests := make([]causal.Digest, len(parents))
	for i, p := range parents {
		parentIDs[i] = p.ID
		parentDigests[i] = p.Digest
	}

	digest := causal.Hash(payloadBytes, parentDigests)

	h := Header{
		ID:        uuid.New(),
		Parents:   parentIDs,
		Timestamp: time.Now().UTC(),
		Digest:    digest,
		Intent:    intent,
		Kind:      kind,
	}
	return h, payloadBytes, nil
}
