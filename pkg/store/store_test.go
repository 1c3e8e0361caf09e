package store

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/toka/pkg/event"
)

type testPayload struct {
	Value int `codec:"value"`
}

func openTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCommitAndRetrieveHeader(t *testing.T) {
	s := openTestStore(t)

	h, payload, err := event.NewHeader(nil, uuid.New(), "test.stored", testPayload{Value: 1})
	require.NoError(t, err)
	require.NoError(t, s.Commit(h, payload))

	got, err := s.Header(h.ID)
	require.NoError(t, err)
	require.Equal(t, h.ID, got.ID)
	require.Equal(t, h.Digest, got.Digest)
}

func TestPayloadRetrievedByDigest(t *testing.T) {
	s := openTestStore(t)

	h, payload, err := event.NewHeader(nil, uuid.New(), "test.payload", testPayload{Value: 2})
	require.NoError(t, err)
	require.NoError(t, s.Commit(h, payload))

	got, err := s.PayloadBytes(h.Digest)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestHeaderNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Header(uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRecommittingSamePayloadIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	h, payload, err := event.NewHeader(nil, uuid.New(), "test.idempotent", testPayload{Value: 3})
	require.NoError(t, err)

	require.NoError(t, s.Commit(h, payload))
	require.NoError(t, s.Commit(h, payload))

	headers, err := s.Headers()
	require.NoError(t, err)
	require.Len(t, headers, 1)
}
