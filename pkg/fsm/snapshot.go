package fsm

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"sort"

	"github.com/hashicorp/raft"

	"github.com/cuemby/toka/pkg/event"
	"github.com/cuemby/toka/pkg/ledger"
)

// snapshotData is the deterministically-ordered payload serialized
// into a Raft snapshot: headers sorted by event id and ledger events
// sorted by sequence. No separate sequence counters are stored; the
// ledger's next sequence follows from the number of events replayed.
type snapshotData struct {
	Headers      []event.Header `json:"headers"`
	LedgerEvents []ledger.Event `json:"ledger_events"`
}

// snapshotEnvelope is the on-disk wire format: the serialized data
// plus a CRC32 checksum so C6 can detect corruption on load.
type snapshotEnvelope struct {
	Checksum uint32 `json:"checksum"`
	Data     []byte `json:"data"`
}

type tokaSnapshot struct {
	data snapshotData
}

func newSnapshot(headers []event.Header, l *ledger.Ledger) (*tokaSnapshot, error) {
	sorted := make([]event.Header, len(headers))
	copy(sorted, headers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID.String() < sorted[j].ID.String() })

	events := l.Events()
	sort.Slice(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })

	return &tokaSnapshot{data: snapshotData{Headers: sorted, LedgerEvents: events}}, nil
}

// Persist writes the checksummed snapshot envelope to sink.
func (s *tokaSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		data, err := json.Marshal(s.data)
		if err != nil {
			return fmt.Errorf("fsm: marshal snapshot data: %w", err)
		}

		envelope := snapshotEnvelope{
			Checksum: crc32.ChecksumIEEE(data),
			Data:     data,
		}
		return json.NewEncoder(sink).Encode(envelope)
	}()

	if err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

// Release is a no-op: the snapshot holds no resources beyond memory
// already owned by the GC.
func (s *tokaSnapshot) Release() {}

func decodeSnapshot(rc io.Reader) (*snapshotData, error) {
	var envelope snapshotEnvelope
	if err := json.NewDecoder(rc).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("fsm: decode snapshot envelope: %w", err)
	}

	if crc32.ChecksumIEEE(envelope.Data) != envelope.Checksum {
		return nil, fmt.Errorf("fsm: snapshot checksum mismatch")
	}

	var data snapshotData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return nil, fmt.Errorf("fsm: unmarshal snapshot data: %w", err)
	}
	return &data, nil
}
