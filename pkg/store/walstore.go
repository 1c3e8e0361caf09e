package store

import (
	"github.com/cuemby/toka/pkg/event"
	"github.com/cuemby/toka/pkg/wal"
)

// WalStore composes a Store with a write-ahead log so every commit is
// durable before it is visible to readers (§4.1 durability rule):
// CommitWithWAL writes CommitEvent + CommitTransaction WAL entries and
// only then applies the mutation to the underlying Store.
type WalStore struct {
	store Store
	log   *wal.WAL
}

// NewWalStore wraps store with the given write-ahead log.
func NewWalStore(store Store, log *wal.WAL) *WalStore {
	return &WalStore{store: store, log: log}
}

// CommitWithWAL durably records the event before applying it. Replaying
// the same header+payload is safe: Store.Commit is an idempotent
// upsert keyed by event ID and content digest.
func (w *WalStore) CommitWithWAL(h event.Header, payload []byte) error {
	txID, err := w.log.BeginTransaction()
	if err != nil {
		return err
	}
	if err := w.log.WriteEntry(txID, wal.Operation{Kind: wal.OpCommitEvent, Header: &h, Payload: payload}); err != nil {
		return err
	}
	if err := w.log.CommitTransaction(txID); err != nil {
		return err
	}
	return w.store.Commit(h, payload)
}

// Recover replays the write-ahead log into the underlying Store. Call
// this once at startup before serving any reads or writes.
func (w *WalStore) Recover() (wal.RecoveryResult, error) {
	return w.log.Recover(func(h event.Header, payload []byte) error {
		return w.store.Commit(h, payload)
	})
}

// Store returns the underlying Store for direct reads.
func (w *WalStore) Store() Store { return w.store }
