// Package wal implements the write-ahead log (C3): durable, sequenced
// records of every intent to mutate the store, written before the
// mutation is applied, so a crash can be recovered from deterministically.
package wal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/toka/pkg/event"
	"github.com/cuemby/toka/pkg/log"
)

var bucketEntries = []byte("wal_entries")

// OperationKind discriminates the closed WalOperation sum type (§3).
type OperationKind string

const (
	OpBeginTransaction    OperationKind = "begin_transaction"
	OpCommitEvent         OperationKind = "commit_event"
	OpCommitTransaction   OperationKind = "commit_transaction"
	OpRollbackTransaction OperationKind = "rollback_transaction"
	OpCheckpoint          OperationKind = "checkpoint"
)

// EntryState is the lifecycle of a WAL entry.
type EntryState string

const (
	StatePending    EntryState = "pending"
	StateCommitted  EntryState = "committed"
	StateRolledBack EntryState = "rolled_back"
	StateCheckpoint EntryState = "checkpointed"
)

// Operation is the payload of one WAL entry, a closed sum type
// discriminated by Kind. Only the fields relevant to Kind are populated.
type Operation struct {
	Kind          OperationKind `json:"kind"`
	TransactionID uuid.UUID     `json:"transaction_id,omitempty"`
	Header        *event.Header `json:"header,omitempty"`
	Payload       []byte        `json:"payload,omitempty"`
	UpToSequence  uint64        `json:"up_to_sequence,omitempty"`
}

// Entry is a single durable record in the log (§3).
type Entry struct {
	ID            uuid.UUID  `json:"id"`
	TransactionID uuid.UUID  `json:"transaction_id"`
	Sequence      uint64     `json:"sequence"`
	Timestamp     time.Time  `json:"timestamp"`
	Operation     Operation  `json:"operation"`
	State         EntryState `json:"state"`
}

// Errors surfaced by the WAL (§7 state errors / durability errors).
var (
	ErrTransactionNotFound        = errors.New("wal: transaction not found")
	ErrTransactionAlreadyTerminal = errors.New("wal: transaction already committed or rolled back")
)

// WalOperationFailedError wraps any durability failure on a boundary
// write; callers must treat it as non-retryable for that transaction.
type WalOperationFailedError struct {
	Err error
}

func (e *WalOperationFailedError) Error() string {
	return fmt.Sprintf("wal: operation failed: %v", e.Err)
}

func (e *WalOperationFailedError) Unwrap() error { return e.Err }

// RecoveryResult reports what recover() found and did (§4.3).
type RecoveryResult struct {
	EntriesRecovered       int
	TransactionsRolledBack int
	TransactionsCommitted  int
	EntriesCheckpointed    int
	RecoveryErrors         []string
}

// ApplyFunc re-applies a committed CommitEvent operation to the
// underlying store during recovery; it must be idempotent on event ID.
type ApplyFunc func(h event.Header, payload []byte) error

// WAL is a single-writer, bbolt-backed write-ahead log.
type WAL struct {
	mu  sync.Mutex
	db  *bolt.DB
	seq uint64
}

// Open opens (or creates) the WAL database at <dataDir>/wal.db and
// restores the next sequence counter from the highest stored entry.
func Open(dataDir string) (*WAL, error) {
	dbPath := filepath.Join(dataDir, "wal.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", dbPath, err)
	}

	w := &WAL{db: db}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketEntries)
		if err != nil {
			return err
		}
		c := b.Cursor()
		if k, _ := c.Last(); k != nil {
			w.seq = binary.BigEndian.Uint64(k) + 1
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("wal: init %s: %w", dbPath, err)
	}

	return w, nil
}

// Close closes the underlying database.
func (w *WAL) Close() error {
	return w.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func (w *WAL) append(txID uuid.UUID, op Operation, state EntryState) (Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := Entry{
		ID:            uuid.New(),
		TransactionID: txID,
		Sequence:      w.seq,
		Timestamp:     time.Now().UTC(),
		Operation:     op,
		State:         state,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, &WalOperationFailedError{Err: err}
	}

	err = w.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		return b.Put(seqKey(entry.Sequence), data)
	})
	if err != nil {
		return Entry{}, &WalOperationFailedError{Err: err}
	}

	w.seq++
	return entry, nil
}

// BeginTransaction allocates a fresh transaction id and writes a
// BeginTransaction entry, synchronously flushed.
func (w *WAL) BeginTransaction() (uuid.UUID, error) {
	txID := uuid.New()
	_, err := w.append(txID, Operation{Kind: OpBeginTransaction, TransactionID: txID}, StatePending)
	if err != nil {
		return uuid.Nil, err
	}
	return txID, nil
}

// WriteEntry writes a CommitEvent, CommitTransaction, RollbackTransaction,
// or Checkpoint entry for the given transaction.
func (w *WAL) WriteEntry(txID uuid.UUID, op Operation) error {
	if err := w.checkOpen(txID); err != nil {
		return err
	}
	op.TransactionID = txID
	_, err := w.append(txID, op, StatePending)
	return err
}

// checkOpen verifies the transaction exists and is not yet terminal.
// This scans the bucket; callers hold no long-lived transaction table
// in memory because recovery must be able to rebuild it from disk alone.
func (w *WAL) checkOpen(txID uuid.UUID) error {
	state, found, err := w.transactionState(txID)
	if err != nil {
		return err
	}
	if !found {
		return ErrTransactionNotFound
	}
	if state == StateCommitted || state == StateRolledBack {
		return ErrTransactionAlreadyTerminal
	}
	return nil
}

func (w *WAL) transactionState(txID uuid.UUID) (EntryState, bool, error) {
	var (
		state EntryState
		found bool
	)
	err := w.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		return b.ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.TransactionID != txID {
				return nil
			}
			found = true
			switch e.Operation.Kind {
			case OpBeginTransaction:
				if state == "" {
					state = StatePending
				}
			case OpCommitTransaction:
				state = StateCommitted
			case OpRollbackTransaction:
				state = StateRolledBack
			}
			return nil
		})
	})
	return state, found, err
}

// CommitTransaction writes a terminal CommitTransaction entry. From this
// instant the transaction is durable.
func (w *WAL) CommitTransaction(txID uuid.UUID) error {
	if err := w.checkOpen(txID); err != nil {
		return err
	}
	_, err := w.append(txID, Operation{Kind: OpCommitTransaction, TransactionID: txID}, StateCommitted)
	return err
}

// RollbackTransaction writes a terminal RollbackTransaction entry.
func (w *WAL) RollbackTransaction(txID uuid.UUID) error {
	if err := w.checkOpen(txID); err != nil {
		return err
	}
	_, err := w.append(txID, Operation{Kind: OpRollbackTransaction, TransactionID: txID}, StateRolledBack)
	return err
}

// Checkpoint writes a Checkpoint entry marking entries up to and
// including upToSequence as safely removable.
func (w *WAL) Checkpoint(upToSequence uint64) error {
	_, err := w.append(uuid.Nil, Operation{Kind: OpCheckpoint, UpToSequence: upToSequence}, StateCheckpoint)
	return err
}

// CurrentSequence returns the next sequence number to be assigned.
func (w *WAL) CurrentSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Recover scans WAL entries in sequence order, rebuilds the transaction
// table, and for each transaction either re-applies its committed
// CommitEvent operations (idempotently, via apply) or discards staged
// operations for transactions that never reached a terminal Commit.
func (w *WAL) Recover(apply ApplyFunc) (RecoveryResult, error) {
	type txRecord struct {
		terminal EntryState
		events   []Operation
	}
	transactions := make(map[uuid.UUID]*txRecord)
	var checkpointSeq uint64
	result := RecoveryResult{}

	err := w.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		return b.ForEach(func(k, v []byte) error {
			seq := binary.BigEndian.Uint64(k)
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				result.RecoveryErrors = append(result.RecoveryErrors,
					fmt.Sprintf("sequence %d: corrupted entry: %v", seq, err))
				return nil
			}
			result.EntriesRecovered++

			switch e.Operation.Kind {
			case OpCheckpoint:
				if e.Operation.UpToSequence > checkpointSeq {
					checkpointSeq = e.Operation.UpToSequence
				}
				result.EntriesCheckpointed++
			case OpBeginTransaction:
				if transactions[e.TransactionID] == nil {
					transactions[e.TransactionID] = &txRecord{}
				}
			case OpCommitEvent:
				rec := transactions[e.TransactionID]
				if rec == nil {
					rec = &txRecord{}
					transactions[e.TransactionID] = rec
				}
				rec.events = append(rec.events, e.Operation)
			case OpCommitTransaction:
				rec := transactions[e.TransactionID]
				if rec == nil {
					rec = &txRecord{}
					transactions[e.TransactionID] = rec
				}
				rec.terminal = StateCommitted
			case OpRollbackTransaction:
				rec := transactions[e.TransactionID]
				if rec == nil {
					rec = &txRecord{}
					transactions[e.TransactionID] = rec
				}
				rec.terminal = StateRolledBack
			}
			return nil
		})
	})
	if err != nil {
		return result, fmt.Errorf("wal: recover: %w", err)
	}

	for _, rec := range transactions {
		switch rec.terminal {
		case StateCommitted:
			for _, op := range rec.events {
				if op.Header == nil {
					continue
				}
				if err := apply(*op.Header, op.Payload); err != nil {
					result.RecoveryErrors = append(result.RecoveryErrors,
						fmt.Sprintf("event %s: reapply failed: %v", op.Header.ID, err))
					continue
				}
			}
			result.TransactionsCommitted++
		default:
			// Rolled back, or never reached a terminal state: discard.
			result.TransactionsRolledBack++
		}
	}

	log.Debug(fmt.Sprintf("wal recovery complete: %d entries, %d committed, %d rolled back, %d checkpointed",
		result.EntriesRecovered, result.TransactionsCommitted, result.TransactionsRolledBack, result.EntriesCheckpointed))

	return result, nil
}
