// Package store implements the event store backend (C4): durable
// persistence of event headers and payloads, addressed by event ID and
// content digest respectively.
package store

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/toka/pkg/causal"
	"github.com/cuemby/toka/pkg/event"
)

var (
	bucketHeaders  = []byte("headers")
	bucketPayloads = []byte("payloads")
)

// ErrNotFound is returned when a header or payload is not present.
var ErrNotFound = errors.New("store: not found")

// Store is the durable interface the rest of the platform commits
// events through and reads them back from (§3/§4.1).
type Store interface {
	Commit(h event.Header, payload []byte) error
	Header(id uuid.UUID) (*event.Header, error)
	PayloadBytes(digest causal.Digest) ([]byte, error)
	Headers() ([]event.Header, error)
	Close() error
}

// BoltStore implements Store on top of a dedicated bbolt file.
// Headers and payloads are stored in separate buckets so that a
// payload shared by multiple headers (same digest) is written once.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) <dataDir>/store.db.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "store.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketHeaders, bucketPayloads} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Commit stores the header under its event ID and the payload under
// its content digest, upserting both. Storing by digest means a
// re-commit of the same payload is a no-op write, not a duplicate.
func (s *BoltStore) Commit(h event.Header, payload []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		headerData, err := event.Encode(h)
		if err != nil {
			return fmt.Errorf("encode header: %w", err)
		}
		if err := tx.Bucket(bucketHeaders).Put(h.ID[:], headerData); err != nil {
			return err
		}
		return tx.Bucket(bucketPayloads).Put(h.Digest.Bytes(), payload)
	})
}

// Header looks up a stored event header by ID.
func (s *BoltStore) Header(id uuid.UUID) (*event.Header, error) {
	var h event.Header
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHeaders).Get(id[:])
		if data == nil {
			return ErrNotFound
		}
		return event.Decode(data, &h)
	})
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// PayloadBytes looks up stored payload bytes by content digest.
func (s *BoltStore) PayloadBytes(digest causal.Digest) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPayloads).Get(digest.Bytes())
		if data == nil {
			return ErrNotFound
		}
		out = make([]byte, len(data))
		copy(out, data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Headers returns every stored header, for snapshot and recovery use.
func (s *BoltStore) Headers() ([]event.Header, error) {
	var headers []event.Header
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHeaders).ForEach(func(_, v []byte) error {
			var h event.Header
			if err := event.Decode(v, &h); err != nil {
				return err
			}
			headers = append(headers, h)
			return nil
		})
	})
	return headers, err
}
