// Package boltstore is a go.etcd.io/bbolt-backed persist.Repository.
//
// No file in the retrieved example pack uses bbolt directly (it only
// appears as a declared dependency), so the bucket layout and
// transaction shape here follow bbolt's own documented API rather than
// an in-pack usage example: one top-level bucket, keyed by label,
// values gob-encoded, every access wrapped in View/Update.
package boltstore

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/rpki-tools/rrdpworker/internal/persist"
)

var bucketName = []byte("repository_state")

// Store is a persist.Repository backed by a single bbolt file.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) the bbolt file at path and
// ensures the repository_state bucket exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltstore: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Load implements persist.Repository.
func (s *Store) Load(_ context.Context, label string) (persist.RepositoryState, error) {
	var state persist.RepositoryState
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		raw := b.Get([]byte(label))
		if raw == nil {
			return persist.ErrNotFound
		}
		dec := gob.NewDecoder(bytes.NewReader(raw))
		return dec.Decode(&state)
	})
	if err != nil {
		if err == persist.ErrNotFound {
			return persist.RepositoryState{}, err
		}
		return persist.RepositoryState{}, fmt.Errorf("boltstore: load %s: %w", label, err)
	}
	return state, nil
}

// Save implements persist.Repository. The write happens inside a
// single bbolt.Update transaction, so a concurrent Load never observes
// a half-written record.
func (s *Store) Save(_ context.Context, state persist.RepositoryState) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return fmt.Errorf("boltstore: encode state for %s: %w", state.Label, err)
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put([]byte(state.Label), buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("boltstore: save %s: %w", state.Label, err)
	}
	return nil
}

// Close implements persist.Repository.
func (s *Store) Close() error {
	return s.db.Close()
}
