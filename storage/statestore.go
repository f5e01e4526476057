package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"lendcore/engine"
)

// ErrNoState is returned when no snapshot has been saved yet.
var ErrNoState = errors.New("storage: no state snapshot")

var (
	stateBucket = []byte("engine_state")
	stateKey    = []byte("snapshot")
)

// StateStore persists engine snapshots in bbolt. One key, whole snapshot,
// written atomically; the schema version inside the snapshot gates loads.
type StateStore struct {
	db *bolt.DB
}

// OpenStateStore opens (creating if needed) the bbolt database at path.
func OpenStateStore(path string) (*StateStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open state db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create state bucket: %w", err)
	}
	return &StateStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *StateStore) Close() error { return s.db.Close() }

// Save writes the snapshot, replacing any previous one.
func (s *StateStore) Save(st *engine.State) error {
	if st == nil {
		return errors.New("storage: nil state")
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("storage: encode state: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put(stateKey, payload)
	})
	if err != nil {
		return fmt.Errorf("storage: save state: %w", err)
	}
	return nil
}

// Load reads the stored snapshot.
func (s *StateStore) Load() (*engine.State, error) {
	var payload []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(stateBucket).Get(stateKey)
		if raw != nil {
			payload = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: load state: %w", err)
	}
	if payload == nil {
		return nil, ErrNoState
	}
	st := &engine.State{}
	if err := json.Unmarshal(payload, st); err != nil {
		return nil, fmt.Errorf("storage: decode state: %w", err)
	}
	return st, nil
}
