// Package store persists reading metadata and run state across restarts.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketReadings = []byte("readings")
	bucketState    = []byte("state")
	keyRunState    = []byte("run")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketReadings, bucketState} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveReadingMeta(meta *ReadingMeta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReadings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketReadings)
		}
		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return b.Put([]byte(meta.ID), data)
	})
}

func (s *BoltStore) GetReadingMeta(id string) (*ReadingMeta, error) {
	var meta ReadingMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReadings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketReadings)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("reading %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &meta)
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *BoltStore) ListReadingMeta() ([]*ReadingMeta, error) {
	var metas []*ReadingMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReadings)
		if b == nil {
			return nil // no bucket = no readings
		}
		metas = make([]*ReadingMeta, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var meta ReadingMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			metas = append(metas, &meta)
			return nil
		})
	})
	return metas, err
}

func (s *BoltStore) UpdateReadingMeta(id string, fn func(meta *ReadingMeta) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketReadings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketReadings)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("reading %s: %w", id, ErrNotFound)
		}
		var meta ReadingMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return err
		}
		if err := fn(&meta); err != nil {
			return err
		}
		out, err := json.Marshal(&meta)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}

func (s *BoltStore) SaveRunState(state *RunState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketState)
		}
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put(keyRunState, data)
	})
}

func (s *BoltStore) GetRunState() (*RunState, error) {
	var state RunState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketState)
		}
		data := b.Get(keyRunState)
		if data == nil {
			return fmt.Errorf("run state: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
