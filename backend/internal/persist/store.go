// Package persist keeps a client's document state on local disk so edits
// made while offline survive a restart and can be offered to the relay later.
package persist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cloneot/yjs-playground/backend/internal/ydoc"
)

var (
	keyClient   = []byte("client")
	keySnapshot = []byte("snapshot")
	bucketLog   = []byte("log")
)

// State is what a client needs to resume a room: its own id, the last
// document state it saw and the own updates not yet acknowledged.
type State struct {
	ClientID uint64
	Snapshot ydoc.Snapshot
	Log      []ydoc.Update
}

type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open local store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Save replaces the stored state of room.
func (s *Store) Save(room string, st State) error {
	snap, err := ydoc.EncodeSnapshot(st.Snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(room))
		if err != nil {
			return err
		}
		if err := b.Put(keyClient, u64(st.ClientID)); err != nil {
			return err
		}
		if err := b.Put(keySnapshot, snap); err != nil {
			return err
		}
		if err := b.DeleteBucket(bucketLog); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		lb, err := b.CreateBucket(bucketLog)
		if err != nil {
			return err
		}
		for _, u := range st.Log {
			raw, err := ydoc.EncodeUpdate(u)
			if err != nil {
				return fmt.Errorf("encode update %d: %w", u.Clock, err)
			}
			if err := lb.Put(u64(u.Clock), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns the stored state of room. ok is false when nothing was saved.
func (s *Store) Load(room string) (st State, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(room))
		if b == nil {
			return nil
		}
		if v := b.Get(keyClient); len(v) == 8 {
			st.ClientID = binary.BigEndian.Uint64(v)
		}
		if v := b.Get(keySnapshot); v != nil {
			snap, err := ydoc.DecodeSnapshot(v)
			if err != nil {
				return err
			}
			st.Snapshot = snap
		}
		if lb := b.Bucket(bucketLog); lb != nil {
			// keys are big-endian clocks, so the cursor yields them in order
			err := lb.ForEach(func(_, v []byte) error {
				u, err := ydoc.DecodeUpdate(v)
				if err != nil {
					return err
				}
				st.Log = append(st.Log, u)
				return nil
			})
			if err != nil {
				return err
			}
		}
		ok = true
		return nil
	})
	return st, ok, err
}

// Delete forgets room.
func (s *Store) Delete(room string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(room))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
