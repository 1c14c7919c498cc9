// Package localstore is the unauthenticated fallback persistence used while no
// user is signed in. The whole list of local-only chats lives under one fixed
// key, in the same shape as remote records.
package localstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"ai-chatsync/internal/chat"
)

const (
	bucketName = "fallback"
	// SlotKey is the fixed name of the slot holding local-only chats.
	SlotKey = "chats"
)

type Slot struct {
	db *bolt.DB
}

func Open(path string) (*Slot, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "ensure fallback dir")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "open fallback db")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create fallback bucket")
	}
	return &Slot{db: db}, nil
}

// Load returns the stored chats. A missing or malformed slot yields an empty list.
func (s *Slot) Load() ([]chat.Record, error) {
	var out []chat.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(SlotKey))
		if len(v) == 0 {
			return nil
		}
		if err := json.Unmarshal(v, &out); err != nil {
			// a corrupt slot is treated as empty rather than blocking startup
			out = nil
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "read fallback slot")
	}
	return out, nil
}

// Save replaces the slot with records. Empty conversations are skipped.
func (s *Slot) Save(records []chat.Record) error {
	keep := make([]chat.Record, 0, len(records))
	for _, r := range records {
		if r.Persistable() {
			keep = append(keep, r)
		}
	}
	data, err := json.Marshal(keep)
	if err != nil {
		return errors.Wrap(err, "encode fallback slot")
	}
	return errors.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		if err != nil {
			return err
		}
		return b.Put([]byte(SlotKey), data)
	}), "write fallback slot")
}

// Clear empties the slot.
func (s *Slot) Clear() error {
	return errors.Wrap(s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(SlotKey))
	}), "clear fallback slot")
}

func (s *Slot) Close() error { return s.db.Close() }
