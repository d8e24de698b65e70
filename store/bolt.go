package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/goliatone/go-statecontract/fsm"
)

var instancesBucket = []byte("instances")

// Bolt keeps snapshots in a single bbolt bucket. It has no outbox; hosts
// using it publish intents straight to their sink after each save.
type Bolt struct {
	db *bolt.DB
}

var _ SnapshotStore = (*Bolt)(nil)

// OpenBolt opens (or creates) a bbolt file and its instances bucket.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	store, err := NewBolt(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewBolt wraps an open database.
func NewBolt(db *bolt.DB) (*Bolt, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(instancesBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

// Close closes the underlying database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

// Load reads one instance.
func (b *Bolt) Load(_ context.Context, id string) (*fsm.Instance, error) {
	id = strings.TrimSpace(id)
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(instancesBucket).Get([]byte(id)); raw != nil {
			data = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, notFoundError(id)
	}
	return decodeInstance(data)
}

// Save compares versions and writes inside one update transaction.
func (b *Bolt) Save(_ context.Context, inst *fsm.Instance, expectedVersion int) (int, error) {
	if err := validateInstance(inst); err != nil {
		return 0, err
	}
	newVersion := expectedVersion + 1
	data, err := encodeInstance(inst, newVersion)
	if err != nil {
		return 0, err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(instancesBucket)
		actual := 0
		if raw := bucket.Get([]byte(inst.ID)); raw != nil {
			current, err := decodeInstance(raw)
			if err != nil {
				return err
			}
			actual = current.Version
		}
		if actual != expectedVersion {
			return conflictError(inst.ID, expectedVersion, actual)
		}
		return bucket.Put([]byte(inst.ID), data)
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// Delete removes an instance key.
func (b *Bolt) Delete(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(instancesBucket).Delete([]byte(strings.TrimSpace(id)))
	})
}

// List returns every instance in key order.
func (b *Bolt) List(_ context.Context) ([]*fsm.Instance, error) {
	var out []*fsm.Instance
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(instancesBucket).ForEach(func(_, v []byte) error {
			inst, err := decodeInstance(v)
			if err != nil {
				return err
			}
			out = append(out, inst)
			return nil
		})
	})
	return out, err
}
