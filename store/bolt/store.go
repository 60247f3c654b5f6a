// Package bolt implements model.DataStore over go.etcd.io/bbolt: one
// bucket per stream identifier, events keyed by their big-endian uint64
// version. This gives the dense, ordered-from-0 version invariant a
// direct storage analogue and makes batch-append a single transaction.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"streamforge.dev/migrator/config"
	"streamforge.dev/migrator/migrateerr"
	"streamforge.dev/migrator/model"
)

// Store wraps a bbolt database as an event DataStore.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying file handle.
func (s *Store) Close() error { return s.db.Close() }

// OpenFromEnv opens the bbolt file named by config.LoadBoltStoreConfig
// read under prefix.
func OpenFromEnv(prefix string) (*Store, error) {
	cfg := config.LoadBoltStoreConfig(prefix)
	return Open(cfg.Path)
}

func key(version int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(version))
	return b
}

func versionOf(k []byte) int {
	return int(binary.BigEndian.Uint64(k))
}

// Head returns the current version of streamIdentifier's bucket, or -1
// if the bucket does not exist or is empty.
func (s *Store) Head(_ context.Context, streamIdentifier string) (int, error) {
	head := -1
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(streamIdentifier))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		k, _ := c.Last()
		if k != nil {
			head = versionOf(k)
		}
		return nil
	})
	if err != nil {
		return -1, migrateerr.New(migrateerr.ReadFailed, "bolt: head", err)
	}
	return head, nil
}

// Read returns events for doc's active stream with version in
// [startVersion, untilVersion]; untilVersion<0 means "to head".
func (s *Store) Read(_ context.Context, doc model.ObjectDocument, startVersion, untilVersion int) ([]model.Event, error) {
	var events []model.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(doc.Active.StreamIdentifier))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(key(startVersion)); k != nil; k, v = c.Next() {
			ver := versionOf(k)
			if untilVersion >= 0 && ver > untilVersion {
				break
			}
			var ev model.Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("unmarshal event at version %d: %w", ver, err)
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, migrateerr.New(migrateerr.ReadFailed, "bolt: read stream "+doc.Active.StreamIdentifier, err)
	}
	return events, nil
}

// Append writes events to doc's active stream, or to
// targetStreamOverride when non-empty, as a single bbolt transaction.
// Unless expectedVersion is model.NoExpectedVersion the current head
// must equal it (-1 for an empty stream) or the call fails with a
// conflict error, checked inside the same transaction that performs
// the write so the check-then-act is atomic.
func (s *Store) Append(_ context.Context, doc model.ObjectDocument, targetStreamOverride string, expectedVersion int, events []model.Event) error {
	stream := doc.Active.StreamIdentifier
	if targetStreamOverride != "" {
		stream = targetStreamOverride
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(stream))
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", stream, err)
		}
		if expectedVersion != model.NoExpectedVersion {
			head := -1
			if k, _ := b.Cursor().Last(); k != nil {
				head = versionOf(k)
			}
			if head != expectedVersion {
				return migrateerr.New(migrateerr.AppendConflict, "version conflict", nil).
					WithField("expected", expectedVersion).WithField("actual", head)
			}
		}
		for _, ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("marshal event version %d: %w", ev.EventVersion, err)
			}
			if err := b.Put(key(ev.EventVersion), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if me, ok := err.(*migrateerr.Error); ok {
			return me
		}
		return migrateerr.New(migrateerr.AppendFailed, "bolt: append to "+stream, err)
	}
	return nil
}
