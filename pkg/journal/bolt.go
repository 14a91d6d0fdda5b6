package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/markus-lassfolk/dfsd/pkg"
)

// BoltJournal stores events in a bbolt database, one bucket per interface.
// Keys are the big-endian UnixNano timestamp followed by the event ID, so a
// cursor walks a bucket in time order.
type BoltJournal struct {
	db *bolt.DB
}

// OpenBolt opens or creates a bbolt journal.
func OpenBolt(path string) (*BoltJournal, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database: %w", err)
	}
	return &BoltJournal{db: db}, nil
}

func eventKey(e *pkg.Event) []byte {
	key := make([]byte, 8, 8+len(e.ID))
	binary.BigEndian.PutUint64(key, uint64(e.Timestamp.UnixNano()))
	return append(key, e.ID...)
}

func tsKey(t time.Time) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(t.UnixNano()))
	return key
}

func bucketName(iface string) []byte {
	if iface == "" {
		return []byte("_")
	}
	return []byte(iface)
}

// Append stores e.
func (b *BoltJournal) Append(e *pkg.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketName(e.Iface))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", e.Iface, err)
		}
		return bucket.Put(eventKey(e), data)
	})
}

// Query returns matching events, oldest first.
func (b *BoltJournal) Query(q Query) ([]*pkg.Event, error) {
	var out []*pkg.Event
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, bucket *bolt.Bucket) error {
			if q.Iface != "" && !bytes.Equal(name, bucketName(q.Iface)) {
				return nil
			}
			c := bucket.Cursor()
			k, v := c.First()
			if !q.Since.IsZero() {
				k, v = c.Seek(tsKey(q.Since))
			}
			for ; k != nil; k, v = c.Next() {
				var e pkg.Event
				if err := json.Unmarshal(v, &e); err != nil {
					return fmt.Errorf("corrupt journal entry: %w", err)
				}
				if q.matches(&e) {
					out = append(out, &e)
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortEvents(out)
	return trimLimit(out, q.Limit), nil
}

// Prune deletes events older than before.
func (b *BoltJournal) Prune(before time.Time) (int, error) {
	removed := 0
	limit := tsKey(before)
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.ForEach(func(_ []byte, bucket *bolt.Bucket) error {
			c := bucket.Cursor()
			for k, _ := c.First(); k != nil && bytes.Compare(k[:8], limit) < 0; k, _ = c.First() {
				if err := c.Delete(); err != nil {
					return err
				}
				removed++
			}
			return nil
		})
	})
	return removed, err
}

// Close closes the database.
func (b *BoltJournal) Close() error {
	return b.db.Close()
}
