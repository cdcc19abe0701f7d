// Package bolt stores subscriptions and deferred messages in a bbolt file so
// both survive an endpoint restart. A DB satisfies subscriptions.Persister
// and timeouts.Persister.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/glimte/mmate-bus/contracts"
	"github.com/glimte/mmate-bus/subscriptions"
	"github.com/glimte/mmate-bus/timeouts"
)

var (
	subscriptionsBucket = []byte("subscriptions")
	timeoutsPrefix      = "timeouts."
)

// DB is a bbolt backed persister.
type DB struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// Open opens or creates the database file at path.
func Open(path string, opts ...Option) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(subscriptionsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	d := &DB{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Close closes the database file.
func (d *DB) Close() error {
	return d.db.Close()
}

type subscriptionRecord struct {
	MessageType string `json:"messageType"`
	Address     string `json:"address"`
}

func subscriptionKey(sub subscriptions.Subscription) []byte {
	return []byte(sub.MessageType + "\x00" + sub.Address.String())
}

// LoadAll returns every stored subscription. Records with an unparseable
// address are skipped.
func (d *DB) LoadAll(ctx context.Context) ([]subscriptions.Subscription, error) {
	var out []subscriptions.Subscription
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(subscriptionsBucket).ForEach(func(k, v []byte) error {
			var rec subscriptionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				d.logger.Warn("skipping corrupt subscription", "key", string(k), "error", err)
				return nil
			}
			addr, err := contracts.ParseAddress(rec.Address)
			if err != nil {
				d.logger.Warn("skipping subscription with bad address", "key", string(k), "error", err)
				return nil
			}
			out = append(out, subscriptions.Subscription{MessageType: rec.MessageType, Address: addr})
			return nil
		})
	})
	return out, err
}

// Persist stores sub. Predicates are not persisted.
func (d *DB) Persist(ctx context.Context, sub subscriptions.Subscription) error {
	value, err := json.Marshal(subscriptionRecord{MessageType: sub.MessageType, Address: sub.Address.String()})
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(subscriptionsBucket).Put(subscriptionKey(sub), value)
	})
}

// Remove deletes sub; removing an unknown subscription is not an error.
func (d *DB) Remove(ctx context.Context, sub subscriptions.Subscription) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(subscriptionsBucket).Delete(subscriptionKey(sub))
	})
}

type timeoutRecord struct {
	ID          string              `json:"id"`
	Endpoint    string              `json:"endpoint"`
	Destination string              `json:"destination"`
	DueTime     time.Time           `json:"dueTime"`
	Envelope    *contracts.Envelope `json:"envelope"`
}

// timeoutKey sorts by due time, then id.
func timeoutKey(due time.Time, id string) []byte {
	nanos := due.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	key := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(key, uint64(nanos))
	return append(key, id...)
}

func timeoutsBucket(endpoint string) []byte {
	return []byte(timeoutsPrefix + endpoint)
}

// Store saves a deferred entry.
func (d *DB) Store(ctx context.Context, entry timeouts.Entry) error {
	value, err := json.Marshal(timeoutRecord{
		ID:          entry.ID,
		Endpoint:    entry.Endpoint,
		Destination: entry.Destination.String(),
		DueTime:     entry.DueTime.UTC(),
		Envelope:    entry.Envelope,
	})
	if err != nil {
		return err
	}
	return d.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(timeoutsBucket(entry.Endpoint))
		if err != nil {
			return err
		}
		return b.Put(timeoutKey(entry.DueTime, entry.ID), value)
	})
}

// NextDueChunk removes and returns the entries due at or before upperBound
// in one transaction.
func (d *DB) NextDueChunk(ctx context.Context, endpoint string, upperBound time.Time) ([]timeouts.Entry, time.Time, error) {
	var (
		due  []timeouts.Entry
		next time.Time
	)
	err := d.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(timeoutsBucket(endpoint))
		if b == nil {
			return nil
		}

		// keys of the bound's nanosecond with any id sort after this prefix
		limit := timeoutKey(upperBound.Add(time.Nanosecond), "")
		var keys [][]byte
		c := b.Cursor()
		k, v := c.First()
		for ; k != nil && bytes.Compare(k, limit) < 0; k, v = c.Next() {
			keys = append(keys, append([]byte(nil), k...))

			var rec timeoutRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				d.logger.Error("dropping corrupt deferred message", "endpoint", endpoint, "error", err)
				continue
			}
			dest, err := contracts.ParseAddress(rec.Destination)
			if err != nil {
				d.logger.Error("dropping deferred message with bad destination", "id", rec.ID, "error", err)
				continue
			}
			due = append(due, timeouts.Entry{
				ID:          rec.ID,
				Endpoint:    rec.Endpoint,
				Destination: dest,
				DueTime:     rec.DueTime,
				Envelope:    rec.Envelope,
			})
		}
		if k != nil {
			next = time.Unix(0, int64(binary.BigEndian.Uint64(k[:8]))).UTC()
		}

		for _, key := range keys {
			if err := b.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	return due, next, nil
}

// Pending counts the deferred entries of endpoint.
func (d *DB) Pending(endpoint string) int {
	n := 0
	_ = d.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(timeoutsBucket(endpoint)); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n
}

var (
	_ subscriptions.Persister = (*DB)(nil)
	_ timeouts.Persister      = (*DB)(nil)
)
