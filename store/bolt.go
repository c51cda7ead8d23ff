package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// BoltStore implements Store using bbolt, with one bucket per collection.
// Buckets are created lazily on first Put. Every call runs in its own bbolt
// transaction, which serializes concurrent access to a collection.
type BoltStore struct {
	db     *bbolt.DB
	codec  *codec
	logger *slog.Logger
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltStoreOption configures a BoltStore instance.
type BoltStoreOption func(*BoltStore)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) BoltStoreOption {
	return func(b *BoltStore) {
		b.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltStoreOption {
	return func(b *BoltStore) {
		b.noSync = noSync
	}
}

// NewBoltStore creates a new BoltStore instance with options.
func NewBoltStore(opts ...BoltStoreOption) *BoltStore {
	b := &BoltStore{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltStore) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	c, err := newCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating payload codec: %w", err)
	}
	b.codec = c

	b.logger.Debug("opened record store", "path", path, "noSync", b.noSync)
	return nil
}

// Close closes the database and releases codec resources.
func (b *BoltStore) Close() error {
	if b.codec != nil {
		b.codec.close()
		b.codec = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing record store")
	return b.db.Close()
}

// Put upserts a record into its collection, creating the bucket lazily.
func (b *BoltStore) Put(_ context.Context, collection string, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("store: record has empty ID")
	}

	encoded, err := b.codec.encode(rec.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload for %s/%s: %w", collection, rec.ID, err)
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return fmt.Errorf("creating collection %q: %w", collection, err)
		}
		if err := bucket.Put([]byte(rec.ID), encoded); err != nil {
			return fmt.Errorf("putting record %s/%s: %w", collection, rec.ID, err)
		}
		return nil
	})
}

// Get returns the record with the given ID, or ErrNotFound.
func (b *BoltStore) Get(_ context.Context, collection, id string) (Record, error) {
	var payload []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return ErrNotFound
		}

		val := bucket.Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}

		decoded, err := b.codec.decode(val)
		if err != nil {
			return fmt.Errorf("decoding record %s/%s: %w", collection, id, err)
		}
		payload = decoded
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return Record{ID: id, Payload: payload}, nil
}

// GetAll returns all records in the collection, materialized. An unknown
// collection yields an empty result, not an error.
func (b *BoltStore) GetAll(_ context.Context, collection string) ([]Record, error) {
	var records []Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			decoded, err := b.codec.decode(v)
			if err != nil {
				return fmt.Errorf("decoding record %s/%s: %w", collection, k, err)
			}
			records = append(records, Record{ID: string(k), Payload: decoded})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Delete removes the record with the given ID. Missing records and missing
// collections are not errors.
func (b *BoltStore) Delete(_ context.Context, collection, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(id))
	})
}

// Clear removes the entire collection.
func (b *BoltStore) Clear(_ context.Context, collection string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(collection)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(collection))
	})
}

// Compile-time interface check
var _ Store = (*BoltStore)(nil)
