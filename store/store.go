// Package store implements the durable keyed record store. Records are
// organized into named collections (free-form strings such as "anime" or
// "reviews") and survive process restarts. Each operation runs in its own
// bbolt transaction; the store adds no locking of its own.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrCorrupted is returned when a stored payload fails digest
	// verification on read.
	ErrCorrupted = errors.New("store: payload digest mismatch")
)

// Record is a persisted record: an identity within its collection and an
// opaque payload. The store is generic over payload shape.
type Record struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Store provides durable keyed record storage in named collections.
// Storage-engine errors (quota, corruption) propagate to the caller; the
// store never retries internally.
type Store interface {
	// Put upserts a record keyed by its ID, creating the collection lazily
	// on first use.
	Put(ctx context.Context, collection string, rec Record) error

	// Get returns the record with the given ID, or ErrNotFound.
	Get(ctx context.Context, collection, id string) (Record, error)

	// GetAll returns all records in the collection, materialized.
	GetAll(ctx context.Context, collection string) ([]Record, error)

	// Delete removes the record with the given ID. Deleting a missing
	// record is not an error.
	Delete(ctx context.Context, collection, id string) error

	// Clear removes the entire collection.
	Clear(ctx context.Context, collection string) error
}
