// Package offline provides a client-side resource-management core that sits
// between an application and two costly resources: a remote data source and a
// persistent local store. It combines a bounded in-memory cache, a
// priority-ordered prefetch scheduler, a durable record store, and a mutation
// sync queue behind a single Manager.
package offline

import (
	"fmt"
	"strings"
)

// KeySeparator joins a collection name and a record ID into a cache key.
// The convention "{collection}:{recordID}" correlates cache entries with
// persisted records and queued sync items, and must stay stable.
const KeySeparator = ":"

// Key builds the composite cache key for a record in a collection.
func Key(collection, recordID string) string {
	return collection + KeySeparator + recordID
}

// SplitKey splits a composite cache key back into collection and record ID.
// Record IDs may themselves contain the separator; only the first occurrence
// delimits the collection.
func SplitKey(key string) (collection, recordID string, err error) {
	collection, recordID, ok := strings.Cut(key, KeySeparator)
	if !ok {
		return "", "", fmt.Errorf("invalid composite key %q: missing separator", key)
	}
	if collection == "" {
		return "", "", fmt.Errorf("invalid composite key %q: empty collection", key)
	}
	return collection, recordID, nil
}
