package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s := NewBoltStore(WithNoSync(true))
	require.NoError(t, s.Open(filepath.Join(t.TempDir(), "records.db")))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltStorePutAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := Record{ID: "1", Payload: json.RawMessage(`{"title":"Cowboy Bebop"}`)}
	require.NoError(t, s.Put(ctx, "anime", rec))

	got, err := s.Get(ctx, "anime", "1")
	require.NoError(t, err)
	require.Equal(t, "1", got.ID)
	require.JSONEq(t, `{"title":"Cowboy Bebop"}`, string(got.Payload))
}

func TestBoltStoreGetMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "anime", "nope")
	require.ErrorIs(t, err, ErrNotFound)

	// Unknown collection behaves the same as a missing key.
	_, err = s.Get(ctx, "unknown", "1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBoltStorePutOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "anime", Record{ID: "1", Payload: json.RawMessage(`{"v":1}`)}))
	require.NoError(t, s.Put(ctx, "anime", Record{ID: "1", Payload: json.RawMessage(`{"v":2}`)}))

	got, err := s.Get(ctx, "anime", "1")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":2}`, string(got.Payload))

	all, err := s.GetAll(ctx, "anime")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestBoltStorePutEmptyID(t *testing.T) {
	s := newTestStore(t)

	err := s.Put(context.Background(), "anime", Record{Payload: json.RawMessage(`{}`)})
	require.Error(t, err)
}

func TestBoltStoreGetAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put(ctx, "reviews", Record{ID: id, Payload: json.RawMessage(`{}`)}))
	}

	all, err := s.GetAll(ctx, "reviews")
	require.NoError(t, err)
	require.Len(t, all, 3)

	// Unknown collection is empty, not an error.
	none, err := s.GetAll(ctx, "unknown")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestBoltStoreDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "anime", Record{ID: "1", Payload: json.RawMessage(`{}`)}))
	require.NoError(t, s.Delete(ctx, "anime", "1"))

	_, err := s.Get(ctx, "anime", "1")
	require.ErrorIs(t, err, ErrNotFound)

	// Deleting again, or from an unknown collection, is fine.
	require.NoError(t, s.Delete(ctx, "anime", "1"))
	require.NoError(t, s.Delete(ctx, "unknown", "1"))
}

func TestBoltStoreClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "anime", Record{ID: "1", Payload: json.RawMessage(`{}`)}))
	require.NoError(t, s.Put(ctx, "anime", Record{ID: "2", Payload: json.RawMessage(`{}`)}))
	require.NoError(t, s.Put(ctx, "reviews", Record{ID: "1", Payload: json.RawMessage(`{}`)}))

	require.NoError(t, s.Clear(ctx, "anime"))

	all, err := s.GetAll(ctx, "anime")
	require.NoError(t, err)
	require.Empty(t, all)

	// Other collections are untouched.
	all, err = s.GetAll(ctx, "reviews")
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, s.Clear(ctx, "unknown"))
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records.db")
	ctx := context.Background()

	s := NewBoltStore(WithNoSync(true))
	require.NoError(t, s.Open(path))
	require.NoError(t, s.Put(ctx, "anime", Record{ID: "1", Payload: json.RawMessage(`{"title":"Mushishi"}`)}))
	require.NoError(t, s.Close())

	s = NewBoltStore(WithNoSync(true))
	require.NoError(t, s.Open(path))
	defer s.Close()

	got, err := s.Get(ctx, "anime", "1")
	require.NoError(t, err)
	require.JSONEq(t, `{"title":"Mushishi"}`, string(got.Payload))
}
