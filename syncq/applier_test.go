package syncq

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Desmondshah/AnimeMuseAI-sub007/store"
)

type capturedRequest struct {
	method string
	path   string
	body   string
}

func newApplierServer(t *testing.T, status int) (*HTTPApplier, *[]capturedRequest) {
	t.Helper()

	var mu sync.Mutex
	var captured []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		captured = append(captured, capturedRequest{method: r.Method, path: r.URL.Path, body: string(body)})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	return NewHTTPApplier(srv.URL), &captured
}

func TestHTTPApplierCreate(t *testing.T) {
	applier, captured := newApplierServer(t, http.StatusCreated)

	err := applier.Apply(context.Background(), Item{
		Action:     ActionCreate,
		Collection: "anime",
		Record:     store.Record{ID: "a1", Payload: json.RawMessage(`{"title":"x"}`)},
	})
	require.NoError(t, err)

	require.Len(t, *captured, 1)
	req := (*captured)[0]
	require.Equal(t, http.MethodPost, req.method)
	require.Equal(t, "/collections/anime/records", req.path)
	require.JSONEq(t, `{"title":"x"}`, req.body)
}

func TestHTTPApplierUpdate(t *testing.T) {
	applier, captured := newApplierServer(t, http.StatusOK)

	err := applier.Apply(context.Background(), Item{
		Action:     ActionUpdate,
		Collection: "anime",
		Record:     store.Record{ID: "a1", Payload: json.RawMessage(`{"title":"y"}`)},
	})
	require.NoError(t, err)

	req := (*captured)[0]
	require.Equal(t, http.MethodPut, req.method)
	require.Equal(t, "/collections/anime/records/a1", req.path)
}

func TestHTTPApplierDelete(t *testing.T) {
	applier, captured := newApplierServer(t, http.StatusNoContent)

	err := applier.Apply(context.Background(), Item{
		Action:     ActionDelete,
		Collection: "anime",
		Record:     store.Record{ID: "a1"},
	})
	require.NoError(t, err)

	req := (*captured)[0]
	require.Equal(t, http.MethodDelete, req.method)
	require.Equal(t, "/collections/anime/records/a1", req.path)
	require.Empty(t, req.body)
}

func TestHTTPApplierNon2xxIsError(t *testing.T) {
	applier, _ := newApplierServer(t, http.StatusConflict)

	err := applier.Apply(context.Background(), Item{
		Action:     ActionCreate,
		Collection: "anime",
		Record:     store.Record{ID: "a1", Payload: json.RawMessage(`{}`)},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "409")
}

func TestHTTPApplierHonorsContext(t *testing.T) {
	applier, _ := newApplierServer(t, http.StatusOK)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := applier.Apply(ctx, Item{
		Action:     ActionCreate,
		Collection: "anime",
		Record:     store.Record{ID: "a1", Payload: json.RawMessage(`{}`)},
	})
	require.ErrorIs(t, err, context.Canceled)
}
