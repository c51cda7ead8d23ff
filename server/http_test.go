package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	offline "github.com/Desmondshah/AnimeMuseAI-sub007"
	"github.com/Desmondshah/AnimeMuseAI-sub007/store"
	"github.com/Desmondshah/AnimeMuseAI-sub007/syncq"
)

func newTestServer(t *testing.T) (*Server, *http.ServeMux) {
	t.Helper()

	m, err := offline.New(offline.Config{
		StorePath: filepath.Join(t.TempDir(), "offline.db"),
		NoSync:    true,
		Applier: syncq.ApplierFunc(func(context.Context, syncq.Item) error {
			return nil
		}),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Stop() })

	s, err := New(Config{Manager: m})
	require.NoError(t, err)

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s, mux
}

func doRequest(mux *http.ServeMux, method, target, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestServerHealth(t *testing.T) {
	_, mux := newTestServer(t)

	rec := doRequest(mux, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServerPutThenGet(t *testing.T) {
	_, mux := newTestServer(t)

	rec := doRequest(mux, http.MethodPut, "/collections/anime/records/a1", `{"title":"x"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(mux, http.MethodGet, "/collections/anime/records/a1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got store.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "a1", got.ID)
	require.JSONEq(t, `{"title":"x"}`, string(got.Payload))
}

func TestServerGetMissing(t *testing.T) {
	_, mux := newTestServer(t)

	rec := doRequest(mux, http.MethodGet, "/collections/anime/records/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerPutRejectsInvalidJSON(t *testing.T) {
	_, mux := newTestServer(t)

	rec := doRequest(mux, http.MethodPut, "/collections/anime/records/a1", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerCreateGeneratesID(t *testing.T) {
	_, mux := newTestServer(t)

	rec := doRequest(mux, http.MethodPost, "/collections/anime/records", `{"payload":{"title":"x"}}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created store.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
}

func TestServerDelete(t *testing.T) {
	_, mux := newTestServer(t)

	doRequest(mux, http.MethodPut, "/collections/anime/records/a1", `{}`)

	rec := doRequest(mux, http.MethodDelete, "/collections/anime/records/a1", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(mux, http.MethodGet, "/collections/anime/records/a1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerGetAll(t *testing.T) {
	_, mux := newTestServer(t)

	doRequest(mux, http.MethodPut, "/collections/anime/records/a1", `{}`)
	doRequest(mux, http.MethodPut, "/collections/anime/records/a2", `{}`)

	rec := doRequest(mux, http.MethodGet, "/collections/anime/records", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var records []store.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 2)
}

func TestServerGetAllEmptyCollection(t *testing.T) {
	_, mux := newTestServer(t)

	rec := doRequest(mux, http.MethodGet, "/collections/empty/records", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, rec.Body.String())
}

func TestServerStats(t *testing.T) {
	_, mux := newTestServer(t)

	doRequest(mux, http.MethodPut, "/collections/anime/records/a1", `{}`)

	rec := doRequest(mux, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats offline.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 1, stats.Cache.Count)
}

func TestServerFlush(t *testing.T) {
	_, mux := newTestServer(t)

	doRequest(mux, http.MethodPut, "/collections/anime/records/a1", `{}`)

	rec := doRequest(mux, http.MethodPost, "/flush", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"applied":1,"requeued":0}`, rec.Body.String())
}
