package syncq

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Desmondshah/AnimeMuseAI-sub007/telemetry"
)

// RemoteApplier delivers one queued mutation to the remote backend.
// Implementations must honor ctx; the coordinator imposes a per-item
// deadline through it. Any error marks the item for re-queue.
type RemoteApplier interface {
	Apply(ctx context.Context, item Item) error
}

// ApplierFunc adapts a function to the RemoteApplier interface.
type ApplierFunc func(ctx context.Context, item Item) error

// Apply implements RemoteApplier.
func (f ApplierFunc) Apply(ctx context.Context, item Item) error {
	return f(ctx, item)
}

// HTTPApplier delivers mutations to a REST-style backend:
//
//	create: POST   {base}/collections/{collection}/records
//	update: PUT    {base}/collections/{collection}/records/{id}
//	delete: DELETE {base}/collections/{collection}/records/{id}
//
// The request body is the record payload. Any non-2xx response is an error.
type HTTPApplier struct {
	baseURL   string
	authToken string
	client    *http.Client
}

// HTTPApplierOption configures an HTTPApplier.
type HTTPApplierOption func(*HTTPApplier)

// WithHTTPClient sets the underlying HTTP client. The client's transport is
// wrapped with remote-apply instrumentation.
func WithHTTPClient(client *http.Client) HTTPApplierOption {
	return func(a *HTTPApplier) {
		a.client = client
	}
}

// WithAuthToken sets a bearer token sent with every apply request.
func WithAuthToken(token string) HTTPApplierOption {
	return func(a *HTTPApplier) {
		a.authToken = token
	}
}

// NewHTTPApplier creates an applier for the backend at baseURL.
func NewHTTPApplier(baseURL string, opts ...HTTPApplierOption) *HTTPApplier {
	a := &HTTPApplier{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.client.Transport = telemetry.NewInstrumentedTransport(a.client.Transport)
	return a
}

// Apply implements RemoteApplier.
func (a *HTTPApplier) Apply(ctx context.Context, item Item) error {
	method, target, body := a.request(item)

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.authToken)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("apply %s %s/%s: %w", item.Action, item.Collection, item.Record.ID, err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("apply %s %s/%s: unexpected status %d", item.Action, item.Collection, item.Record.ID, resp.StatusCode)
	}
	return nil
}

func (a *HTTPApplier) request(item Item) (method, target string, body io.Reader) {
	collection := url.PathEscape(item.Collection)
	id := url.PathEscape(item.Record.ID)

	switch item.Action {
	case ActionCreate:
		return http.MethodPost,
			fmt.Sprintf("%s/collections/%s/records", a.baseURL, collection),
			bytes.NewReader(item.Record.Payload)
	case ActionUpdate:
		return http.MethodPut,
			fmt.Sprintf("%s/collections/%s/records/%s", a.baseURL, collection, id),
			bytes.NewReader(item.Record.Payload)
	default:
		return http.MethodDelete,
			fmt.Sprintf("%s/collections/%s/records/%s", a.baseURL, collection, id),
			nil
	}
}
