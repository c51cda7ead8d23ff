// Package prefetch implements a priority-ordered scheduler for speculative
// fetches. Results land in the bounded cache; failures are logged and
// dropped, never retried or surfaced. Draining is halted under memory
// pressure so speculative work never competes with the foreground
// application.
package prefetch

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// FetchFunc fetches a value from the remote source. Implementations should
// honor ctx; the scheduler imposes a per-task deadline through it.
type FetchFunc func(ctx context.Context) (any, error)

// Flight deduplicates concurrent fetches for the same key using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight fetch for others; the scheduler
// and any demand-path callers can share one Flight so a speculative fetch
// and a foreground fetch for the same key never run twice.
type Flight struct {
	group  singleflight.Group
	logger *slog.Logger
}

// FlightOption configures a Flight.
type FlightOption func(*Flight)

// WithFlightLogger sets the logger for the flight group.
func WithFlightLogger(logger *slog.Logger) FlightOption {
	return func(f *Flight) {
		f.logger = logger
	}
}

// NewFlight creates a new Flight.
func NewFlight(opts ...FlightOption) *Flight {
	f := &Flight{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Do deduplicates concurrent fetches for the same key. The fn receives a
// context detached from the caller's cancellation so that no single caller
// stops the fetch for everyone else; the caller's own ctx still bounds how
// long it waits.
func (f *Flight) Do(ctx context.Context, key string, fn FetchFunc) (any, bool, error) {
	ch := f.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val, res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, allowing a subsequent
// call to retry. Typically called after a fetch error.
func (f *Flight) Forget(key string) {
	f.group.Forget(key)
}
