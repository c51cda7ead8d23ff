package prefetch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Desmondshah/AnimeMuseAI-sub007/cache"
	"github.com/Desmondshah/AnimeMuseAI-sub007/probe"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *cache.Cache) {
	t.Helper()
	c := cache.New(cache.Config{})
	cfg.Cache = c
	cfg.TaskTimeout = 5 * time.Second
	return New(cfg), c
}

func TestPrefetchLandsInCache(t *testing.T) {
	s, c := newTestScheduler(t, Config{})

	s.Prefetch("anime:1", func(ctx context.Context) (any, error) {
		return "fetched value", nil
	}, Options{})

	require.Eventually(t, func() bool {
		v, ok := c.Get("anime:1")
		return ok && v == "fetched value"
	}, time.Second, 5*time.Millisecond)
}

func TestPrefetchDedupWhileInFlight(t *testing.T) {
	s, c := newTestScheduler(t, Config{})

	var calls atomic.Int64
	release := make(chan struct{})
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "value", nil
	}

	s.Prefetch("key", fetch, Options{})

	// Wait until the first fetch is in flight, then prefetch again.
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	s.Prefetch("key", fetch, Options{})
	close(release)

	require.Eventually(t, func() bool { return c.Has("key") }, time.Second, time.Millisecond)
	require.Equal(t, int64(1), calls.Load())
}

func TestPrefetchSkipsCachedKey(t *testing.T) {
	s, c := newTestScheduler(t, Config{})
	c.Set("key", "already here")

	var calls atomic.Int64
	s.Prefetch("key", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return "other", nil
	}, Options{})

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(0), calls.Load())

	v, ok := c.Get("key")
	require.True(t, ok)
	require.Equal(t, "already here", v)
}

func TestPrefetchGuardDropsAtEnqueue(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})

	var calls atomic.Int64
	s.Prefetch("key", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, nil
	}, Options{Guard: func() bool { return false }})

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(0), calls.Load())
	require.Equal(t, 0, s.Pending())
}

func TestPrefetchPriorityOrder(t *testing.T) {
	s, _ := newTestScheduler(t, Config{})

	var mu sync.Mutex
	var order []string
	record := func(key string) FetchFunc {
		return func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, key)
			mu.Unlock()
			return key, nil
		}
	}

	// Block the drain goroutine on a first task so the queue builds up.
	release := make(chan struct{})
	s.Prefetch("first", func(ctx context.Context) (any, error) {
		<-release
		return "first", nil
	}, Options{})

	s.Prefetch("low-1", record("low-1"), Options{Priority: PriorityLow})
	s.Prefetch("medium", record("medium"), Options{Priority: PriorityMedium})
	s.Prefetch("low-2", record("low-2"), Options{Priority: PriorityLow})
	s.Prefetch("high", record("high"), Options{Priority: PriorityHigh})
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// Priority first, then FIFO within the same priority.
	require.Equal(t, []string{"high", "medium", "low-1", "low-2"}, order)
}

func TestPrefetchBackpressureHaltsDrain(t *testing.T) {
	var pressure atomic.Value
	pressure.Store(1.0)

	s, c := newTestScheduler(t, Config{
		Pressure:          probe.PressureFunc(func() float64 { return pressure.Load().(float64) }),
		PressureThreshold: 0.85,
	})

	var calls atomic.Int64
	s.Prefetch("key", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return "value", nil
	}, Options{})

	// Draining halts before the task starts; it stays queued.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(0), calls.Load())
	require.Equal(t, 1, s.Pending())

	// Once pressure subsides, a kick resumes the drain.
	pressure.Store(0.1)
	s.Kick()

	require.Eventually(t, func() bool { return c.Has("key") }, time.Second, time.Millisecond)
	require.Equal(t, 0, s.Pending())
}

func TestPrefetchFailureDropped(t *testing.T) {
	s, c := newTestScheduler(t, Config{})

	var calls atomic.Int64
	s.Prefetch("key", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, errors.New("upstream unavailable")
	}, Options{})

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, time.Millisecond)
	require.False(t, c.Has("key"))

	// The failure is not retried, but a later prefetch for the same key is
	// allowed to try again.
	s.Prefetch("key", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return "second attempt", nil
	}, Options{})

	require.Eventually(t, func() bool { return c.Has("key") }, time.Second, time.Millisecond)
	require.Equal(t, int64(2), calls.Load())
}

func TestPrefetchTimeoutFreesQueueSlot(t *testing.T) {
	c := cache.New(cache.Config{})
	s := New(Config{Cache: c, TaskTimeout: 50 * time.Millisecond})

	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })

	s.Prefetch("stuck", func(ctx context.Context) (any, error) {
		<-hang
		return nil, nil
	}, Options{})
	s.Prefetch("next", func(ctx context.Context) (any, error) {
		return "ok", nil
	}, Options{})

	// The hung fetch is dropped at the deadline and the queue moves on.
	require.Eventually(t, func() bool { return c.Has("next") }, time.Second, time.Millisecond)
	require.False(t, c.Has("stuck"))
}

func TestPrefetchPacingDelay(t *testing.T) {
	s, c := newTestScheduler(t, Config{})

	start := time.Now()
	s.Prefetch("key", func(ctx context.Context) (any, error) {
		return "value", nil
	}, Options{Delay: 40 * time.Millisecond})

	require.Eventually(t, func() bool { return c.Has("key") }, time.Second, time.Millisecond)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestPrefetchClear(t *testing.T) {
	s, _ := newTestScheduler(t, Config{
		Pressure: probe.PressureFunc(func() float64 { return 1.0 }),
	})

	var calls atomic.Int64
	fetch := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, nil
	}
	s.Prefetch("a", fetch, Options{})
	s.Prefetch("b", fetch, Options{})

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 2, s.Pending())

	s.Clear()
	require.Equal(t, 0, s.Pending())

	s.Kick()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(0), calls.Load())
}
