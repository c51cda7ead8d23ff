package prefetch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Desmondshah/AnimeMuseAI-sub007/probe"
	"github.com/Desmondshah/AnimeMuseAI-sub007/telemetry"
)

const (
	defaultPressureThreshold = 0.85
	defaultTaskTimeout       = 30 * time.Second
)

// Priority orders prefetch tasks. Higher priorities drain first; ties drain
// in enqueue order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// String returns the priority name for logging.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Options configures a single prefetch intent.
type Options struct {
	// Priority of the task. Default: PriorityLow.
	Priority Priority

	// Guard is checked at enqueue time; a false result drops the intent
	// (e.g. "skip on a degraded network"). Nil means always enqueue.
	Guard func() bool

	// Delay is a deliberate pacing delay applied before the fetch runs,
	// not a deadline.
	Delay time.Duration
}

// Cache is the sink prefetched values land in. The scheduler treats it as
// opaque and never bypasses its contract.
type Cache interface {
	Has(key string) bool
	Set(key string, value any)
}

// Config holds scheduler configuration.
type Config struct {
	// Cache receives fetched values under their task key, with the cache's
	// default TTL. Required.
	Cache Cache

	// Pressure is consulted before each task; when the ratio meets or
	// exceeds PressureThreshold, draining halts and remaining tasks stay
	// queued for a future drain trigger. Default: probe.NoPressure.
	Pressure probe.MemoryPressure

	// PressureThreshold is the memory-usage ratio above which draining
	// halts. Default: 0.85.
	PressureThreshold float64

	// TaskTimeout bounds how long the scheduler waits on a single fetch.
	// A fetch that exceeds it is dropped as a best-effort failure instead
	// of stalling the queue. Default: 30s.
	TaskTimeout time.Duration

	// Flight deduplicates in-flight fetches. A fresh one is created when
	// nil; pass a shared instance to also dedup against demand fetches.
	Flight *Flight

	// Logger for task outcomes.
	Logger *slog.Logger
}

type task struct {
	key      string
	fetch    FetchFunc
	priority Priority
	delay    time.Duration
	seq      uint64
}

// Scheduler is a priority queue of deferred fetch tasks, drained one task at
// a time by a single background goroutine.
type Scheduler struct {
	config Config
	flight *Flight
	logger *slog.Logger

	mu       sync.Mutex
	pending  []*task
	queued   map[string]struct{}
	inflight map[string]struct{}
	draining bool
	seq      uint64
}

// New creates a scheduler with the given configuration, applying defaults
// for zero-value fields.
func New(cfg Config) *Scheduler {
	if cfg.Pressure == nil {
		cfg.Pressure = probe.NoPressure
	}
	if cfg.PressureThreshold <= 0 {
		cfg.PressureThreshold = defaultPressureThreshold
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if cfg.Flight == nil {
		cfg.Flight = NewFlight()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Scheduler{
		config:   cfg,
		flight:   cfg.Flight,
		logger:   cfg.Logger,
		queued:   make(map[string]struct{}),
		inflight: make(map[string]struct{}),
	}
}

// Prefetch registers a deferred fetch intent for key. It returns immediately;
// the fetch runs on the drain goroutine. The intent is dropped when the key
// is already cached, already queued or in flight, or its guard declines.
func (s *Scheduler) Prefetch(key string, fetch FetchFunc, opts Options) {
	if s.config.Cache.Has(key) {
		telemetry.RecordPrefetchSkip(context.Background(), "cached")
		return
	}
	if opts.Guard != nil && !opts.Guard() {
		telemetry.RecordPrefetchSkip(context.Background(), "guard")
		return
	}

	s.mu.Lock()
	if _, ok := s.queued[key]; ok {
		s.mu.Unlock()
		telemetry.RecordPrefetchSkip(context.Background(), "queued")
		return
	}
	if _, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		telemetry.RecordPrefetchSkip(context.Background(), "inflight")
		return
	}

	s.seq++
	s.pending = append(s.pending, &task{
		key:      key,
		fetch:    fetch,
		priority: opts.Priority,
		delay:    opts.Delay,
		seq:      s.seq,
	})
	s.queued[key] = struct{}{}
	depth := len(s.pending)
	s.mu.Unlock()

	telemetry.UpdatePrefetchQueueDepth(context.Background(), int64(depth))
	s.Kick()
}

// Kick triggers a drain if one is not already running. Prefetch calls it
// automatically; callers can use it to resume a drain that halted under
// memory pressure once pressure subsides.
func (s *Scheduler) Kick() {
	s.mu.Lock()
	if s.draining || len(s.pending) == 0 {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.mu.Unlock()

	go s.drain()
}

// Clear drops all pending tasks and in-flight bookkeeping. It does not
// cancel a fetch already in flight, only stops counting it.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	s.pending = nil
	s.queued = make(map[string]struct{})
	s.inflight = make(map[string]struct{})
	s.mu.Unlock()

	telemetry.UpdatePrefetchQueueDepth(context.Background(), 0)
}

// Pending returns the number of queued (not yet started) tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// drain processes tasks one at a time, highest priority first, until the
// queue is empty or memory pressure halts it.
func (s *Scheduler) drain() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if ratio := s.config.Pressure.PressureRatio(); ratio >= s.config.PressureThreshold {
			s.mu.Lock()
			remaining := len(s.pending)
			s.draining = false
			s.mu.Unlock()

			s.logger.Debug("prefetch drain halted under memory pressure",
				"pressure_ratio", ratio,
				"threshold", s.config.PressureThreshold,
				"remaining", remaining,
			)
			telemetry.RecordPrefetchBackpressureHalt(context.Background())
			return
		}

		s.mu.Lock()
		t := s.popLocked()
		if t == nil {
			s.draining = false
			s.mu.Unlock()
			return
		}
		delete(s.queued, t.key)
		s.inflight[t.key] = struct{}{}
		depth := len(s.pending)
		s.mu.Unlock()

		telemetry.UpdatePrefetchQueueDepth(context.Background(), int64(depth))
		s.runTask(t)
	}
}

// runTask applies the pacing delay, performs the fetch under the task
// timeout, and lands the result in the cache. Failures are best-effort:
// logged and dropped.
func (s *Scheduler) runTask(t *task) {
	defer func() {
		s.mu.Lock()
		delete(s.inflight, t.key)
		s.mu.Unlock()
	}()

	if t.delay > 0 {
		time.Sleep(t.delay)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.TaskTimeout)
	defer cancel()

	start := time.Now()
	value, shared, err := s.flight.Do(ctx, t.key, t.fetch)
	if err != nil {
		s.flight.Forget(t.key)
		s.logger.Warn("prefetch failed, dropping task",
			"key", t.key,
			"priority", t.priority.String(),
			"duration", time.Since(start),
			"error", err,
		)
		telemetry.RecordPrefetchOutcome(context.Background(), "dropped", time.Since(start))
		return
	}

	s.config.Cache.Set(t.key, value)
	s.logger.Debug("prefetch landed in cache",
		"key", t.key,
		"priority", t.priority.String(),
		"shared", shared,
		"duration", time.Since(start),
	)
	telemetry.RecordPrefetchOutcome(context.Background(), "landed", time.Since(start))
}

// popLocked removes and returns the best pending task: highest priority,
// then oldest enqueue order. Caller holds s.mu.
func (s *Scheduler) popLocked() *task {
	if len(s.pending) == 0 {
		return nil
	}

	best := 0
	for i, t := range s.pending[1:] {
		b := s.pending[best]
		if t.priority > b.priority || (t.priority == b.priority && t.seq < b.seq) {
			best = i + 1
		}
	}

	t := s.pending[best]
	s.pending = append(s.pending[:best], s.pending[best+1:]...)
	return t
}
