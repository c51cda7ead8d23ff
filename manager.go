package offline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Desmondshah/AnimeMuseAI-sub007/cache"
	"github.com/Desmondshah/AnimeMuseAI-sub007/prefetch"
	"github.com/Desmondshah/AnimeMuseAI-sub007/probe"
	"github.com/Desmondshah/AnimeMuseAI-sub007/store"
	"github.com/Desmondshah/AnimeMuseAI-sub007/syncq"
)

const defaultSweepInterval = 5 * time.Minute

// Config holds configuration for a Manager.
type Config struct {
	// StorePath is the path to the persistent store database file. Required.
	StorePath string

	// CacheMemoryBudget bounds the cache's estimated memory in bytes.
	// Zero uses the cache default.
	CacheMemoryBudget int64

	// CacheCountBudget bounds the cache's entry count. Zero uses the cache
	// default.
	CacheCountBudget int

	// CacheTTL is the default TTL for cached values. Zero uses the cache
	// default.
	CacheTTL time.Duration

	// SweepInterval is how often the expiry sweeper prunes expired cache
	// entries. Zero uses the default; lazy expiry still applies between
	// sweeps. Default: 5m.
	SweepInterval time.Duration

	// RemoteBaseURL is the backend the sync queue delivers mutations to.
	// Ignored when Applier is set.
	RemoteBaseURL string

	// RemoteAuthToken is a bearer token sent with every remote apply.
	// Ignored when Applier is set.
	RemoteAuthToken string

	// Applier overrides the HTTP applier built from RemoteBaseURL.
	Applier syncq.RemoteApplier

	// Online reports connectivity. Default: probe.AlwaysOnline.
	Online probe.Online

	// Pressure reports memory pressure for prefetch backpressure.
	// Default: probe.NoPressure.
	Pressure probe.MemoryPressure

	// FetchTimeout bounds each prefetch fetch. Zero uses the prefetch
	// default.
	FetchTimeout time.Duration

	// ApplyTimeout bounds each remote apply during a sync flush. Zero uses
	// the syncq default.
	ApplyTimeout time.Duration

	// FlushInterval is how often the background sync flusher runs. Zero
	// uses the syncq default.
	FlushInterval time.Duration

	// NoSync disables fsync on the persistent store, for tests.
	NoSync bool

	// Logger for all components.
	Logger *slog.Logger
}

// Manager owns the four offline components: the bounded cache, the prefetch
// scheduler, the persistent store, and the sync coordinator. It wires them
// to one configuration and one lifecycle, and exposes a combined client API
// keyed by collection and record ID.
type Manager struct {
	config    Config
	cache     *cache.Cache
	store     *store.BoltStore
	scheduler *prefetch.Scheduler
	sync      *syncq.Coordinator
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Manager, opening the persistent store at Config.StorePath.
func New(cfg Config) (*Manager, error) {
	if cfg.StorePath == "" {
		return nil, errors.New("offline: StorePath is required")
	}
	if cfg.Online == nil {
		cfg.Online = probe.AlwaysOnline
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	applier := cfg.Applier
	if applier == nil {
		if cfg.RemoteBaseURL == "" {
			return nil, errors.New("offline: RemoteBaseURL or Applier is required")
		}
		var applierOpts []syncq.HTTPApplierOption
		if cfg.RemoteAuthToken != "" {
			applierOpts = append(applierOpts, syncq.WithAuthToken(cfg.RemoteAuthToken))
		}
		applier = syncq.NewHTTPApplier(cfg.RemoteBaseURL, applierOpts...)
	}

	st := store.NewBoltStore(
		store.WithLogger(cfg.Logger.With("component", "store")),
		store.WithNoSync(cfg.NoSync),
	)
	if err := st.Open(cfg.StorePath); err != nil {
		return nil, err
	}

	c := cache.New(cache.Config{
		MemoryBudget: cfg.CacheMemoryBudget,
		CountBudget:  cfg.CacheCountBudget,
		DefaultTTL:   cfg.CacheTTL,
		Logger:       cfg.Logger.With("component", "cache"),
	})

	scheduler := prefetch.New(prefetch.Config{
		Cache:       c,
		Pressure:    cfg.Pressure,
		TaskTimeout: cfg.FetchTimeout,
		Logger:      cfg.Logger.With("component", "prefetch"),
	})

	coordinator := syncq.New(syncq.Config{
		Store:         st,
		Cache:         c,
		Applier:       applier,
		Key:           Key,
		Online:        cfg.Online,
		ApplyTimeout:  cfg.ApplyTimeout,
		FlushInterval: cfg.FlushInterval,
		Logger:        cfg.Logger.With("component", "syncq"),
	})

	return &Manager{
		config:    cfg,
		cache:     c,
		store:     st,
		scheduler: scheduler,
		sync:      coordinator,
		logger:    cfg.Logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start begins the background sync flusher and the cache expiry sweeper.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	if err := m.sync.Start(ctx); err != nil {
		return err
	}
	go m.sweepLoop(ctx)
	return nil
}

// Stop stops the background work and closes the persistent store. Stop is
// safe to call whether or not Start ran.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	running := m.running
	m.mu.Unlock()

	if running {
		close(m.stopCh)
		<-m.doneCh
		m.sync.Stop()
	}
	return m.store.Close()
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if n := m.cache.Sweep(); n > 0 {
				m.logger.Debug("swept expired cache entries", "count", n)
			}
		}
	}
}

// Get returns the record, preferring the cache. A store hit is promoted into
// the cache under the default TTL. Misses return store.ErrNotFound.
func (m *Manager) Get(ctx context.Context, collection, recordID string) (store.Record, error) {
	key := Key(collection, recordID)
	if v, ok := m.cache.Get(key); ok {
		if rec, ok := v.(store.Record); ok {
			return rec, nil
		}
	}

	rec, err := m.store.Get(ctx, collection, recordID)
	if err != nil {
		return store.Record{}, err
	}
	m.cache.Set(key, rec)
	return rec, nil
}

// GetAll returns every record in the collection from the persistent store.
func (m *Manager) GetAll(ctx context.Context, collection string) ([]store.Record, error) {
	return m.store.GetAll(ctx, collection)
}

// Create applies the record locally and queues it for remote delivery.
func (m *Manager) Create(ctx context.Context, collection string, rec store.Record, opts syncq.Options) error {
	return m.sync.QueueSync(ctx, syncq.ActionCreate, collection, rec, opts)
}

// Update applies the record locally and queues it for remote delivery.
func (m *Manager) Update(ctx context.Context, collection string, rec store.Record, opts syncq.Options) error {
	return m.sync.QueueSync(ctx, syncq.ActionUpdate, collection, rec, opts)
}

// Delete removes the record locally and queues the deletion for remote
// delivery.
func (m *Manager) Delete(ctx context.Context, collection, recordID string, opts syncq.Options) error {
	return m.sync.QueueSync(ctx, syncq.ActionDelete, collection, store.Record{ID: recordID}, opts)
}

// Prefetch registers a speculative fetch for the record. The fetched record
// lands in the cache under the composite key; failures are dropped.
func (m *Manager) Prefetch(collection, recordID string, fetch prefetch.FetchFunc, opts prefetch.Options) {
	m.scheduler.Prefetch(Key(collection, recordID), fetch, opts)
}

// SetOnline nudges the sync flusher; call it when the connectivity probe
// transitions to online so queued mutations flush promptly.
func (m *Manager) SetOnline() {
	m.sync.Kick()
	m.scheduler.Kick()
}

// Flush forces a sync queue flush, returning applied and re-queued counts.
func (m *Manager) Flush(ctx context.Context) (applied, requeued int) {
	return m.sync.Flush(ctx)
}

// Stats describes the manager's current occupancy.
type Stats struct {
	Cache           cache.Stats `json:"cache"`
	PrefetchPending int         `json:"prefetch_pending"`
	SyncPending     int         `json:"sync_pending"`
	Online          bool        `json:"online"`
}

// Stats returns a snapshot of cache occupancy and queue depths.
func (m *Manager) Stats() Stats {
	return Stats{
		Cache:           m.cache.Stats(),
		PrefetchPending: m.scheduler.Pending(),
		SyncPending:     m.sync.Pending(),
		Online:          m.config.Online.Online(),
	}
}

// Cache returns the underlying bounded cache.
func (m *Manager) Cache() *cache.Cache { return m.cache }

// Store returns the underlying persistent store.
func (m *Manager) Store() *store.BoltStore { return m.store }

// Scheduler returns the underlying prefetch scheduler.
func (m *Manager) Scheduler() *prefetch.Scheduler { return m.scheduler }

// Sync returns the underlying sync coordinator.
func (m *Manager) Sync() *syncq.Coordinator { return m.sync }
