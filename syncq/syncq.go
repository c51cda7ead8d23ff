// Package syncq implements the write-through sync queue. Local mutations are
// applied to the persistent store and the cache immediately, then queued for
// delivery to the remote backend. The queue is flushed when connectivity
// returns; items whose remote apply fails are re-queued and tried again on a
// later flush.
package syncq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/Desmondshah/AnimeMuseAI-sub007/probe"
	"github.com/Desmondshah/AnimeMuseAI-sub007/store"
	"github.com/Desmondshah/AnimeMuseAI-sub007/telemetry"
)

const (
	defaultApplyTimeout  = 15 * time.Second
	defaultFlushInterval = 30 * time.Second
)

// Action is the kind of mutation carried by a queue item.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Item is one queued mutation awaiting remote delivery.
type Item struct {
	// ID identifies the item across retries, for log correlation.
	ID string `json:"id"`

	Action     Action       `json:"action"`
	Collection string       `json:"collection"`
	Record     store.Record `json:"record"`

	// EnqueuedAt is when the item last entered the queue. A re-queued item
	// gets a fresh timestamp.
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Options configures a single QueueSync call.
type Options struct {
	// Immediate flushes the queue before QueueSync returns, when online.
	// Offline it degrades to a plain enqueue.
	Immediate bool
}

// Cache is the subset of the bounded cache the coordinator writes through to.
type Cache interface {
	Set(key string, value any)
	Delete(key string)
}

// Config holds coordinator configuration.
type Config struct {
	// Store receives every mutation before it is queued. Required.
	Store store.Store

	// Cache is kept coherent with the store under composite keys. Required.
	Cache Cache

	// Key builds the cache key for a record. Default: "{collection}:{id}".
	Key func(collection, recordID string) string

	// Applier delivers queued items to the remote backend. Required.
	Applier RemoteApplier

	// Online gates flushing; a flush while offline is a no-op and the queue
	// keeps accumulating. Default: probe.AlwaysOnline.
	Online probe.Online

	// ApplyTimeout bounds each remote apply call during a flush.
	// Default: 15s.
	ApplyTimeout time.Duration

	// FlushInterval is how often the background flusher attempts a flush
	// while running. Default: 30s.
	FlushInterval time.Duration

	// Logger for queue and flush events.
	Logger *slog.Logger
}

// Coordinator owns the sync queue and its write-through semantics.
type Coordinator struct {
	config  Config
	applier RemoteApplier
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	mu    sync.Mutex
	queue []Item

	// flushMu serializes flushes so concurrent triggers (Immediate, ticker,
	// Kick) cannot reorder a snapshot against its re-queues.
	flushMu sync.Mutex

	lifecycleMu sync.Mutex
	running     bool
	stopped     bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	kickCh      chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithNow sets the time source, for tests.
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// New creates a coordinator with the given configuration, applying defaults
// for zero-value fields.
func New(cfg Config, opts ...Option) *Coordinator {
	if cfg.Online == nil {
		cfg.Online = probe.AlwaysOnline
	}
	if cfg.Key == nil {
		cfg.Key = func(collection, recordID string) string {
			return collection + ":" + recordID
		}
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = defaultApplyTimeout
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Coordinator{
		config:  cfg,
		applier: cfg.Applier,
		logger:  cfg.Logger,
		now:     time.Now,
		newID:   uuid.NewString,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		kickCh:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// QueueSync applies the mutation locally (store, then cache) and queues it
// for remote delivery. The local write happens before QueueSync returns, so
// reads observe the mutation even while offline. With Options.Immediate and
// an online device, the queue is flushed before returning.
func (c *Coordinator) QueueSync(ctx context.Context, action Action, collection string, rec store.Record, opts Options) error {
	key := c.config.Key(collection, rec.ID)

	switch action {
	case ActionCreate, ActionUpdate:
		if err := c.config.Store.Put(ctx, collection, rec); err != nil {
			return err
		}
		c.config.Cache.Set(key, rec)
	case ActionDelete:
		if err := c.config.Store.Delete(ctx, collection, rec.ID); err != nil {
			return err
		}
		c.config.Cache.Delete(key)
	default:
		return &UnknownActionError{Action: action}
	}

	item := Item{
		ID:         c.newID(),
		Action:     action,
		Collection: collection,
		Record:     rec,
		EnqueuedAt: c.now(),
	}

	c.mu.Lock()
	c.queue = append(c.queue, item)
	depth := len(c.queue)
	c.mu.Unlock()

	telemetry.RecordSyncQueued(ctx, string(action))
	telemetry.UpdateSyncQueueDepth(ctx, int64(depth))

	c.logger.Debug("queued mutation for sync",
		"item_id", item.ID,
		"action", action,
		"collection", collection,
		"record_id", rec.ID,
		"queue_depth", depth,
	)

	if opts.Immediate && c.config.Online.Online() {
		c.Flush(ctx)
	} else {
		c.kick()
	}

	return nil
}

// Flush delivers the queued items to the remote in enqueue order. Items whose
// apply fails are re-queued with a fresh timestamp; one failure never stops
// the rest of the snapshot. Offline, Flush is a no-op. Returns the number of
// items applied and re-queued.
func (c *Coordinator) Flush(ctx context.Context) (applied, requeued int) {
	if !c.config.Online.Online() {
		c.logger.Debug("flush skipped, offline")
		return 0, 0
	}

	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	snapshot := c.queue
	c.queue = nil
	c.mu.Unlock()

	if len(snapshot) == 0 {
		return 0, 0
	}

	start := time.Now()
	for _, item := range snapshot {
		if err := c.applyOne(ctx, item); err != nil {
			requeued++
			item.EnqueuedAt = c.now()
			c.mu.Lock()
			c.queue = append(c.queue, item)
			c.mu.Unlock()

			c.logger.Warn("remote apply failed, re-queued",
				"item_id", item.ID,
				"action", item.Action,
				"collection", item.Collection,
				"record_id", item.Record.ID,
				"error", err,
			)
			continue
		}
		applied++
	}

	c.mu.Lock()
	depth := len(c.queue)
	c.mu.Unlock()

	telemetry.RecordSyncFlush(ctx, applied, requeued, time.Since(start))
	telemetry.UpdateSyncQueueDepth(ctx, int64(depth))

	c.logger.Info("sync flush complete",
		"applied", applied,
		"requeued", requeued,
		"duration", time.Since(start),
	)
	return applied, requeued
}

func (c *Coordinator) applyOne(ctx context.Context, item Item) error {
	applyCtx, cancel := context.WithTimeout(ctx, c.config.ApplyTimeout)
	defer cancel()
	return c.applier.Apply(applyCtx, item)
}

// Pending returns the number of queued items.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Items returns a snapshot of the queued items, in enqueue order.
func (c *Coordinator) Items() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Item, len(c.queue))
	copy(out, c.queue)
	return out
}

// Kick asks the background flusher to attempt a flush soon. Call it when a
// connectivity probe reports the device back online.
func (c *Coordinator) Kick() {
	c.kick()
}

func (c *Coordinator) kick() {
	select {
	case c.kickCh <- struct{}{}:
	default:
	}
}

// Start begins the background flusher.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	if c.running || c.stopped {
		c.lifecycleMu.Unlock()
		return nil
	}
	c.running = true
	c.lifecycleMu.Unlock()

	go c.run(ctx)
	return nil
}

// Stop stops the background flusher. Queued items stay queued.
func (c *Coordinator) Stop() {
	c.lifecycleMu.Lock()
	if !c.running || c.stopped {
		c.lifecycleMu.Unlock()
		return
	}
	c.stopped = true
	c.lifecycleMu.Unlock()

	close(c.stopCh)
	<-c.doneCh
}

// run flushes on a fixed interval, on Kick, and on a backoff-paced retry
// timer while re-queued items remain.
func (c *Coordinator) run(ctx context.Context) {
	defer close(c.doneCh)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = c.config.FlushInterval

	ticker := time.NewTicker(c.config.FlushInterval)
	defer ticker.Stop()

	var retry <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-c.kickCh:
		case <-ticker.C:
		case <-retry:
		}

		_, requeued := c.Flush(ctx)
		if requeued > 0 {
			retry = time.After(bo.NextBackOff())
		} else {
			bo.Reset()
			retry = nil
		}
	}
}

// UnknownActionError reports a QueueSync call with an action the coordinator
// does not recognize.
type UnknownActionError struct {
	Action Action
}

func (e *UnknownActionError) Error() string {
	return "syncq: unknown action " + string(e.Action)
}
