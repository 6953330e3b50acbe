package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/sgrastar/authrim/instrumentation"
	"github.com/sgrastar/authrim/reconcile"
	"github.com/sgrastar/authrim/security"
	"github.com/sgrastar/authrim/store"
)

const (
	// DefaultSweepInterval is how often the background sweep evicts
	// expired entities from loaded key-spaces.
	DefaultSweepInterval = time.Minute

	// DefaultVersion is the snapshot schema version used when none is
	// configured.
	DefaultVersion = 1
)

// Op mutates or inspects a snapshot under the key's serialization lock.
// It returns dirty=true when the snapshot was modified and must be
// persisted. Returning an error with dirty=true discards the in-memory
// state, forcing a reload from the last durable snapshot.
type Op[E Entity] func(snap *Snapshot[E]) (dirty bool, err error)

// Config configures a Coordinator. Name and Durable are required.
type Config[E Entity] struct {
	// Name prefixes durable keys and telemetry attributes,
	// e.g. "authcode" or "refresh:g1:s0".
	Name string

	// Durable is the write-through snapshot store.
	Durable store.DurableStore

	// Version is the snapshot schema version. Default 1.
	Version int

	// Migrate upgrades snapshots stored under older versions.
	Migrate MigrateFunc[E]

	// SweepInterval is the periodic expiry sweep cadence. Zero selects
	// the default; negative disables the sweep (expiry still happens
	// lazily on access).
	SweepInterval time.Duration

	// Queue, when set, enables UpdateEventual: mutations flagged
	// eventual hand their durable write to the reconciliation queue
	// instead of blocking on it.
	Queue *reconcile.Queue

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// actor holds one key's serialized state. The mutex is the single-writer
// guarantee: it is held for the full duration of every operation on the
// key, including the durable write.
type actor[E Entity] struct {
	mu     sync.Mutex
	loaded bool
	snap   *Snapshot[E]

	// flushQueued coalesces write-behind flushes: while one is queued,
	// further eventual mutations ride on it.
	flushQueued bool
}

// Coordinator is a generic per-key single-writer actor over a durable
// snapshot store.
type Coordinator[E Entity] struct {
	name    string
	durable store.DurableStore
	version int
	migrate MigrateFunc[E]
	queue   *reconcile.Queue

	mu     sync.Mutex // guards actors map only
	actors map[string]*actor[E]

	// entityCount tracks live entities across all loaded keys for the
	// observable gauge (lock-free reads during metric collection).
	entityCount atomic.Int64

	logger  *slog.Logger
	metrics *instrumentation.Metrics
	tracer  trace.Tracer

	sweepInterval time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once
}

// New creates a coordinator and starts its expiry sweep.
func New[E Entity](cfg Config[E]) (*Coordinator[E], error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("coordinator name is required")
	}
	if cfg.Durable == nil {
		return nil, fmt.Errorf("durable store is required")
	}
	if cfg.Version <= 0 {
		cfg.Version = DefaultVersion
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Coordinator[E]{
		name:          cfg.Name,
		durable:       cfg.Durable,
		version:       cfg.Version,
		migrate:       cfg.Migrate,
		queue:         cfg.Queue,
		actors:        make(map[string]*actor[E]),
		logger:        cfg.Logger,
		sweepInterval: cfg.SweepInterval,
		stopSweep:     make(chan struct{}),
	}

	if cfg.Instrumentation != nil {
		c.metrics = cfg.Instrumentation.Metrics()
		c.tracer = cfg.Instrumentation.Tracer("coordinator")
		if err := cfg.Instrumentation.RegisterSizeCallback(cfg.Name, func() int64 {
			return c.entityCount.Load()
		}); err != nil {
			cfg.Logger.Warn("Failed to register size callback", "coordinator", cfg.Name, "error", err)
		}
	}

	if c.sweepInterval > 0 {
		go c.sweepLoop()
	}

	return c, nil
}

// Name returns the coordinator's name.
func (c *Coordinator[E]) Name() string {
	return c.name
}

// Stop terminates the sweep goroutine. Pending operations finish normally.
func (c *Coordinator[E]) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopSweep)
	})
}

// Update runs op strictly serialized against all other operations for the
// same key. When op reports the snapshot dirty, the full snapshot is
// written to durable storage before Update returns: the mutation is only
// acknowledged once it would survive a restart. A failed durable write
// aborts the mutation with store.ErrPersistence and discards the in-memory
// state so the next access reloads the last acknowledged snapshot.
func (c *Coordinator[E]) Update(ctx context.Context, key string, op Op[E]) error {
	return c.update(ctx, key, "update", op, false)
}

// UpdateEventual is Update for mutations whose durability is not
// security-critical (last-used timestamps, usage counters). The durable
// write is handed to the reconciliation queue and retried there; the
// in-memory state is authoritative in the meantime. Falls back to the
// synchronous path when no queue is configured.
func (c *Coordinator[E]) UpdateEventual(ctx context.Context, key string, op Op[E]) error {
	return c.update(ctx, key, "update_eventual", op, c.queue != nil)
}

func (c *Coordinator[E]) update(ctx context.Context, key, opName string, op Op[E], eventual bool) error {
	ctx, span := c.startSpan(ctx, opName)
	start := time.Now()
	var err error
	defer func() {
		c.recordOp(ctx, span, opName, err, start)
	}()

	a := c.actor(key)
	a.mu.Lock()
	defer a.mu.Unlock()

	if err = c.ensureLoaded(ctx, a, key); err != nil {
		return err
	}

	c.evictExpired(ctx, a.snap)

	before := len(a.snap.Entities)
	dirty, opErr := op(a.snap)
	c.entityCount.Add(int64(len(a.snap.Entities) - before))

	if opErr != nil {
		if dirty {
			// Half-applied mutation: throw away memory, reload from
			// the last acknowledged snapshot on next access.
			c.unload(a)
		}
		err = opErr
		return err
	}

	if !dirty {
		return nil
	}

	if err = c.persist(ctx, a, key, eventual); err != nil {
		return err
	}
	return nil
}

// View runs op serialized against mutations for the same key without
// persisting. op must not modify the snapshot.
func (c *Coordinator[E]) View(ctx context.Context, key string, op func(snap *Snapshot[E]) error) error {
	ctx, span := c.startSpan(ctx, "view")
	start := time.Now()
	var err error
	defer func() {
		c.recordOp(ctx, span, "view", err, start)
	}()

	a := c.actor(key)
	a.mu.Lock()
	defer a.mu.Unlock()

	if err = c.ensureLoaded(ctx, a, key); err != nil {
		return err
	}

	err = op(a.snap)
	return err
}

// Drop deletes a key's entire key-space from memory and durable storage.
func (c *Coordinator[E]) Drop(ctx context.Context, key string) error {
	a := c.actor(key)
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.loaded {
		c.unload(a)
	}

	if err := c.durable.Delete(ctx, c.durableKey(key)); err != nil {
		return fmt.Errorf("%w: deleting snapshot: %s", store.ErrPersistence, err)
	}

	c.mu.Lock()
	delete(c.actors, key)
	c.mu.Unlock()

	return nil
}

// actor returns the singleton actor for a key, creating it if needed.
func (c *Coordinator[E]) actor(key string) *actor[E] {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.actors[key]
	if !ok {
		a = &actor[E]{}
		c.actors[key] = a
	}
	return a
}

// ensureLoaded lazily initializes an actor's state from durable storage.
// Caller holds the actor lock.
func (c *Coordinator[E]) ensureLoaded(ctx context.Context, a *actor[E], key string) error {
	if a.loaded {
		return nil
	}

	blob, err := c.durable.Load(ctx, c.durableKey(key))
	if err != nil {
		if errors.Is(err, store.ErrNoSnapshot) {
			a.snap = newSnapshot[E](c.version)
			a.loaded = true
			return nil
		}
		return fmt.Errorf("%w: loading snapshot: %s", store.ErrPersistence, err)
	}

	snap, migrated, err := decodeSnapshot(blob, c.version, c.migrate)
	if err != nil {
		return fmt.Errorf("%w: %s", store.ErrPersistence, err)
	}

	a.snap = snap
	a.loaded = true
	c.entityCount.Add(int64(len(snap.Entities)))

	if c.metrics != nil {
		c.metrics.RecordSnapshotLoad(ctx, c.name, migrated)
	}
	c.logger.Debug("Loaded snapshot",
		"coordinator", c.name,
		"entities", len(snap.Entities),
		"migrated", migrated)

	if migrated {
		// Persist the upgraded shape immediately so the migration runs
		// once, not on every cold start.
		return c.persist(ctx, a, key, false)
	}
	return nil
}

// persist writes the actor's snapshot to durable storage. Caller holds the
// actor lock. The eventual path hands the write to the reconciliation
// queue as a flush that re-reads the snapshot when it runs, so a queued
// write can never overwrite a later synchronous write with stale state.
func (c *Coordinator[E]) persist(ctx context.Context, a *actor[E], key string, eventual bool) error {
	if eventual {
		qErr := c.enqueueFlush(a, key)
		if qErr == nil {
			return nil
		}
		// Queue unavailable: fall through to the synchronous write
		// rather than acknowledging an unpersisted mutation.
		c.logger.Warn("Eventual persist fell back to synchronous write",
			"coordinator", c.name, "error", qErr)
	}

	blob, err := encodeSnapshot(a.snap)
	if err != nil {
		c.unload(a)
		return fmt.Errorf("%w: %s", store.ErrPersistence, err)
	}

	if err := c.durable.Save(ctx, c.durableKey(key), blob); err != nil {
		if c.metrics != nil {
			c.metrics.RecordPersistFailure(ctx, c.name)
		}
		c.unload(a)
		return fmt.Errorf("%w: saving snapshot: %s", store.ErrPersistence, err)
	}
	return nil
}

// enqueueFlush schedules a write-behind flush of the actor's snapshot.
// Caller holds the actor lock. At most one flush is queued per actor;
// every eventual mutation acknowledged before it runs is covered by it.
func (c *Coordinator[E]) enqueueFlush(a *actor[E], key string) error {
	if a.flushQueued {
		return nil
	}
	dkey := c.durableKey(key)
	err := c.queue.Enqueue("snapshot:"+c.name, func(qctx context.Context) error {
		return c.flush(qctx, a, dkey)
	})
	if err == nil {
		a.flushQueued = true
	}
	return err
}

// flush writes the actor's current snapshot from a queue worker. Encoding
// happens under the actor lock at execution time, so every durable write
// for a key, queued or synchronous, carries the newest state at the moment
// it is written.
func (c *Coordinator[E]) flush(ctx context.Context, a *actor[E], dkey string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.flushQueued = false
	if !a.loaded {
		// State was discarded after the flush was queued; durable
		// storage already holds the last acknowledged snapshot.
		return nil
	}

	blob, err := encodeSnapshot(a.snap)
	if err != nil {
		return err
	}
	if err := c.durable.Save(ctx, dkey, blob); err != nil {
		if c.metrics != nil {
			c.metrics.RecordPersistFailure(ctx, c.name)
		}
		return err
	}
	return nil
}

// unload discards an actor's in-memory state. Caller holds the actor lock.
func (c *Coordinator[E]) unload(a *actor[E]) {
	if a.loaded {
		c.entityCount.Add(-int64(len(a.snap.Entities)))
	}
	a.loaded = false
	a.snap = nil
}

// evictExpired removes expired entities. Caller holds the actor lock. The
// eviction itself is not persisted on its own: it rides along with the next
// dirty mutation or the sweep, and expired entities are never returned to
// callers either way.
func (c *Coordinator[E]) evictExpired(ctx context.Context, snap *Snapshot[E]) {
	evicted := int64(0)
	for id, e := range snap.Entities {
		if security.IsExpired(e.ExpireAt()) {
			delete(snap.Entities, id)
			evicted++
		}
	}
	if evicted > 0 {
		c.entityCount.Add(-evicted)
		if c.metrics != nil {
			c.metrics.RecordSweepEvictions(ctx, c.name, evicted)
		}
	}
}

func (c *Coordinator[E]) durableKey(key string) string {
	return c.name + "/" + key
}

func (c *Coordinator[E]) sweepLoop() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep evicts expired entities from every loaded key-space and persists
// key-spaces that changed.
func (c *Coordinator[E]) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c.mu.Lock()
	keys := make([]string, 0, len(c.actors))
	for key := range c.actors {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	for _, key := range keys {
		a := c.actor(key)
		a.mu.Lock()
		if !a.loaded {
			a.mu.Unlock()
			continue
		}

		before := len(a.snap.Entities)
		c.evictExpired(ctx, a.snap)
		if len(a.snap.Entities) != before {
			a.snap.LastCleanup = time.Now()
			if err := c.persist(ctx, a, key, false); err != nil {
				c.logger.Warn("Sweep persist failed",
					"coordinator", c.name,
					"error", err)
			}
		}
		a.mu.Unlock()
	}
}

// startSpan starts a span for a coordinator operation.
func (c *Coordinator[E]) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if c.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return c.tracer.Start(ctx, "coordinator."+operation,
		instrumentation.OperationAttrs(c.name, operation))
}

// recordOp records metrics and span status for a finished operation.
func (c *Coordinator[E]) recordOp(ctx context.Context, span trace.Span, operation string, err error, start time.Time) {
	if c.metrics != nil {
		result := "success"
		if err != nil {
			result = "error"
		}
		c.metrics.RecordOperation(ctx, c.name, operation, result, float64(time.Since(start).Milliseconds()))
	}
	instrumentation.EndSpan(span, err)
}
