// Package reconcile provides the write-behind reconciliation queue that
// mirrors coordinator state into the relational store. The mirror is
// best-effort: it serves audit trails and cold-path lookups, never
// consume-once correctness, so a dropped task degrades observability but
// not security.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/sgrastar/authrim/instrumentation"
)

const (
	// DefaultWorkers is the default number of mirror workers.
	DefaultWorkers = 2

	// DefaultQueueSize bounds the pending task buffer. Enqueue fails
	// fast when the buffer is full rather than blocking a coordinator
	// operation on mirror throughput.
	DefaultQueueSize = 1024

	// DefaultMaxAttempts caps retries per task. After the cap the task
	// is dropped and an alert is raised.
	DefaultMaxAttempts = 5

	// DefaultBaseBackoff is the first retry delay; it doubles per
	// attempt up to DefaultMaxBackoff, with jitter.
	DefaultBaseBackoff = 100 * time.Millisecond
	DefaultMaxBackoff  = 30 * time.Second
)

// ErrQueueFull is returned by Enqueue when the task buffer is full.
var ErrQueueFull = errors.New("reconciliation queue full")

// ErrClosed is returned by Enqueue after Close has been called.
var ErrClosed = errors.New("reconciliation queue closed")

// Op is one idempotent mirror write. It must tolerate being retried.
type Op func(ctx context.Context) error

type task struct {
	kind string
	op   Op
}

// Config holds queue configuration. Zero values select defaults.
type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

// Queue is a bounded, retrying write-behind queue.
type Queue struct {
	tasks chan task

	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	logger  *slog.Logger
	metrics *instrumentation.Metrics

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// New creates and starts a reconciliation queue.
func New(cfg Config) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	q := &Queue{
		tasks:       make(chan task, cfg.QueueSize),
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		logger:      cfg.Logger,
		closed:      make(chan struct{}),
	}
	if cfg.Instrumentation != nil {
		q.metrics = cfg.Instrumentation.Metrics()
	}

	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}

	return q
}

// Enqueue submits a mirror write. It never blocks: when the buffer is full
// the task is rejected with ErrQueueFull and the caller decides whether
// that matters (for audit mirrors it does not).
func (q *Queue) Enqueue(kind string, op Op) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	select {
	case q.tasks <- task{kind: kind, op: op}:
		if q.metrics != nil {
			q.metrics.RecordReconcileTask(context.Background(), kind)
		}
		return nil
	default:
		q.logger.Warn("Reconciliation queue full, task rejected", "kind", kind)
		return ErrQueueFull
	}
}

// Close stops accepting new tasks and drains pending ones until ctx
// expires. Tasks still pending at the deadline are abandoned.
func (q *Queue) Close(ctx context.Context) error {
	q.closeOnce.Do(func() {
		close(q.closed)
		close(q.tasks)
	})

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("reconciliation drain interrupted: %w", ctx.Err())
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for t := range q.tasks {
		q.run(t)
	}
}

// run executes one task with bounded exponential backoff.
func (q *Queue) run(t task) {
	var lastErr error

	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		lastErr = t.op(ctx)
		cancel()

		if lastErr == nil {
			return
		}

		if q.metrics != nil {
			q.metrics.RecordReconcileRetry(context.Background(), t.kind)
		}
		q.logger.Debug("Mirror write failed, will retry",
			"kind", t.kind,
			"attempt", attempt,
			"error", lastErr)

		if attempt < q.maxAttempts {
			time.Sleep(q.backoff(attempt))
		}
	}

	// Retry budget exhausted: the mirror has diverged from authoritative
	// state until the next write for the same row. Raise the alert.
	q.logger.Error("Mirror write dropped after exhausting retries",
		"kind", t.kind,
		"attempts", q.maxAttempts,
		"error", lastErr)
	if q.metrics != nil {
		q.metrics.RecordReconcileDropped(context.Background(), t.kind)
	}
}

// backoff returns the delay before the given retry attempt: exponential
// with full jitter, capped at maxBackoff.
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.baseBackoff << (attempt - 1)
	if d > q.maxBackoff || d <= 0 {
		d = q.maxBackoff
	}
	return time.Duration(rand.Int63n(int64(d)) + int64(d)/2)
}
