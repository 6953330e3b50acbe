package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueue_RunsTask(t *testing.T) {
	q := New(Config{Workers: 1})

	done := make(chan struct{})
	err := q.Enqueue("test", func(ctx context.Context) error {
		close(done)
		return nil
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not executed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestQueue_RetriesUntilSuccess(t *testing.T) {
	q := New(Config{Workers: 1, MaxAttempts: 5, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})

	var attempts atomic.Int32
	done := make(chan struct{})
	_ = q.Enqueue("flaky", func(ctx context.Context) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task did not succeed after retries")
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = q.Close(ctx)
}

func TestQueue_DropsAfterRetryCap(t *testing.T) {
	q := New(Config{Workers: 1, MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})

	var attempts atomic.Int32
	_ = q.Enqueue("doomed", func(ctx context.Context) error {
		attempts.Add(1)
		return errors.New("permanent")
	})

	// Drain; the task must stop at the cap.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3 (retry cap)", got)
	}
}

func TestQueue_EnqueueAfterClose(t *testing.T) {
	q := New(Config{Workers: 1})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = q.Close(ctx)

	err := q.Enqueue("late", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Enqueue() after Close error = %v, want ErrClosed", err)
	}
}

func TestQueue_FullBuffer(t *testing.T) {
	q := New(Config{Workers: 1, QueueSize: 1, BaseBackoff: time.Millisecond})

	block := make(chan struct{})
	// First task occupies the worker.
	_ = q.Enqueue("blocker", func(ctx context.Context) error {
		<-block
		return nil
	})
	// Second fills the buffer.
	_ = q.Enqueue("buffered", func(ctx context.Context) error { return nil })

	// Third must be rejected, not block the caller.
	err := q.Enqueue("overflow", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("Enqueue() on full buffer error = %v, want ErrQueueFull", err)
	}

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = q.Close(ctx)
}
