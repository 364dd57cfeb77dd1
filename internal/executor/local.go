package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Local runs work on an in-process worker pool.
// Submissions wait in a bounded queue; when it is full Submit fails
// rather than blocking the caller.
type Local struct {
	queue  chan *task
	config Config
	logger *slog.Logger

	// base is the parent context of every running task; Close cancels it.
	base       context.Context
	cancelBase context.CancelFunc

	// Internal counters (for Stats())
	submitted atomic.Int64
	running   atomic.Int64
	completed atomic.Int64
	cancelled atomic.Int64
	failed    atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// Stats holds executor statistics.
type Stats struct {
	QueueDepth int   // tasks waiting for a worker
	Running    int64 // tasks being computed
	Submitted  int64 // total tasks accepted
	Completed  int64 // tasks that returned a value
	Cancelled  int64 // tasks that completed by cancellation
	Failed     int64 // tasks that returned an error
}

// NewLocal creates and starts a local executor.
func NewLocal(cfg Config) *Local {
	cfg = cfg.withDefaults()
	base, cancel := context.WithCancel(context.Background())

	e := &Local{
		queue:      make(chan *task, cfg.QueueSize),
		config:     cfg,
		logger:     slog.With("component", "executor"),
		base:       base,
		cancelBase: cancel,
		shutdown:   make(chan struct{}),
	}

	e.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go e.worker()
	}

	e.logger.Info("Executor started", "workers", cfg.Workers, "queue", cfg.QueueSize)
	return e
}

// Submit queues work for a worker.
func (e *Local) Submit(work Work, flag *CancelFlag) (Future, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	if flag == nil {
		flag = NewCancelFlag()
	}

	t := newTask(uuid.NewString(), work, flag)
	t.AddDoneCallback(e.count)

	select {
	case e.queue <- t:
		e.submitted.Add(1)
		if e.closed.Load() {
			e.cancelQueued() // lost a race with Close
		}
		return t, nil
	default:
		e.logger.Warn("Task rejected, queue full", "queue", e.config.QueueSize)
		return nil, ErrQueueFull
	}
}

// Gather implements Executor.
func (e *Local) Gather(ctx context.Context, futures map[int64]Future, timeout time.Duration) map[int64]Outcome {
	return Gather(ctx, futures, timeout)
}

// Stats returns current executor statistics.
func (e *Local) Stats() Stats {
	return Stats{
		QueueDepth: len(e.queue),
		Running:    e.running.Load(),
		Submitted:  e.submitted.Load(),
		Completed:  e.completed.Load(),
		Cancelled:  e.cancelled.Load(),
		Failed:     e.failed.Load(),
	}
}

// Close stops the workers. Queued tasks are cancelled and running tasks
// have their context cancelled; Close waits for workers until ctx ends.
func (e *Local) Close(ctx context.Context) error {
	if e.closed.Swap(true) {
		return nil // already closed
	}

	e.logger.Info("Executor shutting down", "queued", len(e.queue), "running", e.running.Load())

	close(e.shutdown)
	e.cancelBase()
	e.cancelQueued()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("Executor shutdown complete",
			"completed", e.completed.Load(),
			"cancelled", e.cancelled.Load(),
			"failed", e.failed.Load(),
		)
		return nil
	case <-ctx.Done():
		e.logger.Warn("Executor shutdown timed out", "running", e.running.Load())
		return ctx.Err()
	}
}

// worker runs tasks from the queue.
func (e *Local) worker() {
	defer e.wg.Done()

	for {
		select {
		case <-e.shutdown:
			return
		case t := <-e.queue:
			e.execute(t)
		}
	}
}

func (e *Local) execute(t *task) {
	if e.closed.Load() {
		t.Cancel()
		return
	}
	ctx, ok := t.start(e.base)
	if !ok {
		return // cancelled while queued
	}
	e.running.Add(1)
	defer e.running.Add(-1)
	t.run(ctx)
}

// cancelQueued cancels tasks still waiting for a worker.
func (e *Local) cancelQueued() {
	for {
		select {
		case t := <-e.queue:
			t.Cancel()
		default:
			return // queue empty
		}
	}
}

func (e *Local) count(f Future) {
	_, err := f.(*task).result()
	switch {
	case errors.Is(err, ErrCancelled):
		e.cancelled.Add(1)
	case err != nil:
		e.failed.Add(1)
	default:
		e.completed.Add(1)
	}
}

// Verify Local implements Executor
var _ Executor = (*Local)(nil)
