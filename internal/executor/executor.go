// Package executor runs computations asynchronously and hands out futures
// for their results.
//
// Cancellation has two independent halves: a CancelFlag that cooperative
// computations poll, and Future.Cancel, the executor's own best-effort
// mechanism. Neither implies the other.
package executor

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCancelled is returned by Result for cancelled futures. Work may
	// also return it to report that it stopped on request.
	ErrCancelled = errors.New("computation cancelled")

	// ErrResultTimeout is returned by Result when the context ends before
	// the future completes.
	ErrResultTimeout = errors.New("timed out waiting for result")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("executor is closed")

	// ErrQueueFull is returned by Submit when no more work can be queued.
	ErrQueueFull = errors.New("executor queue full")
)

// Work is a unit of computation. It should return promptly once ctx is
// done or flag is set.
type Work func(ctx context.Context, flag *CancelFlag) (map[string]any, error)

// Future is a handle to a submitted computation.
type Future interface {
	// ID identifies the submission.
	ID() string

	// Cancel requests cancellation. It returns false when the future has
	// already completed. A true result does not mean the computation will
	// stop.
	Cancel() bool

	// Done reports whether the future has completed.
	Done() bool

	// Cancelled reports whether the future completed by cancellation.
	Cancelled() bool

	// AddDoneCallback registers fn to run once the future completes, on
	// the goroutine that completes it. If the future is already done, fn
	// runs immediately on the caller's goroutine.
	AddDoneCallback(fn func(Future))

	// Result waits for completion until ctx ends.
	Result(ctx context.Context) (map[string]any, error)
}

// Outcome is the retrieved result of one future.
type Outcome struct {
	Value map[string]any
	Err   error
}

// Executor accepts work.
type Executor interface {
	// Submit queues work. The returned future completes asynchronously.
	Submit(work Work, flag *CancelFlag) (Future, error)

	// Gather retrieves results of many futures within timeout. Futures
	// that do not complete in time are left out of the returned map.
	Gather(ctx context.Context, futures map[int64]Future, timeout time.Duration) map[int64]Outcome

	// Close stops accepting work and cancels what is queued or running.
	Close(ctx context.Context) error
}
