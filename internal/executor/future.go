package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

type taskState int

const (
	statePending taskState = iota
	stateRunning
	stateFinished
)

// task is the Future of the local executor.
type task struct {
	id   string
	work Work
	flag *CancelFlag

	mu        sync.Mutex
	state     taskState
	cancelled bool
	value     map[string]any
	err       error
	stop      context.CancelFunc
	callbacks []func(Future)
	done      chan struct{}
}

func newTask(id string, work Work, flag *CancelFlag) *task {
	return &task{
		id:   id,
		work: work,
		flag: flag,
		done: make(chan struct{}),
	}
}

func (t *task) ID() string { return t.id }

func (t *task) Cancel() bool {
	t.mu.Lock()
	switch t.state {
	case stateFinished:
		t.mu.Unlock()
		return false
	case stateRunning:
		t.stop()
		t.mu.Unlock()
		return true
	}
	t.mu.Unlock()

	t.finish(nil, ErrCancelled, true)
	return true
}

func (t *task) Done() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *task) AddDoneCallback(fn func(Future)) {
	t.mu.Lock()
	if t.state != stateFinished {
		t.callbacks = append(t.callbacks, fn)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	runCallback(fn, t)
}

func (t *task) Result(ctx context.Context) (map[string]any, error) {
	select {
	case <-t.done:
		return t.result()
	default:
	}

	select {
	case <-t.done:
		return t.result()
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: task %s: %w", ErrResultTimeout, t.id, ctx.Err())
	}
}

func (t *task) result() (map[string]any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return nil, ErrCancelled
	}
	return t.value, t.err
}

// start moves a pending task to running. It returns false when the task
// was cancelled while queued.
func (t *task) start(parent context.Context) (context.Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != statePending {
		return nil, false
	}
	ctx, stop := context.WithCancel(parent)
	t.state = stateRunning
	t.stop = stop
	return ctx, true
}

// run executes the work and completes the task. Work that gives up
// because its context was cancelled counts as cancelled.
func (t *task) run(ctx context.Context) {
	value, err := t.call(ctx)
	cancelled := errors.Is(err, ErrCancelled) ||
		(errors.Is(err, context.Canceled) && ctx.Err() != nil)
	t.finish(value, err, cancelled)
}

// call runs the work, converting a panic into an error carrying the stack.
func (t *task) call(ctx context.Context) (value map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return t.work(ctx, t.flag)
}

// finish completes the task once and runs its callbacks.
func (t *task) finish(value map[string]any, err error, cancelled bool) {
	t.mu.Lock()
	if t.state == stateFinished {
		t.mu.Unlock()
		return
	}
	t.state = stateFinished
	t.cancelled = cancelled
	if !cancelled {
		t.value = value
		t.err = err
	}
	if t.stop != nil {
		t.stop()
	}
	callbacks := t.callbacks
	t.callbacks = nil
	close(t.done)
	t.mu.Unlock()

	for _, fn := range callbacks {
		runCallback(fn, t)
	}
}

func runCallback(fn func(Future), f Future) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Future callback panicked", "component", "executor", "task", f.ID(), "panic", r)
		}
	}()
	fn(f)
}
