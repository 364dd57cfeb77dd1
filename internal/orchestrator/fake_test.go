package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"simbroker/internal/executor"
	"simbroker/internal/job"
	"simbroker/internal/model"
	"simbroker/internal/store"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeFuture is a future completed by the test.
type fakeFuture struct {
	id string

	// ignoreCancel makes Cancel a no-op, like a backend that cannot stop
	// a started computation.
	ignoreCancel bool

	// timeouts is the number of Result calls that report a timeout even
	// though the future is done.
	timeouts atomic.Int32

	cancelCalls atomic.Int32

	mu        sync.Mutex
	finished  bool
	cancelled bool
	value     map[string]any
	err       error
	callbacks []func(executor.Future)
	done      chan struct{}
}

func newFakeFuture(id string) *fakeFuture {
	return &fakeFuture{id: id, done: make(chan struct{})}
}

func (f *fakeFuture) ID() string { return f.id }

func (f *fakeFuture) Cancel() bool {
	f.cancelCalls.Add(1)
	if f.Done() {
		return false
	}
	if !f.ignoreCancel {
		f.finish(nil, nil, true)
	}
	return true
}

func (f *fakeFuture) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *fakeFuture) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *fakeFuture) AddDoneCallback(fn func(executor.Future)) {
	f.mu.Lock()
	if !f.finished {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	fn(f)
}

func (f *fakeFuture) Result(ctx context.Context) (map[string]any, error) {
	if f.timeouts.Load() > 0 {
		f.timeouts.Add(-1)
		return nil, executor.ErrResultTimeout
	}
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", executor.ErrResultTimeout, ctx.Err())
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelled {
		return nil, executor.ErrCancelled
	}
	return f.value, f.err
}

func (f *fakeFuture) complete(value map[string]any, err error) {
	f.finish(value, err, false)
}

func (f *fakeFuture) finish(value map[string]any, err error, cancelled bool) {
	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		return
	}
	f.finished = true
	f.value, f.err, f.cancelled = value, err, cancelled
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range callbacks {
		fn(f)
	}
}

// fakeExecutor hands out fake futures and records submissions.
type fakeExecutor struct {
	mu        sync.Mutex
	futures   []*fakeFuture
	flags     []*executor.CancelFlag
	submitErr []error // consumed one per Submit
	configure func(*fakeFuture)
}

func (e *fakeExecutor) Submit(_ executor.Work, flag *executor.CancelFlag) (executor.Future, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.submitErr) > 0 {
		err := e.submitErr[0]
		e.submitErr = e.submitErr[1:]
		if err != nil {
			return nil, err
		}
	}
	f := newFakeFuture(fmt.Sprintf("fake-%d", len(e.futures)+1))
	if e.configure != nil {
		e.configure(f)
	}
	e.futures = append(e.futures, f)
	e.flags = append(e.flags, flag)
	return f, nil
}

func (e *fakeExecutor) Gather(ctx context.Context, futures map[int64]executor.Future, timeout time.Duration) map[int64]executor.Outcome {
	return executor.Gather(ctx, futures, timeout)
}

func (e *fakeExecutor) Close(context.Context) error { return nil }

func (e *fakeExecutor) submitted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.futures)
}

func (e *fakeExecutor) future(i int) (*fakeFuture, *executor.CancelFlag) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.futures[i], e.flags[i]
}

// fakeMetrics records flush outcomes.
type fakeMetrics struct {
	mu         sync.Mutex
	flushes    [][3]int
	finished   map[string]int
	relaunched int
	orphaned   int
}

func (m *fakeMetrics) RecordJobLaunched(context.Context)  {}
func (m *fakeMetrics) RecordJobCompleted(context.Context) {}
func (m *fakeMetrics) RecordJobFinished(_ context.Context, status string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished == nil {
		m.finished = map[string]int{}
	}
	m.finished[status]++
}
func (m *fakeMetrics) RecordJobRelaunched(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.relaunched++
}
func (m *fakeMetrics) RecordJobOrphaned(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orphaned++
}
func (m *fakeMetrics) RecordFlush(_ context.Context, _ float64, applied, retried, failed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes = append(m.flushes, [3]int{applied, retried, failed})
}
func (m *fakeMetrics) RecordUpdateQueueSize(context.Context, int64) {}

func (m *fakeMetrics) lastFlush() [3]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes[len(m.flushes)-1]
}

type monitorFunc func(id int64, fut executor.Future) error

func (f monitorFunc) Launched(id int64, fut executor.Future) error { return f(id, fut) }

type fixture struct {
	orch    *Orchestrator
	store   *store.Store
	exec    *fakeExecutor
	metrics *fakeMetrics
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		store:   store.OpenMemory(),
		exec:    &fakeExecutor{},
		metrics: &fakeMetrics{},
	}
	cfg := Config{
		Store:         f.store,
		Executor:      f.exec,
		Model:         model.Sum{},
		Metrics:       f.metrics,
		WorkRoot:      t.TempDir(),
		GatherTimeout: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	orch, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.orch = orch
	return f
}

// submit creates and launches a job the way the service does.
func (f *fixture) submit(t *testing.T, inputs map[string]any) int64 {
	t.Helper()
	var id int64
	err := f.store.Transact(context.Background(), "create", func(tx *store.Tx) error {
		var (
			j   *job.Job
			err error
		)
		id, j, err = store.CreateJob(tx, inputs)
		if err != nil {
			return err
		}
		if err := f.orch.Launch(tx, id, j); err != nil {
			j.Close()
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return id
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	if err := f.orch.Flush(context.Background(), nil); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

// job reads a job, returning nil when it does not exist.
func (f *fixture) job(t *testing.T, id int64) *job.Job {
	t.Helper()
	var j *job.Job
	err := f.store.View(context.Background(), func(tx *store.Tx) error {
		var err error
		j, err = tx.Job(id)
		if errors.Is(err, store.ErrJobNotFound) {
			j = nil
			return nil
		}
		return err
	})
	if err != nil {
		t.Fatalf("read job %d: %v", id, err)
	}
	return j
}

func (f *fixture) put(t *testing.T, id int64, j *job.Job) {
	t.Helper()
	err := f.store.Transact(context.Background(), "put", func(tx *store.Tx) error {
		return tx.PutJob(id, j)
	})
	if err != nil {
		t.Fatalf("put job %d: %v", id, err)
	}
}

// checkInvariants asserts that errors and results match the status.
func checkInvariants(t *testing.T, j *job.Job) {
	t.Helper()
	hasErr := j.Status == job.StatusFailed || j.Status == job.StatusInvalid
	if hasErr != j.HasError() {
		t.Errorf("status %v with error %q", j.Status, j.Error)
	}
	if len(j.Results) > 0 && j.Status != job.StatusDone {
		t.Errorf("status %v with results %v", j.Status, j.Results)
	}
}
