package orchestrator

import (
	"maps"
	"simbroker/internal/executor"
	"slices"
	"sync"
	"time"
)

// handle is the live computation of one job.
type handle struct {
	future   executor.Future
	flag     *executor.CancelFlag
	launched time.Time
}

// taskRepo holds live handles with thread-safe access. Completion
// callbacks remove entries from arbitrary goroutines; iterate over a
// snapshot from list or ids.
type taskRepo struct {
	mu    sync.RWMutex
	tasks map[int64]*handle
}

func newTaskRepo() *taskRepo {
	return &taskRepo{
		tasks: make(map[int64]*handle),
	}
}

// add records the handle of a job, replacing any previous one.
func (r *taskRepo) add(id int64, h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[id] = h
}

// get retrieves a job's handle.
func (r *taskRepo) get(id int64) (*handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.tasks[id]
	return h, ok
}

// releaseIf removes the job's handle only if it holds fut.
func (r *taskRepo) releaseIf(id int64, fut executor.Future) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.tasks[id]
	if !ok || h.future != fut {
		return false
	}
	delete(r.tasks, id)
	return true
}

// list returns a snapshot of all handles.
func (r *taskRepo) list() map[int64]*handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.tasks)
}

// ids returns the live job ids in ascending order.
func (r *taskRepo) ids() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.tasks))
}

func (r *taskRepo) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// pendingResults holds completed futures whose results were not read yet.
type pendingResults struct {
	mu      sync.Mutex
	futures map[int64]executor.Future
}

func newPendingResults() *pendingResults {
	return &pendingResults{futures: make(map[int64]executor.Future)}
}

func (p *pendingResults) add(id int64, fut executor.Future) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.futures[id] = fut
}

func (p *pendingResults) has(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.futures[id]
	return ok
}

// swap takes all pending futures, leaving the set empty.
func (p *pendingResults) swap() map[int64]executor.Future {
	p.mu.Lock()
	defer p.mu.Unlock()
	taken := p.futures
	p.futures = make(map[int64]executor.Future)
	return taken
}

func (p *pendingResults) ids() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Collect(maps.Keys(p.futures))
}

func (p *pendingResults) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.futures)
}

// updateQueue is an unbounded FIFO of store updates. Producers never
// block, so completion callbacks can always enqueue.
type updateQueue struct {
	mu    sync.Mutex
	items []update
}

func (q *updateQueue) push(items ...update) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, items...)
}

// pop removes the oldest update.
func (q *updateQueue) pop() (update, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	u := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return u, true
}

func (q *updateQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
