// Package orchestrator maps persisted jobs to live computations.
//
// # Consistency
//
// Three views of a job change independently: its record in the store, its
// live handle in memory, and the executor's completion of its future.
// Completion callbacks run on executor goroutines at any time, so they
// never touch the store. They move the future to the pending results and
// queue an update; Flush applies queued updates inside a store
// transaction. Call Flush before reading job state.
//
// # Recovery
//
// Handles do not survive a restart. SyncTasks relaunches jobs the store
// still shows as active, and RefreshJobs cancels live computations whose
// record is gone or no longer active.
//
// The RUNNING status is never set: a Future does not report that its
// computation has started.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"simbroker/internal/apperrors"
	"simbroker/internal/executor"
	"simbroker/internal/job"
	"simbroker/internal/model"
	"simbroker/internal/store"
	"sync"
	"time"
)

// update is a deferred store mutation. Returning an error wrapping
// executor.ErrResultTimeout asks Flush to retry it on the next call.
type update func(ctx context.Context, tx *store.Tx, results map[int64]executor.Outcome) error

// Monitor is notified of every launch. It may register callbacks on the
// future to observe termination.
type Monitor interface {
	Launched(id int64, fut executor.Future) error
}

// MetricsRecorder is an optional interface for recording orchestrator metrics.
type MetricsRecorder interface {
	RecordJobLaunched(ctx context.Context)
	RecordJobCompleted(ctx context.Context)
	RecordJobFinished(ctx context.Context, status string, durationSeconds float64)
	RecordJobRelaunched(ctx context.Context)
	RecordJobOrphaned(ctx context.Context)
	RecordFlush(ctx context.Context, durationSeconds float64, applied, retried, failed int)
	RecordUpdateQueueSize(ctx context.Context, size int64)
}

// Orchestrator owns the live computations of jobs.
type Orchestrator struct {
	store    *store.Store
	executor executor.Executor
	model    model.Model
	monitor  Monitor
	metrics  MetricsRecorder
	config   Config
	logger   *slog.Logger

	tasks   *taskRepo
	pending *pendingResults
	updates updateQueue

	stopLoop context.CancelFunc
	loopDone chan struct{}
	stopOnce sync.Once
}

// Stats holds orchestrator statistics.
type Stats struct {
	Tasks   int // live computations
	Pending int // completed futures awaiting Flush
	Updates int // queued store updates
}

// New creates an orchestrator. Call Start to recover jobs and run
// periodic maintenance.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Executor == nil || cfg.Model == nil {
		return nil, fmt.Errorf("store, executor and model are required")
	}
	cfg = cfg.withDefaults()
	if err := os.MkdirAll(cfg.WorkRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create work root: %w", err)
	}

	return &Orchestrator{
		store:    cfg.Store,
		executor: cfg.Executor,
		model:    cfg.Model,
		monitor:  cfg.Monitor,
		metrics:  cfg.Metrics,
		config:   cfg,
		logger:   slog.With("component", "orchestrator"),
		tasks:    newTaskRepo(),
		pending:  newPendingResults(),
	}, nil
}

// Launch starts the computation of job j, which must have been read from
// or inserted into tx. The caller commits tx; if Launch fails the caller
// must close and remove the job, since no computation exists for it.
//
// New jobs are INVALID; SyncTasks also relaunches active jobs whose
// handle was lost.
func (o *Orchestrator) Launch(tx *store.Tx, id int64, j *job.Job) error {
	if !tx.Writable() {
		return fmt.Errorf("launch job %d: read-only transaction", id)
	}
	if j.Status != job.StatusInvalid && !j.Status.Active() {
		return apperrors.Conflict("job", fmt.Sprintf("job %d cannot be launched from status %s", id, j.Status), nil)
	}
	if err := o.allocateWorkdir(id, j); err != nil {
		return apperrors.Internal("launch.workdir", err)
	}

	flag := executor.NewCancelFlag()
	spec := model.Spec{JobID: id, Inputs: maps.Clone(j.Inputs), Workdir: j.Workdir}
	fut, err := o.executor.Submit(model.Work(o.model, spec), flag)
	if err != nil {
		if errors.Is(err, executor.ErrQueueFull) || errors.Is(err, executor.ErrClosed) {
			return apperrors.Unavailable("launch", err)
		}
		return apperrors.Internal("launch", err)
	}

	o.tasks.add(id, &handle{future: fut, flag: flag, launched: time.Now()})
	j.Status = job.StatusScheduled
	j.Error = ""
	j.Results = nil
	fut.AddDoneCallback(func(f executor.Future) { o.onDone(id, f) })

	if o.metrics != nil {
		o.metrics.RecordJobLaunched(context.Background())
	}
	o.logger.Info("Job launched", "jobId", id, "task", fut.ID(), "workdir", j.Workdir)

	o.notifyMonitor(id, fut)
	return nil
}

func (o *Orchestrator) allocateWorkdir(id int64, j *job.Job) error {
	if j.Workdir != "" {
		return os.MkdirAll(j.Workdir, 0o755)
	}
	dir, err := os.MkdirTemp(o.config.WorkRoot, fmt.Sprintf("job-%d-", id))
	if err != nil {
		return err
	}
	j.Workdir = dir
	return nil
}

// notifyMonitor calls the monitor, suppressing its failures.
func (o *Orchestrator) notifyMonitor(id int64, fut executor.Future) {
	if o.monitor == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Monitor panicked", "jobId", id, "panic", r)
		}
	}()
	if err := o.monitor.Launched(id, fut); err != nil {
		o.logger.Error("Monitor failed", "jobId", id, "error", err)
	}
}

// onDone runs on the goroutine that completed fut. It only touches
// thread-safe in-memory state and defers the store write to Flush.
func (o *Orchestrator) onDone(id int64, fut executor.Future) {
	h, ok := o.tasks.get(id)
	if !ok || h.future != fut {
		o.logger.Warn("Completion of unknown task ignored", "jobId", id, "task", fut.ID())
		return
	}

	// Record the pending result before dropping the handle so that a
	// concurrent snapshot always sees the job in one of the two.
	o.pending.add(id, fut)
	o.tasks.releaseIf(id, fut)
	o.updates.push(o.saveJob(id, fut, h.launched))

	if o.metrics != nil {
		o.metrics.RecordJobCompleted(context.Background())
	}
}

// saveJob returns the update that records the outcome of fut.
func (o *Orchestrator) saveJob(id int64, fut executor.Future, launched time.Time) update {
	return func(ctx context.Context, tx *store.Tx, results map[int64]executor.Outcome) error {
		logger := o.logger.With("jobId", id)

		j, err := tx.Job(id)
		if errors.Is(err, store.ErrJobNotFound) {
			logger.Info("Finished job no longer exists")
			return nil
		}
		if err != nil {
			return err
		}

		outcome, ok := results[id]
		if !ok {
			rctx, cancel := context.WithTimeout(ctx, o.config.GatherTimeout)
			outcome.Value, outcome.Err = fut.Result(rctx)
			cancel()
		}

		switch {
		case errors.Is(outcome.Err, executor.ErrResultTimeout):
			o.pending.add(id, fut)
			return fmt.Errorf("job %d: %w", id, outcome.Err)
		case fut.Cancelled() || errors.Is(outcome.Err, executor.ErrCancelled):
			logger.Debug("Job cancelled")
			j.SetCancelled()
		case outcome.Err != nil:
			logger.Debug("Job failed", "error", outcome.Err)
			j.SetFailed(formatError(outcome.Err))
		default:
			logger.Debug("Job done")
			j.SetDone(outcome.Value)
		}

		if o.metrics != nil {
			o.metrics.RecordJobFinished(ctx, j.Status.String(), time.Since(launched).Seconds())
		}
		return nil
	}
}

// deleteJob returns the update that removes a cancelled job whose
// resources could be released.
func (o *Orchestrator) deleteJob(id int64) update {
	return func(_ context.Context, tx *store.Tx, _ map[int64]executor.Outcome) error {
		logger := o.logger.With("jobId", id)

		j, err := tx.Job(id)
		if errors.Is(err, store.ErrJobNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !j.Close() {
			logger.Warn("Job kept after cancel, resources not released", "error", j.Error)
			return nil
		}
		logger.Info("Deleting job on cancel")
		return tx.DeleteJob(id)
	}
}

// Flush applies queued updates. With a nil tx it runs in its own
// transaction.
//
// Completed futures are fetched in one batch first. Only the updates
// queued when the drain starts are applied; those whose result was not
// ready in time are queued again afterwards, and those that fail are
// logged and dropped.
func (o *Orchestrator) Flush(ctx context.Context, tx *store.Tx) error {
	if tx == nil {
		return o.store.Transact(ctx, "flush", func(tx *store.Tx) error {
			return o.flush(ctx, tx)
		})
	}
	return o.flush(ctx, tx)
}

func (o *Orchestrator) flush(ctx context.Context, tx *store.Tx) error {
	start := time.Now()

	results := o.executor.Gather(ctx, o.pending.swap(), o.config.GatherTimeout)

	var (
		retry           []update
		applied, failed int
	)
	for range o.updates.len() {
		u, ok := o.updates.pop()
		if !ok {
			break
		}
		err := o.apply(ctx, tx, u, results)
		switch {
		case err == nil:
			applied++
		case errors.Is(err, executor.ErrResultTimeout):
			retry = append(retry, u)
		default:
			failed++
			o.logger.Error("Scheduled update failed", "error", err)
		}
	}
	o.updates.push(retry...)

	if applied+len(retry)+failed > 0 {
		o.logger.Debug("Updates flushed", "applied", applied, "retried", len(retry), "failed", failed)
	}
	if o.metrics != nil {
		o.metrics.RecordFlush(ctx, time.Since(start).Seconds(), applied, len(retry), failed)
		o.metrics.RecordUpdateQueueSize(ctx, int64(o.updates.len()))
	}
	return nil
}

// apply runs one update, converting a panic into an error.
func (o *Orchestrator) apply(ctx context.Context, tx *store.Tx, u update, results map[int64]executor.Outcome) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("update panicked: %v", r)
		}
	}()
	return u(ctx, tx, results)
}

// Cancel requests cancellation of the job's computation. It returns false
// when the job has no live computation or it completed first.
//
// With deleteOnCancel the job is removed from the store once the future
// reports it was cancelled and its resources were released.
func (o *Orchestrator) Cancel(id int64, deleteOnCancel bool) bool {
	h, ok := o.tasks.get(id)
	if !ok || h.future.Done() {
		return false
	}

	if deleteOnCancel {
		h.future.AddDoneCallback(func(f executor.Future) {
			if f.Cancelled() {
				o.updates.push(o.deleteJob(id))
			}
		})
	}

	h.flag.Set()
	if !h.future.Cancel() {
		return false
	}
	o.logger.Info("Job cancellation requested", "jobId", id, "delete", deleteOnCancel)
	return true
}

// CancelAll cancels every live computation and returns the ids for which
// cancellation was requested.
func (o *Orchestrator) CancelAll(deleteOnCancel bool) []int64 {
	var cancelled []int64
	for _, id := range o.tasks.ids() {
		if o.Cancel(id, deleteOnCancel) {
			cancelled = append(cancelled, id)
		}
	}
	return cancelled
}

// SyncTasks reconciles the store with live computations in one
// transaction: it flushes, relaunches active jobs that have no
// computation, then cancels orphaned computations. A failed relaunch is
// logged and the remaining jobs are still processed.
func (o *Orchestrator) SyncTasks(ctx context.Context) error {
	return o.store.Transact(ctx, "sync_tasks", func(tx *store.Tx) error {
		// Jobs whose result awaits this flush are not lost.
		known := make(map[int64]bool)
		for _, id := range o.tasks.ids() {
			known[id] = true
		}
		for _, id := range o.pending.ids() {
			known[id] = true
		}

		if err := o.flush(ctx, tx); err != nil {
			return err
		}

		err := tx.ForEachJob(func(id int64, j *job.Job) error {
			if !j.Status.Active() || known[id] {
				return nil
			}
			if err := o.Launch(tx, id, j); err != nil {
				o.logger.Error("Failed to relaunch job", "jobId", id, "error", err)
				return nil
			}
			o.logger.Info("Relaunched job", "jobId", id)
			if o.metrics != nil {
				o.metrics.RecordJobRelaunched(ctx)
			}
			return nil
		})
		if err != nil {
			return err
		}

		return o.refreshJobs(ctx, tx)
	})
}

// RefreshJobs cancels live computations whose job record is missing or
// not active. A record that is present but inactive is flagged INVALID.
// With a nil tx it runs in its own transaction.
func (o *Orchestrator) RefreshJobs(ctx context.Context, tx *store.Tx) error {
	if tx == nil {
		return o.store.Transact(ctx, "refresh_jobs", func(tx *store.Tx) error {
			return o.refreshJobs(ctx, tx)
		})
	}
	return o.refreshJobs(ctx, tx)
}

func (o *Orchestrator) refreshJobs(ctx context.Context, tx *store.Tx) error {
	for id, h := range o.tasks.list() {
		if h.future.Done() {
			continue
		}

		j, err := tx.Job(id)
		switch {
		case errors.Is(err, store.ErrJobNotFound):
			o.logger.Error("Cancelling unknown task", "jobId", id)
		case err != nil:
			return err
		case !j.Status.Active():
			o.logger.Error("Cancelling task with invalid status", "jobId", id, "status", j.Status)
			j.SetInvalid(fmt.Sprintf("Task was still running while the job status was %s.\n", j.Status))
		default:
			continue
		}

		o.Cancel(id, false)
		if o.metrics != nil {
			o.metrics.RecordJobOrphaned(ctx)
		}
	}
	return nil
}

// Start recovers jobs from the store and starts periodic maintenance.
func (o *Orchestrator) Start(ctx context.Context) {
	if err := o.SyncTasks(ctx); err != nil {
		o.logger.Error("Initial task sync failed", "error", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	o.stopLoop = cancel
	o.loopDone = make(chan struct{})
	go o.runMaintenance(loopCtx)

	o.logger.Info("Orchestrator started",
		"tasks", o.tasks.len(),
		"syncInterval", o.config.SyncInterval,
		"flushInterval", o.config.FlushInterval,
	)
}

// runMaintenance periodically syncs and flushes.
func (o *Orchestrator) runMaintenance(ctx context.Context) {
	defer close(o.loopDone)

	syncTicker := time.NewTicker(o.config.SyncInterval)
	defer syncTicker.Stop()
	flushTicker := time.NewTicker(o.config.FlushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTicker.C:
			if err := o.SyncTasks(ctx); err != nil && ctx.Err() == nil {
				o.logger.Error("Task sync failed", "error", err)
			}
		case <-flushTicker.C:
			if err := o.Flush(ctx, nil); err != nil && ctx.Err() == nil {
				o.logger.Error("Flush failed", "error", err)
			}
		}
	}
}

// Stop ends periodic maintenance and flushes once more. Computations keep
// running until the executor is closed; jobs still active in the store
// are relaunched by the next process.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.stopOnce.Do(func() {
		if o.stopLoop != nil {
			o.stopLoop()
			<-o.loopDone
		}
	})

	if err := o.Flush(ctx, nil); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	o.logger.Info("Orchestrator stopped", "tasks", o.tasks.len(), "updates", o.updates.len())
	return nil
}

// Live reports whether the job has a running computation.
func (o *Orchestrator) Live(id int64) bool {
	h, ok := o.tasks.get(id)
	return ok && !h.future.Done()
}

// Stats returns current orchestrator statistics.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Tasks:   o.tasks.len(),
		Pending: o.pending.len(),
		Updates: o.updates.len(),
	}
}

// formatError renders a computation error as stored in the job.
func formatError(err error) string {
	return fmt.Sprintf("%s\n", err)
}
