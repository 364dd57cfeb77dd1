package service

import (
	"context"
	"errors"
	"os"
	"simbroker/internal/apperrors"
	"simbroker/internal/executor"
	"simbroker/internal/job"
	"simbroker/internal/model"
	"simbroker/internal/orchestrator"
	"simbroker/internal/store"
	"simbroker/internal/testutil"
	"testing"
	"time"
)

// gateModel blocks until released or cancelled.
type gateModel struct {
	release chan struct{}
}

func (gateModel) Name() string { return "gate" }

func (m gateModel) Run(ctx context.Context, spec model.Spec, flag *executor.CancelFlag) (map[string]any, error) {
	for {
		select {
		case <-m.release:
			return model.Sum{}.Run(ctx, spec, flag)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
			if flag.IsSet() {
				return nil, executor.ErrCancelled
			}
		}
	}
}

type fixture struct {
	svc     *Service
	store   *store.Store
	orch    *orchestrator.Orchestrator
	release chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	local := executor.NewLocal(executor.Config{Workers: 4, QueueSize: 16})
	t.Cleanup(func() { _ = local.Close(context.Background()) })

	st := store.OpenMemory()
	release := make(chan struct{})
	orch, err := orchestrator.New(orchestrator.Config{
		Store:         st,
		Executor:      local,
		Model:         gateModel{release: release},
		WorkRoot:      t.TempDir(),
		GatherTimeout: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{svc: New(st, orch), store: st, orch: orch, release: release}
}

// finish lets the n running computations complete and waits until their
// outcomes are queued.
func (f *fixture) finish(t *testing.T, n int) {
	t.Helper()
	close(f.release)
	testutil.MustWaitFor(t, func() bool {
		stats := f.orch.Stats()
		return stats.Tasks == 0 && stats.Updates == n
	},
		testutil.Quick())
}

func TestCreateAndResults(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.SetDefaults(ctx, map[string]any{"x": 1.0, "y": 1.0}); err != nil {
		t.Fatal(err)
	}
	id, err := f.svc.Create(ctx, map[string]any{"x": 2.0, "y": 3.0})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	status, err := f.svc.Status(ctx, id)
	if err != nil || status != job.StatusScheduled {
		t.Errorf("Status = %v, %v; want SCHEDULED", status, err)
	}

	f.finish(t, 1)

	status, _ = f.svc.Status(ctx, id)
	if status != job.StatusDone {
		t.Fatalf("Status = %v, want DONE", status)
	}
	sum, err := f.svc.Var(ctx, VarResults, id, "sum")
	if err != nil || sum != 5.0 {
		t.Errorf("sum = %v, %v", sum, err)
	}
	inputs, _ := f.svc.Vars(ctx, VarInputs, id)
	if inputs["x"] != 2.0 || inputs["y"] != 3.0 {
		t.Errorf("inputs = %v", inputs)
	}
	if text, err := f.svc.Error(ctx, id); err != nil || text != "" {
		t.Errorf("Error = %q, %v", text, err)
	}
}

func TestCreate_MergesDefaults(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_ = f.svc.SetDefaults(ctx, map[string]any{"x": 1.0, "y": 10.0})
	id, _ := f.svc.Create(ctx, map[string]any{"x": 4.0})
	inputs, err := f.svc.Vars(ctx, VarInputs, id)
	if err != nil {
		t.Fatal(err)
	}
	if inputs["x"] != 4.0 || inputs["y"] != 10.0 {
		t.Errorf("inputs = %v, want job inputs over defaults", inputs)
	}
}

func TestCreate_RejectsNil(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if _, err := f.svc.Create(context.Background(), nil); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("err = %v, want validation", err)
	}
}

func TestListAndStatuses(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	a, _ := f.svc.Create(ctx, map[string]any{"x": 1.0, "y": 1.0})
	b, _ := f.svc.Create(ctx, map[string]any{"x": 1.0, "y": 1.0})

	ids, err := f.svc.List(ctx)
	if err != nil || len(ids) != 2 || ids[0] != a || ids[1] != b {
		t.Errorf("List = %v, %v", ids, err)
	}

	f.finish(t, 2)
	statuses, err := f.svc.Statuses(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if statuses[a] != job.StatusDone || statuses[b] != job.StatusDone {
		t.Errorf("Statuses = %v", statuses)
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Status(ctx, 404)
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Status err = %v", err)
	}
	_, err = f.svc.Delete(ctx, 404)
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Delete err = %v", err)
	}
	id, _ := f.svc.Create(ctx, map[string]any{})
	if _, err := f.svc.Var(ctx, VarInputs, id, "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Var err = %v", err)
	}
}

func TestDelete_Running(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	id, _ := f.svc.Create(ctx, map[string]any{"x": 1.0, "y": 1.0})
	dir, _ := f.svc.Workdir(ctx, id)

	res, err := f.svc.Delete(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Pending || res.Previous != job.StatusScheduled {
		t.Errorf("Delete = %+v, want pending from SCHEDULED", res)
	}

	testutil.MustWaitFor(t, func() bool {
		ids, _ := f.svc.List(ctx)
		return len(ids) == 0
	}, testutil.Quick())
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("workdir still present: %v", err)
	}
}

func TestDelete_Finished(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	id, _ := f.svc.Create(ctx, map[string]any{"x": 1.0, "y": 1.0})
	f.finish(t, 1)
	_, _ = f.svc.Status(ctx, id)

	res, err := f.svc.Delete(ctx, id)
	if err != nil || res.Outcome != Deleted || res.Previous != job.StatusDone {
		t.Errorf("Delete = %+v, %v", res, err)
	}
	if ids, _ := f.svc.List(ctx); len(ids) != 0 {
		t.Errorf("List = %v", ids)
	}
}

func TestDelete_CloseFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	// A workdir that is a regular file cannot be removed as a tree.
	blocker := t.TempDir() + "/not-a-dir"
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	j := job.New(map[string]any{}, nil)
	j.SetDone(nil)
	j.Workdir = blocker
	_ = f.store.Transact(ctx, "put", func(tx *store.Tx) error { return tx.PutJob(1, j) })

	res, err := f.svc.Delete(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Failed || res.Error == "" {
		t.Errorf("Delete = %+v, want failure with error", res)
	}
	status, _ := f.svc.Status(ctx, 1)
	if status != job.StatusInvalid {
		t.Errorf("Status = %v, want INVALID", status)
	}
}

func TestDeleteAll(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	for range 3 {
		if _, err := f.svc.Create(ctx, map[string]any{"x": 1.0, "y": 1.0}); err != nil {
			t.Fatal(err)
		}
	}
	res, err := f.svc.DeleteAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 3 || res.Pending != 3 || res.Failed != 0 {
		t.Errorf("DeleteAll = %+v", res)
	}
	testutil.MustWaitFor(t, func() bool {
		ids, _ := f.svc.List(ctx)
		return len(ids) == 0
	}, testutil.Quick())

	res, _ = f.svc.DeleteAll(ctx)
	if res.Total != 0 {
		t.Errorf("second DeleteAll = %+v", res)
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	seeded, err := f.svc.SeedDefaults(ctx, map[string]any{"steps": 100.0})
	if err != nil || !seeded {
		t.Fatalf("SeedDefaults = %v, %v", seeded, err)
	}
	if seeded, _ := f.svc.SeedDefaults(ctx, map[string]any{"steps": 1.0}); seeded {
		t.Error("existing defaults must not be overwritten by seeding")
	}

	if err := f.svc.SetDefault(ctx, "dt", 0.5); err != nil {
		t.Fatal(err)
	}
	defaults, _ := f.svc.Vars(ctx, VarDefault, 0)
	if len(defaults) != 2 || defaults["steps"] != 100.0 || defaults["dt"] != 0.5 {
		t.Errorf("defaults = %v", defaults)
	}

	if err := f.svc.DeleteDefault(ctx, "steps"); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.DeleteDefault(ctx, "steps"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("second DeleteDefault = %v, want not found", err)
	}
	if _, err := f.svc.Var(ctx, VarDefault, 0, "dt"); err != nil {
		t.Errorf("Var(dt) = %v", err)
	}
}

func TestParseVarKind(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"default", "inputs", "results"} {
		if _, err := ParseVarKind(s); err != nil {
			t.Errorf("ParseVarKind(%q) = %v", s, err)
		}
	}
	if _, err := ParseVarKind("outputs"); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("ParseVarKind(outputs) = %v", err)
	}
}
