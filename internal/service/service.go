// Package service implements the job operations exposed over HTTP. Every
// operation runs in one store transaction; reads of job state flush the
// orchestrator's pending updates in that same transaction first.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"simbroker/internal/apperrors"
	"simbroker/internal/job"
	"simbroker/internal/orchestrator"
	"simbroker/internal/store"
)

// VarKind selects a variable collection.
type VarKind string

const (
	VarDefault VarKind = "default"
	VarInputs  VarKind = "inputs"
	VarResults VarKind = "results"
)

// ParseVarKind validates a collection name.
func ParseVarKind(s string) (VarKind, error) {
	switch k := VarKind(s); k {
	case VarDefault, VarInputs, VarResults:
		return k, nil
	}
	return "", apperrors.Validation("kind", fmt.Sprintf("unknown variable kind %q", s))
}

// Service composes the store and the orchestrator.
type Service struct {
	store  *store.Store
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
}

// New creates a service.
func New(st *store.Store, orch *orchestrator.Orchestrator) *Service {
	return &Service{
		store:  st,
		orch:   orch,
		logger: slog.With("component", "service"),
	}
}

// Create stores a new job with inputs merged over the defaults and
// launches it. If the launch fails nothing is stored.
func (s *Service) Create(ctx context.Context, inputs map[string]any) (int64, error) {
	if inputs == nil {
		return 0, apperrors.Validation("inputs", "inputs must be a JSON object")
	}

	var id int64
	err := s.store.Transact(ctx, "create_job", func(tx *store.Tx) error {
		var (
			j   *job.Job
			err error
		)
		id, j, err = store.CreateJob(tx, inputs)
		if err != nil {
			return err
		}
		if err := s.orch.Launch(tx, id, j); err != nil {
			if !j.Close() {
				s.logger.Error("Failed to release workdir of unlaunched job", "jobId", id, "error", j.Error)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("Job created", "jobId", id)
	return id, nil
}

// flushed runs fn after applying pending updates. With refresh it also
// cancels orphaned computations so that reported statuses are current.
func (s *Service) flushed(ctx context.Context, note string, refresh bool, fn func(tx *store.Tx) error) error {
	return s.store.Transact(ctx, note, func(tx *store.Tx) error {
		if err := s.orch.Flush(ctx, tx); err != nil {
			return err
		}
		if refresh {
			if err := s.orch.RefreshJobs(ctx, tx); err != nil {
				return err
			}
		}
		return fn(tx)
	})
}

// List returns all job ids in ascending order.
func (s *Service) List(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.flushed(ctx, "list_jobs", false, func(tx *store.Tx) error {
		var err error
		ids, err = tx.JobIDs()
		return err
	})
	return ids, err
}

// Statuses returns the status of every job.
func (s *Service) Statuses(ctx context.Context) (map[int64]job.Status, error) {
	statuses := map[int64]job.Status{}
	err := s.flushed(ctx, "job_statuses", true, func(tx *store.Tx) error {
		return tx.ForEachJob(func(id int64, j *job.Job) error {
			statuses[id] = j.Status
			return nil
		})
	})
	return statuses, err
}

// Status returns the status of one job.
func (s *Service) Status(ctx context.Context, id int64) (job.Status, error) {
	var status job.Status
	err := s.flushed(ctx, "job_status", true, func(tx *store.Tx) error {
		j, err := tx.Job(id)
		if err != nil {
			return err
		}
		status = j.Status
		return nil
	})
	return status, err
}

// Error returns the error text of a job, empty when it has none.
func (s *Service) Error(ctx context.Context, id int64) (string, error) {
	var text string
	err := s.flushed(ctx, "job_error", false, func(tx *store.Tx) error {
		j, err := tx.Job(id)
		if err != nil {
			return err
		}
		text = j.Error
		return nil
	})
	return text, err
}

// Workdir returns the working directory of a job.
func (s *Service) Workdir(ctx context.Context, id int64) (string, error) {
	var dir string
	err := s.store.View(ctx, func(tx *store.Tx) error {
		j, err := tx.Job(id)
		if err != nil {
			return err
		}
		dir = j.Workdir
		return nil
	})
	return dir, err
}

// Vars returns a copy of a variable collection. The id is ignored for
// VarDefault.
func (s *Service) Vars(ctx context.Context, kind VarKind, id int64) (map[string]any, error) {
	var vars map[string]any
	err := s.flushed(ctx, "get_vars", false, func(tx *store.Tx) error {
		if kind == VarDefault {
			var err error
			vars, err = tx.Defaults()
			return err
		}
		j, err := tx.Job(id)
		if err != nil {
			return err
		}
		switch kind {
		case VarInputs:
			vars = maps.Clone(j.Inputs)
		case VarResults:
			vars = maps.Clone(j.Results)
		default:
			return apperrors.Validation("kind", fmt.Sprintf("unknown variable kind %q", kind))
		}
		if vars == nil {
			vars = map[string]any{}
		}
		return nil
	})
	return vars, err
}

// Var returns one variable.
func (s *Service) Var(ctx context.Context, kind VarKind, id int64, name string) (any, error) {
	vars, err := s.Vars(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	v, ok := vars[name]
	if !ok {
		return nil, apperrors.NotFound("variable", name)
	}
	return v, nil
}

// SetDefaults replaces all default inputs.
func (s *Service) SetDefaults(ctx context.Context, defaults map[string]any) error {
	if defaults == nil {
		return apperrors.Validation("defaults", "defaults must be a JSON object")
	}
	return s.store.Transact(ctx, "set_all_vars", func(tx *store.Tx) error {
		return tx.SetDefaults(defaults)
	})
}

// SetDefault sets one default input.
func (s *Service) SetDefault(ctx context.Context, name string, value any) error {
	return s.store.Transact(ctx, "set_var", func(tx *store.Tx) error {
		defaults, err := tx.Defaults()
		if err != nil {
			return err
		}
		defaults[name] = value
		return tx.SetDefaults(defaults)
	})
}

// DeleteDefault removes one default input.
func (s *Service) DeleteDefault(ctx context.Context, name string) error {
	return s.store.Transact(ctx, "delete_var", func(tx *store.Tx) error {
		defaults, err := tx.Defaults()
		if err != nil {
			return err
		}
		if _, ok := defaults[name]; !ok {
			return apperrors.NotFound("variable", name)
		}
		delete(defaults, name)
		return tx.SetDefaults(defaults)
	})
}

// SeedDefaults sets the defaults only if the store has none. It reports
// whether they were set.
func (s *Service) SeedDefaults(ctx context.Context, defaults map[string]any) (bool, error) {
	var seeded bool
	err := s.store.Transact(ctx, "seed_defaults", func(tx *store.Tx) error {
		current, err := tx.Defaults()
		if err != nil || len(current) > 0 || len(defaults) == 0 {
			return err
		}
		if err := tx.SetDefaults(defaults); err != nil {
			return err
		}
		seeded = true
		return nil
	})
	if seeded {
		s.logger.Info("Default inputs seeded", "count", len(defaults))
	}
	return seeded, err
}
