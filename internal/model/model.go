// Package model provides the compute backends that run jobs.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"simbroker/internal/apperrors"
	"simbroker/internal/executor"
	"time"
)

// InputsFile is written to the working directory of external models.
const InputsFile = "inputs.json"

// Spec describes one computation. Models must not modify it.
type Spec struct {
	JobID   int64
	Inputs  map[string]any
	Workdir string
}

// Model computes results from a job's inputs.
type Model interface {
	Name() string

	// Run computes the job. It returns executor.ErrCancelled when it
	// stopped because flag was raised, and should give up once ctx ends.
	Run(ctx context.Context, spec Spec, flag *executor.CancelFlag) (map[string]any, error)
}

// Checker is implemented by models that depend on an external backend.
type Checker interface {
	Ready(ctx context.Context) error
}

// Work adapts a model run into executor work.
func Work(m Model, spec Spec) executor.Work {
	return func(ctx context.Context, flag *executor.CancelFlag) (map[string]any, error) {
		return m.Run(ctx, spec, flag)
	}
}

// Options configures model construction.
type Options struct {
	Command      []string      // argv of the command model
	PollInterval time.Duration // cancel flag polling of the command model
}

// New returns the named built-in model. The docker model lives in its own
// package and is constructed by the caller.
func New(name string, opts Options) (Model, error) {
	switch name {
	case "sum", "":
		return Sum{}, nil
	case "command":
		return NewCommand(opts.Command, opts.PollInterval)
	default:
		return nil, apperrors.Validation("model", fmt.Sprintf("unknown model %q", name))
	}
}

// WriteInputs stores the inputs as JSON in the working directory.
func WriteInputs(spec Spec) error {
	if spec.Workdir == "" {
		return fmt.Errorf("job %d has no working directory", spec.JobID)
	}
	data, err := json.MarshalIndent(spec.Inputs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode inputs: %w", err)
	}
	return os.WriteFile(filepath.Join(spec.Workdir, InputsFile), data, 0o644)
}
