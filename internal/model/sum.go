package model

import (
	"context"
	"fmt"
	"simbroker/internal/executor"
)

// Sum adds inputs x and y. It serves smoke tests of a deployment.
type Sum struct{}

func (Sum) Name() string { return "sum" }

func (Sum) Run(_ context.Context, spec Spec, flag *executor.CancelFlag) (map[string]any, error) {
	if flag.IsSet() {
		return nil, executor.ErrCancelled
	}
	x, err := number(spec.Inputs, "x")
	if err != nil {
		return nil, err
	}
	y, err := number(spec.Inputs, "y")
	if err != nil {
		return nil, err
	}
	return map[string]any{"sum": x + y}, nil
}

func number(inputs map[string]any, name string) (float64, error) {
	v, ok := inputs[name]
	if !ok {
		return 0, fmt.Errorf("missing input %q", name)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("input %q must be a number, got %T", name, v)
	}
}
