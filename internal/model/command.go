package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"simbroker/internal/apperrors"
	"simbroker/internal/executor"
	"strings"
	"time"
)

const defaultPollInterval = 500 * time.Millisecond

// Command runs an external program per job.
//
// The program runs in the job's working directory, where inputs.json holds
// the inputs. It must print a JSON object of results on stdout; anything
// on stderr is returned as the "warnings" result.
type Command struct {
	argv []string
	poll time.Duration
}

// NewCommand creates a command model.
func NewCommand(argv []string, poll time.Duration) (*Command, error) {
	if len(argv) == 0 {
		return nil, apperrors.Validation("command", "command model requires a command")
	}
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Command{argv: argv, poll: poll}, nil
}

func (c *Command) Name() string { return "command" }

func (c *Command) Run(ctx context.Context, spec Spec, flag *executor.CancelFlag) (map[string]any, error) {
	if flag.IsSet() {
		return nil, executor.ErrCancelled
	}
	if err := WriteInputs(spec); err != nil {
		return nil, err
	}

	cmd := exec.Command(c.argv[0], c.argv[1:]...)
	cmd.Dir = spec.Workdir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children of a killed program may hold the output pipes open.
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.argv[0], err)
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case err := <-waitErr:
			return parseOutput(err, stdout.String(), stderr.String())
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			<-waitErr
			return nil, ctx.Err()
		case <-ticker.C:
			if flag.IsSet() {
				_ = cmd.Process.Kill()
				<-waitErr
				return nil, executor.ErrCancelled
			}
		}
	}
}

func parseOutput(waitErr error, stdout, stderr string) (map[string]any, error) {
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("subprocess exited with status %d. stdout:\n%s\nstderr:\n%s",
				exitErr.ExitCode(), stdout, stderr)
		}
		return nil, fmt.Errorf("wait for subprocess: %w", waitErr)
	}

	var results map[string]any
	if err := json.Unmarshal([]byte(stdout), &results); err != nil {
		return nil, fmt.Errorf("subprocess output is not a JSON object: %w. stdout:\n%s", err, stdout)
	}
	if results == nil {
		return nil, fmt.Errorf("subprocess output is not a JSON object. stdout:\n%s", stdout)
	}
	if warnings := strings.TrimSpace(stderr); warnings != "" {
		results["warnings"] = warnings
	}
	return results, nil
}
