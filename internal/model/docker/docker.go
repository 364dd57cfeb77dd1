// Package docker implements a model that runs each job in its own
// container on the host Docker daemon.
//
// The job's working directory is bind-mounted at /work with inputs.json
// written beforehand. The container must leave a JSON object of results
// in /work/results.json and exit 0.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"simbroker/internal/apperrors"
	"simbroker/internal/executor"
	"simbroker/internal/model"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
)

const (
	// ResultsFile is read from the working directory after a clean exit.
	ResultsFile = "results.json"

	mountPoint   = "/work"
	managedBy    = "simbroker"
	labelJobID   = "simbroker.job-id"
	pollInterval = 500 * time.Millisecond
	logTail      = "50"
)

// Model runs jobs as containers.
type Model struct {
	client *client.Client
	config Config
	logger *slog.Logger
}

// New creates a docker model and removes containers left behind by a
// previous process; their jobs are relaunched by the orchestrator.
func New(ctx context.Context, cfg Config) (*Model, error) {
	if cfg.Image == "" {
		return nil, apperrors.Validation("image", "docker model requires an image")
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	m := &Model{
		client: dockerClient,
		config: cfg,
		logger: slog.With("component", "docker-model", "image", cfg.Image),
	}
	if err := m.removeStale(ctx); err != nil {
		m.logger.Warn("Failed to remove stale containers", "error", err)
	}
	return m, nil
}

func (m *Model) Name() string { return "docker" }

// Ready checks if the Docker daemon is reachable and responsive.
func (m *Model) Ready(ctx context.Context) error {
	_, err := m.client.Ping(ctx)
	return err
}

// Close releases the docker client. Running containers are removed by
// their jobs as they are cancelled.
func (m *Model) Close() error {
	return m.client.Close()
}

func (m *Model) Run(ctx context.Context, spec model.Spec, flag *executor.CancelFlag) (map[string]any, error) {
	if flag.IsSet() {
		return nil, executor.ErrCancelled
	}
	logger := m.logger.With("jobId", spec.JobID)

	if err := m.pullImageIfNeeded(ctx); err != nil {
		return nil, fmt.Errorf("pull image %s: %w", m.config.Image, err)
	}
	if err := model.WriteInputs(spec); err != nil {
		return nil, err
	}
	workdir, err := filepath.Abs(spec.Workdir)
	if err != nil {
		return nil, err
	}

	cfg, hostCfg := m.containerConfig(spec.JobID, workdir)
	resp, err := m.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName(spec.JobID))
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	defer m.removeContainer(resp.ID)

	if err := m.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}
	logger.Info("Container started", "containerId", resp.ID[:12])

	exitCode, err := m.waitForExit(ctx, resp.ID, flag)
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("container exited with status %d. log tail:\n%s",
			exitCode, strings.Join(m.logTail(resp.ID), "\n"))
	}
	return readResults(workdir)
}

func (m *Model) containerConfig(jobID int64, workdir string) (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:      m.config.Image,
		Cmd:        m.config.Command,
		WorkingDir: mountPoint,
		Env: []string{
			fmt.Sprintf("JOB_ID=%d", jobID),
			fmt.Sprintf("JOB_INPUTS=%s/%s", mountPoint, model.InputsFile),
			fmt.Sprintf("JOB_RESULTS=%s/%s", mountPoint, ResultsFile),
		},
		Labels: map[string]string{
			labelJobID:   strconv.FormatInt(jobID, 10),
			"managed-by": managedBy,
		},
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: workdir,
				Target: mountPoint,
			},
		},
		Resources: container.Resources{
			NanoCPUs: int64(m.config.CPU * 1e9),
			Memory:   int64(m.config.Memory) * 1024 * 1024,
		},
		ExtraHosts: m.config.ExtraHosts,
	}
	return cfg, hostCfg
}

// waitForExit waits for the container to stop, killing it when the
// cancel flag is raised or ctx ends.
func (m *Model) waitForExit(ctx context.Context, containerID string, flag *executor.CancelFlag) (int, error) {
	statusCh, errCh := m.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.kill(containerID)
			return -1, ctx.Err()
		case err := <-errCh:
			if ctx.Err() != nil {
				m.kill(containerID)
				return -1, ctx.Err()
			}
			return -1, fmt.Errorf("wait for container: %w", err)
		case status := <-statusCh:
			if status.Error != nil {
				return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
			}
			return int(status.StatusCode), nil
		case <-ticker.C:
			if flag.IsSet() {
				m.kill(containerID)
				return -1, executor.ErrCancelled
			}
		}
	}
}

func (m *Model) kill(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = m.client.ContainerKill(ctx, containerID, "SIGKILL")
}

func (m *Model) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		m.logger.Warn("Failed to remove container", "containerId", containerID, "error", err)
	}
}

func (m *Model) pullImageIfNeeded(ctx context.Context) error {
	_, err := m.client.ImageInspect(ctx, m.config.Image)
	if err == nil {
		return nil
	}

	reader, err := m.client.ImagePull(ctx, m.config.Image, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// logTail returns the last lines the container wrote.
func (m *Model) logTail(containerID string) []string {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logs, err := m.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       logTail,
	})
	if err != nil {
		return []string{fmt.Sprintf("(logs unavailable: %v)", err)}
	}
	defer logs.Close()
	return demuxLines(logs)
}

// removeStale removes containers of this service that outlived their
// process.
func (m *Model) removeStale(ctx context.Context) error {
	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", "managed-by="+managedBy),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		m.logger.Info("Removing stale container", "containerId", c.ID, "jobId", c.Labels[labelJobID])
		m.removeContainer(c.ID)
	}
	return nil
}

// demuxLines splits a multiplexed docker log stream into lines. Each frame
// has an 8-byte header whose last four bytes are the big-endian size.
func demuxLines(r io.Reader) []string {
	var lines []string
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return lines
		}
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		if size == 0 {
			continue
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return lines
		}
		for _, line := range strings.Split(string(payload), "\n") {
			if line = strings.TrimSuffix(line, "\r"); line != "" {
				lines = append(lines, line)
			}
		}
	}
}

func readResults(workdir string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(workdir, ResultsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("container exited without writing %s", ResultsFile)
	}
	if err != nil {
		return nil, err
	}
	var results map[string]any
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ResultsFile, err)
	}
	if results == nil {
		return nil, fmt.Errorf("%s does not hold a JSON object", ResultsFile)
	}
	return results, nil
}

func containerName(jobID int64) string {
	return fmt.Sprintf("simbroker-job-%d-%s", jobID, uuid.NewString()[:8])
}

// Verify Model implements model.Model and model.Checker
var (
	_ model.Model   = (*Model)(nil)
	_ model.Checker = (*Model)(nil)
)
