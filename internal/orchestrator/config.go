package orchestrator

import (
	"os"
	"simbroker/internal/config"
	"simbroker/internal/executor"
	"simbroker/internal/model"
	"simbroker/internal/store"
	"time"
)

// Config holds the orchestrator's collaborators and timing.
type Config struct {
	Store    *store.Store      // job store (required)
	Executor executor.Executor // runs computations (required)
	Model    model.Model       // computes jobs (required)
	Monitor  Monitor           // notified of launches (optional)
	Metrics  MetricsRecorder   // metrics recorder (optional)

	WorkRoot      string        // parent of job working directories (default: OS temp dir)
	GatherTimeout time.Duration // grace timeout of the batch result fetch (default: 100ms)
	SyncInterval  time.Duration // how often to run SyncTasks (default: 30s)
	FlushInterval time.Duration // how often to run Flush (default: 5s)
}

// LoadConfigFromEnv loads orchestrator timing and paths from environment
// variables. Collaborators are left for the caller to set.
func LoadConfigFromEnv() Config {
	cfg := Config{
		WorkRoot:      config.GetEnv("WORK_DIR", ""),
		GatherTimeout: config.GetDurationEnv("GATHER_TIMEOUT", 100*time.Millisecond),
		SyncInterval:  config.GetDurationEnv("SYNC_INTERVAL", 30*time.Second),
		FlushInterval: config.GetDurationEnv("FLUSH_INTERVAL", 5*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.WorkRoot == "" {
		c.WorkRoot = os.TempDir()
	}
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = 100 * time.Millisecond
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	return c
}
