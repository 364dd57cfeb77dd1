package executor

import "simbroker/internal/config"

// Config holds configuration for the local executor.
type Config struct {
	Workers   int // concurrent computations (default: 4)
	QueueSize int // submissions waiting for a worker (default: 1000)
}

// LoadConfigFromEnv loads executor configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Workers:   config.GetIntEnv("EXECUTOR_WORKERS", 4),
		QueueSize: config.GetIntEnv("EXECUTOR_QUEUE_SIZE", 1000),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	return c
}
