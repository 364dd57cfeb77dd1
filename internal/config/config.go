// Package config provides configuration loading from environment variables.
package config

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

// ServiceConfig holds configuration for the broker service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	LogLevel          slog.Level

	WorkDir      string // Parent of job working directories
	StoreDriver  string // badger, sqlite or memory
	StorePath    string
	DefaultsFile string // Optional YAML map of default inputs

	Model        string
	ModelCommand []string
	ModelImage   string

	MonitorURL string
	MonitorKey string

	CreateRate  float64 // Job creations per second, 0 disables limiting
	CreateBurst int
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		LogLevel:          parseLevel(GetEnv("LOG_LEVEL", "info")),
		WorkDir:           GetEnv("WORK_DIR", os.TempDir()),
		StoreDriver:       GetEnv("STORE_DRIVER", "badger"),
		StorePath:         GetEnv("STORE_PATH", "simbroker.db"),
		DefaultsFile:      GetEnv("DEFAULTS_FILE", ""),
		Model:             GetEnv("MODEL", "sum"),
		ModelCommand:      strings.Fields(GetEnv("MODEL_COMMAND", "")),
		ModelImage:        GetEnv("MODEL_IMAGE", ""),
		MonitorURL:        GetEnv("MONITOR_URL", ""),
		MonitorKey:        GetSecretFile(GetEnv("MONITOR_KEY_FILE", "")),
		CreateRate:        GetFloatEnv("CREATE_RATE", 0),
		CreateBurst:       GetIntEnv("CREATE_BURST", 10),
	}
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
