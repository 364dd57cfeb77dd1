package docker

import (
	"simbroker/internal/config"
	"strings"
)

// Config holds configuration for the docker model.
type Config struct {
	Image      string   // image run once per job (required)
	Command    []string // overrides the image command
	CPU        float64  // cores per container, 0 = unlimited
	Memory     int      // MB per container, 0 = unlimited
	ExtraHosts []string // extra /etc/hosts entries (e.g. ["db.local:host-gateway"])
}

// LoadConfigFromEnv loads docker model configuration from environment variables.
func LoadConfigFromEnv() Config {
	var extraHosts []string
	if hosts := config.GetEnv("EXTRA_HOSTS", ""); hosts != "" {
		extraHosts = strings.Split(hosts, ",")
	}

	return Config{
		Image:      config.GetEnv("MODEL_IMAGE", ""),
		Command:    strings.Fields(config.GetEnv("MODEL_COMMAND", "")),
		CPU:        config.GetFloatEnv("MODEL_CPU", 0),
		Memory:     config.GetIntEnv("MODEL_MEMORY", 0),
		ExtraHosts: extraHosts,
	}
}
