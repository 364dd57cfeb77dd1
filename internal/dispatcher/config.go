package dispatcher

import (
	"simbroker/internal/config"
	"simbroker/pkg/backoff"
	"simbroker/pkg/circuitbreaker"
	"time"
)

const (
	defaultBufferSize      = 1000
	defaultWorkers         = 2
	defaultHTTPTimeout     = 10 * time.Second
	defaultMaxRetries      = 3
	defaultMaxRequeues     = 10
	defaultBreakerCooldown = 30 * time.Second

	// deliveryTimeout bounds one event including its retries.
	deliveryTimeout = 30 * time.Second
)

// Config holds configuration for the in-memory dispatcher.
type Config struct {
	BufferSize  int           // queued events (default: 1000)
	Workers     int           // concurrent deliveries (default: 2)
	HTTPTimeout time.Duration // per request (default: 10s)
	MaxRetries  int           // retries after the first attempt (default: 3)
	MaxRequeues int           // postponements by an open circuit (default: 10)

	Backoff backoff.Config
	// Breaker.Cooldown is also the delay before a postponed event is
	// queued again.
	Breaker circuitbreaker.Config
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BufferSize:  config.GetIntEnv("MONITOR_BUFFER_SIZE", defaultBufferSize),
		Workers:     config.GetIntEnv("MONITOR_WORKERS", defaultWorkers),
		HTTPTimeout: config.GetDurationEnv("MONITOR_HTTP_TIMEOUT", defaultHTTPTimeout),
		MaxRetries:  config.GetIntEnv("MONITOR_MAX_RETRIES", defaultMaxRetries),
		Breaker: circuitbreaker.Config{
			Cooldown: config.GetDurationEnv("MONITOR_BREAKER_COOLDOWN", defaultBreakerCooldown),
		},
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = defaultHTTPTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.MaxRequeues <= 0 {
		c.MaxRequeues = defaultMaxRequeues
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = defaultBreakerCooldown
	}
	return c
}
