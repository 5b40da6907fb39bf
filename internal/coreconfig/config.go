// Package coreconfig loads the host-process-facing configuration for a
// binary embedding the engine (the core library itself takes an
// explicit Options struct; this package is for cmd/workflowcore and the
// reference transport/store adapters).
package coreconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings a host process reads from the environment.
type Config struct {
	Service  ServiceConfig
	Engine   EngineConfig
	Manifest ManifestConfig
}

// ServiceConfig holds service-identity settings.
type ServiceConfig struct {
	Name      string
	Port      int
	LogLevel  string
	LogFormat string
}

// EngineConfig holds the Engine's default run options (§4.3 Options).
type EngineConfig struct {
	MaxParallel     int
	DefaultTimeout  time.Duration
	BackoffBaseMS   int
	BackoffFactor   float64
	CancelGraceMS   int
	EventBufferSize int
}

// ManifestConfig points at factory manifests (§6 Factory manifests).
type ManifestConfig struct {
	// Paths is a comma-separated list of manifest file locations, read
	// from the WORKFLOWCORE_MANIFESTS environment variable.
	Paths []string
}

// Load reads configuration from the environment, applying the same
// defaulting style as the rest of this codebase's services.
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:      serviceName,
			Port:      getEnvInt("PORT", 8080),
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "text"),
		},
		Engine: EngineConfig{
			MaxParallel:     getEnvInt("ENGINE_MAX_PARALLEL", 8),
			DefaultTimeout:  getEnvDuration("ENGINE_DEFAULT_TIMEOUT", 30*time.Second),
			BackoffBaseMS:   getEnvInt("ENGINE_BACKOFF_BASE_MS", 100),
			BackoffFactor:   getEnvFloat("ENGINE_BACKOFF_FACTOR", 2.0),
			CancelGraceMS:   getEnvInt("ENGINE_CANCEL_GRACE_MS", 2000),
			EventBufferSize: getEnvInt("ENGINE_EVENT_BUFFER", 1024),
		},
		Manifest: ManifestConfig{
			Paths: getEnvCSV("WORKFLOWCORE_MANIFESTS", nil),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for obviously invalid values.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}
	if c.Engine.MaxParallel < 1 {
		return fmt.Errorf("engine max_parallel must be >= 1")
	}
	if c.Engine.BackoffFactor < 1 {
		return fmt.Errorf("engine backoff_factor must be >= 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvCSV(key string, defaultValue []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
