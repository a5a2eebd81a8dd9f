// Package config loads retrace's configuration from a YAML manifest with
// RETRACE_* environment-variable overrides layered on top.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// SecondarySource describes one read-only historical corpus to federate.
type SecondarySource struct {
	DBPath     string `yaml:"dbPath"`
	ChunksPath string `yaml:"chunksPath"`
	Password   string `yaml:"password"`
	CutoffDate int64  `yaml:"cutoffDate"` // epoch-ms
}

// Config is the full configuration surface of the service.
type Config struct {
	StorageRoot       string            `yaml:"storageRoot"`
	RetentionDays     int               `yaml:"retentionDays"`
	MaxStorageGB      int               `yaml:"maxStorageGB"`
	SegmentFramesCap  int               `yaml:"segmentFramesCap"`
	WorkerCount       int               `yaml:"workerCount"`
	MaxRetryAttempts  int               `yaml:"maxRetryAttempts"`
	MaxQueueSize      int               `yaml:"maxQueueSize"`
	OCRLanguages      []string          `yaml:"ocrLanguages"`
	MinimumConfidence float64           `yaml:"minimumConfidence"`
	OCREndpoint       string            `yaml:"ocrEndpoint"`
	SecondarySources  []SecondarySource `yaml:"secondarySources"`
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		StorageRoot:       "~/.retrace",
		RetentionDays:     0,
		MaxStorageGB:      50,
		SegmentFramesCap:  150,
		WorkerCount:       3,
		MaxRetryAttempts:  3,
		MaxQueueSize:      1000,
		OCRLanguages:      []string{"en"},
		MinimumConfidence: 0.5,
		OCREndpoint:       "http://localhost:3000",
	}
}

// Load reads path (if non-empty and present) as a YAML manifest over the
// defaults, then applies RETRACE_* environment variable overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.StorageRoot = getEnv("RETRACE_STORAGE_ROOT", cfg.StorageRoot)
	cfg.OCREndpoint = getEnv("RETRACE_OCR_ENDPOINT", cfg.OCREndpoint)
	cfg.RetentionDays = getEnvInt("RETRACE_RETENTION_DAYS", cfg.RetentionDays)
	cfg.MaxStorageGB = getEnvInt("RETRACE_MAX_STORAGE_GB", cfg.MaxStorageGB)
	cfg.SegmentFramesCap = getEnvInt("RETRACE_SEGMENT_FRAMES_CAP", cfg.SegmentFramesCap)
	cfg.WorkerCount = getEnvInt("RETRACE_WORKER_COUNT", cfg.WorkerCount)
	cfg.MaxRetryAttempts = getEnvInt("RETRACE_MAX_RETRY_ATTEMPTS", cfg.MaxRetryAttempts)
	cfg.MaxQueueSize = getEnvInt("RETRACE_MAX_QUEUE_SIZE", cfg.MaxQueueSize)
	cfg.MinimumConfidence = getEnvFloat("RETRACE_MIN_CONFIDENCE", cfg.MinimumConfidence)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := cast.ToIntE(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := cast.ToFloat64E(value); err == nil {
			return f
		}
	}
	return defaultValue
}

// RetentionInterval is the rate limit floor for the retention tick:
// no more than once per 10 minutes.
const RetentionInterval = 10 * time.Minute
