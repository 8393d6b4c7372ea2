// Package config loads and validates devstream's runtime configuration:
// database/stream/object-store/LLM connection settings from the
// environment, and queue/pipeline tuning from an optional YAML file.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the umbrella configuration object returned by Initialize and
// used throughout the application.
type Config struct {
	configDir string

	HTTP     HTTPConfig
	Database DatabaseConfig
	Stream   StreamConfig
	Object   ObjectStoreConfig
	Summary  SummaryConfig
	Pipeline PipelineConfig
	Queue    QueueTuning
}

// HTTPConfig controls the API listener and authentication.
type HTTPConfig struct {
	Port      string
	APISecret string
}

// DatabaseConfig holds the PostgreSQL connection settings. pkg/database
// declares its Config as an alias of this type, so pkg/config does not
// import pkg/database.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// StreamConfig addresses the durable stream substrate (Redis).
type StreamConfig struct {
	Addr         string
	Password     string
	DB           int
	StreamKey    string
	ConsumerGrp  string
	ConsumerName string
}

// ObjectStoreConfig addresses the S3-compatible object store.
type ObjectStoreConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// SummaryConfig controls the summary generator's call to the external model.
type SummaryConfig struct {
	Enabled          bool
	APIKey           string
	Model            string
	Temperature      float64
	MaxOutputTokens  int
	RequestTimeout   time.Duration
}

// PipelineConfig controls post-processing pipeline concurrency.
type PipelineConfig struct {
	MaxConcurrent int
	MaxDepth      int
}

// QueueTuning is the subset of configuration loaded from an optional
// queue.yaml file in configDir, merged over hard-coded defaults.
type QueueTuning struct {
	PollInterval       time.Duration `yaml:"poll_interval,omitempty"`
	PollIntervalJitter time.Duration `yaml:"poll_interval_jitter,omitempty"`
	DeliveryRetryLimit int           `yaml:"delivery_retry_limit,omitempty"`
	StuckThreshold     time.Duration `yaml:"stuck_threshold,omitempty"`
}

// queueYAML is the on-disk shape of queue.yaml.
type queueYAML struct {
	Queue *QueueTuning `yaml:"queue"`
}

func defaultQueueTuning() QueueTuning {
	return QueueTuning{
		PollInterval:       2 * time.Second,
		PollIntervalJitter: 500 * time.Millisecond,
		DeliveryRetryLimit: 5,
		StuckThreshold:     15 * time.Minute,
	}
}

// ConfigDir returns the configuration directory path used for Initialize.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Stats reports a small summary of loaded configuration.
type Stats struct {
	SummaryEnabled bool
	MaxConcurrent  int
	MaxDepth       int
}

// Stats returns configuration statistics for logging/monitoring.
func (c *Config) Stats() Stats {
	return Stats{
		SummaryEnabled: c.Summary.Enabled,
		MaxConcurrent:  c.Pipeline.MaxConcurrent,
		MaxDepth:       c.Pipeline.MaxDepth,
	}
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Load .env from configDir (best-effort; missing file is not fatal)
//  2. Load environment-backed settings (database, stream, object store, LLM, HTTP)
//  3. Load queue.yaml (if present) merged over defaults
//  4. Validate everything
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)

	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Warn("Could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	} else {
		log.Info("Loaded environment file", "path", envPath)
	}

	cfg := &Config{configDir: configDir}
	cfg.HTTP = loadHTTPConfig()
	cfg.Database = loadDatabaseConfig()
	cfg.Stream = loadStreamConfig()
	cfg.Object = loadObjectStoreConfig()
	cfg.Summary = loadSummaryConfig()
	cfg.Pipeline = loadPipelineConfig()

	tuning, err := loadQueueTuning(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue tuning: %w", err)
	}
	cfg.Queue = tuning

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"summary_enabled", cfg.Summary.Enabled,
		"pipeline_max_concurrent", cfg.Pipeline.MaxConcurrent)

	return cfg, nil
}

func loadQueueTuning(configDir string) (QueueTuning, error) {
	tuning := defaultQueueTuning()

	path := filepath.Join(configDir, "queue.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tuning, nil
		}
		return QueueTuning{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var parsed queueYAML
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return QueueTuning{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if parsed.Queue == nil {
		return tuning, nil
	}

	if err := mergo.Merge(&tuning, *parsed.Queue, mergo.WithOverride); err != nil {
		return QueueTuning{}, fmt.Errorf("merging queue tuning: %w", err)
	}
	return tuning, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
