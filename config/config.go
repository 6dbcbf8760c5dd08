// Package config provides configuration loading and management for semforge.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
	BackendRedis  = "redis"
)

// Config represents the complete semforge configuration
type Config struct {
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Validation ValidationConfig `yaml:"validation"`
	Models     ModelsConfig     `yaml:"models"`
	Storage    StorageConfig    `yaml:"storage"`
	Notify     NotifyConfig     `yaml:"notify"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// DispatcherConfig configures the command dispatcher
type DispatcherConfig struct {
	// Workers is the number of commands that may run at once
	Workers int `yaml:"workers"`
	// Retention is how long finished commands stay waitable
	Retention time.Duration `yaml:"retention"`
}

// ExecutionConfig configures the step execution engine
type ExecutionConfig struct {
	// StepTimeout bounds a single model call
	StepTimeout time.Duration `yaml:"step_timeout"`
	// Timeout bounds a whole execution run
	Timeout time.Duration `yaml:"timeout"`
	// MaxAttempts per step before the fallback model is tried
	MaxAttempts int `yaml:"max_attempts"`
	// ChunkSize is the default source chunk length in characters
	ChunkSize int `yaml:"chunk_size"`
}

// ValidationConfig holds validation thresholds
type ValidationConfig struct {
	CoverageThreshold       float64       `yaml:"coverage_threshold"`
	MinPlotChars            int           `yaml:"min_plot_chars"`
	MinPlotSemantic         float64       `yaml:"min_plot_semantic"`
	MinFullStoryChars       int           `yaml:"min_full_story_chars"`
	WriterSemanticThreshold float64       `yaml:"writer_semantic_threshold"`
	CheckerTimeout          time.Duration `yaml:"checker_timeout"`
}

// ModelsConfig locates the model registry
type ModelsConfig struct {
	// RegistryFile is a JSON or YAML model registry (empty = built-in defaults)
	RegistryFile string `yaml:"registry_file"`
	// Watch reloads the registry file when it changes
	Watch bool `yaml:"watch"`
}

// StorageConfig selects and configures the persistence backend
type StorageConfig struct {
	// Backend is one of memory, nats, redis
	Backend string `yaml:"backend"`
	// NATSURL is used by the nats backend
	NATSURL string `yaml:"nats_url"`
	// BucketPrefix prefixes the JetStream KV bucket names
	BucketPrefix string `yaml:"bucket_prefix"`
	// RedisAddr is used by the redis backend
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db"`
	// RedisPrefix prefixes every Redis key
	RedisPrefix string `yaml:"redis_prefix"`
}

// NotifyConfig configures progress notifications
type NotifyConfig struct {
	// NATSURL enables publishing notifications to NATS (empty = log only)
	NATSURL string `yaml:"nats_url"`
	// SubjectPrefix is the first subject token of every notification
	SubjectPrefix string `yaml:"subject_prefix"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled)
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Dispatcher: DispatcherConfig{
			Workers:   4,
			Retention: 5 * time.Minute,
		},
		Execution: ExecutionConfig{
			StepTimeout: 5 * time.Minute,
			Timeout:     2 * time.Hour,
			MaxAttempts: 3,
			ChunkSize:   3000,
		},
		Validation: ValidationConfig{
			CoverageThreshold: 0.80,
			MinPlotChars:      150,
			MinPlotSemantic:   0.60,
			MinFullStoryChars: 2000,
			CheckerTimeout:    5 * time.Minute,
		},
		Storage: StorageConfig{
			Backend:      BackendMemory,
			BucketPrefix: "SEMFORGE_",
			RedisPrefix:  "semforge:",
		},
		Notify: NotifyConfig{
			SubjectPrefix: "semforge",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Dispatcher.Workers <= 0 {
		return fmt.Errorf("dispatcher.workers must be positive")
	}
	if c.Dispatcher.Retention <= 0 {
		return fmt.Errorf("dispatcher.retention must be positive")
	}
	if c.Execution.StepTimeout <= 0 {
		return fmt.Errorf("execution.step_timeout must be positive")
	}
	if c.Execution.Timeout < c.Execution.StepTimeout {
		return fmt.Errorf("execution.timeout must not be shorter than execution.step_timeout")
	}
	if c.Execution.MaxAttempts < 1 {
		return fmt.Errorf("execution.max_attempts must be at least 1")
	}
	if c.Execution.ChunkSize <= 0 {
		return fmt.Errorf("execution.chunk_size must be positive")
	}
	if c.Validation.CoverageThreshold <= 0 || c.Validation.CoverageThreshold > 1 {
		return fmt.Errorf("validation.coverage_threshold must be between 0 and 1")
	}
	if c.Validation.MinPlotSemantic < 0 || c.Validation.MinPlotSemantic > 1 {
		return fmt.Errorf("validation.min_plot_semantic must be between 0 and 1")
	}
	if c.Validation.WriterSemanticThreshold < 0 || c.Validation.WriterSemanticThreshold > 1 {
		return fmt.Errorf("validation.writer_semantic_threshold must be between 0 and 1")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendNATS:
		if c.Storage.NATSURL == "" {
			return fmt.Errorf("storage.nats_url is required for the nats backend")
		}
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("storage.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, nats, redis, got %q", c.Storage.Backend)
	}

	if c.Models.Watch && c.Models.RegistryFile == "" {
		return fmt.Errorf("models.watch requires models.registry_file")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Dispatcher
	mergeInt(&c.Dispatcher.Workers, other.Dispatcher.Workers)
	mergeDuration(&c.Dispatcher.Retention, other.Dispatcher.Retention)

	// Execution
	mergeDuration(&c.Execution.StepTimeout, other.Execution.StepTimeout)
	mergeDuration(&c.Execution.Timeout, other.Execution.Timeout)
	mergeInt(&c.Execution.MaxAttempts, other.Execution.MaxAttempts)
	mergeInt(&c.Execution.ChunkSize, other.Execution.ChunkSize)

	// Validation
	mergeFloat(&c.Validation.CoverageThreshold, other.Validation.CoverageThreshold)
	mergeInt(&c.Validation.MinPlotChars, other.Validation.MinPlotChars)
	mergeFloat(&c.Validation.MinPlotSemantic, other.Validation.MinPlotSemantic)
	mergeInt(&c.Validation.MinFullStoryChars, other.Validation.MinFullStoryChars)
	mergeFloat(&c.Validation.WriterSemanticThreshold, other.Validation.WriterSemanticThreshold)
	mergeDuration(&c.Validation.CheckerTimeout, other.Validation.CheckerTimeout)

	// Models
	mergeString(&c.Models.RegistryFile, other.Models.RegistryFile)
	if other.Models.Watch {
		c.Models.Watch = true
	}

	// Storage
	mergeString(&c.Storage.Backend, other.Storage.Backend)
	mergeString(&c.Storage.NATSURL, other.Storage.NATSURL)
	mergeString(&c.Storage.BucketPrefix, other.Storage.BucketPrefix)
	mergeString(&c.Storage.RedisAddr, other.Storage.RedisAddr)
	mergeString(&c.Storage.RedisPassword, other.Storage.RedisPassword)
	mergeInt(&c.Storage.RedisDB, other.Storage.RedisDB)
	mergeString(&c.Storage.RedisPrefix, other.Storage.RedisPrefix)

	// Notify
	mergeString(&c.Notify.NATSURL, other.Notify.NATSURL)
	mergeString(&c.Notify.SubjectPrefix, other.Notify.SubjectPrefix)

	// Metrics
	mergeString(&c.Metrics.Addr, other.Metrics.Addr)
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func mergeFloat(dst *float64, v float64) {
	if v != 0 {
		*dst = v
	}
}

func mergeDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
