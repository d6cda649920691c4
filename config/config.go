// Package config provides configuration loading for the process engine and
// the processctl command.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendBolt   = "bolt"
)

// Config represents the complete process engine configuration
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
	Events  EventsConfig  `yaml:"events"`
	Engine  EngineConfig  `yaml:"engine"`
	KPI     KPIConfig     `yaml:"kpi"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
	// Development switches to the human-readable console encoder
	Development bool `yaml:"development"`
}

// StorageConfig selects where definitions, instances and artifacts live
type StorageConfig struct {
	// Backend is memory, redis or bolt
	Backend string       `yaml:"backend"`
	Redis   RedisConfig  `yaml:"redis"`
	Bolt    BoltConfig   `yaml:"bolt"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
}

// RedisConfig configures the Redis backend
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	PoolSize  int           `yaml:"pool_size"`
	KeyPrefix string        `yaml:"key_prefix"`
	Timeout   time.Duration `yaml:"timeout"`
}

// BoltConfig configures the BoltDB backend
type BoltConfig struct {
	Path    string        `yaml:"path"`
	Timeout time.Duration `yaml:"timeout"`
}

// SQLiteConfig moves artifacts into a SQLite database when DSN is set
type SQLiteConfig struct {
	DSN string `yaml:"dsn"`
}

// EventsConfig configures the event bus
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// EngineConfig configures the process engine
type EngineConfig struct {
	// CommitRetries bounds retries after a concurrent instance update
	CommitRetries int `yaml:"commit_retries"`
	// MachineID seeds the snowflake instance id generator
	MachineID uint16 `yaml:"machine_id"`
	// IDEpoch is the snowflake epoch. It must stay fixed for the lifetime of a
	// store; zero selects the generator default (2014-09-01 UTC).
	IDEpoch time.Time `yaml:"id_epoch,omitempty"`
}

// KPIConfig configures KPI evaluation
type KPIConfig struct {
	// Strict rejects compliance levels outside [1,10] instead of clamping
	Strict bool `yaml:"strict"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				PoolSize:  10,
				KeyPrefix: "process:",
				Timeout:   5 * time.Second,
			},
			Bolt: BoltConfig{
				Path:    "process.db",
				Timeout: time.Second,
			},
		},
		Events: EventsConfig{
			BufferSize: 100,
		},
		Engine: EngineConfig{
			CommitRetries: 3,
			MachineID:     1,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
	case BackendBolt:
		if c.Storage.Bolt.Path == "" {
			return fmt.Errorf("storage.bolt.path is required for the bolt backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, redis, bolt; got %q", c.Storage.Backend)
	}
	if c.Events.BufferSize <= 0 {
		return fmt.Errorf("events.buffer_size must be positive")
	}
	if c.Engine.CommitRetries < 0 {
		return fmt.Errorf("engine.commit_retries must not be negative")
	}
	if c.Engine.IDEpoch.After(time.Now()) {
		return fmt.Errorf("engine.id_epoch must not be in the future")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Development {
		c.Log.Development = true
	}

	if other.Storage.Backend != "" {
		c.Storage.Backend = other.Storage.Backend
	}
	if other.Storage.Redis.Addr != "" {
		c.Storage.Redis.Addr = other.Storage.Redis.Addr
	}
	if other.Storage.Redis.Password != "" {
		c.Storage.Redis.Password = other.Storage.Redis.Password
	}
	if other.Storage.Redis.DB != 0 {
		c.Storage.Redis.DB = other.Storage.Redis.DB
	}
	if other.Storage.Redis.KeyPrefix != "" {
		c.Storage.Redis.KeyPrefix = other.Storage.Redis.KeyPrefix
	}
	if other.Storage.Bolt.Path != "" {
		c.Storage.Bolt.Path = other.Storage.Bolt.Path
	}
	if other.Storage.SQLite.DSN != "" {
		c.Storage.SQLite.DSN = other.Storage.SQLite.DSN
	}

	if other.Events.BufferSize != 0 {
		c.Events.BufferSize = other.Events.BufferSize
	}
	if other.Engine.CommitRetries != 0 {
		c.Engine.CommitRetries = other.Engine.CommitRetries
	}
	if other.Engine.MachineID != 0 {
		c.Engine.MachineID = other.Engine.MachineID
	}
	if !other.Engine.IDEpoch.IsZero() {
		c.Engine.IDEpoch = other.Engine.IDEpoch
	}
	if other.KPI.Strict {
		c.KPI.Strict = true
	}
}

// Logger builds the zap logger described by the log section.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
