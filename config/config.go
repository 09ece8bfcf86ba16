// Package config provides configuration loading for the conveyor engine.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration decodes YAML durations from "30s"-style strings or plain
// second counts.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var seconds int64
	if err := value.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("parse duration: expected a string or second count")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library form.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete engine configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	NATS    NATSConfig    `yaml:"nats"`
	Queue   QueueConfig   `yaml:"queue"`
	Storage StorageConfig `yaml:"storage"`
	Redis   RedisConfig   `yaml:"redis"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig configures the HTTP front-end.
type ServerConfig struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
}

// NATSConfig configures the NATS connection used for the work queue and the
// event bus.
type NATSConfig struct {
	// URL is the NATS server URL (empty = in-memory queue, no event bus).
	URL string `yaml:"url"`
}

// QueueConfig configures the dispatcher.
type QueueConfig struct {
	// Workers is the number of concurrent poll loops.
	Workers int `yaml:"workers"`
	// RetryBaseDelay is the base message re-queue delay.
	RetryBaseDelay Duration `yaml:"retry_base_delay"`
	// MaxAttempts is the per-message delivery ceiling.
	MaxAttempts int `yaml:"max_attempts"`
	// HandlerTimeout is the soft wall-clock budget per handler.
	HandlerTimeout Duration `yaml:"handler_timeout"`
}

// StorageConfig selects the execution repository.
type StorageConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `yaml:"driver"`
	// DSN is the Postgres connection string when driver is "postgres".
	DSN string `yaml:"dsn"`
}

// RedisConfig configures distributed locking and admission state.
type RedisConfig struct {
	// Enabled switches locking/admission from in-process to Redis.
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen: ":8083",
		},
		NATS: NATSConfig{
			URL: "",
		},
		Queue: QueueConfig{
			Workers:        4,
			RetryBaseDelay: Duration(30 * time.Second),
			MaxAttempts:    1000,
			HandlerTimeout: Duration(30 * time.Second),
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log.level %q", c.Log.Level)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return config, nil
}

// Load resolves configuration: defaults, then an optional file, then
// environment overrides.
func Load(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		loaded, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		config = loaded
	}
	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

// applyEnv overlays CONVEYOR_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("CONVEYOR_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("CONVEYOR_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("CONVEYOR_STORAGE_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("CONVEYOR_DATABASE_URL"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("CONVEYOR_REDIS_ADDR"); v != "" {
		c.Redis.Enabled = true
		c.Redis.Addr = v
	}
	if v := os.Getenv("CONVEYOR_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("CONVEYOR_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("CONVEYOR_QUEUE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.Workers = n
		}
	}
}
