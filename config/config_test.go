package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing listen", func(c *Config) { c.Server.Listen = "" }, "server.listen"},
		{"zero workers", func(c *Config) { c.Queue.Workers = 0 }, "queue.workers"},
		{"zero attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }, "max_attempts"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.driver"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }, "redis.addr"},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)
			assert.ErrorContains(t, c.Validate(), tt.wantErr)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conveyor.yaml")
	content := `
server:
  listen: ":9090"
queue:
  workers: 8
  retry_base_delay: 5s
storage:
  driver: postgres
  dsn: postgres://conveyor@localhost/conveyor?sslmode=disable
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	c, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", c.Server.Listen)
	assert.Equal(t, 8, c.Queue.Workers)
	assert.Equal(t, 5*time.Second, c.Queue.RetryBaseDelay.Std())
	assert.Equal(t, "postgres", c.Storage.Driver)
	// Defaults survive for everything unset.
	assert.Equal(t, 1000, c.Queue.MaxAttempts)
	assert.Equal(t, "info", c.Log.Level)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("CONVEYOR_LISTEN", ":7070")
	t.Setenv("CONVEYOR_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("CONVEYOR_QUEUE_WORKERS", "12")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", c.Server.Listen)
	assert.True(t, c.Redis.Enabled)
	assert.Equal(t, "redis.internal:6379", c.Redis.Addr)
	assert.Equal(t, 12, c.Queue.Workers)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFromFile("/does/not/exist.yaml")
	assert.Error(t, err)
}
