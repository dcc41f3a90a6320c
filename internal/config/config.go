package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// FileConfig carries deployment knobs that don't belong in the environment:
// HTTP server timeouts, Redis pool sizing and store TTLs. Loaded from an
// optional YAML file passed with -config.
type FileConfig struct {
	Server ServerConfig `yaml:"server"`
	Redis  RedisConfig  `yaml:"redis"`
	Stores StoresConfig `yaml:"stores"`
	Stream StreamConfig `yaml:"stream"`
}

type ServerConfig struct {
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int `yaml:"idle_timeout_sec"`
	ShutdownGraceMs int `yaml:"shutdown_grace_ms"`
}

type RedisConfig struct {
	PoolSize       int `yaml:"pool_size"`
	DialTimeoutMs  int `yaml:"dial_timeout_ms"`
	ReadTimeoutMs  int `yaml:"read_timeout_ms"`
	WriteTimeoutMs int `yaml:"write_timeout_ms"`
}

type StoresConfig struct {
	RequestTTLHours    int `yaml:"request_ttl_hours"`
	IdempotencyTTLMin  int `yaml:"idempotency_ttl_min"`
	SessionTTLHours    int `yaml:"session_ttl_hours"`
	ConfigCacheTTLSec  int `yaml:"config_cache_ttl_sec"`
	IdempotencyWaitSec int `yaml:"idempotency_wait_sec"`
}

type StreamConfig struct {
	ConnectionTTLMin int `yaml:"connection_ttl_min"`
	SweepEveryMin    int `yaml:"sweep_every_min"`
}

// DefaultFileConfig returns the values used when no file is given.
func DefaultFileConfig() *FileConfig {
	return &FileConfig{
		Server: ServerConfig{
			ReadTimeoutSec: 15,
			// SSE responses hold the connection open for the life of a
			// request; a write deadline would cut live streams.
			WriteTimeoutSec: 0,
			IdleTimeoutSec:  60,
			ShutdownGraceMs: 30_000,
		},
		Redis: RedisConfig{
			PoolSize:       20,
			DialTimeoutMs:  3000,
			ReadTimeoutMs:  2000,
			WriteTimeoutMs: 2000,
		},
		Stores: StoresConfig{
			RequestTTLHours:    24,
			IdempotencyTTLMin:  60,
			SessionTTLHours:    24,
			ConfigCacheTTLSec:  30,
			IdempotencyWaitSec: 30,
		},
		Stream: StreamConfig{
			ConnectionTTLMin: 30,
			SweepEveryMin:    5,
		},
	}
}

// LoadFileConfig reads a YAML config file over the defaults.
func LoadFileConfig(path string) (*FileConfig, error) {
	cfg := DefaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *FileConfig) ReadTimeout() time.Duration   { return time.Duration(c.Server.ReadTimeoutSec) * time.Second }
func (c *FileConfig) WriteTimeout() time.Duration  { return time.Duration(c.Server.WriteTimeoutSec) * time.Second }
func (c *FileConfig) IdleTimeout() time.Duration   { return time.Duration(c.Server.IdleTimeoutSec) * time.Second }
func (c *FileConfig) ShutdownGrace() time.Duration { return time.Duration(c.Server.ShutdownGraceMs) * time.Millisecond }
func (c *FileConfig) RequestTTL() time.Duration    { return time.Duration(c.Stores.RequestTTLHours) * time.Hour }
func (c *FileConfig) IdempotencyTTL() time.Duration {
	return time.Duration(c.Stores.IdempotencyTTLMin) * time.Minute
}
func (c *FileConfig) SessionTTL() time.Duration {
	return time.Duration(c.Stores.SessionTTLHours) * time.Hour
}
func (c *FileConfig) ConfigCacheTTL() time.Duration {
	return time.Duration(c.Stores.ConfigCacheTTLSec) * time.Second
}
func (c *FileConfig) IdempotencyWait() time.Duration {
	return time.Duration(c.Stores.IdempotencyWaitSec) * time.Second
}
func (c *FileConfig) ConnectionTTL() time.Duration {
	return time.Duration(c.Stream.ConnectionTTLMin) * time.Minute
}
func (c *FileConfig) SweepInterval() time.Duration {
	return time.Duration(c.Stream.SweepEveryMin) * time.Minute
}
