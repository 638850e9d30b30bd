package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/lazypower/heirloom/internal/retry"
)

// EnvPrefix prefixes every environment override, e.g. HEIRLOOM_SERVER_PORT.
const EnvPrefix = "HEIRLOOM"

// Config holds all heirloom configuration.
// Values come from Default, then the YAML file, then the environment.
type Config struct {
	Identity  string          `yaml:"identity" split_words:"true"`
	LogLevel  string          `yaml:"log_level" split_words:"true"`
	Server    ServerConfig    `yaml:"server" split_words:"true"`
	Database  DatabaseConfig  `yaml:"database" split_words:"true"`
	Remote    RemoteConfig    `yaml:"remote" split_words:"true"`
	Registry  RegistryConfig  `yaml:"registry" split_words:"true"`
	Scheduler SchedulerConfig `yaml:"scheduler" split_words:"true"`
	Codes     CodesConfig     `yaml:"codes" split_words:"true"`
}

type ServerConfig struct {
	Bind   string `yaml:"bind" split_words:"true"`
	Port   int    `yaml:"port" split_words:"true"`
	DBPath string `yaml:"db_path" split_words:"true"` // remote service storage
}

type DatabaseConfig struct {
	Path string `yaml:"path" split_words:"true"`
}

type RemoteConfig struct {
	URL     string        `yaml:"url" split_words:"true"`
	Timeout time.Duration `yaml:"timeout" split_words:"true"`
}

type RegistryConfig struct {
	Backend  string `yaml:"backend" split_words:"true"` // "sqlite" or "redis"
	RedisURL string `yaml:"redis_url" split_words:"true"`
}

type SchedulerConfig struct {
	TickInterval    time.Duration `yaml:"tick_interval" split_words:"true"`
	RefreshInterval time.Duration `yaml:"refresh_interval" split_words:"true"`
}

type CodesConfig struct {
	ResolveAttempts int           `yaml:"resolve_attempts" split_words:"true"`
	ResolveBackoff  time.Duration `yaml:"resolve_backoff" split_words:"true"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37780,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Remote: RemoteConfig{
			URL:     "http://127.0.0.1:37780",
			Timeout: 10 * time.Second,
		},
		Registry: RegistryConfig{
			Backend: "sqlite",
		},
		Scheduler: SchedulerConfig{
			TickInterval:    15 * time.Minute,
			RefreshInterval: 5 * time.Minute,
		},
		Codes: CodesConfig{
			ResolveAttempts: retry.Default.MaxAttempts,
			ResolveBackoff:  retry.Default.Backoff,
		},
	}
}

// DefaultPath returns ~/.heirloom/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".heirloom", "config.yaml"), nil
}

// Load reads path (a missing file is not an error), applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the process cannot start with.
func (c *Config) Validate() error {
	switch c.Registry.Backend {
	case "sqlite":
	case "redis":
		if c.Registry.RedisURL == "" {
			return fmt.Errorf("registry backend redis requires redis_url")
		}
	default:
		return fmt.Errorf("unsupported registry backend: %q", c.Registry.Backend)
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler tick_interval must be positive")
	}
	if c.Scheduler.RefreshInterval <= 0 {
		return fmt.Errorf("scheduler refresh_interval must be positive")
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// ResolvePolicy is the retry policy for share and guardian code lookups.
func (c *Config) ResolvePolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: ClampMin(c.Codes.ResolveAttempts, 1),
		Backoff:     c.Codes.ResolveBackoff,
	}
}
