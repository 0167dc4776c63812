// Package config loads the pmvault configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forest6511/pmvault/pkg/atomicfile"
	"github.com/forest6511/pmvault/pkg/crypto"
	"github.com/forest6511/pmvault/pkg/pool"
	"github.com/forest6511/pmvault/pkg/session"
)

// Environment variables
const (
	EnvConfig   = "PMVAULT_CONFIG"
	EnvDataDir  = "PMVAULT_DATA_DIR"
	EnvPassword = "PMVAULT_PASSWORD"
)

// FileName is the default config file name inside the data directory.
const FileName = "config.yaml"

// Config is the on-disk configuration.
//
// The KDF parameters are not configurable: a vault can only be unlocked
// with the parameters its key check was sealed under.
type Config struct {
	DataDir string     `yaml:"data_dir"`
	Pool    PoolConfig `yaml:"pool"`
}

// PoolConfig configures the connection pools.
type PoolConfig struct {
	MaxConns       int           `yaml:"max_conns"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
	BusyTimeout    time.Duration `yaml:"busy_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	MaxIdleTime    time.Duration `yaml:"max_idle_time,omitempty"`
}

// DefaultDataDir returns ~/.pmvault, or PMVAULT_DATA_DIR when set.
func DefaultDataDir() string {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pmvault"
	}
	return filepath.Join(home, ".pmvault")
}

// DefaultPath returns PMVAULT_CONFIG, or config.yaml in the default data
// directory.
func DefaultPath() string {
	if path := os.Getenv(EnvConfig); path != "" {
		return path
	}
	return filepath.Join(DefaultDataDir(), FileName)
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		Pool: PoolConfig{
			MaxConns:       pool.DefaultMaxConns,
			AcquireTimeout: pool.DefaultAcquireTimeout,
			BusyTimeout:    pool.DefaultBusyTimeout,
			DrainTimeout:   session.DefaultDrainTimeout,
		},
	}
}

// Load reads the config at path over the defaults. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path.
func Save(cfg *Config, path string) error {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("config: failed to create directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: failed to marshal: %w", err)
	}
	if err := atomicfile.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: failed to write %s: %w", path, err)
	}
	return nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: data_dir is required")
	}
	if c.Pool.MaxConns < 0 {
		return fmt.Errorf("config: pool.max_conns must not be negative, got %d", c.Pool.MaxConns)
	}
	for name, d := range map[string]time.Duration{
		"pool.acquire_timeout": c.Pool.AcquireTimeout,
		"pool.busy_timeout":    c.Pool.BusyTimeout,
		"pool.drain_timeout":   c.Pool.DrainTimeout,
		"pool.max_idle_time":   c.Pool.MaxIdleTime,
	} {
		if d < 0 {
			return fmt.Errorf("config: %s must not be negative", name)
		}
	}
	return nil
}

// PoolOptions returns the registry options.
func (c *Config) PoolOptions() pool.Options {
	return pool.Options{
		MaxConns:        c.Pool.MaxConns,
		AcquireTimeout:  c.Pool.AcquireTimeout,
		BusyTimeout:     c.Pool.BusyTimeout,
		ConnMaxIdleTime: c.Pool.MaxIdleTime,
	}
}

// SessionConfig returns the session manager configuration.
func (c *Config) SessionConfig(auditSource string) session.Config {
	return session.Config{
		DataDir:      c.DataDir,
		KDF:          crypto.DefaultKDFParams(),
		DrainTimeout: c.Pool.DrainTimeout,
		AuditSource:  auditSource,
	}
}
