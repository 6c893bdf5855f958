// Package config loads the pipeline configuration. Backends are chosen
// here, once, at startup; nothing downstream re-reads modes at runtime.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

// User is one configured actor.
type User struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Role         string `yaml:"role"`
	PasswordHash string `yaml:"password_hash"`
	Salt         string `yaml:"salt"`
	Iterations   int    `yaml:"iterations"`
}

// Config is the full pipeline configuration.
type Config struct {
	DataDir string `yaml:"data_dir"`

	Blobstore struct {
		Mode    string `yaml:"mode"`     // local or ipfs
		APIAddr string `yaml:"api_addr"` // IPFS HTTP API endpoint
	} `yaml:"blobstore"`

	Ledger struct {
		Mode       string `yaml:"mode"` // local or gateway
		GatewayURL string `yaml:"gateway_url"`
	} `yaml:"ledger"`

	Authority struct {
		Mode string `yaml:"mode"` // clock or drand
	} `yaml:"authority"`

	MetadataDSN    string `yaml:"metadata_dsn"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	KeyIterations  int    `yaml:"key_iterations"`

	Users []User `yaml:"users"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		DataDir:        defaultDataDir(),
		TimeoutSeconds: 30,
		LogLevel:       "info",
	}
	cfg.Blobstore.Mode = "local"
	cfg.Ledger.Mode = "local"
	cfg.Authority.Mode = "clock"
	return cfg
}

// Load reads path and fills unset fields with defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir()
	}
	if cfg.Blobstore.Mode == "" {
		cfg.Blobstore.Mode = "local"
	}
	if cfg.Ledger.Mode == "" {
		cfg.Ledger.Mode = "local"
	}
	if cfg.Authority.Mode == "" {
		cfg.Authority.Mode = "clock"
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 30
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.Blobstore.Mode {
	case "local", "ipfs":
	default:
		return fmt.Errorf("unknown blobstore mode %q", c.Blobstore.Mode)
	}
	switch c.Ledger.Mode {
	case "local", "gateway":
	default:
		return fmt.Errorf("unknown ledger mode %q", c.Ledger.Mode)
	}
	switch c.Authority.Mode {
	case "clock", "drand":
	default:
		return fmt.Errorf("unknown authority mode %q", c.Authority.Mode)
	}
	if c.Ledger.Mode == "gateway" && c.Ledger.GatewayURL == "" {
		return fmt.Errorf("ledger mode gateway requires gateway_url")
	}
	if c.Blobstore.Mode == "ipfs" && c.Blobstore.APIAddr == "" {
		return fmt.Errorf("blobstore mode ipfs requires api_addr")
	}
	return nil
}

// Timeout converts the configured seconds.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DSN returns the metadata database location, defaulting under DataDir.
func (c *Config) DSN() string {
	if c.MetadataDSN != "" {
		return c.MetadataDSN
	}
	return filepath.Join(c.DataDir, "metadata.db")
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "papervault")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "papervault-data"
	}
	return filepath.Join(home, ".local", "share", "papervault")
}
