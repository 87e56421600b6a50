package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for solstice-marketplace.
type Config struct {
	// DataDir holds the registries/installations documents, the catalog
	// cache, the sync journal and the secret key. Created 0700.
	DataDir string `json:"data_dir,omitempty"`

	// ListenAddr is the HTTP API bind address. Defaults to loopback.
	ListenAddr string `json:"listen_addr,omitempty"`

	// SkillsDir is the local skills directory scanned for on-disk
	// installation detection. If empty, ~/.solstice/skills is used.
	SkillsDir string `json:"skills_dir,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`

	// RequestsPerSecond and Burst configure the outbound throttle's
	// per-tag token buckets.
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
	Burst             int     `json:"burst,omitempty"`

	// HTTPTimeoutSeconds bounds each outbound request end to end.
	HTTPTimeoutSeconds int `json:"http_timeout_seconds,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.TrimSpace(c.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format: %s", c.LogFormat)
	}
	switch strings.TrimSpace(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}
	if c.RequestsPerSecond < 0 {
		return errors.New("requests_per_second cannot be negative")
	}
	if c.Burst < 0 {
		return errors.New("burst cannot be negative")
	}
	if c.HTTPTimeoutSeconds < 0 {
		return errors.New("http_timeout_seconds cannot be negative")
	}
	return nil
}

// ApplyDefaults fills every empty field with its default value.
func (c *Config) ApplyDefaults() {
	home, _ := os.UserHomeDir()
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = filepath.Join(home, ".solstice-marketplace")
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = "127.0.0.1:24100"
	}
	if strings.TrimSpace(c.SkillsDir) == "" {
		c.SkillsDir = filepath.Join(home, ".solstice", "skills")
	}
	if strings.TrimSpace(c.LogFormat) == "" {
		c.LogFormat = "text"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 5
	}
	if c.Burst == 0 {
		c.Burst = 10
	}
	if c.HTTPTimeoutSeconds == 0 {
		c.HTTPTimeoutSeconds = 60
	}
}

// DefaultConfigPath returns the default config path:
//
//	~/.solstice-marketplace/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "solstice-marketplace.config.json"
	}
	return filepath.Join(home, ".solstice-marketplace", "config.json")
}

// Load reads and validates the config file. A missing file yields a
// default config rather than an error.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
