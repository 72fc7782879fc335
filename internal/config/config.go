// Package config loads gazette's configuration from YAML or TOML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is read once at startup.
type Config struct {
	Database struct {
		Driver string `yaml:"driver" toml:"driver"` // "sqlite" or "postgres"
		Path   string `yaml:"path" toml:"path"`     // sqlite file
		DSN    string `yaml:"dsn,omitempty" toml:"dsn,omitempty"`
	} `yaml:"database" toml:"database"`

	Server struct {
		Addr         string        `yaml:"addr" toml:"addr"`
		ReadTimeout  time.Duration `yaml:"read_timeout" toml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	} `yaml:"server" toml:"server"`

	Crawl struct {
		Interval     time.Duration `yaml:"interval" toml:"interval"`
		FetchTimeout time.Duration `yaml:"fetch_timeout" toml:"fetch_timeout"`
		Workers      int           `yaml:"workers" toml:"workers"`
		UserAgent    string        `yaml:"user_agent" toml:"user_agent"`
		MaxBodyBytes int64         `yaml:"max_body_bytes" toml:"max_body_bytes"`
	} `yaml:"crawl" toml:"crawl"`

	Cache struct {
		Interval       time.Duration `yaml:"interval" toml:"interval"`
		Workers        int           `yaml:"workers" toml:"workers"`
		ArticleWindow  int           `yaml:"article_window" toml:"article_window"`
		ResolveTimeout time.Duration `yaml:"resolve_timeout" toml:"resolve_timeout"`
	} `yaml:"cache" toml:"cache"`

	Fever struct {
		// APIKey is md5(email:password) in hex, the value Fever clients send.
		APIKey string `yaml:"api_key,omitempty" toml:"api_key,omitempty"`
	} `yaml:"fever" toml:"fever"`

	Log struct {
		Level  string `yaml:"level" toml:"level"`
		Format string `yaml:"format" toml:"format"` // "text" or "json"
	} `yaml:"log" toml:"log"`
}

// Default returns a config with sensible defaults
func Default() *Config {
	cfg := &Config{}
	cfg.Database.Driver = "sqlite"
	cfg.Database.Path = "./gazette.db"
	cfg.Server.Addr = ":8080"
	cfg.Server.ReadTimeout = 15 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Crawl.Interval = 15 * time.Minute
	cfg.Crawl.FetchTimeout = 30 * time.Second
	cfg.Crawl.Workers = 4
	cfg.Crawl.UserAgent = "Gazette/1.0"
	cfg.Crawl.MaxBodyBytes = 10 << 20
	cfg.Cache.Interval = 5 * time.Minute
	cfg.Cache.Workers = 8
	cfg.Cache.ArticleWindow = 500
	cfg.Cache.ResolveTimeout = 10 * time.Second
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Load reads the config file at path on top of the defaults. A missing file
// is not an error. Files ending in .toml are decoded as TOML, everything else
// as YAML. GAZETTE_DB, GAZETTE_ADDR and GAZETTE_FEVER_API_KEY override the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	case strings.EqualFold(filepath.Ext(path), ".toml"):
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if v := os.Getenv("GAZETTE_DB"); v != "" {
		if cfg.Database.Driver == "postgres" {
			cfg.Database.DSN = v
		} else {
			cfg.Database.Path = v
		}
	}
	if v := os.Getenv("GAZETTE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("GAZETTE_FEVER_API_KEY"); v != "" {
		cfg.Fever.APIKey = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that values are usable.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Crawl.Interval < time.Second {
		return fmt.Errorf("crawl.interval must be at least 1s, got %s", c.Crawl.Interval)
	}
	if c.Cache.Interval < time.Second {
		return fmt.Errorf("cache.interval must be at least 1s, got %s", c.Cache.Interval)
	}
	if c.Crawl.FetchTimeout <= 0 {
		return errors.New("crawl.fetch_timeout must be positive")
	}
	if c.Crawl.Workers < 1 {
		return fmt.Errorf("crawl.workers must be at least 1, got %d", c.Crawl.Workers)
	}
	if c.Cache.Workers < 1 {
		return fmt.Errorf("cache.workers must be at least 1, got %d", c.Cache.Workers)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// DSN returns the data source for the configured driver.
func (c *Config) DSN() string {
	if c.Database.Driver == "postgres" {
		return c.Database.DSN
	}
	return c.Database.Path
}

// Save writes c as YAML to path, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
