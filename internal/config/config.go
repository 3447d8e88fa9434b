package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort            = 3001
	defaultCooldown        = 24 * time.Hour
	defaultReloadInterval  = 5 * time.Minute
	defaultFailureLimit    = 3
	defaultCatalogTTL      = time.Hour
	defaultUpstreamTimeout = 300 * time.Second
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Keys     KeysConfig     `yaml:"keys"`
	Catalog  CatalogConfig  `yaml:"catalog"`
}

// ServerConfig defines listener configuration. AuthKey is the bearer token
// required on inbound /v1 requests; empty disables inbound auth.
type ServerConfig struct {
	Port    int    `yaml:"port"`
	AuthKey string `yaml:"auth_key"`
}

// UpstreamConfig locates the AI gateway all dispatches are sent to.
type UpstreamConfig struct {
	BaseURL string   `yaml:"base_url"`
	Timeout Duration `yaml:"timeout"`
}

// KeysConfig controls the credential pool.
type KeysConfig struct {
	File             string   `yaml:"file"`
	Cooldown         Duration `yaml:"cooldown"`
	ReloadInterval   Duration `yaml:"reload_interval"`
	FailureThreshold int      `yaml:"failure_threshold"`
	Watch            bool     `yaml:"watch"`
}

// CatalogConfig controls the upstream model-list cache.
type CatalogConfig struct {
	TTL Duration `yaml:"ttl"`
}

// Duration wraps time.Duration with YAML string parsing ("24h", "5m").
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads YAML configuration from disk, applies defaults, and validates.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = Duration(defaultUpstreamTimeout)
	}
	if c.Keys.Cooldown == 0 {
		c.Keys.Cooldown = Duration(defaultCooldown)
	}
	if c.Keys.ReloadInterval == 0 {
		c.Keys.ReloadInterval = Duration(defaultReloadInterval)
	}
	if c.Keys.FailureThreshold == 0 {
		c.Keys.FailureThreshold = defaultFailureLimit
	}
	if c.Catalog.TTL == 0 {
		c.Catalog.TTL = Duration(defaultCatalogTTL)
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		return fmt.Errorf("upstream.base_url must be provided")
	}
	if !strings.HasPrefix(c.Upstream.BaseURL, "http://") && !strings.HasPrefix(c.Upstream.BaseURL, "https://") {
		return fmt.Errorf("upstream.base_url %q must be an http(s) URL", c.Upstream.BaseURL)
	}
	if strings.TrimSpace(c.Keys.File) == "" {
		return fmt.Errorf("keys.file must be provided")
	}
	if c.Keys.Cooldown < 0 {
		return fmt.Errorf("keys.cooldown must not be negative")
	}
	if c.Keys.ReloadInterval.Std() < time.Second {
		return fmt.Errorf("keys.reload_interval %s is below the 1s minimum", c.Keys.ReloadInterval.Std())
	}
	if c.Keys.FailureThreshold < 1 {
		return fmt.Errorf("keys.failure_threshold must be at least 1, got %d", c.Keys.FailureThreshold)
	}
	if c.Catalog.TTL < 0 {
		return fmt.Errorf("catalog.ttl must not be negative")
	}
	return nil
}
