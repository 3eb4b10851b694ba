package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DreyConfig represents the top-level drey.yml configuration
type DreyConfig struct {
	Version       string               `yaml:"version"`
	Instance      string               `yaml:"instance,omitempty"` // Namespace for Redis keys and channels (default: "default")
	Server        *ServerConfig        `yaml:"server,omitempty"`
	Redis         *RedisConfig         `yaml:"redis,omitempty"`
	Store         *StoreConfig         `yaml:"store,omitempty"`
	Collaboration *CollaborationConfig `yaml:"collaboration,omitempty"`
}

// ServerConfig specifies the HTTP/WebSocket listener
type ServerConfig struct {
	ListenAddr     string   `yaml:"listen_addr,omitempty"`     // Default: ":8585"
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"` // Origin prefixes accepted for WebSocket upgrades
}

// RedisConfig specifies the Redis connection
type RedisConfig struct {
	URL string `yaml:"url,omitempty"` // Default: "redis://localhost:6379"
}

// StoreConfig specifies entry store behavior
type StoreConfig struct {
	CASRetries *int `yaml:"cas_retries,omitempty"` // Transaction retries before a write reports busy (default: 5)
}

// CollaborationConfig specifies room lifecycle behavior
type CollaborationConfig struct {
	IdleWindowSeconds *int `yaml:"idle_window_seconds,omitempty"` // How long an empty room lingers before ending (default: 60)
}

// Validate performs strict validation and applies defaults in place
func (c *DreyConfig) Validate() error {
	// Required: version
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Instance == "" {
		c.Instance = "default"
	}

	if c.Server == nil {
		c.Server = &ServerConfig{}
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8585"
	}

	if c.Redis == nil {
		c.Redis = &RedisConfig{}
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379"
	}

	if c.Store == nil {
		c.Store = &StoreConfig{}
	}
	if c.Store.CASRetries == nil {
		defaultRetries := 5
		c.Store.CASRetries = &defaultRetries
	}
	if *c.Store.CASRetries < 1 {
		return fmt.Errorf("store.cas_retries must be >= 1, got %d", *c.Store.CASRetries)
	}

	if c.Collaboration == nil {
		c.Collaboration = &CollaborationConfig{}
	}
	if c.Collaboration.IdleWindowSeconds == nil {
		defaultIdle := 60
		c.Collaboration.IdleWindowSeconds = &defaultIdle
	}
	if *c.Collaboration.IdleWindowSeconds < 1 {
		return fmt.Errorf("collaboration.idle_window_seconds must be >= 1, got %d", *c.Collaboration.IdleWindowSeconds)
	}

	return nil
}

// Load reads and validates drey.yml from the specified path
func Load(path string) (*DreyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config DreyConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns a configuration with every default applied, for running
// without a drey.yml.
func Default() *DreyConfig {
	c := &DreyConfig{Version: "1.0"}
	// Validate never fails on a version-only config
	_ = c.Validate()
	return c
}
