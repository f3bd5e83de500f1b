// Package config loads runtime configuration for Conduit applications:
// defaults, then a TOML file, then environment overrides (env wins). It
// also provides the environment-backed credential source used by
// provider/resolve.
package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Project    string           `toml:"project"`
	Model      string           `toml:"model"`
	Cache      StorageConfig    `toml:"cache"`
	Repository StorageConfig    `toml:"repository"`
	Retry      RetryConfig      `toml:"retry"`
	Observer   ObserverConfig   `toml:"observer"`
	Providers  []ProviderConfig `toml:"providers"`
}

// StorageConfig selects a storage backend. Backend is "sqlite" or
// "postgres"; Path is the SQLite file, DSN the PostgreSQL URL.
type StorageConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
	DSN     string `toml:"dsn"`
}

type RetryConfig struct {
	MaxAttempts int `toml:"max_attempts"`
	BaseDelayMS int `toml:"base_delay_ms"`
}

type ObserverConfig struct {
	Enabled     bool                       `toml:"enabled"`
	ServiceName string                     `toml:"service_name"`
	Pricing     map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// ProviderConfig overrides connection details for one provider, typically
// to point an OpenAI-compatible name at a proxy or local server.
type ProviderConfig struct {
	Name    string `toml:"name"`
	BaseURL string `toml:"base_url"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Project: "default",
		Model:   "gpt-4o-mini",
		Cache:   StorageConfig{Backend: "sqlite", Path: "conduit.db"},
		Retry:   RetryConfig{MaxAttempts: 3, BaseDelayMS: 1000},
	}
}

// Load reads config: defaults, then TOML file, then env vars (env wins).
// A missing file is not an error; the defaults stand.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "conduit.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("CONDUIT_PROJECT"); v != "" {
		cfg.Project = v
	}
	if v := os.Getenv("CONDUIT_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("CONDUIT_CACHE_DSN"); v != "" {
		cfg.Cache.Backend = "postgres"
		cfg.Cache.DSN = v
	}
	if v := os.Getenv("CONDUIT_REPOSITORY_DSN"); v != "" {
		cfg.Repository.Backend = "postgres"
		cfg.Repository.DSN = v
	}
	if v := os.Getenv("CONDUIT_RETRY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}
	if v := os.Getenv("CONDUIT_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	// Repository defaults to the cache backend when unset, so a single
	// [cache] stanza configures both stores.
	if cfg.Repository.Backend == "" {
		cfg.Repository = cfg.Cache
	}

	return cfg
}

// BaseURL returns the configured base URL override for a provider, or "".
func (c Config) BaseURL(provider string) string {
	for _, p := range c.Providers {
		if p.Name == provider {
			return p.BaseURL
		}
	}
	return ""
}
