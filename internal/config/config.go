// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/parlancehq/parlance/internal/ledger"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete parlance configuration.
type Config struct {
	// DefaultModel is the model used for new conversations.
	DefaultModel string `toml:"default_model"`

	// Project namespaces saved conversations and usage records.
	Project string `toml:"project"`

	Backend BackendConfig `toml:"backend"`
	Prompt  PromptConfig  `toml:"prompt"`
	Tools   ToolsConfig   `toml:"tools"`
	Storage StorageConfig `toml:"storage"`
	Log     LogConfig     `toml:"log"`

	// Models maps model ids to their settings, including pricing.
	Models map[string]ModelConfig `toml:"models"`
}

// BackendConfig selects the provider endpoint.
type BackendConfig struct {
	// BaseURL is the OpenAI-compatible chat completions base URL.
	BaseURL string `toml:"base_url"`

	// APIKey authenticates against the provider. Usually supplied via
	// the PARLANCE_API_KEY environment variable instead of the file.
	APIKey string `toml:"api_key"`

	// RequestsPerMinute throttles outgoing requests. Zero disables the
	// limiter.
	RequestsPerMinute int `toml:"requests_per_minute"`
}

// PromptConfig controls context resolution.
type PromptConfig struct {
	// Optimize enables the secondary-model prompt rewrite pass.
	Optimize bool `toml:"optimize"`

	// System overrides the built-in system instruction when set.
	System string `toml:"system"`
}

// ToolsConfig controls the tool catalog.
type ToolsConfig struct {
	// Workspace is the directory the file tools operate in.
	Workspace string `toml:"workspace"`

	// WebSearch toggles the built-in web search tool.
	WebSearch bool `toml:"web_search"`

	// RemoteServers lists external tool server base URLs merged into
	// the catalog at startup.
	RemoteServers []string `toml:"remote_servers"`
}

// StorageConfig locates the on-disk state.
type StorageConfig struct {
	// Dir is the state root. Default: ~/.parlance.
	Dir string `toml:"dir"`
}

// LogConfig controls diagnostics output.
type LogConfig struct {
	// Level is a logrus level name: debug, info, warn, error.
	Level string `toml:"level"`

	// File receives the log stream; empty logs to stderr.
	File string `toml:"file"`
}

// ModelConfig holds per-model settings.
type ModelConfig struct {
	Pricing ledger.Pricing `toml:"pricing"`
}

// =============================================================================
// DEFAULTS AND LOADING
// =============================================================================

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid configuration")

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultModel: "anthropic/claude-3.5-sonnet",
		Project:      "default",
		Backend: BackendConfig{
			BaseURL:           "https://openrouter.ai/api/v1",
			RequestsPerMinute: 60,
		},
		Tools: ToolsConfig{
			Workspace: ".",
			WebSearch: true,
		},
		Log:    LogConfig{Level: "info"},
		Models: map[string]ModelConfig{},
	}
}

// DefaultPath returns the standard config file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".parlance", "config.toml"), nil
}

// Load reads the config from the standard location, applying defaults
// and environment overrides. A missing file is not an error.
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config from path. A missing file yields the
// defaults plus environment overrides.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the loaded file.
func (c *Config) applyEnv() {
	if v := os.Getenv("PARLANCE_API_KEY"); v != "" {
		c.Backend.APIKey = v
	}
	if c.Backend.APIKey == "" {
		// OpenRouter's conventional variable, honored as a fallback.
		c.Backend.APIKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if v := os.Getenv("PARLANCE_BASE_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv("PARLANCE_MODEL"); v != "" {
		c.DefaultModel = v
	}
	if v := os.Getenv("PARLANCE_PROJECT"); v != "" {
		c.Project = v
	}
	if v := os.Getenv("PARLANCE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("PARLANCE_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Backend.RequestsPerMinute = n
		}
	}
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	if c.Backend.BaseURL != "" {
		u, err := url.Parse(c.Backend.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%w: backend.base_url %q", ErrInvalidConfig, c.Backend.BaseURL)
		}
	}
	if c.Backend.RequestsPerMinute < 0 {
		return fmt.Errorf("%w: backend.requests_per_minute must not be negative", ErrInvalidConfig)
	}
	for _, server := range c.Tools.RemoteServers {
		u, err := url.Parse(server)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%w: tools.remote_servers entry %q", ErrInvalidConfig, server)
		}
	}
	return nil
}

// StateDir returns the state root, defaulting to ~/.parlance.
func (c *Config) StateDir() (string, error) {
	if c.Storage.Dir != "" {
		return c.Storage.Dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".parlance"), nil
}

// PricingTable extracts the per-model price schedules for the ledger.
func (c *Config) PricingTable() map[string]ledger.Pricing {
	table := make(map[string]ledger.Pricing, len(c.Models))
	for id, m := range c.Models {
		table[id] = m.Pricing
	}
	return table
}
