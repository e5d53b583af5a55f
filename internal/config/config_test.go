// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
default_model = "openai/gpt-4o"
project = "webapp"

[backend]
base_url = "https://example.test/v1"
requests_per_minute = 30

[tools]
workspace = "/srv/code"
web_search = false

[models."openai/gpt-4o".pricing]
input_rate = 2.5
output_rate = 10.0

[[models."openai/gpt-4o-mini".pricing.input_tiers]]
threshold = 1000
rate = 1.0

[[models."openai/gpt-4o-mini".pricing.input_tiers]]
threshold = 0
rate = 0.5
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := LoadFrom(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "openai/gpt-4o", cfg.DefaultModel)
	assert.Equal(t, "webapp", cfg.Project)
	assert.Equal(t, "https://example.test/v1", cfg.Backend.BaseURL)
	assert.Equal(t, 30, cfg.Backend.RequestsPerMinute)
	assert.False(t, cfg.Tools.WebSearch, "file disables web search")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.DefaultModel, cfg.DefaultModel)
	assert.Equal(t, def.Backend.BaseURL, cfg.Backend.BaseURL)
	assert.True(t, cfg.Tools.WebSearch)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PARLANCE_API_KEY", "sk-test")
	t.Setenv("PARLANCE_MODEL", "env/model")
	t.Setenv("PARLANCE_RPM", "5")

	cfg, err := LoadFrom(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.Backend.APIKey)
	assert.Equal(t, "env/model", cfg.DefaultModel)
	assert.Equal(t, 5, cfg.Backend.RequestsPerMinute)
}

func TestOpenRouterKeyFallback(t *testing.T) {
	t.Setenv("PARLANCE_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "sk-or")

	cfg, err := LoadFrom(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "sk-or", cfg.Backend.APIKey)
}

func TestValidateRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		toml string
	}{
		{"bad base url", "[backend]\nbase_url = \"not a url\"\n"},
		{"negative rpm", "[backend]\nrequests_per_minute = -1\n"},
		{"bad remote server", "[tools]\nremote_servers = [\"ftp://bad\"]\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFrom(writeConfig(t, tc.toml))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestPricingTable(t *testing.T) {
	cfg, err := LoadFrom(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	table := cfg.PricingTable()
	flat, ok := table["openai/gpt-4o"]
	require.True(t, ok, "flat-priced model missing")
	assert.Equal(t, 2.5, flat.InputRate)
	assert.Equal(t, 10.0, flat.OutputRate)

	tiered, ok := table["openai/gpt-4o-mini"]
	require.True(t, ok, "tier-priced model missing")
	require.Len(t, tiered.InputTiers, 2)
	assert.Equal(t, 1000, tiered.InputTiers[0].Threshold)
	assert.Equal(t, 0.5, tiered.InputTiers[1].Rate)
}
