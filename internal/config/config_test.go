package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv(BackendURLEnv, "")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8001/api", cfg.APIBaseURL())
	assert.Equal(t, 10*time.Second, cfg.AggregateInterval())
	assert.Equal(t, 5*time.Second, cfg.LiveInterval())
	assert.Equal(t, 10*time.Second, cfg.ReadTimeout())
	assert.Equal(t, 30*time.Second, cfg.CommandTimeout())
	assert.Equal(t, 60*time.Second, cfg.ChatTimeout())
	assert.True(t, cfg.LiveEnabled())
	assert.Equal(t, 8080, cfg.Web.Port)
	assert.Equal(t, 50, cfg.Poller.HistoryLimit)
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv(BackendURLEnv, "")
	path := writeConfig(t, `
backend:
  base_url: https://trader.example.com/
  api_prefix: /v2
poller:
  aggregate_interval: 30s
  live_enabled: false
web:
  port: 9090
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://trader.example.com/v2", cfg.APIBaseURL())
	assert.Equal(t, 30*time.Second, cfg.AggregateInterval())
	assert.False(t, cfg.LiveEnabled())
	assert.Equal(t, 9090, cfg.Web.Port)
}

func TestBackendURLEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "backend:\n  base_url: http://from-file:1\n")
	t.Setenv(BackendURLEnv, "http://from-env:2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://from-env:2/api", cfg.APIBaseURL())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative url", func(c *Config) { c.Backend.BaseURL = "/api" }},
		{"bad scheme", func(c *Config) { c.Backend.BaseURL = "ftp://host" }},
		{"bad interval", func(c *Config) { c.Poller.LiveInterval = "soon" }},
		{"zero interval", func(c *Config) { c.Poller.AggregateInterval = "0s" }},
		{"telegram without token", func(c *Config) { c.Telegram.Enabled = true; c.Telegram.ChatID = 1 }},
		{"telegram without chat", func(c *Config) { c.Telegram.Enabled = true; c.Telegram.BotToken = "t" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default("http://localhost:8001")
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default("http://localhost:8001").Validate())
}

func TestEmptyPrefix(t *testing.T) {
	cfg := Default("http://host:1/")
	cfg.Backend.APIPrefix = "/"
	assert.Equal(t, "http://host:1", cfg.APIBaseURL())
}
