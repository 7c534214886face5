package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendURLEnv overrides backend.base_url when set.
const BackendURLEnv = "BACKEND_URL"

type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Poller   PollerConfig   `yaml:"poller"`
	Web      WebConfig      `yaml:"web"`
	Logging  LoggingConfig  `yaml:"logging"`
	Telegram TelegramConfig `yaml:"telegram"`
	Notify   NotifyConfig   `yaml:"notify"`
}

type BackendConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIPrefix      string `yaml:"api_prefix"`
	ReadTimeout    string `yaml:"read_timeout"`
	CommandTimeout string `yaml:"command_timeout"`
	ChatTimeout    string `yaml:"chat_timeout"`
}

type PollerConfig struct {
	AggregateInterval string `yaml:"aggregate_interval"`
	LiveInterval      string `yaml:"live_interval"`
	LiveEnabled       *bool  `yaml:"live_enabled"`
	MaxConcurrency    int    `yaml:"max_concurrency"`
	HistoryLimit      int    `yaml:"history_limit"`
}

type WebConfig struct {
	Port int `yaml:"port"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type NotifyConfig struct {
	Capacity int `yaml:"capacity"`
}

// Load reads the YAML file at path. A missing file is not an error: the
// dashboard can run purely from defaults plus BACKEND_URL.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if env := strings.TrimSpace(os.Getenv(BackendURLEnv)); env != "" {
		cfg.Backend.BaseURL = env
	}

	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Default returns a validated config pointing at baseURL. Used by tests and
// the closeall command.
func Default(baseURL string) *Config {
	cfg := &Config{Backend: BackendConfig{BaseURL: baseURL}}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = "http://localhost:8001"
	}
	if cfg.Backend.APIPrefix == "" {
		cfg.Backend.APIPrefix = "/api"
	}
	if cfg.Backend.ReadTimeout == "" {
		cfg.Backend.ReadTimeout = "10s"
	}
	if cfg.Backend.CommandTimeout == "" {
		cfg.Backend.CommandTimeout = "30s"
	}
	if cfg.Backend.ChatTimeout == "" {
		cfg.Backend.ChatTimeout = "60s"
	}
	if cfg.Poller.AggregateInterval == "" {
		cfg.Poller.AggregateInterval = "10s"
	}
	if cfg.Poller.LiveInterval == "" {
		cfg.Poller.LiveInterval = "5s"
	}
	if cfg.Poller.LiveEnabled == nil {
		enabled := true
		cfg.Poller.LiveEnabled = &enabled
	}
	if cfg.Poller.MaxConcurrency == 0 {
		cfg.Poller.MaxConcurrency = 8
	}
	if cfg.Poller.HistoryLimit == 0 {
		cfg.Poller.HistoryLimit = 50
	}
	if cfg.Web.Port == 0 {
		cfg.Web.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 50
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 14
	}
	if cfg.Notify.Capacity == 0 {
		cfg.Notify.Capacity = 50
	}
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid backend.base_url %q: %w", c.Backend.BaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("backend.base_url must be an absolute http(s) URL, got %q", c.Backend.BaseURL)
	}

	durations := map[string]string{
		"backend.read_timeout":      c.Backend.ReadTimeout,
		"backend.command_timeout":   c.Backend.CommandTimeout,
		"backend.chat_timeout":      c.Backend.ChatTimeout,
		"poller.aggregate_interval": c.Poller.AggregateInterval,
		"poller.live_interval":      c.Poller.LiveInterval,
	}
	for key, val := range durations {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, val, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}

	if c.Poller.MaxConcurrency < 0 {
		return fmt.Errorf("poller.max_concurrency must not be negative")
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

// APIBaseURL is the backend origin joined with the API prefix.
func (c *Config) APIBaseURL() string {
	base := strings.TrimRight(c.Backend.BaseURL, "/")
	prefix := strings.Trim(c.Backend.APIPrefix, "/")
	if prefix == "" {
		return base
	}
	return base + "/" + prefix
}

func (c *Config) ReadTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Backend.ReadTimeout)
	return d
}

func (c *Config) CommandTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Backend.CommandTimeout)
	return d
}

func (c *Config) ChatTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Backend.ChatTimeout)
	return d
}

func (c *Config) AggregateInterval() time.Duration {
	d, _ := time.ParseDuration(c.Poller.AggregateInterval)
	return d
}

func (c *Config) LiveInterval() time.Duration {
	d, _ := time.ParseDuration(c.Poller.LiveInterval)
	return d
}

func (c *Config) LiveEnabled() bool {
	return c.Poller.LiveEnabled == nil || *c.Poller.LiveEnabled
}
