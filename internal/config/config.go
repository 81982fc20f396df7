// Package config provides YAML-based configuration loading for lotdesk.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported relay platforms.
const (
	PlatformTelegram = "telegram"
	PlatformDiscord  = "discord"
	PlatformSlack    = "slack"
)

// Supported gate backends.
const (
	LockRedis  = "redis"
	LockMemory = "memory"
	LockDB     = "db"
)

// Config is the top-level lotdesk configuration, loaded from lotdesk.yaml.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Relay    RelayConfig    `yaml:"relay"`
	HTTP     HTTPConfig     `yaml:"http"`
	Log      LogConfig      `yaml:"log"`
}

// DatabaseConfig selects and addresses the relational store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Path     string `yaml:"path"` // sqlite file
}

// RedisConfig addresses the Redis instance backing the topic cache and gate.
// An empty URL selects in-process implementations.
type RedisConfig struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// RelayConfig holds the support relay settings.
type RelayConfig struct {
	Platform            string         `yaml:"platform"`
	AdminGroup          string         `yaml:"admin_group"`
	AdminUser           string         `yaml:"admin_user"`
	TopicTTLSec         int            `yaml:"topic_ttl_sec"`
	NotifyUnknownThread bool           `yaml:"notify_unknown_thread"`
	MaxConcurrent       int            `yaml:"max_concurrent"`
	DigestCron          string         `yaml:"digest_cron"`
	Lock                LockConfig     `yaml:"lock"`
	Telegram            TelegramConfig `yaml:"telegram"`
	Discord             DiscordConfig  `yaml:"discord"`
	Slack               SlackConfig    `yaml:"slack"`
}

// LockConfig tunes the per-user mutual-exclusion gate.
type LockConfig struct {
	Backend  string `yaml:"backend"`
	LeaseSec int    `yaml:"lease_sec"`
	WaitSec  int    `yaml:"wait_sec"`
}

// TelegramConfig holds Telegram bot credentials.
type TelegramConfig struct {
	Token   string        `yaml:"token"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// WebhookConfig switches Telegram from long polling to webhook delivery.
type WebhookConfig struct {
	URL    string `yaml:"url"`  // public URL registered with Telegram
	Path   string `yaml:"path"` // local route served by the HTTP server
	Secret string `yaml:"secret"`
}

// DiscordConfig holds Discord bot credentials.
type DiscordConfig struct {
	Token string `yaml:"token"`
}

// SlackConfig holds Slack Socket Mode credentials.
type SlackConfig struct {
	AppToken string `yaml:"app_token"`
	BotToken string `yaml:"bot_token"`
}

// HTTPConfig controls the health/API server. Port 0 disables it.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references, unmarshals YAML bytes and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// TopicTTL is how long a cached user→thread mapping lives.
func (r RelayConfig) TopicTTL() time.Duration {
	return time.Duration(r.TopicTTLSec) * time.Second
}

// Lease bounds how long a gate holder may keep the lock.
func (l LockConfig) Lease() time.Duration {
	return time.Duration(l.LeaseSec) * time.Second
}

// Wait bounds how long a caller waits for the gate.
func (l LockConfig) Wait() time.Duration {
	return time.Duration(l.WaitSec) * time.Second
}

// WebhookEnabled reports whether Telegram updates arrive via webhook.
func (t TelegramConfig) WebhookEnabled() bool {
	return t.Webhook.URL != ""
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			c.Database.Path = "lotdesk.db"
		}
	case "mysql":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Database == "" {
			c.Database.Database = "lotdesk"
		}
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "lotdesk"
	}
	if c.Relay.TopicTTLSec == 0 {
		c.Relay.TopicTTLSec = 24 * 60 * 60
	}
	if c.Relay.MaxConcurrent == 0 {
		c.Relay.MaxConcurrent = 32
	}
	if c.Relay.Lock.Backend == "" {
		if c.Redis.URL != "" {
			c.Relay.Lock.Backend = LockRedis
		} else {
			c.Relay.Lock.Backend = LockMemory
		}
	}
	if c.Relay.Lock.LeaseSec == 0 {
		c.Relay.Lock.LeaseSec = 30
	}
	if c.Relay.Lock.WaitSec == 0 {
		c.Relay.Lock.WaitSec = 5
	}
	if c.Relay.Telegram.WebhookEnabled() && c.Relay.Telegram.Webhook.Path == "" {
		c.Relay.Telegram.Webhook.Path = "/telegram/webhook"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (use mysql or sqlite)", c.Database.Driver))
	}

	switch c.Relay.Platform {
	case PlatformTelegram:
		if c.Relay.Telegram.Token == "" {
			errs = append(errs, "relay.telegram.token is required")
		}
	case PlatformDiscord:
		if c.Relay.Discord.Token == "" {
			errs = append(errs, "relay.discord.token is required")
		}
	case PlatformSlack:
		if c.Relay.Slack.AppToken == "" {
			errs = append(errs, "relay.slack.app_token is required")
		}
		if c.Relay.Slack.BotToken == "" {
			errs = append(errs, "relay.slack.bot_token is required")
		}
	case "":
		errs = append(errs, "relay.platform is required")
	default:
		errs = append(errs, fmt.Sprintf("relay.platform %q is not supported", c.Relay.Platform))
	}
	if c.Relay.AdminGroup == "" {
		errs = append(errs, "relay.admin_group is required")
	}

	switch c.Relay.Lock.Backend {
	case LockMemory, LockDB:
	case LockRedis:
		if c.Redis.URL == "" {
			errs = append(errs, "relay.lock.backend redis requires redis.url")
		}
	default:
		errs = append(errs, fmt.Sprintf("relay.lock.backend %q is not supported", c.Relay.Lock.Backend))
	}
	if c.Relay.Lock.LeaseSec < 0 || c.Relay.Lock.WaitSec < 0 {
		errs = append(errs, "relay.lock durations must not be negative")
	}
	if c.Relay.TopicTTLSec < 0 {
		errs = append(errs, "relay.topic_ttl_sec must not be negative")
	}
	if c.Relay.Telegram.WebhookEnabled() && c.Relay.Platform != PlatformTelegram {
		errs = append(errs, "relay.telegram.webhook is only valid for the telegram platform")
	}
	if c.Relay.Telegram.WebhookEnabled() && c.HTTP.Port == 0 {
		errs = append(errs, "relay.telegram.webhook requires http.port")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
