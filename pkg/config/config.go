// Package config loads, validates, and watches the zonewatch configuration
// file. Values come from YAML, with ${VAR} expansion and a ZONEWATCH_*
// environment overlay on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/zonewatch/zonewatch/pkg/domain/chat"
	"github.com/zonewatch/zonewatch/pkg/domain/command"
)

// ---------------------------------------------------------------------------
// Config tree
// ---------------------------------------------------------------------------

// Config is the root configuration for the bridge.
type Config struct {
	Monitoring  MonitoringConfig  `yaml:"monitoring" envPrefix:"MONITORING_"`
	Chat        ChatConfig        `yaml:"chat" envPrefix:"CHAT_"`
	Poller      PollerConfig      `yaml:"poller" envPrefix:"POLLER_"`
	Notify      NotifyConfig      `yaml:"notify" envPrefix:"NOTIFY_"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Digest      DigestConfig      `yaml:"digest" envPrefix:"DIGEST_"`
	Gateway     GatewayConfig     `yaml:"gateway" envPrefix:"GATEWAY_"`
	Storage     StorageConfig     `yaml:"storage" envPrefix:"STORAGE_"`
	Log         LogConfig         `yaml:"log" envPrefix:"LOG_"`
}

// MonitoringConfig points at the monitoring system's REST API.
type MonitoringConfig struct {
	BaseURL   string        `yaml:"base_url" env:"BASE_URL"`
	Username  string        `yaml:"username" env:"USERNAME"`
	Password  string        `yaml:"password" env:"PASSWORD"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
	VerifyTLS *bool         `yaml:"verify_tls" env:"VERIFY_TLS"`
}

// ChatConfig holds per-transport settings.
type ChatConfig struct {
	Slack    SlackConfig    `yaml:"slack" envPrefix:"SLACK_"`
	Discord  DiscordConfig  `yaml:"discord" envPrefix:"DISCORD_"`
	Telegram TelegramConfig `yaml:"telegram" envPrefix:"TELEGRAM_"`
	// CommandPrefix marks a message as addressed on transports without
	// mention support (and works everywhere as a fallback).
	CommandPrefix string `yaml:"command_prefix" env:"COMMAND_PREFIX"`
}

type SlackConfig struct {
	Enabled   bool     `yaml:"enabled" env:"ENABLED"`
	BotToken  string   `yaml:"bot_token" env:"BOT_TOKEN"`
	AppToken  string   `yaml:"app_token" env:"APP_TOKEN"`
	AllowFrom []string `yaml:"allow_from"`
}

type DiscordConfig struct {
	Enabled   bool     `yaml:"enabled" env:"ENABLED"`
	Token     string   `yaml:"token" env:"TOKEN"`
	AllowFrom []string `yaml:"allow_from"`
}

type TelegramConfig struct {
	Enabled   bool     `yaml:"enabled" env:"ENABLED"`
	Token     string   `yaml:"token" env:"TOKEN"`
	AllowFrom []string `yaml:"allow_from"`
}

// PollerConfig tunes the event relay loop.
type PollerConfig struct {
	Enabled      bool          `yaml:"enabled" env:"ENABLED"`
	Interval     time.Duration `yaml:"interval" env:"INTERVAL"`
	PageLimit    int           `yaml:"page_limit" env:"PAGE_LIMIT"`
	MaxPages     int           `yaml:"max_pages" env:"MAX_PAGES"`
	Backoff      BackoffConfig `yaml:"backoff" envPrefix:"BACKOFF_"`
	ReplayWindow time.Duration `yaml:"replay_window" env:"REPLAY_WINDOW"`
	Dedup        DedupConfig   `yaml:"dedup" envPrefix:"DEDUP_"`
}

// BackoffConfig shapes the poller's failure hold-off.
type BackoffConfig struct {
	Initial       time.Duration `yaml:"initial" env:"INITIAL"`
	Multiplier    float64       `yaml:"multiplier" env:"MULTIPLIER"`
	Ceiling       time.Duration `yaml:"ceiling" env:"CEILING"`
	DegradedAfter int           `yaml:"degraded_after" env:"DEGRADED_AFTER"`
}

// DedupConfig bounds the duplicate-suppression window.
type DedupConfig struct {
	Capacity int           `yaml:"capacity" env:"CAPACITY"`
	TTL      time.Duration `yaml:"ttl" env:"TTL"`
}

// NotifyConfig shapes notification delivery.
type NotifyConfig struct {
	Targets     []string    `yaml:"targets" env:"TARGETS"`
	Rate        RateConfig  `yaml:"rate" envPrefix:"RATE_"`
	Retry       RetryConfig `yaml:"retry" envPrefix:"RETRY_"`
	AttachMedia bool        `yaml:"attach_media" env:"ATTACH_MEDIA"`
	TemplateDir string      `yaml:"template_dir" env:"TEMPLATE_DIR"`
}

// RateConfig is a token-bucket limit on outbound notifications.
type RateConfig struct {
	PerSecond float64 `yaml:"per_second" env:"PER_SECOND"`
	Burst     int     `yaml:"burst" env:"BURST"`
}

// RetryConfig bounds notification delivery attempts.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	Initial     time.Duration `yaml:"initial" env:"INITIAL"`
	Multiplier  float64       `yaml:"multiplier" env:"MULTIPLIER"`
	Ceiling     time.Duration `yaml:"ceiling" env:"CEILING"`
}

// PermissionsConfig maps sender IDs to scopes. This section hot-reloads.
type PermissionsConfig struct {
	Default string            `yaml:"default"`
	Users   map[string]string `yaml:"users"`
}

// DigestConfig schedules periodic event summaries.
type DigestConfig struct {
	Enabled  bool     `yaml:"enabled" env:"ENABLED"`
	Schedule string   `yaml:"schedule" env:"SCHEDULE"`
	Targets  []string `yaml:"targets"`
}

// GatewayConfig exposes the local ops API.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Host    string `yaml:"host" env:"HOST"`
	Port    int    `yaml:"port" env:"PORT"`
	APIKey  string `yaml:"api_key" env:"API_KEY"`
}

// StorageConfig places the bridge's local state.
type StorageConfig struct {
	StateFile string `yaml:"state_file" env:"STATE_FILE"`
	AuditDB   string `yaml:"audit_db" env:"AUDIT_DB"` // empty disables auditing
}

// LogConfig tunes log output.
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	JSON  bool   `yaml:"json" env:"JSON"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// DefaultConfig returns the configuration used when a section is omitted.
func DefaultConfig() Config {
	return Config{
		Monitoring: MonitoringConfig{
			Timeout: 10 * time.Second,
		},
		Chat: ChatConfig{
			CommandPrefix: "!zw",
		},
		Poller: PollerConfig{
			Enabled:   true,
			Interval:  15 * time.Second,
			PageLimit: 100,
			MaxPages:  10,
			Backoff: BackoffConfig{
				Initial:       2 * time.Second,
				Multiplier:    2.0,
				Ceiling:       5 * time.Minute,
				DegradedAfter: 3,
			},
			ReplayWindow: 15 * time.Minute,
			Dedup: DedupConfig{
				Capacity: 512,
				TTL:      12 * time.Hour,
			},
		},
		Notify: NotifyConfig{
			Rate:        RateConfig{PerSecond: 1, Burst: 5},
			Retry:       RetryConfig{MaxAttempts: 3, Initial: 2 * time.Second, Multiplier: 2.0, Ceiling: 30 * time.Second},
			AttachMedia: true,
		},
		Permissions: PermissionsConfig{
			Default: string(command.ScopeRead),
		},
		Digest: DigestConfig{
			Schedule: "0 9 * * *",
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8791,
		},
		Storage: StorageConfig{
			StateFile: "~/.zonewatch/state.json",
			AuditDB:   "~/.zonewatch/audit.db",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads, expands, overlays, and validates the config at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML. Split out of Load so tests and the
// hot-reload path can feed bytes directly.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()

	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "ZONEWATCH_"}); err != nil {
		return Config{}, fmt.Errorf("env overlay: %w", err)
	}

	applyDerived(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// expandEnvVars substitutes ${VAR} references with environment values,
// leaving unknown references intact.
func expandEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

func applyDerived(cfg *Config) {
	cfg.Monitoring.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Monitoring.BaseURL), "/")
	if len(cfg.Digest.Targets) == 0 {
		cfg.Digest.Targets = cfg.Notify.Targets
	}
	cfg.Storage.StateFile = expandHome(cfg.Storage.StateFile)
	cfg.Storage.AuditDB = expandHome(cfg.Storage.AuditDB)
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate rejects configurations the bridge cannot run with. Called by
// Parse; exported so the reload path can re-check edited files before
// swapping them in.
func (c Config) Validate() error {
	if c.Monitoring.BaseURL == "" {
		return ConfigError("monitoring.base_url is required")
	}
	if c.Monitoring.Username == "" || c.Monitoring.Password == "" {
		return ConfigError("monitoring.username and monitoring.password are required")
	}
	if c.Poller.Interval <= 0 {
		return ConfigError("poller.interval must be positive")
	}
	if c.Poller.PageLimit <= 0 || c.Poller.MaxPages <= 0 {
		return ConfigError("poller.page_limit and poller.max_pages must be positive")
	}
	if c.Poller.Backoff.Multiplier < 1 {
		return ConfigError("poller.backoff.multiplier must be >= 1")
	}
	if c.Poller.Backoff.Ceiling < c.Poller.Backoff.Initial {
		return ConfigError("poller.backoff.ceiling must be >= initial")
	}
	if c.Poller.ReplayWindow <= 0 {
		return ConfigError("poller.replay_window must be positive")
	}

	if c.Poller.Enabled && len(c.Notify.Targets) == 0 {
		return ConfigError("notify.targets must name at least one channel when the poller is enabled")
	}
	for _, raw := range c.Notify.Targets {
		if _, err := chat.ParseChannelRef(raw); err != nil {
			return ConfigError(fmt.Sprintf("notify.targets: %q: %v", raw, err))
		}
	}
	if c.Notify.Rate.PerSecond <= 0 {
		return ConfigError("notify.rate.per_second must be positive")
	}
	if c.Notify.Retry.MaxAttempts <= 0 {
		return ConfigError("notify.retry.max_attempts must be positive")
	}

	if _, err := c.Permissions.Table(); err != nil {
		return err
	}

	if c.Digest.Enabled {
		if !gronx.New().IsValid(c.Digest.Schedule) {
			return ConfigError(fmt.Sprintf("digest.schedule: invalid cron expression %q", c.Digest.Schedule))
		}
		for _, raw := range c.Digest.Targets {
			if _, err := chat.ParseChannelRef(raw); err != nil {
				return ConfigError(fmt.Sprintf("digest.targets: %q: %v", raw, err))
			}
		}
	}

	if c.Gateway.Enabled && (c.Gateway.Port <= 0 || c.Gateway.Port > 65535) {
		return ConfigError("gateway.port must be in 1..65535")
	}
	if c.Storage.StateFile == "" {
		return ConfigError("storage.state_file is required")
	}
	return nil
}

// Table builds the immutable grant table from the permissions section.
// Unknown scope names are configuration errors, not silent denials.
func (p PermissionsConfig) Table() (*command.GrantTable, error) {
	def := command.ScopeNone
	if p.Default != "" {
		var err error
		def, err = command.ParseScope(p.Default)
		if err != nil || def == command.ScopeAny {
			return nil, ConfigError(fmt.Sprintf("permissions.default: invalid scope %q", p.Default))
		}
	}
	users := make(map[string]command.Scope, len(p.Users))
	for id, raw := range p.Users {
		scope, err := command.ParseScope(raw)
		if err != nil || scope == command.ScopeAny {
			return nil, ConfigError(fmt.Sprintf("permissions.users.%s: invalid scope %q", id, raw))
		}
		users[id] = scope
	}
	return command.NewGrantTable(def, users), nil
}

// EnabledTransports lists the chat transports this config turns on.
func (c ChatConfig) EnabledTransports() []string {
	var out []string
	if c.Slack.Enabled {
		out = append(out, "slack")
	}
	if c.Discord.Enabled {
		out = append(out, "discord")
	}
	if c.Telegram.Enabled {
		out = append(out, "telegram")
	}
	return out
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// ConfigError is a typed error for invalid configuration.
type ConfigError string

func (e ConfigError) Error() string { return string(e) }
