// Package config provides YAML-based configuration loading for Lead Desk.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Defaults that preserve the engine's historical behavior.
const (
	DefaultLeaseStaleAfter   = 2 * time.Minute
	DefaultHistoryWindow     = 20
	DefaultReasoningTimeout  = 45 * time.Second
	DefaultDeliveryTimeout   = 20 * time.Second
	DefaultFollowUpDedup     = 20 * time.Hour
	DefaultFollowUpRecency   = 72 * time.Hour
	DefaultFollowUpInterval  = 3 * time.Second
	DefaultFollowUpSchedule  = "0 9 * * *"
	DefaultFollowUpTimezone  = "America/New_York"
	DefaultFollowUpActorID   = "morning_followup"
	DefaultDispatchWorkers   = 4
	DefaultDispatchQueueSize = 256
)

// Config is the top-level Lead Desk configuration, loaded from leaddesk.yaml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Lease     LeaseConfig     `yaml:"lease"`
	Agent     AgentConfig     `yaml:"agent"`
	Reasoning ReasoningConfig `yaml:"reasoning"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	FollowUp  FollowUpConfig  `yaml:"followup"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// DatabaseConfig holds connection settings for the conversation store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" (default) or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite file path
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Port           int    `yaml:"port"`
	PublicURL      string `yaml:"public_url"`
	InternalSecret string `yaml:"internal_secret"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

// LeaseConfig controls the per-conversation processing lease.
type LeaseConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`
}

// AgentConfig controls how the router builds agent context.
type AgentConfig struct {
	HistoryWindow int `yaml:"history_window"`
}

// ReasoningConfig selects and tunes the reasoning backend.
type ReasoningConfig struct {
	Provider  string        `yaml:"provider"` // "openai" or "anthropic"
	Model     string        `yaml:"model"`
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// DeliveryConfig holds SMS provider credentials.
type DeliveryConfig struct {
	AccountSID string        `yaml:"account_sid"`
	AuthToken  string        `yaml:"auth_token"`
	FromNumber string        `yaml:"from_number"`
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DispatchConfig sizes the asynchronous dispatch worker pool.
type DispatchConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// FollowUpConfig controls the scheduled batch follow-up runner.
type FollowUpConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Schedule     string        `yaml:"schedule"`
	Timezone     string        `yaml:"timezone"`
	ActorID      string        `yaml:"actor_id"`
	DedupWindow  time.Duration `yaml:"dedup_window"`
	OfferRecency time.Duration `yaml:"offer_recency"`
	SendInterval time.Duration `yaml:"send_interval"`
	BatchLimit   int           `yaml:"batch_limit"`
}

// NotifyConfig configures observer channels.
type NotifyConfig struct {
	Redis   RedisConfig `yaml:"redis"`
	Slack   ChatConfig  `yaml:"slack"`
	Discord ChatConfig  `yaml:"discord"`
}

// RedisConfig configures the cross-replica event channel.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// ChatConfig configures an operator alert channel.
type ChatConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references and unmarshals YAML bytes into a
// validated Config.
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

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "leaddesk"
		}
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "leaddesk.db"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Lease.StaleAfter <= 0 {
		c.Lease.StaleAfter = DefaultLeaseStaleAfter
	}
	if c.Agent.HistoryWindow <= 0 {
		c.Agent.HistoryWindow = DefaultHistoryWindow
	}
	if c.Reasoning.Provider == "" {
		c.Reasoning.Provider = "openai"
	}
	if c.Reasoning.Model == "" {
		switch c.Reasoning.Provider {
		case "anthropic":
			c.Reasoning.Model = "claude-sonnet-4-5"
		default:
			c.Reasoning.Model = "gpt-4o"
		}
	}
	if c.Reasoning.MaxTokens == 0 {
		c.Reasoning.MaxTokens = 1024
	}
	if c.Reasoning.Timeout <= 0 {
		c.Reasoning.Timeout = DefaultReasoningTimeout
	}
	if c.Delivery.Timeout <= 0 {
		c.Delivery.Timeout = DefaultDeliveryTimeout
	}
	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = DefaultDispatchWorkers
	}
	if c.Dispatch.QueueSize <= 0 {
		c.Dispatch.QueueSize = DefaultDispatchQueueSize
	}
	if c.FollowUp.Schedule == "" {
		c.FollowUp.Schedule = DefaultFollowUpSchedule
	}
	if c.FollowUp.Timezone == "" {
		c.FollowUp.Timezone = DefaultFollowUpTimezone
	}
	if c.FollowUp.ActorID == "" {
		c.FollowUp.ActorID = DefaultFollowUpActorID
	}
	if c.FollowUp.DedupWindow <= 0 {
		c.FollowUp.DedupWindow = DefaultFollowUpDedup
	}
	if c.FollowUp.OfferRecency <= 0 {
		c.FollowUp.OfferRecency = DefaultFollowUpRecency
	}
	if c.FollowUp.SendInterval <= 0 {
		c.FollowUp.SendInterval = DefaultFollowUpInterval
	}
	if c.Notify.Redis.Addr != "" && c.Notify.Redis.Channel == "" {
		c.Notify.Redis.Channel = "leaddesk:events"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (mysql, sqlite)", c.Database.Driver))
	}
	switch c.Reasoning.Provider {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Sprintf("reasoning.provider %q is not supported (openai, anthropic)", c.Reasoning.Provider))
	}
	if c.Reasoning.APIKey == "" {
		errs = append(errs, "reasoning.api_key is required")
	}
	if c.Delivery.AccountSID == "" {
		errs = append(errs, "delivery.account_sid is required")
	}
	if c.Delivery.AuthToken == "" {
		errs = append(errs, "delivery.auth_token is required")
	}
	if c.Delivery.FromNumber == "" {
		errs = append(errs, "delivery.from_number is required")
	}
	if c.Server.InternalSecret == "" {
		errs = append(errs, "server.internal_secret is required")
	}
	if _, err := cron.ParseStandard(c.FollowUp.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("followup.schedule %q: %v", c.FollowUp.Schedule, err))
	}
	if _, err := time.LoadLocation(c.FollowUp.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("followup.timezone %q: %v", c.FollowUp.Timezone, err))
	}
	if (c.Notify.Slack.BotToken == "") != (c.Notify.Slack.ChannelID == "") {
		errs = append(errs, "notify.slack requires both bot_token and channel_id")
	}
	if (c.Notify.Discord.BotToken == "") != (c.Notify.Discord.ChannelID == "") {
		errs = append(errs, "notify.discord requires both bot_token and channel_id")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
