package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultHost             = "0.0.0.0"
	DefaultPort             = 18920
	DefaultWorkers          = 4
	DefaultQueueSize        = 256
	DefaultStageTimeout     = "4s"
	DefaultModel            = "claude-haiku-4-5-20251001"
	DefaultMaxTokens        = 256
	DefaultDecayThreshold   = "24h"
	DefaultDecayFloor       = 0.05
	DefaultMinScoreDelta    = 0.01
	DefaultSnoozeScanEvery  = "1m"
	DefaultDecayScanEvery   = "1h"
	DefaultPollEvery        = "2m"
	DefaultFeedLimit        = 50
	DefaultMaxFeedLimit     = 100
	DefaultSendMaxAttempts  = 3
	DefaultFetchMaxAttempts = 4
)

// DefaultUrgencyKeywords seed the urgency signal; overridable per config.
var DefaultUrgencyKeywords = []string{
	"asap", "urgent", "deadline", "today", "help", "call me",
	"immediately", "critical", "emergency", "important", "breaking",
	"time-sensitive", "overdue", "expires", "final notice",
}

type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Store     StoreConfig     `json:"store"`
	Provider  ProviderConfig  `json:"provider"`
	Enrich    EnrichConfig    `json:"enrich"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Scoring   ScoringConfig   `json:"scoring"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Adapters  AdaptersConfig  `json:"adapters"`
	Accounts  []AccountConfig `json:"accounts"`
}

type GatewayConfig struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	AuthToken string `json:"authToken,omitempty"`
}

type StoreConfig struct {
	// DSN selects the backend by scheme: "sqlite:///path/to.db" or
	// "postgres://...". Empty means sqlite under the config dir.
	DSN string `json:"dsn,omitempty"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type EnrichConfig struct {
	Model        string `json:"model"`
	MaxTokens    int    `json:"maxTokens"`
	StageTimeout string `json:"stageTimeout"`
}

type PipelineConfig struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queueSize"`
}

type ScoringConfig struct {
	UrgencyKeywords []string `json:"urgencyKeywords,omitempty"`
	DecayThreshold  string   `json:"decayThreshold"`
	DecayFloor      float64  `json:"decayFloor"`
	MinScoreDelta   float64  `json:"minScoreDelta"`
}

type SchedulerConfig struct {
	SnoozeScanEvery string `json:"snoozeScanEvery"`
	DecayScanEvery  string `json:"decayScanEvery"`
	PollEvery       string `json:"pollEvery"`
}

type AdaptersConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled       bool   `json:"enabled"`
	Token         string `json:"token"`
	WebhookSecret string `json:"webhookSecret,omitempty"`
	Proxy         string `json:"proxy,omitempty"`
}

// AccountConfig binds a user to a platform for polling. Credentials are the
// platform access tokens; OAuth refresh is a collaborator concern.
type AccountConfig struct {
	UserID       string `json:"userId"`
	Platform     string `json:"platform"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	Disabled     bool   `json:"disabled,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Provider: ProviderConfig{},
		Enrich: EnrichConfig{
			Model:        DefaultModel,
			MaxTokens:    DefaultMaxTokens,
			StageTimeout: DefaultStageTimeout,
		},
		Pipeline: PipelineConfig{
			Workers:   DefaultWorkers,
			QueueSize: DefaultQueueSize,
		},
		Scoring: ScoringConfig{
			DecayThreshold: DefaultDecayThreshold,
			DecayFloor:     DefaultDecayFloor,
			MinScoreDelta:  DefaultMinScoreDelta,
		},
		Scheduler: SchedulerConfig{
			SnoozeScanEvery: DefaultSnoozeScanEvery,
			DecayScanEvery:  DefaultDecayScanEvery,
			PollEvery:       DefaultPollEvery,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".pulsefeed")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	return LoadConfigFrom(ConfigPath())
}

func LoadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if key := os.Getenv("PULSEFEED_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	} else if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if dsn := os.Getenv("PULSEFEED_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Gateway.Host == "" {
		c.Gateway.Host = DefaultHost
	}
	if c.Gateway.Port == 0 {
		c.Gateway.Port = DefaultPort
	}
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = DefaultWorkers
	}
	if c.Pipeline.QueueSize <= 0 {
		c.Pipeline.QueueSize = DefaultQueueSize
	}
	if c.Enrich.Model == "" {
		c.Enrich.Model = DefaultModel
	}
	if c.Enrich.MaxTokens <= 0 {
		c.Enrich.MaxTokens = DefaultMaxTokens
	}
	if c.Enrich.StageTimeout == "" {
		c.Enrich.StageTimeout = DefaultStageTimeout
	}
	if c.Scoring.DecayThreshold == "" {
		c.Scoring.DecayThreshold = DefaultDecayThreshold
	}
	if c.Scoring.DecayFloor <= 0 {
		c.Scoring.DecayFloor = DefaultDecayFloor
	}
	if c.Scoring.MinScoreDelta <= 0 {
		c.Scoring.MinScoreDelta = DefaultMinScoreDelta
	}
	if len(c.Scoring.UrgencyKeywords) == 0 {
		c.Scoring.UrgencyKeywords = append([]string(nil), DefaultUrgencyKeywords...)
	}
	if c.Scheduler.SnoozeScanEvery == "" {
		c.Scheduler.SnoozeScanEvery = DefaultSnoozeScanEvery
	}
	if c.Scheduler.DecayScanEvery == "" {
		c.Scheduler.DecayScanEvery = DefaultDecayScanEvery
	}
	if c.Scheduler.PollEvery == "" {
		c.Scheduler.PollEvery = DefaultPollEvery
	}
}

// StageTimeoutDuration parses the per-stage timeout budget; invalid values
// fall back to the default.
func (c *Config) StageTimeoutDuration() time.Duration {
	if d, err := time.ParseDuration(c.Enrich.StageTimeout); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(DefaultStageTimeout)
	return d
}

// DecayThresholdDuration parses the age past which unread messages decay.
func (c *Config) DecayThresholdDuration() time.Duration {
	if d, err := time.ParseDuration(c.Scoring.DecayThreshold); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(DefaultDecayThreshold)
	return d
}

// StoreDSN returns the configured DSN, defaulting to a sqlite file under the
// config dir.
func (c *Config) StoreDSN() string {
	if c.Store.DSN != "" {
		return c.Store.DSN
	}
	return "sqlite://" + filepath.Join(ConfigDir(), "data", "feed.db")
}

func SaveConfig(cfg *Config) error {
	return SaveConfigTo(cfg, ConfigPath())
}

func SaveConfigTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
