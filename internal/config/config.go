package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/warband/pkg/agent"
	"github.com/harun/warband/pkg/pipeline"
	"github.com/harun/warband/pkg/scheduler"
	"github.com/harun/warband/pkg/store"
)

// Config represents the main Warband configuration
type Config struct {
	// Model backend and tiers
	AI       AIConfig       `json:"ai" mapstructure:"ai"`
	Tiers    agent.Tiers    `json:"tiers" mapstructure:"tiers"`
	Fallback FallbackConfig `json:"fallback" mapstructure:"fallback"`

	// Persistence
	Store store.Config `json:"store" mapstructure:"store"`

	// Channels
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp" mapstructure:"whatsapp"`

	Scheduler scheduler.Config `json:"scheduler" mapstructure:"scheduler"`
	Pipeline  PipelineConfig   `json:"pipeline" mapstructure:"pipeline"`
	Linking   LinkingConfig    `json:"linking" mapstructure:"linking"`

	// Admin HTTP surface
	Admin AdminConfig `json:"admin" mapstructure:"admin"`

	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// AIConfig holds the platform model credential.
type AIConfig struct {
	Provider string `json:"provider" mapstructure:"provider"` // openai, anthropic
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	// BaseURL points the client at an OpenAI- or Anthropic-compatible gateway.
	BaseURL     string `json:"base_url" mapstructure:"base_url"`
	MaxAttempts int    `json:"max_attempts" mapstructure:"max_attempts"`
	// BYOK lets users' stored credentials override the platform key.
	BYOK bool `json:"byok" mapstructure:"byok"`
}

// FallbackConfig names the tier tried after each tier fails ("none" ends
// the chain).
type FallbackConfig struct {
	Fast     string `json:"fast" mapstructure:"fast"`
	Balanced string `json:"balanced" mapstructure:"balanced"`
	Deep     string `json:"deep" mapstructure:"deep"`
}

// Chain converts the configured names into a FallbackChain.
func (f FallbackConfig) Chain() (agent.FallbackChain, error) {
	chain := agent.FallbackChain{}
	for from, name := range map[agent.Tier]string{
		agent.TierFast:     f.Fast,
		agent.TierBalanced: f.Balanced,
		agent.TierDeep:     f.Deep,
	} {
		to, err := agent.ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("fallback.%s: %w", from, err)
		}
		chain[from] = to
	}
	if err := chain.Validate(); err != nil {
		return nil, err
	}
	return chain, nil
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	BotToken    string `json:"bot_token" mapstructure:"bot_token"`
	PollTimeout int    `json:"poll_timeout" mapstructure:"poll_timeout"` // seconds
}

// WhatsAppConfig holds WhatsApp (multi-device) configuration
type WhatsAppConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
	// StorePath is the device session database. Defaults to <data_dir>/whatsapp.db.
	StorePath string `json:"store_path" mapstructure:"store_path"`
}

// PipelineConfig tunes inbound message handling and outbound delivery.
type PipelineConfig struct {
	HistoryLimit   int           `json:"history_limit" mapstructure:"history_limit"`
	TypingInterval time.Duration `json:"typing_interval" mapstructure:"typing_interval"`
	SendsPerSecond float64       `json:"sends_per_second" mapstructure:"sends_per_second"`
	SendBurst      int           `json:"send_burst" mapstructure:"send_burst"`
	// DedupTTL is how long a transport message id is remembered to drop
	// redeliveries. Zero disables dedup.
	DedupTTL time.Duration  `json:"dedup_ttl" mapstructure:"dedup_ttl"`
	Hints    pipeline.Hints `json:"hints" mapstructure:"hints"`
}

// LinkingConfig holds connection code settings
type LinkingConfig struct {
	CodeTTL time.Duration `json:"code_ttl" mapstructure:"code_ttl"`
}

// AdminConfig holds the admin HTTP server configuration
type AdminConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Listen       string `json:"listen" mapstructure:"listen"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		AI: AIConfig{
			Provider:    "openai",
			MaxAttempts: agent.DefaultMaxAttempts,
			BYOK:        true,
		},
		Tiers: agent.DefaultTiers(),
		Fallback: FallbackConfig{
			Fast:     "balanced",
			Balanced: "deep",
			Deep:     "none",
		},
		Store: store.Config{
			Driver: "sqlite",
		},
		Telegram: TelegramConfig{
			PollTimeout: 60,
		},
		Scheduler: scheduler.DefaultConfig(),
		Pipeline: PipelineConfig{
			HistoryLimit:   pipeline.DefaultHistoryLimit,
			TypingInterval: pipeline.DefaultTypingInterval,
			SendsPerSecond: 20,
			SendBurst:      5,
			DedupTTL:       10 * time.Minute,
			Hints:          pipeline.DefaultHints(),
		},
		Linking: LinkingConfig{
			CodeTTL: 10 * time.Minute,
		},
		Admin: AdminConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8088",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.AI.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("ai.provider: invalid provider %s (must be: openai, anthropic)", c.AI.Provider)
	}
	if c.AI.MaxAttempts < 0 {
		return fmt.Errorf("ai.max_attempts must be >= 0")
	}

	if err := c.Tiers.Validate(); err != nil {
		return fmt.Errorf("tiers: %w", err)
	}
	if _, err := c.Fallback.Chain(); err != nil {
		return err
	}

	switch c.Store.Driver {
	case "", "sqlite":
	case "postgres":
		if c.Store.URL == "" {
			return fmt.Errorf("store.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver: unsupported driver %s (must be: sqlite, postgres)", c.Store.Driver)
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram bot token is required when Telegram channel is enabled")
		}
		if err := NewValidator().ValidateTelegramToken(c.Telegram.BotToken); err != nil {
			return err
		}
	}

	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	if c.Pipeline.DedupTTL < 0 {
		return fmt.Errorf("pipeline.dedup_ttl must be >= 0")
	}
	if c.Pipeline.SendsPerSecond < 0 {
		return fmt.Errorf("pipeline.sends_per_second must be >= 0")
	}
	if c.Linking.CodeTTL < 0 {
		return fmt.Errorf("linking.code_ttl must be >= 0")
	}
	if c.Admin.Enabled && c.Admin.Listen == "" {
		return fmt.Errorf("admin.listen is required when the admin server is enabled")
	}

	return NewValidator().ValidateLogLevel(c.Logging.Level)
}
