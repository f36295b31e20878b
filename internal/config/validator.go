package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

var telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateTelegramToken validates a Telegram bot token
func (v *Validator) ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token cannot be empty")
	}

	// <bot_id>:<secret>, e.g. 123456789:ABCdefGHIjklMNOpqrsTUVwxyz
	if !telegramTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}

	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateListenAddr validates a host:port listen address
func (v *Validator) ValidateListenAddr(addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation and returns every
// problem found. Unlike Config.Validate it also reports soft issues such as
// unusual key formats, which callers may treat as warnings.
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if cfg.AI.APIKey != "" && cfg.AI.BaseURL == "" {
		if err := v.ValidateAPIKey(cfg.AI.APIKey, cfg.AI.Provider); err != nil {
			errors = append(errors, fmt.Errorf("ai: %w", err))
		}
	}
	if cfg.AI.APIKey == "" && !cfg.AI.BYOK {
		errors = append(errors, fmt.Errorf("ai: no platform api_key and byok disabled; every dispatch will be not_configured"))
	}

	for _, tier := range []struct {
		name        string
		temperature float64
		maxTokens   int
	}{
		{"fast", cfg.Tiers.Fast.Temperature, cfg.Tiers.Fast.MaxTokens},
		{"balanced", cfg.Tiers.Balanced.Temperature, cfg.Tiers.Balanced.MaxTokens},
		{"deep", cfg.Tiers.Deep.Temperature, cfg.Tiers.Deep.MaxTokens},
	} {
		if err := v.ValidateTemperature(tier.temperature); err != nil {
			errors = append(errors, fmt.Errorf("tiers.%s: %w", tier.name, err))
		}
		if err := v.ValidateMaxTokens(tier.maxTokens); err != nil {
			errors = append(errors, fmt.Errorf("tiers.%s: %w", tier.name, err))
		}
	}

	if cfg.Telegram.Enabled {
		if err := v.ValidateTelegramToken(cfg.Telegram.BotToken); err != nil {
			errors = append(errors, err)
		}
	}
	if cfg.Telegram.PollTimeout < 0 {
		errors = append(errors, fmt.Errorf("telegram poll_timeout must be >= 0"))
	}

	if cfg.Admin.Enabled {
		if err := v.ValidateListenAddr(cfg.Admin.Listen); err != nil {
			errors = append(errors, fmt.Errorf("admin: %w", err))
		}
		if cfg.Admin.SharedSecret == "" {
			errors = append(errors, fmt.Errorf("admin: shared_secret is empty; admin routes are unauthenticated"))
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
