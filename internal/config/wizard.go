package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading from stdin
func NewWizard() *Wizard {
	return NewWizardWithIO(os.Stdin, os.Stdout)
}

// NewWizardWithIO creates a wizard over arbitrary streams
func NewWizardWithIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard
func (w *Wizard) Run() (*Config, error) {
	w.println("=== Warband Configuration Wizard ===")
	w.println()

	cfg := DefaultConfig()
	validator := NewValidator()

	// Model provider
	w.print("Model provider (openai/anthropic) [openai]: ")
	provider, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if provider != "" {
		if provider != "openai" && provider != "anthropic" {
			return nil, fmt.Errorf("unsupported provider: %s", provider)
		}
		cfg.AI.Provider = provider
	}

	w.print("Base URL for a compatible gateway (press Enter for the vendor default): ")
	if cfg.AI.BaseURL, err = w.readLine(); err != nil {
		return nil, err
	}

	for {
		w.print("Platform API key (press Enter to rely on per-user keys only): ")
		key, err := w.readLine()
		if err != nil {
			return nil, err
		}
		if key == "" {
			break
		}
		if cfg.AI.BaseURL == "" {
			if err := validator.ValidateAPIKey(key, cfg.AI.Provider); err != nil {
				w.printf("Error: %v\n", err)
				continue
			}
		}
		cfg.AI.APIKey = key
		break
	}

	w.println()
	w.println("Telegram:")
	w.print("Enable Telegram? (y/n) [y]: ")
	enable, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if enable == "" || strings.ToLower(enable) == "y" {
		cfg.Telegram.Enabled = true
		for {
			w.print("Telegram Bot Token: ")
			token, err := w.readLine()
			if err != nil {
				return nil, err
			}
			if token == "" {
				w.println("Error: Bot token is required when Telegram is enabled")
				continue
			}
			if err := validator.ValidateTelegramToken(token); err != nil {
				w.printf("Error: %v\n", err)
				continue
			}
			cfg.Telegram.BotToken = token
			break
		}
	}

	w.println()
	w.print("Enable WhatsApp (QR login on first start)? (y/n) [n]: ")
	enable, err = w.readLine()
	if err != nil {
		return nil, err
	}
	cfg.WhatsApp.Enabled = strings.ToLower(enable) == "y"

	w.println()
	w.print("Storage driver (sqlite/postgres) [sqlite]: ")
	driver, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if driver == "postgres" {
		cfg.Store.Driver = "postgres"
		w.print("Postgres URL: ")
		if cfg.Store.URL, err = w.readLine(); err != nil {
			return nil, err
		}
	}

	secret, err := gonanoid.New(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate admin secret: %w", err)
	}
	cfg.Admin.SharedSecret = secret

	w.println()
	w.print("Log level (debug/info/warn/error) [info]: ")
	level, err := w.readLine()
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			w.printf("Warning: %v, using default (info)\n", err)
		} else {
			cfg.Logging.Level = level
		}
	}

	w.println()
	w.printf("Admin shared secret: %s\n", secret)
	w.println("Configuration complete!")

	return cfg, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (w *Wizard) print(s string) {
	fmt.Fprint(w.out, s)
}

func (w *Wizard) println(a ...any) {
	fmt.Fprintln(w.out, a...)
}

func (w *Wizard) printf(format string, a ...any) {
	fmt.Fprintf(w.out, format, a...)
}
