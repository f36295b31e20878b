// Package telegram is the Telegram Bot API transport: long-poll ingress into
// the message pipeline and text/typing egress.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/harun/warband/internal/config"
	"github.com/harun/warband/pkg/channels"
)

const (
	// ChannelName is the name the bot registers under.
	ChannelName = "telegram"
	// MaxMessageLength is Telegram's text limit.
	MaxMessageLength = 4096

	defaultPollTimeout = 60
	maxInFlight        = 8
)

// BotAPI is the subset of *tgbotapi.BotAPI the transport uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot is a channels.Channel backed by the Telegram Bot API.
type Bot struct {
	api      BotAPI
	username string
	config   *config.TelegramConfig
	logger   zerolog.Logger
	commands *Commands

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New authenticates against the Bot API with the configured token.
func New(cfg *config.TelegramConfig, logger zerolog.Logger) (*Bot, error) {
	if cfg == nil {
		return nil, fmt.Errorf("telegram config is required")
	}
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot := NewWithAPI(api, api.Self.UserName, cfg, logger)
	bot.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")
	return bot, nil
}

// NewWithAPI builds a bot over an existing API client.
func NewWithAPI(api BotAPI, username string, cfg *config.TelegramConfig, logger zerolog.Logger) *Bot {
	if cfg == nil {
		cfg = &config.TelegramConfig{}
	}
	b := &Bot{
		api:      api,
		username: username,
		config:   cfg,
		logger:   logger.With().Str("component", "telegram").Logger(),
	}
	b.commands = NewCommands(b)
	return b
}

// Name returns the channel name.
func (b *Bot) Name() string { return ChannelName }

// MaxMessageLength returns Telegram's text limit.
func (b *Bot) MaxMessageLength() int { return MaxMessageLength }

// Commands returns the local command table.
func (b *Bot) Commands() *Commands { return b.commands }

// Send delivers text to the chat whose id is identity.
func (b *Bot) Send(_ context.Context, identity, text string) error {
	chatID, err := parseChatID(identity)
	if err != nil {
		return err
	}
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	b.logger.Debug().Int64("chat_id", chatID).Msg("Message sent")
	return nil
}

// Typing shows the typing action, which Telegram clears after ~5 seconds.
func (b *Bot) Typing(_ context.Context, identity string) error {
	chatID, err := parseChatID(identity)
	if err != nil {
		return err
	}
	// Request, not Send: sendChatAction returns a bool, not a Message.
	if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("failed to send typing action: %w", err)
	}
	return nil
}

func (b *Bot) reply(chatID int64, replyTo int, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// Start begins long polling. Updates are handled concurrently, at most
// maxInFlight at a time.
func (b *Bot) Start(ctx context.Context, dispatch channels.DispatchFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return fmt.Errorf("bot is already running")
	}
	if dispatch == nil {
		return fmt.Errorf("dispatch is required")
	}

	if err := b.commands.Publish(); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to publish bot commands")
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.config.PollTimeout
	if u.Timeout <= 0 {
		u.Timeout = defaultPollTimeout
	}
	updates := b.api.GetUpdatesChan(u)

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true

	go b.processUpdates(ctx, updates, dispatch, b.done)

	b.logger.Info().Msg("Telegram bot started")
	return nil
}

// Stop stops polling and waits for in-flight updates.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	b.api.StopReceivingUpdates()
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.logger.Info().Msg("Telegram bot stopped")
	return nil
}

// IsRunning returns whether the bot is polling.
func (b *Bot) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Bot) processUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel, dispatch channels.DispatchFunc, done chan struct{}) {
	defer close(done)

	var g errgroup.Group
	g.SetLimit(maxInFlight)
	defer g.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			g.Go(func() error {
				if err := b.handleUpdate(ctx, update, dispatch); err != nil {
					b.logger.Error().
						Err(err).
						Int("update_id", update.UpdateID).
						Msg("Failed to handle update")
				}
				return nil
			})
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update, dispatch channels.DispatchFunc) error {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return nil
	}

	if handled, err := b.commands.Handle(msg); handled {
		return err
	}

	inbound, ok := toInbound(msg, b.username)
	if !ok {
		return nil
	}
	return dispatch(ctx, inbound)
}

func parseChatID(identity string) (int64, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(identity), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid telegram chat id %q", identity)
	}
	return chatID, nil
}
