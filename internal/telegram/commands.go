package telegram

import (
	"fmt"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// Commands answers bot-local commands without going through the pipeline.
// Unregistered commands (including /start and /link, which carry connection
// codes) fall through to the pipeline.
type Commands struct {
	bot      *Bot
	logger   zerolog.Logger
	handlers map[string]command
}

// CommandFunc returns the reply for a command.
type CommandFunc func(CommandContext) string

type command struct {
	description string
	fn          CommandFunc
}

// CommandContext contains command metadata
type CommandContext struct {
	ChatID    int64
	MessageID int
	UserID    int64
	Username  string
	Command   string
	Args      []string
}

// NewCommands creates the command table with /help and /id registered.
func NewCommands(bot *Bot) *Commands {
	c := &Commands{
		bot:      bot,
		logger:   bot.logger.With().Str("module", "commands").Logger(),
		handlers: make(map[string]command),
	}
	c.Register("help", "Show what this bot can do", c.help)
	c.Register("id", "Show this chat's id", func(ctx CommandContext) string {
		return fmt.Sprintf("This chat's id is %d.", ctx.ChatID)
	})
	return c
}

// Register registers a command handler
func (c *Commands) Register(name, description string, fn CommandFunc) {
	c.handlers[strings.ToLower(name)] = command{description: description, fn: fn}
}

// Handle answers msg if it is a registered command.
func (c *Commands) Handle(msg *tgbotapi.Message) (bool, error) {
	if !msg.IsCommand() {
		return false, nil
	}
	name := strings.ToLower(msg.Command())
	cmd, ok := c.handlers[name]
	if !ok {
		return false, nil
	}

	ctx := CommandContext{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Command:   name,
		Args:      strings.Fields(msg.CommandArguments()),
	}
	if msg.From != nil {
		ctx.UserID = msg.From.ID
		ctx.Username = msg.From.UserName
	}

	c.logger.Debug().
		Int64("chat_id", ctx.ChatID).
		Str("command", name).
		Msg("Command received")

	return true, c.bot.reply(ctx.ChatID, ctx.MessageID, cmd.fn(ctx))
}

// Publish sets the bot's command menu in Telegram.
func (c *Commands) Publish() error {
	list := []tgbotapi.BotCommand{
		{Command: "start", Description: "Connect this chat with a code from the dashboard"},
	}
	for _, name := range c.Names() {
		list = append(list, tgbotapi.BotCommand{Command: name, Description: c.handlers[name].description})
	}
	if _, err := c.bot.api.Request(tgbotapi.NewSetMyCommands(list...)); err != nil {
		return fmt.Errorf("failed to set commands: %w", err)
	}
	return nil
}

// Names returns registered commands in order.
func (c *Commands) Names() []string {
	names := make([]string, 0, len(c.handlers))
	for name := range c.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Commands) help(CommandContext) string {
	var b strings.Builder
	b.WriteString("Talk to your warrior by sending any message.\n")
	b.WriteString("/start CODE links this chat to your account.\n")
	for _, name := range c.Names() {
		fmt.Fprintf(&b, "/%s %s\n", name, c.handlers[name].description)
	}
	return strings.TrimSpace(b.String())
}
