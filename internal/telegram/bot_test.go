package telegram

import (
	"context"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/warband/internal/config"
	"github.com/harun/warband/pkg/channels"
)

func TestNew(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		bot, err := New(nil, zerolog.Nop())
		assert.Nil(t, bot)
		assert.ErrorContains(t, err, "config is required")
	})

	t.Run("empty bot token", func(t *testing.T) {
		bot, err := New(&config.TelegramConfig{}, zerolog.Nop())
		assert.Nil(t, bot)
		assert.ErrorContains(t, err, "bot token is required")
	})
}

func TestBotImplementsChannel(t *testing.T) {
	var _ channels.Channel = (*Bot)(nil)

	bot, _ := newTestBot()
	assert.Equal(t, "telegram", bot.Name())
	assert.Equal(t, 4096, bot.MaxMessageLength())
}

func TestSend(t *testing.T) {
	bot, api := newTestBot()

	require.NoError(t, bot.Send(context.Background(), "42", "hello"))
	msgs := api.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(42), msgs[0].ChatID)
	assert.Equal(t, "hello", msgs[0].Text)

	assert.ErrorContains(t, bot.Send(context.Background(), "not-a-chat", "hi"), "invalid telegram chat id")
}

func TestTyping(t *testing.T) {
	bot, api := newTestBot()

	require.NoError(t, bot.Typing(context.Background(), "-1001"))
	reqs := api.requested()
	require.Len(t, reqs, 1)
	action, ok := reqs[0].(tgbotapi.ChatActionConfig)
	require.True(t, ok, "typing goes through Request")
	assert.Equal(t, int64(-1001), action.ChatID)
	assert.Equal(t, tgbotapi.ChatTyping, action.Action)
	assert.Empty(t, api.messages())
}

func TestStartStop(t *testing.T) {
	bot, api := newTestBot()

	var mu sync.Mutex
	var got []channels.InboundMessage
	dispatch := func(_ context.Context, msg channels.InboundMessage) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
		return nil
	}

	ctx := context.Background()
	require.NoError(t, bot.Start(ctx, dispatch))
	assert.True(t, bot.IsRunning())
	assert.Error(t, bot.Start(ctx, dispatch), "already running")
	assert.Equal(t, 5, api.polled.Timeout)

	reqs := api.requested()
	require.NotEmpty(t, reqs)
	_, ok := reqs[0].(tgbotapi.SetMyCommandsConfig)
	assert.True(t, ok, "commands published on start")

	api.updates <- tgbotapi.Update{UpdateID: 1, Message: privateMessage(42, "good morning")}
	api.updates <- tgbotapi.Update{UpdateID: 2, Message: commandMessage(42, "/id", 3)}
	api.updates <- tgbotapi.Update{UpdateID: 3}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && len(api.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "good morning", got[0].Text)
	assert.Equal(t, "42", got[0].Identity)
	assert.Equal(t, "telegram", got[0].Channel)
	assert.Equal(t, "Ada Lovelace", got[0].SenderName)
	mu.Unlock()
	assert.Equal(t, "This chat's id is 42.", api.messages()[0].Text)

	require.NoError(t, bot.Stop(ctx))
	assert.False(t, bot.IsRunning())
	assert.NoError(t, bot.Stop(ctx), "stop is idempotent")
}

func TestStartRequiresDispatch(t *testing.T) {
	bot, _ := newTestBot()
	assert.Error(t, bot.Start(context.Background(), nil))
}
