package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/warband/pkg/agent"
	"github.com/harun/warband/pkg/channels"
	"github.com/harun/warband/pkg/linking"
	"github.com/harun/warband/pkg/store"
)

type dispatchCall struct {
	systemPrompt string
	history      []agent.Message
	opts         agent.DispatchOptions
}

type fakeDispatcher struct {
	mu     sync.Mutex
	calls  []dispatchCall
	result agent.DispatchResult
	delay  time.Duration
}

func (f *fakeDispatcher) Dispatch(_ context.Context, systemPrompt string, history []agent.Message, opts agent.DispatchOptions) agent.DispatchResult {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dispatchCall{systemPrompt: systemPrompt, history: history, opts: opts})
	return f.result
}

type harness struct {
	pipeline   *Pipeline
	store      store.Store
	channel    *channels.DirectChannel
	dispatcher *fakeDispatcher
	linker     *linking.Service
	now        time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

// newHarnessWith lets a test swap pipeline dependencies before New.
func newHarnessWith(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	reg := channels.NewRegistry(nil, channels.RegistryOptions{})
	ch := channels.NewDirectChannel("telegram", 4096)
	require.NoError(t, reg.Register(ch))

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	linker := linking.NewService(st, linking.Options{Now: func() time.Time { return now }, Logger: zerolog.Nop()})
	d := &fakeDispatcher{result: agent.DispatchResult{Content: "hi there", Tier: agent.TierFast, Model: "m-fast"}}

	cfg := Config{
		Store:      st,
		Dispatcher: d,
		Outbox:     reg,
		Linker:     linker,
		Now:        func() time.Time { return now },
		Logger:     zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := New(cfg)
	require.NoError(t, err)
	return &harness{pipeline: p, store: st, channel: ch, dispatcher: d, linker: linker, now: now}
}

func (h *harness) seed(t *testing.T, plan store.Plan, withPersona bool) *store.User {
	t.Helper()
	ctx := context.Background()
	u := &store.User{DisplayName: "Ada", Plan: plan, Primary: store.ChannelBinding{Channel: "telegram", Identity: "100"}}
	require.NoError(t, h.store.CreateUser(ctx, u))
	if withPersona {
		require.NoError(t, h.store.CreatePersona(ctx, &store.Persona{
			UserID: u.ID, Name: "Valka", SystemPrompt: "You are Valka.", Active: true,
		}))
	}
	return u
}

func inbound(text string) channels.InboundMessage {
	return channels.InboundMessage{Channel: "telegram", Identity: "100", Text: text, SenderName: "Ada"}
}

func TestHandle_EmptyMessageDropped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.pipeline.Handle(context.Background(), inbound("   ")))
	assert.Empty(t, h.channel.Sent())
	assert.Empty(t, h.dispatcher.calls)
}

func TestHandle_Hints(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown identity gets onboarding hint", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.pipeline.Handle(ctx, inbound("hello")))
		sent := h.channel.Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, DefaultHints().Onboarding, sent[0].Text)
		assert.Empty(t, h.dispatcher.calls)
	})

	t.Run("expired plan gets upgrade hint", func(t *testing.T) {
		h := newHarness(t)
		past := h.now.Add(-time.Hour)
		expired := &store.User{Plan: store.PlanPro, PlanExpiresAt: &past,
			Primary: store.ChannelBinding{Channel: "telegram", Identity: "200"}}
		require.NoError(t, h.store.CreateUser(ctx, expired))

		msg := inbound("hello")
		msg.Identity = "200"
		require.NoError(t, h.pipeline.Handle(ctx, msg))
		sent := h.channel.Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, DefaultHints().Upgrade, sent[0].Text)
		assert.Empty(t, h.dispatcher.calls)
	})

	t.Run("no persona gets deploy hint", func(t *testing.T) {
		h := newHarness(t)
		h.seed(t, store.PlanPro, false)
		require.NoError(t, h.pipeline.Handle(ctx, inbound("hello")))
		sent := h.channel.Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, DefaultHints().Deploy, sent[0].Text)
	})
}

func TestHandle_Reply(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u := h.seed(t, store.PlanPro, true)

	require.NoError(t, h.pipeline.Handle(ctx, inbound("first message")))
	require.NoError(t, h.pipeline.Handle(ctx, inbound("second message")))

	sent := h.channel.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "hi there", sent[1].Text)
	assert.Equal(t, "100", sent[1].Identity)
	assert.GreaterOrEqual(t, h.channel.TypingCount(), 2)

	require.Len(t, h.dispatcher.calls, 2)
	call := h.dispatcher.calls[1]
	assert.Equal(t, "You are Valka.", call.systemPrompt)
	assert.Equal(t, u.ID, call.opts.CallerID)
	assert.Equal(t, "second message", call.opts.UserMessage)
	assert.False(t, call.opts.EnableTools)
	assert.Equal(t, agent.TierNone, call.opts.ForceTier)

	// first user turn, first reply, then the current message exactly once
	require.Len(t, call.history, 3)
	assert.Equal(t, agent.Message{Role: agent.RoleUser, Content: "first message"}, call.history[0])
	assert.Equal(t, agent.Message{Role: agent.RoleAssistant, Content: "hi there"}, call.history[1])
	assert.Equal(t, agent.Message{Role: agent.RoleUser, Content: "second message"}, call.history[2])

	persona, err := h.store.ActivePersona(ctx, u.ID)
	require.NoError(t, err)
	turns, err := h.store.RecentTurns(ctx, u.ID, persona.ID, 20)
	require.NoError(t, err)
	require.Len(t, turns, 4)
	assert.Equal(t, store.Outbound, turns[3].Direction)
}

func TestHandle_EliteEnablesTools(t *testing.T) {
	h := newHarness(t)
	h.seed(t, store.PlanElite, true)
	require.NoError(t, h.pipeline.Handle(context.Background(), inbound("what's new?")))
	require.Len(t, h.dispatcher.calls, 1)
	assert.True(t, h.dispatcher.calls[0].opts.EnableTools)
}

func TestHandle_ApologyIsSentAndPersisted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	u := h.seed(t, store.PlanPro, true)
	h.dispatcher.result = agent.DispatchResult{ErrorKind: agent.ErrRateLimited, Attempts: 3}

	require.NoError(t, h.pipeline.Handle(ctx, inbound("hello")))

	sent := h.channel.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, Apology(agent.ErrRateLimited), sent[0].Text)

	persona, err := h.store.ActivePersona(ctx, u.ID)
	require.NoError(t, err)
	turns, err := h.store.RecentTurns(ctx, u.ID, persona.ID, 20)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, Apology(agent.ErrRateLimited), turns[1].Content)
}

func TestHandle_LinkCommands(t *testing.T) {
	ctx := context.Background()

	for _, form := range []string{"/start %s", "/link %s", "%s"} {
		t.Run(form, func(t *testing.T) {
			h := newHarness(t)
			u := h.seed(t, store.PlanPro, true)
			code, _, err := h.linker.Issue(ctx, u.ID, store.SlotSecondary)
			require.NoError(t, err)

			text := code
			switch form {
			case "/start %s":
				text = "/start " + code
			case "/link %s":
				text = "/link " + code
			}
			msg := channels.InboundMessage{Channel: "telegram", Identity: "555", Text: text}
			require.NoError(t, h.pipeline.Handle(ctx, msg))

			sent := h.channel.Sent()
			require.Len(t, sent, 1)
			assert.Equal(t, DefaultHints().Linked, sent[0].Text)

			got, err := h.store.FindUserByChannel(ctx, "telegram", "555")
			require.NoError(t, err)
			assert.Equal(t, u.ID, got.ID)
			assert.Empty(t, h.dispatcher.calls)
		})
	}

	t.Run("bad code", func(t *testing.T) {
		h := newHarness(t)
		msg := channels.InboundMessage{Channel: "telegram", Identity: "555", Text: "/link NOPE2345"}
		require.NoError(t, h.pipeline.Handle(ctx, msg))
		sent := h.channel.Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, DefaultHints().LinkFailed, sent[0].Text)
	})

	t.Run("code-shaped word with nothing pending is ordinary text", func(t *testing.T) {
		h := newHarness(t)
		msg := channels.InboundMessage{Channel: "telegram", Identity: "555", Text: "HAPPYDAY"}
		require.NoError(t, h.pipeline.Handle(ctx, msg))
		sent := h.channel.Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, DefaultHints().Onboarding, sent[0].Text)
	})
}

func TestApology_CoversEveryKind(t *testing.T) {
	seen := map[string]bool{}
	for _, kind := range agent.AllErrorKinds {
		text := Apology(kind)
		assert.NotEmpty(t, text, kind)
		seen[text] = true
	}
	assert.Len(t, seen, len(agent.AllErrorKinds))
	assert.Equal(t, Apology(agent.ErrUnknown), Apology(agent.ErrorKind("bogus")))
}

func TestParseLinkCommand(t *testing.T) {
	code, bare, ok := parseLinkCommand("/start abcd2345")
	assert.True(t, ok)
	assert.False(t, bare)
	assert.Equal(t, "ABCD2345", code)

	code, bare, ok = parseLinkCommand(" happyday ")
	assert.True(t, ok)
	assert.True(t, bare)
	assert.Equal(t, "HAPPYDAY", code)

	_, _, ok = parseLinkCommand("/start")
	assert.False(t, ok)
	_, _, ok = parseLinkCommand("hello world")
	assert.False(t, ok)
	_, _, ok = parseLinkCommand("hello")
	assert.False(t, ok)
}

type countingTyper struct{ n atomic.Int32 }

func (c *countingTyper) Typing(context.Context, string) error {
	c.n.Add(1)
	return nil
}

func TestTypingIndicator(t *testing.T) {
	t.Run("re-issues until stopped", func(t *testing.T) {
		typer := &countingTyper{}
		ti := StartTyping(context.Background(), typer, "1", 5*time.Millisecond, zerolog.Nop())
		require.Eventually(t, func() bool { return typer.n.Load() >= 3 }, time.Second, time.Millisecond)
		ti.Stop()

		after := typer.n.Load()
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, after, typer.n.Load())
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		ti := StartTyping(context.Background(), &countingTyper{}, "1", time.Hour, zerolog.Nop())
		ti.Stop()
		ti.Stop()
	})

	t.Run("parent cancellation ends the loop", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		ti := StartTyping(ctx, &countingTyper{}, "1", time.Hour, zerolog.Nop())
		cancel()
		ti.Stop()
	})
}

type failingOutbox struct {
	Outbox
	err error
}

func (f failingOutbox) Send(context.Context, string, string, string) error { return f.err }

type failingTurnStore struct {
	store.Store
	err error
}

func (f failingTurnStore) AppendTurn(context.Context, *store.Turn) error { return f.err }

func TestHandle_TypingStopsOnError(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "send fails",
			mutate: func(c *Config) { c.Outbox = failingOutbox{Outbox: c.Outbox, err: errors.New("channel down")} },
			want:   "channel down",
		},
		{
			name:   "history write fails",
			mutate: func(c *Config) { c.Store = failingTurnStore{Store: c.Store, err: errors.New("disk full")} },
			want:   "disk full",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarnessWith(t, func(c *Config) {
				c.TypingInterval = 5 * time.Millisecond
				tt.mutate(c)
			})
			h.dispatcher.delay = 30 * time.Millisecond
			h.seed(t, store.PlanPro, true)

			err := h.pipeline.Handle(ctx, inbound("hello"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)

			shown := h.channel.TypingCount()
			assert.Positive(t, shown)
			time.Sleep(40 * time.Millisecond)
			assert.Equal(t, shown, h.channel.TypingCount(), "typing must not continue after Handle returns")
		})
	}
}
