package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/warband/internal/config"
	"github.com/harun/warband/internal/logger"
	"github.com/harun/warband/pkg/agent"
	"github.com/harun/warband/pkg/channels"
	"github.com/harun/warband/pkg/store"
)

type stubProvider struct {
	mu    sync.Mutex
	calls int
	reply string
}

func (p *stubProvider) Call(_ context.Context, _ agent.LLMRequest) (*agent.LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return &agent.LLMResponse{Content: p.reply}, nil
}

func (p *stubProvider) Provider() string { return "stub" }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Store.Path = filepath.Join(dir, "warband.db")
	cfg.Admin.Listen = "127.0.0.1:0"
	cfg.Admin.SharedSecret = "test-secret-0123"
	return cfg
}

// createTestDaemon creates a daemon with no external channels and a stub model
func createTestDaemon(t *testing.T) (*Daemon, *stubProvider) {
	t.Helper()
	provider := &stubProvider{reply: "hello from the stub"}
	d, err := NewWithDeps(testConfig(t), zerolog.Nop(), Deps{Platform: provider})
	require.NoError(t, err)
	return d, provider
}

func TestNew(t *testing.T) {
	t.Run("from logger", func(t *testing.T) {
		log, err := logger.New(logger.Config{Level: "info", Console: false})
		require.NoError(t, err)
		defer log.Close()

		d, err := New(testConfig(t), log)
		require.NoError(t, err)
		defer d.closeResources()

		assert.NotNil(t, d.Store())
		assert.NotNil(t, d.Router())
		assert.NotNil(t, d.Pipeline())
		assert.NotNil(t, d.Scheduler())
		assert.NotNil(t, d.Linking())
		assert.NotNil(t, d.Admin())
		assert.NotNil(t, d.lifecycle)
		assert.Equal(t, []string{ConsoleChannel}, d.Registry().Names())
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := NewWithDeps(nil, zerolog.Nop(), Deps{})
		assert.Error(t, err)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.AI.Provider = "bogus"
		_, err := NewWithDeps(cfg, zerolog.Nop(), Deps{})
		assert.Error(t, err)
	})

	t.Run("admin disabled", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Admin.Enabled = false
		d, err := NewWithDeps(cfg, zerolog.Nop(), Deps{})
		require.NoError(t, err)
		defer d.closeResources()
		assert.Nil(t, d.Admin())
	})

	t.Run("extra channels", func(t *testing.T) {
		extra := channels.NewDirectChannel("telegram", 4096)
		d, err := NewWithDeps(testConfig(t), zerolog.Nop(), Deps{Channels: []channels.Channel{extra}})
		require.NoError(t, err)
		defer d.closeResources()
		assert.ElementsMatch(t, []string{ConsoleChannel, "telegram"}, d.Registry().Names())
	})

	t.Run("duplicate channel", func(t *testing.T) {
		dup := channels.NewDirectChannel(ConsoleChannel, 4096)
		_, err := NewWithDeps(testConfig(t), zerolog.Nop(), Deps{Channels: []channels.Channel{dup}})
		assert.Error(t, err)
	})
}

func TestDaemonStartStop(t *testing.T) {
	d, _ := createTestDaemon(t)

	require.NoError(t, d.Start())
	assert.FileExists(t, d.lifecycle.PIDFile())

	status := d.Status()
	assert.True(t, status.Running)
	assert.True(t, status.Scheduler)
	assert.Contains(t, status.Channels, ConsoleChannel)
	assert.NotEmpty(t, d.Admin().Addr())

	assert.Error(t, d.Start(), "second start must fail")

	require.NoError(t, d.Stop())
	assert.NoFileExists(t, d.lifecycle.PIDFile())
	assert.False(t, d.Status().Running)
	assert.False(t, d.Scheduler().Running())

	assert.Error(t, d.Stop(), "second stop must fail")
}

func TestDaemonRun(t *testing.T) {
	d, _ := createTestDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return d.Status().Running }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, d.Status().Running)
}

func TestDaemonStatus(t *testing.T) {
	d, _ := createTestDaemon(t)
	defer d.closeResources()

	status := d.Status()
	assert.False(t, status.Running)
	assert.Zero(t, status.Uptime)
}

func TestDaemonConsoleConversation(t *testing.T) {
	d, provider := createTestDaemon(t)
	require.NoError(t, d.Start())
	defer d.Stop()

	ctx := context.Background()
	u := &store.User{
		DisplayName: "Ada",
		Plan:        store.PlanPro,
		Primary:     store.ChannelBinding{Channel: ConsoleChannel, Identity: "local"},
	}
	require.NoError(t, d.Store().CreateUser(ctx, u))
	require.NoError(t, d.Store().CreatePersona(ctx, &store.Persona{
		UserID: u.ID, Name: "Valka", SystemPrompt: "You are Valka.", Active: true,
	}))

	msg := channels.InboundMessage{
		Channel:   ConsoleChannel,
		Identity:  "local",
		Text:      "hi",
		MessageID: "m-1",
	}
	require.NoError(t, d.Registry().Dispatch(ctx, msg))
	// a redelivery of the same transport message is dropped
	require.NoError(t, d.Registry().Dispatch(ctx, msg))

	sent := d.Console().Sent()
	require.NotEmpty(t, sent)
	assert.Equal(t, "hello from the stub", sent[len(sent)-1].Text)
	assert.Equal(t, "local", sent[len(sent)-1].Identity)
	assert.Equal(t, 1, provider.calls)
}

func TestDaemonAdminCreatesTasks(t *testing.T) {
	d, _ := createTestDaemon(t)
	defer d.closeResources()

	ctx := context.Background()
	u := &store.User{DisplayName: "Ada", Plan: store.PlanFree,
		Primary: store.ChannelBinding{Channel: ConsoleChannel, Identity: "local"}}
	require.NoError(t, d.Store().CreateUser(ctx, u))
	pe := &store.Persona{UserID: u.ID, Name: "Valka", SystemPrompt: "You are Valka.", Active: true}
	require.NoError(t, d.Store().CreatePersona(ctx, pe))

	post := func(path, body string) int {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+d.Config().Admin.SharedSecret)
		rec := httptest.NewRecorder()
		d.Admin().Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	pulseBody := `{"kind":"night","hour":22,"instruction":"Say good night."}`
	assert.Equal(t, http.StatusCreated, post("/v1/personas/"+pe.ID+"/pulses", pulseBody))
	assert.Equal(t, http.StatusConflict, post("/v1/personas/"+pe.ID+"/pulses", pulseBody))

	rhythmBody := `{"name":"standup","cron":"0 9 * * 1-5","instruction":"Ask about the plan."}`
	assert.Equal(t, http.StatusForbidden, post("/v1/personas/"+pe.ID+"/rhythms", rhythmBody), "free plan has no rhythms")

	pro := &store.User{DisplayName: "Bo", Plan: store.PlanPro}
	require.NoError(t, d.Store().CreateUser(ctx, pro))
	proPersona := &store.Persona{UserID: pro.ID, Name: "Rook", SystemPrompt: "You are Rook.", Active: true}
	require.NoError(t, d.Store().CreatePersona(ctx, proPersona))
	assert.Equal(t, http.StatusCreated, post("/v1/personas/"+proPersona.ID+"/rhythms", rhythmBody))

	n, err := d.Store().CountRhythms(ctx, proPersona.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDaemonGetters(t *testing.T) {
	d, _ := createTestDaemon(t)
	defer d.closeResources()

	assert.NotNil(t, d.Config())
	assert.Equal(t, "127.0.0.1:0", d.Config().Admin.Listen)
	assert.Equal(t, ConsoleChannel, d.Console().Name())
}
