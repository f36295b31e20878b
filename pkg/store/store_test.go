package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "warband.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUser(t *testing.T, s Store, binding ChannelBinding) (*User, *Persona) {
	t.Helper()
	ctx := context.Background()
	u := &User{DisplayName: "Ada", Timezone: "Europe/London", Plan: PlanPro, Primary: binding}
	require.NoError(t, s.CreateUser(ctx, u))
	p := &Persona{UserID: u.ID, Name: "Valka", SystemPrompt: "You are Valka.", Active: true}
	require.NoError(t, s.CreatePersona(ctx, p))
	return u, p
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	u, _ := seedUser(t, s, ChannelBinding{Channel: "telegram", Identity: "100"})
	assert.NotEmpty(t, u.ID)

	t.Run("find by primary slot", func(t *testing.T) {
		got, err := s.FindUserByChannel(ctx, "telegram", "100")
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)
		assert.Equal(t, PlanPro, got.Plan)
		assert.Equal(t, "Europe/London", got.Timezone)
	})

	t.Run("find by secondary slot", func(t *testing.T) {
		require.NoError(t, s.BindChannel(ctx, u.ID, SlotSecondary, ChannelBinding{Channel: "whatsapp", Identity: "4917000"}))
		got, err := s.FindUserByChannel(ctx, "whatsapp", "4917000")
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)
		assert.Equal(t, "whatsapp", got.Secondary.Channel)
	})

	t.Run("unknown identity", func(t *testing.T) {
		_, err := s.FindUserByChannel(ctx, "telegram", "999")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("bind unknown user", func(t *testing.T) {
		err := s.BindChannel(ctx, "nope", SlotPrimary, ChannelBinding{Channel: "telegram", Identity: "1"})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("plan expiry round-trips", func(t *testing.T) {
		exp := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		v := &User{PlanExpiresAt: &exp}
		require.NoError(t, s.CreateUser(ctx, v))
		got, err := s.GetUser(ctx, v.ID)
		require.NoError(t, err)
		require.NotNil(t, got.PlanExpiresAt)
		assert.True(t, exp.Equal(*got.PlanExpiresAt))
		assert.False(t, got.Entitled(exp.Add(time.Second)))
		assert.True(t, got.Entitled(exp.Add(-time.Second)))
	})
}

func TestPersonas_OneActive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	u, first := seedUser(t, s, ChannelBinding{Channel: "telegram", Identity: "1"})

	second := &Persona{UserID: u.ID, Name: "Brann", SystemPrompt: "You are Brann.", Active: true}
	require.NoError(t, s.CreatePersona(ctx, second))

	got, err := s.ActivePersona(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.NotEqual(t, first.ID, got.ID)

	_, err = s.ActivePersona(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	u, p := seedUser(t, s, ChannelBinding{Channel: "telegram", Identity: "1"})

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		dir := Inbound
		if i%2 == 1 {
			dir = Outbound
		}
		require.NoError(t, s.AppendTurn(ctx, &Turn{
			UserID: u.ID, PersonaID: p.ID, Direction: dir, Channel: "telegram",
			Content: strings.Repeat("x", i+1), CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	turns, err := s.RecentTurns(ctx, u.ID, p.ID, 20)
	require.NoError(t, err)
	require.Len(t, turns, 20)
	assert.Len(t, turns[0].Content, 6, "oldest of the last 20")
	assert.Len(t, turns[19].Content, 25, "newest last")
	assert.True(t, turns[0].CreatedAt.Before(turns[19].CreatedAt))

	other, err := s.RecentTurns(ctx, u.ID, "another-persona", 20)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMemories(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	u, p := seedUser(t, s, ChannelBinding{Channel: "telegram", Identity: "1"})

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 12; i++ {
		require.NoError(t, s.AddMemory(ctx, &Memory{UserID: u.ID, PersonaID: p.ID, Content: string(rune('a' + i)), CreatedAt: base.Add(time.Duration(i) * time.Second)}))
	}

	mems, err := s.RecentMemories(ctx, u.ID, p.ID, 10)
	require.NoError(t, err)
	require.Len(t, mems, 10)
	assert.Equal(t, "l", mems[0].Content)
}

func TestPulses(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	u, p := seedUser(t, s, ChannelBinding{Channel: "telegram", Identity: "1"})

	morning := &Pulse{UserID: u.ID, PersonaID: p.ID, Kind: PulseMorning, Hour: 8, Instruction: "Say good morning", Enabled: true}
	require.NoError(t, s.CreatePulse(ctx, morning))
	night := &Pulse{UserID: u.ID, PersonaID: p.ID, Kind: PulseNight, Hour: 22, Instruction: "Say good night", Enabled: false}
	require.NoError(t, s.CreatePulse(ctx, night))

	t.Run("one pulse per kind per persona", func(t *testing.T) {
		dup := &Pulse{UserID: u.ID, PersonaID: p.ID, Kind: PulseMorning, Hour: 9, Instruction: "again", Enabled: true}
		assert.ErrorIs(t, s.CreatePulse(ctx, dup), ErrConflict)
	})

	t.Run("invalid pulses are rejected", func(t *testing.T) {
		assert.Error(t, s.CreatePulse(ctx, &Pulse{UserID: u.ID, PersonaID: p.ID, Kind: "brunch", Hour: 10}))
		assert.Error(t, s.CreatePulse(ctx, &Pulse{UserID: u.ID, PersonaID: p.ID, Kind: PulseMidday, Hour: 24}))
	})

	t.Run("only enabled pulses are listed, with user and persona", func(t *testing.T) {
		pulses, err := s.ListEnabledPulses(ctx, 0, 100)
		require.NoError(t, err)
		require.Len(t, pulses, 1)
		assert.Equal(t, morning.ID, pulses[0].ID)
		assert.Equal(t, "Europe/London", pulses[0].User.Timezone)
		assert.Equal(t, "You are Valka.", pulses[0].Persona.SystemPrompt)
		assert.Nil(t, pulses[0].LastFiredAt)
	})

	t.Run("listing resumes after the given id", func(t *testing.T) {
		pulses, err := s.ListEnabledPulses(ctx, morning.ID, 100)
		require.NoError(t, err)
		assert.Empty(t, pulses)
	})

	t.Run("mark fired", func(t *testing.T) {
		at := time.Date(2026, 5, 1, 7, 0, 0, 0, time.UTC)
		require.NoError(t, s.MarkPulseFired(ctx, morning.ID, at))
		got, err := s.GetPulse(ctx, morning.ID)
		require.NoError(t, err)
		require.NotNil(t, got.LastFiredAt)
		assert.True(t, at.Equal(*got.LastFiredAt))

		assert.ErrorIs(t, s.MarkPulseFired(ctx, 9999, at), ErrNotFound)
	})
}

func TestRhythms(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	u, p := seedUser(t, s, ChannelBinding{Channel: "telegram", Identity: "1"})

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := &Rhythm{UserID: u.ID, PersonaID: p.ID, Name: "standup", Cron: "0 9 * * 1-5", Timezone: "UTC", Instruction: "Ask about plans", Enabled: true, NextFireAt: &past}
	later := &Rhythm{UserID: u.ID, PersonaID: p.ID, Name: "later", Cron: "0 10 * * *", Timezone: "UTC", Instruction: "x", Enabled: true, NextFireAt: &future}
	off := &Rhythm{UserID: u.ID, PersonaID: p.ID, Name: "off", Cron: "* * * * *", Timezone: "UTC", Instruction: "x", Enabled: false, NextFireAt: &past}
	for _, r := range []*Rhythm{due, later, off} {
		require.NoError(t, s.CreateRhythm(ctx, r))
	}

	n, err := s.CountRhythms(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	t.Run("only enabled and due rhythms are listed", func(t *testing.T) {
		list, err := s.ListDueRhythms(ctx, now, 50)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, due.ID, list[0].ID)
		assert.Equal(t, "Ada", list[0].User.DisplayName)
	})

	t.Run("run bookkeeping", func(t *testing.T) {
		next := now.Add(24 * time.Hour)
		require.NoError(t, s.UpdateRhythmRun(ctx, due.ID, RhythmRun{
			LastFiredAt: &now,
			NextFireAt:  &next,
			LastResult:  strings.Repeat("é", MaxLastResult+50),
		}))

		got, err := s.GetRhythm(ctx, due.ID)
		require.NoError(t, err)
		assert.True(t, next.Equal(*got.NextFireAt))
		assert.True(t, now.Equal(*got.LastFiredAt))
		assert.Len(t, []rune(got.LastResult), MaxLastResult)

		// A failed run advances next_fire_at but keeps last_fired_at.
		next2 := next.Add(24 * time.Hour)
		require.NoError(t, s.UpdateRhythmRun(ctx, due.ID, RhythmRun{NextFireAt: &next2, LastResult: "[error: timeout]"}))
		got, err = s.GetRhythm(ctx, due.ID)
		require.NoError(t, err)
		assert.True(t, now.Equal(*got.LastFiredAt))
		assert.True(t, next2.Equal(*got.NextFireAt))
		assert.Equal(t, "[error: timeout]", got.LastResult)
	})

	t.Run("disable", func(t *testing.T) {
		require.NoError(t, s.DisableRhythm(ctx, later.ID))
		got, err := s.GetRhythm(ctx, later.ID)
		require.NoError(t, err)
		assert.False(t, got.Enabled)
	})

	t.Run("missing rhythm", func(t *testing.T) {
		_, err := s.GetRhythm(ctx, 4242)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCallerCredentials(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.CallerCredential(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutCallerCredential(ctx, "u1", "sk-one"))
	require.NoError(t, s.PutCallerCredential(ctx, "u1", "sk-two"))

	secret, ok, err := s.CallerCredential(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "sk-two", secret)
}

func TestLeases(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	ttl := 3 * time.Minute

	ok, err := s.AcquireLease(ctx, "scheduler", "a", now, ttl)
	require.NoError(t, err)
	assert.True(t, ok, "first holder takes the lease")

	ok, err = s.AcquireLease(ctx, "scheduler", "b", now.Add(time.Minute), ttl)
	require.NoError(t, err)
	assert.False(t, ok, "second holder is refused while the lease is live")

	ok, err = s.AcquireLease(ctx, "scheduler", "a", now.Add(time.Minute), ttl)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	ok, err = s.AcquireLease(ctx, "scheduler", "b", now.Add(5*time.Minute), ttl)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")

	require.NoError(t, s.ReleaseLease(ctx, "scheduler", "b"))
	ok, err = s.AcquireLease(ctx, "scheduler", "a", now.Add(5*time.Minute), ttl)
	require.NoError(t, err)
	assert.True(t, ok, "released lease is free")
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mongo"})
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	s := &sqlStore{d: postgresDialect}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", s.q("SELECT * FROM t WHERE a = ? AND b = ?"))

	s = &sqlStore{d: sqliteDialect}
	assert.Equal(t, "a = ?", s.q("a = ?"))
}
