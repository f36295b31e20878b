package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackChain(t *testing.T) {
	t.Run("default chain escalates and terminates", func(t *testing.T) {
		c := DefaultFallbackChain()
		require.NoError(t, c.Validate())

		next, ok := c.Next(TierFast)
		assert.True(t, ok)
		assert.Equal(t, TierBalanced, next)

		next, ok = c.Next(TierBalanced)
		assert.True(t, ok)
		assert.Equal(t, TierDeep, next)

		_, ok = c.Next(TierDeep)
		assert.False(t, ok)
	})

	t.Run("cycles are rejected", func(t *testing.T) {
		c := FallbackChain{TierFast: TierBalanced, TierBalanced: TierFast}
		assert.Error(t, c.Validate())
	})

	t.Run("self loops are rejected", func(t *testing.T) {
		c := FallbackChain{TierDeep: TierDeep}
		assert.Error(t, c.Validate())
	})

	t.Run("unknown tiers are rejected", func(t *testing.T) {
		assert.Error(t, FallbackChain{Tier(9): TierNone}.Validate())
		assert.Error(t, FallbackChain{TierFast: Tier(9)}.Validate())
	})

	t.Run("downward chains are allowed", func(t *testing.T) {
		c := FallbackChain{TierDeep: TierBalanced, TierBalanced: TierFast}
		assert.NoError(t, c.Validate())
	})
}

func TestTiers(t *testing.T) {
	t.Run("defaults validate", func(t *testing.T) {
		assert.NoError(t, DefaultTiers().Validate())
	})

	t.Run("missing model is rejected", func(t *testing.T) {
		ts := DefaultTiers()
		ts.Balanced.Model = ""
		assert.Error(t, ts.Validate())
	})

	t.Run("get is exhaustive over valid tiers", func(t *testing.T) {
		for _, tier := range AllTiers {
			assert.True(t, tier.Valid())
			_, ok := DefaultTiers().Get(tier)
			assert.True(t, ok, tier.String())
		}
		_, ok := DefaultTiers().Get(TierNone)
		assert.False(t, ok)
		assert.False(t, Tier(4).Valid())
	})
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"openai unauthorized", &openai.Error{StatusCode: 401}, ErrAuthFailed},
		{"openai forbidden", &openai.Error{StatusCode: 403}, ErrAuthFailed},
		{"openai rate limit", &openai.Error{StatusCode: 429}, ErrRateLimited},
		{"openai bad gateway", &openai.Error{StatusCode: 502}, ErrServerError},
		{"openai bad request", &openai.Error{StatusCode: 400}, ErrUnknown},
		{"anthropic overloaded", &anthropic.Error{StatusCode: 529}, ErrServerError},
		{"anthropic rate limit", &anthropic.Error{StatusCode: 429}, ErrRateLimited},
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), ErrTimeout},
		{"empty", fmt.Errorf("no choices: %w", ErrEmptyContent), ErrEmptyResponse},
		{"transport", errors.New("connection reset by peer"), ErrUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}

	assert.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestErrorKind_FallsBack(t *testing.T) {
	terminal := map[ErrorKind]bool{ErrNotConfigured: true, ErrInvalidTier: true, ErrToolCallFailed: true}
	for _, kind := range AllErrorKinds {
		assert.Equal(t, !terminal[kind], kind.FallsBack(), string(kind))
	}
}

func TestParseTier(t *testing.T) {
	for in, want := range map[string]Tier{
		"fast": TierFast, "Balanced": TierBalanced, " deep ": TierDeep,
		"1": TierFast, "3": TierDeep, "none": TierNone, "": TierNone,
	} {
		got, err := ParseTier(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseTier("turbo")
	assert.Error(t, err)
}
