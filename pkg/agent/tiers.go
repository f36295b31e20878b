package agent

import (
	"fmt"
	"strings"
	"time"
)

// Tier is a model backend of increasing cost and capability.
type Tier int

const (
	// TierNone marks "no tier": the end of a fallback chain or a dispatch that never started.
	TierNone     Tier = 0
	TierFast     Tier = 1
	TierBalanced Tier = 2
	TierDeep     Tier = 3
)

// AllTiers lists every tier from cheapest to most capable.
var AllTiers = []Tier{TierFast, TierBalanced, TierDeep}

// TopTier is the most capable tier; only it may use tools.
const TopTier = TierDeep

func (t Tier) String() string {
	switch t {
	case TierNone:
		return "none"
	case TierFast:
		return "fast"
	case TierBalanced:
		return "balanced"
	case TierDeep:
		return "deep"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Valid reports whether t is one of the defined model tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierFast, TierBalanced, TierDeep:
		return true
	default:
		return false
	}
}

// ParseTier accepts a tier name ("fast", "balanced", "deep", "none") or its
// ordinal ("1".."3", "0").
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "0", "":
		return TierNone, nil
	case "fast", "1":
		return TierFast, nil
	case "balanced", "2":
		return TierBalanced, nil
	case "deep", "3":
		return TierDeep, nil
	default:
		return TierNone, fmt.Errorf("unknown tier %q", s)
	}
}

// TierDefinition is the static configuration of one tier.
type TierDefinition struct {
	Model       string        `json:"model" mapstructure:"model"`
	Temperature float64       `json:"temperature" mapstructure:"temperature"`
	MaxTokens   int           `json:"max_tokens" mapstructure:"max_tokens"`
	Timeout     time.Duration `json:"timeout" mapstructure:"timeout"`
}

// Tiers holds one definition per tier. Lookups go through Get so that adding
// a tier forces an update here.
type Tiers struct {
	Fast     TierDefinition `json:"fast" mapstructure:"fast"`
	Balanced TierDefinition `json:"balanced" mapstructure:"balanced"`
	Deep     TierDefinition `json:"deep" mapstructure:"deep"`
}

// DefaultTiers returns a conservative OpenAI-compatible tier set.
func DefaultTiers() Tiers {
	return Tiers{
		Fast:     TierDefinition{Model: "gpt-4o-mini", Temperature: 0.7, MaxTokens: 512, Timeout: 15 * time.Second},
		Balanced: TierDefinition{Model: "gpt-4o", Temperature: 0.7, MaxTokens: 1024, Timeout: 30 * time.Second},
		Deep:     TierDefinition{Model: "o3-mini", Temperature: 1, MaxTokens: 4096, Timeout: 60 * time.Second},
	}
}

// Get returns the definition for t.
func (ts Tiers) Get(t Tier) (TierDefinition, bool) {
	switch t {
	case TierFast:
		return ts.Fast, true
	case TierBalanced:
		return ts.Balanced, true
	case TierDeep:
		return ts.Deep, true
	default:
		return TierDefinition{}, false
	}
}

// Validate checks that every tier names a model and has a usable budget.
func (ts Tiers) Validate() error {
	for _, t := range AllTiers {
		def, _ := ts.Get(t)
		if def.Model == "" {
			return fmt.Errorf("tier %s: model is required", t)
		}
		if def.MaxTokens <= 0 {
			return fmt.Errorf("tier %s: max_tokens must be positive", t)
		}
		if def.Timeout <= 0 {
			return fmt.Errorf("tier %s: timeout must be positive", t)
		}
		if def.Temperature < 0 || def.Temperature > 2 {
			return fmt.Errorf("tier %s: temperature must be between 0 and 2", t)
		}
	}
	return nil
}

// FallbackChain maps a tier to the next tier to try after a failure.
// TierNone (or a missing entry) terminates the chain.
type FallbackChain map[Tier]Tier

// DefaultFallbackChain escalates fast -> balanced -> deep.
func DefaultFallbackChain() FallbackChain {
	return FallbackChain{
		TierFast:     TierBalanced,
		TierBalanced: TierDeep,
		TierDeep:     TierNone,
	}
}

// Next returns the tier after t, if any.
func (c FallbackChain) Next(t Tier) (Tier, bool) {
	next, ok := c[t]
	if !ok || next == TierNone {
		return TierNone, false
	}
	return next, true
}

// Validate checks that the chain only references defined tiers and that
// following it from any tier terminates.
func (c FallbackChain) Validate() error {
	for from, to := range c {
		if !from.Valid() {
			return fmt.Errorf("fallback chain: unknown tier %d", int(from))
		}
		if to != TierNone && !to.Valid() {
			return fmt.Errorf("fallback chain: %s points to unknown tier %d", from, int(to))
		}
	}
	for _, start := range AllTiers {
		seen := map[Tier]bool{start: true}
		cur := start
		for {
			next, ok := c.Next(cur)
			if !ok {
				break
			}
			if seen[next] {
				return fmt.Errorf("fallback chain: cycle through %s", next)
			}
			seen[next] = true
			cur = next
		}
	}
	return nil
}
