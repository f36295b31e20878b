package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/warband/internal/observability"
	"github.com/harun/warband/internal/tracing"
	"github.com/harun/warband/pkg/classifier"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultMaxAttempts bounds provider calls per dispatch.
const DefaultMaxAttempts = 3

// CredentialVault resolves per-caller (BYOK) backend keys.
type CredentialVault interface {
	// CallerCredential returns the caller's key, or ok=false when none is stored.
	CallerCredential(ctx context.Context, callerID string) (secret string, ok bool, err error)
}

// ProviderCreator builds a provider around a caller-supplied key.
type ProviderCreator interface {
	NewProvider(apiKey string) (LLMProvider, error)
}

// RouterConfig configures a Router.
type RouterConfig struct {
	Tiers    Tiers
	Fallback FallbackChain
	// Platform is the shared provider. Nil means no platform credential.
	Platform LLMProvider
	// Vault and Factory enable BYOK. Either may be nil.
	Vault       CredentialVault
	Factory     ProviderCreator
	Lookup      LookupFunc
	MaxAttempts int
	Logger      zerolog.Logger
}

// Router classifies requests and walks the fallback chain on failure.
type Router struct {
	tiers       Tiers
	fallback    FallbackChain
	platform    LLMProvider
	vault       CredentialVault
	factory     ProviderCreator
	lookup      LookupFunc
	maxAttempts int
	logger      zerolog.Logger
}

// NewRouter validates cfg and builds a Router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	observability.EnsureRegistered()

	if err := cfg.Tiers.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tiers: %w", err)
	}
	fallback := cfg.Fallback
	if fallback == nil {
		fallback = DefaultFallbackChain()
	}
	if err := fallback.Validate(); err != nil {
		return nil, err
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	lookup := cfg.Lookup
	if lookup == nil {
		lookup = syntheticLookup
	}

	return &Router{
		tiers:       cfg.Tiers,
		fallback:    fallback,
		platform:    cfg.Platform,
		vault:       cfg.Vault,
		factory:     cfg.Factory,
		lookup:      lookup,
		maxAttempts: maxAttempts,
		logger:      cfg.Logger.With().Str("component", "router").Logger(),
	}, nil
}

// Dispatch runs one chat request through the tier ladder.
func (r *Router) Dispatch(ctx context.Context, systemPrompt string, history []Message, opts DispatchOptions) DispatchResult {
	start := time.Now()
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx, span := tracing.StartSpan(ctx, "warband.agent", "agent.dispatch",
		attribute.Bool("force_tier", opts.ForceTier != TierNone),
		attribute.Bool("tools_requested", opts.EnableTools),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)
	if opts.CallerID != "" && tracing.GetUserID(ctx) == "" {
		logger = logger.With().Str("user_id", opts.CallerID).Logger()
	}

	finish := func(res DispatchResult) DispatchResult {
		res.Elapsed = time.Since(start)
		observability.RecordDispatch(res.Tier.String(), string(res.ErrorKind), res.BYOK, res.Elapsed)
		span.SetAttributes(
			attribute.Int("tier", int(res.Tier)),
			attribute.Int("attempts", res.Attempts),
			attribute.Bool("byok", res.BYOK),
		)
		if !res.OK() {
			span.SetStatus(codes.Error, string(res.ErrorKind))
		}
		return res
	}

	provider, byok := r.resolveProvider(ctx, logger, opts.CallerID)
	if provider == nil {
		logger.Error().Msg("No model credential configured")
		return finish(DispatchResult{ErrorKind: ErrNotConfigured, Tier: TierNone})
	}

	tier := opts.ForceTier
	if tier == TierNone {
		text := opts.UserMessage
		if text == "" {
			text = lastUserMessage(history)
		}
		c := classifier.Classify(text)
		tier = Tier(c.Tier)
		logger.Debug().Int("tier", c.Tier).Str("reason", c.Reason).Msg("Classified request")
	}
	if !tier.Valid() {
		logger.Warn().Int("tier", int(tier)).Msg("Rejected invalid tier")
		return finish(DispatchResult{ErrorKind: ErrInvalidTier, Tier: tier, BYOK: byok})
	}

	var res DispatchResult
	for attempt := 1; ; attempt++ {
		res = r.attempt(ctx, logger, provider, tier, attempt, systemPrompt, history, opts)
		res.BYOK = byok
		res.Attempts = attempt
		if res.OK() || !res.ErrorKind.FallsBack() {
			return finish(res)
		}
		if ctx.Err() != nil {
			logger.Warn().
				Err(ctx.Err()).
				Int("tier", int(tier)).
				Int("attempts", attempt).
				Msg("Dispatch abandoned, caller context done")
			return finish(res)
		}

		next, ok := r.fallback.Next(tier)
		if !ok || attempt >= r.maxAttempts {
			logger.Error().
				Str("error_kind", string(res.ErrorKind)).
				Int("tier", int(tier)).
				Int("attempts", attempt).
				Msg("Dispatch failed, fallback chain exhausted")
			return finish(res)
		}
		logger.Warn().
			Str("error_kind", string(res.ErrorKind)).
			Int("tier", int(tier)).
			Int("next_tier", int(next)).
			Msg("Tier failed, falling back")
		tier = next
	}
}

// resolveProvider picks the caller's own key when one exists, else the platform provider.
func (r *Router) resolveProvider(ctx context.Context, logger zerolog.Logger, callerID string) (LLMProvider, bool) {
	if callerID != "" && r.vault != nil && r.factory != nil {
		secret, ok, err := r.vault.CallerCredential(ctx, callerID)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("Credential vault lookup failed, using platform key")
		case ok && secret != "":
			provider, err := r.factory.NewProvider(secret)
			if err == nil {
				return provider, true
			}
			logger.Warn().Err(err).Msg("Failed to build BYOK provider, using platform key")
		}
	}
	if r.platform == nil {
		return nil, false
	}
	return r.platform, false
}

// attempt makes one call at tier plus, at the top tier, at most one tool follow-up.
func (r *Router) attempt(ctx context.Context, logger zerolog.Logger, provider LLMProvider, tier Tier, attempt int, systemPrompt string, history []Message, opts DispatchOptions) DispatchResult {
	def, ok := r.tiers.Get(tier)
	if !ok {
		return DispatchResult{ErrorKind: ErrInvalidTier, Tier: tier}
	}

	ctx, span := tracing.StartSpan(ctx, "warband.agent", "agent.dispatch.attempt",
		attribute.Int("tier", int(tier)),
		attribute.Int("attempt", attempt),
		attribute.String("model", def.Model),
		attribute.String("provider", provider.Provider()),
	)
	defer span.End()

	req := LLMRequest{
		Model:        def.Model,
		Messages:     history,
		Temperature:  def.Temperature,
		MaxTokens:    def.MaxTokens,
		SystemPrompt: systemPrompt,
	}
	useTools := opts.EnableTools && tier == TopTier
	if useTools {
		req.Tools = []ToolSpec{liveLookupSpec}
	}

	started := time.Now()
	resp, err := r.call(ctx, provider, def, req)
	kind := KindOf(err)
	if err == nil && !(useTools && len(resp.ToolCalls) > 0) && strings.TrimSpace(resp.Content) == "" {
		kind = ErrEmptyResponse
	}
	observability.RecordDispatchAttempt(tier.String(), outcomeLabel(kind), time.Since(started))

	if kind != "" {
		span.SetStatus(codes.Error, string(kind))
		if err != nil {
			span.RecordError(err)
		}
		logger.Warn().
			Err(err).
			Int("tier", int(tier)).
			Int("attempt", attempt).
			Str("model", def.Model).
			Str("error_kind", string(kind)).
			Msg("Model call failed")
		return DispatchResult{ErrorKind: kind, Tier: tier, Model: def.Model}
	}

	if useTools && len(resp.ToolCalls) > 0 {
		return r.followUp(ctx, logger, provider, tier, def, req, resp)
	}

	logger.Info().
		Int("tier", int(tier)).
		Int("attempt", attempt).
		Str("model", def.Model).
		Dur("latency", time.Since(started)).
		Msg("Model call succeeded")
	return DispatchResult{Content: strings.TrimSpace(resp.Content), Tier: tier, Model: def.Model, Usage: resp.Usage}
}

// followUp answers the model's tool call and makes exactly one more call.
func (r *Router) followUp(ctx context.Context, logger zerolog.Logger, provider LLMProvider, tier Tier, def TierDefinition, req LLMRequest, resp *LLMResponse) DispatchResult {
	fail := func(err error) DispatchResult {
		logger.Warn().Err(err).Int("tier", int(tier)).Msg("Tool follow-up failed")
		observability.RecordDispatchAttempt(tier.String(), string(ErrToolCallFailed), 0)
		return DispatchResult{ErrorKind: ErrToolCallFailed, Tier: tier, Model: def.Model}
	}

	call := resp.ToolCalls[0]
	if err := validateToolCall(call); err != nil {
		return fail(err)
	}
	query, _ := call.Parameters["query"].(string)
	output, err := r.lookup(ctx, query)
	if err != nil {
		output = fmt.Sprintf("Lookup failed: %v", err)
	}
	logger.Debug().Str("tool", call.Name).Str("query", query).Msg("Answered tool call")

	followReq := req
	followReq.Tools = nil
	followReq.Messages = append(append([]Message{}, req.Messages...),
		Message{Role: RoleAssistant, Content: resp.Content, ToolCalls: []ToolCall{call}},
		Message{Role: RoleTool, ToolCallID: call.ID, Content: output},
	)

	final, err := r.call(ctx, provider, def, followReq)
	if err != nil {
		return fail(err)
	}
	if strings.TrimSpace(final.Content) == "" {
		return fail(ErrEmptyContent)
	}
	return DispatchResult{Content: strings.TrimSpace(final.Content), Tier: tier, Model: def.Model, Usage: final.Usage}
}

// call runs one provider call under the tier timeout.
func (r *Router) call(ctx context.Context, provider LLMProvider, def TierDefinition, req LLMRequest) (*LLMResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, def.Timeout)
	defer cancel()

	resp, err := provider.Call(callCtx, req)
	if err == nil && resp == nil {
		err = ErrEmptyContent
	}
	return resp, err
}

func lastUserMessage(history []Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleUser {
			return history[i].Content
		}
	}
	return ""
}

func outcomeLabel(kind ErrorKind) string {
	if kind == "" {
		return "success"
	}
	return string(kind)
}
