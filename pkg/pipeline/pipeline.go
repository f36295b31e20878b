// Package pipeline turns one inbound channel message into one outbound reply.
//
// For every message the pipeline resolves the owning user, checks the plan,
// loads the active persona, records the turn, asks the tier router for a
// reply and delivers it. A typing indicator runs from the moment the turn is
// recorded until the reply is out, and is stopped on every exit path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/harun/warband/internal/observability"
	"github.com/harun/warband/internal/tracing"
	"github.com/harun/warband/pkg/agent"
	"github.com/harun/warband/pkg/channels"
	"github.com/harun/warband/pkg/linking"
	"github.com/harun/warband/pkg/store"
)

const tracerName = "github.com/harun/warband/pkg/pipeline"

// DefaultHistoryLimit is the number of turns sent to the model as context.
const DefaultHistoryLimit = 20

// Dispatcher produces a reply for a conversation. *agent.Router satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, systemPrompt string, history []agent.Message, opts agent.DispatchOptions) agent.DispatchResult
}

// Outbox delivers text and typing indicators by channel name.
// *channels.Registry satisfies it.
type Outbox interface {
	Send(ctx context.Context, channel, identity, text string) error
	Typing(ctx context.Context, channel, identity string) error
}

// Linker redeems connection codes. *linking.Service satisfies it.
type Linker interface {
	Redeem(ctx context.Context, code, channel, identity string) (*store.User, error)
	IsPending(code string) bool
}

// Hints are the fixed replies sent when a message cannot be answered.
type Hints struct {
	Onboarding string `json:"onboarding" mapstructure:"onboarding"`
	Upgrade    string `json:"upgrade" mapstructure:"upgrade"`
	Deploy     string `json:"deploy" mapstructure:"deploy"`
	Linked     string `json:"linked" mapstructure:"linked"`
	LinkFailed string `json:"link_failed" mapstructure:"link_failed"`
}

// DefaultHints returns the built-in hint texts.
func DefaultHints() Hints {
	return Hints{
		Onboarding: "I don't know you yet. Create an account and send me your connection code to link this chat.",
		Upgrade:    "Your plan has expired. Renew it to keep talking with your persona.",
		Deploy:     "You don't have an active persona yet. Deploy one and come back.",
		Linked:     "This chat is now linked to your account.",
		LinkFailed: "That connection code is invalid or has expired. Request a new one and try again.",
	}
}

func (h Hints) withDefaults() Hints {
	d := DefaultHints()
	if h.Onboarding == "" {
		h.Onboarding = d.Onboarding
	}
	if h.Upgrade == "" {
		h.Upgrade = d.Upgrade
	}
	if h.Deploy == "" {
		h.Deploy = d.Deploy
	}
	if h.Linked == "" {
		h.Linked = d.Linked
	}
	if h.LinkFailed == "" {
		h.LinkFailed = d.LinkFailed
	}
	return h
}

// Config wires a Pipeline.
type Config struct {
	Store      store.Store
	Dispatcher Dispatcher
	Outbox     Outbox
	// Linker is optional; without it link commands get the onboarding hint.
	Linker         Linker
	Hints          Hints
	HistoryLimit   int
	TypingInterval time.Duration
	Now            func() time.Time
	Logger         zerolog.Logger
}

// Pipeline handles inbound messages. It is safe for concurrent use.
type Pipeline struct {
	store          store.Store
	dispatcher     Dispatcher
	outbox         Outbox
	linker         Linker
	hints          Hints
	historyLimit   int
	typingInterval time.Duration
	now            func() time.Time
	logger         zerolog.Logger
}

// New builds a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("pipeline: store is required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("pipeline: dispatcher is required")
	}
	if cfg.Outbox == nil {
		return nil, fmt.Errorf("pipeline: outbox is required")
	}
	observability.EnsureRegistered()

	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Pipeline{
		store:          cfg.Store,
		dispatcher:     cfg.Dispatcher,
		outbox:         cfg.Outbox,
		linker:         cfg.Linker,
		hints:          cfg.Hints.withDefaults(),
		historyLimit:   limit,
		typingInterval: cfg.TypingInterval,
		now:            nowFn,
		logger:         cfg.Logger.With().Str("component", "pipeline").Logger(),
	}, nil
}

// Handle processes one inbound message. Empty messages are dropped.
func (p *Pipeline) Handle(ctx context.Context, msg channels.InboundMessage) (err error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		observability.RecordInbound(msg.Channel, "dropped")
		return nil
	}

	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.WithChannel(ctx, msg.Channel)
	ctx, span := tracing.StartSpan(ctx, tracerName, "pipeline.handle",
		attribute.String("channel", msg.Channel),
	)
	defer span.End()

	outcome := "error"
	defer func() {
		observability.RecordInbound(msg.Channel, outcome)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	// 1. Resolve the owning user.
	user, err := p.store.FindUserByChannel(ctx, msg.Channel, msg.Identity)
	if errors.Is(err, store.ErrNotFound) {
		if code, bare, ok := parseLinkCommand(text); ok && p.linker != nil && (!bare || p.linker.IsPending(code)) {
			outcome, err = p.redeem(ctx, msg, code)
			return err
		}
		outcome = "unknown_user"
		return p.reply(ctx, msg, p.hints.Onboarding)
	}
	if err != nil {
		return fmt.Errorf("resolve user: %w", err)
	}
	ctx = tracing.WithUserID(ctx, user.ID)
	span.SetAttributes(attribute.String("user_id", user.ID))
	logger := tracing.LoggerFromContext(ctx, p.logger)

	// 2. Entitlement.
	if !user.Entitled(p.now()) {
		outcome = "expired"
		return p.reply(ctx, msg, p.hints.Upgrade)
	}

	// 3. Persona.
	persona, err := p.store.ActivePersona(ctx, user.ID)
	if errors.Is(err, store.ErrNotFound) {
		outcome = "no_persona"
		return p.reply(ctx, msg, p.hints.Deploy)
	}
	if err != nil {
		return fmt.Errorf("load persona: %w", err)
	}

	typing := StartTyping(ctx, boundTyper{outbox: p.outbox, channel: msg.Channel}, msg.Identity, p.typingInterval, logger)
	defer typing.Stop()

	// 4. Record the inbound turn and load context.
	inbound := &store.Turn{
		UserID:    user.ID,
		PersonaID: persona.ID,
		Direction: store.Inbound,
		Channel:   msg.Channel,
		Content:   text,
		CreatedAt: p.now(),
	}
	var recent []store.Turn
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := p.store.AppendTurn(gctx, inbound); err != nil {
			return fmt.Errorf("persist inbound turn: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		turns, err := p.store.RecentTurns(gctx, user.ID, persona.ID, p.historyLimit)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		recent = turns
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	history := buildHistory(recent, inbound, p.historyLimit)

	// 5. Dispatch.
	result := p.dispatcher.Dispatch(ctx, persona.SystemPrompt, history, agent.DispatchOptions{
		CallerID:    user.ID,
		UserMessage: text,
		EnableTools: user.Plan == store.PlanElite,
	})
	content := result.Content
	outcome = "replied"
	if !result.OK() {
		content = Apology(result.ErrorKind)
		outcome = "apology"
		logger.Warn().
			Str("error_kind", string(result.ErrorKind)).
			Int("attempts", result.Attempts).
			Msg("Dispatch failed; sending apology")
	}

	// 6. Record the outbound turn and deliver it.
	outbound := &store.Turn{
		UserID:    user.ID,
		PersonaID: persona.ID,
		Direction: store.Outbound,
		Channel:   msg.Channel,
		Content:   content,
		CreatedAt: p.now(),
	}
	var out errgroup.Group
	out.Go(func() error {
		if err := p.store.AppendTurn(ctx, outbound); err != nil {
			return fmt.Errorf("persist outbound turn: %w", err)
		}
		return nil
	})
	out.Go(func() error {
		return p.outbox.Send(ctx, msg.Channel, msg.Identity, content)
	})
	if err := out.Wait(); err != nil {
		outcome = "error"
		return err
	}

	logger.Info().
		Int("tier", int(result.Tier)).
		Str("model", result.Model).
		Bool("byok", result.BYOK).
		Dur("elapsed", result.Elapsed).
		Msg("Message handled")
	return nil
}

func (p *Pipeline) redeem(ctx context.Context, msg channels.InboundMessage, code string) (string, error) {
	user, err := p.linker.Redeem(ctx, code, msg.Channel, msg.Identity)
	if err != nil {
		p.logger.Info().Err(err).Str("channel", msg.Channel).Msg("Link code rejected")
		return "link_failed", p.reply(ctx, msg, p.hints.LinkFailed)
	}
	linkedLogger := tracing.LoggerFromContext(tracing.WithUserID(ctx, user.ID), p.logger)
	linkedLogger.Info().Msg("Identity linked")
	return "linked", p.reply(ctx, msg, p.hints.Linked)
}

func (p *Pipeline) reply(ctx context.Context, msg channels.InboundMessage, text string) error {
	if err := p.outbox.Send(ctx, msg.Channel, msg.Identity, text); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

// buildHistory converts stored turns to model messages and makes sure the
// current inbound turn is last, whichever way the concurrent load raced.
func buildHistory(recent []store.Turn, inbound *store.Turn, limit int) []agent.Message {
	msgs := make([]agent.Message, 0, len(recent)+1)
	for _, t := range recent {
		if t.ID == inbound.ID {
			continue
		}
		msgs = append(msgs, turnMessage(t))
	}
	msgs = append(msgs, turnMessage(*inbound))
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}

func turnMessage(t store.Turn) agent.Message {
	role := agent.RoleUser
	if t.Direction == store.Outbound {
		role = agent.RoleAssistant
	}
	return agent.Message{Role: role, Content: t.Content}
}

// parseLinkCommand extracts a code from "/start CODE", "/link CODE" or a
// bare code. bare is set for the last form, which is only honored when the
// code is actually pending.
func parseLinkCommand(text string) (code string, bare, ok bool) {
	fields := strings.Fields(text)
	switch {
	case len(fields) == 2 && (strings.EqualFold(fields[0], "/start") || strings.EqualFold(fields[0], "/link")):
		return linking.Normalize(fields[1]), false, true
	case len(fields) == 1 && linking.LooksLikeCode(fields[0]):
		return linking.Normalize(fields[0]), true, true
	}
	return "", false, false
}

type boundTyper struct {
	outbox  Outbox
	channel string
}

func (b boundTyper) Typing(ctx context.Context, identity string) error {
	return b.outbox.Typing(ctx, b.channel, identity)
}
