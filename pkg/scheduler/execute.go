package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/warband/internal/observability"
	"github.com/harun/warband/internal/tracing"
	"github.com/harun/warband/pkg/agent"
	"github.com/harun/warband/pkg/cron"
	"github.com/harun/warband/pkg/store"
)

// errDelivery is stored as a Rhythm result when the channel send fails.
const errDelivery = "delivery_failed"

type job struct {
	kind        TaskKind
	id          int64
	label       string
	instruction string
	user        store.User
	persona     store.Persona
}

func (s *Service) firePulse(ctx context.Context, p *store.Pulse, bookkeeping bool) Outcome {
	j := job{
		kind:        KindPulse,
		id:          p.ID,
		label:       string(p.Kind) + " pulse",
		instruction: p.Instruction,
		user:        p.User,
		persona:     p.Persona,
	}
	out, ctx, logger := s.begin(ctx, j)
	s.execute(ctx, j, &out, logger)

	if bookkeeping && out.Status == StatusSuccess {
		if err := s.store.MarkPulseFired(ctx, p.ID, s.now()); err != nil {
			logger.Error().Err(err).Msg("Failed to mark pulse fired")
		}
	}
	s.finish(ctx, j, out, bookkeeping)
	return out
}

func (s *Service) fireRhythm(ctx context.Context, r *store.Rhythm, bookkeeping bool) Outcome {
	j := job{
		kind:        KindRhythm,
		id:          r.ID,
		label:       r.Name,
		instruction: r.Instruction,
		user:        r.User,
		persona:     r.Persona,
	}
	out, ctx, logger := s.begin(ctx, j)

	if !cron.IsValid(r.Cron) {
		out.Status = StatusDisabled
		if bookkeeping {
			if err := s.store.DisableRhythm(ctx, r.ID); err != nil {
				logger.Error().Err(err).Msg("Failed to disable rhythm")
			}
		}
		logger.Warn().Str("cron", r.Cron).Msg("Rhythm schedule no longer resolves; disabled")
		s.finish(ctx, j, out, bookkeeping)
		return out
	}

	s.execute(ctx, j, &out, logger)

	if bookkeeping {
		now := s.now()
		run := store.RhythmRun{}
		switch {
		case out.Status == StatusSuccess:
			run.LastFiredAt = &now
			run.LastResult = out.Content
		case out.ErrorKind != "":
			run.LastResult = fmt.Sprintf("[error: %s]", out.ErrorKind)
		default:
			run.LastResult = "[skipped: no channel]"
		}
		if next, ok := cron.NextRunAfter(r.Cron, r.Timezone, now); ok {
			run.NextFireAt = &next
		}
		if err := s.store.UpdateRhythmRun(ctx, r.ID, run); err != nil {
			logger.Error().Err(err).Msg("Failed to record rhythm run")
		}
	}
	s.finish(ctx, j, out, bookkeeping)
	return out
}

func (s *Service) begin(ctx context.Context, j job) (Outcome, context.Context, zerolog.Logger) {
	ctx = tracing.NewTaskContext(ctx, fmt.Sprintf("%s:%d", j.kind, j.id))
	ctx = tracing.WithUserID(ctx, j.user.ID)
	return Outcome{Kind: j.kind, ID: j.id}, ctx, tracing.LoggerFromContext(ctx, s.logger).With().
		Str("kind", string(j.kind)).
		Str("task", j.label).
		Logger()
}

// execute dispatches and delivers one proactive message, filling out.
func (s *Service) execute(ctx context.Context, j job, out *Outcome, logger zerolog.Logger) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "scheduler.execute",
		attribute.String("kind", string(j.kind)),
		attribute.Int64("task_id", j.id),
	)
	defer span.End()

	binding, ok := s.resolveChannel(j.user)
	if !ok {
		out.Status = StatusSkipped
		logger.Warn().Msg("No deliverable channel bound; skipping task")
		return
	}
	out.Channel = binding.Channel

	systemPrompt, history, err := s.buildContext(ctx, j)
	if err != nil {
		out.Status = StatusFailed
		out.ErrorKind = string(agent.ErrUnknown)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("Failed to load task context")
		return
	}

	result := s.dispatcher.Dispatch(ctx, systemPrompt, history, agent.DispatchOptions{
		CallerID:  j.user.ID,
		ForceTier: agent.TierFast,
	})
	if !result.OK() {
		out.Status = StatusFailed
		out.ErrorKind = string(result.ErrorKind)
		span.SetStatus(codes.Error, out.ErrorKind)
		logger.Warn().
			Str("error_kind", out.ErrorKind).
			Int("attempts", result.Attempts).
			Msg("Task dispatch failed")
		return
	}

	if err := s.sender.Send(ctx, binding.Channel, binding.Identity, result.Content); err != nil {
		out.Status = StatusFailed
		out.ErrorKind = errDelivery
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Str("channel", binding.Channel).Msg("Failed to deliver task message")
		return
	}

	out.Status = StatusSuccess
	out.Content = result.Content
	if err := s.store.AppendTurn(ctx, &store.Turn{
		UserID:    j.user.ID,
		PersonaID: j.persona.ID,
		Direction: store.Outbound,
		Channel:   binding.Channel,
		Content:   result.Content,
		CreatedAt: s.now(),
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to persist proactive turn")
	}
	logger.Info().
		Str("channel", binding.Channel).
		Str("model", result.Model).
		Dur("elapsed", result.Elapsed).
		Msg("Task delivered")
}

// resolveChannel prefers the primary slot and falls back to the secondary,
// skipping bindings whose channel is not running in this process.
func (s *Service) resolveChannel(u store.User) (store.ChannelBinding, bool) {
	for _, b := range []store.ChannelBinding{u.Primary, u.Secondary} {
		if !b.Empty() && s.sender.IsRegistered(b.Channel) {
			return b, true
		}
	}
	return store.ChannelBinding{}, false
}

func (s *Service) buildContext(ctx context.Context, j job) (string, []agent.Message, error) {
	memories, err := s.store.RecentMemories(ctx, j.user.ID, j.persona.ID, s.cfg.MemoryLimit)
	if err != nil {
		return "", nil, err
	}
	turns, err := s.store.RecentTurns(ctx, j.user.ID, j.persona.ID, s.cfg.HistoryLimit)
	if err != nil {
		return "", nil, err
	}

	var prompt strings.Builder
	prompt.WriteString(j.persona.SystemPrompt)
	if len(memories) > 0 {
		prompt.WriteString("\n\nWhat you remember about the user:")
		for _, m := range memories {
			prompt.WriteString("\n- ")
			prompt.WriteString(m.Content)
		}
	}

	history := make([]agent.Message, 0, len(turns)+1)
	for _, t := range turns {
		role := agent.RoleUser
		if t.Direction == store.Outbound {
			role = agent.RoleAssistant
		}
		history = append(history, agent.Message{Role: role, Content: t.Content})
	}
	history = append(history, agent.Message{Role: agent.RoleSystem, Content: proactiveInstruction(j, s.now())})
	return prompt.String(), history, nil
}

func proactiveInstruction(j job, now time.Time) string {
	local := now.In(cron.LoadLocation(j.user.Timezone))
	return fmt.Sprintf(
		"It is %s for the user. You are reaching out on your own initiative (%s). %s\nWrite the message to send now. Do not mention that this is scheduled.",
		local.Format("Monday 15:04"), j.label, strings.TrimSpace(j.instruction),
	)
}

func (s *Service) finish(ctx context.Context, j job, out Outcome, bookkeeping bool) {
	observability.RecordSchedulerRun(string(j.kind), out.Status)
	action := "fire"
	if !bookkeeping {
		action = "test_fire"
	}
	meta := map[string]interface{}{
		"kind": string(j.kind),
		"id":   j.id,
	}
	if out.ErrorKind != "" {
		meta["error_kind"] = out.ErrorKind
	}
	observability.RecordTaskAudit(ctx, action, j.user.ID, out.Status, meta)
}
