// Package scheduler fires proactive messages for Pulses (once a day at a
// local hour) and Rhythms (cron schedules).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/warband/internal/observability"
	"github.com/harun/warband/internal/tracing"
	"github.com/harun/warband/pkg/agent"
	"github.com/harun/warband/pkg/cron"
	"github.com/harun/warband/pkg/store"
)

const tracerName = "github.com/harun/warband/pkg/scheduler"

// Dispatcher produces proactive content. *agent.Router satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, systemPrompt string, history []agent.Message, opts agent.DispatchOptions) agent.DispatchResult
}

// Sender delivers text by channel name. *channels.Registry satisfies it.
type Sender interface {
	Send(ctx context.Context, channel, identity, text string) error
	IsRegistered(name string) bool
}

// Options wires a Service.
type Options struct {
	Store      store.Store
	Dispatcher Dispatcher
	Sender     Sender
	Config     Config
	Now        func() time.Time
	Logger     zerolog.Logger
	// HolderID identifies this instance in the lease table. Defaults to a
	// random UUID.
	HolderID string
}

// Service runs the master tick.
type Service struct {
	store      store.Store
	dispatcher Dispatcher
	sender     Sender
	cfg        Config
	now        func() time.Time
	logger     zerolog.Logger
	holder     string

	tickMu sync.Mutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New validates opts and builds a Service. It does not start the loop.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("scheduler: store is required")
	}
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("scheduler: dispatcher is required")
	}
	if opts.Sender == nil {
		return nil, fmt.Errorf("scheduler: sender is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	observability.EnsureRegistered()

	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	holder := opts.HolderID
	if holder == "" {
		holder = uuid.NewString()
	}
	return &Service{
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		sender:     opts.Sender,
		cfg:        opts.Config,
		now:        nowFn,
		logger:     opts.Logger.With().Str("component", "scheduler").Logger(),
		holder:     holder,
	}, nil
}

// HolderID returns the identity used for the scheduler lease.
func (s *Service) HolderID() string {
	return s.holder
}

// Running reports whether the tick loop is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start launches the tick loop. Calling Start while it is running is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	loopCtx, cancel := context.WithCancel(tracing.Detach(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(loopCtx, s.done)

	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Bool("lease", s.cfg.LeaseEnabled).
		Str("holder", s.holder).
		Msg("Scheduler started")
	return nil
}

// Stop cancels the loop, waits for the current tick and releases the
// lease. It is idempotent.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.cfg.LeaseEnabled {
		if err := s.store.ReleaseLease(ctx, s.cfg.LeaseName, s.holder); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to release scheduler lease")
		}
		observability.SetSchedulerLeaseHeld(false)
	}
	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Service) runTick(ctx context.Context) {
	if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("Scheduler tick failed")
	}
}

// Tick runs one scheduling pass. Task failures are logged and counted in the
// report; the returned error covers only lease and listing failures.
func (s *Service) Tick(ctx context.Context) (TickReport, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	start := s.now()
	ctx = tracing.NewRequestContext(ctx)
	ctx, span := tracing.StartSpan(ctx, tracerName, "scheduler.tick")
	defer span.End()

	var report TickReport
	if s.cfg.LeaseEnabled {
		held, err := s.store.AcquireLease(ctx, s.cfg.LeaseName, s.holder, start, s.cfg.LeaseTTL)
		if err != nil {
			return report, fmt.Errorf("acquire lease: %w", err)
		}
		observability.SetSchedulerLeaseHeld(held)
		if !held {
			s.logger.Debug().Msg("Scheduler lease held elsewhere, skipping tick")
			report.Skipped = true
			return report, nil
		}
	}

	pulses, err := s.duePulses(ctx, start)
	if err != nil {
		return report, err
	}
	rhythms, err := s.store.ListDueRhythms(ctx, start, s.cfg.RhythmBatch)
	if err != nil {
		return report, err
	}
	report.DuePulses = len(pulses)
	report.DueRhythms = len(rhythms)
	span.SetAttributes(
		attribute.Int("due_pulses", report.DuePulses),
		attribute.Int("due_rhythms", report.DueRhythms),
	)

	for i := range pulses {
		if ctx.Err() != nil {
			break
		}
		out := s.firePulse(ctx, &pulses[i], true)
		report.count(out)
	}
	for i := range rhythms {
		if ctx.Err() != nil {
			break
		}
		out := s.fireRhythm(ctx, &rhythms[i], true)
		report.count(out)
	}

	report.Elapsed = s.now().Sub(start)
	observability.RecordSchedulerTick(report.Elapsed, report.DuePulses, report.DueRhythms)
	if report.DuePulses+report.DueRhythms > 0 {
		s.logger.Info().
			Int("due_pulses", report.DuePulses).
			Int("due_rhythms", report.DueRhythms).
			Int("succeeded", report.Succeeded).
			Int("failed", report.Failed).
			Dur("elapsed", report.Elapsed).
			Msg("Scheduler tick completed")
	}
	return report, nil
}

func (r *TickReport) count(out Outcome) {
	switch out.Status {
	case StatusSuccess:
		r.Succeeded++
	case StatusFailed, StatusDisabled:
		r.Failed++
	}
}

// pulseScanPage is the number of enabled Pulses read per query while
// looking for due ones.
var pulseScanPage = 500

// duePulses scans every enabled Pulse page by page and keeps those whose
// local hour matches now and whose cooldown has passed, up to PulseBatch.
func (s *Service) duePulses(ctx context.Context, now time.Time) ([]store.Pulse, error) {
	var due []store.Pulse
	var after int64
	for {
		page, err := s.store.ListEnabledPulses(ctx, after, pulseScanPage)
		if err != nil {
			return nil, err
		}
		for _, p := range page {
			if !PulseDue(p, now) {
				continue
			}
			due = append(due, p)
			if len(due) == s.cfg.PulseBatch {
				return due, nil
			}
		}
		if len(page) < pulseScanPage {
			return due, nil
		}
		after = page[len(page)-1].ID
	}
}

// PulseDue reports whether p should fire at now.
func PulseDue(p store.Pulse, now time.Time) bool {
	if !p.Enabled {
		return false
	}
	if now.In(cron.LoadLocation(p.User.Timezone)).Hour() != p.Hour {
		return false
	}
	return p.LastFiredAt == nil || now.Sub(*p.LastFiredAt) >= PulseCooldown
}

// TestFire runs one task immediately without touching its bookkeeping.
func (s *Service) TestFire(ctx context.Context, kind TaskKind, id int64) (Outcome, error) {
	switch kind {
	case KindPulse:
		p, err := s.store.GetPulse(ctx, id)
		if err != nil {
			return Outcome{}, err
		}
		return s.firePulse(ctx, p, false), nil
	case KindRhythm:
		r, err := s.store.GetRhythm(ctx, id)
		if err != nil {
			return Outcome{}, err
		}
		return s.fireRhythm(ctx, r, false), nil
	default:
		return Outcome{}, fmt.Errorf("unknown task kind %q", kind)
	}
}

// ErrInvalidTask wraps validation failures from AddPulse and AddRhythm.
var ErrInvalidTask = errors.New("invalid task")

// CreatePulse stores a Pulse for the persona p.PersonaID, owned by that
// persona's user.
func (s *Service) CreatePulse(ctx context.Context, p *store.Pulse) error {
	persona, err := s.store.GetPersona(ctx, p.PersonaID)
	if err != nil {
		return fmt.Errorf("persona %s: %w", p.PersonaID, err)
	}
	p.UserID = persona.UserID
	return s.AddPulse(ctx, p)
}

// CreateRhythm stores a Rhythm for the persona r.PersonaID, checking the
// owner's plan. A lapsed plan counts as free.
func (s *Service) CreateRhythm(ctx context.Context, r *store.Rhythm) error {
	persona, err := s.store.GetPersona(ctx, r.PersonaID)
	if err != nil {
		return fmt.Errorf("persona %s: %w", r.PersonaID, err)
	}
	owner, err := s.store.GetUser(ctx, persona.UserID)
	if err != nil {
		return fmt.Errorf("user %s: %w", persona.UserID, err)
	}
	plan := owner.Plan
	if !owner.Entitled(s.now()) {
		plan = store.PlanFree
	}
	r.UserID = owner.ID
	return s.AddRhythm(ctx, r, plan)
}

// AddPulse validates and stores a Pulse.
func (s *Service) AddPulse(ctx context.Context, p *store.Pulse) error {
	if !p.Kind.Valid() {
		return fmt.Errorf("%w: unknown pulse kind %q", ErrInvalidTask, p.Kind)
	}
	if p.Hour < 0 || p.Hour > 23 {
		return fmt.Errorf("%w: pulse hour out of range: %d", ErrInvalidTask, p.Hour)
	}
	if strings.TrimSpace(p.Instruction) == "" {
		return fmt.Errorf("%w: instruction is required", ErrInvalidTask)
	}
	p.Enabled = true
	if err := s.store.CreatePulse(ctx, p); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("persona already has a %s pulse: %w", p.Kind, err)
		}
		return err
	}
	return nil
}

// ErrRhythmLimit is returned when a persona has used its plan's allowance.
var ErrRhythmLimit = errors.New("rhythm limit reached")

// AddRhythm validates the schedule, enforces the plan limit and stores the
// Rhythm with its first next_fire_at.
func (s *Service) AddRhythm(ctx context.Context, r *store.Rhythm, plan store.Plan) error {
	if !cron.IsValid(r.Cron) {
		return fmt.Errorf("%w: invalid cron expression %q", ErrInvalidTask, r.Cron)
	}
	if strings.TrimSpace(r.Instruction) == "" {
		return fmt.Errorf("%w: instruction is required", ErrInvalidTask)
	}
	if r.Timezone == "" {
		r.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(r.Timezone); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", ErrInvalidTask, r.Timezone)
	}

	limit := RhythmLimit(plan)
	n, err := s.store.CountRhythms(ctx, r.PersonaID)
	if err != nil {
		return err
	}
	if n >= limit {
		return fmt.Errorf("%w: %s plan allows %d", ErrRhythmLimit, plan, limit)
	}

	next, ok := cron.NextRunAfter(r.Cron, r.Timezone, s.now())
	if !ok {
		return fmt.Errorf("%w: cron expression %q never fires", ErrInvalidTask, r.Cron)
	}
	r.NextFireAt = &next
	r.Enabled = true
	return s.store.CreateRhythm(ctx, r)
}
