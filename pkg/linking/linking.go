// Package linking issues short-lived connection codes that bind a messaging
// identity to an existing user slot.
package linking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/warband/internal/observability"
	"github.com/harun/warband/pkg/store"
)

const (
	DefaultTTL = 10 * time.Minute
	CodeLength = 8
)

// Alphabet omits characters that are easy to misread (0/O, 1/I/L).
const Alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

var (
	ErrCodeNotFound = errors.New("link code not found")
	ErrCodeExpired  = errors.New("link code expired")
)

type pendingCode struct {
	userID    string
	slot      store.Slot
	expiresAt time.Time
}

type slotKey struct {
	userID string
	slot   store.Slot
}

// Options configures a Service.
type Options struct {
	TTL    time.Duration
	Now    func() time.Time
	Logger zerolog.Logger
}

// Service owns the pending codes. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	store  store.Store
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger

	byCode map[string]pendingCode
	bySlot map[slotKey]string
}

// NewService creates a linking service backed by st.
func NewService(st store.Store, opts Options) *Service {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Service{
		store:  st,
		ttl:    ttl,
		now:    nowFn,
		logger: opts.Logger.With().Str("component", "linking").Logger(),
		byCode: make(map[string]pendingCode),
		bySlot: make(map[slotKey]string),
	}
}

// TTL returns how long an issued code stays redeemable.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Issue creates a code for the user's slot. Issuing again for the same
// user and slot invalidates the earlier code.
func (s *Service) Issue(ctx context.Context, userID string, slot store.Slot) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("user id is required")
	}
	if !slot.Valid() {
		return "", time.Time{}, fmt.Errorf("unknown slot %q", slot)
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		observability.RecordLinkCode("issue", false)
		return "", time.Time{}, fmt.Errorf("lookup user: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()

	code, err := s.uniqueCodeLocked()
	if err != nil {
		observability.RecordLinkCode("issue", false)
		return "", time.Time{}, err
	}

	key := slotKey{userID: userID, slot: slot}
	if old, ok := s.bySlot[key]; ok {
		delete(s.byCode, old)
	}
	expiresAt := s.now().Add(s.ttl)
	s.byCode[code] = pendingCode{userID: userID, slot: slot, expiresAt: expiresAt}
	s.bySlot[key] = code

	observability.RecordLinkCode("issue", true)
	observability.RecordLinkAudit(ctx, "issue", userID, "success", map[string]interface{}{
		"slot":       string(slot),
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
	s.logger.Info().Str("user_id", userID).Str("slot", string(slot)).Time("expires_at", expiresAt).Msg("Link code issued")
	return code, expiresAt, nil
}

// Redeem binds (channel, identity) to the slot the code was issued for and
// consumes the code.
func (s *Service) Redeem(ctx context.Context, code, channel, identity string) (*store.User, error) {
	code = Normalize(code)
	if code == "" {
		return nil, ErrCodeNotFound
	}

	s.mu.Lock()
	pending, ok := s.byCode[code]
	if ok && !s.now().Before(pending.expiresAt) {
		s.deleteLocked(code, pending)
		s.mu.Unlock()
		s.recordRedeem(ctx, pending.userID, "expired", channel)
		return nil, ErrCodeExpired
	}
	s.sweepLocked()
	if !ok {
		s.mu.Unlock()
		s.recordRedeem(ctx, "", "not_found", channel)
		return nil, ErrCodeNotFound
	}
	s.deleteLocked(code, pending)
	s.mu.Unlock()

	binding := store.ChannelBinding{Channel: channel, Identity: identity}
	if err := s.store.BindChannel(ctx, pending.userID, pending.slot, binding); err != nil {
		s.recordRedeem(ctx, pending.userID, "error", channel)
		return nil, fmt.Errorf("bind channel: %w", err)
	}
	user, err := s.store.GetUser(ctx, pending.userID)
	if err != nil {
		s.recordRedeem(ctx, pending.userID, "error", channel)
		return nil, fmt.Errorf("reload user: %w", err)
	}

	s.recordRedeem(ctx, pending.userID, "success", channel)
	s.logger.Info().
		Str("user_id", pending.userID).
		Str("slot", string(pending.slot)).
		Str("channel", channel).
		Msg("Channel linked")
	return user, nil
}

// IsPending reports whether code was issued and has not expired or been
// redeemed.
func (s *Service) IsPending(code string) bool {
	code = Normalize(code)
	s.mu.Lock()
	defer s.mu.Unlock()
	pending, ok := s.byCode[code]
	return ok && s.now().Before(pending.expiresAt)
}

// Pending returns the number of unexpired codes.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	return len(s.byCode)
}

// Normalize upper-cases and trims a user-typed code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// LooksLikeCode reports whether text could be a bare link code.
func LooksLikeCode(text string) bool {
	text = strings.TrimSpace(text)
	if len(text) != CodeLength {
		return false
	}
	for _, r := range strings.ToUpper(text) {
		if !strings.ContainsRune(Alphabet, r) {
			return false
		}
	}
	return true
}

func (s *Service) recordRedeem(ctx context.Context, userID, status, channel string) {
	observability.RecordLinkCode("redeem", status == "success")
	observability.RecordLinkAudit(ctx, "redeem", userID, status, map[string]interface{}{
		"channel": channel,
	})
}

func (s *Service) deleteLocked(code string, p pendingCode) {
	delete(s.byCode, code)
	key := slotKey{userID: p.userID, slot: p.slot}
	if s.bySlot[key] == code {
		delete(s.bySlot, key)
	}
}

func (s *Service) sweepLocked() {
	now := s.now()
	for code, p := range s.byCode {
		if !now.Before(p.expiresAt) {
			s.deleteLocked(code, p)
		}
	}
}

func (s *Service) uniqueCodeLocked() (string, error) {
	for i := 0; i < 5; i++ {
		code, err := gonanoid.Generate(Alphabet, CodeLength)
		if err != nil {
			return "", fmt.Errorf("generate link code: %w", err)
		}
		if _, exists := s.byCode[code]; !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("failed to generate unique link code")
}
