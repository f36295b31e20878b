package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type dialect struct {
	name     string
	serial   string
	boolType string
	trueLit  string
	falseLit string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	// isUnique reports whether err is a unique-constraint violation.
	isUnique func(err error) bool
}

// sqlStore implements Store over database/sql.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func (s *sqlStore) q(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.q(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.q(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.q(query), args...)
}

func (s *sqlStore) Migrate(ctx context.Context) error {
	for _, stmt := range renderSchema(s.d) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.d.name, err)
		}
	}
	return nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// Users

const userColumns = `id, display_name, timezone, plan, plan_expires_at,
	primary_channel, primary_identity, secondary_channel, secondary_identity, created_at`

func (s *sqlStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Plan == "" {
		u.Plan = PlanFree
	}
	if u.Timezone == "" {
		u.Timezone = "UTC"
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx, `INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.DisplayName, u.Timezone, string(u.Plan), nullMillis(u.PlanExpiresAt),
		u.Primary.Channel, u.Primary.Identity, u.Secondary.Channel, u.Secondary.Identity,
		toMillis(u.CreatedAt))
	return s.wrapWrite("create user", err)
}

func (s *sqlStore) GetUser(ctx context.Context, id string) (*User, error) {
	row := s.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *sqlStore) FindUserByChannel(ctx context.Context, channel, identity string) (*User, error) {
	row := s.queryRow(ctx, `SELECT `+userColumns+` FROM users
		WHERE (primary_channel = ? AND primary_identity = ?)
		   OR (secondary_channel = ? AND secondary_identity = ?)
		ORDER BY created_at LIMIT 1`,
		channel, identity, channel, identity)
	return scanUser(row)
}

func (s *sqlStore) BindChannel(ctx context.Context, userID string, slot Slot, binding ChannelBinding) error {
	var query string
	switch slot {
	case SlotPrimary:
		query = `UPDATE users SET primary_channel = ?, primary_identity = ? WHERE id = ?`
	case SlotSecondary:
		query = `UPDATE users SET secondary_channel = ?, secondary_identity = ? WHERE id = ?`
	default:
		return fmt.Errorf("unknown slot %q", slot)
	}
	res, err := s.exec(ctx, query, binding.Channel, binding.Identity, userID)
	if err != nil {
		return fmt.Errorf("bind channel: %w", err)
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUserInto(row rowScanner, u *User) error {
	var (
		plan    string
		expires sql.NullInt64
		created int64
	)
	if err := row.Scan(&u.ID, &u.DisplayName, &u.Timezone, &plan, &expires,
		&u.Primary.Channel, &u.Primary.Identity, &u.Secondary.Channel, &u.Secondary.Identity, &created); err != nil {
		return err
	}
	u.Plan = Plan(plan)
	u.PlanExpiresAt = fromNullMillis(expires)
	u.CreatedAt = fromMillis(created)
	return nil
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	if err := scanUserInto(row, &u); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// Personas

func (s *sqlStore) CreatePersona(ctx context.Context, p *Persona) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create persona: %w", err)
	}
	defer tx.Rollback()

	if p.Active {
		// One active persona per user.
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE personas SET active = ? WHERE user_id = ?`), false, p.UserID); err != nil {
			return fmt.Errorf("create persona: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO personas (id, user_id, name, system_prompt, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		p.ID, p.UserID, p.Name, p.SystemPrompt, p.Active, toMillis(p.CreatedAt)); err != nil {
		return s.wrapWrite("create persona", err)
	}
	return tx.Commit()
}

const personaColumns = `id, user_id, name, system_prompt, active, created_at`

func scanPersonaInto(row rowScanner, p *Persona) error {
	var created int64
	if err := row.Scan(&p.ID, &p.UserID, &p.Name, &p.SystemPrompt, &p.Active, &created); err != nil {
		return err
	}
	p.CreatedAt = fromMillis(created)
	return nil
}

func (s *sqlStore) GetPersona(ctx context.Context, id string) (*Persona, error) {
	row := s.queryRow(ctx, `SELECT `+personaColumns+` FROM personas WHERE id = ?`, id)
	var p Persona
	if err := scanPersonaInto(row, &p); err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *sqlStore) ActivePersona(ctx context.Context, userID string) (*Persona, error) {
	row := s.queryRow(ctx, `SELECT `+personaColumns+` FROM personas
		WHERE user_id = ? AND active = ? ORDER BY created_at DESC LIMIT 1`, userID, true)
	var p Persona
	if err := scanPersonaInto(row, &p); err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// History

func (s *sqlStore) AppendTurn(ctx context.Context, t *Turn) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	err := s.queryRow(ctx, `INSERT INTO messages (user_id, persona_id, direction, channel, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		t.UserID, t.PersonaID, string(t.Direction), t.Channel, t.Content, toMillis(t.CreatedAt)).Scan(&t.ID)
	return s.wrapWrite("append turn", err)
}

func (s *sqlStore) RecentTurns(ctx context.Context, userID, personaID string, limit int) ([]Turn, error) {
	rows, err := s.query(ctx, `SELECT id, user_id, persona_id, direction, channel, content, created_at
		FROM messages WHERE user_id = ? AND persona_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, userID, personaID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t       Turn
			dir     string
			created int64
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.PersonaID, &dir, &t.Channel, &t.Content, &created); err != nil {
			return nil, fmt.Errorf("recent turns: %w", err)
		}
		t.Direction = Direction(dir)
		t.CreatedAt = fromMillis(created)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("recent turns: %w", err)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Memories

func (s *sqlStore) AddMemory(ctx context.Context, m *Memory) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	err := s.queryRow(ctx, `INSERT INTO memories (user_id, persona_id, content, created_at)
		VALUES (?, ?, ?, ?) RETURNING id`,
		m.UserID, m.PersonaID, m.Content, toMillis(m.CreatedAt)).Scan(&m.ID)
	return s.wrapWrite("add memory", err)
}

func (s *sqlStore) RecentMemories(ctx context.Context, userID, personaID string, limit int) ([]Memory, error) {
	rows, err := s.query(ctx, `SELECT id, user_id, persona_id, content, created_at
		FROM memories WHERE user_id = ? AND persona_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, userID, personaID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var (
			m       Memory
			created int64
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.PersonaID, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("recent memories: %w", err)
		}
		m.CreatedAt = fromMillis(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Pulses

func (s *sqlStore) CreatePulse(ctx context.Context, p *Pulse) error {
	if !p.Kind.Valid() {
		return fmt.Errorf("unknown pulse kind %q", p.Kind)
	}
	if p.Hour < 0 || p.Hour > 23 {
		return fmt.Errorf("pulse hour out of range: %d", p.Hour)
	}
	err := s.queryRow(ctx, `INSERT INTO pulses (user_id, persona_id, kind, hour, instruction, enabled, last_fired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		p.UserID, p.PersonaID, string(p.Kind), p.Hour, p.Instruction, p.Enabled, nullMillis(p.LastFiredAt)).Scan(&p.ID)
	return s.wrapWrite("create pulse", err)
}

const pulseSelect = `SELECT p.id, p.user_id, p.persona_id, p.kind, p.hour, p.instruction, p.enabled, p.last_fired_at,
	u.id, u.display_name, u.timezone, u.plan, u.plan_expires_at,
	u.primary_channel, u.primary_identity, u.secondary_channel, u.secondary_identity, u.created_at,
	pe.id, pe.user_id, pe.name, pe.system_prompt, pe.active, pe.created_at
	FROM pulses p
	JOIN users u ON u.id = p.user_id
	JOIN personas pe ON pe.id = p.persona_id`

func scanPulse(row rowScanner) (Pulse, error) {
	var (
		p     Pulse
		kind  string
		fired sql.NullInt64
		u     User
		pe    Persona
		plan  string
		exp   sql.NullInt64
		uc    int64
		pc    int64
	)
	err := row.Scan(&p.ID, &p.UserID, &p.PersonaID, &kind, &p.Hour, &p.Instruction, &p.Enabled, &fired,
		&u.ID, &u.DisplayName, &u.Timezone, &plan, &exp,
		&u.Primary.Channel, &u.Primary.Identity, &u.Secondary.Channel, &u.Secondary.Identity, &uc,
		&pe.ID, &pe.UserID, &pe.Name, &pe.SystemPrompt, &pe.Active, &pc)
	if err != nil {
		return Pulse{}, err
	}
	p.Kind = PulseKind(kind)
	p.LastFiredAt = fromNullMillis(fired)
	u.Plan = Plan(plan)
	u.PlanExpiresAt = fromNullMillis(exp)
	u.CreatedAt = fromMillis(uc)
	pe.CreatedAt = fromMillis(pc)
	p.User, p.Persona = u, pe
	return p, nil
}

func (s *sqlStore) GetPulse(ctx context.Context, id int64) (*Pulse, error) {
	p, err := scanPulse(s.queryRow(ctx, pulseSelect+` WHERE p.id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *sqlStore) ListEnabledPulses(ctx context.Context, afterID int64, limit int) ([]Pulse, error) {
	rows, err := s.query(ctx, pulseSelect+` WHERE p.enabled = ? AND p.id > ? ORDER BY p.id LIMIT ?`, true, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list pulses: %w", err)
	}
	defer rows.Close()

	var out []Pulse
	for rows.Next() {
		p, err := scanPulse(rows)
		if err != nil {
			return nil, fmt.Errorf("list pulses: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqlStore) MarkPulseFired(ctx context.Context, id int64, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE pulses SET last_fired_at = ? WHERE id = ?`, toMillis(at), id)
	if err != nil {
		return fmt.Errorf("mark pulse fired: %w", err)
	}
	return requireRow(res)
}

// Rhythms

func (s *sqlStore) CreateRhythm(ctx context.Context, r *Rhythm) error {
	err := s.queryRow(ctx, `INSERT INTO rhythms (user_id, persona_id, name, cron, timezone, instruction, enabled, last_fired_at, next_fire_at, last_result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		r.UserID, r.PersonaID, r.Name, r.Cron, r.Timezone, r.Instruction, r.Enabled,
		nullMillis(r.LastFiredAt), nullMillis(r.NextFireAt), truncate(r.LastResult, MaxLastResult)).Scan(&r.ID)
	return s.wrapWrite("create rhythm", err)
}

const rhythmSelect = `SELECT r.id, r.user_id, r.persona_id, r.name, r.cron, r.timezone, r.instruction, r.enabled,
	r.last_fired_at, r.next_fire_at, r.last_result,
	u.id, u.display_name, u.timezone, u.plan, u.plan_expires_at,
	u.primary_channel, u.primary_identity, u.secondary_channel, u.secondary_identity, u.created_at,
	pe.id, pe.user_id, pe.name, pe.system_prompt, pe.active, pe.created_at
	FROM rhythms r
	JOIN users u ON u.id = r.user_id
	JOIN personas pe ON pe.id = r.persona_id`

func scanRhythm(row rowScanner) (Rhythm, error) {
	var (
		r           Rhythm
		fired, next sql.NullInt64
		u           User
		pe          Persona
		plan        string
		exp         sql.NullInt64
		uc, pc      int64
	)
	err := row.Scan(&r.ID, &r.UserID, &r.PersonaID, &r.Name, &r.Cron, &r.Timezone, &r.Instruction, &r.Enabled,
		&fired, &next, &r.LastResult,
		&u.ID, &u.DisplayName, &u.Timezone, &plan, &exp,
		&u.Primary.Channel, &u.Primary.Identity, &u.Secondary.Channel, &u.Secondary.Identity, &uc,
		&pe.ID, &pe.UserID, &pe.Name, &pe.SystemPrompt, &pe.Active, &pc)
	if err != nil {
		return Rhythm{}, err
	}
	r.LastFiredAt = fromNullMillis(fired)
	r.NextFireAt = fromNullMillis(next)
	u.Plan = Plan(plan)
	u.PlanExpiresAt = fromNullMillis(exp)
	u.CreatedAt = fromMillis(uc)
	pe.CreatedAt = fromMillis(pc)
	r.User, r.Persona = u, pe
	return r, nil
}

func (s *sqlStore) GetRhythm(ctx context.Context, id int64) (*Rhythm, error) {
	r, err := scanRhythm(s.queryRow(ctx, rhythmSelect+` WHERE r.id = ?`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return &r, nil
}

func (s *sqlStore) CountRhythms(ctx context.Context, personaID string) (int, error) {
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM rhythms WHERE persona_id = ?`, personaID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rhythms: %w", err)
	}
	return n, nil
}

func (s *sqlStore) ListDueRhythms(ctx context.Context, now time.Time, limit int) ([]Rhythm, error) {
	rows, err := s.query(ctx, rhythmSelect+`
		WHERE r.enabled = ? AND r.next_fire_at IS NOT NULL AND r.next_fire_at <= ?
		ORDER BY r.next_fire_at, r.id LIMIT ?`, true, toMillis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list due rhythms: %w", err)
	}
	defer rows.Close()

	var out []Rhythm
	for rows.Next() {
		r, err := scanRhythm(rows)
		if err != nil {
			return nil, fmt.Errorf("list due rhythms: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateRhythmRun(ctx context.Context, id int64, run RhythmRun) error {
	// A nil LastFiredAt keeps the previous value.
	res, err := s.exec(ctx, `UPDATE rhythms
		SET last_fired_at = COALESCE(?, last_fired_at), next_fire_at = ?, last_result = ?
		WHERE id = ?`,
		nullMillis(run.LastFiredAt), nullMillis(run.NextFireAt), truncate(run.LastResult, MaxLastResult), id)
	if err != nil {
		return fmt.Errorf("update rhythm run: %w", err)
	}
	return requireRow(res)
}

func (s *sqlStore) DisableRhythm(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `UPDATE rhythms SET enabled = ? WHERE id = ?`, false, id)
	if err != nil {
		return fmt.Errorf("disable rhythm: %w", err)
	}
	return requireRow(res)
}

// Credentials

func (s *sqlStore) PutCallerCredential(ctx context.Context, callerID, secret string) error {
	_, err := s.exec(ctx, `INSERT INTO caller_credentials (caller_id, secret, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (caller_id) DO UPDATE SET secret = excluded.secret, updated_at = excluded.updated_at`,
		callerID, secret, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("put caller credential: %w", err)
	}
	return nil
}

func (s *sqlStore) CallerCredential(ctx context.Context, callerID string) (string, bool, error) {
	var secret string
	err := s.queryRow(ctx, `SELECT secret FROM caller_credentials WHERE caller_id = ?`, callerID).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("caller credential: %w", err)
	}
	return secret, secret != "", nil
}

// Leases

func (s *sqlStore) AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.exec(ctx, `INSERT INTO scheduler_leases (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE scheduler_leases.holder = excluded.holder OR scheduler_leases.expires_at <= ?`,
		name, holder, toMillis(now.Add(ttl)), toMillis(now))
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.exec(ctx, `DELETE FROM scheduler_leases WHERE name = ? AND holder = ?`, name, holder)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// helpers

func (s *sqlStore) wrapWrite(op string, err error) error {
	if err == nil {
		return nil
	}
	if s.d.isUnique != nil && s.d.isUnique(err) {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
