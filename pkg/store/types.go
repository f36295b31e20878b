package store

import "time"

// Plan is a user's subscription level.
type Plan string

const (
	PlanFree  Plan = "free"
	PlanPro   Plan = "pro"
	PlanElite Plan = "elite"
)

// Slot names one of a user's two channel bindings.
type Slot string

const (
	SlotPrimary   Slot = "primary"
	SlotSecondary Slot = "secondary"
)

// Valid reports whether s is a known slot.
func (s Slot) Valid() bool {
	return s == SlotPrimary || s == SlotSecondary
}

// ChannelBinding ties a user to an identity on a messaging channel.
type ChannelBinding struct {
	Channel  string `json:"channel"`
	Identity string `json:"identity"`
}

// Empty reports whether the binding is unset.
func (b ChannelBinding) Empty() bool {
	return b.Channel == "" || b.Identity == ""
}

// User is an account owner.
type User struct {
	ID            string         `json:"id"`
	DisplayName   string         `json:"display_name"`
	Timezone      string         `json:"timezone"`
	Plan          Plan           `json:"plan"`
	PlanExpiresAt *time.Time     `json:"plan_expires_at,omitempty"`
	Primary       ChannelBinding `json:"primary"`
	Secondary     ChannelBinding `json:"secondary"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Entitled reports whether the user's plan is current at now. A nil expiry
// never lapses.
func (u User) Entitled(now time.Time) bool {
	return u.PlanExpiresAt == nil || now.Before(*u.PlanExpiresAt)
}

// Persona is a configured character a user talks to.
type Persona struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Name         string    `json:"name"`
	SystemPrompt string    `json:"system_prompt"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// Direction of a conversation turn.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Turn is one entry of conversation history.
type Turn struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	PersonaID string    `json:"persona_id"`
	Direction Direction `json:"direction"`
	Channel   string    `json:"channel"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Memory is a long-term context item produced by the summarizer.
type Memory struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	PersonaID string    `json:"persona_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// PulseKind is one of the four fixed daily pulses.
type PulseKind string

const (
	PulseMorning PulseKind = "morning"
	PulseMidday  PulseKind = "midday"
	PulseEvening PulseKind = "evening"
	PulseNight   PulseKind = "night"
)

// Valid reports whether k is a known pulse kind.
func (k PulseKind) Valid() bool {
	switch k {
	case PulseMorning, PulseMidday, PulseEvening, PulseNight:
		return true
	default:
		return false
	}
}

// Pulse fires once a day at a local hour. User and Persona are populated by
// list and get queries.
type Pulse struct {
	ID          int64      `json:"id"`
	UserID      string     `json:"user_id"`
	PersonaID   string     `json:"persona_id"`
	Kind        PulseKind  `json:"kind"`
	Hour        int        `json:"hour"`
	Instruction string     `json:"instruction"`
	Enabled     bool       `json:"enabled"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`

	User    User    `json:"-"`
	Persona Persona `json:"-"`
}

// MaxLastResult caps the stored text of a rhythm's last run.
const MaxLastResult = 500

// Rhythm fires on a cron schedule in its own timezone.
type Rhythm struct {
	ID          int64      `json:"id"`
	UserID      string     `json:"user_id"`
	PersonaID   string     `json:"persona_id"`
	Name        string     `json:"name"`
	Cron        string     `json:"cron"`
	Timezone    string     `json:"timezone"`
	Instruction string     `json:"instruction"`
	Enabled     bool       `json:"enabled"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	NextFireAt  *time.Time `json:"next_fire_at,omitempty"`
	LastResult  string     `json:"last_result,omitempty"`

	User    User    `json:"-"`
	Persona Persona `json:"-"`
}

// RhythmRun is the bookkeeping written after a rhythm executes.
type RhythmRun struct {
	LastFiredAt *time.Time
	NextFireAt  *time.Time
	LastResult  string
}
