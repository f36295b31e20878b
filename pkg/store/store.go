// Package store persists users, personas, conversation history and recurring
// tasks. SQLite and Postgres backends share one implementation over
// database/sql and differ only in dialect.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write violates a uniqueness rule.
var ErrConflict = errors.New("conflict")

// Store is the persistence surface used by the pipeline and scheduler.
type Store interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	// FindUserByChannel checks both the primary and secondary slot in one query.
	FindUserByChannel(ctx context.Context, channel, identity string) (*User, error)
	BindChannel(ctx context.Context, userID string, slot Slot, binding ChannelBinding) error

	CreatePersona(ctx context.Context, p *Persona) error
	GetPersona(ctx context.Context, id string) (*Persona, error)
	ActivePersona(ctx context.Context, userID string) (*Persona, error)

	AppendTurn(ctx context.Context, t *Turn) error
	// RecentTurns returns up to limit turns, oldest first.
	RecentTurns(ctx context.Context, userID, personaID string, limit int) ([]Turn, error)

	AddMemory(ctx context.Context, m *Memory) error
	// RecentMemories returns up to limit memories, newest first.
	RecentMemories(ctx context.Context, userID, personaID string, limit int) ([]Memory, error)

	CreatePulse(ctx context.Context, p *Pulse) error
	GetPulse(ctx context.Context, id int64) (*Pulse, error)
	// ListEnabledPulses returns up to limit enabled pulses with id > afterID,
	// ordered by id.
	ListEnabledPulses(ctx context.Context, afterID int64, limit int) ([]Pulse, error)
	MarkPulseFired(ctx context.Context, id int64, at time.Time) error

	CreateRhythm(ctx context.Context, r *Rhythm) error
	GetRhythm(ctx context.Context, id int64) (*Rhythm, error)
	CountRhythms(ctx context.Context, personaID string) (int, error)
	// ListDueRhythms returns enabled rhythms with next_fire_at <= now.
	ListDueRhythms(ctx context.Context, now time.Time, limit int) ([]Rhythm, error)
	UpdateRhythmRun(ctx context.Context, id int64, run RhythmRun) error
	DisableRhythm(ctx context.Context, id int64) error

	PutCallerCredential(ctx context.Context, callerID, secret string) error
	CallerCredential(ctx context.Context, callerID string) (string, bool, error)

	// AcquireLease takes or renews the named lease for holder. It returns
	// false when another holder owns an unexpired lease.
	AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

// Config selects and locates a backend.
type Config struct {
	Driver string `json:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	Path   string `json:"path" mapstructure:"path"`     // sqlite file
	URL    string `json:"url" mapstructure:"url"`       // postgres connection string
}

// Open connects to the configured backend. It does not create the schema;
// call Migrate for that.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return OpenSQLite(cfg.Path)
	case "postgres":
		return OpenPostgres(ctx, cfg.URL)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}
