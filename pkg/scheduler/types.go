package scheduler

import (
	"fmt"
	"time"

	"github.com/harun/warband/pkg/store"
)

// TaskKind distinguishes the two recurring task types.
type TaskKind string

const (
	KindPulse  TaskKind = "pulse"
	KindRhythm TaskKind = "rhythm"
)

// ParseTaskKind accepts "pulse" or "rhythm".
func ParseTaskKind(s string) (TaskKind, error) {
	switch TaskKind(s) {
	case KindPulse, KindRhythm:
		return TaskKind(s), nil
	default:
		return "", fmt.Errorf("unknown task kind %q", s)
	}
}

// Run statuses reported in metrics, audit records and Outcome.
const (
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusSkipped  = "skipped"
	StatusDisabled = "disabled"
)

// PulseCooldown is the minimum gap between two firings of the same Pulse.
// It is shorter than a day so a Pulse still fires when a tick lands a few
// minutes early on the next day.
const PulseCooldown = 23 * time.Hour

// Config tunes the scheduler loop.
type Config struct {
	Interval     time.Duration `json:"interval" mapstructure:"interval"`
	PulseBatch   int           `json:"pulse_batch" mapstructure:"pulse_batch"`
	RhythmBatch  int           `json:"rhythm_batch" mapstructure:"rhythm_batch"`
	MemoryLimit  int           `json:"memory_limit" mapstructure:"memory_limit"`
	HistoryLimit int           `json:"history_limit" mapstructure:"history_limit"`
	LeaseEnabled bool          `json:"lease_enabled" mapstructure:"lease_enabled"`
	LeaseName    string        `json:"lease_name" mapstructure:"lease_name"`
	LeaseTTL     time.Duration `json:"lease_ttl" mapstructure:"lease_ttl"`
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Interval:     time.Minute,
		PulseBatch:   100,
		RhythmBatch:  50,
		MemoryLimit:  10,
		HistoryLimit: 10,
		LeaseEnabled: true,
		LeaseName:    "scheduler",
		LeaseTTL:     3 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive")
	}
	if c.PulseBatch <= 0 || c.RhythmBatch <= 0 {
		return fmt.Errorf("scheduler batch sizes must be positive")
	}
	if c.LeaseEnabled {
		if c.LeaseName == "" {
			return fmt.Errorf("scheduler lease name is required")
		}
		if c.LeaseTTL <= c.Interval {
			return fmt.Errorf("scheduler lease ttl (%s) must exceed the interval (%s)", c.LeaseTTL, c.Interval)
		}
	}
	return nil
}

// RhythmLimit is the number of Rhythms a persona may own on plan.
func RhythmLimit(plan store.Plan) int {
	switch plan {
	case store.PlanElite:
		return 25
	case store.PlanPro:
		return 5
	default:
		return 0
	}
}

// TickReport summarizes one tick.
type TickReport struct {
	Skipped    bool          `json:"skipped"` // another instance holds the lease
	DuePulses  int           `json:"due_pulses"`
	DueRhythms int           `json:"due_rhythms"`
	Succeeded  int           `json:"succeeded"`
	Failed     int           `json:"failed"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Outcome describes one task execution.
type Outcome struct {
	Kind      TaskKind `json:"kind"`
	ID        int64    `json:"id"`
	Status    string   `json:"status"`
	Content   string   `json:"content,omitempty"`
	ErrorKind string   `json:"error_kind,omitempty"`
	Channel   string   `json:"channel,omitempty"`
}
