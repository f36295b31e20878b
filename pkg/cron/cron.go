// Package cron resolves standard 5-field cron expressions in IANA timezones.
//
// Only the POSIX grammar is accepted: minute, hour, day-of-month, month and
// day-of-week. Seconds fields, descriptors such as @daily and inline TZ=
// prefixes are rejected.
package cron

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parse validates expr and returns the compiled schedule.
func Parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("cron expression is empty")
	}
	if strings.HasPrefix(expr, "@") {
		return nil, fmt.Errorf("descriptor %q is not supported", expr)
	}
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, fmt.Errorf("inline timezone is not supported")
	}
	if strings.Contains(expr, "?") {
		return nil, fmt.Errorf("'?' is not supported")
	}
	if n := len(strings.Fields(expr)); n != 5 {
		return nil, fmt.Errorf("expected 5 fields, got %d", n)
	}

	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched, nil
}

// IsValid reports whether expr is a supported 5-field expression.
func IsValid(expr string) bool {
	_, err := Parse(expr)
	return err == nil
}

// LoadLocation resolves an IANA zone name, falling back to UTC.
func LoadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn().Str("tz", tz).Err(err).Msg("Unknown timezone, using UTC")
		return time.UTC
	}
	return loc
}

// NextRun returns the first activation of expr strictly after now, evaluated
// in tz. The boolean is false when expr does not parse.
func NextRun(expr, tz string) (time.Time, bool) {
	return NextRunAfter(expr, tz, time.Now())
}

// NextRunAfter is NextRun with an explicit reference instant.
func NextRunAfter(expr, tz string, after time.Time) (time.Time, bool) {
	sched, err := Parse(expr)
	if err != nil {
		log.Warn().Str("expr", expr).Err(err).Msg("Cannot compute next run")
		return time.Time{}, false
	}

	next := sched.Next(after.In(LoadLocation(tz)))
	if next.IsZero() {
		// robfig gives up after five years without a match (e.g. "0 0 30 2 *").
		log.Warn().Str("expr", expr).Msg("Cron expression never fires")
		return time.Time{}, false
	}
	return next, true
}
