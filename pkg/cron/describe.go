package cron

import (
	"fmt"
	"strconv"
	"strings"
)

var weekdayNames = []string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

// Describe renders a human-readable summary of common expression shapes and
// echoes the raw expression for anything it does not recognize.
func Describe(expr string) string {
	expr = strings.TrimSpace(expr)
	fields := strings.Fields(expr)
	if len(fields) != 5 || !IsValid(expr) {
		return expr
	}
	minute, hour, dom, month, dow := fields[0], fields[1], fields[2], fields[3], fields[4]

	if dom != "*" || month != "*" {
		return expr
	}

	if minute == "*" && hour == "*" && dow == "*" {
		return "Every minute"
	}
	if n, ok := stepOf(minute); ok && hour == "*" && dow == "*" {
		return plural(n, "minute")
	}
	if n, ok := stepOf(hour); ok && dow == "*" {
		m, err := strconv.Atoi(minute)
		if err != nil {
			return expr
		}
		if m == 0 {
			return plural(n, "hour")
		}
		return fmt.Sprintf("%s at minute %d", plural(n, "hour"), m)
	}
	if hour == "*" && dow == "*" {
		if m, err := strconv.Atoi(minute); err == nil {
			return fmt.Sprintf("Every hour at minute %d", m)
		}
		return expr
	}

	at, ok := clock(hour, minute)
	if !ok {
		return expr
	}

	switch dow {
	case "*":
		return "Daily at " + at
	case "1-5", "MON-FRI", "mon-fri":
		return "Weekdays at " + at
	case "0,6", "6,0", "6-7", "SAT,SUN", "sat,sun":
		return "Weekends at " + at
	}

	days, ok := weekdaySet(dow)
	if !ok {
		return expr
	}
	return fmt.Sprintf("Every %s at %s", strings.Join(days, ", "), at)
}

func stepOf(field string) (int, bool) {
	if !strings.HasPrefix(field, "*/") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(field, "*/"))
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func plural(n int, unit string) string {
	if n == 1 {
		return "Every " + unit
	}
	return fmt.Sprintf("Every %d %ss", n, unit)
}

func clock(hour, minute string) (string, bool) {
	h, err := strconv.Atoi(hour)
	if err != nil {
		return "", false
	}
	m, err := strconv.Atoi(minute)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("%02d:%02d", h, m), true
}

// weekdaySet expands a numeric day-of-week list such as "1,3,5" or "1-3".
func weekdaySet(dow string) ([]string, bool) {
	var days []string
	for _, part := range strings.Split(dow, ",") {
		lo, hi := part, part
		if i := strings.Index(part, "-"); i > 0 {
			lo, hi = part[:i], part[i+1:]
		}
		from, err := strconv.Atoi(lo)
		if err != nil {
			return nil, false
		}
		to, err := strconv.Atoi(hi)
		if err != nil || to < from || to > 7 {
			return nil, false
		}
		for d := from; d <= to; d++ {
			days = append(days, weekdayNames[d%7])
		}
	}
	return days, len(days) > 0
}
