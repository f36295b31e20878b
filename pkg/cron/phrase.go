package cron

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	everyMinutesRe = regexp.MustCompile(`^every (\d+) minutes?$`)
	everyHoursRe   = regexp.MustCompile(`^every (\d+) hours?$`)
	dayPhraseRe    = regexp.MustCompile(`^(?:every )?(day|daily|weekday|weekdays|weekend|weekends|monday|tuesday|wednesday|thursday|friday|saturday|sunday)s?(?: (?:at|@) (.+))?$`)
	timeOfDayRe    = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
)

var dowByName = map[string]string{
	"day":       "*",
	"daily":     "*",
	"weekday":   "1-5",
	"weekdays":  "1-5",
	"weekend":   "0,6",
	"weekends":  "0,6",
	"sunday":    "0",
	"monday":    "1",
	"tuesday":   "2",
	"wednesday": "3",
	"thursday":  "4",
	"friday":    "5",
	"saturday":  "6",
}

// FromPhrase converts a short English schedule such as "every weekday at 9am"
// into a 5-field expression. Phrases without a time of day default to 09:00.
func FromPhrase(phrase string) (string, error) {
	p := strings.ToLower(strings.Join(strings.Fields(phrase), " "))
	p = strings.TrimRight(p, ".!")

	switch p {
	case "every minute":
		return "* * * * *", nil
	case "every hour", "hourly":
		return "0 * * * *", nil
	}

	if m := everyMinutesRe.FindStringSubmatch(p); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n < 1 || n > 59 {
			return "", fmt.Errorf("minute interval out of range: %d", n)
		}
		return fmt.Sprintf("*/%d * * * *", n), nil
	}
	if m := everyHoursRe.FindStringSubmatch(p); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n < 1 || n > 23 {
			return "", fmt.Errorf("hour interval out of range: %d", n)
		}
		return fmt.Sprintf("0 */%d * * *", n), nil
	}

	m := dayPhraseRe.FindStringSubmatch(p)
	if m == nil {
		return "", fmt.Errorf("unrecognized schedule phrase %q", phrase)
	}
	dow := dowByName[m[1]]

	hour, minute := 9, 0
	if m[2] != "" {
		var err error
		hour, minute, err = parseTimeOfDay(m[2])
		if err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%d %d * * %s", minute, hour, dow), nil
}

func parseTimeOfDay(s string) (int, int, error) {
	switch s {
	case "noon":
		return 12, 0, nil
	case "midnight":
		return 0, 0, nil
	}

	m := timeOfDayRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, fmt.Errorf("unrecognized time of day %q", s)
	}
	hour, _ := strconv.Atoi(m[1])
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}

	switch m[3] {
	case "am":
		if hour < 1 || hour > 12 {
			return 0, 0, fmt.Errorf("invalid hour %d", hour)
		}
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 1 || hour > 12 {
			return 0, 0, fmt.Errorf("invalid hour %d", hour)
		}
		if hour != 12 {
			hour += 12
		}
	}

	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid time %q", s)
	}
	return hour, minute, nil
}
