// Package dateparse parses the start of a reporting window ("today",
// "-7d", "monday", "2026-03-01") into a local midnight.
package dateparse

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseSince parses input relative to time.Now.
func ParseSince(input string) (time.Time, error) {
	return ParseSinceFrom(input, time.Now())
}

// ParseSinceFrom parses input relative to now and returns midnight of the
// resulting day in now's location.
//
// Supported formats:
//   - Exact dates: "2026-03-01", "01/03/2026"
//   - Relative days, weeks, months back: "-7d", "-2w", "-1m" (sign optional)
//   - Day names, English or French: "monday", "lundi" (most recent, today included)
//   - Keywords: "today", "yesterday", "week" (this Monday), "month" (the 1st)
func ParseSinceFrom(input string, now time.Time) (time.Time, error) {
	input = strings.TrimSpace(strings.ToLower(input))
	if input == "" {
		return time.Time{}, fmt.Errorf("empty date input")
	}
	loc := now.Location()

	for _, layout := range []string{"2006-01-02", "02/01/2006"} {
		if t, err := time.ParseInLocation(layout, input, loc); err == nil {
			return t, nil
		}
	}

	switch input {
	case "today", "aujourd'hui", "aujourdhui":
		return midnight(now), nil
	case "yesterday", "hier":
		return midnight(now.AddDate(0, 0, -1)), nil
	case "week", "semaine":
		back := (int(now.Weekday()) - int(time.Monday) + 7) % 7
		return midnight(now.AddDate(0, 0, -back)), nil
	case "month", "mois":
		y, m, _ := now.Date()
		return time.Date(y, m, 1, 0, 0, 0, 0, loc), nil
	}

	if rel := strings.TrimPrefix(input, "-"); len(rel) >= 2 {
		unit := rel[len(rel)-1]
		if n, err := strconv.Atoi(rel[:len(rel)-1]); err == nil && n >= 0 {
			switch unit {
			case 'd', 'j':
				return midnight(now.AddDate(0, 0, -n)), nil
			case 'w':
				return midnight(now.AddDate(0, 0, -7*n)), nil
			case 'm':
				return midnight(now.AddDate(0, -n, 0)), nil
			default:
				return time.Time{}, fmt.Errorf("unknown relative unit %q in %q (use d, w, or m)", string(unit), input)
			}
		}
	}

	if target, ok := weekdays[input]; ok {
		back := (int(now.Weekday()) - int(target) + 7) % 7
		return midnight(now.AddDate(0, 0, -back)), nil
	}

	return time.Time{}, fmt.Errorf("unrecognized date format: %q", input)
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "dimanche": time.Sunday,
	"monday": time.Monday, "lundi": time.Monday,
	"tuesday": time.Tuesday, "mardi": time.Tuesday,
	"wednesday": time.Wednesday, "mercredi": time.Wednesday,
	"thursday": time.Thursday, "jeudi": time.Thursday,
	"friday": time.Friday, "vendredi": time.Friday,
	"saturday": time.Saturday, "samedi": time.Saturday,
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
