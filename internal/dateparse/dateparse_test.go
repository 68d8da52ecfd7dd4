package dateparse

import (
	"testing"
	"time"
)

// Fixed reference time: Wednesday, 2026-02-18 12:00:00 UTC
var testNow = time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func checkAll(t *testing.T, tests []struct {
	input string
	want  time.Time
}) {
	t.Helper()
	for _, tt := range tests {
		got, err := ParseSinceFrom(tt.input, testNow)
		if err != nil {
			t.Errorf("ParseSinceFrom(%q): unexpected error: %v", tt.input, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseSinceFrom(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestParseSince_ExactDate(t *testing.T) {
	checkAll(t, []struct {
		input string
		want  time.Time
	}{
		{"2026-03-01", day(2026, 3, 1)},
		{"2025-12-31", day(2025, 12, 31)},
		{"01/03/2026", day(2026, 3, 1)},
	})
}

func TestParseSince_Relative(t *testing.T) {
	checkAll(t, []struct {
		input string
		want  time.Time
	}{
		{"-0d", day(2026, 2, 18)},
		{"-1d", day(2026, 2, 17)},
		{"7d", day(2026, 2, 11)},
		{"-3j", day(2026, 2, 15)},
		{"-2w", day(2026, 2, 4)},
		{"-1m", day(2026, 1, 18)},
		{"-3m", day(2025, 11, 18)},
	})
}

func TestParseSince_Keywords(t *testing.T) {
	checkAll(t, []struct {
		input string
		want  time.Time
	}{
		{"today", day(2026, 2, 18)},
		{"aujourd'hui", day(2026, 2, 18)},
		{"yesterday", day(2026, 2, 17)},
		{"hier", day(2026, 2, 17)},
		{"week", day(2026, 2, 16)},
		{"month", day(2026, 2, 1)},
	})
}

func TestParseSince_DayNames(t *testing.T) {
	checkAll(t, []struct {
		input string
		want  time.Time
	}{
		{"wednesday", day(2026, 2, 18)},
		{"monday", day(2026, 2, 16)},
		{"lundi", day(2026, 2, 16)},
		{"Thursday", day(2026, 2, 12)},
		{"  samedi ", day(2026, 2, 14)},
		{"sunday", day(2026, 2, 15)},
	})
}

func TestParseSince_WeekOnSunday(t *testing.T) {
	sunday := time.Date(2026, 2, 22, 9, 0, 0, 0, time.UTC)
	got, err := ParseSinceFrom("week", sunday)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(day(2026, 2, 16)) {
		t.Errorf("week from Sunday = %v, want 2026-02-16", got)
	}
}

func TestParseSince_KeepsLocation(t *testing.T) {
	paris := time.FixedZone("CET", 3600)
	now := time.Date(2026, 2, 18, 0, 30, 0, 0, paris)
	got, err := ParseSinceFrom("today", now)
	if err != nil {
		t.Fatal(err)
	}
	if got.Location() != paris || got.Day() != 18 || got.Hour() != 0 {
		t.Errorf("today in CET = %v", got)
	}
}

func TestParseSince_Errors(t *testing.T) {
	for _, input := range []string{"", "   ", "-5x", "someday", "2026-13-01", "+d"} {
		if _, err := ParseSinceFrom(input, testNow); err == nil {
			t.Errorf("ParseSinceFrom(%q): expected error", input)
		}
	}
}
