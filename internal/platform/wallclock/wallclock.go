// Package wallclock parses and formats time-of-day values exchanged with the
// booking backend. Every component that compares or displays a slot time goes
// through Parse so there is exactly one set of accepted input formats.
//
// Accepted inputs (surrounding whitespace is ignored, AM/PM is case-insensitive):
//
//	"09:30", "9:30"          24-hour clock
//	"09:30:00"               24-hour clock with seconds (seconds are dropped)
//	"9:30 AM", "9:30pm"      12-hour clock
//	"0930"                   compact 24-hour clock, exactly four digits
//
// Anything else is rejected with ErrUnrecognizedTime.
package wallclock

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MinutesPerDay is the number of minutes between two midnights.
const MinutesPerDay = 24 * 60

// ErrUnrecognizedTime is returned for inputs that match none of the accepted formats.
var ErrUnrecognizedTime = errors.New("unrecognized wall-clock time")

var layouts = []string{
	"15:04",
	"15:04:05",
	"3:04 PM",
	"3:04PM",
	"3:04:05 PM",
	"3:04:05PM",
}

// Parse converts a wall-clock string into minutes since midnight.
func Parse(s string) (int, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if v == "" {
		return 0, fmt.Errorf("%w: empty value", ErrUnrecognizedTime)
	}

	if len(v) == 4 && isDigits(v) {
		t, err := time.Parse("1504", v)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrUnrecognizedTime, s)
		}
		return t.Hour()*60 + t.Minute(), nil
	}

	for _, layout := range layouts {
		t, err := time.Parse(layout, v)
		if err == nil {
			return t.Hour()*60 + t.Minute(), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnrecognizedTime, s)
}

// Format renders minutes since midnight as canonical "HH:MM".
func Format(minutes int) string {
	minutes = ((minutes % MinutesPerDay) + MinutesPerDay) % MinutesPerDay
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}

// Normalize parses s and returns its canonical "HH:MM" form.
func Normalize(s string) (string, error) {
	m, err := Parse(s)
	if err != nil {
		return "", err
	}
	return Format(m), nil
}

// MinutesOf returns the minutes since midnight of t in t's location.
func MinutesOf(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
