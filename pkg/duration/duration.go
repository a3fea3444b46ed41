// Package duration provides human-readable duration parsing and formatting.
// It extends Go's standard time.ParseDuration with day and week units, which
// is enough for retention-style settings ("30 days", "2w") without dragging
// in ambiguous month/year arithmetic.
package duration

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// Day represents 24 hours.
	Day = 24 * time.Hour
	// Week represents 7 days.
	Week = 7 * Day
)

// extendedPattern matches day/week components, with optional whitespace
// between number and unit: "30d", "30 days", "2weeks".
var extendedPattern = regexp.MustCompile(`(?i)(\d+)\s*(weeks?|wks?|w|days?|d)`)

// wordPattern matches standard units written as words: "3 hours", "45 mins".
var wordPattern = regexp.MustCompile(`(?i)(\d+)\s*(hours?|hrs?|minutes?|mins?|seconds?|secs?|milliseconds?|ms)`)

// shortUnit maps a lowercased word unit to its time.ParseDuration form.
func shortUnit(word string) string {
	switch {
	case strings.HasPrefix(word, "hour"), strings.HasPrefix(word, "hr"):
		return "h"
	case strings.HasPrefix(word, "min"):
		return "m"
	case strings.HasPrefix(word, "sec"):
		return "s"
	default:
		return "ms"
	}
}

// Parse parses a human-readable duration string. Day (d) and week (w) units
// are converted to hours before delegating to time.ParseDuration, so mixed
// forms like "1w2d12h" work.
func Parse(s string) (time.Duration, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("duration: empty string")
	}

	negative := strings.HasPrefix(trimmed, "-")
	if negative {
		trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "-"))
	}

	var extraHours int64
	remaining := extendedPattern.ReplaceAllStringFunc(trimmed, func(match string) string {
		parts := extendedPattern.FindStringSubmatch(match)
		value, _ := strconv.ParseInt(parts[1], 10, 64)
		unit := strings.ToLower(parts[2])
		if strings.HasPrefix(unit, "w") {
			extraHours += value * 7 * 24
		} else {
			extraHours += value * 24
		}
		return ""
	})

	remaining = wordPattern.ReplaceAllStringFunc(remaining, func(match string) string {
		parts := wordPattern.FindStringSubmatch(match)
		return parts[1] + shortUnit(strings.ToLower(parts[2]))
	})

	// time.ParseDuration rejects internal whitespace.
	remaining = strings.Join(strings.Fields(remaining), "")

	composed := remaining
	if extraHours > 0 {
		composed = fmt.Sprintf("%dh%s", extraHours, remaining)
	}
	if composed == "" {
		composed = "0s"
	}

	d, err := time.ParseDuration(composed)
	if err != nil {
		return 0, fmt.Errorf("duration: %w", err)
	}
	if negative {
		d = -d
	}
	return d, nil
}

// MustParse is like Parse but panics if the string cannot be parsed.
// Use only for compile-time constants.
func MustParse(s string) time.Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Format converts a duration to a compact human-readable string, omitting
// zero components: 26h30m becomes "1d2h30m", 90s becomes "1m30s".
// Sub-second durations render as milliseconds.
func Format(d time.Duration) string {
	if d == 0 {
		return "0s"
	}

	negative := d < 0
	if negative {
		d = -d
	}

	if d < time.Second {
		out := fmt.Sprintf("%dms", d.Milliseconds())
		if negative {
			return "-" + out
		}
		return out
	}

	var b strings.Builder
	for _, part := range []struct {
		unit time.Duration
		tag  string
	}{
		{Week, "w"},
		{Day, "d"},
		{time.Hour, "h"},
		{time.Minute, "m"},
		{time.Second, "s"},
	} {
		if n := d / part.unit; n > 0 {
			fmt.Fprintf(&b, "%d%s", n, part.tag)
			d -= n * part.unit
		}
	}

	if negative {
		return "-" + b.String()
	}
	return b.String()
}
