// Package bytesize provides human-readable byte size parsing and formatting.
// Units use the binary (1024) base; "KB" and "KiB" are equivalent.
//
// Examples:
//   - "500KiB" = 500 * 1024 bytes
//   - "1.5 MB" = 1.5 * 1024^2 bytes
//   - "2048" = 2048 bytes (no unit = bytes)
package bytesize

import (
	"fmt"
	"strconv"
	"strings"
)

// Size represents a byte size as int64.
type Size int64

// Common size constants using binary (1024) base.
const (
	B   Size = 1
	KiB Size = 1024
	MiB Size = 1024 * KiB
	GiB Size = 1024 * MiB
	TiB Size = 1024 * GiB
)

// multiplierFor resolves a unit suffix to its byte multiplier.
// The suffix must already be lowercased and trimmed.
func multiplierFor(unit string) (Size, bool) {
	switch unit {
	case "", "b", "byte", "bytes":
		return B, true
	case "k", "kb", "kib":
		return KiB, true
	case "m", "mb", "mib":
		return MiB, true
	case "g", "gb", "gib":
		return GiB, true
	case "t", "tb", "tib":
		return TiB, true
	}
	return 0, false
}

// Parse parses a human-readable byte size string. The numeric part may be an
// integer or a decimal; whitespace between number and unit is optional.
func Parse(s string) (Size, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("bytesize: empty string")
	}

	// Split at the first letter; everything before is the number,
	// everything from there on is the unit.
	split := len(trimmed)
	for i, r := range trimmed {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			split = i
			break
		}
	}

	numPart := strings.TrimSpace(trimmed[:split])
	unitPart := strings.ToLower(strings.TrimSpace(trimmed[split:]))

	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("bytesize: invalid number %q: %w", numPart, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("bytesize: negative size %q", s)
	}

	multiplier, ok := multiplierFor(unitPart)
	if !ok {
		return 0, fmt.Errorf("bytesize: unknown unit %q", unitPart)
	}

	return Size(value * float64(multiplier)), nil
}

// MustParse is like Parse but panics if the string cannot be parsed.
// Use only for compile-time constants.
func MustParse(s string) Size {
	size, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return size
}

// Format converts a byte size to a human-readable string using the largest
// unit that yields a value >= 1.
func Format(s Size) string {
	negative := s < 0
	if negative {
		s = -s
	}

	var out string
	switch {
	case s >= TiB:
		out = trimmedFloat(float64(s)/float64(TiB)) + "TiB"
	case s >= GiB:
		out = trimmedFloat(float64(s)/float64(GiB)) + "GiB"
	case s >= MiB:
		out = trimmedFloat(float64(s)/float64(MiB)) + "MiB"
	case s >= KiB:
		out = trimmedFloat(float64(s)/float64(KiB)) + "KiB"
	default:
		out = fmt.Sprintf("%dB", s)
	}

	if negative {
		return "-" + out
	}
	return out
}

// trimmedFloat renders a float with up to two decimals, dropping trailing zeros.
func trimmedFloat(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	out := strconv.FormatFloat(v, 'f', 2, 64)
	out = strings.TrimRight(out, "0")
	return strings.TrimRight(out, ".")
}

// Bytes returns the size in bytes as int64.
func (s Size) Bytes() int64 {
	return int64(s)
}

// String returns a human-readable string representation.
func (s Size) String() string {
	return Format(s)
}
