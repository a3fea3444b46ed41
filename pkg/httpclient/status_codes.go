package httpclient

import (
	"fmt"
	"strconv"
	"strings"
)

// statusCodeRange is an inclusive range of HTTP status codes.
type statusCodeRange struct {
	min int
	max int
}

// StatusCodeSet represents a set of acceptable HTTP status codes, supporting
// individual codes and inclusive ranges.
//
// Example formats: "200", "200,404", "200-299", "200-299,404".
type StatusCodeSet struct {
	codes  map[int]struct{}
	ranges []statusCodeRange
}

// ParseStatusCodes parses a string like "200-299,404" into a StatusCodeSet.
// Returns nil for empty input.
func ParseStatusCodes(s string) (*StatusCodeSet, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	set := &StatusCodeSet{codes: make(map[int]struct{})}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if lo, hi, found := strings.Cut(part, "-"); found {
			minCode, err := parseStatusCode(lo)
			if err != nil {
				return nil, fmt.Errorf("invalid range start in %q: %w", part, err)
			}
			maxCode, err := parseStatusCode(hi)
			if err != nil {
				return nil, fmt.Errorf("invalid range end in %q: %w", part, err)
			}
			if minCode > maxCode {
				return nil, fmt.Errorf("invalid range %q: start exceeds end", part)
			}
			set.ranges = append(set.ranges, statusCodeRange{min: minCode, max: maxCode})
			continue
		}

		code, err := parseStatusCode(part)
		if err != nil {
			return nil, err
		}
		set.codes[code] = struct{}{}
	}

	if set.IsEmpty() {
		return nil, nil
	}
	return set, nil
}

func parseStatusCode(s string) (int, error) {
	code, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid status code %q: %w", s, err)
	}
	if code < 100 || code > 599 {
		return 0, fmt.Errorf("invalid HTTP status code %d: must be 100-599", code)
	}
	return code, nil
}

// MustParseStatusCodes is like ParseStatusCodes but panics on error.
// Use only for compile-time constants.
func MustParseStatusCodes(s string) *StatusCodeSet {
	set, err := ParseStatusCodes(s)
	if err != nil {
		panic(err)
	}
	return set
}

// StatusCodesFromSlice creates a StatusCodeSet from individual codes.
func StatusCodesFromSlice(codes []int) *StatusCodeSet {
	if len(codes) == 0 {
		return nil
	}
	set := &StatusCodeSet{codes: make(map[int]struct{}, len(codes))}
	for _, code := range codes {
		set.codes[code] = struct{}{}
	}
	return set
}

// Contains returns true if the set includes the given code.
func (s *StatusCodeSet) Contains(code int) bool {
	if s == nil {
		return false
	}
	if _, ok := s.codes[code]; ok {
		return true
	}
	for _, r := range s.ranges {
		if code >= r.min && code <= r.max {
			return true
		}
	}
	return false
}

// IsEmpty returns true if the set is nil or holds no codes.
func (s *StatusCodeSet) IsEmpty() bool {
	return s == nil || (len(s.codes) == 0 && len(s.ranges) == 0)
}
