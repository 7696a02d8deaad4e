// Package parser decodes telemetry lines of the form
//
//	key1=value1 : key2=value2 : ...
//
// into sensor readings. Malformed segments are dropped one by one; only
// input that cannot be treated as text fails the whole line.
package parser

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	// SegmentDelimiter separates readings within a line
	SegmentDelimiter = ":"
	// FieldDelimiter separates a sensor id from its value
	FieldDelimiter = "="
)

// ParseError reports a line that could not be parsed at all
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse line %q: %s", e.Line, e.Reason)
}

// SkipReason says why a segment was dropped
type SkipReason string

const (
	SkipNoDelimiter SkipReason = "missing '='"
	SkipExtraField  SkipReason = "more than one '='"
	SkipEmptyKey    SkipReason = "empty sensor id"
	SkipBadNumber   SkipReason = "value is not a number"
	SkipNonFinite   SkipReason = "value is not finite"
)

// Skipped is a segment that did not yield a reading
type Skipped struct {
	Segment string
	Reason  SkipReason
}

// Result holds everything learned from one line
type Result struct {
	Readings map[string]float64
	Skipped  []Skipped
}

// Parse returns the readings found in raw. A line with some malformed
// segments yields the well-formed ones; an error is returned only when the
// line is not valid UTF-8, together with an empty mapping.
func Parse(raw string) (map[string]float64, error) {
	res, err := ParseLine(raw)
	return res.Readings, err
}

// ParseLine parses raw and also reports the dropped segments
func ParseLine(raw string) (Result, error) {
	res := Result{Readings: make(map[string]float64)}
	if !utf8.ValidString(raw) {
		return res, &ParseError{Line: raw, Reason: "invalid UTF-8"}
	}

	for _, segment := range strings.Split(raw, SegmentDelimiter) {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}

		key, value, reason := splitSegment(segment)
		if reason != "" {
			res.Skipped = append(res.Skipped, Skipped{Segment: segment, Reason: reason})
			continue
		}

		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			res.Skipped = append(res.Skipped, Skipped{Segment: segment, Reason: SkipBadNumber})
			continue
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			res.Skipped = append(res.Skipped, Skipped{Segment: segment, Reason: SkipNonFinite})
			continue
		}

		res.Readings[key] = f
	}

	return res, nil
}

// splitSegment splits "key = value" into trimmed parts
func splitSegment(segment string) (key, value string, reason SkipReason) {
	parts := strings.Split(segment, FieldDelimiter)
	switch {
	case len(parts) == 1:
		return "", "", SkipNoDelimiter
	case len(parts) > 2:
		return "", "", SkipExtraField
	}

	key = strings.TrimSpace(parts[0])
	if key == "" {
		return "", "", SkipEmptyKey
	}
	return key, strings.TrimSpace(parts[1]), ""
}
