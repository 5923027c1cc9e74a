package core

// convert.go turns raw CSV cells into typed values.
//
// Lab exports come out of spreadsheets, so cells may carry Excel formula
// prefixes, stray quotes, thousands separators or one of several date
// layouts. Decimal parsing never fails loudly: an unusable cell is simply
// absent. Timestamp parsing reports why it failed so the row can be rejected
// with a useful reason.

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// numericRegex validates that a string is a valid numeric format after cleanup.
// Matches integers, decimals, and scientific notation.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// ErrTimestampMissing is returned by ParseTimestamp for a blank cell.
var ErrTimestampMissing = errors.New("timestamp is missing")

// FormatError reports a timestamp no layout could parse.
type FormatError struct {
	Value string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("unrecognised timestamp format %q", e.Value)
}

// TimestampLayouts are tried in order before the general fallback.
var TimestampLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"01/02/2006",
	"01/02/2006 15:04:05",
	"20060102",
}

// fallbackLayouts cover the common export formats the explicit list misses.
// They are fixed and locale-free. Unpadded layout fields also accept padded
// input, so "2006-1-2" reads both 2025-9-3 and 2025-09-03.
var fallbackLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04Z07:00",
	"2006-1-2T15:04:05.999999999",
	"2006-1-2T15:04",
	"2006-1-2",
	"2006-1-2 15:04:05.999999999",
	"2006-1-2 15:04",
	"2006-1-2 3:04:05 PM",
	"2006-1-2 3:04 PM",
	"2006/1/2",
	"2006/1/2 15:04:05",
	"2006/1/2 15:04",
	"1/2/2006",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"1/2/2006 3:04:05 PM",
	"1/2/2006 3:04 PM",
	"1/2/2006 3:04:05 pm",
	"1/2/2006 3:04 pm",
	"Jan 2, 2006",
	"Jan 2, 2006 3:04 PM",
	"2 Jan 2006",
	"2 Jan 2006 15:04",
}

// timestampParser is one step of the parse chain.
type timestampParser func(s string) (time.Time, bool)

func layoutParser(layouts []string) timestampParser {
	return func(s string) (time.Time, bool) {
		for _, layout := range layouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	}
}

var timestampChain = []timestampParser{
	layoutParser(TimestampLayouts),
	layoutParser(fallbackLayouts),
}

// ParseTimestamp parses a TIMESTAMP cell.
// Values without a zone are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = CleanCell(s)
	if s == "" {
		return time.Time{}, ErrTimestampMissing
	}
	for _, parse := range timestampChain {
		if t, ok := parse(s); ok {
			return t, nil
		}
	}
	return time.Time{}, &FormatError{Value: s}
}

// ParseDecimal parses a lab value cell. Thousands separators are ignored.
// ok is false for blank or non-numeric input.
func ParseDecimal(s string) (float64, bool) {
	s = CleanCell(s)
	if s == "" {
		return 0, false
	}
	s = strings.ReplaceAll(s, ",", "")

	if !numericRegex.MatchString(s) {
		return 0, false
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// HeaderIndex maps lowercased column names to their position in a row.
type HeaderIndex map[string]int

// Get returns the cleaned cell for column, or "" when the column is absent
// from the header or the row is short.
func (h HeaderIndex) Get(row []string, column string) string {
	pos, ok := h[strings.ToLower(column)]
	if !ok || pos >= len(row) {
		return ""
	}
	return CleanCell(row[pos])
}

// Has reports whether column is present in the header.
func (h HeaderIndex) Has(column string) bool {
	_, ok := h[strings.ToLower(column)]
	return ok
}

// MakeHeaderIndex creates a HeaderIndex from a CSV header row.
// Keys are lowercased for case-insensitive matching.
func MakeHeaderIndex(header []string) HeaderIndex {
	idx := make(HeaderIndex, len(header))
	for i, h := range header {
		key := strings.ToLower(CleanCell(h))
		if key == "" {
			continue
		}
		idx[key] = i
	}
	return idx
}

// CleanCell removes common CSV artifacts from a cell value:
// - Trims whitespace
// - Removes Excel formula prefix (="...")
// - Removes surrounding quotes
// - Replaces invalid UTF-8
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	s = strings.Trim(s, `"'`)

	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "?")
	}

	return strings.TrimSpace(s)
}
