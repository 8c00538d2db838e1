// Package identity resolves source-local participant keys to canonical
// Participants. Resolution is precision-first: a silent false merge is
// worse than a visible unresolved row, so anything short of exactly one
// confident match stays unresolved until an operator decides.
package identity

import (
	"strings"
	"time"
	"unicode"

	"github.com/covarlab/covar/pkg/types"
)

// dateLayouts are the input forms accepted for date-valued attributes,
// tried in order. Matches are rewritten to types.DateLayout so the same
// birth date always normalizes to the same string.
var dateLayouts = []string{
	types.DateLayout,
	"2006/01/02",
	"01/02/2006",
	"02.01.2006",
	"2-Jan-2006",
	"2 Jan 2006",
	"January 2, 2006",
}

// Normalize canonicalizes one attribute value for hashing and scoring:
// dates are rewritten to 2006-01-02; everything else is lower-cased with
// punctuation collapsed to single spaces. Idempotent, so re-normalizing
// stored attributes is safe, and deterministic, so blocking keys are
// reproducible across runs and sites.
func Normalize(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if d, ok := parseDate(trimmed); ok {
		return d
	}

	stripped := stripPunctuation(trimmed)
	// Punctuation stripping can uncover a date form the raw value hid,
	// e.g. "12.Mar.1985"; catching it here keeps Normalize idempotent.
	if d, ok := parseDate(stripped); ok {
		return d
	}
	return stripped
}

// parseDate tries the accepted date layouts against v.
func parseDate(v string) (string, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Format(types.DateLayout), true
		}
	}
	return "", false
}

// stripPunctuation lower-cases v and collapses every run of
// non-alphanumeric characters to a single space.
func stripPunctuation(v string) string {
	var b strings.Builder
	b.Grow(len(v))
	space := false
	for _, r := range strings.ToLower(v) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		// Whitespace and punctuation both act as separators.
		space = true
	}
	return b.String()
}

// NormalizeAttributes normalizes every value in the map, dropping
// attributes that normalize to empty.
func NormalizeAttributes(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		if n := Normalize(v); n != "" {
			out[k] = n
		}
	}
	return out
}

// ExtractAttributes pulls canonical identity attributes out of a raw row
// using the configured header aliases. Header comparison is
// case-insensitive; the first alias with a non-blank cell wins.
func ExtractAttributes(row map[string]string, aliases map[string][]string) map[string]string {
	lower := make(map[string]string, len(row))
	for header, cell := range row {
		lower[strings.ToLower(strings.TrimSpace(header))] = cell
	}

	out := make(map[string]string)
	for canonical, accepted := range aliases {
		for _, alias := range accepted {
			cell, ok := lower[strings.ToLower(alias)]
			if !ok || strings.TrimSpace(cell) == "" {
				continue
			}
			out[canonical] = cell
			break
		}
	}
	return out
}
