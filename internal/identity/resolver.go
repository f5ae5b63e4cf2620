// Package identity normalizes raw party identifiers into canonical keys.
//
// Resolve is pure and total: every input maps to exactly one PartyKey and
// the same input always maps to the same key. Identifiers that do not look
// like phone numbers are never dropped; they are kept verbatim in an
// unresolved bucket so the visualization can tell them apart.
package identity

import (
	"strings"

	"github.com/Benny93/cdrgraph/internal/graph"
)

const (
	minPhoneDigits = 7
	maxPhoneDigits = 15 // E.164 upper bound
)

// Resolve normalizes a raw identifier into a PartyKey.
//
// Identifiers made only of digits and phone punctuation with 7 to 15
// digits are reduced to their digits; an 11-digit number with a leading 1
// collapses to the 10-digit North American form. Input that already
// carries graph.UnresolvedPrefix is taken as a canonical key, so Resolve is
// idempotent on IDs. Anything else becomes graph.UnresolvedPrefix + raw.
func Resolve(raw string) graph.PartyKey {
	trimmed := strings.TrimSpace(raw)

	if rest, ok := strings.CutPrefix(trimmed, graph.UnresolvedPrefix); ok {
		return graph.PartyKey{ID: trimmed, Label: rest}
	}

	if digits, ok := phoneDigits(trimmed); ok {
		if len(digits) == 11 && digits[0] == '1' {
			digits = digits[1:]
		}
		return graph.PartyKey{
			ID:       digits,
			Label:    formatLabel(digits),
			Resolved: true,
		}
	}

	return graph.PartyKey{
		ID:       graph.UnresolvedPrefix + trimmed,
		Label:    trimmed,
		Resolved: false,
	}
}

// ResolveID is a convenience returning only the canonical ID.
func ResolveID(raw string) string {
	return Resolve(raw).ID
}

// phoneDigits strips phone punctuation and reports whether what remains
// has a plausible phone length.
func phoneDigits(s string) (string, bool) {
	if s == "" {
		return "", false
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case isPhonePunct(r):
		default:
			return "", false
		}
	}

	digits := b.String()
	if len(digits) < minPhoneDigits || len(digits) > maxPhoneDigits {
		return "", false
	}
	return digits, true
}

func isPhonePunct(r rune) bool {
	switch r {
	case '+', '-', '(', ')', '.', ' ', '\t':
		return true
	}
	return false
}

// formatLabel renders a digit key for display.
func formatLabel(digits string) string {
	if len(digits) == 10 {
		return "(" + digits[:3] + ") " + digits[3:6] + "-" + digits[6:]
	}
	return "+" + digits
}
