package internal

import (
	"strings"
	"unicode"
)

const _ellipsis = '…'

// preview extracts a contextual window of at most maxChars characters around
// the earliest occurrence of any matched term. Whitespace runs collapse to
// single spaces, other control characters are stripped, and truncated sides
// get an ellipsis. terms should be lowercase; matching is case-insensitive.
func preview(content string, terms []string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}

	runes := []rune(content)
	lower := make([]rune, len(runes))
	for i, r := range runes {
		lower[i] = unicode.ToLower(r)
	}

	at := earliestMatch(lower, terms)

	// Collapse a generous window around the match first, then cut to size.
	// Collapsing can only shrink text, so the window stays wide enough.
	lo := max(0, at-maxChars)
	hi := min(len(runes), at+2*maxChars)
	collapsed := collapse(runes[lo:hi])

	// Re-locate the match within the collapsed window.
	at = earliestMatch([]rune(strings.ToLower(string(collapsed))), terms)

	termLen := 0
	if len(terms) > 0 {
		termLen = len([]rune(terms[0]))
	}

	if len(collapsed) <= maxChars && lo == 0 && hi == len(runes) {
		return string(collapsed)
	}

	budget := maxChars - 2 // Reserve space for the ellipses.
	if budget < termLen {
		budget = termLen
	}

	start, end := 0, len(collapsed)
	if len(collapsed) > budget {
		half := (budget - termLen) / 2
		start = max(0, at-half)
		end = min(len(collapsed), start+budget)
		if end-start < budget {
			start = max(0, end-budget)
		}

		// Trim cut sides back to a word boundary.
		if start > 0 {
			for start < at && collapsed[start] != ' ' {
				start++
			}
			if start < len(collapsed) && collapsed[start] == ' ' {
				start++
			}
		}
		if end < len(collapsed) {
			for end > at+termLen && collapsed[end-1] != ' ' {
				end--
			}
			for end > start && collapsed[end-1] == ' ' {
				end--
			}
		}
	}

	var sb strings.Builder
	if start > 0 || lo > 0 {
		sb.WriteRune(_ellipsis)
	}
	sb.WriteString(string(collapsed[start:end]))
	if end < len(collapsed) || hi < len(runes) {
		sb.WriteRune(_ellipsis)
	}
	return sb.String()
}

// earliestMatch returns the rune offset of the first occurrence of any term,
// or 0 if none match. Terms are tried in order; an earlier offset always
// wins regardless of term order.
func earliestMatch(lower []rune, terms []string) int {
	best := -1
	for _, t := range terms {
		if idx := runeIndex(lower, []rune(t)); idx >= 0 && (best < 0 || idx < best) {
			best = idx
		}
	}
	if best < 0 {
		return 0
	}
	return best
}

// runeIndex is strings.Index over rune slices.
func runeIndex(haystack, needle []rune) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j, r := range needle {
			if haystack[i+j] != r {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// collapse squashes whitespace runs (including newlines) to single spaces
// and drops other control characters. Markup is otherwise preserved.
func collapse(runes []rune) []rune {
	out := make([]rune, 0, len(runes))
	space := true // Leading whitespace is dropped.
	for _, r := range runes {
		switch {
		case unicode.IsSpace(r):
			if !space {
				out = append(out, ' ')
				space = true
			}
		case unicode.IsControl(r):
			// Dropped.
		default:
			out = append(out, r)
			space = false
		}
	}
	for len(out) > 0 && out[len(out)-1] == ' ' {
		out = out[:len(out)-1]
	}
	return out
}
