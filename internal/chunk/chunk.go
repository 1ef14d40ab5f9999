// Package chunk splits long reply text into radio-sized pieces.
package chunk

import (
	"strings"
	"unicode"
)

// Split breaks text into pieces of at most limit bytes, preferring to
// break at the whitespace boundary nearest the limit. Splitting always
// happens on the decoded text, never on its escaped on-disk form. A
// limit of zero or less returns the whole text as one piece.
func Split(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var pieces []string
	remaining := text
	for len(remaining) > limit {
		cut := lastBreak(remaining, limit)
		if cut <= 0 {
			// One unbroken run longer than the limit: hard split.
			cut = limit
		}
		piece := strings.TrimRightFunc(remaining[:cut], unicode.IsSpace)
		if piece != "" {
			pieces = append(pieces, piece)
		}
		remaining = strings.TrimLeftFunc(remaining[cut:], unicode.IsSpace)
	}
	if remaining != "" {
		pieces = append(pieces, remaining)
	}
	return pieces
}

// lastBreak finds the byte offset of the whitespace break nearest to,
// and not past, limit. Returns 0 when the first run exceeds the limit.
func lastBreak(s string, limit int) int {
	cut := 0
	for i, r := range s {
		if i > limit {
			break
		}
		if unicode.IsSpace(r) {
			cut = i
		}
	}
	return cut
}
