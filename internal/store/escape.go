package store

import "strings"

// Field escaping sits on top of CSV quoting so that one logical row is
// always one physical line. Embedded line breaks would otherwise span
// lines inside quoted fields and break the skip-one-bad-line recovery
// model.

func escapeField(text string) string {
	if !strings.ContainsAny(text, "\\\r\n") {
		return text
	}
	text = strings.ReplaceAll(text, `\`, `\\`)
	text = strings.ReplaceAll(text, "\r", `\r`)
	text = strings.ReplaceAll(text, "\n", `\n`)
	return text
}

func unescapeField(text string) string {
	if !strings.Contains(text, `\`) {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == '\\' && i+1 < len(text) {
			switch text[i+1] {
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			case 'r':
				b.WriteByte('\r')
				i++
				continue
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}
