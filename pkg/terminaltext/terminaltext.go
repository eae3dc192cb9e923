// Package terminaltext flattens interactive terminal output into plain text.
//
// Programs that render progress bars or spinners rewrite the current line
// with carriage returns and backspaces instead of emitting new lines. When
// such output is captured byte-exact, the raw bytes contain every
// intermediate state. CleanLines replays those control characters the way a
// terminal would, so only the text a reader would have seen last remains.
package terminaltext

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// CleanLines interprets carriage returns, backspaces and newlines in text
// the way a terminal would, with later writes overwriting earlier ones in
// the same line. ANSI escape sequences (colors, cursor movement, erasure)
// are stripped rather than applied. Trailing blank lines are dropped.
func CleanLines(text string) []string {
	stripped := ansi.Strip(text)

	var lines []string
	var line []rune
	pos := 0
	for _, r := range stripped {
		switch r {
		case '\n':
			lines = append(lines, string(line))
			line = line[:0]
			pos = 0
		case '\r':
			pos = 0
		case '\b':
			if pos > 0 {
				pos--
			}
		default:
			if pos < len(line) {
				line[pos] = r
			} else {
				line = append(line, r)
			}
			pos++
		}
	}
	if len(line) > 0 {
		lines = append(lines, string(line))
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Clean is CleanLines joined back into a single string.
func Clean(text string) string {
	return strings.Join(CleanLines(text), "\n")
}
