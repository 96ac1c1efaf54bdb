// Package stringutil provides common string utility functions.
package stringutil

import (
	"regexp"
	"strings"
	"unicode"
)

// TruncateString truncates a string to a maximum length.
// If the string is shorter than maxLen, it returns the original string.
// If the string is longer, it returns the first maxLen characters.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateStringWithEllipsis truncates a string to a maximum length and adds "..." suffix.
// If the string is shorter than maxLen, it returns the original string.
// If the string is longer, it returns the first (maxLen-3) characters followed by "...".
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// CompactWhitespace collapses runs of whitespace into single spaces and trims
// the ends.
func CompactWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// oscColorResponse matches terminal OSC color query replies such as
// "]10;rgb:1e1e/1e1e/2e2e" and "]4;rgb:ff/ff/ff", which arrive on the input
// stream when an agent probes the palette.
var oscColorResponse = regexp.MustCompile(`\]\d+;rgb:[0-9a-fA-F/]+`)

// LooksLikeTerminalControl reports whether s appears to be terminal control
// traffic rather than human text. Used to keep OSC color responses out of
// prompt history and cached titles.
func LooksLikeTerminalControl(s string) bool {
	if oscColorResponse.MatchString(s) {
		return true
	}
	for _, r := range s {
		if r == 0x1b || (r < 0x20 && r != '\n' && r != '\r' && r != '\t') {
			return true
		}
	}
	return false
}

// ansiEscape matches terminal escape sequences: CSI, OSC (BEL or ST
// terminated), DCS and two-byte escapes. Sequences left unterminated at the
// end of the input match too.
var ansiEscape = regexp.MustCompile(`(?s)\x1b(\[[0-?]*[ -/]*[@-~]|\][^\x07\x1b]*(\x07|\x1b\\)?|P[^\x1b]*(\x1b\\)?|.|$)`)

// StripANSI removes terminal escape sequences from s. It operates on complete
// strings; chunked PTY streams go through term.Normalizer instead, which
// carries partial escapes across reads.
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// SanitizePathComponent collapses runs of non-alphanumeric characters into
// single underscores and trims leading/trailing underscores, yielding a safe
// directory name component. Empty input sanitizes to "workspace".
func SanitizePathComponent(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if unicode.IsLetter(r) && r < 128 || unicode.IsDigit(r) && r < 128 {
			b.WriteRune(r)
			lastUnderscore = false
		} else if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "workspace"
	}
	return out
}
