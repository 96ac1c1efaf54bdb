package term

import (
	"sync"
	"unicode/utf8"

	"github.com/agenthub/agenthub/internal/common/stringutil"
)

// maxPromptChars caps a recorded prompt.
const maxPromptChars = 2000

// maxLineBytes bounds the edit buffer against runaway pastes. Compaction and
// the prompt cap shrink it further on submit.
const maxLineBytes = 16 * 1024

// Enter keys: carriage return, newline, SS3 M (keypad enter) and the
// CSI 13~ function-key encoding some terminals emit.
const (
	csiEnterSeq = "13~"
	ss3EnterKey = 'M'
)

type normalizerState int

const (
	stateText normalizerState = iota
	stateEsc                  // after a lone ESC
	stateCSI                  // ESC [ ... final byte 0x40..0x7E
	stateOSC                  // ESC ] ... BEL or ST
	stateDCS                  // ESC P ... ST
	stateSS3                  // ESC O, one code byte follows
)

// Normalizer reconstructs the line a user is editing from the raw input
// stream and reports each submitted prompt. Escape sequences are stripped
// even when they span Feed calls.
type Normalizer struct {
	mu      sync.Mutex
	state   normalizerState
	line    []byte
	csi     []byte
	escMark bool // inside OSC/DCS, previous byte was ESC
}

// Feed consumes raw input bytes and returns the prompts submitted within
// them, in order.
func (n *Normalizer) Feed(data []byte) []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	var prompts []string
	for _, b := range data {
		if prompt, ok := n.feedByte(b); ok {
			prompts = append(prompts, prompt)
		}
	}
	return prompts
}

func (n *Normalizer) feedByte(b byte) (string, bool) {
	switch n.state {
	case stateEsc:
		switch b {
		case '[':
			n.state = stateCSI
			n.csi = n.csi[:0]
		case ']':
			n.state = stateOSC
			n.escMark = false
		case 'P':
			n.state = stateDCS
			n.escMark = false
		case 'O':
			n.state = stateSS3
		default:
			// Unknown two-byte escape; drop both.
			n.state = stateText
		}
		return "", false

	case stateCSI:
		n.csi = append(n.csi, b)
		if b >= 0x40 && b <= 0x7e {
			n.state = stateText
			if string(n.csi) == csiEnterSeq {
				return n.submit()
			}
		}
		return "", false

	case stateOSC, stateDCS:
		switch {
		case b == 0x07:
			n.state = stateText
		case n.escMark && b == '\\':
			n.state = stateText
		default:
			n.escMark = b == 0x1b
		}
		return "", false

	case stateSS3:
		n.state = stateText
		if b == ss3EnterKey {
			return n.submit()
		}
		return "", false
	}

	// stateText
	switch {
	case b == '\r' || b == '\n':
		return n.submit()
	case b == 0x7f || b == '\b':
		n.backspace()
	case b == 0x15: // ^U
		n.line = n.line[:0]
	case b == 0x1b:
		n.state = stateEsc
	case b < 0x20:
		// Other control bytes never reach the line.
	default:
		if len(n.line) < maxLineBytes {
			n.line = append(n.line, b)
		}
	}
	return "", false
}

// backspace removes the last rune from the edit buffer.
func (n *Normalizer) backspace() {
	if len(n.line) == 0 {
		return
	}
	_, size := utf8.DecodeLastRune(n.line)
	n.line = n.line[:len(n.line)-size]
}

// submit finalises the current line into a prompt. Empty lines and terminal
// control traffic produce nothing.
func (n *Normalizer) submit() (string, bool) {
	text := stringutil.CompactWhitespace(string(n.line))
	n.line = n.line[:0]

	if text == "" || stringutil.LooksLikeTerminalControl(text) {
		return "", false
	}
	return truncateRunes(text, maxPromptChars), true
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
