package term

import (
	"strings"
	"unicode/utf8"
)

// decoder converts a raw byte stream to UTF-8 text, carrying a trailing
// partial multi-byte sequence into the next call so runes split across PTY
// reads decode correctly.
type decoder struct {
	pending []byte
}

func (d *decoder) decode(p []byte) string {
	data := p
	if len(d.pending) > 0 {
		data = append(d.pending, p...)
		d.pending = nil
	}

	cut := len(data)
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				cut = i
			}
			break
		}
	}

	if cut < len(data) {
		d.pending = append([]byte(nil), data[cut:]...)
	}
	if cut == 0 {
		return ""
	}
	return strings.ToValidUTF8(string(data[:cut]), string(utf8.RuneError))
}
