package at

import (
	"bytes"
	"strings"
)

// Tokenizer splits the device byte stream into lines. Lines end at '\n' with
// trailing '\r' removed. The SMS input prompt has no line ending, so a '>'
// at the start of the pending buffer is emitted on its own.
type Tokenizer struct {
	buf []byte
}

// Feed appends p and returns every complete token.
func (t *Tokenizer) Feed(p []byte) []string {
	t.buf = append(t.buf, p...)

	var lines []string
	for {
		head := bytes.TrimLeft(t.buf, "\r")
		if len(head) > 0 && head[0] == '>' {
			rest := head[1:]
			if len(rest) > 0 && rest[0] == ' ' {
				rest = rest[1:]
			}
			lines = append(lines, Prompt)
			t.buf = rest
			continue
		}

		i := bytes.IndexByte(t.buf, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimRight(string(t.buf[:i]), "\r"))
		t.buf = t.buf[i+1:]
	}
	if len(t.buf) == 0 {
		t.buf = nil
	}
	return lines
}

// Pending returns bytes not yet forming a complete line.
func (t *Tokenizer) Pending() string { return string(t.buf) }

// Reset drops any partial line.
func (t *Tokenizer) Reset() { t.buf = nil }
