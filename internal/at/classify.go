package at

import "strings"

// Wire constants. Matching is case-sensitive and on whole lines.
const (
	OK       = "OK"
	ERROR    = "ERROR"
	Prompt   = ">"
	CmeError = "+CME ERROR:"
	CmsError = "+CMS ERROR:"

	CRLF  = "\r\n"
	CtrlZ = 0x1A
	Esc   = 0x1B
)

// LineKind classifies one line of device output.
type LineKind int

const (
	LineEmpty LineKind = iota
	LineData
	LineOK
	LineError
	LinePrompt
)

func (k LineKind) String() string {
	switch k {
	case LineEmpty:
		return "empty"
	case LineData:
		return "data"
	case LineOK:
		return "ok"
	case LineError:
		return "error"
	case LinePrompt:
		return "prompt"
	}
	return "unknown"
}

// Classify returns the kind of a single line. Extended errors
// (+CME ERROR:/+CMS ERROR:) classify as LineError.
func Classify(line string) LineKind {
	t := strings.TrimSpace(line)
	switch {
	case t == "":
		return LineEmpty
	case t == OK:
		return LineOK
	case t == ERROR, strings.HasPrefix(t, CmeError), strings.HasPrefix(t, CmsError):
		return LineError
	case t == Prompt:
		return LinePrompt
	}
	return LineData
}
