package sms

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/warthog618/sms/encoding/gsm7"
)

// DefaultMaxSegment is the GSM-7 septet capacity of one SMS.
const DefaultMaxSegment = 160

const (
	minDigits = 3
	maxDigits = 20
)

// NormalizeNumber strips formatting (+ - ( ) and spaces) and checks that
// 3 to 20 digits remain.
func NormalizeNumber(phone string) (string, error) {
	var b strings.Builder
	for _, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+', r == '-', r == '(', r == ')', r == ' ':
		default:
			return "", InvalidInput(fmt.Sprintf("phone number contains %q", r))
		}
	}
	n := b.Len()
	if n < minDigits || n > maxDigits {
		return "", InvalidInput(fmt.Sprintf("phone number has %d digits, want %d-%d", n, minDigits, maxDigits))
	}
	return b.String(), nil
}

// ValidateBody checks that body can be sent as one text-mode message.
func ValidateBody(body string, max int) error {
	_, err := EncodeBody(body, max)
	return err
}

// EncodeBody converts body to the bytes written after the prompt under
// AT+CSCS="GSM": one GSM 7-bit default alphabet code per character, at most
// max of them. Characters from the extension table need an ESC prefix,
// which ends input mode, and the code for 'Ξ' is Ctrl-Z, which submits it;
// both are rejected along with anything outside the alphabet.
func EncodeBody(body string, max int) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxSegment
	}
	if body == "" {
		return nil, InvalidInput("message body is empty")
	}
	if strings.ContainsAny(body, "\x1a\x1b") {
		return nil, InvalidInput("message body contains Ctrl-Z or ESC")
	}
	septets, err := gsm7.Encode([]byte(body))
	if err != nil {
		return nil, InvalidInput("message body is not GSM-7 encodable: " + err.Error())
	}
	if i := bytes.IndexAny(septets, "\x1a\x1b"); i >= 0 {
		return nil, InvalidInput(fmt.Sprintf("message body character %q cannot be sent in GSM text mode", nthRune(body, i)))
	}
	if len(septets) > max {
		return nil, InvalidInput(fmt.Sprintf("message body is %d characters, limit is %d", len(septets), max))
	}
	return septets, nil
}

// nthRune maps the offset of the first ESC or Ctrl-Z septet back to its
// rune; every rune before it encoded to exactly one septet.
func nthRune(body string, i int) rune {
	runes := []rune(body)
	if i < len(runes) {
		return runes[i]
	}
	return utf8.RuneError
}
