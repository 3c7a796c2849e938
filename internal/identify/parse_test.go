package identify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"cubeos-gsm/internal/modem"
)

func TestParseIMEI(t *testing.T) {
	assert.Equal(t, "862462030111111", parseIMEI([]string{"862462030111111"}))
	assert.Equal(t, "862462030111111", parseIMEI([]string{`+CGSN: "862462030111111"`}))
	assert.Empty(t, parseIMEI([]string{"86246203011111"}))
	assert.Empty(t, parseIMEI([]string{"86246203011111X"}))
}

func TestParseCPIN(t *testing.T) {
	cases := map[string]modem.SimStatus{
		"+CPIN: READY":     modem.SimReady,
		"+CPIN: SIM PIN":   modem.SimNeedsPin,
		"+CPIN: SIM PUK":   modem.SimNeedsPin,
		"+CPIN: NOT READY": modem.SimNotReady,
		"+CPIN: BANANA":    modem.SimUnknown,
	}
	for line, want := range cases {
		got, _ := parseCPIN([]string{line})
		assert.Equal(t, want, got, line)
	}
	_, ok := parseCPIN([]string{"garbage"})
	assert.False(t, ok)
}

func TestCPINError(t *testing.T) {
	st, ok := cpinError("+CME ERROR: 10")
	assert.True(t, ok)
	assert.Equal(t, modem.SimNotReady, st)

	st, ok = cpinError("+CME ERROR: SIM PIN required")
	assert.True(t, ok)
	assert.Equal(t, modem.SimNeedsPin, st)

	_, ok = cpinError("+CME ERROR: 100")
	assert.False(t, ok)
}

func TestParseCSQ(t *testing.T) {
	n, ok := parseCSQ([]string{"+CSQ: 17,0"})
	assert.True(t, ok)
	assert.Equal(t, 17, n)

	n, ok = parseCSQ([]string{"+CSQ: 99,99"})
	assert.True(t, ok)
	assert.Equal(t, modem.SignalUnknown, n)

	n, ok = parseCSQ([]string{"+CSQ: 45,0"})
	assert.False(t, ok)
	assert.Equal(t, modem.SignalUnknown, n)

	_, ok = parseCSQ([]string{"+CSQ: x"})
	assert.False(t, ok)
}

func TestParseCREG(t *testing.T) {
	cases := map[string]modem.NetworkStatus{
		"+CREG: 0,1":                   modem.NetworkRegistered,
		"+CREG: 0,5":                   modem.NetworkRegistered,
		"+CREG: 0,2":                   modem.NetworkNotRegistered,
		"+CREG: 1,3":                   modem.NetworkNotRegistered,
		"+CREG: 2,1,\"1A2B\",\"0C3D\"": modem.NetworkRegistered,
		"+CREG: 1":                     modem.NetworkRegistered,
		"+CREG: 0,9":                   modem.NetworkUnknown,
	}
	for line, want := range cases {
		got, _ := parseCREG([]string{line})
		assert.Equal(t, want, got, line)
	}
}

func TestFirstData(t *testing.T) {
	assert.Equal(t, "SIMCOM_Ltd", firstData([]string{"AT+CGMI", "", "SIMCOM_Ltd"}))
	assert.Empty(t, firstData(nil))
}
