package identify

import (
	"strconv"
	"strings"

	"cubeos-gsm/internal/modem"
)

// ============================================================================
// Response Parsers
// ============================================================================

// firstData returns the first data line that is not a leftover command.
func firstData(lines []string) string {
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "AT") {
			return line
		}
	}
	return ""
}

// prefixed returns the payload of the first line starting with prefix.
func prefixed(lines []string, prefix string) (string, bool) {
	for _, line := range lines {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), true
		}
	}
	return "", false
}

// parseIMEI extracts a 15-digit IMEI from an AT+CGSN response.
func parseIMEI(lines []string) string {
	for _, line := range lines {
		line = strings.TrimPrefix(strings.TrimSpace(line), "+CGSN:")
		line = strings.Trim(strings.TrimSpace(line), `"`)
		if len(line) == 15 && isNumeric(line) {
			return line
		}
	}
	return ""
}

// parseCPIN maps an AT+CPIN? response to a SIM status.
func parseCPIN(lines []string) (modem.SimStatus, bool) {
	v, ok := prefixed(lines, "+CPIN:")
	if !ok {
		return modem.SimUnknown, false
	}
	switch v {
	case "READY":
		return modem.SimReady, true
	case "SIM PIN", "SIM PUK", "SIM PIN2", "SIM PUK2", "PH-SIM PIN", "PH-NET PIN":
		return modem.SimNeedsPin, true
	case "NOT READY", "NOT INSERTED":
		return modem.SimNotReady, true
	}
	return modem.SimUnknown, false
}

// cpinError maps the +CME ERROR codes a SIM900 returns for AT+CPIN? when the
// card is missing or locked.
func cpinError(detail string) (modem.SimStatus, bool) {
	code := strings.TrimSpace(strings.TrimPrefix(detail, "+CME ERROR:"))
	switch code {
	case "10", "13", "14", "15", "SIM not inserted", "SIM failure", "SIM busy", "SIM wrong":
		return modem.SimNotReady, true
	case "11", "12", "17", "18", "SIM PIN required", "SIM PUK required":
		return modem.SimNeedsPin, true
	}
	return modem.SimUnknown, false
}

// parseCSQ extracts the RSSI (0-31, 99 unknown) from an AT+CSQ response.
func parseCSQ(lines []string) (int, bool) {
	v, ok := prefixed(lines, "+CSQ:")
	if !ok {
		return modem.SignalUnknown, false
	}
	rssi, err := strconv.Atoi(strings.TrimSpace(strings.Split(v, ",")[0]))
	if err != nil {
		return modem.SignalUnknown, false
	}
	if rssi < 0 || rssi > 31 {
		return modem.SignalUnknown, rssi == modem.SignalUnknown
	}
	return rssi, true
}

// parseCREG maps an AT+CREG? response to a registration status. Both the
// solicited "<n>,<stat>" and the unsolicited "<stat>" forms are accepted.
func parseCREG(lines []string) (modem.NetworkStatus, bool) {
	v, ok := prefixed(lines, "+CREG:")
	if !ok {
		return modem.NetworkUnknown, false
	}
	fields := strings.Split(v, ",")
	field := fields[0]
	if len(fields) > 1 {
		field = fields[1]
	}
	stat, err := strconv.Atoi(strings.TrimSpace(field))
	if err != nil {
		return modem.NetworkUnknown, false
	}
	switch stat {
	case 1, 5:
		return modem.NetworkRegistered, true
	case 0, 2, 3, 4:
		return modem.NetworkNotRegistered, true
	}
	return modem.NetworkUnknown, false
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return s != ""
}
