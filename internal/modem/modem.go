package modem

import "time"

// ============================================================================
// Module Types
// ============================================================================

// SimStatus is the SIM state reported by AT+CPIN?.
type SimStatus string

const (
	SimUnknown  SimStatus = "unknown"
	SimReady    SimStatus = "ready"
	SimNeedsPin SimStatus = "needs_pin"
	SimNotReady SimStatus = "not_ready"
)

// NetworkStatus is the registration state reported by AT+CREG?.
type NetworkStatus string

const (
	NetworkUnknown       NetworkStatus = "unknown"
	NetworkRegistered    NetworkStatus = "registered"
	NetworkNotRegistered NetworkStatus = "not_registered"
)

// SignalUnknown is the CSQ value for "not known or not detectable".
const SignalUnknown = 99

// State is a module's lifecycle state inside the registry.
type State string

const (
	StateDiscovered   State = "discovered"
	StateIdentifying  State = "identifying"
	StateReady        State = "ready"
	StateBusy         State = "busy"
	StateError        State = "error"
	StateDisconnected State = "disconnected"
)

// Status is the subset of identity refreshed by periodic polling.
type Status struct {
	SIM     SimStatus     `json:"sim_status"`
	Network NetworkStatus `json:"network_status"`
	Signal  int           `json:"signal_strength"`
}

// UnknownStatus returns a Status with every field unknown.
func UnknownStatus() Status {
	return Status{SIM: SimUnknown, Network: NetworkUnknown, Signal: SignalUnknown}
}

// Operational reports whether the SIM is unlocked and the module is on a network.
func (s Status) Operational() bool {
	return s.SIM == SimReady && s.Network == NetworkRegistered
}

// Lost reports a SIM or registration that the device itself says is gone.
// Unknown fields are not evidence either way.
func (s Status) Lost() bool {
	return (s.SIM != SimUnknown && s.SIM != SimReady) || s.Network == NetworkNotRegistered
}

// Identity is everything learned about a device while identifying it.
type Identity struct {
	Port         string `json:"port"`
	BaudRate     int    `json:"baud_rate"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	IMEI         string `json:"imei"`
	Status

	// UnsupportedFamily is set when the model matches no known family marker.
	UnsupportedFamily bool `json:"unsupported_family"`
	// Partial is set when any query step failed or returned garbage.
	Partial bool `json:"partial"`
}

// SMSOutcome is the result of the last SMS attempt made on a module.
type SMSOutcome struct {
	JobID  string    `json:"job_id"`
	Status string    `json:"status"`
	Ref    string    `json:"message_ref,omitempty"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// Summary is the read-only view of a registered module.
type Summary struct {
	ID           string        `json:"id" example:"5f1d3c1e-2b8a-5c4e-9d1f-0a7b6c5d4e3f"`
	Port         string        `json:"port" example:"/dev/ttyUSB0"`
	BaudRate     int           `json:"baud_rate" example:"115200"`
	State        State         `json:"state" example:"ready"`
	Manufacturer string        `json:"manufacturer" example:"SIMCOM_Ltd"`
	Model        string        `json:"model" example:"SIMCOM_SIM900"`
	IMEI         string        `json:"imei,omitempty" example:"862462030111111"`
	SIM          SimStatus     `json:"sim_status" example:"ready"`
	Network      NetworkStatus `json:"network_status" example:"registered"`
	Signal       int           `json:"signal_strength" example:"17"`
	LastSeen     time.Time     `json:"last_seen"`
	ErrorCount   int           `json:"error_count"`
	LastError    string        `json:"last_error,omitempty"`

	UnsupportedFamily bool        `json:"unsupported_family"`
	Partial           bool        `json:"partial"`
	LastSMS           *SMSOutcome `json:"last_sms,omitempty"`

	// Revision increases with every recorded change to the module.
	Revision uint64 `json:"revision"`
}

// Usable reports whether the module can take an SMS right now.
func (s Summary) Usable() bool {
	return s.State == StateReady && !s.UnsupportedFamily
}
