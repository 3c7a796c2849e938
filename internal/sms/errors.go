package sms

import "fmt"

// Kind classifies a failed send.
type Kind string

const (
	KindInvalidInput      Kind = "invalid_input"
	KindUnsupportedModule Kind = "unsupported_module"
	KindModeSetupFailed   Kind = "mode_setup_failed"
	KindPromptTimeout     Kind = "prompt_timeout"
	KindSendTimeout       Kind = "send_timeout"
	KindDeviceRejected    Kind = "device_rejected"
	KindTransport         Kind = "transport"
	KindCancelled         Kind = "cancelled"
	KindLeaseBusy         Kind = "lease_busy"
	KindModuleNotFound    Kind = "module_not_found"
	KindModuleUnavailable Kind = "module_unavailable"
	KindNoModule          Kind = "no_module_available"
)

// Error is a failed send. errors.Is matches on Kind, so
// errors.Is(err, sms.ErrPromptTimeout) works for any prompt timeout.
type Error struct {
	Kind     Kind
	Detail   string
	ModuleID string
	Err      error
}

var (
	ErrInvalidInput      = &Error{Kind: KindInvalidInput}
	ErrUnsupportedModule = &Error{Kind: KindUnsupportedModule}
	ErrModeSetupFailed   = &Error{Kind: KindModeSetupFailed}
	ErrPromptTimeout     = &Error{Kind: KindPromptTimeout}
	ErrSendTimeout       = &Error{Kind: KindSendTimeout}
	ErrDeviceRejected    = &Error{Kind: KindDeviceRejected}
	ErrTransport         = &Error{Kind: KindTransport}
	ErrCancelled         = &Error{Kind: KindCancelled}
	ErrLeaseBusy         = &Error{Kind: KindLeaseBusy}
	ErrModuleNotFound    = &Error{Kind: KindModuleNotFound}
	ErrModuleUnavailable = &Error{Kind: KindModuleUnavailable}
	ErrNoModule          = &Error{Kind: KindNoModule}
)

func (e *Error) Error() string {
	msg := "sms: " + string(e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.ModuleID != "" {
		msg += fmt.Sprintf(" (module %s)", e.ModuleID)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// ModuleFault reports whether the failure is attributable to the module
// and counts toward its consecutive-failure threshold. Such failures are
// also worth retrying on another module.
func (e *Error) ModuleFault() bool {
	switch e.Kind {
	case KindModeSetupFailed, KindPromptTimeout, KindSendTimeout, KindDeviceRejected, KindTransport:
		return true
	}
	return false
}

func newError(kind Kind, moduleID, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, ModuleID: moduleID, Err: cause}
}

// InvalidInput builds a KindInvalidInput error.
func InvalidInput(detail string) *Error {
	return newError(KindInvalidInput, "", detail, nil)
}
