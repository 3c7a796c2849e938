// Package hostcheck looks for host services that interfere with AT probing.
package hostcheck

import (
	"context"
	"strings"

	"emperror.dev/errors"
	"github.com/apex/log"
	sdbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
)

const (
	modemManagerUnit = "ModemManager.service"
	modemManagerName = "org.freedesktop.ModemManager1"
)

// Report describes whether ModemManager is running. ModemManager probes
// every new tty with its own AT commands and holds ports open, which
// corrupts our handshake and queries.
type Report struct {
	ModemManagerActive bool   `json:"modemmanager_active"`
	ActiveState        string `json:"active_state,omitempty"`
	Source             string `json:"source"`
	Detail             string `json:"detail,omitempty"`
}

// Warning returns a human-readable warning, or "" when all is well.
func (r Report) Warning() string {
	if !r.ModemManagerActive {
		return ""
	}
	return "ModemManager is running and may claim serial ports; stop or mask " + modemManagerUnit
}

// CheckModemManager asks systemd for the unit state and falls back to
// checking the D-Bus name when systemd is not reachable.
func CheckModemManager(ctx context.Context) Report {
	logger := log.WithField("subsystem", "hostcheck")

	state, err := unitState(ctx, modemManagerUnit)
	if err == nil {
		return Report{
			ModemManagerActive: state == "active" || state == "activating" || state == "reloading",
			ActiveState:        state,
			Source:             "systemd",
		}
	}
	logger.WithError(err).Debug("hostcheck: systemd unavailable, trying bus name")

	owned, busErr := nameHasOwner(modemManagerName)
	if busErr == nil {
		return Report{ModemManagerActive: owned, Source: "dbus"}
	}
	logger.WithError(busErr).Debug("hostcheck: system bus unavailable")

	return Report{Source: "none", Detail: strings.Join([]string{err.Error(), busErr.Error()}, "; ")}
}

func unitState(ctx context.Context, unit string) (string, error) {
	conn, err := sdbus.NewWithContext(ctx)
	if err != nil {
		return "", errors.Wrap(err, "connect to systemd")
	}
	defer conn.Close()

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		return "", errors.WithDetails(errors.Wrap(err, "get unit properties"), "unit", unit)
	}
	state, _ := props["ActiveState"].(string)
	if load, _ := props["LoadState"].(string); load == "not-found" {
		return "inactive", nil
	}
	return state, nil
}

func nameHasOwner(name string) (bool, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return false, errors.Wrap(err, "connect to system bus")
	}
	// SystemBus returns a shared connection; it is not closed here.
	var owned bool
	err = conn.BusObject().Call("org.freedesktop.DBus.NameHasOwner", 0, name).Store(&owned)
	if err != nil {
		return false, errors.WithDetails(errors.Wrap(err, "NameHasOwner"), "name", name)
	}
	return owned, nil
}
