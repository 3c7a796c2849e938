package serialport

import (
	"path/filepath"
	"sort"

	"emperror.dev/errors"
	"go.bug.st/serial"
)

// DefaultGlobs covers USB-serial adapters, CDC-ACM devices and the Pi UART.
var DefaultGlobs = []string{"/dev/ttyUSB*", "/dev/ttyACM*", "/dev/ttyAMA*", "/dev/serial0"}

// Discover lists the OS serial ports matching any of globs, sorted.
func Discover(globs []string) ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "list serial ports")
	}
	return MatchPorts(ports, globs)
}

// MatchPorts filters ports by glob pattern and removes duplicates.
func MatchPorts(ports, globs []string) ([]string, error) {
	seen := make(map[string]bool, len(ports))
	var out []string
	for _, port := range ports {
		if seen[port] {
			continue
		}
		for _, glob := range globs {
			ok, err := filepath.Match(glob, port)
			if err != nil {
				return nil, errors.WithDetails(errors.Wrap(err, "bad port glob"), "glob", glob)
			}
			if ok {
				seen[port] = true
				out = append(out, port)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}
