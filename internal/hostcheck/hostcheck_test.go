package hostcheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReportWarning(t *testing.T) {
	assert.Empty(t, Report{Source: "systemd", ActiveState: "inactive"}.Warning())
	assert.Contains(t, Report{ModemManagerActive: true, Source: "dbus"}.Warning(), "ModemManager.service")
}
