package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gsm.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	require.NoError(t, err)

	assert.Equal(t, 6011, c.HTTP.Port)
	assert.Equal(t, []int{9600, 19200, 38400, 57600, 115200}, c.Serial.BaudRates)
	assert.Equal(t, 2*time.Second, c.Serial.HandshakeTimeout)
	assert.Equal(t, 10*time.Second, c.SMS.PromptTimeout)
	assert.Equal(t, 30*time.Second, c.SMS.FinalTimeout)
	assert.Equal(t, 160, c.SMS.MaxSegmentChars)
	assert.Equal(t, 3, c.Registry.FailureThreshold)
	assert.Equal(t, []string{"SIM900", "SIM800"}, c.Registry.SupportedModels)
	assert.Contains(t, c.Serial.PortGlobs, "/dev/ttyUSB*")
	assert.Empty(t, c.Snapshot.Addr)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
http:
  port: 7000
serial:
  ports: [/dev/ttyS1]
  baud_rates: [115200]
  query_timeout: 500ms
sms:
  max_attempts: 1
log:
  format: json
`)
	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, c.HTTP.Port)
	assert.Equal(t, []string{"/dev/ttyS1"}, c.Serial.Ports)
	assert.Equal(t, []int{115200}, c.Serial.BaudRates)
	assert.Equal(t, 500*time.Millisecond, c.Serial.QueryTimeout)
	assert.Equal(t, 1, c.SMS.MaxAttempts)
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, 5*time.Second, c.SMS.SetupTimeout, "unset fields keep defaults")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GSM_HOST", "127.0.0.1")
	t.Setenv("GSM_PORT", "8088")
	t.Setenv("GSM_LOG_LEVEL", "debug")
	t.Setenv("GSM_REDIS_ADDR", "localhost:6379")
	t.Setenv("GSM_DB_PATH", ":memory:")
	t.Setenv("GSM_SERIAL_PORTS", "/dev/ttyUSB3, /dev/ttyUSB4")

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8088", c.Address())
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "localhost:6379", c.Snapshot.Addr)
	assert.Equal(t, ":memory:", c.Store.Path)
	assert.Equal(t, []string{"/dev/ttyUSB3", "/dev/ttyUSB4"}, c.Serial.Ports)
}

func TestLoadRejectsBadPortEnv(t *testing.T) {
	t.Setenv("GSM_PORT", "http")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	path := writeFile(t, `
serial:
  baud_rates: []
sms:
  prompt_timeout: 0s
log:
  format: xml
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serial.baud_rates is empty")
	assert.Contains(t, err.Error(), "sms.prompt_timeout must be positive")
	assert.Contains(t, err.Error(), "log.format")
}

func TestLoadBadYAML(t *testing.T) {
	_, err := Load(writeFile(t, "http: [not a map"))
	assert.Error(t, err)
}
