package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "database:\n  driver: sqlite\n"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 2*time.Second, cfg.XGT.Timeout)
	assert.Equal(t, 3, cfg.XGT.RetryCount)
	assert.Equal(t, time.Second, cfg.XGT.RetryDelay)
	assert.Equal(t, "sum", cfg.XGT.Checksum)
	assert.Equal(t, 0xB0, cfg.XGT.CPUInfo)
	assert.Equal(t, time.Second, cfg.Collector.Interval())
	assert.Equal(t, 2004, cfg.Batch.PLC.Port)
	assert.Equal(t, []string{"json", "csv"}, cfg.Batch.Export)
}

func TestLoadDevicesAndSchedule(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
database:
  driver: sqlite
  path: ":memory:"
devices:
  - name: line1
    host: 192.168.0.10
    port: 2004
    tags:
      - name: D4001
        area: D
        offset: 4001
        data_type: word
        unit: "°C"
        min: 0
        max: 100
      - name: M100
        area: M
        offset: 100
        data_type: bit
        active: false
scheduler:
  entries:
    - name: every-five
      interval: 5.minutes
      jobs: [temperature]
`))
	require.NoError(t, err)

	require.Len(t, cfg.Devices, 1)
	dev := cfg.Devices[0]
	require.Len(t, dev.Tags, 2)
	require.NotNil(t, dev.Tags[0].Max)
	assert.Equal(t, 100.0, *dev.Tags[0].Max)
	assert.Nil(t, dev.Tags[0].Active)
	require.NotNil(t, dev.Tags[1].Active)
	assert.False(t, *dev.Tags[1].Active)

	require.Len(t, cfg.Scheduler.Entries, 1)
	assert.Equal(t, "5.minutes", cfg.Scheduler.Entries[0].Interval)
	assert.Equal(t, []string{"temperature"}, cfg.Scheduler.Entries[0].Jobs)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("THINGS_XGT_RETRY_COUNT", "5")
	cfg, err := Load(writeConfig(t, "database:\n  driver: sqlite\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.XGT.RetryCount)
}

func TestValidateCollectsErrors(t *testing.T) {
	_, err := Load(writeConfig(t, `
database:
  driver: mysql
xgt:
  checksum: crc
batch:
  enabled: true
  export: [xml]
scheduler:
  entries:
    - name: a
      interval: 1.minutes
    - name: a
devices:
  - name: p
    host: h
    protocol: serial
`))
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"database.driver",
		"xgt.checksum",
		"batch.plc.host",
		"batch.jobs_file",
		"batch.export",
		"duplicate name \"a\"",
		"interval is required",
		"unknown protocol",
	} {
		assert.True(t, strings.Contains(msg, want), "missing %q in %s", want, msg)
	}
}

func TestJWTSecret(t *testing.T) {
	a := AuthConfig{JWTSecretEnv: "THINGS_TEST_SECRET"}

	t.Setenv("THINGS_TEST_SECRET", "short")
	_, err := a.JWTSecret()
	assert.Error(t, err)

	t.Setenv("THINGS_TEST_SECRET", strings.Repeat("x", 32))
	secret, err := a.JWTSecret()
	require.NoError(t, err)
	assert.Len(t, secret, 32)
}
