package batch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keunjinahn/things-plc/internal/types"
)

const sampleJobs = `
jobs:
  - name: temperature_pressure
    description: read sensor values
    reads:
      - address: D4001
      - address: D4002
        data_type: word
      - address: D4003
  - name: alarms
    enabled: false
    reads:
      - address: M100
        data_type: bit
  - name: control
    writes:
      - address: D5001
        value: 100
      - address: M200
        data_type: bit
        value: 1
mapping:
  D4001: temperature_1
  M200: heater_on
thresholds:
  D4001: {min: 0, max: 100, unit: "°C"}
  D4002: {min: 0, max: 1000, unit: kPa}
`

func newLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader()
	require.NoError(t, err)
	return l
}

func TestParseJobFile(t *testing.T) {
	set, err := newLoader(t).Parse([]byte(sampleJobs))
	require.NoError(t, err)

	assert.Equal(t, []string{"temperature_pressure", "alarms", "control"}, set.Names())

	temp := set.Jobs[0]
	assert.True(t, temp.Enabled, "enabled defaults to true")
	require.Len(t, temp.Reads, 3)
	assert.Equal(t, BatchRequest{Area: types.AreaD, Offset: 4001, DataType: types.DataTypeWord, Command: CommandRead}, temp.Reads[0])

	alarms, ok := set.Job("alarms")
	require.True(t, ok)
	assert.False(t, alarms.Enabled)
	assert.Equal(t, "%MX100", alarms.Reads[0].Variable())

	control := set.Jobs[2]
	require.Len(t, control.Writes, 2)
	require.NotNil(t, control.Writes[0].Value)
	assert.Equal(t, int64(100), *control.Writes[0].Value)
	assert.Equal(t, types.DataTypeBit, control.Writes[1].DataType)

	assert.Equal(t, "heater_on", set.Mapping["M200"])
	require.NotNil(t, set.Thresholds["D4001"].Max)
	assert.Equal(t, 100.0, *set.Thresholds["D4001"].Max)
	assert.Equal(t, "°C", set.Thresholds["D4001"].Unit)
	assert.Empty(t, set.Warnings)
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"missing jobs":      "mapping: {}\n",
		"unknown field":     "jobs:\n  - name: a\n    speed: 3\n",
		"write no value":    "jobs:\n  - name: a\n    writes:\n      - address: D1\n",
		"bad address":       "jobs:\n  - name: a\n    reads:\n      - address: '%DW100'\n",
		"bad data type":     "jobs:\n  - name: a\n    reads:\n      - address: D1\n        data_type: float\n",
		"non-integer value": "jobs:\n  - name: a\n    writes:\n      - address: D1\n        value: 1.5\n",
	}
	l := newLoader(t)
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := l.Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestParseSemanticErrors(t *testing.T) {
	l := newLoader(t)

	_, err := l.Parse([]byte("jobs:\n  - name: a\n  - name: a\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BATCH_002")

	_, err = l.Parse([]byte("jobs:\n  - name: a\n    writes:\n      - address: D1\n        value: 70000\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BATCH_005")

	_, err = l.Parse([]byte("jobs:\n  - name: a\n    reads:\n      - address: D1\nthresholds:\n  D1: {min: 10, max: 1}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BATCH_006")
}

func TestParseWarnings(t *testing.T) {
	set, err := newLoader(t).Parse([]byte("jobs:\n  - name: empty\nthresholds:\n  D9: {max: 1}\n"))
	require.NoError(t, err)

	codes := map[string]bool{}
	for _, w := range set.Warnings {
		codes[w.Code] = true
	}
	assert.True(t, codes["BATCH_101"])
	assert.True(t, codes["BATCH_102"])
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleJobs), 0o644))

	set, err := newLoader(t).LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, set.Jobs, 3)

	_, err = newLoader(t).LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSelect(t *testing.T) {
	set, err := newLoader(t).Parse([]byte(sampleJobs))
	require.NoError(t, err)

	jobs, err := set.Select([]string{"control", "temperature_pressure"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "temperature_pressure", jobs[0].Name, "catalog order")

	_, err = set.Select([]string{"nope"})
	assert.Error(t, err)
}
