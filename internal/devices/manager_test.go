package devices

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keunjinahn/things-plc/internal/config"
	"github.com/keunjinahn/things-plc/internal/types"
)

type memStore struct {
	devices []types.Device
	tags    []types.TagDefinition
}

func (s *memStore) UpsertDevice(_ context.Context, d types.Device) (int64, error) {
	for i, existing := range s.devices {
		if existing.Name == d.Name {
			d.ID = existing.ID
			s.devices[i] = d
			return d.ID, nil
		}
	}
	d.ID = int64(len(s.devices) + 1)
	s.devices = append(s.devices, d)
	return d.ID, nil
}

func (s *memStore) UpsertTag(_ context.Context, t types.TagDefinition) (int64, error) {
	t.ID = int64(len(s.tags) + 1)
	s.tags = append(s.tags, t)
	return t.ID, nil
}

func f64(v float64) *float64 { return &v }
func boolp(v bool) *bool     { return &v }

func TestSync(t *testing.T) {
	store := &memStore{}
	m := NewManager(store, nil)

	report, err := m.Sync(context.Background(), []config.DeviceConfig{
		{
			Name: "press", Host: "192.168.1.2",
			Tags: []config.TagConfig{
				{Name: "temperature", Area: "d", Offset: 4001, Unit: "°C", Min: f64(0), Max: f64(100)},
				{Name: "alarm", Area: "M", Offset: 100, DataType: "bit", Active: boolp(false)},
			},
		},
		{Name: "meter", Host: "192.168.1.3", Protocol: "modbus", UnitID: 7},
	})
	require.NoError(t, err)
	assert.Equal(t, SyncReport{Devices: 2, Tags: 2}, report)

	require.Len(t, store.devices, 2)
	assert.Equal(t, 2004, store.devices[0].Port)
	assert.Equal(t, types.ProtocolXGT, store.devices[0].Protocol)
	assert.Equal(t, 502, store.devices[1].Port)
	assert.Equal(t, uint8(7), store.devices[1].UnitID)

	temp := store.tags[0]
	assert.Equal(t, types.AreaD, temp.Area)
	assert.Equal(t, types.DataTypeWord, temp.DataType)
	assert.True(t, temp.Active)
	require.NotNil(t, temp.Max)
	assert.Equal(t, "100", temp.Max.String())
	assert.Equal(t, "°C", *temp.Unit)

	assert.False(t, store.tags[1].Active)
	assert.Equal(t, types.DataTypeBit, store.tags[1].DataType)
}

func TestSyncCollectsErrors(t *testing.T) {
	store := &memStore{}
	m := NewManager(store, nil)

	report, err := m.Sync(context.Background(), []config.DeviceConfig{
		{Name: "bad", Host: "h", Protocol: "profinet"},
		{Name: "ok", Host: "h", Tags: []config.TagConfig{
			{Name: "t1", Area: "Q", Offset: 1},
			{Name: "t2", Area: "D", Offset: 1, DataType: "real"},
			{Name: "t3", Area: "D", Offset: 2, Min: f64(5), Max: f64(1)},
			{Name: "t4", Area: "D", Offset: 3},
		}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "profinet")
	assert.Contains(t, err.Error(), `unknown area "Q"`)
	assert.Contains(t, err.Error(), "real")
	assert.Contains(t, err.Error(), "min exceeds max")
	assert.Equal(t, SyncReport{Devices: 1, Tags: 1}, report)
}
