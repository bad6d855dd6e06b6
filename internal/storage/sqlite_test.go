package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keunjinahn/things-plc/internal/batch"
	"github.com/keunjinahn/things-plc/internal/config"
	"github.com/keunjinahn/things-plc/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	ctx := context.Background()
	s, err := NewSQLiteStore(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.EnsureSchema(ctx))
	return s
}

func seedDevice(t *testing.T, s Store, name string, tags ...string) (int64, []int64) {
	t.Helper()
	ctx := context.Background()
	devID, err := s.UpsertDevice(ctx, types.Device{Name: name, Host: "10.0.0.1", Port: 2004, Protocol: types.ProtocolXGT, Active: true})
	require.NoError(t, err)

	var ids []int64
	for i, tag := range tags {
		id, err := s.UpsertTag(ctx, types.TagDefinition{
			DeviceID: devID,
			Name:     tag,
			Area:     types.AreaD,
			Offset:   4000 + i,
			DataType: types.DataTypeWord,
			Active:   true,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return devID, ids
}

func TestSQLiteEnsureSchemaIdempotent(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.EnsureSchema(context.Background()))
}

func TestSQLiteDevices(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertDevice(ctx, types.Device{Name: "press", Host: "10.0.0.1", Port: 2004, Protocol: types.ProtocolXGT, Active: true})
	require.NoError(t, err)

	again, err := s.UpsertDevice(ctx, types.Device{Name: "press", Host: "10.0.0.2", Port: 502, Protocol: types.ProtocolModbus, UnitID: 3, Active: true})
	require.NoError(t, err)
	assert.Equal(t, id, again)

	d, err := s.GetDevice(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", d.Host)
	assert.Equal(t, types.ProtocolModbus, d.Protocol)
	assert.Equal(t, uint8(3), d.UnitID)

	_, err = s.GetDevice(ctx, 999)
	assert.True(t, errors.Is(err, ErrNotFound))

	list, err := s.ListDevices(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSQLiteTagThresholdsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	devID, _ := seedDevice(t, s, "press")

	lo := decimal.RequireFromString("-10.5")
	hi := decimal.RequireFromString("100.25")
	unit := "°C"
	id, err := s.UpsertTag(ctx, types.TagDefinition{
		DeviceID: devID, Name: "D1", Area: types.AreaD, Offset: 1, DataType: types.DataTypeWord,
		Unit: &unit, Min: &lo, Max: &hi, Active: true,
	})
	require.NoError(t, err)

	tag, err := s.GetTag(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, tag.Min)
	require.NotNil(t, tag.Max)
	assert.True(t, lo.Equal(*tag.Min))
	assert.True(t, hi.Equal(*tag.Max))
	assert.Equal(t, "°C", *tag.Unit)
}

func TestSQLiteListActiveTags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	dev1, ids := seedDevice(t, s, "a", "D4000", "D4001", "D4002")
	_, other := seedDevice(t, s, "b", "D4000")

	_, err := s.ToggleTagActive(ctx, ids[1])
	require.NoError(t, err)

	all, err := s.ListActiveTags(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	for _, tag := range all {
		assert.NotEqual(t, ids[1], tag.ID, "inactive tag listed")
	}

	one, err := s.ListActiveTags(ctx, &dev1)
	require.NoError(t, err)
	assert.Len(t, one, 2)

	listed, err := s.ListTags(ctx, &dev1)
	require.NoError(t, err)
	require.Len(t, listed, 3, "ListTags includes inactive tags")
	assert.False(t, listed[1].Active)

	tag, err := s.ToggleTagActive(ctx, ids[1])
	require.NoError(t, err)
	assert.True(t, tag.Active)

	_, err = s.ToggleTagActive(ctx, 12345)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NotZero(t, other[0])
}

func TestSQLiteUpsertTagKeepsFlags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	devID, ids := seedDevice(t, s, "a", "D4000")

	_, err := s.ToggleTagActive(ctx, ids[0])
	require.NoError(t, err)

	id, err := s.UpsertTag(ctx, types.TagDefinition{
		DeviceID: devID, Name: "D4000", Area: types.AreaD, Offset: 4000, DataType: types.DataTypeDWord,
		Description: "updated", Active: true,
	})
	require.NoError(t, err)
	assert.Equal(t, ids[0], id)

	tag, err := s.GetTag(ctx, id)
	require.NoError(t, err)
	assert.False(t, tag.Active, "runtime toggle survives re-seeding")
	assert.Equal(t, types.DataTypeDWord, tag.DataType)
	assert.Equal(t, "updated", tag.Description)
}

func TestSQLiteActionItemSingleSelection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ids := seedDevice(t, s, "a", "D1", "D2", "D3")
	_, more := seedDevice(t, s, "b", "D9")
	ids = append(ids, more...)

	countSelected := func() int {
		n := 0
		for _, id := range ids {
			tag, err := s.GetTag(ctx, id)
			require.NoError(t, err)
			if tag.ActionItem {
				n++
			}
		}
		return n
	}

	for _, id := range []int64{ids[0], ids[2], ids[3], ids[1]} {
		tag, err := s.ToggleActionItem(ctx, id)
		require.NoError(t, err)
		assert.True(t, tag.ActionItem)
		assert.Equal(t, 1, countSelected())
	}

	tag, err := s.ToggleActionItem(ctx, ids[1])
	require.NoError(t, err)
	assert.False(t, tag.ActionItem)
	assert.Equal(t, 0, countSelected())

	_, err = s.ToggleActionItem(ctx, 999)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLiteReadings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ids := seedDevice(t, s, "a", "D4001", "D4002")

	_, err := s.GetLatestReading(ctx, ids[0])
	assert.True(t, errors.Is(err, ErrNotFound))

	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveReadings(ctx, []types.Reading{
		{TagID: ids[0], Value: decimal.NewFromInt(1), Quality: types.QualityGood, Timestamp: t0},
		{TagID: ids[1], Value: decimal.Zero, Quality: types.QualityBad, Timestamp: t0},
	}))
	require.NoError(t, s.SaveReadings(ctx, []types.Reading{
		{TagID: ids[0], Value: decimal.NewFromInt(12345), Quality: types.QualityGood, Timestamp: t0.Add(time.Second)},
	}))

	latest, err := s.GetLatestReading(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "12345", latest.Value.String())
	assert.True(t, latest.Timestamp.Equal(t0.Add(time.Second)))

	history, err := s.ReadingHistory(ctx, ids[0], 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "12345", history[0].Value.String())

	bad, err := s.GetLatestReading(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, types.QualityBad, bad.Quality)
	assert.True(t, bad.Value.IsZero())
}

func TestSQLiteSaveReadingsIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ids := seedDevice(t, s, "a", "D1")

	err := s.SaveReadings(ctx, []types.Reading{
		{TagID: ids[0], Value: decimal.NewFromInt(1), Quality: types.QualityGood, Timestamp: time.Now()},
		{TagID: 9999, Value: decimal.NewFromInt(2), Quality: types.QualityGood, Timestamp: time.Now()},
	})
	var perr *PersistenceError
	require.True(t, errors.As(err, &perr))

	_, err = s.GetLatestReading(ctx, ids[0])
	assert.True(t, errors.Is(err, ErrNotFound), "first reading rolled back")
}

func TestSQLiteAppendReadingAndLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ids := seedDevice(t, s, "a", "D1", "D2")

	r, err := s.AppendReading(ctx, types.Reading{TagID: ids[0], Value: decimal.RequireFromString("21.5"), Quality: types.QualityGood})
	require.NoError(t, err)
	assert.NotZero(t, r.ID)
	assert.False(t, r.Timestamp.IsZero())

	_, err = s.AppendReading(ctx, types.Reading{TagID: 999, Value: decimal.Zero, Quality: types.QualityGood})
	assert.True(t, errors.Is(err, ErrNotFound))

	latest, err := s.LatestReadings(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)

	byName := map[string]types.LatestReading{}
	for _, lr := range latest {
		byName[lr.TagName] = lr
	}
	require.NotNil(t, byName["D1"].Value)
	assert.Equal(t, "21.5", byName["D1"].Value.String())
	assert.Equal(t, types.QualityGood, byName["D1"].Quality)
	assert.Equal(t, "a", byName["D1"].DeviceName)

	assert.Nil(t, byName["D2"].Value)
	assert.Equal(t, types.QualityUncertain, byName["D2"].Quality)
}

func TestSQLiteJobResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v := uint64(12345)
	res := batch.JobResult{
		ID:           uuid.New(),
		JobName:      "temperature",
		Timestamp:    time.Now().UTC(),
		Status:       batch.StatusPartialFailure,
		ReadResults:  map[string]*uint64{"D4001": &v, "D4002": nil},
		WriteResults: map[string]bool{"D5001": false},
		Errors:       []string{"write failed: [D5001]"},
	}
	require.NoError(t, s.SaveJobResults(ctx, []batch.JobResult{res}))
	require.NoError(t, s.SaveJobResults(ctx, []batch.JobResult{res}))

	stored, err := s.JobResults(ctx, "temperature")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, res.ID, stored[0].ID)
	assert.Equal(t, batch.StatusPartialFailure, stored[0].Status)
	require.NotNil(t, stored[0].ReadResults["D4001"])
	assert.Equal(t, v, *stored[0].ReadResults["D4001"])
	assert.Nil(t, stored[0].ReadResults["D4002"])
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "plc.db")})
	require.NoError(t, err)
	defer s.Close()
	devices, err := s.ListDevices(ctx)
	require.NoError(t, err)
	assert.Empty(t, devices)

	_, err = Open(ctx, config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}
