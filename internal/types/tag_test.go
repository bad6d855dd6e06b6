package types

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataTypeWidth(t *testing.T) {
	tests := []struct {
		dt    DataType
		width int
	}{
		{DataTypeBit, 1},
		{DataTypeByte, 1},
		{DataTypeWord, 2},
		{DataTypeDWord, 4},
		{DataTypeLWord, 8},
		{DataType("float"), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.width, tt.dt.Width(), tt.dt)
	}
}

func TestParseDataType(t *testing.T) {
	dt, err := ParseDataType("")
	require.NoError(t, err)
	assert.Equal(t, DataTypeWord, dt)

	dt, err = ParseDataType(" DWord ")
	require.NoError(t, err)
	assert.Equal(t, DataTypeDWord, dt)

	_, err = ParseDataType("real")
	assert.Error(t, err)
}

func TestCheckRange(t *testing.T) {
	lo := decimal.NewFromInt(0)
	hi := decimal.NewFromInt(100)
	tag := TagDefinition{ID: 7, Name: "D4001", Min: &lo, Max: &hi}

	assert.Nil(t, tag.CheckRange(decimal.NewFromInt(50)))
	assert.Nil(t, tag.CheckRange(decimal.NewFromInt(100)))

	w := tag.CheckRange(decimal.NewFromInt(150))
	require.NotNil(t, w)
	assert.Equal(t, "max", w.Bound)
	assert.Contains(t, w.Error(), "D4001")

	w = tag.CheckRange(decimal.NewFromInt(-1))
	require.NotNil(t, w)
	assert.Equal(t, "min", w.Bound)

	assert.Nil(t, TagDefinition{}.CheckRange(decimal.NewFromInt(1<<40)))
}

func TestDecimalFromRaw(t *testing.T) {
	assert.Equal(t, "12345", DecimalFromRaw(12345).String())
	assert.Equal(t, "18446744073709551615", DecimalFromRaw(^uint64(0)).String())
}

func TestTagKey(t *testing.T) {
	assert.Equal(t, "D4001", TagDefinition{Area: AreaD, Offset: 4001}.Key())
}
