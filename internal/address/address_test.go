package address

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keunjinahn/things-plc/internal/types"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		area   types.Area
		offset int
		want   string
	}{
		{types.AreaM, 100, "%MW100"},
		{types.AreaD, 4001, "%DW4001"},
		{types.AreaY, 0, "%QW0"},
		{types.AreaX, 12, "%IW12"},
		{types.AreaT, 5, "%TW5"},
		{types.AreaC, 9, "%CW9"},
		{"d", 1, "%DW1"},
		{"L", 7, "%LW7"},
		{"Z", 3, "%ZW3"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Translate(tt.area, tt.offset), "%s%d", tt.area, tt.offset)
	}
}

func TestForDataType(t *testing.T) {
	tests := []struct {
		area types.Area
		dt   types.DataType
		want string
	}{
		{types.AreaM, types.DataTypeBit, "%MX100"},
		{types.AreaM, types.DataTypeByte, "%MB100"},
		{types.AreaM, types.DataTypeWord, "%MW100"},
		{types.AreaM, types.DataTypeDWord, "%MD100"},
		{types.AreaM, types.DataTypeLWord, "%ML100"},
		{types.AreaY, types.DataTypeBit, "%QX100"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ForDataType(tt.area, 100, tt.dt))
	}
}

func TestFunctionCode(t *testing.T) {
	tests := []struct {
		area types.Area
		want byte
	}{
		{types.AreaM, 0x01},
		{types.AreaY, 0x01},
		{types.AreaX, 0x02},
		{types.AreaD, 0x03},
		{types.AreaT, 0x03},
		{types.AreaC, 0x03},
		{"Q", 0x03},
		{"", 0x03},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FunctionCode(tt.area), "area %q", tt.area)
	}
}

func TestParseKey(t *testing.T) {
	area, offset, err := ParseKey("D4001")
	require.NoError(t, err)
	assert.Equal(t, types.AreaD, area)
	assert.Equal(t, 4001, offset)

	area, offset, err = ParseKey("m10")
	require.NoError(t, err)
	assert.Equal(t, types.AreaM, area)
	assert.Equal(t, 10, offset)

	for _, bad := range []string{"", "D", "Dx1", "D10a", "D-1"} {
		_, _, err := ParseKey(bad)
		assert.Error(t, err, bad)
	}

	assert.Equal(t, "D4001", Key("d", 4001))
}
