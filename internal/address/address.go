// Package address maps tag areas and offsets onto XGT direct variable names
// and Modbus function codes.
package address

import (
	"fmt"
	"strings"

	"github.com/keunjinahn/things-plc/internal/types"
)

// Modbus read function codes.
const (
	FuncReadCoils            byte = 0x01
	FuncReadDiscreteInputs   byte = 0x02
	FuncReadHoldingRegisters byte = 0x03
	FuncReadInputRegisters   byte = 0x04
)

// XGT device prefixes. Y and X are the output and input image in XGT
// notation (Q and I).
var prefixes = map[types.Area]string{
	types.AreaM: "M",
	types.AreaD: "D",
	types.AreaY: "Q",
	types.AreaX: "I",
	types.AreaT: "T",
	types.AreaC: "C",
}

var functionCodes = map[types.Area]byte{
	types.AreaM: FuncReadCoils,
	types.AreaY: FuncReadCoils,
	types.AreaX: FuncReadDiscreteInputs,
	types.AreaD: FuncReadHoldingRegisters,
	types.AreaT: FuncReadHoldingRegisters,
	types.AreaC: FuncReadHoldingRegisters,
}

// Translate returns the word-sized XGT variable for a tag, e.g. D/4001 -> %DW4001.
// Unknown letters pass through as %<L>W<offset>.
func Translate(area types.Area, offset int) string {
	return format(area, 'W', offset)
}

// ForDataType is like Translate but uses the size letter of dt:
// X bit, B byte, W word, D dword, L lword.
func ForDataType(area types.Area, offset int, dt types.DataType) string {
	return format(area, sizeLetter(dt), offset)
}

// FunctionCode returns the Modbus read function code for an area. The table
// is total: unknown letters read holding registers.
func FunctionCode(area types.Area) byte {
	if fc, ok := functionCodes[normalize(area)]; ok {
		return fc
	}
	return FuncReadHoldingRegisters
}

// Key returns the short area+offset form, e.g. D4001.
func Key(area types.Area, offset int) string {
	return fmt.Sprintf("%s%d", normalize(area), offset)
}

// ParseKey splits a short key like "D4001" into area and offset.
func ParseKey(key string) (types.Area, int, error) {
	key = strings.TrimSpace(key)
	if len(key) < 2 {
		return "", 0, fmt.Errorf("address %q too short", key)
	}
	area := types.Area(strings.ToUpper(key[:1]))
	var offset int
	if _, err := fmt.Sscanf(key[1:], "%d", &offset); err != nil {
		return "", 0, fmt.Errorf("address %q: invalid offset: %w", key, err)
	}
	if fmt.Sprintf("%d", offset) != key[1:] || offset < 0 {
		return "", 0, fmt.Errorf("address %q: invalid offset", key)
	}
	return area, offset, nil
}

func format(area types.Area, size byte, offset int) string {
	a := normalize(area)
	prefix, ok := prefixes[a]
	if !ok {
		prefix = string(a)
	}
	return fmt.Sprintf("%%%s%c%d", prefix, size, offset)
}

func sizeLetter(dt types.DataType) byte {
	switch dt {
	case types.DataTypeBit:
		return 'X'
	case types.DataTypeByte:
		return 'B'
	case types.DataTypeDWord:
		return 'D'
	case types.DataTypeLWord:
		return 'L'
	}
	return 'W'
}

func normalize(area types.Area) types.Area {
	return types.Area(strings.ToUpper(strings.TrimSpace(string(area))))
}
