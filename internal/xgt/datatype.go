package xgt

import (
	"encoding/binary"
	"fmt"

	"github.com/keunjinahn/things-plc/internal/types"
)

// Data type codes on the wire.
const (
	TypeBit   uint16 = 0x0000
	TypeByte  uint16 = 0x0001
	TypeWord  uint16 = 0x0002
	TypeDWord uint16 = 0x0003
	TypeLWord uint16 = 0x0004
)

var typeCodes = map[types.DataType]uint16{
	types.DataTypeBit:   TypeBit,
	types.DataTypeByte:  TypeByte,
	types.DataTypeWord:  TypeWord,
	types.DataTypeDWord: TypeDWord,
	types.DataTypeLWord: TypeLWord,
}

// TypeCode returns the wire code of dt.
func TypeCode(dt types.DataType) (uint16, error) {
	code, ok := typeCodes[dt]
	if !ok {
		return 0, fmt.Errorf("unsupported data type %q", dt)
	}
	return code, nil
}

// DataTypeOf maps a wire code back to a data type.
func DataTypeOf(code uint16) (types.DataType, error) {
	for dt, c := range typeCodes {
		if c == code {
			return dt, nil
		}
	}
	return "", fmt.Errorf("unknown data type code 0x%04X", code)
}

// PutValue writes v little-endian into the low dt.Width() bytes.
func PutValue(dt types.DataType, v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf[:dt.Width()]
}

// Value decodes one little-endian unit.
func Value(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:])
}
