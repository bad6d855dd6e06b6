package types

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Area is the PLC memory area letter of a tag.
type Area string

const (
	AreaM Area = "M" // internal relay
	AreaD Area = "D" // data register
	AreaY Area = "Y" // output
	AreaX Area = "X" // input
	AreaT Area = "T" // timer
	AreaC Area = "C" // counter
)

var Areas = []Area{AreaM, AreaD, AreaY, AreaX, AreaT, AreaC}

// DataType is the unit size of a tag value.
type DataType string

const (
	DataTypeBit   DataType = "bit"
	DataTypeByte  DataType = "byte"
	DataTypeWord  DataType = "word"
	DataTypeDWord DataType = "dword"
	DataTypeLWord DataType = "lword"
)

var DataTypes = []DataType{DataTypeBit, DataTypeByte, DataTypeWord, DataTypeDWord, DataTypeLWord}

// Width returns the value width in bytes, or 0 for an unknown type.
func (d DataType) Width() int {
	switch d {
	case DataTypeBit, DataTypeByte:
		return 1
	case DataTypeWord:
		return 2
	case DataTypeDWord:
		return 4
	case DataTypeLWord:
		return 8
	}
	return 0
}

func (d DataType) Valid() bool {
	return d.Width() > 0
}

// ParseDataType accepts the canonical names case-insensitively. An empty
// string means word.
func ParseDataType(s string) (DataType, error) {
	if s == "" {
		return DataTypeWord, nil
	}
	dt := DataType(strings.ToLower(strings.TrimSpace(s)))
	if !dt.Valid() {
		return "", fmt.Errorf("unknown data type %q", s)
	}
	return dt, nil
}

// TagDefinition describes one readable PLC location.
type TagDefinition struct {
	ID          int64            `json:"id"`
	DeviceID    int64            `json:"device_id"`
	Name        string           `json:"name"`
	Area        Area             `json:"area"`
	Offset      int              `json:"offset"`
	DataType    DataType         `json:"data_type"`
	Description string           `json:"description,omitempty"`
	Unit        *string          `json:"unit,omitempty"`
	Min         *decimal.Decimal `json:"min,omitempty"`
	Max         *decimal.Decimal `json:"max,omitempty"`
	Active      bool             `json:"active"`
	ActionItem  bool             `json:"action_item"`
}

// Key is the short area+offset form used in job results, e.g. D4001.
func (t TagDefinition) Key() string {
	return fmt.Sprintf("%s%d", t.Area, t.Offset)
}

// CheckRange returns a warning when v lies outside the tag's thresholds.
func (t TagDefinition) CheckRange(v decimal.Decimal) *ValidationWarning {
	if t.Min != nil && v.LessThan(*t.Min) {
		return &ValidationWarning{TagID: t.ID, Tag: t.Name, Value: v, Bound: "min", Limit: *t.Min}
	}
	if t.Max != nil && v.GreaterThan(*t.Max) {
		return &ValidationWarning{TagID: t.ID, Tag: t.Name, Value: v, Bound: "max", Limit: *t.Max}
	}
	return nil
}
