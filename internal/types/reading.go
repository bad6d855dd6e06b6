package types

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

type Quality string

const (
	QualityGood      Quality = "good"
	QualityBad       Quality = "bad"
	QualityUncertain Quality = "uncertain"
)

func (q Quality) Valid() bool {
	switch q {
	case QualityGood, QualityBad, QualityUncertain:
		return true
	}
	return false
}

// Reading is one observed tag value. Readings are append-only.
type Reading struct {
	ID        int64           `json:"id,omitempty"`
	TagID     int64           `json:"tag_id"`
	Value     decimal.Decimal `json:"value"`
	Quality   Quality         `json:"quality"`
	Timestamp time.Time       `json:"timestamp"`
}

// LatestReading joins a tag with its device and newest reading.
// Value is nil when the tag has never been read.
type LatestReading struct {
	TagID       int64            `json:"tag_id"`
	TagName     string           `json:"tag_name"`
	Description string           `json:"description,omitempty"`
	Unit        *string          `json:"unit,omitempty"`
	DeviceID    int64            `json:"device_id"`
	DeviceName  string           `json:"device_name"`
	Value       *decimal.Decimal `json:"value"`
	Quality     Quality          `json:"quality"`
	Timestamp   *time.Time       `json:"timestamp,omitempty"`
}

// ReadingEvent is what sinks and live subscribers receive.
type ReadingEvent struct {
	Device  string        `json:"device"`
	Tag     TagDefinition `json:"tag"`
	Reading Reading       `json:"reading"`
}

// DecimalFromRaw converts an unsigned raw PLC value.
func DecimalFromRaw(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
