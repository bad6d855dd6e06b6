package batch

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keunjinahn/things-plc/internal/address"
	"github.com/keunjinahn/things-plc/internal/types"
)

type Command string

const (
	CommandRead  Command = "READ"
	CommandWrite Command = "WRITE"
)

type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialFailure Status = "partial_failure"
	StatusError          Status = "error"
	StatusSkipped        Status = "skipped"
)

// BatchRequest is one address touched by a job.
type BatchRequest struct {
	Area     types.Area     `json:"area"`
	Offset   int            `json:"offset"`
	DataType types.DataType `json:"data_type"`
	Command  Command        `json:"command"`
	// Value is set for writes only.
	Value *int64 `json:"value,omitempty"`
}

// Key is the short address used in results, e.g. D4001.
func (r BatchRequest) Key() string {
	return address.Key(r.Area, r.Offset)
}

// Variable is the XGT direct variable sent on the wire.
func (r BatchRequest) Variable() string {
	return address.ForDataType(r.Area, r.Offset, r.DataType)
}

// Validate checks the command/value pairing.
func (r BatchRequest) Validate() error {
	if !r.DataType.Valid() {
		return fmt.Errorf("%s: unknown data type %q", r.Key(), r.DataType)
	}
	switch r.Command {
	case CommandRead:
		if r.Value != nil {
			return fmt.Errorf("%s: read must not carry a value", r.Key())
		}
	case CommandWrite:
		if r.Value == nil {
			return fmt.Errorf("%s: write needs a value", r.Key())
		}
		if _, err := rawValue(*r.Value, r.DataType); err != nil {
			return fmt.Errorf("%s: %w", r.Key(), err)
		}
	default:
		return fmt.Errorf("%s: unknown command %q", r.Key(), r.Command)
	}
	return nil
}

// rawValue converts a signed setpoint to the unsigned wire form of dt.
// Negative values are stored two's complement within the unit width.
func rawValue(v int64, dt types.DataType) (uint64, error) {
	bits := uint(dt.Width() * 8)
	if dt == types.DataTypeBit {
		if v != 0 && v != 1 {
			return 0, fmt.Errorf("bit value %d out of range", v)
		}
		return uint64(v), nil
	}
	if bits == 0 {
		return 0, fmt.Errorf("unknown data type %q", dt)
	}
	if bits == 64 {
		return uint64(v), nil
	}
	lo := -(int64(1) << (bits - 1))
	hi := int64(1)<<bits - 1
	if v < lo || v > hi {
		return 0, fmt.Errorf("value %d does not fit %s", v, dt)
	}
	return uint64(v) & (uint64(1)<<bits - 1), nil
}

// BatchJob is a named list of reads then writes.
type BatchJob struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Enabled     bool           `json:"enabled"`
	Reads       []BatchRequest `json:"reads"`
	Writes      []BatchRequest `json:"writes"`
}

// JobResult is the outcome of one job execution.
type JobResult struct {
	ID           uuid.UUID          `json:"id"`
	JobName      string             `json:"job_name"`
	Description  string             `json:"description"`
	Timestamp    time.Time          `json:"timestamp"`
	Status       Status             `json:"status"`
	ReadResults  map[string]*uint64 `json:"read_results"`
	WriteResults map[string]bool    `json:"write_results"`
	Errors       []string           `json:"errors"`
}

// Threshold bounds a read value. Either side may be absent.
type Threshold struct {
	Min  *float64 `json:"min,omitempty" yaml:"min"`
	Max  *float64 `json:"max,omitempty" yaml:"max"`
	Unit string   `json:"unit,omitempty" yaml:"unit"`
}

// Check returns a warning message, or "" when v is within bounds.
func (t Threshold) Check(key string, v uint64) string {
	f := float64(v)
	if t.Min != nil && f < *t.Min {
		return fmt.Sprintf("warning: %s value %d below minimum %g%s", key, v, *t.Min, t.Unit)
	}
	if t.Max != nil && f > *t.Max {
		return fmt.Sprintf("warning: %s value %d above maximum %g%s", key, v, *t.Max, t.Unit)
	}
	return ""
}
