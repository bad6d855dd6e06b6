package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/keunjinahn/things-plc/internal/batch"
	"github.com/keunjinahn/things-plc/internal/config"
	"github.com/keunjinahn/things-plc/internal/types"
)

var ErrNotFound = errors.New("not found")

// PersistenceError wraps a failed write so callers can tell it from a read
// failure. It never invalidates readings already held in memory.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Store is the persistence boundary shared by the collector, the REST API and
// the batch runner.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Close() error

	ListDevices(ctx context.Context) ([]types.Device, error)
	GetDevice(ctx context.Context, id int64) (*types.Device, error)
	// UpsertDevice inserts or updates by name.
	UpsertDevice(ctx context.Context, d types.Device) (int64, error)

	GetTag(ctx context.Context, id int64) (*types.TagDefinition, error)
	// ListActiveTags returns active tags, optionally for one device.
	ListActiveTags(ctx context.Context, deviceID *int64) ([]types.TagDefinition, error)
	ListTags(ctx context.Context, deviceID *int64) ([]types.TagDefinition, error)
	// UpsertTag inserts or updates by (device, name). The active and
	// action-item flags are only written on insert.
	UpsertTag(ctx context.Context, t types.TagDefinition) (int64, error)
	ToggleTagActive(ctx context.Context, id int64) (*types.TagDefinition, error)
	// ToggleActionItem flips the flag; setting it clears it on every other tag.
	ToggleActionItem(ctx context.Context, id int64) (*types.TagDefinition, error)

	// SaveReadings appends all readings in one transaction.
	SaveReadings(ctx context.Context, readings []types.Reading) error
	AppendReading(ctx context.Context, r types.Reading) (types.Reading, error)
	GetLatestReading(ctx context.Context, tagID int64) (*types.Reading, error)
	ReadingHistory(ctx context.Context, tagID int64, limit int) ([]types.Reading, error)
	LatestReadings(ctx context.Context) ([]types.LatestReading, error)

	SaveJobResults(ctx context.Context, results []batch.JobResult) error
}

// Open connects the configured backend and applies its schema.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Driver {
	case "sqlite":
		store, err = NewSQLiteStore(ctx, cfg.Path)
	case "postgres", "":
		store, err = NewPostgresClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func decimalPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimalPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("invalid decimal %q: %w", *s, err)
	}
	return &d, nil
}

const defaultHistoryLimit = 100

func historyLimit(limit int) int {
	if limit <= 0 || limit > 10000 {
		return defaultHistoryLimit
	}
	return limit
}
