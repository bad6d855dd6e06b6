// Package devices seeds configured PLCs and their tags into the store.
package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/keunjinahn/things-plc/internal/config"
	"github.com/keunjinahn/things-plc/internal/types"
	"github.com/keunjinahn/things-plc/internal/xgt"
)

const defaultModbusPort = 502

// Store is the subset of persistence the manager writes to.
type Store interface {
	UpsertDevice(ctx context.Context, d types.Device) (int64, error)
	UpsertTag(ctx context.Context, t types.TagDefinition) (int64, error)
}

type SyncReport struct {
	Devices int `json:"devices"`
	Tags    int `json:"tags"`
}

type Manager struct {
	store  Store
	logger *zap.Logger
}

func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, logger: logger}
}

// Sync upserts every configured device and tag. Runtime toggles made through
// the API survive a re-sync. Invalid entries are reported together.
func (m *Manager) Sync(ctx context.Context, devices []config.DeviceConfig) (SyncReport, error) {
	var report SyncReport
	var errs []error

	for _, dc := range devices {
		dev, err := BuildDevice(dc)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		id, err := m.store.UpsertDevice(ctx, dev)
		if err != nil {
			return report, fmt.Errorf("failed to sync device %s: %w", dc.Name, err)
		}
		report.Devices++

		for _, tc := range dc.Tags {
			tag, err := BuildTag(id, tc)
			if err != nil {
				errs = append(errs, fmt.Errorf("device %s: %w", dc.Name, err))
				continue
			}
			if _, err := m.store.UpsertTag(ctx, tag); err != nil {
				return report, fmt.Errorf("failed to sync tag %s/%s: %w", dc.Name, tc.Name, err)
			}
			report.Tags++
		}

		m.logger.Info("Device synced",
			zap.String("name", dev.Name),
			zap.String("endpoint", dev.Endpoint()),
			zap.String("protocol", string(dev.Protocol)),
			zap.Int("tags", len(dc.Tags)))
	}

	return report, errors.Join(errs...)
}

// BuildDevice converts a device config entry, filling protocol defaults.
func BuildDevice(dc config.DeviceConfig) (types.Device, error) {
	protocol := types.Protocol(strings.ToLower(dc.Protocol))
	if protocol == "" {
		protocol = types.ProtocolXGT
	}

	port := dc.Port
	switch protocol {
	case types.ProtocolXGT:
		if port == 0 {
			port = xgt.DefaultPort
		}
	case types.ProtocolModbus:
		if port == 0 {
			port = defaultModbusPort
		}
	default:
		return types.Device{}, fmt.Errorf("device %s: unknown protocol %q", dc.Name, dc.Protocol)
	}

	if dc.Name == "" || dc.Host == "" {
		return types.Device{}, fmt.Errorf("device %q: name and host are required", dc.Name)
	}
	if dc.UnitID < 0 || dc.UnitID > 255 {
		return types.Device{}, fmt.Errorf("device %s: unit_id %d out of range", dc.Name, dc.UnitID)
	}

	return types.Device{
		Name:        dc.Name,
		Host:        dc.Host,
		Port:        port,
		Protocol:    protocol,
		UnitID:      uint8(dc.UnitID),
		Description: dc.Description,
		Active:      true,
	}, nil
}

// BuildTag converts a tag config entry. Tags are active unless configured
// otherwise.
func BuildTag(deviceID int64, tc config.TagConfig) (types.TagDefinition, error) {
	if tc.Name == "" {
		return types.TagDefinition{}, fmt.Errorf("tag name is required")
	}

	area := types.Area(strings.ToUpper(strings.TrimSpace(tc.Area)))
	switch area {
	case types.AreaM, types.AreaD, types.AreaY, types.AreaX, types.AreaT, types.AreaC:
	default:
		return types.TagDefinition{}, fmt.Errorf("tag %s: unknown area %q", tc.Name, tc.Area)
	}
	if tc.Offset < 0 {
		return types.TagDefinition{}, fmt.Errorf("tag %s: negative offset", tc.Name)
	}

	dt, err := types.ParseDataType(tc.DataType)
	if err != nil {
		return types.TagDefinition{}, fmt.Errorf("tag %s: %w", tc.Name, err)
	}

	tag := types.TagDefinition{
		DeviceID:    deviceID,
		Name:        tc.Name,
		Area:        area,
		Offset:      tc.Offset,
		DataType:    dt,
		Description: tc.Description,
		Active:      tc.Active == nil || *tc.Active,
	}
	if tc.Unit != "" {
		unit := tc.Unit
		tag.Unit = &unit
	}
	if tc.Min != nil {
		v := decimal.NewFromFloat(*tc.Min)
		tag.Min = &v
	}
	if tc.Max != nil {
		v := decimal.NewFromFloat(*tc.Max)
		tag.Max = &v
	}
	if tag.Min != nil && tag.Max != nil && tag.Min.GreaterThan(*tag.Max) {
		return types.TagDefinition{}, fmt.Errorf("tag %s: min exceeds max", tc.Name)
	}
	return tag, nil
}
