package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/keunjinahn/things-plc/internal/types"
)

// actionItemLock serializes action-item toggles across transactions.
const actionItemLock = 0x7467616374 // "tgact"

const pgTagColumns = `id, device_id, name, area, mem_offset, data_type, description, unit,
	min_value::text, max_value::text, active, action_item`

func scanPGTag(row pgx.Row) (*types.TagDefinition, error) {
	var (
		t        types.TagDefinition
		area, dt string
		min, max *string
	)
	if err := row.Scan(&t.ID, &t.DeviceID, &t.Name, &area, &t.Offset, &dt, &t.Description, &t.Unit,
		&min, &max, &t.Active, &t.ActionItem); err != nil {
		return nil, err
	}
	t.Area = types.Area(area)
	t.DataType = types.DataType(dt)

	var err error
	if t.Min, err = parseDecimalPtr(min); err != nil {
		return nil, err
	}
	if t.Max, err = parseDecimalPtr(max); err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *PostgresClient) ListDevices(ctx context.Context) ([]types.Device, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, host, port, protocol, unit_id, description, active
		FROM devices
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	devices := make([]types.Device, 0)
	for rows.Next() {
		var d types.Device
		var protocol string
		var unitID int16
		if err := rows.Scan(&d.ID, &d.Name, &d.Host, &d.Port, &protocol, &unitID, &d.Description, &d.Active); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		d.Protocol = types.Protocol(protocol)
		d.UnitID = uint8(unitID)
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (p *PostgresClient) GetDevice(ctx context.Context, id int64) (*types.Device, error) {
	var d types.Device
	var protocol string
	var unitID int16
	err := p.pool.QueryRow(ctx, `
		SELECT id, name, host, port, protocol, unit_id, description, active
		FROM devices
		WHERE id = $1
	`, id).Scan(&d.ID, &d.Name, &d.Host, &d.Port, &protocol, &unitID, &d.Description, &d.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	d.Protocol = types.Protocol(protocol)
	d.UnitID = uint8(unitID)
	return &d, nil
}

func (p *PostgresClient) UpsertDevice(ctx context.Context, d types.Device) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO devices (name, host, port, protocol, unit_id, description, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name)
		DO UPDATE SET
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			protocol = EXCLUDED.protocol,
			unit_id = EXCLUDED.unit_id,
			description = EXCLUDED.description,
			active = EXCLUDED.active,
			updated_at = NOW()
		RETURNING id
	`, d.Name, d.Host, d.Port, string(d.Protocol), int16(d.UnitID), d.Description, d.Active).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert device: %w", err)
	}
	return id, nil
}

func (p *PostgresClient) GetTag(ctx context.Context, id int64) (*types.TagDefinition, error) {
	t, err := scanPGTag(p.pool.QueryRow(ctx, `SELECT `+pgTagColumns+` FROM tags WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tag %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tag: %w", err)
	}
	return t, nil
}

func (p *PostgresClient) ListActiveTags(ctx context.Context, deviceID *int64) ([]types.TagDefinition, error) {
	return p.listTags(ctx, deviceID, true)
}

func (p *PostgresClient) ListTags(ctx context.Context, deviceID *int64) ([]types.TagDefinition, error) {
	return p.listTags(ctx, deviceID, false)
}

func (p *PostgresClient) listTags(ctx context.Context, deviceID *int64, activeOnly bool) ([]types.TagDefinition, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+pgTagColumns+`
		FROM tags
		WHERE ($1::bigint IS NULL OR device_id = $1) AND (NOT $2 OR active = TRUE)
		ORDER BY device_id, id
	`, deviceID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}
	defer rows.Close()

	tags := make([]types.TagDefinition, 0)
	for rows.Next() {
		t, err := scanPGTag(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tags = append(tags, *t)
	}
	return tags, rows.Err()
}

func (p *PostgresClient) UpsertTag(ctx context.Context, t types.TagDefinition) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO tags (device_id, name, area, mem_offset, data_type, description, unit,
			min_value, max_value, active, action_item)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::text::numeric, $9::text::numeric, $10, $11)
		ON CONFLICT (device_id, name)
		DO UPDATE SET
			area = EXCLUDED.area,
			mem_offset = EXCLUDED.mem_offset,
			data_type = EXCLUDED.data_type,
			description = EXCLUDED.description,
			unit = EXCLUDED.unit,
			min_value = EXCLUDED.min_value,
			max_value = EXCLUDED.max_value,
			updated_at = NOW()
		RETURNING id
	`, t.DeviceID, t.Name, string(t.Area), t.Offset, string(t.DataType), t.Description, t.Unit,
		decimalPtrString(t.Min), decimalPtrString(t.Max), t.Active, t.ActionItem).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert tag: %w", err)
	}
	return id, nil
}

func (p *PostgresClient) ToggleTagActive(ctx context.Context, id int64) (*types.TagDefinition, error) {
	t, err := scanPGTag(p.pool.QueryRow(ctx, `
		UPDATE tags SET active = NOT active, updated_at = NOW()
		WHERE id = $1
		RETURNING `+pgTagColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tag %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to toggle tag: %w", err)
	}
	return t, nil
}

func (p *PostgresClient) ToggleActionItem(ctx context.Context, id int64) (*types.TagDefinition, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(actionItemLock)); err != nil {
		return nil, fmt.Errorf("failed to lock action items: %w", err)
	}

	var current bool
	err = tx.QueryRow(ctx, `SELECT action_item FROM tags WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tag %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tag: %w", err)
	}

	if !current {
		if _, err := tx.Exec(ctx, `
			UPDATE tags SET action_item = FALSE, updated_at = NOW()
			WHERE action_item = TRUE AND id <> $1
		`, id); err != nil {
			return nil, fmt.Errorf("failed to clear action items: %w", err)
		}
	}

	t, err := scanPGTag(tx.QueryRow(ctx, `
		UPDATE tags SET action_item = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+pgTagColumns, id, !current))
	if err != nil {
		return nil, fmt.Errorf("failed to set action item: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return t, nil
}
