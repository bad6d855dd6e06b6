package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/keunjinahn/things-plc/internal/batch"
	"github.com/keunjinahn/things-plc/internal/types"
)

// SQLiteStore keeps everything in one SQLite file. Writes are serialized by
// a single connection.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens path, ":memory:" for an in-process database.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}
	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %q: %w", pragma, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range statements(sqliteSchema) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

const sqliteDeviceColumns = `id, name, host, port, protocol, unit_id, description, active`

func scanSQLiteDevice(row rowScanner) (*types.Device, error) {
	var d types.Device
	var protocol string
	var unitID int
	if err := row.Scan(&d.ID, &d.Name, &d.Host, &d.Port, &protocol, &unitID, &d.Description, &d.Active); err != nil {
		return nil, err
	}
	d.Protocol = types.Protocol(protocol)
	d.UnitID = uint8(unitID)
	return &d, nil
}

func (s *SQLiteStore) ListDevices(ctx context.Context) ([]types.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteDeviceColumns+` FROM devices ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	devices := make([]types.Device, 0)
	for rows.Next() {
		d, err := scanSQLiteDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

func (s *SQLiteStore) GetDevice(ctx context.Context, id int64) (*types.Device, error) {
	d, err := scanSQLiteDevice(s.db.QueryRowContext(ctx, `SELECT `+sqliteDeviceColumns+` FROM devices WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	return d, nil
}

func (s *SQLiteStore) UpsertDevice(ctx context.Context, d types.Device) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO devices (name, host, port, protocol, unit_id, description, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			host = excluded.host,
			port = excluded.port,
			protocol = excluded.protocol,
			unit_id = excluded.unit_id,
			description = excluded.description,
			active = excluded.active
		RETURNING id
	`, d.Name, d.Host, d.Port, string(d.Protocol), int(d.UnitID), d.Description, d.Active).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert device: %w", err)
	}
	return id, nil
}

const sqliteTagColumns = `id, device_id, name, area, mem_offset, data_type, description, unit,
	min_value, max_value, active, action_item`

func scanSQLiteTag(row rowScanner) (*types.TagDefinition, error) {
	var (
		t        types.TagDefinition
		area, dt string
		unit     sql.NullString
		min, max sql.NullString
	)
	if err := row.Scan(&t.ID, &t.DeviceID, &t.Name, &area, &t.Offset, &dt, &t.Description, &unit,
		&min, &max, &t.Active, &t.ActionItem); err != nil {
		return nil, err
	}
	t.Area = types.Area(area)
	t.DataType = types.DataType(dt)
	if unit.Valid {
		t.Unit = &unit.String
	}

	var err error
	if t.Min, err = parseDecimalPtr(nullString(min)); err != nil {
		return nil, err
	}
	if t.Max, err = parseDecimalPtr(nullString(max)); err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func (s *SQLiteStore) GetTag(ctx context.Context, id int64) (*types.TagDefinition, error) {
	return s.getTag(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) getTag(ctx context.Context, q queryRower, id int64) (*types.TagDefinition, error) {
	t, err := scanSQLiteTag(q.QueryRowContext(ctx, `SELECT `+sqliteTagColumns+` FROM tags WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tag %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tag: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListActiveTags(ctx context.Context, deviceID *int64) ([]types.TagDefinition, error) {
	return s.listTags(ctx, deviceID, true)
}

func (s *SQLiteStore) ListTags(ctx context.Context, deviceID *int64) ([]types.TagDefinition, error) {
	return s.listTags(ctx, deviceID, false)
}

func (s *SQLiteStore) listTags(ctx context.Context, deviceID *int64, activeOnly bool) ([]types.TagDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteTagColumns+`
		FROM tags
		WHERE (? IS NULL OR device_id = ?) AND (? = 0 OR active = 1)
		ORDER BY device_id, id
	`, deviceID, deviceID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}
	defer rows.Close()

	tags := make([]types.TagDefinition, 0)
	for rows.Next() {
		t, err := scanSQLiteTag(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tags = append(tags, *t)
	}
	return tags, rows.Err()
}

func (s *SQLiteStore) UpsertTag(ctx context.Context, t types.TagDefinition) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tags (device_id, name, area, mem_offset, data_type, description, unit,
			min_value, max_value, active, action_item)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_id, name) DO UPDATE SET
			area = excluded.area,
			mem_offset = excluded.mem_offset,
			data_type = excluded.data_type,
			description = excluded.description,
			unit = excluded.unit,
			min_value = excluded.min_value,
			max_value = excluded.max_value
		RETURNING id
	`, t.DeviceID, t.Name, string(t.Area), t.Offset, string(t.DataType), t.Description, t.Unit,
		decimalPtrString(t.Min), decimalPtrString(t.Max), t.Active, t.ActionItem).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert tag: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) ToggleTagActive(ctx context.Context, id int64) (*types.TagDefinition, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tags SET active = NOT active WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to toggle tag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("tag %d: %w", id, ErrNotFound)
	}
	return s.GetTag(ctx, id)
}

func (s *SQLiteStore) ToggleActionItem(ctx context.Context, id int64) (*types.TagDefinition, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	t, err := s.getTag(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	if !t.ActionItem {
		if _, err := tx.ExecContext(ctx, `UPDATE tags SET action_item = 0 WHERE action_item = 1 AND id <> ?`, id); err != nil {
			return nil, fmt.Errorf("failed to clear action items: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tags SET action_item = ? WHERE id = ?`, !t.ActionItem, id); err != nil {
		return nil, fmt.Errorf("failed to set action item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	t.ActionItem = !t.ActionItem
	return t, nil
}

func (s *SQLiteStore) SaveReadings(ctx context.Context, readings []types.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO readings (tag_id, value, quality, ts) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return &PersistenceError{Op: "prepare", Err: err}
	}
	defer stmt.Close()

	for _, r := range readings {
		if _, err := stmt.ExecContext(ctx, r.TagID, r.Value.String(), string(r.Quality), r.Timestamp.UnixNano()); err != nil {
			return &PersistenceError{Op: "insert readings", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

func (s *SQLiteStore) AppendReading(ctx context.Context, r types.Reading) (types.Reading, error) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if _, err := s.GetTag(ctx, r.TagID); err != nil {
		return r, err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO readings (tag_id, value, quality, ts) VALUES (?, ?, ?, ?)`,
		r.TagID, r.Value.String(), string(r.Quality), r.Timestamp.UnixNano())
	if err != nil {
		return r, &PersistenceError{Op: "insert reading", Err: err}
	}
	r.ID, _ = res.LastInsertId()
	return r, nil
}

func scanSQLiteReading(row rowScanner) (*types.Reading, error) {
	var r types.Reading
	var value, quality string
	var ts int64
	if err := row.Scan(&r.ID, &r.TagID, &value, &quality, &ts); err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, err
	}
	r.Value = d
	r.Quality = types.Quality(quality)
	r.Timestamp = time.Unix(0, ts).UTC()
	return &r, nil
}

func (s *SQLiteStore) GetLatestReading(ctx context.Context, tagID int64) (*types.Reading, error) {
	r, err := scanSQLiteReading(s.db.QueryRowContext(ctx, `
		SELECT id, tag_id, value, quality, ts
		FROM readings
		WHERE tag_id = ?
		ORDER BY ts DESC, id DESC
		LIMIT 1
	`, tagID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reading for tag %d: %w", tagID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reading: %w", err)
	}
	return r, nil
}

func (s *SQLiteStore) ReadingHistory(ctx context.Context, tagID int64, limit int) ([]types.Reading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tag_id, value, quality, ts
		FROM readings
		WHERE tag_id = ?
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, tagID, historyLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	out := make([]types.Reading, 0)
	for rows.Next() {
		r, err := scanSQLiteReading(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LatestReadings(ctx context.Context) ([]types.LatestReading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.description, t.unit, d.id, d.name, r.value, r.quality, r.ts
		FROM tags t
		JOIN devices d ON d.id = t.device_id
		LEFT JOIN readings r ON r.id = (
			SELECT id FROM readings
			WHERE tag_id = t.id
			ORDER BY ts DESC, id DESC
			LIMIT 1
		)
		ORDER BY d.name, t.name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest readings: %w", err)
	}
	defer rows.Close()

	out := make([]types.LatestReading, 0)
	for rows.Next() {
		var (
			lr      types.LatestReading
			unit    sql.NullString
			value   sql.NullString
			quality sql.NullString
			ts      sql.NullInt64
		)
		if err := rows.Scan(&lr.TagID, &lr.TagName, &lr.Description, &unit, &lr.DeviceID, &lr.DeviceName,
			&value, &quality, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan latest reading: %w", err)
		}
		lr.Unit = nullString(unit)
		var at *time.Time
		if ts.Valid {
			t := time.Unix(0, ts.Int64).UTC()
			at = &t
		}
		if err := fillLatest(&lr, nullString(value), nullString(quality), at); err != nil {
			return nil, err
		}
		out = append(out, lr)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveJobResults(ctx context.Context, results []batch.JobResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	for _, res := range results {
		payload, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("failed to marshal job result: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_results (id, job_name, description, status, executed_at, result)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING
		`, res.ID.String(), res.JobName, res.Description, string(res.Status), res.Timestamp.UnixNano(), string(payload)); err != nil {
			return &PersistenceError{Op: "insert job result", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

// JobResults returns stored results for one job, newest first.
func (s *SQLiteStore) JobResults(ctx context.Context, jobName string) ([]batch.JobResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT result FROM job_results WHERE job_name = ? ORDER BY executed_at DESC
	`, jobName)
	if err != nil {
		return nil, fmt.Errorf("failed to query job results: %w", err)
	}
	defer rows.Close()

	out := make([]batch.JobResult, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan job result: %w", err)
		}
		var res batch.JobResult
		if err := json.Unmarshal([]byte(payload), &res); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job result: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}
