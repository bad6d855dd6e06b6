package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/keunjinahn/things-plc/internal/batch"
	"github.com/keunjinahn/things-plc/internal/types"
)

// SaveReadings appends readings in one transaction.
func (p *PostgresClient) SaveReadings(ctx context.Context, readings []types.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return &PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback(ctx)

	b := &pgx.Batch{}
	for _, r := range readings {
		b.Queue(`
			INSERT INTO readings (tag_id, value, quality, ts)
			VALUES ($1, $2::text::numeric, $3, $4)
		`, r.TagID, r.Value.String(), string(r.Quality), r.Timestamp)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return &PersistenceError{Op: "insert readings", Err: err}
	}

	if err := tx.Commit(ctx); err != nil {
		return &PersistenceError{Op: "commit", Err: err}
	}
	return nil
}

func (p *PostgresClient) AppendReading(ctx context.Context, r types.Reading) (types.Reading, error) {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO readings (tag_id, value, quality, ts)
		SELECT $1::bigint, $2::text::numeric, $3::text, $4::timestamptz
		WHERE EXISTS (SELECT 1 FROM tags WHERE id = $1)
		RETURNING id
	`, r.TagID, r.Value.String(), string(r.Quality), r.Timestamp).Scan(&r.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, fmt.Errorf("tag %d: %w", r.TagID, ErrNotFound)
	}
	if err != nil {
		return r, &PersistenceError{Op: "insert reading", Err: err}
	}
	return r, nil
}

func scanPGReading(row pgx.Row) (*types.Reading, error) {
	var r types.Reading
	var value, quality string
	if err := row.Scan(&r.ID, &r.TagID, &value, &quality, &r.Timestamp); err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, err
	}
	r.Value = d
	r.Quality = types.Quality(quality)
	return &r, nil
}

func (p *PostgresClient) GetLatestReading(ctx context.Context, tagID int64) (*types.Reading, error) {
	r, err := scanPGReading(p.pool.QueryRow(ctx, `
		SELECT id, tag_id, value::text, quality, ts
		FROM readings
		WHERE tag_id = $1
		ORDER BY ts DESC, id DESC
		LIMIT 1
	`, tagID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("reading for tag %d: %w", tagID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load reading: %w", err)
	}
	return r, nil
}

func (p *PostgresClient) ReadingHistory(ctx context.Context, tagID int64, limit int) ([]types.Reading, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, tag_id, value::text, quality, ts
		FROM readings
		WHERE tag_id = $1
		ORDER BY ts DESC, id DESC
		LIMIT $2
	`, tagID, historyLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	out := make([]types.Reading, 0)
	for rows.Next() {
		r, err := scanPGReading(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *PostgresClient) LatestReadings(ctx context.Context) ([]types.LatestReading, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT t.id, t.name, t.description, t.unit, d.id, d.name,
			r.value::text, r.quality, r.ts
		FROM tags t
		JOIN devices d ON d.id = t.device_id
		LEFT JOIN LATERAL (
			SELECT value, quality, ts
			FROM readings
			WHERE tag_id = t.id
			ORDER BY ts DESC, id DESC
			LIMIT 1
		) r ON TRUE
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
			value   *string
			quality *string
			ts      *time.Time
		)
		if err := rows.Scan(&lr.TagID, &lr.TagName, &lr.Description, &lr.Unit, &lr.DeviceID, &lr.DeviceName,
			&value, &quality, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan latest reading: %w", err)
		}
		if err := fillLatest(&lr, value, quality, ts); err != nil {
			return nil, err
		}
		out = append(out, lr)
	}
	return out, rows.Err()
}

// fillLatest sets the reading fields of lr; a tag never read is uncertain.
func fillLatest(lr *types.LatestReading, value, quality *string, ts *time.Time) error {
	if value == nil {
		lr.Quality = types.QualityUncertain
		return nil
	}
	v, err := parseDecimalPtr(value)
	if err != nil {
		return err
	}
	lr.Value = v
	lr.Quality = types.Quality(*quality)
	lr.Timestamp = ts
	return nil
}

// SaveJobResults stores results keyed by their ID; saving twice is a no-op.
func (p *PostgresClient) SaveJobResults(ctx context.Context, results []batch.JobResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return &PersistenceError{Op: "begin", Err: err}
	}
	defer tx.Rollback(ctx)

	for _, res := range results {
		payload, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("failed to marshal job result: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO job_results (id, job_name, description, status, executed_at, result)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING
		`, res.ID, res.JobName, res.Description, string(res.Status), res.Timestamp, payload); err != nil {
			return &PersistenceError{Op: "insert job result", Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &PersistenceError{Op: "commit", Err: err}
	}
	return nil
}
