package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	telemetry "solar-cloud/internal/telemetry/domain"
)

const defaultGpsTable = "gps_fixes"

// GpsRepository is a Postgres implementation for GPS fixes.
type GpsRepository struct {
	db    *sql.DB
	table string
}

// NewGpsRepository constructs a repository with default table name.
func NewGpsRepository(db *sql.DB, opts ...GpsOption) *GpsRepository {
	repo := &GpsRepository{db: db, table: defaultGpsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// GpsOption configures the repository.
type GpsOption func(*GpsRepository)

// WithGpsTable overrides the default table name.
func WithGpsTable(table string) GpsOption {
	return func(repo *GpsRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// UpsertFix stores one fix, replacing any record with the same
// (device_id, ts) key.
func (r *GpsRepository) UpsertFix(ctx context.Context, fix telemetry.GpsFix) error {
	if r == nil || r.db == nil {
		return errors.New("gps repo: nil db")
	}
	if fix.DeviceID == "" || fix.TS.IsZero() {
		return errors.New("gps repo: invalid fix")
	}

	query := fmt.Sprintf(`
INSERT INTO %s (device_id, latitude, longitude, altitude_m, satellites, ts)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (device_id, ts)
DO UPDATE SET
	latitude = EXCLUDED.latitude,
	longitude = EXCLUDED.longitude,
	altitude_m = EXCLUDED.altitude_m,
	satellites = EXCLUDED.satellites,
	updated_at = NOW()`, r.table)

	_, err := r.db.ExecContext(ctx, query,
		fix.DeviceID,
		fix.Latitude,
		fix.Longitude,
		fix.AltitudeM,
		fix.Satellites,
		fix.TS,
	)
	return err
}

// LatestFix returns the most recent fix for a device, nil when none exists.
func (r *GpsRepository) LatestFix(ctx context.Context, deviceID string) (*telemetry.GpsFix, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("gps repo: nil db")
	}
	if deviceID == "" {
		return nil, errors.New("gps repo: empty device id")
	}

	query := fmt.Sprintf(`
SELECT device_id, latitude, longitude, altitude_m, satellites, ts
FROM %s
WHERE device_id = $1
ORDER BY ts DESC
LIMIT 1`, r.table)

	var fix telemetry.GpsFix
	if err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&fix.DeviceID,
		&fix.Latitude,
		&fix.Longitude,
		&fix.AltitudeM,
		&fix.Satellites,
		&fix.TS,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	fix.TS = fix.TS.UTC()
	return &fix, nil
}
