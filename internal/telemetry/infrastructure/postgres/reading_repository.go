package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	telemetry "solar-cloud/internal/telemetry/domain"
)

const defaultReadingsTable = "power_readings"

// ReadingRepository is a Postgres implementation for power readings.
type ReadingRepository struct {
	db    *sql.DB
	table string
}

// NewReadingRepository constructs a repository with default table name.
func NewReadingRepository(db *sql.DB, opts ...ReadingOption) *ReadingRepository {
	repo := &ReadingRepository{db: db, table: defaultReadingsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// ReadingOption configures the repository.
type ReadingOption func(*ReadingRepository)

// WithReadingsTable overrides the default table name.
func WithReadingsTable(table string) ReadingOption {
	return func(repo *ReadingRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// UpsertReading stores one reading, replacing any record with the same
// (device_id, ts) key.
func (r *ReadingRepository) UpsertReading(ctx context.Context, reading telemetry.PowerReading) error {
	return r.UpsertReadings(ctx, []telemetry.PowerReading{reading})
}

// UpsertReadings stores a batch in a single multi-row statement so a crash
// cannot leave a partially applied batch behind. Conflicting keys take the
// new values, last write wins.
func (r *ReadingRepository) UpsertReadings(ctx context.Context, readings []telemetry.PowerReading) error {
	if r == nil || r.db == nil {
		return errors.New("reading repo: nil db")
	}
	if len(readings) == 0 {
		return nil
	}

	const fieldsPerRow = 7
	placeholders := make([]string, 0, len(readings))
	args := make([]any, 0, len(readings)*fieldsPerRow)
	for i, reading := range readings {
		if reading.DeviceID == "" || reading.TS.IsZero() {
			return errors.New("reading repo: invalid reading")
		}
		offset := i * fieldsPerRow
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			offset+1, offset+2, offset+3, offset+4, offset+5, offset+6, offset+7))
		args = append(args,
			reading.DeviceID,
			reading.TS,
			reading.GeneratedW,
			reading.LoadAW,
			reading.LoadPW,
			reading.LoadAEfficiencyPct,
			reading.LoadPEfficiencyPct,
		)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	device_id,
	ts,
	generated_w,
	load_a_w,
	load_p_w,
	load_a_efficiency_pct,
	load_p_efficiency_pct
) VALUES %s
ON CONFLICT (device_id, ts)
DO UPDATE SET
	generated_w = EXCLUDED.generated_w,
	load_a_w = EXCLUDED.load_a_w,
	load_p_w = EXCLUDED.load_p_w,
	load_a_efficiency_pct = EXCLUDED.load_a_efficiency_pct,
	load_p_efficiency_pct = EXCLUDED.load_p_efficiency_pct,
	updated_at = NOW()`, r.table, strings.Join(placeholders, ", "))

	_, err := r.db.ExecContext(ctx, query, args...)
	return err
}
