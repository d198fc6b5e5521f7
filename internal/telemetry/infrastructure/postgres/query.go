package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	telemetry "solar-cloud/internal/telemetry/domain"
)

// ReadingQuery is a Postgres query implementation for the read-side API.
type ReadingQuery struct {
	db    *sql.DB
	table string
}

// NewReadingQuery constructs a query with default table name.
func NewReadingQuery(db *sql.DB, opts ...QueryOption) *ReadingQuery {
	query := &ReadingQuery{db: db, table: defaultReadingsTable}
	for _, opt := range opts {
		opt(query)
	}
	return query
}

// QueryOption configures the query.
type QueryOption func(*ReadingQuery)

// WithQueryTable overrides the default table name.
func WithQueryTable(table string) QueryOption {
	return func(query *ReadingQuery) {
		if table != "" {
			query.table = table
		}
	}
}

const readingColumns = `device_id, ts, generated_w, load_a_w, load_p_w, load_a_efficiency_pct, load_p_efficiency_pct`

// RecentReadings returns the newest readings for a device, newest first.
func (q *ReadingQuery) RecentReadings(ctx context.Context, deviceID string, limit int) ([]telemetry.PowerReading, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("reading query: nil db")
	}
	if deviceID == "" {
		return nil, errors.New("reading query: empty device id")
	}
	if limit <= 0 {
		limit = 10
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE device_id = $1
ORDER BY ts DESC
LIMIT $2`, readingColumns, q.table)

	rows, err := q.db.QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReadings(rows)
}

// ReadingsBetween returns readings within [from, to), oldest first.
func (q *ReadingQuery) ReadingsBetween(ctx context.Context, deviceID string, from, to time.Time) ([]telemetry.PowerReading, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("reading query: nil db")
	}
	if deviceID == "" || from.IsZero() || to.IsZero() {
		return nil, errors.New("reading query: invalid arguments")
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE device_id = $1
	AND ts >= $2
	AND ts < $3
ORDER BY ts ASC`, readingColumns, q.table)

	rows, err := q.db.QueryContext(ctx, query, deviceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReadings(rows)
}

// ReadingAt returns the reading at an exact (device_id, ts) key, nil when
// none exists.
func (q *ReadingQuery) ReadingAt(ctx context.Context, deviceID string, ts time.Time) (*telemetry.PowerReading, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("reading query: nil db")
	}
	if deviceID == "" || ts.IsZero() {
		return nil, errors.New("reading query: invalid arguments")
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE device_id = $1 AND ts = $2
LIMIT 1`, readingColumns, q.table)

	var reading telemetry.PowerReading
	if err := q.db.QueryRowContext(ctx, query, deviceID, ts).Scan(
		&reading.DeviceID,
		&reading.TS,
		&reading.GeneratedW,
		&reading.LoadAW,
		&reading.LoadPW,
		&reading.LoadAEfficiencyPct,
		&reading.LoadPEfficiencyPct,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	reading.TS = reading.TS.UTC()
	return &reading, nil
}

func scanReadings(rows *sql.Rows) ([]telemetry.PowerReading, error) {
	readings := make([]telemetry.PowerReading, 0)
	for rows.Next() {
		var reading telemetry.PowerReading
		if err := rows.Scan(
			&reading.DeviceID,
			&reading.TS,
			&reading.GeneratedW,
			&reading.LoadAW,
			&reading.LoadPW,
			&reading.LoadAEfficiencyPct,
			&reading.LoadPEfficiencyPct,
		); err != nil {
			return nil, err
		}
		reading.TS = reading.TS.UTC()
		readings = append(readings, reading)
	}
	return readings, rows.Err()
}
