package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	telemetry "solar-cloud/internal/telemetry/domain"
)

const defaultFactorsTable = "device_factors"

// FactorRepository is a Postgres store for per-device correction factors.
// The in-memory registry is the read path; this repository keeps the
// configuration durable across restarts.
type FactorRepository struct {
	db    *sql.DB
	table string
}

// NewFactorRepository constructs a repository with default table name.
func NewFactorRepository(db *sql.DB, opts ...FactorOption) *FactorRepository {
	repo := &FactorRepository{db: db, table: defaultFactorsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// FactorOption configures the repository.
type FactorOption func(*FactorRepository)

// WithFactorsTable overrides the default table name.
func WithFactorsTable(table string) FactorOption {
	return func(repo *FactorRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// Upsert stores the factors for a device.
func (r *FactorRepository) Upsert(ctx context.Context, deviceID string, factors telemetry.CorrectionFactors) error {
	if r == nil || r.db == nil {
		return errors.New("factor repo: nil db")
	}
	if deviceID == "" {
		return errors.New("factor repo: empty device id")
	}
	if !factors.Valid() {
		return errors.New("factor repo: invalid factors")
	}

	query := fmt.Sprintf(`
INSERT INTO %s (device_id, factor_load_a, factor_load_p)
VALUES ($1, $2, $3)
ON CONFLICT (device_id)
DO UPDATE SET
	factor_load_a = EXCLUDED.factor_load_a,
	factor_load_p = EXCLUDED.factor_load_p,
	updated_at = NOW()`, r.table)

	_, err := r.db.ExecContext(ctx, query, deviceID, factors.LoadA, factors.LoadP)
	return err
}

// LoadAll returns the stored factor configuration for every device.
func (r *FactorRepository) LoadAll(ctx context.Context) (map[string]telemetry.CorrectionFactors, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("factor repo: nil db")
	}

	query := fmt.Sprintf(`
SELECT device_id, factor_load_a, factor_load_p
FROM %s`, r.table)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshot := make(map[string]telemetry.CorrectionFactors)
	for rows.Next() {
		var deviceID string
		var factors telemetry.CorrectionFactors
		if err := rows.Scan(&deviceID, &factors.LoadA, &factors.LoadP); err != nil {
			return nil, err
		}
		snapshot[deviceID] = factors
	}
	return snapshot, rows.Err()
}
