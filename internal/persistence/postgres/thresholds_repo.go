package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fuelsentry/fuelsentry/internal/persistence"
)

// thresholdRepo implements persistence.ThresholdRepo for PostgreSQL.
type thresholdRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewThresholdRepo creates a PostgreSQL threshold repository.
func NewThresholdRepo(db *sqlx.DB, timeout time.Duration) persistence.ThresholdRepo {
	return &thresholdRepo{db: db, timeout: timeout}
}

func (r *thresholdRepo) ActiveRows(ctx context.Context, at time.Time) ([]persistence.ThresholdRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, fuel_type, metric, regime, open_value, close_value,
		       close_streak, cooldown_secs, version, effective_from, created_at
		FROM threshold_config
		WHERE effective_from <= $1
		ORDER BY metric, regime, version ASC`

	var out []persistence.ThresholdRow
	if err := r.db.SelectContext(ctx, &out, query, at); err != nil {
		return nil, fmt.Errorf("failed to list active threshold rows: %w", err)
	}
	return out, nil
}

func (r *thresholdRepo) InsertVersion(ctx context.Context, row persistence.ThresholdRow) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO threshold_config
		(fuel_type, metric, regime, open_value, close_value, close_streak,
		 cooldown_secs, version, effective_from)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.ExecContext(ctx, query,
		row.FuelType, row.Metric, row.Regime, row.OpenValue, row.CloseValue,
		row.CloseStreak, row.CooldownSecs, row.Version, row.EffectiveFrom)
	if err != nil {
		return fmt.Errorf("failed to insert threshold version: %w", err)
	}
	return nil
}
