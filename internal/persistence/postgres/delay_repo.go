package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fuelsentry/fuelsentry/internal/persistence"
)

// delayRepo implements persistence.DelayRepo for PostgreSQL.
type delayRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewDelayRepo creates a PostgreSQL delay repository.
func NewDelayRepo(db *sqlx.DB, timeout time.Duration) persistence.DelayRepo {
	return &delayRepo{db: db, timeout: timeout}
}

func (r *delayRepo) Tracker(ctx context.Context, fuelType string) (*persistence.TrackerRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT fuel_type, state, cross_date, delay_days, pressure_at_cross,
		       pressure_max, below_streak, regime, z_score, last_eval_date, updated_at
		FROM delay_trackers
		WHERE fuel_type = $1`

	var rec persistence.TrackerRecord
	err := r.db.GetContext(ctx, &rec, query, fuelType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load delay tracker: %w", err)
	}
	return &rec, nil
}

func (r *delayRepo) AlertState(ctx context.Context, fuelType, metric string) (*persistence.AlertStateRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT fuel_type, metric, active, below_close_streak, last_opened_at,
		       last_eval_at, updated_at
		FROM alert_states
		WHERE fuel_type = $1 AND metric = $2`

	var rec persistence.AlertStateRecord
	err := r.db.GetContext(ctx, &rec, query, fuelType, metric)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load alert state: %w", err)
	}
	return &rec, nil
}

func (r *delayRepo) StatsByRegime(ctx context.Context, fuelType string) (map[string]persistence.DelayStats, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Population std over closed episodes; a single episode yields std 0,
	// which downstream treats as "no calibration data".
	query := `
		SELECT regime,
		       AVG(delay_days)                  AS mean_delay_days,
		       COALESCE(STDDEV_POP(delay_days), 0) AS std_delay_days,
		       COUNT(*)                         AS episodes
		FROM delay_episodes
		WHERE fuel_type = $1
		GROUP BY regime`

	var rows []persistence.DelayStats
	if err := r.db.SelectContext(ctx, &rows, query, fuelType); err != nil {
		return nil, fmt.Errorf("failed to aggregate delay stats: %w", err)
	}

	out := make(map[string]persistence.DelayStats, len(rows))
	for _, s := range rows {
		out[s.Regime] = s
	}
	return out, nil
}

func (r *delayRepo) ListEpisodes(ctx context.Context, fuelType string, limit int) ([]persistence.DelayEpisode, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, fuel_type, cross_date, closed_at, outcome, delay_days,
		       pressure_at_cross, pressure_max, z_score, residual, regime, created_at
		FROM delay_episodes
		WHERE fuel_type = $1
		ORDER BY closed_at DESC
		LIMIT $2`

	var out []persistence.DelayEpisode
	if err := r.db.SelectContext(ctx, &out, query, fuelType, limit); err != nil {
		return nil, fmt.Errorf("failed to list delay episodes: %w", err)
	}
	return out, nil
}
