package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fuelsentry/fuelsentry/internal/persistence"
)

// cycleRepo implements persistence.CycleRepo for PostgreSQL. A cycle commit
// is one transaction: either every output of a fuel type's cycle lands, or
// none of it does.
type cycleRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCycleRepo creates a PostgreSQL cycle repository.
func NewCycleRepo(db *sqlx.DB, timeout time.Duration) persistence.CycleRepo {
	return &cycleRepo{db: db, timeout: timeout}
}

func (r *cycleRepo) RecentSnapshots(ctx context.Context, fuelType string, n int) ([]persistence.CostBasisSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, obs_date, fuel_type, regime, forward_indicator, smoothed_indicator,
		       baseline_anchor, pressure_value, delta_1, delta_3, acceleration,
		       trend, carried_forward, low_confidence, created_at
		FROM cost_basis_snapshots
		WHERE fuel_type = $1
		ORDER BY obs_date DESC
		LIMIT $2`

	var out []persistence.CostBasisSnapshot
	if err := r.db.SelectContext(ctx, &out, query, fuelType, n); err != nil {
		return nil, fmt.Errorf("failed to list recent snapshots: %w", err)
	}
	return out, nil
}

func (r *cycleRepo) SaveCycle(ctx context.Context, rec persistence.CycleRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cycle transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertSnapshot(ctx, tx, rec.Snapshot); err != nil {
		return err
	}
	if err := upsertRisk(ctx, tx, rec.Risk); err != nil {
		return err
	}
	if err := upsertTracker(ctx, tx, rec.Tracker); err != nil {
		return err
	}
	for _, as := range rec.AlertStates {
		if err := upsertAlertState(ctx, tx, as); err != nil {
			return err
		}
	}
	for _, ep := range rec.Episodes {
		if err := insertEpisode(ctx, tx, ep); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cycle for %s: %w", rec.FuelType, err)
	}
	return nil
}

func upsertSnapshot(ctx context.Context, tx *sqlx.Tx, s persistence.CostBasisSnapshot) error {
	query := `
		INSERT INTO cost_basis_snapshots
		(obs_date, fuel_type, regime, forward_indicator, smoothed_indicator,
		 baseline_anchor, pressure_value, delta_1, delta_3, acceleration,
		 trend, carried_forward, low_confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (obs_date, fuel_type) DO UPDATE SET
			regime = EXCLUDED.regime,
			forward_indicator = EXCLUDED.forward_indicator,
			smoothed_indicator = EXCLUDED.smoothed_indicator,
			baseline_anchor = EXCLUDED.baseline_anchor,
			pressure_value = EXCLUDED.pressure_value,
			delta_1 = EXCLUDED.delta_1,
			delta_3 = EXCLUDED.delta_3,
			acceleration = EXCLUDED.acceleration,
			trend = EXCLUDED.trend,
			carried_forward = EXCLUDED.carried_forward,
			low_confidence = EXCLUDED.low_confidence`

	_, err := tx.ExecContext(ctx, query,
		s.Date, s.FuelType, s.Regime, s.ForwardIndicator, s.SmoothedIndicator,
		s.BaselineAnchor, s.PressureValue, s.Delta1, s.Delta3, s.Acceleration,
		s.Trend, s.CarriedForward, s.LowConfidence)
	if err != nil {
		return fmt.Errorf("failed to upsert cost basis snapshot: %w", err)
	}
	return nil
}

func upsertRisk(ctx context.Context, tx *sqlx.Tx, s persistence.RiskScoreRecord) error {
	query := `
		INSERT INTO risk_scores
		(obs_date, fuel_type, score, pressure, fx_volatility, delay_component,
		 threshold_breach, trend_momentum, mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (obs_date, fuel_type) DO UPDATE SET
			score = EXCLUDED.score,
			pressure = EXCLUDED.pressure,
			fx_volatility = EXCLUDED.fx_volatility,
			delay_component = EXCLUDED.delay_component,
			threshold_breach = EXCLUDED.threshold_breach,
			trend_momentum = EXCLUDED.trend_momentum,
			mode = EXCLUDED.mode`

	_, err := tx.ExecContext(ctx, query,
		s.Date, s.FuelType, s.Score, s.Pressure, s.FXVolatility,
		s.DelayComponent, s.ThresholdBreach, s.TrendMomentum, s.Mode)
	if err != nil {
		return fmt.Errorf("failed to upsert risk score: %w", err)
	}
	return nil
}

func upsertTracker(ctx context.Context, tx *sqlx.Tx, t persistence.TrackerRecord) error {
	query := `
		INSERT INTO delay_trackers
		(fuel_type, state, cross_date, delay_days, pressure_at_cross,
		 pressure_max, below_streak, regime, z_score, last_eval_date, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (fuel_type) DO UPDATE SET
			state = EXCLUDED.state,
			cross_date = EXCLUDED.cross_date,
			delay_days = EXCLUDED.delay_days,
			pressure_at_cross = EXCLUDED.pressure_at_cross,
			pressure_max = EXCLUDED.pressure_max,
			below_streak = EXCLUDED.below_streak,
			regime = EXCLUDED.regime,
			z_score = EXCLUDED.z_score,
			last_eval_date = EXCLUDED.last_eval_date,
			updated_at = NOW()`

	_, err := tx.ExecContext(ctx, query,
		t.FuelType, t.State, t.CrossDate, t.DelayDays, t.PressureAtCross,
		t.PressureMax, t.BelowStreak, t.Regime, t.ZScore, t.LastEvalDate)
	if err != nil {
		return fmt.Errorf("failed to upsert delay tracker: %w", err)
	}
	return nil
}

func upsertAlertState(ctx context.Context, tx *sqlx.Tx, a persistence.AlertStateRecord) error {
	query := `
		INSERT INTO alert_states
		(fuel_type, metric, active, below_close_streak, last_opened_at, last_eval_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (fuel_type, metric) DO UPDATE SET
			active = EXCLUDED.active,
			below_close_streak = EXCLUDED.below_close_streak,
			last_opened_at = EXCLUDED.last_opened_at,
			last_eval_at = EXCLUDED.last_eval_at,
			updated_at = NOW()`

	_, err := tx.ExecContext(ctx, query,
		a.FuelType, a.Metric, a.Active, a.BelowCloseStreak, a.LastOpenedAt, a.LastEvalAt)
	if err != nil {
		return fmt.Errorf("failed to upsert alert state: %w", err)
	}
	return nil
}

func insertEpisode(ctx context.Context, tx *sqlx.Tx, ep persistence.DelayEpisode) error {
	query := `
		INSERT INTO delay_episodes
		(id, fuel_type, cross_date, closed_at, outcome, delay_days,
		 pressure_at_cross, pressure_max, z_score, residual, regime)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`

	_, err := tx.ExecContext(ctx, query,
		ep.ID, ep.FuelType, ep.CrossDate, ep.ClosedAt, ep.Outcome, ep.DelayDays,
		ep.PressureAtCross, ep.PressureMax, ep.ZScore, ep.Residual, ep.Regime)
	if err != nil {
		return fmt.Errorf("failed to insert delay episode: %w", err)
	}
	return nil
}
