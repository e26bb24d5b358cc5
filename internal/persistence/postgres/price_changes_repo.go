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

// priceChangeRepo implements persistence.PriceChangeRepo for PostgreSQL.
type priceChangeRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPriceChangeRepo creates a PostgreSQL price-change repository.
func NewPriceChangeRepo(db *sqlx.DB, timeout time.Duration) persistence.PriceChangeRepo {
	return &priceChangeRepo{db: db, timeout: timeout}
}

const priceChangeColumns = `id, change_date, fuel_type, direction, magnitude, pressure_at_change, regime, created_at`

func (r *priceChangeRepo) Insert(ctx context.Context, ev persistence.PriceChangeEvent) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO price_change_events
		(change_date, fuel_type, direction, magnitude, pressure_at_change, regime)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.db.ExecContext(ctx, query,
		ev.Date, ev.FuelType, ev.Direction, ev.Magnitude, ev.PressureAtChange, ev.Regime)
	if err != nil {
		return fmt.Errorf("failed to insert price change event: %w", err)
	}
	return nil
}

func (r *priceChangeRepo) LastBefore(ctx context.Context, fuelType string, date time.Time) (*persistence.PriceChangeEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + priceChangeColumns + `
		FROM price_change_events
		WHERE fuel_type = $1 AND change_date <= $2
		ORDER BY change_date DESC
		LIMIT 1`

	var ev persistence.PriceChangeEvent
	err := r.db.GetContext(ctx, &ev, query, fuelType, date)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last price change: %w", err)
	}
	return &ev, nil
}

func (r *priceChangeRepo) ListByFuel(ctx context.Context, fuelType string) ([]persistence.PriceChangeEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + priceChangeColumns + `
		FROM price_change_events
		WHERE fuel_type = $1
		ORDER BY change_date ASC`

	var out []persistence.PriceChangeEvent
	if err := r.db.SelectContext(ctx, &out, query, fuelType); err != nil {
		return nil, fmt.Errorf("failed to list price changes: %w", err)
	}
	return out, nil
}

func (r *priceChangeRepo) On(ctx context.Context, fuelType string, date time.Time) (*persistence.PriceChangeEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT ` + priceChangeColumns + `
		FROM price_change_events
		WHERE fuel_type = $1 AND change_date = $2`

	var ev persistence.PriceChangeEvent
	err := r.db.GetContext(ctx, &ev, query, fuelType, date)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query price change on date: %w", err)
	}
	return &ev, nil
}
