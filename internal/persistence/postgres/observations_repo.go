package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"context"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/fuelsentry/fuelsentry/internal/persistence"
)

// observationRepo implements persistence.ObservationRepo for PostgreSQL.
type observationRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewObservationRepo creates a PostgreSQL observation repository.
func NewObservationRepo(db *sqlx.DB, timeout time.Duration) persistence.ObservationRepo {
	return &observationRepo{db: db, timeout: timeout}
}

func (r *observationRepo) Insert(ctx context.Context, obs persistence.MarketObservation) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO market_observations
		(obs_date, fuel_type, reference_price, fx_rate, retail_price, excise_tax, vat_rate, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.ExecContext(ctx, query,
		obs.Date, obs.FuelType, obs.ReferencePrice, obs.FXRate,
		obs.RetailPrice, obs.ExciseTax, obs.VATRate, obs.Source)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return persistence.ErrDuplicateObservation
		}
		return fmt.Errorf("failed to insert observation: %w", err)
	}
	return nil
}

func (r *observationRepo) ListRange(ctx context.Context, fuelType string, dr persistence.DateRange) ([]persistence.MarketObservation, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT id, obs_date, fuel_type, reference_price, fx_rate, retail_price,
		       excise_tax, vat_rate, source, created_at
		FROM market_observations
		WHERE fuel_type = $1 AND obs_date >= $2 AND obs_date <= $3
		ORDER BY obs_date ASC`

	var out []persistence.MarketObservation
	if err := r.db.SelectContext(ctx, &out, query, fuelType, dr.From, dr.To); err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	return out, nil
}

func (r *observationRepo) LatestDate(ctx context.Context, fuelType string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var latest time.Time
	query := `SELECT obs_date FROM market_observations WHERE fuel_type = $1 ORDER BY obs_date DESC LIMIT 1`
	err := r.db.GetContext(ctx, &latest, query, fuelType)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query latest observation date: %w", err)
	}
	return latest, nil
}
