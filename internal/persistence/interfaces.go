// Package persistence defines the storage contracts between the signal core
// and its collaborator layer. The core itself never performs I/O: repositories
// load frozen inputs before a cycle and commit its outputs atomically after.
package persistence

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateObservation is returned when an observation already exists for
// a (date, fuel_type) key. Observations are append-only and immutable.
var ErrDuplicateObservation = errors.New("observation already recorded for date and fuel type")

// DateRange is a half-open [From, To] query window.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// MarketObservation is one recorded day of raw market inputs, keyed uniquely
// by (date, fuel_type).
type MarketObservation struct {
	ID             int64     `json:"id" db:"id"`
	Date           time.Time `json:"date" db:"obs_date"`
	FuelType       string    `json:"fuel_type" db:"fuel_type"`
	ReferencePrice float64   `json:"reference_price" db:"reference_price"`
	FXRate         float64   `json:"fx_rate" db:"fx_rate"`
	RetailPrice    *float64  `json:"retail_price,omitempty" db:"retail_price"`
	ExciseTax      float64   `json:"excise_tax" db:"excise_tax"`
	VATRate        float64   `json:"vat_rate" db:"vat_rate"`
	Source         string    `json:"source" db:"source"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// CostBasisSnapshot is the persisted daily output of the cost-basis engine.
type CostBasisSnapshot struct {
	ID                int64     `json:"id" db:"id"`
	Date              time.Time `json:"date" db:"obs_date"`
	FuelType          string    `json:"fuel_type" db:"fuel_type"`
	Regime            string    `json:"regime" db:"regime"`
	ForwardIndicator  float64   `json:"forward_indicator" db:"forward_indicator"`
	SmoothedIndicator float64   `json:"smoothed_indicator" db:"smoothed_indicator"`
	BaselineAnchor    float64   `json:"baseline_anchor" db:"baseline_anchor"`
	PressureValue     float64   `json:"pressure_value" db:"pressure_value"`
	Delta1            float64   `json:"delta_1" db:"delta_1"`
	Delta3            float64   `json:"delta_3" db:"delta_3"`
	Acceleration      float64   `json:"acceleration" db:"acceleration"`
	Trend             string    `json:"trend" db:"trend"`
	CarriedForward    bool      `json:"carried_forward" db:"carried_forward"`
	LowConfidence     bool      `json:"low_confidence" db:"low_confidence"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// PriceChangeEvent is an immutable record of a realized retail price change.
type PriceChangeEvent struct {
	ID               int64     `json:"id" db:"id"`
	Date             time.Time `json:"date" db:"change_date"`
	FuelType         string    `json:"fuel_type" db:"fuel_type"`
	Direction        string    `json:"direction" db:"direction"`
	Magnitude        float64   `json:"magnitude" db:"magnitude"`
	PressureAtChange float64   `json:"pressure_at_change" db:"pressure_at_change"`
	Regime           string    `json:"regime" db:"regime"`
	CreatedAt        time.Time `json:"created_at" db:"created_at"`
}

// TrackerRecord is the single mutable delay-tracker row per fuel type.
type TrackerRecord struct {
	FuelType        string     `json:"fuel_type" db:"fuel_type"`
	State           string     `json:"state" db:"state"`
	CrossDate       *time.Time `json:"threshold_cross_date,omitempty" db:"cross_date"`
	DelayDays       int        `json:"current_delay_days" db:"delay_days"`
	PressureAtCross float64    `json:"pressure_at_cross" db:"pressure_at_cross"`
	PressureMax     float64    `json:"pressure_max_since_cross" db:"pressure_max"`
	BelowStreak     int        `json:"below_threshold_streak" db:"below_streak"`
	Regime          string     `json:"regime" db:"regime"`
	ZScore          float64    `json:"anomaly_z_score" db:"z_score"`
	LastEvalDate    *time.Time `json:"last_eval_date,omitempty" db:"last_eval_date"`
	UpdatedAt       time.Time  `json:"updated_at" db:"updated_at"`
}

// DelayEpisode is the immutable log entry written when an episode closes.
type DelayEpisode struct {
	ID              string    `json:"id" db:"id"`
	FuelType        string    `json:"fuel_type" db:"fuel_type"`
	CrossDate       time.Time `json:"cross_date" db:"cross_date"`
	ClosedAt        time.Time `json:"closed_at" db:"closed_at"`
	Outcome         string    `json:"outcome" db:"outcome"`
	DelayDays       int       `json:"delay_days" db:"delay_days"`
	PressureAtCross float64   `json:"pressure_at_cross" db:"pressure_at_cross"`
	PressureMax     float64   `json:"pressure_max" db:"pressure_max"`
	ZScore          float64   `json:"z_score" db:"z_score"`
	Residual        float64   `json:"residual" db:"residual"`
	Regime          string    `json:"regime" db:"regime"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// DelayStats is the aggregated episode history for one regime.
type DelayStats struct {
	Regime        string  `json:"regime" db:"regime"`
	MeanDelayDays float64 `json:"mean_delay_days" db:"mean_delay_days"`
	StdDelayDays  float64 `json:"std_delay_days" db:"std_delay_days"`
	Episodes      int     `json:"episodes" db:"episodes"`
}

// ThresholdRow is one versioned hysteresis band. Superseding rows are
// inserted with a higher version; existing rows are never updated.
type ThresholdRow struct {
	ID            int64     `json:"id" db:"id"`
	FuelType      *string   `json:"fuel_type,omitempty" db:"fuel_type"`
	Metric        string    `json:"metric" db:"metric"`
	Regime        string    `json:"regime" db:"regime"`
	OpenValue     float64   `json:"open_value" db:"open_value"`
	CloseValue    float64   `json:"close_value" db:"close_value"`
	CloseStreak   int       `json:"close_streak" db:"close_streak"`
	CooldownSecs  int64     `json:"cooldown_secs" db:"cooldown_secs"`
	Version       int       `json:"version" db:"version"`
	EffectiveFrom time.Time `json:"effective_from" db:"effective_from"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// AlertStateRecord is the persisted hysteresis memory per (fuel, metric).
type AlertStateRecord struct {
	FuelType         string     `json:"fuel_type" db:"fuel_type"`
	Metric           string     `json:"metric" db:"metric"`
	Active           bool       `json:"active" db:"active"`
	BelowCloseStreak int        `json:"below_close_streak" db:"below_close_streak"`
	LastOpenedAt     *time.Time `json:"last_opened_at,omitempty" db:"last_opened_at"`
	LastEvalAt       *time.Time `json:"last_eval_at,omitempty" db:"last_eval_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// RiskScoreRecord is the persisted composite score with its normalized
// component attribution.
type RiskScoreRecord struct {
	ID              int64     `json:"id" db:"id"`
	Date            time.Time `json:"date" db:"obs_date"`
	FuelType        string    `json:"fuel_type" db:"fuel_type"`
	Score           float64   `json:"score" db:"score"`
	Pressure        float64   `json:"pressure" db:"pressure"`
	FXVolatility    float64   `json:"fx_volatility" db:"fx_volatility"`
	DelayComponent  float64   `json:"delay_component" db:"delay_component"`
	ThresholdBreach float64   `json:"threshold_breach" db:"threshold_breach"`
	TrendMomentum   float64   `json:"trend_momentum" db:"trend_momentum"`
	Mode            string    `json:"mode" db:"mode"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// CycleRecord bundles everything one fuel type's cycle produced. It is
// committed in a single transaction so a failed cycle never partially
// updates state.
type CycleRecord struct {
	FuelType    string
	Date        time.Time
	Snapshot    CostBasisSnapshot
	Risk        RiskScoreRecord
	Tracker     TrackerRecord
	AlertStates []AlertStateRecord
	Episodes    []DelayEpisode
}

// ObservationRepo stores and serves the append-only observation feed.
type ObservationRepo interface {
	// Insert records one observation; duplicate (date, fuel) keys return
	// ErrDuplicateObservation.
	Insert(ctx context.Context, obs MarketObservation) error

	// ListRange returns date-ordered observations for a fuel type.
	ListRange(ctx context.Context, fuelType string, dr DateRange) ([]MarketObservation, error)

	// LatestDate returns the most recent observation date for a fuel type,
	// or the zero time when none exist.
	LatestDate(ctx context.Context, fuelType string) (time.Time, error)
}

// PriceChangeRepo stores the realized price-change feed.
type PriceChangeRepo interface {
	Insert(ctx context.Context, ev PriceChangeEvent) error

	// LastBefore returns the most recent change at or before the date, or
	// nil when the fuel type has no recorded changes yet.
	LastBefore(ctx context.Context, fuelType string, date time.Time) (*PriceChangeEvent, error)

	// ListByFuel returns all changes for a fuel type, oldest first, for
	// threshold calibration.
	ListByFuel(ctx context.Context, fuelType string) ([]PriceChangeEvent, error)

	// On returns the change realized on the given date, if any.
	On(ctx context.Context, fuelType string, date time.Time) (*PriceChangeEvent, error)
}

// ThresholdRepo stores versioned threshold configuration.
type ThresholdRepo interface {
	// ActiveRows returns every row effective at the given time; callers
	// reduce them to the highest version per tuple.
	ActiveRows(ctx context.Context, at time.Time) ([]ThresholdRow, error)

	// InsertVersion appends a new config version. Rows are never updated.
	InsertVersion(ctx context.Context, row ThresholdRow) error
}

// DelayRepo serves tracker state and episode history.
type DelayRepo interface {
	// Tracker returns the current tracker row for a fuel type, or nil when
	// the fuel type has never been tracked.
	Tracker(ctx context.Context, fuelType string) (*TrackerRecord, error)

	// AlertState returns the hysteresis memory for a (fuel, metric) pair,
	// or nil when none has been persisted.
	AlertState(ctx context.Context, fuelType, metric string) (*AlertStateRecord, error)

	// StatsByRegime aggregates closed-episode delay statistics per regime.
	StatsByRegime(ctx context.Context, fuelType string) (map[string]DelayStats, error)

	// ListEpisodes returns closed episodes for a fuel type, newest first.
	ListEpisodes(ctx context.Context, fuelType string, limit int) ([]DelayEpisode, error)
}

// CycleRepo commits a fuel type's cycle output atomically and serves the
// recent snapshot history back to the runner.
type CycleRepo interface {
	SaveCycle(ctx context.Context, rec CycleRecord) error

	// RecentSnapshots returns up to n daily cost-basis snapshots for a fuel
	// type, newest first. The runner uses them to detect a regime switch.
	RecentSnapshots(ctx context.Context, fuelType string, n int) ([]CostBasisSnapshot, error)
}
