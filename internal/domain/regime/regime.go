package regime

import "fmt"

// Regime classifies the market/political context the signal core runs under.
// It is set administratively (or by detection logic outside the core) and the
// core treats it as read-only input for the duration of a cycle.
type Regime int

const (
	Normal Regime = iota
	Election
	FXShock
	TaxAdjustment
)

func (r Regime) String() string {
	switch r {
	case Normal:
		return "normal"
	case Election:
		return "election"
	case FXShock:
		return "fx_shock"
	case TaxAdjustment:
		return "tax_adjustment"
	default:
		return "unknown"
	}
}

// Parse converts a regime name into its Regime value.
func Parse(s string) (Regime, error) {
	switch s {
	case "normal":
		return Normal, nil
	case "election":
		return Election, nil
	case "fx_shock":
		return FXShock, nil
	case "tax_adjustment":
		return TaxAdjustment, nil
	default:
		return 0, fmt.Errorf("unknown regime: %q", s)
	}
}

// Params holds the regime-specific parameters consumed by the signal core.
type Params struct {
	// SmoothingWindow is the SMA width applied to the forward indicator.
	// Shorter in shock regimes, longer in election periods.
	SmoothingWindow int `yaml:"smoothing_window"`

	// AssumedMargin is the total retail margin (per liter) used only by the
	// implied-cost cross-check, never by the pressure computation.
	AssumedMargin float64 `yaml:"assumed_margin"`

	// ThresholdPercentile is the percentile of the pressure-at-event
	// distribution used when calibrating open thresholds for this regime.
	ThresholdPercentile float64 `yaml:"threshold_percentile"`

	// ThresholdModifier scales calibrated thresholds for this regime.
	// 1.0 leaves thresholds untouched.
	ThresholdModifier float64 `yaml:"threshold_modifier"`

	// MeanDelayDays and StdDelayDays are fallback delay statistics applied
	// when no episode history exists for the regime yet.
	MeanDelayDays float64 `yaml:"mean_delay_days"`
	StdDelayDays  float64 `yaml:"std_delay_days"`
}

// TransitionBlendWindow is the number of observations over which smoothed
// indicator values are linearly blended after a regime change to avoid a
// discontinuity artifact at the boundary.
const TransitionBlendWindow = 5

// defaultParams mirrors the calibrated production parameter table.
var defaultParams = map[Regime]Params{
	Normal:        {SmoothingWindow: 5, AssumedMargin: 1.20, ThresholdPercentile: 0.30, ThresholdModifier: 1.00, MeanDelayDays: 6, StdDelayDays: 3},
	Election:      {SmoothingWindow: 7, AssumedMargin: 1.00, ThresholdPercentile: 0.35, ThresholdModifier: 0.85, MeanDelayDays: 12, StdDelayDays: 5},
	FXShock:       {SmoothingWindow: 3, AssumedMargin: 1.50, ThresholdPercentile: 0.25, ThresholdModifier: 1.10, MeanDelayDays: 3, StdDelayDays: 2},
	TaxAdjustment: {SmoothingWindow: 5, AssumedMargin: 1.20, ThresholdPercentile: 0.30, ThresholdModifier: 1.00, MeanDelayDays: 6, StdDelayDays: 3},
}

// DefaultParams returns the built-in parameter set for the regime.
func (r Regime) DefaultParams() Params {
	if p, ok := defaultParams[r]; ok {
		return p
	}
	return defaultParams[Normal]
}

// All returns every regime in stable order.
func All() []Regime {
	return []Regime{Normal, Election, FXShock, TaxAdjustment}
}
