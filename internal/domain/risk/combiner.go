package risk

import (
	"fmt"
	"math"
)

// weightTolerance bounds how far configured weights may drift from 1.0.
const weightTolerance = 1e-6

// Components are the raw signal inputs to the composite score, in their
// native units. Each is min-max normalized before weighting.
type Components struct {
	Pressure        float64 // cost-basis pressure value
	FXVolatility    float64 // std of daily FX returns
	DelayDays       float64 // current political delay, days
	ThresholdBreach float64 // 1 when the pressure alert is open, else 0
	TrendMomentum   float64 // smoothed-indicator delta, signed
}

// Weights configure the contribution of each normalized component.
// They must sum to 1.0.
type Weights struct {
	Pressure        float64 `yaml:"pressure"`
	FXVolatility    float64 `yaml:"fx_volatility"`
	DelayDays       float64 `yaml:"delay"`
	ThresholdBreach float64 `yaml:"threshold_breach"`
	TrendMomentum   float64 `yaml:"trend_momentum"`
}

// DefaultWeights is the production weight vector.
func DefaultWeights() Weights {
	return Weights{
		Pressure:        0.30,
		FXVolatility:    0.15,
		DelayDays:       0.20,
		ThresholdBreach: 0.20,
		TrendMomentum:   0.15,
	}
}

// Validate rejects weight vectors that do not sum to 1.0 or carry negative
// entries. Operator error, fatal at config load.
func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"pressure":         w.Pressure,
		"fx_volatility":    w.FXVolatility,
		"delay":            w.DelayDays,
		"threshold_breach": w.ThresholdBreach,
		"trend_momentum":   w.TrendMomentum,
	} {
		if v < 0 {
			return fmt.Errorf("risk weight %s is negative: %f", name, v)
		}
	}
	sum := w.Pressure + w.FXVolatility + w.DelayDays + w.ThresholdBreach + w.TrendMomentum
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("risk weights must sum to 1.0, got %f", sum)
	}
	return nil
}

// Range is a min-max normalization window for one component.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Ranges hold the normalization windows per component.
type Ranges struct {
	Pressure        Range `yaml:"pressure"`
	FXVolatility    Range `yaml:"fx_volatility"`
	DelayDays       Range `yaml:"delay"`
	ThresholdBreach Range `yaml:"threshold_breach"`
	TrendMomentum   Range `yaml:"trend_momentum"`
}

// DefaultRanges mirrors the calibrated production normalization windows.
func DefaultRanges() Ranges {
	return Ranges{
		Pressure:        Range{Min: 0, Max: 1},
		FXVolatility:    Range{Min: 0, Max: 0.10},
		DelayDays:       Range{Min: 0, Max: 60},
		ThresholdBreach: Range{Min: 0, Max: 1},
		TrendMomentum:   Range{Min: -1, Max: 1},
	}
}

// Mode is the operator-facing banding of the composite score.
type Mode int

const (
	ModeNormal Mode = iota
	ModeHighAlert
	ModeCrisis
)

func (m Mode) String() string {
	switch m {
	case ModeHighAlert:
		return "high_alert"
	case ModeCrisis:
		return "crisis"
	default:
		return "normal"
	}
}

// Result is the composite score with its normalized components, for
// explainability in dashboards and alerts.
type Result struct {
	Score           float64 `json:"score"`
	Pressure        float64 `json:"pressure"`
	FXVolatility    float64 `json:"fx_volatility"`
	DelayDays       float64 `json:"delay"`
	ThresholdBreach float64 `json:"threshold_breach"`
	TrendMomentum   float64 `json:"trend_momentum"`
	Mode            Mode    `json:"-"`
}

// Normalize maps a value into [0,1] within the given range, clamping at the
// edges. A degenerate range collapses to 0 below and 1 above.
func Normalize(value float64, r Range) float64 {
	if r.Max == r.Min {
		if value <= r.Min {
			return 0
		}
		return 1
	}
	n := (value - r.Min) / (r.Max - r.Min)
	return clamp01(n)
}

// Score combines the normalized components into a single [0,1] risk score.
func Score(c Components, w Weights, r Ranges) (*Result, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	res := &Result{
		Pressure:        Normalize(c.Pressure, r.Pressure),
		FXVolatility:    Normalize(c.FXVolatility, r.FXVolatility),
		DelayDays:       Normalize(c.DelayDays, r.DelayDays),
		ThresholdBreach: Normalize(c.ThresholdBreach, r.ThresholdBreach),
		TrendMomentum:   Normalize(c.TrendMomentum, r.TrendMomentum),
	}

	res.Score = clamp01(w.Pressure*res.Pressure +
		w.FXVolatility*res.FXVolatility +
		w.DelayDays*res.DelayDays +
		w.ThresholdBreach*res.ThresholdBreach +
		w.TrendMomentum*res.TrendMomentum)
	res.Mode = Band(res.Score)
	return res, nil
}

// Band maps a composite score onto its operator-facing mode. Callers that
// blend an advisory probability re-band the blended score with it.
func Band(score float64) Mode {
	switch {
	case score >= 0.80:
		return ModeCrisis
	case score >= 0.60:
		return ModeHighAlert
	default:
		return ModeNormal
	}
}

// BlendAdvisory folds an optional ML probability into a computed score.
// The advisory layer is bypassable: a nil probability or zero weight returns
// the deterministic score untouched.
func BlendAdvisory(score float64, advisory *float64, advisoryWeight float64) float64 {
	if advisory == nil || advisoryWeight <= 0 {
		return score
	}
	if advisoryWeight > 1 {
		advisoryWeight = 1
	}
	return clamp01((1-advisoryWeight)*score + advisoryWeight*clamp01(*advisory))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
