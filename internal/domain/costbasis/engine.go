package costbasis

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/fuelsentry/fuelsentry/internal/domain/fuel"
	"github.com/fuelsentry/fuelsentry/internal/domain/regime"
)

var (
	// ErrInsufficientData is returned when no observations are available.
	// Callers must treat this as "do not alert", not as zero pressure.
	ErrInsufficientData = errors.New("insufficient observations for cost-basis computation")

	// ErrInvalidConversionFactor is returned for a zero or negative density constant.
	ErrInvalidConversionFactor = errors.New("conversion factor must be positive")
)

// Observation is one day of raw market inputs for a single fuel type.
// RetailPrice may be nil when pump price data is unavailable for the date;
// the forward indicator does not depend on it.
type Observation struct {
	Date           time.Time
	ReferencePrice float64  // crude reference price, USD/ton
	FXRate         float64  // USD -> local currency
	RetailPrice    *float64 // observed pump price, per liter
	ExciseTax      float64  // fixed excise in effect, per liter
	VATRate        float64  // VAT fraction in effect (e.g. 0.20)
}

// Trend is the direction of the smoothed indicator over the recent lookback.
type Trend int

const (
	TrendFlat Trend = iota
	TrendIncrease
	TrendDecrease
)

func (t Trend) String() string {
	switch t {
	case TrendIncrease:
		return "increase"
	case TrendDecrease:
		return "decrease"
	default:
		return "no_change"
	}
}

// Point is the daily cost-basis output for one observation date.
type Point struct {
	Date              time.Time
	ForwardIndicator  float64
	SmoothedIndicator float64
	PressureValue     float64
	Delta1            float64
	Delta3            float64
	Acceleration      float64
	CarriedForward    bool // inputs gap-filled from the prior trading day
	LowConfidence     bool // fewer observations than the smoothing window
}

// Series is the full cost-basis result for one fuel type and cycle.
type Series struct {
	Fuel           fuel.Type
	Regime         regime.Regime
	BaselineAnchor float64
	Points         []Point
	Trend          Trend
}

// Latest returns the most recent point in the series.
func (s *Series) Latest() Point {
	return s.Points[len(s.Points)-1]
}

// trendLookback is the number of smoothed observations inspected when
// classifying trend direction.
const trendLookback = 3

// ForwardIndicator converts upstream market inputs into per-liter cost terms:
// reference_price × fx_rate / conversion_factor. It is independent of the
// observed retail price.
func ForwardIndicator(referencePrice, fxRate, conversionFactor float64) (float64, error) {
	if conversionFactor <= 0 {
		return 0, ErrInvalidConversionFactor
	}
	return referencePrice * fxRate / conversionFactor, nil
}

// SMA computes a simple moving average with min_periods=1 semantics: during
// the warm-up window the average covers however many values are available.
func SMA(values []float64, window int) ([]float64, error) {
	if window < 1 {
		return nil, fmt.Errorf("smoothing window must be at least 1, got %d", window)
	}
	if len(values) == 0 {
		return nil, ErrInsufficientData
	}

	out := make([]float64, len(values))
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		n := i + 1
		if n > window {
			n = window
		}
		out[i] = sum / float64(n)
	}
	return out, nil
}

// FillGaps returns a daily-continuous copy of the observation series. Missing
// dates (non-trading days, collection failures) are carried forward from the
// last known observation and flagged so downstream consumers can surface data
// quality. The input must be date-ordered.
func FillGaps(obs []Observation) []Observation {
	if len(obs) < 2 {
		return obs
	}

	filled := make([]Observation, 0, len(obs))
	filled = append(filled, obs[0])
	for i := 1; i < len(obs); i++ {
		prev := filled[len(filled)-1]
		for d := prev.Date.AddDate(0, 0, 1); d.Before(obs[i].Date); d = d.AddDate(0, 0, 1) {
			carry := prev
			carry.Date = d
			filled = append(filled, carry)
		}
		filled = append(filled, obs[i])
	}
	return filled
}

// carriedDates reports which dates in a gap-filled series were synthesized.
func carriedDates(raw, filled []Observation) map[time.Time]bool {
	present := make(map[time.Time]bool, len(raw))
	for _, o := range raw {
		present[o.Date] = true
	}
	carried := make(map[time.Time]bool)
	for _, o := range filled {
		if !present[o.Date] {
			carried[o.Date] = true
		}
	}
	return carried
}

// Compute derives the cost-basis series for one fuel type under a single
// regime. Observations must be date-ordered and should start early enough to
// cover the smoothing window before anchorDate. The baseline anchor is the
// smoothed indicator at the last confirmed price-change date; when anchorDate
// predates the series the earliest available date is used instead.
func Compute(ft fuel.Type, reg regime.Regime, params regime.Params, obs []Observation, anchorDate time.Time) (*Series, error) {
	return compute(ft, reg, params, obs, anchorDate, nil)
}

// ComputeWithTransition behaves like Compute but blends smoothed values
// across a regime boundary: observations from transitionDate onward ramp
// linearly from the previous regime's smoothing window to the new one over
// regime.TransitionBlendWindow observations.
func ComputeWithTransition(ft fuel.Type, reg regime.Regime, params regime.Params, obs []Observation, anchorDate time.Time, prevParams regime.Params, transitionDate time.Time) (*Series, error) {
	tr := &transition{prevWindow: prevParams.SmoothingWindow, date: transitionDate}
	return compute(ft, reg, params, obs, anchorDate, tr)
}

type transition struct {
	prevWindow int
	date       time.Time
}

func compute(ft fuel.Type, reg regime.Regime, params regime.Params, obs []Observation, anchorDate time.Time, tr *transition) (*Series, error) {
	if len(obs) == 0 {
		return nil, ErrInsufficientData
	}

	rho := ft.ConversionFactor()
	filled := FillGaps(obs)
	carried := carriedDates(obs, filled)

	forward := make([]float64, len(filled))
	for i, o := range filled {
		fi, err := ForwardIndicator(o.ReferencePrice, o.FXRate, rho)
		if err != nil {
			return nil, fmt.Errorf("forward indicator for %s on %s: %w", ft, o.Date.Format("2006-01-02"), err)
		}
		forward[i] = fi
	}

	smoothed, err := SMA(forward, params.SmoothingWindow)
	if err != nil {
		return nil, err
	}

	if tr != nil {
		prev, err := SMA(forward, tr.prevWindow)
		if err != nil {
			return nil, err
		}
		smoothed = blendTransition(prev, smoothed, filled, tr.date)
	}

	anchorIdx := 0
	for i, o := range filled {
		if !o.Date.After(anchorDate) {
			anchorIdx = i
		}
	}
	anchor := smoothed[anchorIdx]

	points := make([]Point, len(filled))
	pressure := make([]float64, len(filled))
	for i := range filled {
		pressure[i] = smoothed[i] - anchor
		p := Point{
			Date:              filled[i].Date,
			ForwardIndicator:  forward[i],
			SmoothedIndicator: smoothed[i],
			PressureValue:     pressure[i],
			CarriedForward:    carried[filled[i].Date],
			LowConfidence:     i+1 < params.SmoothingWindow,
		}
		if i >= 1 {
			p.Delta1 = pressure[i] - pressure[i-1]
		}
		if i >= 3 {
			p.Delta3 = pressure[i] - pressure[i-3]
		}
		if i >= 2 {
			p.Acceleration = (pressure[i] - pressure[i-1]) - (pressure[i-1] - pressure[i-2])
		}
		points[i] = p
	}

	return &Series{
		Fuel:           ft,
		Regime:         reg,
		BaselineAnchor: anchor,
		Points:         points,
		Trend:          detectTrend(smoothed),
	}, nil
}

// blendTransition ramps from the previous regime's smoothed series into the
// new one over TransitionBlendWindow observations starting at the transition
// date. Observations before the transition keep the previous smoothing.
func blendTransition(prev, next []float64, obs []Observation, transitionDate time.Time) []float64 {
	out := make([]float64, len(next))
	offset := -1
	for i := range obs {
		if offset < 0 && !obs[i].Date.Before(transitionDate) {
			offset = i
		}
		switch {
		case offset < 0:
			out[i] = prev[i]
		default:
			w := float64(i-offset+1) / float64(regime.TransitionBlendWindow)
			if w > 1 {
				w = 1
			}
			out[i] = (1-w)*prev[i] + w*next[i]
		}
	}
	return out
}

func detectTrend(smoothed []float64) Trend {
	if len(smoothed) < 2 {
		return TrendFlat
	}
	lb := trendLookback
	if lb > len(smoothed) {
		lb = len(smoothed)
	}
	first := smoothed[len(smoothed)-lb]
	last := smoothed[len(smoothed)-1]
	switch {
	case last > first:
		return TrendIncrease
	case last < first:
		return TrendDecrease
	default:
		return TrendFlat
	}
}

// FXVolatility is the standard deviation of day-over-day FX returns across
// the series, used as a risk-combiner component. Fewer than three rates give
// no volatility signal.
func FXVolatility(fxRates []float64) float64 {
	if len(fxRates) < 3 {
		return 0
	}
	returns := make([]float64, 0, len(fxRates)-1)
	for i := 1; i < len(fxRates); i++ {
		if fxRates[i-1] == 0 {
			continue
		}
		returns = append(returns, fxRates[i]/fxRates[i-1]-1)
	}
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance)
}
