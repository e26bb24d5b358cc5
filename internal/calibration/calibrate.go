// Package calibration derives and validates open thresholds from historical
// realized price-change events. It runs periodically (not per-request) and
// its outputs become new versioned threshold rows; a failed or empty
// calibration leaves the prior thresholds in effect.
package calibration

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/fuelsentry/fuelsentry/internal/domain/regime"
)

// ErrNoHistory is returned when no events exist for the requested partition.
// Callers keep the previously calibrated threshold unchanged.
var ErrNoHistory = errors.New("no historical events for calibration partition")

// Direction partitions events by the sign of the realized change.
type Direction int

const (
	Increase Direction = iota
	Decrease
)

func (d Direction) String() string {
	if d == Decrease {
		return "decrease"
	}
	return "increase"
}

// Event is one historical realized price change with the pressure value
// observed at the moment of the change.
type Event struct {
	Date      time.Time
	Pressure  float64
	Direction Direction
	Regime    regime.Regime
}

// DailyPoint is one day of the historical pressure series used for
// validation, with a flag for realized price-change days.
type DailyPoint struct {
	Date         time.Time
	Pressure     float64
	PriceChanged bool
}

// Targets are the acceptance criteria a candidate threshold must satisfy.
type Targets struct {
	MinCaptureRate    float64 `yaml:"min_capture_rate"`    // default 0.70
	MaxFalseAlarmRate float64 `yaml:"max_false_alarm_rate"` // default 0.40
	MinLeadTimeDays   float64 `yaml:"min_lead_time_days"`  // default 1
	MaxLeadTimeDays   float64 `yaml:"max_lead_time_days"`  // default 7
	LookoutWindow     int     `yaml:"lookout_window"`      // default 7 observations
}

// DefaultTargets returns the production acceptance criteria.
func DefaultTargets() Targets {
	return Targets{
		MinCaptureRate:    0.70,
		MaxFalseAlarmRate: 0.40,
		MinLeadTimeDays:   1,
		MaxLeadTimeDays:   7,
		LookoutWindow:     7,
	}
}

// BlendAlpha is the smoothing applied when a calibrated threshold replaces
// its predecessor: new = alpha·candidate + (1−alpha)·old.
const BlendAlpha = 0.7

// Percentile computes an interpolated percentile over a sorted slice using
// rank h = p·(n+1): 20 values at p=0.30 interpolate at rank 6.3. Ranks
// outside [1, n] clamp to the extremes.
func Percentile(sorted []float64, p float64) (float64, error) {
	n := len(sorted)
	if n == 0 {
		return 0, ErrNoHistory
	}
	if p < 0 || p > 1 {
		return 0, fmt.Errorf("percentile must be in [0,1], got %f", p)
	}

	h := p * float64(n+1)
	if h <= 1 {
		return sorted[0], nil
	}
	if h >= float64(n) {
		return sorted[n-1], nil
	}
	lo := int(math.Floor(h))
	frac := h - float64(lo)
	return sorted[lo-1] + frac*(sorted[lo]-sorted[lo-1]), nil
}

// Candidate computes a candidate open threshold for one (regime, direction)
// partition: a low percentile of the pressure-at-event distribution, so that
// a majority of past changes occurred at or above the threshold.
func Candidate(events []Event, reg regime.Regime, dir Direction, percentile float64) (float64, error) {
	pressures := make([]float64, 0, len(events))
	for _, e := range events {
		if e.Regime == reg && e.Direction == dir {
			pressures = append(pressures, e.Pressure)
		}
	}
	if len(pressures) == 0 {
		return 0, fmt.Errorf("%w: regime=%s direction=%s", ErrNoHistory, reg, dir)
	}
	sort.Float64s(pressures)
	return Percentile(pressures, percentile)
}

// EventCaptureRate is the fraction of event pressures at or above the
// candidate threshold — the in-sample check run at calibration time.
func EventCaptureRate(pressures []float64, threshold float64) float64 {
	if len(pressures) == 0 {
		return 1
	}
	captured := 0
	for _, p := range pressures {
		if p >= threshold {
			captured++
		}
	}
	return float64(captured) / float64(len(pressures))
}

// CaptureRate is the fraction of realized price-change days where the
// pressure series had already crossed the threshold within the preceding
// lookout window. No change days means nothing to miss.
func CaptureRate(series []DailyPoint, threshold float64, lookout int) float64 {
	changes, captured := 0, 0
	for i, pt := range series {
		if !pt.PriceChanged {
			continue
		}
		changes++
		start := i - lookout
		if start < 0 {
			start = 0
		}
		for j := start; j < i; j++ {
			if series[j].Pressure >= threshold {
				captured++
				break
			}
		}
	}
	if changes == 0 {
		return 1
	}
	return float64(captured) / float64(changes)
}

// FalseAlarmRate is the fraction of threshold-crossing episodes not followed
// by a price change within the lookout window. A crossing episode starts the
// first day pressure reaches the threshold from below.
func FalseAlarmRate(series []DailyPoint, threshold float64, lookout int) float64 {
	crossings, falseAlarms := 0, 0
	for i, pt := range series {
		crossed := pt.Pressure >= threshold && (i == 0 || series[i-1].Pressure < threshold)
		if !crossed {
			continue
		}
		crossings++
		end := i + lookout
		if end >= len(series) {
			end = len(series) - 1
		}
		followed := false
		for j := i; j <= end; j++ {
			if series[j].PriceChanged {
				followed = true
				break
			}
		}
		if !followed {
			falseAlarms++
		}
	}
	if crossings == 0 {
		return 0
	}
	return float64(falseAlarms) / float64(crossings)
}

// LeadTime is the mean number of observation days between the first
// threshold crossing and the realized change, over captured events only.
func LeadTime(series []DailyPoint, threshold float64, lookout int) float64 {
	total, count := 0, 0
	for i, pt := range series {
		if !pt.PriceChanged {
			continue
		}
		start := i - lookout
		if start < 0 {
			start = 0
		}
		for j := start; j < i; j++ {
			if series[j].Pressure >= threshold {
				total += i - j
				count++
				break
			}
		}
	}
	if count == 0 {
		return 0
	}
	return float64(total) / float64(count)
}

// Validation carries the acceptance metrics for a candidate threshold.
type Validation struct {
	Threshold     float64
	CaptureRate   float64
	FalseAlarm    float64
	LeadTimeDays  float64
	CapturePass   bool
	FalseAlmPass  bool
	LeadTimePass  bool
	Pass          bool
}

// Validate scores a candidate threshold against the historical series.
// Failing metrics are reported as operator warnings upstream, not errors.
func Validate(series []DailyPoint, threshold float64, targets Targets) Validation {
	v := Validation{
		Threshold:    threshold,
		CaptureRate:  CaptureRate(series, threshold, targets.LookoutWindow),
		FalseAlarm:   FalseAlarmRate(series, threshold, targets.LookoutWindow),
		LeadTimeDays: LeadTime(series, threshold, targets.LookoutWindow),
	}
	v.CapturePass = v.CaptureRate >= targets.MinCaptureRate
	v.FalseAlmPass = v.FalseAlarm <= targets.MaxFalseAlarmRate
	v.LeadTimePass = v.LeadTimeDays >= targets.MinLeadTimeDays && v.LeadTimeDays <= targets.MaxLeadTimeDays
	v.Pass = v.CapturePass && v.FalseAlmPass && v.LeadTimePass
	return v
}

// Blend smooths a candidate against the prior calibrated value so threshold
// updates never jump abruptly.
func Blend(candidate, prior, alpha float64) float64 {
	if prior == 0 {
		return candidate
	}
	return alpha*candidate + (1-alpha)*prior
}
