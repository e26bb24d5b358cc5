package calibration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuelsentry/fuelsentry/internal/domain/regime"
)

// hikeSet is a 20-event sorted pressure-at-hike distribution: its p=0.30
// percentile interpolates at rank 6.3 to 0.706, and 15 of 20 values sit at
// or above that threshold.
var hikeSet = []float64{
	0.42, 0.48, 0.55, 0.60, 0.66, 0.706, 0.706, 0.74, 0.80, 0.85,
	0.90, 0.95, 1.02, 1.10, 1.18, 1.25, 1.35, 1.50, 1.65, 1.80,
}

func day(n int) time.Time {
	return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n-1)
}

func TestPercentile(t *testing.T) {
	got, err := Percentile(hikeSet, 0.30)
	require.NoError(t, err)
	assert.InDelta(t, 0.706, got, 1e-9)

	// Extremes clamp to the end values.
	lo, err := Percentile(hikeSet, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.42, lo)

	hi, err := Percentile(hikeSet, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.80, hi)

	mid, err := Percentile([]float64{1, 2, 3}, 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, mid, 1e-9)
}

func TestPercentileErrors(t *testing.T) {
	_, err := Percentile(nil, 0.30)
	assert.ErrorIs(t, err, ErrNoHistory)

	_, err = Percentile(hikeSet, 1.5)
	assert.Error(t, err)
}

func TestCandidatePartitionsByRegimeAndDirection(t *testing.T) {
	events := make([]Event, 0, len(hikeSet)+2)
	for i, p := range hikeSet {
		events = append(events, Event{Date: day(i + 1), Pressure: p, Direction: Increase, Regime: regime.Normal})
	}
	// Noise from other partitions must not shift the percentile.
	events = append(events,
		Event{Date: day(30), Pressure: 9.9, Direction: Decrease, Regime: regime.Normal},
		Event{Date: day(31), Pressure: 9.9, Direction: Increase, Regime: regime.Election},
	)

	got, err := Candidate(events, regime.Normal, Increase, 0.30)
	require.NoError(t, err)
	assert.InDelta(t, 0.706, got, 1e-9)

	_, err = Candidate(events, regime.FXShock, Increase, 0.30)
	assert.ErrorIs(t, err, ErrNoHistory)
}

func TestEventCaptureRate(t *testing.T) {
	assert.InDelta(t, 0.75, EventCaptureRate(hikeSet, 0.706), 1e-9)
	assert.Equal(t, 1.0, EventCaptureRate(nil, 0.706))
}

func buildSeries(pressures []float64, changeDays map[int]bool) []DailyPoint {
	out := make([]DailyPoint, len(pressures))
	for i, p := range pressures {
		out[i] = DailyPoint{Date: day(i + 1), Pressure: p, PriceChanged: changeDays[i]}
	}
	return out
}

func TestCaptureRate(t *testing.T) {
	// Change on day 6 preceded by a crossing on day 4; change on day 13
	// with no crossing inside its 7-day window.
	series := buildSeries(
		[]float64{0.2, 0.3, 0.5, 0.8, 0.9, 0.4, 0.2, 0.3, 0.4, 0.5, 0.3, 0.2, 0.3},
		map[int]bool{5: true, 12: true},
	)

	assert.InDelta(t, 0.5, CaptureRate(series, 0.70, 7), 1e-9)

	// A zero lookout window can never capture anything.
	assert.Equal(t, 0.0, CaptureRate(series, 0.70, 0))
}

func TestFalseAlarmRate(t *testing.T) {
	// Two crossing episodes: day 3 followed by a change within the window,
	// day 9 not followed by anything.
	series := buildSeries(
		[]float64{0.2, 0.3, 0.8, 0.9, 0.3, 0.2, 0.2, 0.3, 0.8, 0.9, 0.3, 0.2},
		map[int]bool{4: true},
	)

	assert.InDelta(t, 0.5, FalseAlarmRate(series, 0.70, 3), 1e-9)

	// No crossings at all: nothing to false-alarm on.
	quiet := buildSeries([]float64{0.1, 0.2, 0.1}, nil)
	assert.Equal(t, 0.0, FalseAlarmRate(quiet, 0.70, 3))
}

func TestLeadTime(t *testing.T) {
	// First crossing day 3, change day 6: lead 3 days.
	series := buildSeries(
		[]float64{0.2, 0.3, 0.8, 0.9, 0.9, 0.4},
		map[int]bool{5: true},
	)
	assert.InDelta(t, 3.0, LeadTime(series, 0.70, 7), 1e-9)

	// Uncaptured changes contribute nothing.
	missed := buildSeries([]float64{0.2, 0.3, 0.4}, map[int]bool{2: true})
	assert.Equal(t, 0.0, LeadTime(missed, 0.70, 7))
}

func TestValidate(t *testing.T) {
	series := buildSeries(
		[]float64{0.2, 0.3, 0.8, 0.9, 0.9, 0.4},
		map[int]bool{5: true},
	)

	v := Validate(series, 0.70, DefaultTargets())
	assert.InDelta(t, 1.0, v.CaptureRate, 1e-9)
	assert.InDelta(t, 0.0, v.FalseAlarm, 1e-9)
	assert.InDelta(t, 3.0, v.LeadTimeDays, 1e-9)
	assert.True(t, v.Pass)

	// An unreachable threshold misses every change.
	v = Validate(series, 5.0, DefaultTargets())
	assert.False(t, v.CapturePass)
	assert.False(t, v.Pass)
}

func TestBlend(t *testing.T) {
	assert.InDelta(t, 0.7*0.80+0.3*0.70, Blend(0.80, 0.70, BlendAlpha), 1e-9)

	// No prior threshold adopts the candidate outright.
	assert.Equal(t, 0.80, Blend(0.80, 0, BlendAlpha))
}
