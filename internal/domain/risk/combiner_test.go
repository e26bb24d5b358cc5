package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeightsValidate(t *testing.T) {
	assert.NoError(t, DefaultWeights().Validate())

	bad := DefaultWeights()
	bad.Pressure = 0.50
	assert.Error(t, bad.Validate())

	neg := Weights{Pressure: 1.2, FXVolatility: -0.2}
	assert.Error(t, neg.Validate())
}

func TestNormalize(t *testing.T) {
	r := Range{Min: 0, Max: 60}

	assert.InDelta(t, 0.5, Normalize(30, r), 1e-9)
	assert.Equal(t, 0.0, Normalize(-5, r))
	assert.Equal(t, 1.0, Normalize(90, r))

	// Degenerate range collapses to a step.
	deg := Range{Min: 1, Max: 1}
	assert.Equal(t, 0.0, Normalize(1, deg))
	assert.Equal(t, 1.0, Normalize(2, deg))
}

func TestScoreComposition(t *testing.T) {
	c := Components{
		Pressure:        0.9,
		FXVolatility:    0.05,
		DelayDays:       30,
		ThresholdBreach: 1,
		TrendMomentum:   0.5,
	}

	res, err := Score(c, DefaultWeights(), DefaultRanges())
	require.NoError(t, err)

	// 0.30·0.9 + 0.15·0.5 + 0.20·0.5 + 0.20·1 + 0.15·0.75 = 0.7575
	assert.InDelta(t, 0.9, res.Pressure, 1e-9)
	assert.InDelta(t, 0.5, res.FXVolatility, 1e-9)
	assert.InDelta(t, 0.5, res.DelayDays, 1e-9)
	assert.InDelta(t, 1.0, res.ThresholdBreach, 1e-9)
	assert.InDelta(t, 0.75, res.TrendMomentum, 1e-9)
	assert.InDelta(t, 0.7575, res.Score, 1e-9)
	assert.Equal(t, ModeHighAlert, res.Mode)
}

func TestScoreRejectsBadWeights(t *testing.T) {
	w := DefaultWeights()
	w.DelayDays = 0
	_, err := Score(Components{}, w, DefaultRanges())
	assert.Error(t, err)
}

func TestScoreModes(t *testing.T) {
	tests := []struct {
		name string
		c    Components
		want Mode
	}{
		{name: "quiet market", c: Components{Pressure: 0.1, TrendMomentum: -1}, want: ModeNormal},
		// 0.27 + 0 + 0.10 + 0.20 + 0.075 = 0.645
		{name: "elevated", c: Components{Pressure: 0.9, DelayDays: 30, ThresholdBreach: 1}, want: ModeHighAlert},
		{name: "crisis", c: Components{Pressure: 1, FXVolatility: 0.10, DelayDays: 60, ThresholdBreach: 1, TrendMomentum: 1}, want: ModeCrisis},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Score(tt.c, DefaultWeights(), DefaultRanges())
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Mode, "score %.4f", res.Score)
		})
	}
}

func TestBlendAdvisoryBypass(t *testing.T) {
	// Nil probability or zero weight leaves the deterministic score alone.
	assert.Equal(t, 0.55, BlendAdvisory(0.55, nil, 0.3))

	p := 0.95
	assert.Equal(t, 0.55, BlendAdvisory(0.55, &p, 0))

	blended := BlendAdvisory(0.55, &p, 0.3)
	assert.InDelta(t, 0.7*0.55+0.3*0.95, blended, 1e-9)

	// Weight above 1 clamps to pure advisory.
	assert.InDelta(t, 0.95, BlendAdvisory(0.55, &p, 2), 1e-9)
}

func TestTrendMomentumSignedRange(t *testing.T) {
	res, err := Score(Components{TrendMomentum: -1}, DefaultWeights(), DefaultRanges())
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.TrendMomentum)

	res, err = Score(Components{TrendMomentum: 0}, DefaultWeights(), DefaultRanges())
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.TrendMomentum, 1e-9)
}
