package cycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fuelsentry/fuelsentry/internal/calibration"
	"github.com/fuelsentry/fuelsentry/internal/domain/costbasis"
	"github.com/fuelsentry/fuelsentry/internal/domain/fuel"
	"github.com/fuelsentry/fuelsentry/internal/domain/regime"
	"github.com/fuelsentry/fuelsentry/internal/domain/threshold"
	"github.com/fuelsentry/fuelsentry/internal/persistence"
)

// calibrationWindowDays bounds how much realized history feeds a
// recalibration pass.
const calibrationWindowDays = 365

// CalibrateAll recomputes pressure open thresholds per fuel type and regime
// from realized price-change history. Candidates that fail validation leave
// the prior threshold in effect; passing candidates are blended against the
// prior and written as a new config version.
func (r *Runner) CalibrateAll(ctx context.Context, now time.Time) error {
	now = truncateDay(now)

	var errs []error
	for _, ft := range fuel.All() {
		if err := r.calibrateFuel(ctx, ft, now); err != nil {
			r.log.Error().Err(err).Str("fuel", ft.String()).Msg("Calibration failed")
			errs = append(errs, fmt.Errorf("%s: %w", ft, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) calibrateFuel(ctx context.Context, ft fuel.Type, now time.Time) error {
	changes, err := r.repos.PriceChanges.ListByFuel(ctx, ft.String())
	if err != nil {
		return fmt.Errorf("loading price changes: %w", err)
	}
	if len(changes) == 0 {
		r.log.Info().Str("fuel", ft.String()).Msg("No realized changes yet, keeping prior thresholds")
		return nil
	}

	window := persistence.DateRange{From: now.AddDate(0, 0, -calibrationWindowDays), To: now}
	records, err := r.repos.Observations.ListRange(ctx, ft.String(), window)
	if err != nil {
		return fmt.Errorf("loading observations: %w", err)
	}
	if len(records) == 0 {
		return nil
	}
	r.crossCheckCosts(ft, records)

	series, events, err := r.buildCalibrationHistory(ft, records, changes)
	if err != nil {
		return err
	}

	thresholds, err := r.loadThresholds(ctx, now)
	if err != nil {
		return err
	}

	var errs []error
	for _, reg := range regime.All() {
		if err := r.calibrateRegime(ctx, ft, reg, series, events, thresholds, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) calibrateRegime(ctx context.Context, ft fuel.Type, reg regime.Regime, series []calibration.DailyPoint, events []calibration.Event, thresholds *threshold.Set, now time.Time) error {
	params := r.cfg.RegimeParams(reg)

	candidate, err := calibration.Candidate(events, reg, calibration.Increase, params.ThresholdPercentile)
	if errors.Is(err, calibration.ErrNoHistory) {
		return nil
	}
	if err != nil {
		return err
	}

	v := calibration.Validate(series, candidate, r.cfg.Core.Calibration)
	if !v.Pass {
		r.log.Warn().
			Str("fuel", ft.String()).
			Str("regime", reg.String()).
			Float64("candidate", candidate).
			Float64("capture_rate", v.CaptureRate).
			Float64("false_alarm", v.FalseAlarm).
			Float64("lead_time", v.LeadTimeDays).
			Msg("Candidate threshold failed validation, keeping prior")
		return nil
	}

	prior, havePrior := thresholds.Lookup(ft, threshold.MetricPressure, reg, regime.Params{ThresholdModifier: 1})
	blended := candidate
	closeValue := candidate * 0.8
	version := 1
	if havePrior {
		blended = calibration.Blend(candidate, prior.Open, calibration.BlendAlpha)
		// Keep the prior band's close/open ratio so the hysteresis gap
		// scales with the new level.
		closeValue = blended * (prior.Close / prior.Open)
		version = prior.Version + 1
	}

	row := persistence.ThresholdRow{
		Metric:        threshold.MetricPressure,
		Regime:        reg.String(),
		OpenValue:     blended,
		CloseValue:    closeValue,
		CloseStreak:   5,
		CooldownSecs:  int64(12 * time.Hour / time.Second),
		Version:       version,
		EffectiveFrom: now,
	}
	if havePrior {
		row.CloseStreak = prior.CloseStreak
		row.CooldownSecs = int64(prior.Cooldown / time.Second)
	}
	fts := ft.String()
	row.FuelType = &fts

	if err := r.repos.Thresholds.InsertVersion(ctx, row); err != nil {
		return fmt.Errorf("writing threshold version: %w", err)
	}
	r.metrics.ThresholdUpdate.WithLabelValues(threshold.MetricPressure, reg.String()).Inc()

	r.log.Info().
		Str("fuel", ft.String()).
		Str("regime", reg.String()).
		Float64("candidate", candidate).
		Float64("blended", blended).
		Int("version", version).
		Float64("capture_rate", v.CaptureRate).
		Float64("false_alarm", v.FalseAlarm).
		Float64("lead_time", v.LeadTimeDays).
		Msg("Calibrated threshold written")
	return nil
}

// crossCheckCosts records the retail cost decomposition for the latest
// observation carrying a pump price. The implied cost is a calibration
// sanity check only; it never feeds the pressure computation.
func (r *Runner) crossCheckCosts(ft fuel.Type, records []persistence.MarketObservation) {
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.RetailPrice == nil {
			continue
		}
		reg := r.cfg.Regime()
		snap, err := costbasis.Snapshot(ft, r.cfg.RegimeParams(reg), costbasis.Observation{
			Date:           truncateDay(rec.Date),
			ReferencePrice: rec.ReferencePrice,
			FXRate:         rec.FXRate,
			RetailPrice:    rec.RetailPrice,
			ExciseTax:      rec.ExciseTax,
			VATRate:        rec.VATRate,
		})
		if err != nil {
			r.log.Warn().Err(err).Str("fuel", ft.String()).Msg("Cost decomposition failed")
			return
		}
		r.metrics.CostGap.WithLabelValues(ft.String()).Set(snap.CostGap)
		r.log.Info().
			Str("fuel", ft.String()).
			Str("date", rec.Date.Format("2006-01-02")).
			Float64("pump_price", snap.ActualPumpPrice).
			Float64("theoretical_cost", snap.TheoreticalCost).
			Float64("implied_cost", snap.ImpliedCost).
			Float64("cost_gap", snap.CostGap).
			Float64("cost_gap_pct", snap.CostGapPct).
			Msg("Retail cost decomposition cross-check")
		return
	}
}

// buildCalibrationHistory reconstructs the daily pressure series over the
// observation window, re-anchoring at every realized price change exactly as
// live cycles did, and captures the pressure observed at each change.
func (r *Runner) buildCalibrationHistory(ft fuel.Type, records []persistence.MarketObservation, changes []persistence.PriceChangeEvent) ([]calibration.DailyPoint, []calibration.Event, error) {
	obs := make([]costbasis.Observation, len(records))
	for i, rec := range records {
		obs[i] = costbasis.Observation{
			Date:           truncateDay(rec.Date),
			ReferencePrice: rec.ReferencePrice,
			FXRate:         rec.FXRate,
			RetailPrice:    rec.RetailPrice,
			ExciseTax:      rec.ExciseTax,
			VATRate:        rec.VATRate,
		}
	}

	changeByDate := make(map[time.Time]persistence.PriceChangeEvent, len(changes))
	for _, ch := range changes {
		changeByDate[truncateDay(ch.Date)] = ch
	}

	var series []calibration.DailyPoint
	var events []calibration.Event

	segStart := 0
	anchorDate := obs[0].Date
	flush := func(end int) error {
		if end <= segStart {
			return nil
		}
		seg := obs[segStart:end]
		reg := r.cfg.Regime()
		computed, err := costbasis.Compute(ft, reg, r.cfg.RegimeParams(reg), seg, anchorDate)
		if err != nil {
			return fmt.Errorf("calibration segment at %s: %w", seg[0].Date.Format("2006-01-02"), err)
		}
		for _, pt := range computed.Points {
			ch, changed := changeByDate[pt.Date]
			series = append(series, calibration.DailyPoint{
				Date:         pt.Date,
				Pressure:     pt.PressureValue,
				PriceChanged: changed,
			})
			if changed {
				evReg, err := regime.Parse(ch.Regime)
				if err != nil {
					evReg = regime.Normal
				}
				dir := calibration.Increase
				if ch.Direction == "decrease" {
					dir = calibration.Decrease
				}
				events = append(events, calibration.Event{
					Date:      pt.Date,
					Pressure:  pt.PressureValue,
					Direction: dir,
					Regime:    evReg,
				})
			}
		}
		return nil
	}

	for i, o := range obs {
		if _, changed := changeByDate[o.Date]; changed && i > segStart {
			// Include the change day in the closing segment so its pressure
			// is measured against the pre-change anchor.
			if err := flush(i + 1); err != nil {
				return nil, nil, err
			}
			segStart = i + 1
			anchorDate = o.Date
		}
	}
	if err := flush(len(obs)); err != nil {
		return nil, nil, err
	}

	return series, events, nil
}
