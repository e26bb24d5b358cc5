// Package cycle orchestrates one signal pass per fuel type: load frozen
// inputs, run the deterministic core (cost basis, hysteresis, delay tracking,
// risk combination), and commit every output in a single transaction. The
// core packages never see a repository; everything they need is loaded here
// first.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fuelsentry/fuelsentry/internal/cache"
	"github.com/fuelsentry/fuelsentry/internal/config"
	"github.com/fuelsentry/fuelsentry/internal/domain/costbasis"
	"github.com/fuelsentry/fuelsentry/internal/domain/delay"
	"github.com/fuelsentry/fuelsentry/internal/domain/fuel"
	"github.com/fuelsentry/fuelsentry/internal/domain/regime"
	"github.com/fuelsentry/fuelsentry/internal/domain/risk"
	"github.com/fuelsentry/fuelsentry/internal/domain/threshold"
	"github.com/fuelsentry/fuelsentry/internal/metrics"
	"github.com/fuelsentry/fuelsentry/internal/persistence"
)

// DailyCollector feeds the observation store before a cycle runs. Optional:
// a nil collector runs the cycle on whatever observations already exist.
type DailyCollector interface {
	CollectDaily(ctx context.Context, day time.Time) error
}

// AdvisoryProvider serves an optional model-derived probability of an
// imminent price change, blended into the composite score at the configured
// advisory weight. A nil probability means "no advisory for this day".
type AdvisoryProvider interface {
	Advisory(ctx context.Context, ft fuel.Type, day time.Time) (*float64, error)
}

// Repos bundles the storage dependencies of a runner.
type Repos struct {
	Observations persistence.ObservationRepo
	PriceChanges persistence.PriceChangeRepo
	Thresholds   persistence.ThresholdRepo
	Delays       persistence.DelayRepo
	Cycles       persistence.CycleRepo
}

// Runner executes signal cycles.
type Runner struct {
	cfg       *config.Config
	repos     Repos
	collector DailyCollector
	advisory  AdvisoryProvider
	snapshots *cache.Store
	metrics   *metrics.Collector
	log       zerolog.Logger
}

// NewRunner wires a cycle runner. The snapshot cache and collector may be
// nil; the cycle itself does not depend on them.
func NewRunner(cfg *config.Config, repos Repos, collector DailyCollector, snapshots *cache.Store, mc *metrics.Collector, log zerolog.Logger) *Runner {
	return &Runner{
		cfg:       cfg,
		repos:     repos,
		collector: collector,
		snapshots: snapshots,
		metrics:   mc,
		log:       log.With().Str("component", "cycle").Logger(),
	}
}

// WithAdvisory attaches an advisory probability source. Without one the
// composite score stays fully deterministic regardless of the configured
// advisory weight.
func (r *Runner) WithAdvisory(p AdvisoryProvider) *Runner {
	r.advisory = p
	return r
}

// RunAll collects the day's inputs and runs one cycle per fuel type. Fuel
// types run concurrently and fail independently: a corrupt tracker for
// diesel never blocks the gasoline signal.
func (r *Runner) RunAll(ctx context.Context, day time.Time) error {
	day = truncateDay(day)

	if r.collector != nil {
		if err := r.collector.CollectDaily(ctx, day); err != nil {
			// Stale data still produces a (carried-forward) signal; log and
			// continue rather than skipping the day.
			r.log.Error().Err(err).Msg("Daily collection failed, running on stored observations")
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, len(fuel.All()))
	for i, ft := range fuel.All() {
		wg.Add(1)
		go func(i int, ft fuel.Type) {
			defer wg.Done()
			start := time.Now()
			err := r.RunFuel(ctx, ft, day)
			result := "ok"
			if err != nil {
				result = "error"
				r.metrics.CycleErrors.WithLabelValues(ft.String(), errClass(err)).Inc()
				r.log.Error().Err(err).Str("fuel", ft.String()).Msg("Cycle failed")
				errs[i] = fmt.Errorf("%s: %w", ft, err)
			}
			r.metrics.CycleDuration.WithLabelValues(ft.String(), result).Observe(time.Since(start).Seconds())
		}(i, ft)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// RunFuel executes one fuel type's cycle for the given day.
func (r *Runner) RunFuel(ctx context.Context, ft fuel.Type, day time.Time) error {
	reg := r.cfg.Regime()
	params := r.cfg.RegimeParams(reg)

	thresholds, err := r.loadThresholds(ctx, day)
	if err != nil {
		return err
	}

	series, fxVol, err := r.computeCostBasis(ctx, ft, reg, params, day)
	if err != nil {
		return err
	}
	latest := series.Latest()

	pressureCfg, ok := thresholds.Lookup(ft, threshold.MetricPressure, reg, params)
	if !ok {
		return fmt.Errorf("no active %s threshold for regime %s", threshold.MetricPressure, reg)
	}

	alertState, err := r.loadAlertState(ctx, ft, threshold.MetricPressure)
	if err != nil {
		return err
	}
	band, _ := r.stepAlert(alertState, ft, threshold.MetricPressure, latest.PressureValue, day, pressureCfg)

	tracker, err := r.loadTracker(ctx, ft)
	if err != nil {
		return err
	}
	stats, err := r.loadDelayStats(ctx, ft, reg, params)
	if err != nil {
		return err
	}
	change, err := r.loadPriceChange(ctx, ft, day)
	if err != nil {
		return err
	}

	nextTracker, events, err := delay.Step(tracker, delay.Input{
		Date:        day,
		Pressure:    latest.PressureValue,
		Open:        pressureCfg.Open,
		Close:       pressureCfg.Close,
		ResetCount:  r.cfg.Core.ResetCount,
		NoiseBand:   r.cfg.Core.NoiseBand,
		Regime:      reg,
		Stats:       stats,
		PriceChange: change,
	})
	if err != nil {
		return fmt.Errorf("delay tracking: %w", err)
	}

	result, err := risk.Score(risk.Components{
		Pressure:        latest.PressureValue,
		FXVolatility:    fxVol,
		DelayDays:       float64(nextTracker.DelayDays),
		ThresholdBreach: breachComponent(alertState.Active),
		TrendMomentum:   latest.Delta3,
	}, r.cfg.Core.RiskWeights, r.cfg.Core.RiskRanges)
	if err != nil {
		return fmt.Errorf("risk scoring: %w", err)
	}
	r.blendAdvisory(ctx, ft, day, result)

	riskCfg, riskOK := thresholds.Lookup(ft, threshold.MetricRiskScore, reg, params)
	riskAlert, err := r.loadAlertState(ctx, ft, threshold.MetricRiskScore)
	if err != nil {
		return err
	}
	if riskOK {
		r.stepAlert(riskAlert, ft, threshold.MetricRiskScore, result.Score, day, riskCfg)
	}

	rec := r.buildRecord(ft, day, reg, series, result, nextTracker, alertState, riskAlert, events)
	if err := r.repos.Cycles.SaveCycle(ctx, rec); err != nil {
		return fmt.Errorf("cycle commit: %w", err)
	}

	r.publish(ctx, ft, day, reg, series, result, nextTracker, band, alertState.Active)
	r.observeEvents(ft, events)

	r.log.Info().
		Str("fuel", ft.String()).
		Str("regime", reg.String()).
		Float64("pressure", latest.PressureValue).
		Float64("risk", result.Score).
		Str("mode", result.Mode.String()).
		Str("delay_state", nextTracker.State.String()).
		Bool("alert", alertState.Active).
		Msg("Cycle complete")
	return nil
}

// stepAlert advances one hysteresis state and handles the edge bookkeeping.
// An open edge inside the cooldown window still flips the state but its
// notification is suppressed, so a flapping metric cannot spam operators.
func (r *Runner) stepAlert(st *threshold.State, ft fuel.Type, metric string, value float64, day time.Time, cfg threshold.Config) (threshold.Band, threshold.Edge) {
	notifiable := st.CooldownElapsed(day, cfg)
	band, edge := st.Step(value, day, cfg)
	if edge == threshold.EdgeNone {
		return band, edge
	}
	r.metrics.AlertEdges.WithLabelValues(ft.String(), metric, edge.String()).Inc()

	if edge == threshold.EdgeOpen {
		result := "delivered"
		evt := r.log.Warn()
		if !notifiable {
			result = "suppressed"
			evt = r.log.Info()
		}
		r.metrics.AlertNotifications.WithLabelValues(ft.String(), metric, result).Inc()
		evt.
			Str("fuel", ft.String()).
			Str("metric", metric).
			Float64("value", value).
			Str("notification", result).
			Msg("Alert opened")
	}
	return band, edge
}

// blendAdvisory folds the optional model probability into the composite
// score. Advisory failures degrade to the deterministic score, never to a
// failed cycle.
func (r *Runner) blendAdvisory(ctx context.Context, ft fuel.Type, day time.Time, result *risk.Result) {
	if r.advisory == nil || r.cfg.Core.AdvisoryWeight <= 0 {
		return
	}
	prob, err := r.advisory.Advisory(ctx, ft, day)
	if err != nil {
		r.log.Warn().Err(err).Str("fuel", ft.String()).Msg("Advisory lookup failed, keeping deterministic score")
		return
	}
	result.Score = risk.BlendAdvisory(result.Score, prob, r.cfg.Core.AdvisoryWeight)
	result.Mode = risk.Band(result.Score)
}

func (r *Runner) loadThresholds(ctx context.Context, day time.Time) (*threshold.Set, error) {
	rows, err := r.repos.Thresholds.ActiveRows(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("loading thresholds: %w", err)
	}
	if len(rows) == 0 {
		return threshold.NewSet(threshold.DefaultConfigs())
	}

	configs := make([]threshold.Config, 0, len(rows))
	for _, row := range rows {
		c, err := rowToConfig(row)
		if err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return threshold.NewSet(configs)
}

func rowToConfig(row persistence.ThresholdRow) (threshold.Config, error) {
	reg, err := regime.Parse(row.Regime)
	if err != nil {
		return threshold.Config{}, fmt.Errorf("threshold row %d: %w", row.ID, err)
	}
	c := threshold.Config{
		Metric:        row.Metric,
		Regime:        reg,
		Open:          row.OpenValue,
		Close:         row.CloseValue,
		CloseStreak:   row.CloseStreak,
		Cooldown:      time.Duration(row.CooldownSecs) * time.Second,
		Version:       row.Version,
		EffectiveFrom: row.EffectiveFrom,
	}
	if row.FuelType != nil {
		ft, err := fuel.Parse(*row.FuelType)
		if err != nil {
			return threshold.Config{}, fmt.Errorf("threshold row %d: %w", row.ID, err)
		}
		c.FuelType = &ft
	}
	return c, nil
}

// computeCostBasis loads the observation window anchored at the last realized
// price change and runs the cost-basis engine.
func (r *Runner) computeCostBasis(ctx context.Context, ft fuel.Type, reg regime.Regime, params regime.Params, day time.Time) (*costbasis.Series, float64, error) {
	window := persistence.DateRange{
		From: day.AddDate(0, 0, -r.cfg.Core.HistoryDays),
		To:   day,
	}
	records, err := r.repos.Observations.ListRange(ctx, ft.String(), window)
	if err != nil {
		return nil, 0, fmt.Errorf("loading observations: %w", err)
	}
	if len(records) == 0 {
		return nil, 0, costbasis.ErrInsufficientData
	}

	obs := make([]costbasis.Observation, len(records))
	fxRates := make([]float64, len(records))
	for i, rec := range records {
		obs[i] = costbasis.Observation{
			Date:           truncateDay(rec.Date),
			ReferencePrice: rec.ReferencePrice,
			FXRate:         rec.FXRate,
			RetailPrice:    rec.RetailPrice,
			ExciseTax:      rec.ExciseTax,
			VATRate:        rec.VATRate,
		}
		fxRates[i] = rec.FXRate
	}

	// Anchor at the last change strictly before the cycle day: a change
	// realized today must not re-base the pressure the delay tracker is
	// about to resolve against.
	anchorDate := obs[0].Date
	if last, err := r.repos.PriceChanges.LastBefore(ctx, ft.String(), day.AddDate(0, 0, -1)); err != nil {
		return nil, 0, fmt.Errorf("loading anchor: %w", err)
	} else if last != nil && last.Date.After(anchorDate) {
		anchorDate = truncateDay(last.Date)
	}

	series, err := r.computeSeries(ctx, ft, reg, params, obs, anchorDate)
	if err != nil {
		return nil, 0, fmt.Errorf("cost basis: %w", err)
	}

	for _, pt := range series.Points {
		if pt.CarriedForward {
			r.metrics.CarriedForward.WithLabelValues(ft.String()).Inc()
		}
	}
	return series, costbasis.FXVolatility(fxRates), nil
}

// computeSeries runs the cost-basis engine, blending smoothing windows when
// the recent snapshot history shows a regime switch still inside the blend
// window. Without the blend an administrative switch between smoothing
// windows would put a discontinuity artifact into the pressure series.
func (r *Runner) computeSeries(ctx context.Context, ft fuel.Type, reg regime.Regime, params regime.Params, obs []costbasis.Observation, anchorDate time.Time) (*costbasis.Series, error) {
	prevReg, since, switched, err := r.lastRegimeSwitch(ctx, ft, reg)
	if err != nil {
		return nil, err
	}
	if !switched {
		return costbasis.Compute(ft, reg, params, obs, anchorDate)
	}
	return costbasis.ComputeWithTransition(ft, reg, params, obs, anchorDate, r.cfg.RegimeParams(prevReg), since)
}

// lastRegimeSwitch finds the most recent persisted snapshot whose regime
// differs from the active one. The switch day is the day after it; anything
// older than the blend window has finished ramping and is not reported.
func (r *Runner) lastRegimeSwitch(ctx context.Context, ft fuel.Type, reg regime.Regime) (regime.Regime, time.Time, bool, error) {
	snaps, err := r.repos.Cycles.RecentSnapshots(ctx, ft.String(), regime.TransitionBlendWindow)
	if err != nil {
		return regime.Normal, time.Time{}, false, fmt.Errorf("loading recent snapshots: %w", err)
	}
	for _, s := range snaps {
		if s.Regime == reg.String() {
			continue
		}
		prev, err := regime.Parse(s.Regime)
		if err != nil {
			// An unparseable historical regime cannot drive a blend.
			return regime.Normal, time.Time{}, false, nil
		}
		return prev, truncateDay(s.Date).AddDate(0, 0, 1), true, nil
	}
	return regime.Normal, time.Time{}, false, nil
}

func (r *Runner) loadAlertState(ctx context.Context, ft fuel.Type, metric string) (*threshold.State, error) {
	rec, err := r.repos.Delays.AlertState(ctx, ft.String(), metric)
	if err != nil {
		return nil, fmt.Errorf("loading alert state: %w", err)
	}
	if rec == nil {
		return &threshold.State{}, nil
	}
	st := &threshold.State{
		Active:           rec.Active,
		BelowCloseStreak: rec.BelowCloseStreak,
	}
	if rec.LastOpenedAt != nil {
		st.LastOpenedAt = *rec.LastOpenedAt
	}
	if rec.LastEvalAt != nil {
		st.LastEvalAt = *rec.LastEvalAt
	}
	return st, nil
}

func (r *Runner) loadTracker(ctx context.Context, ft fuel.Type) (delay.Tracker, error) {
	rec, err := r.repos.Delays.Tracker(ctx, ft.String())
	if err != nil {
		return delay.Tracker{}, fmt.Errorf("loading tracker: %w", err)
	}
	if rec == nil {
		return delay.Tracker{}, nil
	}

	reg, err := regime.Parse(rec.Regime)
	if err != nil {
		return delay.Tracker{}, fmt.Errorf("%w: %v", delay.ErrCorruptState, err)
	}
	t := delay.Tracker{
		DelayDays:       rec.DelayDays,
		PressureAtCross: rec.PressureAtCross,
		PressureMax:     rec.PressureMax,
		BelowStreak:     rec.BelowStreak,
		Regime:          reg,
		ZScore:          rec.ZScore,
	}
	switch rec.State {
	case delay.Idle.String():
		t.State = delay.Idle
	case delay.Watching.String():
		t.State = delay.Watching
	case delay.Closed.String():
		t.State = delay.Closed
	default:
		return delay.Tracker{}, fmt.Errorf("%w: unknown state %q", delay.ErrCorruptState, rec.State)
	}
	if rec.CrossDate != nil {
		t.CrossDate = truncateDay(*rec.CrossDate)
	}
	if rec.LastEvalDate != nil {
		t.LastEvalDate = truncateDay(*rec.LastEvalDate)
	}
	return t, nil
}

// loadDelayStats serves the regime's historical delay distribution, falling
// back to the regime parameter table before any episodes exist.
func (r *Runner) loadDelayStats(ctx context.Context, ft fuel.Type, reg regime.Regime, params regime.Params) (delay.Stats, error) {
	byRegime, err := r.repos.Delays.StatsByRegime(ctx, ft.String())
	if err != nil {
		return delay.Stats{}, fmt.Errorf("loading delay stats: %w", err)
	}
	if s, ok := byRegime[reg.String()]; ok && s.Episodes > 0 {
		return delay.Stats{MeanDelayDays: s.MeanDelayDays, StdDelayDays: s.StdDelayDays}, nil
	}
	return delay.Stats{MeanDelayDays: params.MeanDelayDays, StdDelayDays: params.StdDelayDays}, nil
}

// loadPriceChange converts a realized retail change on the cycle day into
// pressure units for the delay tracker.
func (r *Runner) loadPriceChange(ctx context.Context, ft fuel.Type, day time.Time) (*delay.PriceChange, error) {
	ev, err := r.repos.PriceChanges.On(ctx, ft.String(), day)
	if err != nil {
		return nil, fmt.Errorf("loading price change: %w", err)
	}
	if ev == nil {
		return nil, nil
	}
	return &delay.PriceChange{Date: truncateDay(ev.Date), Magnitude: ev.Magnitude}, nil
}

func (r *Runner) buildRecord(ft fuel.Type, day time.Time, reg regime.Regime, series *costbasis.Series, result *risk.Result, tracker delay.Tracker, pressureAlert, riskAlert *threshold.State, events []delay.Event) persistence.CycleRecord {
	latest := series.Latest()

	rec := persistence.CycleRecord{
		FuelType: ft.String(),
		Date:     day,
		Snapshot: persistence.CostBasisSnapshot{
			Date:              day,
			FuelType:          ft.String(),
			Regime:            reg.String(),
			ForwardIndicator:  latest.ForwardIndicator,
			SmoothedIndicator: latest.SmoothedIndicator,
			BaselineAnchor:    series.BaselineAnchor,
			PressureValue:     latest.PressureValue,
			Delta1:            latest.Delta1,
			Delta3:            latest.Delta3,
			Acceleration:      latest.Acceleration,
			Trend:             series.Trend.String(),
			CarriedForward:    latest.CarriedForward,
			LowConfidence:     latest.LowConfidence,
		},
		Risk: persistence.RiskScoreRecord{
			Date:            day,
			FuelType:        ft.String(),
			Score:           result.Score,
			Pressure:        result.Pressure,
			FXVolatility:    result.FXVolatility,
			DelayComponent:  result.DelayDays,
			ThresholdBreach: result.ThresholdBreach,
			TrendMomentum:   result.TrendMomentum,
			Mode:            result.Mode.String(),
		},
		Tracker: trackerToRecord(ft, tracker),
		AlertStates: []persistence.AlertStateRecord{
			alertToRecord(ft, threshold.MetricPressure, pressureAlert),
			alertToRecord(ft, threshold.MetricRiskScore, riskAlert),
		},
	}

	for _, ev := range events {
		if ev.Kind != delay.EpisodeClosed {
			continue
		}
		rec.Episodes = append(rec.Episodes, persistence.DelayEpisode{
			ID:              uuid.New().String(),
			FuelType:        ft.String(),
			CrossDate:       ev.CrossDate,
			ClosedAt:        ev.Date,
			Outcome:         ev.Outcome.String(),
			DelayDays:       ev.DelayDays,
			PressureAtCross: ev.PressureAtCross,
			PressureMax:     ev.PressureMax,
			ZScore:          ev.ZScore,
			Residual:        ev.Residual,
			Regime:          reg.String(),
		})
	}
	return rec
}

func trackerToRecord(ft fuel.Type, t delay.Tracker) persistence.TrackerRecord {
	rec := persistence.TrackerRecord{
		FuelType:        ft.String(),
		State:           t.State.String(),
		DelayDays:       t.DelayDays,
		PressureAtCross: t.PressureAtCross,
		PressureMax:     t.PressureMax,
		BelowStreak:     t.BelowStreak,
		Regime:          t.Regime.String(),
		ZScore:          t.ZScore,
	}
	if !t.CrossDate.IsZero() {
		cd := t.CrossDate
		rec.CrossDate = &cd
	}
	if !t.LastEvalDate.IsZero() {
		le := t.LastEvalDate
		rec.LastEvalDate = &le
	}
	return rec
}

func alertToRecord(ft fuel.Type, metric string, st *threshold.State) persistence.AlertStateRecord {
	rec := persistence.AlertStateRecord{
		FuelType:         ft.String(),
		Metric:           metric,
		Active:           st.Active,
		BelowCloseStreak: st.BelowCloseStreak,
	}
	if !st.LastOpenedAt.IsZero() {
		at := st.LastOpenedAt
		rec.LastOpenedAt = &at
	}
	if !st.LastEvalAt.IsZero() {
		at := st.LastEvalAt
		rec.LastEvalAt = &at
	}
	return rec
}

// publish pushes the cycle result to the snapshot cache and gauges. Both are
// best-effort: a cache outage never fails a committed cycle.
func (r *Runner) publish(ctx context.Context, ft fuel.Type, day time.Time, reg regime.Regime, series *costbasis.Series, result *risk.Result, tracker delay.Tracker, band threshold.Band, alertActive bool) {
	latest := series.Latest()

	r.metrics.PressureValue.WithLabelValues(ft.String()).Set(latest.PressureValue)
	r.metrics.RiskScore.WithLabelValues(ft.String()).Set(result.Score)
	r.metrics.DelayDays.WithLabelValues(ft.String()).Set(float64(tracker.DelayDays))
	r.metrics.DelayZScore.WithLabelValues(ft.String()).Set(tracker.ZScore)

	if r.snapshots == nil {
		return
	}
	snap := cache.Snapshot{
		FuelType:      ft.String(),
		Date:          day,
		PressureValue: latest.PressureValue,
		Smoothed:      latest.SmoothedIndicator,
		Anchor:        series.BaselineAnchor,
		Trend:         series.Trend.String(),
		Band:          band.String(),
		AlertActive:   alertActive,
		DelayState:    tracker.State.String(),
		DelayDays:     tracker.DelayDays,
		ZScore:        tracker.ZScore,
		AnomalyBand:   delay.InterpretZ(tracker.ZScore).String(),
		RiskScore:     result.Score,
		RiskMode:      result.Mode.String(),
		Regime:        reg.String(),
		LowConfidence: latest.LowConfidence,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := r.snapshots.SetLatest(ctx, snap); err != nil {
		r.log.Warn().Err(err).Str("fuel", ft.String()).Msg("Snapshot cache write failed")
	}
}

func (r *Runner) observeEvents(ft fuel.Type, events []delay.Event) {
	for _, ev := range events {
		if ev.Kind == delay.EpisodeClosed {
			r.metrics.EpisodesClosed.WithLabelValues(ft.String(), ev.Outcome.String()).Inc()
		}
	}
}

// breachComponent maps the pressure alert state into the risk combiner's
// binary threshold-breach component.
func breachComponent(active bool) float64 {
	if active {
		return 1
	}
	return 0
}

func errClass(err error) string {
	switch {
	case errors.Is(err, costbasis.ErrInsufficientData):
		return "insufficient_data"
	case errors.Is(err, delay.ErrCorruptState):
		return "corrupt_state"
	default:
		return "internal"
	}
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
