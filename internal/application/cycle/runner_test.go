package cycle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuelsentry/fuelsentry/internal/config"
	"github.com/fuelsentry/fuelsentry/internal/domain/costbasis"
	"github.com/fuelsentry/fuelsentry/internal/domain/delay"
	"github.com/fuelsentry/fuelsentry/internal/domain/fuel"
	"github.com/fuelsentry/fuelsentry/internal/metrics"
	"github.com/fuelsentry/fuelsentry/internal/persistence"
)

// fakeStore is an in-memory implementation of every repository interface.
// SaveCycle mutates the tracker and alert-state views the same way the
// postgres transaction does, so replayed cycles see their own prior output.
type fakeStore struct {
	mu           sync.Mutex
	observations map[string][]persistence.MarketObservation
	changes      map[string][]persistence.PriceChangeEvent
	thresholds   []persistence.ThresholdRow
	trackers     map[string]*persistence.TrackerRecord
	alerts       map[string]*persistence.AlertStateRecord
	stats        map[string]map[string]persistence.DelayStats
	cycles       []persistence.CycleRecord
}

func newStore() *fakeStore {
	return &fakeStore{
		observations: make(map[string][]persistence.MarketObservation),
		changes:      make(map[string][]persistence.PriceChangeEvent),
		trackers:     make(map[string]*persistence.TrackerRecord),
		alerts:       make(map[string]*persistence.AlertStateRecord),
		stats:        make(map[string]map[string]persistence.DelayStats),
	}
}

func (s *fakeStore) Insert(ctx context.Context, obs persistence.MarketObservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.observations[obs.FuelType] {
		if existing.Date.Equal(obs.Date) {
			return persistence.ErrDuplicateObservation
		}
	}
	s.observations[obs.FuelType] = append(s.observations[obs.FuelType], obs)
	return nil
}

func (s *fakeStore) ListRange(ctx context.Context, fuelType string, dr persistence.DateRange) ([]persistence.MarketObservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []persistence.MarketObservation
	for _, obs := range s.observations[fuelType] {
		if !obs.Date.Before(dr.From) && !obs.Date.After(dr.To) {
			out = append(out, obs)
		}
	}
	return out, nil
}

func (s *fakeStore) LatestDate(ctx context.Context, fuelType string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest time.Time
	for _, obs := range s.observations[fuelType] {
		if obs.Date.After(latest) {
			latest = obs.Date
		}
	}
	return latest, nil
}

func (s *fakeStore) InsertChange(ctx context.Context, ev persistence.PriceChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes[ev.FuelType] = append(s.changes[ev.FuelType], ev)
	return nil
}

func (s *fakeStore) LastBefore(ctx context.Context, fuelType string, date time.Time) (*persistence.PriceChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *persistence.PriceChangeEvent
	for i := range s.changes[fuelType] {
		ev := s.changes[fuelType][i]
		if !ev.Date.After(date) && (last == nil || ev.Date.After(last.Date)) {
			last = &ev
		}
	}
	return last, nil
}

func (s *fakeStore) ListByFuel(ctx context.Context, fuelType string) ([]persistence.PriceChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]persistence.PriceChangeEvent(nil), s.changes[fuelType]...), nil
}

func (s *fakeStore) On(ctx context.Context, fuelType string, date time.Time) (*persistence.PriceChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.changes[fuelType] {
		if s.changes[fuelType][i].Date.Equal(date) {
			ev := s.changes[fuelType][i]
			return &ev, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ActiveRows(ctx context.Context, at time.Time) ([]persistence.ThresholdRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []persistence.ThresholdRow
	for _, row := range s.thresholds {
		if !row.EffectiveFrom.After(at) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *fakeStore) InsertVersion(ctx context.Context, row persistence.ThresholdRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds = append(s.thresholds, row)
	return nil
}

func (s *fakeStore) Tracker(ctx context.Context, fuelType string) (*persistence.TrackerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.trackers[fuelType]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) AlertState(ctx context.Context, fuelType, metric string) (*persistence.AlertStateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.alerts[fuelType+"/"+metric]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) StatsByRegime(ctx context.Context, fuelType string) (map[string]persistence.DelayStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]persistence.DelayStats, len(s.stats[fuelType]))
	for k, v := range s.stats[fuelType] {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) ListEpisodes(ctx context.Context, fuelType string, limit int) ([]persistence.DelayEpisode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []persistence.DelayEpisode
	for _, rec := range s.cycles {
		if rec.FuelType == fuelType {
			out = append(out, rec.Episodes...)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) RecentSnapshots(ctx context.Context, fuelType string, n int) ([]persistence.CostBasisSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[time.Time]bool)
	var out []persistence.CostBasisSnapshot
	for i := len(s.cycles) - 1; i >= 0 && len(out) < n; i-- {
		rec := s.cycles[i]
		if rec.FuelType != fuelType || seen[rec.Snapshot.Date] {
			continue
		}
		seen[rec.Snapshot.Date] = true
		out = append(out, rec.Snapshot)
	}
	return out, nil
}

func (s *fakeStore) SaveCycle(ctx context.Context, rec persistence.CycleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles = append(s.cycles, rec)
	tracker := rec.Tracker
	s.trackers[rec.FuelType] = &tracker
	for _, st := range rec.AlertStates {
		cp := st
		s.alerts[st.FuelType+"/"+st.Metric] = &cp
	}
	return nil
}

func (s *fakeStore) savedCycles() []persistence.CycleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]persistence.CycleRecord(nil), s.cycles...)
}

type fakeCollectorClient struct {
	calls atomic.Int32
	err   error
}

func (f *fakeCollectorClient) CollectDaily(ctx context.Context, day time.Time) error {
	f.calls.Add(1)
	return f.err
}

func testDay(n int) time.Time {
	return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n-1)
}

func newTestRunner(store *fakeStore, collector DailyCollector) *Runner {
	return newTestRunnerWith(store, collector, config.Default(), metrics.NewCollector(prometheus.NewRegistry()))
}

func newTestRunnerWith(store *fakeStore, collector DailyCollector, cfg *config.Config, mc *metrics.Collector) *Runner {
	repos := Repos{
		Observations: store,
		PriceChanges: priceChangeRepo{store},
		Thresholds:   store,
		Delays:       store,
		Cycles:       store,
	}
	return NewRunner(cfg, repos, collector, nil, mc, zerolog.Nop())
}

// priceChangeRepo adapts the fake's InsertChange to the interface's Insert
// without colliding with the observation Insert method.
type priceChangeRepo struct{ *fakeStore }

func (r priceChangeRepo) Insert(ctx context.Context, ev persistence.PriceChangeEvent) error {
	return r.InsertChange(ctx, ev)
}

// seedForwards writes one observation per day whose forward indicator equals
// the given value: reference = forward x conversion factor at parity FX.
func seedForwards(store *fakeStore, ft fuel.Type, startDay int, forwards []float64) {
	for i, f := range forwards {
		store.observations[ft.String()] = append(store.observations[ft.String()], persistence.MarketObservation{
			Date:           testDay(startDay + i),
			FuelType:       ft.String(),
			ReferencePrice: f * ft.ConversionFactor(),
			FXRate:         1.0,
			ExciseTax:      2.5,
			VATRate:        0.18,
			Source:         "test",
		})
	}
}

// risingForwards is a ten-day path that starts flat and then climbs 0.6 per
// day, ending at pressure 3.0 against the day-one anchor.
func risingForwards(base float64) []float64 {
	return []float64{
		base, base, base,
		base + 0.6, base + 1.2, base + 1.8, base + 2.4,
		base + 3.0, base + 3.6, base + 4.2,
	}
}

func TestRunFuelOpensAlertAndTracker(t *testing.T) {
	store := newStore()
	seedForwards(store, fuel.Gasoline, 1, risingForwards(20))

	r := newTestRunner(store, nil)
	require.NoError(t, r.RunFuel(context.Background(), fuel.Gasoline, testDay(10)))

	cycles := store.savedCycles()
	require.Len(t, cycles, 1)
	rec := cycles[0]

	assert.Equal(t, "gasoline", rec.FuelType)
	assert.InDelta(t, 3.0, rec.Snapshot.PressureValue, 1e-9)
	assert.InDelta(t, 20.0, rec.Snapshot.BaselineAnchor, 1e-9)
	assert.Equal(t, "increase", rec.Snapshot.Trend)

	// Pressure 3.0 is far above the default 0.70 open threshold.
	assert.Equal(t, "watching", rec.Tracker.State)
	require.NotNil(t, rec.Tracker.CrossDate)
	assert.Equal(t, testDay(10), *rec.Tracker.CrossDate)
	assert.Equal(t, 0, rec.Tracker.DelayDays)

	require.Len(t, rec.AlertStates, 2)
	assert.True(t, rec.AlertStates[0].Active, "pressure alert should open")
	assert.InDelta(t, 1.0, rec.Risk.ThresholdBreach, 1e-9)
	assert.Empty(t, rec.Episodes, "opening an episode writes no closed-episode row")
}

func TestRunFuelQuietMarketStaysIdle(t *testing.T) {
	store := newStore()
	flat := make([]float64, 10)
	for i := range flat {
		flat[i] = 20.0
	}
	seedForwards(store, fuel.Diesel, 1, flat)

	r := newTestRunner(store, nil)
	require.NoError(t, r.RunFuel(context.Background(), fuel.Diesel, testDay(10)))

	cycles := store.savedCycles()
	require.Len(t, cycles, 1)
	rec := cycles[0]

	assert.InDelta(t, 0.0, rec.Snapshot.PressureValue, 1e-9)
	assert.Equal(t, "idle", rec.Tracker.State)
	assert.Nil(t, rec.Tracker.CrossDate)
	assert.False(t, rec.AlertStates[0].Active)
	assert.Equal(t, "normal", rec.Risk.Mode)
}

func TestRunFuelUsesStoredThresholds(t *testing.T) {
	store := newStore()
	seedForwards(store, fuel.Gasoline, 1, risingForwards(20))
	store.thresholds = []persistence.ThresholdRow{{
		Metric:        "pressure_value",
		Regime:        "normal",
		OpenValue:     5.0,
		CloseValue:    4.0,
		CloseStreak:   5,
		CooldownSecs:  3600,
		Version:       3,
		EffectiveFrom: testDay(1),
	}}

	r := newTestRunner(store, nil)
	require.NoError(t, r.RunFuel(context.Background(), fuel.Gasoline, testDay(10)))

	rec := store.savedCycles()[0]

	// Pressure 3.0 stays below the stored 5.0 band: no alert, no episode.
	assert.Equal(t, "idle", rec.Tracker.State)
	assert.False(t, rec.AlertStates[0].Active)
	assert.InDelta(t, 0.0, rec.Risk.ThresholdBreach, 1e-9)
}

func TestRunFuelCorruptTrackerFails(t *testing.T) {
	store := newStore()
	seedForwards(store, fuel.Gasoline, 1, risingForwards(20))
	store.trackers["gasoline"] = &persistence.TrackerRecord{
		FuelType: "gasoline",
		State:    "wobbling",
		Regime:   "normal",
	}

	r := newTestRunner(store, nil)
	err := r.RunFuel(context.Background(), fuel.Gasoline, testDay(10))
	assert.ErrorIs(t, err, delay.ErrCorruptState)
	assert.Empty(t, store.savedCycles(), "a failed cycle commits nothing")
}

func TestRunAllIsolatesFuelFailures(t *testing.T) {
	store := newStore()
	// Only gasoline has observations; diesel and lpg must fail without
	// blocking it.
	seedForwards(store, fuel.Gasoline, 1, risingForwards(20))

	r := newTestRunner(store, nil)
	err := r.RunAll(context.Background(), testDay(10))

	assert.ErrorIs(t, err, costbasis.ErrInsufficientData)
	cycles := store.savedCycles()
	require.Len(t, cycles, 1)
	assert.Equal(t, "gasoline", cycles[0].FuelType)
}

func TestRunAllToleratesCollectorFailure(t *testing.T) {
	store := newStore()
	for _, ft := range fuel.All() {
		seedForwards(store, ft, 1, risingForwards(20))
	}
	collector := &fakeCollectorClient{err: context.DeadlineExceeded}

	r := newTestRunner(store, collector)
	err := r.RunAll(context.Background(), testDay(10))

	assert.NoError(t, err, "cycles run on stored observations when collection fails")
	assert.Equal(t, int32(1), collector.calls.Load())
	assert.Len(t, store.savedCycles(), 3)
}

func TestRunFuelReplayIsIdempotent(t *testing.T) {
	store := newStore()
	seedForwards(store, fuel.Gasoline, 1, risingForwards(20))

	r := newTestRunner(store, nil)
	require.NoError(t, r.RunFuel(context.Background(), fuel.Gasoline, testDay(10)))
	require.NoError(t, r.RunFuel(context.Background(), fuel.Gasoline, testDay(10)))

	cycles := store.savedCycles()
	require.Len(t, cycles, 2)
	first, second := cycles[0], cycles[1]

	assert.Equal(t, first.Snapshot, second.Snapshot)
	assert.Equal(t, first.Risk, second.Risk)
	assert.Equal(t, first.Tracker.State, second.Tracker.State)
	assert.Equal(t, first.Tracker.CrossDate, second.Tracker.CrossDate)
	assert.Equal(t, first.Tracker.DelayDays, second.Tracker.DelayDays)
	assert.Empty(t, second.Episodes, "replay must not reopen or reclose episodes")
	assert.Equal(t, first.AlertStates, second.AlertStates)
}

// A twice-daily schedule re-runs the cycle for the same calendar day. Both
// the delay tracker's below streak and the alert release streak must count
// days, not runs: five below-close days are five days, not two and a half.
func TestRunFuelTwiceDailyKeepsDayStreaks(t *testing.T) {
	store := newStore()
	flat := make([]float64, 10)
	for i := range flat {
		flat[i] = 20.4
	}
	seedForwards(store, fuel.Gasoline, 1, flat)
	store.trackers["gasoline"] = &persistence.TrackerRecord{
		FuelType:        "gasoline",
		State:           "watching",
		CrossDate:       timePtr(testDay(6)),
		PressureAtCross: 0.9,
		PressureMax:     1.1,
		Regime:          "normal",
	}
	store.alerts["gasoline/pressure_value"] = &persistence.AlertStateRecord{
		FuelType:     "gasoline",
		Metric:       "pressure_value",
		Active:       true,
		LastOpenedAt: timePtr(testDay(6)),
	}

	r := newTestRunner(store, nil)
	require.NoError(t, r.RunFuel(context.Background(), fuel.Gasoline, testDay(10)))
	require.NoError(t, r.RunFuel(context.Background(), fuel.Gasoline, testDay(10)))

	cycles := store.savedCycles()
	require.Len(t, cycles, 2)
	rec := cycles[1]

	// Pressure 0 sits below close on one calendar day cycled twice.
	assert.Equal(t, "watching", rec.Tracker.State)
	assert.Equal(t, 1, rec.Tracker.BelowStreak)
	assert.True(t, rec.AlertStates[0].Active)
	assert.Equal(t, 1, rec.AlertStates[0].BelowCloseStreak)
	assert.Empty(t, rec.Episodes)
}

// An administrative regime switch blends the old and new smoothing windows
// instead of jumping between them.
func TestRunFuelBlendsAcrossRegimeSwitch(t *testing.T) {
	store := newStore()
	seedForwards(store, fuel.Gasoline, 1, risingForwards(20))
	// Yesterday's persisted cycle ran under the election regime (window 7);
	// today's active regime is normal (window 5).
	store.cycles = append(store.cycles, persistence.CycleRecord{
		FuelType: "gasoline",
		Date:     testDay(9),
		Snapshot: persistence.CostBasisSnapshot{
			Date:     testDay(9),
			FuelType: "gasoline",
			Regime:   "election",
		},
	})

	r := newTestRunner(store, nil)
	require.NoError(t, r.RunFuel(context.Background(), fuel.Gasoline, testDay(10)))

	cycles := store.savedCycles()
	require.Len(t, cycles, 2)
	rec := cycles[1]

	// Day 10 is the first blend step: 0.8 x window-7 SMA + 0.2 x window-5
	// SMA = 0.8 x 22.4 + 0.2 x 23.0.
	assert.Equal(t, "normal", rec.Snapshot.Regime)
	assert.InDelta(t, 22.52, rec.Snapshot.SmoothedIndicator, 1e-9)
	assert.InDelta(t, 2.52, rec.Snapshot.PressureValue, 1e-9)
}

type fixedAdvisory struct{ p float64 }

func (f fixedAdvisory) Advisory(ctx context.Context, ft fuel.Type, day time.Time) (*float64, error) {
	p := f.p
	return &p, nil
}

func TestRunFuelBlendsAdvisoryScore(t *testing.T) {
	store := newStore()
	flat := make([]float64, 10)
	for i := range flat {
		flat[i] = 20.0
	}
	seedForwards(store, fuel.Diesel, 1, flat)

	cfg := config.Default()
	cfg.Core.AdvisoryWeight = 0.5
	r := newTestRunnerWith(store, nil, cfg, metrics.NewCollector(prometheus.NewRegistry()))
	r.WithAdvisory(fixedAdvisory{p: 1.0})
	require.NoError(t, r.RunFuel(context.Background(), fuel.Diesel, testDay(10)))

	rec := store.savedCycles()[0]

	// The flat market's deterministic score is the neutral trend component
	// alone: 0.15 x 0.5 = 0.075. Blended half-and-half with advisory 1.0.
	assert.InDelta(t, 0.5*0.075+0.5*1.0, rec.Risk.Score, 1e-9)
	assert.Equal(t, "normal", rec.Risk.Mode)
}

// An alert reopening inside the cooldown window flips state but suppresses
// the notification; a fresh open delivers it.
func TestRunFuelSuppressesReopenInsideCooldown(t *testing.T) {
	store := newStore()
	seedForwards(store, fuel.Gasoline, 1, risingForwards(20))
	store.alerts["gasoline/pressure_value"] = &persistence.AlertStateRecord{
		FuelType:     "gasoline",
		Metric:       "pressure_value",
		Active:       false,
		LastOpenedAt: timePtr(testDay(10).Add(-6 * time.Hour)),
	}

	mc := metrics.NewCollector(prometheus.NewRegistry())
	r := newTestRunnerWith(store, nil, config.Default(), mc)
	require.NoError(t, r.RunFuel(context.Background(), fuel.Gasoline, testDay(10)))

	assert.Equal(t, 1.0, testutil.ToFloat64(mc.AlertNotifications.WithLabelValues("gasoline", "pressure_value", "suppressed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(mc.AlertNotifications.WithLabelValues("gasoline", "pressure_value", "delivered")))
	assert.True(t, store.savedCycles()[0].AlertStates[0].Active, "suppression gates delivery, not the state machine")

	// The same open without a recent prior delivers.
	fresh := newStore()
	seedForwards(fresh, fuel.Gasoline, 1, risingForwards(20))
	mc2 := metrics.NewCollector(prometheus.NewRegistry())
	r2 := newTestRunnerWith(fresh, nil, config.Default(), mc2)
	require.NoError(t, r2.RunFuel(context.Background(), fuel.Gasoline, testDay(10)))
	assert.Equal(t, 1.0, testutil.ToFloat64(mc2.AlertNotifications.WithLabelValues("gasoline", "pressure_value", "delivered")))
}

func TestRunFuelClosesEpisodeOnPriceChange(t *testing.T) {
	store := newStore()
	seedForwards(store, fuel.Gasoline, 1, risingForwards(20))
	// Day 9's cycle opened an episode; a realized change on day 10 covering
	// the accumulated pressure closes it.
	store.trackers["gasoline"] = &persistence.TrackerRecord{
		FuelType:        "gasoline",
		State:           "watching",
		CrossDate:       timePtr(testDay(8)),
		DelayDays:       1,
		PressureAtCross: 1.8,
		PressureMax:     2.4,
		Regime:          "normal",
	}
	store.changes["gasoline"] = []persistence.PriceChangeEvent{{
		Date:      testDay(10),
		FuelType:  "gasoline",
		Direction: "increase",
		Magnitude: 2.9,
		Regime:    "normal",
	}}

	r := newTestRunner(store, nil)
	require.NoError(t, r.RunFuel(context.Background(), fuel.Gasoline, testDay(10)))

	rec := store.savedCycles()[0]
	require.Len(t, rec.Episodes, 1)
	ep := rec.Episodes[0]
	assert.Equal(t, "full", ep.Outcome)
	assert.Equal(t, testDay(8), ep.CrossDate)
	assert.Equal(t, testDay(10), ep.ClosedAt)
	assert.Equal(t, 2, ep.DelayDays)
	assert.NotEmpty(t, ep.ID)
	assert.Equal(t, "idle", rec.Tracker.State)
}

func timePtr(t time.Time) *time.Time { return &t }
