package delay

import (
	"errors"
	"fmt"
	"time"

	"github.com/fuelsentry/fuelsentry/internal/domain/regime"
)

// ErrCorruptState is returned when a tracker violates its own invariants,
// e.g. Watching without a cross date. The cycle for that fuel type aborts;
// other fuel types are unaffected.
var ErrCorruptState = errors.New("delay tracker state corrupt")

// State is the delay-tracking phase for one fuel type.
type State int

const (
	Idle State = iota
	Watching
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Watching:
		return "watching"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Outcome classifies how a watching episode ended.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeFull
	OutcomePartial
	OutcomeAbsorbed
	OutcomeRegimeAbsorbed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFull:
		return "full"
	case OutcomePartial:
		return "partial"
	case OutcomeAbsorbed:
		return "absorbed"
	case OutcomeRegimeAbsorbed:
		return "regime_absorbed"
	default:
		return "none"
	}
}

// Stats holds the historical delay distribution for a regime. The zero value
// means "no calibration data": the z-score stays neutral rather than failing.
type Stats struct {
	MeanDelayDays float64
	StdDelayDays  float64
}

// Tracker is the per-fuel-type delay state carried between daily cycles.
// CrossDate is set if and only if State == Watching. LastEvalDate marks the
// most recent observation day already stepped, making replays of that day
// no-ops: BelowStreak counts calendar days, not evaluations.
type Tracker struct {
	State           State         `json:"state"`
	CrossDate       time.Time     `json:"threshold_cross_date"`
	DelayDays       int           `json:"current_delay_days"`
	PressureAtCross float64       `json:"pressure_at_cross"`
	PressureMax     float64       `json:"pressure_max_since_cross"`
	BelowStreak     int           `json:"below_threshold_streak"`
	Regime          regime.Regime `json:"regime"`
	ZScore          float64       `json:"anomaly_z_score"`
	LastEvalDate    time.Time     `json:"last_eval_date"`
}

// PriceChange is a realized retail price change applied to the tracker.
// Magnitude is signed in pressure units: positive for an increase.
type PriceChange struct {
	Date      time.Time
	Magnitude float64
}

// Input is one day's worth of drive signals for the state machine.
type Input struct {
	Date        time.Time
	Pressure    float64
	Open        float64 // active open threshold for the current regime
	Close       float64 // active close threshold for the current regime
	ResetCount  int     // consecutive below-close days before absorption
	NoiseBand   float64 // residual magnitude treated as fully exhausted
	Regime      regime.Regime
	Stats       Stats
	PriceChange *PriceChange
}

// EventKind tags the transitions a Step can emit.
type EventKind int

const (
	EpisodeOpened EventKind = iota
	EpisodeClosed
	RegimeCarried
)

func (k EventKind) String() string {
	switch k {
	case EpisodeOpened:
		return "episode_opened"
	case EpisodeClosed:
		return "episode_closed"
	case RegimeCarried:
		return "regime_carried"
	default:
		return "unknown"
	}
}

// Event describes one emitted transition for episode logging.
type Event struct {
	Kind            EventKind
	Date            time.Time
	CrossDate       time.Time
	Outcome         Outcome
	DelayDays       int
	PressureAtCross float64
	PressureMax     float64
	ZScore          float64
	Residual        float64 // pressure remaining after a realized change
	Reason          string
}

// Step advances the tracker by one observation day. It is a pure transition
// function: the input tracker is not mutated, and replaying the same inputs
// from the zero tracker always yields the same final state.
func Step(t Tracker, in Input) (Tracker, []Event, error) {
	if err := t.validate(); err != nil {
		return t, nil, err
	}

	// An already-evaluated day is a no-op, so a schedule that runs the cycle
	// more than once per day cannot inflate day-counting streaks. A price
	// change recorded between same-day runs still resolves a watching
	// episode: DelayDays and PressureMax were settled by the first pass.
	if !t.LastEvalDate.IsZero() && !in.Date.After(t.LastEvalDate) {
		if t.State == Watching && in.PriceChange != nil {
			next, events, err := closeOnPriceChange(t, in)
			next.LastEvalDate = in.Date
			return next, events, err
		}
		return t, nil, nil
	}

	var (
		next   Tracker
		events []Event
		err    error
	)
	switch t.State {
	case Idle:
		next, events, err = stepIdle(t, in)
	case Watching:
		next, events, err = stepWatching(t, in)
	default:
		// A persisted terminal state starts the next episode from scratch.
		next = Tracker{State: Idle, Regime: in.Regime}
	}
	if err != nil {
		return next, events, err
	}
	next.LastEvalDate = in.Date
	return next, events, nil
}

func (t Tracker) validate() error {
	if t.State == Watching && t.CrossDate.IsZero() {
		return fmt.Errorf("%w: watching without cross date", ErrCorruptState)
	}
	if t.State != Watching && !t.CrossDate.IsZero() {
		return fmt.Errorf("%w: cross date set in state %s", ErrCorruptState, t.State)
	}
	return nil
}

func stepIdle(t Tracker, in Input) (Tracker, []Event, error) {
	if in.Pressure < in.Open {
		t.Regime = in.Regime
		return t, nil, nil
	}

	next := Tracker{
		State:           Watching,
		CrossDate:       in.Date,
		DelayDays:       0,
		PressureAtCross: in.Pressure,
		PressureMax:     in.Pressure,
		BelowStreak:     0,
		Regime:          in.Regime,
		ZScore:          0,
	}
	ev := Event{
		Kind:            EpisodeOpened,
		Date:            in.Date,
		CrossDate:       in.Date,
		PressureAtCross: in.Pressure,
		PressureMax:     in.Pressure,
		Reason:          fmt.Sprintf("pressure %.4f crossed open threshold %.4f", in.Pressure, in.Open),
	}
	return next, []Event{ev}, nil
}

func stepWatching(t Tracker, in Input) (Tracker, []Event, error) {
	t.DelayDays = elapsedDays(t.CrossDate, in.Date)
	if in.Pressure > t.PressureMax {
		t.PressureMax = in.Pressure
	}
	t.ZScore = ZScore(float64(t.DelayDays), in.Stats)

	// A realized price change resolves the episode before anything else.
	if in.PriceChange != nil {
		return closeOnPriceChange(t, in)
	}

	// Regime switch mid-episode: re-evaluate against the new regime's band.
	// Pressure accumulation is continuous, so the cross date is preserved
	// when the episode survives the switch.
	if in.Regime != t.Regime {
		if in.Pressure < in.Open {
			return closeEpisode(t, in, OutcomeRegimeAbsorbed, in.Pressure,
				fmt.Sprintf("pressure %.4f below new %s open threshold %.4f", in.Pressure, in.Regime, in.Open))
		}
		prev := t.Regime
		t.Regime = in.Regime
		ev := Event{
			Kind:        RegimeCarried,
			Date:        in.Date,
			CrossDate:   t.CrossDate,
			DelayDays:   t.DelayDays,
			PressureMax: t.PressureMax,
			ZScore:      t.ZScore,
			Reason:      fmt.Sprintf("regime %s -> %s, episode continues", prev, in.Regime),
		}
		events := []Event{ev}
		next, more, err := continueWatching(t, in)
		return next, append(events, more...), err
	}

	return continueWatching(t, in)
}

func continueWatching(t Tracker, in Input) (Tracker, []Event, error) {
	if in.Pressure < in.Close {
		t.BelowStreak++
		if t.BelowStreak >= in.ResetCount {
			return closeEpisode(t, in, OutcomeAbsorbed, in.Pressure,
				fmt.Sprintf("%d consecutive observations below close threshold %.4f", t.BelowStreak, in.Close))
		}
		return t, nil, nil
	}

	t.BelowStreak = 0
	return t, nil, nil
}

func closeOnPriceChange(t Tracker, in Input) (Tracker, []Event, error) {
	residual := in.Pressure - in.PriceChange.Magnitude

	if residual >= -in.NoiseBand && residual <= in.NoiseBand {
		return closeEpisode(t, in, OutcomeFull, residual,
			fmt.Sprintf("realized change %.4f exhausted pressure, residual %.4f within noise band", in.PriceChange.Magnitude, residual))
	}

	next, events, err := closeEpisode(t, in, OutcomePartial, residual,
		fmt.Sprintf("partial change %.4f, residual pressure %.4f", in.PriceChange.Magnitude, residual))
	if err != nil {
		return next, events, err
	}

	// A partial change that leaves residual pressure above the open threshold
	// starts a fresh episode today; the old episode is not extended.
	if residual >= in.Open {
		reopened := Tracker{
			State:           Watching,
			CrossDate:       in.Date,
			DelayDays:       0,
			PressureAtCross: residual,
			PressureMax:     residual,
			Regime:          in.Regime,
		}
		events = append(events, Event{
			Kind:            EpisodeOpened,
			Date:            in.Date,
			CrossDate:       in.Date,
			PressureAtCross: residual,
			PressureMax:     residual,
			Reason:          fmt.Sprintf("residual pressure %.4f still above open threshold %.4f", residual, in.Open),
		})
		return reopened, events, nil
	}

	return next, events, nil
}

func closeEpisode(t Tracker, in Input, outcome Outcome, residual float64, reason string) (Tracker, []Event, error) {
	ev := Event{
		Kind:            EpisodeClosed,
		Date:            in.Date,
		CrossDate:       t.CrossDate,
		Outcome:         outcome,
		DelayDays:       t.DelayDays,
		PressureAtCross: t.PressureAtCross,
		PressureMax:     t.PressureMax,
		ZScore:          t.ZScore,
		Residual:        residual,
		Reason:          reason,
	}
	next := Tracker{State: Idle, Regime: in.Regime}
	return next, []Event{ev}, nil
}

func elapsedDays(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}

// ZScore standard-scores a delay against the regime's historical statistics.
// Absent calibration data (zero std) yields a neutral score instead of an
// error: the state machine never fails closed on missing history.
func ZScore(delayDays float64, stats Stats) float64 {
	if stats.StdDelayDays == 0 {
		return 0
	}
	return (delayDays - stats.MeanDelayDays) / stats.StdDelayDays
}

// AnomalyBand is the operator-facing interpretation of a delay z-score.
type AnomalyBand int

const (
	AnomalyNormal AnomalyBand = iota
	AnomalyAttention
	AnomalyAnomalous
)

func (a AnomalyBand) String() string {
	switch a {
	case AnomalyAttention:
		return "attention"
	case AnomalyAnomalous:
		return "anomalous"
	default:
		return "normal"
	}
}

// InterpretZ bands a z-score: below 1.0 normal, 1.0-2.0 attention, 2.0 and
// above anomalous (possible deliberate delay).
func InterpretZ(z float64) AnomalyBand {
	switch {
	case z >= 2.0:
		return AnomalyAnomalous
	case z >= 1.0:
		return AnomalyAttention
	default:
		return AnomalyNormal
	}
}
