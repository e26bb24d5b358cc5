package threshold

import "time"

// Band places a metric value relative to the active hysteresis band.
type Band int

const (
	Below Band = iota
	InBand
	Above
)

func (b Band) String() string {
	switch b {
	case Below:
		return "below"
	case InBand:
		return "in_band"
	case Above:
		return "above"
	default:
		return "unknown"
	}
}

// Edge is the alert transition produced by a classification step.
type Edge int

const (
	EdgeNone Edge = iota
	EdgeOpen
	EdgeClose
)

func (e Edge) String() string {
	switch e {
	case EdgeOpen:
		return "open"
	case EdgeClose:
		return "close"
	default:
		return "none"
	}
}

// Classify places a value against the band without any hysteresis memory.
func Classify(value float64, cfg Config) Band {
	switch {
	case value >= cfg.Open:
		return Above
	case value <= cfg.Close:
		return Below
	default:
		return InBand
	}
}

// State carries the hysteresis memory for one (fuel, metric) pair between
// observation cycles. The zero value is a released (inactive) alert.
// LastEvalAt marks the most recent observation time already stepped.
type State struct {
	Active           bool      `json:"active"`
	BelowCloseStreak int       `json:"below_close_streak"`
	LastOpenedAt     time.Time `json:"last_opened_at"`
	LastEvalAt       time.Time `json:"last_eval_at"`
}

// Step classifies the current value and advances the hysteresis state.
// Opening requires the value to reach the open threshold. Once open, the
// alert does not release until the value has stayed at or below the close
// threshold for cfg.CloseStreak consecutive observations, which prevents
// oscillation around a single level. Re-stepping an already-evaluated
// observation time is a no-op: the streak counts observation days, not
// evaluations, so a twice-daily schedule cannot release an alert early.
func (s *State) Step(value float64, at time.Time, cfg Config) (Band, Edge) {
	band := Classify(value, cfg)

	if !s.LastEvalAt.IsZero() && !at.After(s.LastEvalAt) {
		return band, EdgeNone
	}
	s.LastEvalAt = at

	if !s.Active {
		if value >= cfg.Open {
			s.Active = true
			s.BelowCloseStreak = 0
			s.LastOpenedAt = at
			return band, EdgeOpen
		}
		return band, EdgeNone
	}

	if value <= cfg.Close {
		s.BelowCloseStreak++
		if s.BelowCloseStreak >= cfg.CloseStreak {
			s.Active = false
			s.BelowCloseStreak = 0
			return band, EdgeClose
		}
		return band, EdgeNone
	}

	s.BelowCloseStreak = 0
	return band, EdgeNone
}

// CooldownElapsed reports whether enough time has passed since the last open
// edge for another alert delivery. It gates notification fan-out, not the
// state machine itself.
func (s *State) CooldownElapsed(now time.Time, cfg Config) bool {
	if s.LastOpenedAt.IsZero() {
		return true
	}
	return now.Sub(s.LastOpenedAt) >= cfg.Cooldown
}
