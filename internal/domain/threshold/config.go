package threshold

import (
	"fmt"
	"sort"
	"time"

	"github.com/fuelsentry/fuelsentry/internal/domain/fuel"
	"github.com/fuelsentry/fuelsentry/internal/domain/regime"
)

// Metric names the signal a threshold applies to.
const (
	MetricPressure  = "pressure_value"
	MetricRiskScore = "risk_score"
)

// Config is one versioned hysteresis band for a (fuel|global, metric, regime)
// tuple. Superseding configs never mutate history in place: updates append a
// new row with a later version and effective-from timestamp.
type Config struct {
	FuelType      *fuel.Type    `yaml:"fuel_type,omitempty"` // nil applies to all fuel types
	Metric        string        `yaml:"metric"`
	Regime        regime.Regime `yaml:"regime"`
	Open          float64       `yaml:"open"`
	Close         float64       `yaml:"close"`
	CloseStreak   int           `yaml:"close_streak"` // consecutive obs at/below close required to release
	Cooldown      time.Duration `yaml:"cooldown"`
	Version       int           `yaml:"version"`
	EffectiveFrom time.Time     `yaml:"effective_from"`
}

// Validate rejects inconsistent configuration at write/load time. An open
// threshold at or below its close threshold would defeat the hysteresis gap
// and is a fatal operator error, never a runtime condition.
func (c Config) Validate() error {
	if c.Metric == "" {
		return fmt.Errorf("threshold config missing metric name")
	}
	if c.Open <= c.Close {
		return fmt.Errorf("threshold config for %s/%s: open %.4f must exceed close %.4f",
			c.Metric, c.Regime, c.Open, c.Close)
	}
	if c.CloseStreak < 1 {
		return fmt.Errorf("threshold config for %s/%s: close streak must be at least 1", c.Metric, c.Regime)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("threshold config for %s/%s: negative cooldown", c.Metric, c.Regime)
	}
	return nil
}

// Set is the frozen collection of active threshold configs for one cycle.
// Lookups prefer a fuel-specific row over a global one.
type Set struct {
	configs []Config
}

// NewSet validates and freezes a collection of configs, keeping only the
// highest version per (fuel, metric, regime) tuple.
func NewSet(configs []Config) (*Set, error) {
	for _, c := range configs {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}

	latest := make(map[string]Config)
	for _, c := range configs {
		key := setKey(c.FuelType, c.Metric, c.Regime)
		if cur, ok := latest[key]; !ok || c.Version > cur.Version {
			latest[key] = c
		}
	}

	out := make([]Config, 0, len(latest))
	for _, c := range latest {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return setKey(out[i].FuelType, out[i].Metric, out[i].Regime) <
			setKey(out[j].FuelType, out[j].Metric, out[j].Regime)
	})
	return &Set{configs: out}, nil
}

func setKey(ft *fuel.Type, metric string, reg regime.Regime) string {
	f := "*"
	if ft != nil {
		f = ft.String()
	}
	return f + "/" + metric + "/" + reg.String()
}

// Lookup returns the active config for a fuel type, metric, and regime.
// A fuel-specific row wins over a global one; regime modifiers from the
// regime parameter table are applied to the returned copy.
func (s *Set) Lookup(ft fuel.Type, metric string, reg regime.Regime, params regime.Params) (Config, bool) {
	var global *Config
	for i := range s.configs {
		c := &s.configs[i]
		if c.Metric != metric || c.Regime != reg {
			continue
		}
		if c.FuelType != nil && *c.FuelType == ft {
			return applyModifier(*c, params), true
		}
		if c.FuelType == nil {
			global = c
		}
	}
	if global != nil {
		return applyModifier(*global, params), true
	}
	return Config{}, false
}

// applyModifier scales the band for the active regime without mutating the
// stored config.
func applyModifier(c Config, params regime.Params) Config {
	m := params.ThresholdModifier
	if m <= 0 || m == 1 {
		return c
	}
	c.Open *= m
	c.Close *= m
	return c
}

// Configs returns the frozen config rows, for persistence and inspection.
func (s *Set) Configs() []Config {
	out := make([]Config, len(s.configs))
	copy(out, s.configs)
	return out
}

// DefaultConfigs returns the built-in seed thresholds applied on first run,
// before any calibration has produced versioned rows.
func DefaultConfigs() []Config {
	now := time.Now().UTC()
	var out []Config
	for _, reg := range regime.All() {
		out = append(out,
			Config{Metric: MetricPressure, Regime: reg, Open: 0.70, Close: 0.55, CloseStreak: 5, Cooldown: 12 * time.Hour, Version: 1, EffectiveFrom: now},
			Config{Metric: MetricRiskScore, Regime: reg, Open: 0.60, Close: 0.45, CloseStreak: 3, Cooldown: 24 * time.Hour, Version: 1, EffectiveFrom: now},
		)
	}
	return out
}
