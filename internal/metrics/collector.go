// Package metrics exposes Prometheus instrumentation for the signal core
// and its collaborators.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every FuelSentry metric. One instance is created at
// startup and shared by the cycle runner, collector client, and HTTP layer.
type Collector struct {
	CycleDuration      *prometheus.HistogramVec
	CycleErrors        *prometheus.CounterVec
	AlertEdges         *prometheus.CounterVec
	AlertNotifications *prometheus.CounterVec
	EpisodesClosed     *prometheus.CounterVec
	PressureValue      *prometheus.GaugeVec
	RiskScore          *prometheus.GaugeVec
	DelayDays          *prometheus.GaugeVec
	DelayZScore        *prometheus.GaugeVec
	CostGap            *prometheus.GaugeVec
	CollectorCalls     *prometheus.CounterVec
	CarriedForward     *prometheus.CounterVec
	ThresholdUpdate    *prometheus.CounterVec
}

// NewCollector creates and registers the metric set on the given registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fuelsentry_cycle_duration_seconds",
				Help:    "Duration of one fuel type's signal cycle",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"fuel", "result"},
		),
		CycleErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fuelsentry_cycle_errors_total",
				Help: "Failed fuel-type cycles by error class",
			},
			[]string{"fuel", "class"},
		),
		AlertEdges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fuelsentry_alert_edges_total",
				Help: "Hysteresis open/close edge events",
			},
			[]string{"fuel", "metric", "edge"},
		),
		AlertNotifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fuelsentry_alert_notifications_total",
				Help: "Alert-open notifications by delivery result; reopens inside the cooldown window are suppressed",
			},
			[]string{"fuel", "metric", "result"},
		),
		EpisodesClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fuelsentry_delay_episodes_closed_total",
				Help: "Delay episodes closed by outcome",
			},
			[]string{"fuel", "outcome"},
		),
		PressureValue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fuelsentry_pressure_value",
				Help: "Latest cost-basis pressure value per fuel type",
			},
			[]string{"fuel"},
		),
		RiskScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fuelsentry_risk_score",
				Help: "Latest composite risk score per fuel type",
			},
			[]string{"fuel"},
		),
		DelayDays: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fuelsentry_delay_days",
				Help: "Current political delay in days per fuel type",
			},
			[]string{"fuel"},
		),
		DelayZScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fuelsentry_delay_z_score",
				Help: "Delay anomaly z-score per fuel type",
			},
			[]string{"fuel"},
		),
		CostGap: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fuelsentry_cost_gap",
				Help: "Pump price minus theoretical cost from the latest retail decomposition",
			},
			[]string{"fuel"},
		),
		CollectorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fuelsentry_collector_requests_total",
				Help: "Upstream market-data requests by source and result",
			},
			[]string{"source", "result"},
		),
		CarriedForward: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fuelsentry_carried_forward_total",
				Help: "Observations gap-filled by carry-forward",
			},
			[]string{"fuel"},
		),
		ThresholdUpdate: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fuelsentry_threshold_updates_total",
				Help: "Calibrated threshold versions written",
			},
			[]string{"metric", "regime"},
		),
	}

	reg.MustRegister(
		c.CycleDuration, c.CycleErrors, c.AlertEdges, c.AlertNotifications,
		c.EpisodesClosed, c.PressureValue, c.RiskScore, c.DelayDays,
		c.DelayZScore, c.CostGap, c.CollectorCalls, c.CarriedForward,
		c.ThresholdUpdate,
	)
	return c
}

// NewDefaultCollector registers against the global Prometheus registry.
func NewDefaultCollector() *Collector {
	return NewCollector(prometheus.DefaultRegisterer)
}
