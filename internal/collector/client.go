// Package collector fetches daily market inputs (international product
// quotes, FX rates, pump prices) from upstream HTTP sources and records them
// as observations. Upstream calls run behind a rate limiter and a circuit
// breaker so a flapping source cannot stall or hammer the pipeline.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/fuelsentry/fuelsentry/internal/domain/fuel"
	"github.com/fuelsentry/fuelsentry/internal/metrics"
	"github.com/fuelsentry/fuelsentry/internal/persistence"
)

// ErrUpstreamStatus is returned when a source responds with a non-200 code.
var ErrUpstreamStatus = errors.New("upstream returned non-OK status")

// Quote is one day of upstream market data for a fuel type.
type Quote struct {
	Date           time.Time `json:"date"`
	FuelType       string    `json:"fuel_type"`
	ReferencePrice float64   `json:"reference_price"`
	ExciseTax      float64   `json:"excise_tax"`
	VATRate        float64   `json:"vat_rate"`
	RetailPrice    *float64  `json:"retail_price,omitempty"`
}

// fxResponse is the upstream FX payload.
type fxResponse struct {
	Date time.Time `json:"date"`
	Rate float64   `json:"rate"`
}

// Config tunes the upstream client.
type Config struct {
	ReferenceURL   string
	FXURL          string
	RequestTimeout time.Duration
	RatePerSecond  float64
	Burst          int
}

// Client fetches and records daily observations.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	obs     persistence.ObservationRepo
	changes persistence.PriceChangeRepo
	metrics *metrics.Collector
	log     zerolog.Logger
}

// NewClient creates a collector client. The breaker trips after five
// consecutive upstream failures and probes again after 30 seconds.
func NewClient(cfg Config, obs persistence.ObservationRepo, changes persistence.PriceChangeRepo, mc *metrics.Collector, log zerolog.Logger) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "market-data",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breaker: breaker,
		obs:     obs,
		changes: changes,
		metrics: mc,
		log:     log.With().Str("component", "collector").Logger(),
	}
}

// CollectDaily fetches quotes and the FX rate for one day and records an
// observation per fuel type. Observations already recorded for the day are
// skipped, so reruns are safe.
func (c *Client) CollectDaily(ctx context.Context, day time.Time) error {
	fxRate, err := c.fetchFX(ctx, day)
	if err != nil {
		return fmt.Errorf("failed to fetch FX rate: %w", err)
	}

	quotes, err := c.fetchQuotes(ctx, day)
	if err != nil {
		return fmt.Errorf("failed to fetch reference quotes: %w", err)
	}

	for _, q := range quotes {
		ft, err := fuel.Parse(q.FuelType)
		if err != nil {
			c.log.Warn().Str("fuel", q.FuelType).Msg("Skipping quote for unknown fuel type")
			continue
		}

		obs := persistence.MarketObservation{
			Date:           day,
			FuelType:       ft.String(),
			ReferencePrice: q.ReferencePrice,
			FXRate:         fxRate,
			RetailPrice:    q.RetailPrice,
			ExciseTax:      q.ExciseTax,
			VATRate:        q.VATRate,
			Source:         c.cfg.ReferenceURL,
		}

		if err := c.recordObservation(ctx, ft, obs); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) recordObservation(ctx context.Context, ft fuel.Type, obs persistence.MarketObservation) error {
	err := c.obs.Insert(ctx, obs)
	if errors.Is(err, persistence.ErrDuplicateObservation) {
		c.log.Debug().
			Str("fuel", ft.String()).
			Time("date", obs.Date).
			Msg("Observation already recorded, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record observation for %s: %w", ft, err)
	}

	if obs.RetailPrice != nil {
		if err := c.detectPriceChange(ctx, ft, obs); err != nil {
			return err
		}
	}

	c.log.Info().
		Str("fuel", ft.String()).
		Time("date", obs.Date).
		Float64("reference", obs.ReferencePrice).
		Float64("fx", obs.FXRate).
		Msg("Recorded market observation")
	return nil
}

// detectPriceChange compares today's pump price to the most recent earlier
// retail observation and inserts a PriceChangeEvent when it moved. The event
// feeds the delay tracker's episode closing on the next cycle.
func (c *Client) detectPriceChange(ctx context.Context, ft fuel.Type, obs persistence.MarketObservation) error {
	window := persistence.DateRange{From: obs.Date.AddDate(0, 0, -30), To: obs.Date.AddDate(0, 0, -1)}
	history, err := c.obs.ListRange(ctx, ft.String(), window)
	if err != nil {
		return fmt.Errorf("failed to load retail history for %s: %w", ft, err)
	}

	var prevRetail *float64
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].RetailPrice != nil {
			prevRetail = history[i].RetailPrice
			break
		}
	}
	if prevRetail == nil {
		// First retail observation seeds the baseline without an event.
		return nil
	}

	magnitude := *obs.RetailPrice - *prevRetail
	if magnitude == 0 {
		return nil
	}

	direction := "increase"
	if magnitude < 0 {
		direction = "decrease"
	}

	ev := persistence.PriceChangeEvent{
		Date:      obs.Date,
		FuelType:  ft.String(),
		Direction: direction,
		Magnitude: magnitude,
		Regime:    "normal",
	}
	if err := c.changes.Insert(ctx, ev); err != nil {
		return fmt.Errorf("failed to record price change for %s: %w", ft, err)
	}

	c.log.Info().
		Str("fuel", ft.String()).
		Str("direction", direction).
		Float64("magnitude", magnitude).
		Msg("Detected retail price change")
	return nil
}

func (c *Client) fetchFX(ctx context.Context, day time.Time) (float64, error) {
	var resp fxResponse
	url := fmt.Sprintf("%s?date=%s", c.cfg.FXURL, day.Format("2006-01-02"))
	if err := c.getJSON(ctx, "fx", url, &resp); err != nil {
		return 0, err
	}
	return resp.Rate, nil
}

func (c *Client) fetchQuotes(ctx context.Context, day time.Time) ([]Quote, error) {
	var quotes []Quote
	url := fmt.Sprintf("%s?date=%s", c.cfg.ReferenceURL, day.Format("2006-01-02"))
	if err := c.getJSON(ctx, "reference", url, &quotes); err != nil {
		return nil, err
	}
	return quotes, nil
}

// getJSON performs one rate-limited, breaker-guarded GET and decodes the
// response body into out.
func (c *Client) getJSON(ctx context.Context, source, url string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait aborted: %w", err)
	}

	body, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("%w: %s from %s", ErrUpstreamStatus, resp.Status, source)
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		c.metrics.CollectorCalls.WithLabelValues(source, "error").Inc()
		return err
	}
	c.metrics.CollectorCalls.WithLabelValues(source, "ok").Inc()

	if err := json.Unmarshal(body.([]byte), out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", source, err)
	}
	return nil
}
