// Package cache keeps the latest signal snapshot per fuel type in Redis so
// presentation consumers (dashboard, bot, API) read without touching the
// database or the core.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no snapshot is cached for a fuel type.
var ErrNotFound = errors.New("no cached snapshot for fuel type")

// Snapshot is the presentation-ready summary of one fuel type's latest cycle.
type Snapshot struct {
	FuelType      string    `json:"fuel_type"`
	Date          time.Time `json:"date"`
	PressureValue float64   `json:"pressure_value"`
	Smoothed      float64   `json:"smoothed_indicator"`
	Anchor        float64   `json:"baseline_anchor"`
	Trend         string    `json:"trend"`
	Band          string    `json:"band"`
	AlertActive   bool      `json:"alert_active"`
	DelayState    string    `json:"delay_state"`
	DelayDays     int       `json:"delay_days"`
	ZScore        float64   `json:"anomaly_z_score"`
	AnomalyBand   string    `json:"anomaly_band"`
	RiskScore     float64   `json:"risk_score"`
	RiskMode      string    `json:"risk_mode"`
	Regime        string    `json:"regime"`
	LowConfidence bool      `json:"low_confidence"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store wraps the Redis client for snapshot reads and writes.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore creates a snapshot store with the given TTL.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func key(fuelType string) string {
	return "fuelsentry:snapshot:" + fuelType
}

// SetLatest writes the snapshot for a fuel type with the store TTL.
func (s *Store) SetLatest(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, key(snap.FuelType), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache snapshot for %s: %w", snap.FuelType, err)
	}
	return nil
}

// GetLatest reads the cached snapshot for a fuel type.
func (s *Store) GetLatest(ctx context.Context, fuelType string) (*Snapshot, error) {
	data, err := s.client.Get(ctx, key(fuelType)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached snapshot for %s: %w", fuelType, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode cached snapshot for %s: %w", fuelType, err)
	}
	return &snap, nil
}
