// Package http serves the read-only FuelSentry API: health, Prometheus
// metrics, and the latest signal snapshot per fuel type. The API never
// mutates signal state; cycles run only through the scheduler or CLI.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fuelsentry/fuelsentry/internal/cache"
	"github.com/fuelsentry/fuelsentry/internal/domain/fuel"
	"github.com/fuelsentry/fuelsentry/internal/persistence"
)

// Server hosts the HTTP API.
type Server struct {
	srv       *http.Server
	snapshots *cache.Store
	delays    persistence.DelayRepo
	log       zerolog.Logger
}

// NewServer builds the router and wires every endpoint.
func NewServer(addr string, snapshots *cache.Store, delays persistence.DelayRepo, log zerolog.Logger) *Server {
	s := &Server{
		snapshots: snapshots,
		delays:    delays,
		log:       log.With().Str("component", "http").Logger(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/signals", s.handleAllSignals).Methods(http.MethodGet)
	api.HandleFunc("/signals/{fuel}", s.handleSignal).Methods(http.MethodGet)
	api.HandleFunc("/episodes/{fuel}", s.handleEpisodes).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAllSignals(w http.ResponseWriter, r *http.Request) {
	out := make([]*cache.Snapshot, 0, len(fuel.All()))
	for _, ft := range fuel.All() {
		snap, err := s.snapshots.GetLatest(r.Context(), ft.String())
		if errors.Is(err, cache.ErrNotFound) {
			continue
		}
		if err != nil {
			s.log.Error().Err(err).Str("fuel", ft.String()).Msg("Failed to read snapshot")
			writeError(w, http.StatusInternalServerError, "snapshot read failed")
			return
		}
		out = append(out, snap)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"signals": out})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	ft, err := fuel.Parse(mux.Vars(r)["fuel"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := s.snapshots.GetLatest(r.Context(), ft.String())
	if errors.Is(err, cache.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no signal computed yet for "+ft.String())
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("fuel", ft.String()).Msg("Failed to read snapshot")
		writeError(w, http.StatusInternalServerError, "snapshot read failed")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEpisodes(w http.ResponseWriter, r *http.Request) {
	ft, err := fuel.Parse(mux.Vars(r)["fuel"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	episodes, err := s.delays.ListEpisodes(r.Context(), ft.String(), 50)
	if err != nil {
		s.log.Error().Err(err).Str("fuel", ft.String()).Msg("Failed to list episodes")
		writeError(w, http.StatusInternalServerError, "episode query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"fuel_type": ft.String(),
		"episodes":  episodes,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
