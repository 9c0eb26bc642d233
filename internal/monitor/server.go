// Package monitor serves the terminal's operational HTTP surface: health,
// Prometheus metrics, and a read-only view into open parking sessions.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/openpark/parkd/internal/ledger"
)

// Server is the monitoring HTTP server. It only ever reads the ledger.
type Server struct {
	store ledger.Store
	srv   *http.Server
}

// New builds a monitor server on addr exposing the given metrics registry
// and ledger.
func New(addr string, store ledger.Store, reg *prometheus.Registry) *Server {
	s := &Server{store: store}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{plate}/open", s.handleOpenSession).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("monitor server listening")
		errc <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type openSessionResponse struct {
	Plate     string    `json:"plate"`
	EntryTime time.Time `json:"entry_time"`
	OpenFor   string    `json:"open_for"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	plate := mux.Vars(r)["plate"]

	sess, err := s.store.FindLatestUnsettled(r.Context(), plate)
	if errors.Is(err, ledger.ErrNoOpenSession) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no open session"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("plate", plate).Msg("open session lookup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "ledger unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, openSessionResponse{
		Plate:     sess.Plate,
		EntryTime: sess.EntryTime,
		OpenFor:   time.Since(sess.EntryTime).Round(time.Second).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("monitor response encode failed")
	}
}
