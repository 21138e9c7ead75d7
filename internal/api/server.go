// Package api exposes the status HTTP interface mounted while a crawl runs.
package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kidsearch/crawler/internal/crawler"
	"github.com/kidsearch/crawler/internal/metrics"
)

// Server serves the read-only run status, health, and Prometheus metrics.
type Server struct {
	router  chi.Router
	log     *zap.Logger
	board   *crawler.StatusBoard
	clock   crawler.Clock
	started time.Time
}

// NewServer constructs a Server with middleware and routes.
func NewServer(board *crawler.StatusBoard, clock crawler.Clock, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		log:     logger,
		board:   board,
		clock:   clock,
		started: clock.Now(),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware(logger))
	r.Use(metricsMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/status", s.status)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Started       time.Time                `json:"started"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Runs          []crawler.StatusSnapshot `json:"runs"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	runs := s.board.Snapshots()
	sort.Slice(runs, func(i, j int) bool { return runs[i].Site < runs[j].Site })

	s.writeJSON(w, http.StatusOK, statusResponse{
		Started:       s.started,
		UptimeSeconds: int64(s.clock.Now().Sub(s.started).Seconds()),
		Runs:          runs,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("write JSON failed", zap.Error(err))
	}
}
