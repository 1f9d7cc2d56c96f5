// Package api exposes a small REST surface over the engine's live state:
// the current position/stats snapshot, the latest book depth, and
// historical trades from the analytics mirror. The dashboard WebSocket
// (internal/dashboard) remains the push-based feed for a live UI; this
// package is for pull-based polling and scripty queries against a single
// running instance.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/ndrandal/hlperp-engine/internal/analytics"
	"github.com/ndrandal/hlperp-engine/internal/market"
	"github.com/ndrandal/hlperp-engine/internal/tradeengine"
)

// Server provides REST API endpoints over one running engine instance.
type Server struct {
	state   func() tradeengine.EngineState
	book    func() market.Snapshot
	mirror  *analytics.Mirror
	clients func() int
	startAt time.Time
}

// NewServer creates a new API server. mirror may be nil (analytics
// disabled), in which case handleTrades falls back to the engine state's
// own in-memory trade tail.
func NewServer(state func() tradeengine.EngineState, book func() market.Snapshot, mirror *analytics.Mirror, clients func() int) *Server {
	return &Server{
		state:   state,
		book:    book,
		mirror:  mirror,
		clients: clients,
		startAt: time.Now(),
	}
}

// Register attaches API routes to the given mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/book", s.handleBook)
	mux.HandleFunc("GET /api/trades", s.handleTrades)
	mux.HandleFunc("GET /api/stats", s.handleStats)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// parseTimeParam parses an RFC3339 query parameter.
func parseTimeParam(r *http.Request, key string) *time.Time {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}
