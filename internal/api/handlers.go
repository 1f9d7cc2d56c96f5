package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ndrandal/hlperp-engine/internal/statestore"
)

// handleState returns the full persisted-shape engine snapshot: open
// position, running stats, last decision, and safety posture.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.state())
}

type depthResponse struct {
	Bids     []levelJSON `json:"bids"`
	Asks     []levelJSON `json:"asks"`
	BestBid  float64     `json:"bestBid"`
	BestAsk  float64     `json:"bestAsk"`
	MidPrice float64     `json:"midPrice"`
	Spread   float64     `json:"spread"`
	Ts       time.Time   `json:"ts"`
}

type levelJSON struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// handleBook returns the latest top-of-book depth levels.
func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	snap := s.book()

	resp := depthResponse{
		BestBid:  snap.BestBid,
		BestAsk:  snap.BestAsk,
		MidPrice: snap.Mid,
		Ts:       snap.Ts,
	}
	if snap.BestBid > 0 && snap.BestAsk > 0 {
		resp.Spread = snap.BestAsk - snap.BestBid
	}
	resp.Bids = make([]levelJSON, len(snap.Bids))
	for i, lvl := range snap.Bids {
		resp.Bids[i] = levelJSON{Price: lvl.Price, Size: lvl.Size}
	}
	resp.Asks = make([]levelJSON, len(snap.Asks))
	for i, lvl := range snap.Asks {
		resp.Asks[i] = levelJSON{Price: lvl.Price, Size: lvl.Size}
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleTrades returns closed trades, newest first. When the analytics
// mirror is connected it serves from MongoDB (so history survives a
// restart); otherwise it falls back to the engine state's own in-memory
// trade tail.
func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := int64(parseIntParam(r, "limit", 100))
	since := parseTimeParam(r, "from")

	if s.mirror == nil {
		writeJSON(w, http.StatusOK, fallbackTrades(s.state().Trades, int(limit)))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var (
		trades []statestore.TradeRecord
		err    error
	)
	if since != nil {
		trades, err = s.mirror.TradesSince(ctx, *since)
	} else {
		trades, err = s.mirror.RecentTrades(ctx, limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, trades)
}

// fallbackTrades returns up to limit of the most recent trades, newest
// first, from the engine's own (unbounded) in-memory trade log.
func fallbackTrades(trades []statestore.TradeRecord, limit int) []statestore.TradeRecord {
	if limit <= 0 || limit > len(trades) {
		limit = len(trades)
	}
	out := make([]statestore.TradeRecord, limit)
	for i := 0; i < limit; i++ {
		out[i] = trades[len(trades)-1-i]
	}
	return out
}

type statsResponse struct {
	Uptime         string  `json:"uptime"`
	Clients        int     `json:"clients"`
	TotalTrades    int     `json:"totalTrades"`
	Wins           int     `json:"wins"`
	Losses         int     `json:"losses"`
	RealizedPnlUsd float64 `json:"realizedPnlUsd"`
}

// handleStats returns runtime and aggregate trade-performance statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.state().Stats
	writeJSON(w, http.StatusOK, statsResponse{
		Uptime:         time.Since(s.startAt).Truncate(time.Second).String(),
		Clients:        s.clients(),
		TotalTrades:    st.TotalTrades,
		Wins:           st.Wins,
		Losses:         st.Losses,
		RealizedPnlUsd: st.RealizedPnlUsd,
	})
}
