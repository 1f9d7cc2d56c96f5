package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ndrandal/hlperp-engine/internal/market"
	"github.com/ndrandal/hlperp-engine/internal/statestore"
	"github.com/ndrandal/hlperp-engine/internal/tradeengine"
)

func newTestServer(state tradeengine.EngineState, snap market.Snapshot, clientCount int) (*Server, *http.ServeMux) {
	srv := NewServer(
		func() tradeengine.EngineState { return state },
		func() market.Snapshot { return snap },
		nil,
		func() int { return clientCount },
	)
	mux := http.NewServeMux()
	srv.Register(mux)
	return srv, mux
}

func mustDecodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode JSON: %v", err)
	}
}

func TestHandleState(t *testing.T) {
	state := tradeengine.EngineState{Stats: tradeengine.Stats{TotalTrades: 3}}
	_, mux := newTestServer(state, market.Snapshot{}, 0)

	req := httptest.NewRequest("GET", "/api/state", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out map[string]any
	mustDecodeJSON(t, w.Result(), &out)
	if _, ok := out["stats"]; !ok {
		t.Error("missing stats field in state response")
	}
}

func TestHandleBook(t *testing.T) {
	snap := market.Snapshot{
		BestBid: 99.5,
		BestAsk: 100.5,
		Mid:     100,
		Bids:    []market.Level{{Price: 99.5, Size: 10}},
		Asks:    []market.Level{{Price: 100.5, Size: 8}},
	}
	_, mux := newTestServer(tradeengine.EngineState{}, snap, 0)

	req := httptest.NewRequest("GET", "/api/book", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out depthResponse
	mustDecodeJSON(t, w.Result(), &out)
	if out.Spread != 1 {
		t.Errorf("expected spread 1, got %f", out.Spread)
	}
	if len(out.Bids) != 1 || len(out.Asks) != 1 {
		t.Errorf("expected one level per side, got bids=%d asks=%d", len(out.Bids), len(out.Asks))
	}
}

func TestHandleTradesFallbackNoMirror(t *testing.T) {
	state := tradeengine.EngineState{
		Trades: []statestore.TradeRecord{
			{TradeID: "a", RealizedPnlUsd: 10},
			{TradeID: "b", RealizedPnlUsd: -5},
			{TradeID: "c", RealizedPnlUsd: 20},
		},
	}
	_, mux := newTestServer(state, market.Snapshot{}, 0)

	req := httptest.NewRequest("GET", "/api/trades?limit=2", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out []statestore.TradeRecord
	mustDecodeJSON(t, w.Result(), &out)
	if len(out) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(out))
	}
	if out[0].TradeID != "c" {
		t.Errorf("expected newest trade first (c), got %s", out[0].TradeID)
	}
}

func TestHandleStats(t *testing.T) {
	state := tradeengine.EngineState{
		Stats: tradeengine.Stats{TotalTrades: 42, Wins: 30, Losses: 12, RealizedPnlUsd: 1234.5},
	}
	_, mux := newTestServer(state, market.Snapshot{}, 3)

	req := httptest.NewRequest("GET", "/api/stats", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var out statsResponse
	mustDecodeJSON(t, w.Result(), &out)
	if out.TotalTrades != 42 || out.Clients != 3 {
		t.Errorf("unexpected stats response: %+v", out)
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		url  string
		key  string
		def  int
		want int
	}{
		{"/test", "limit", 100, 100},
		{"/test?limit=50", "limit", 100, 50},
		{"/test?limit=abc", "limit", 100, 100},
	}

	for _, tt := range tests {
		req := httptest.NewRequest("GET", tt.url, nil)
		got := parseIntParam(req, tt.key, tt.def)
		if got != tt.want {
			t.Errorf("parseIntParam(%q, %q, %d) = %d, want %d", tt.url, tt.key, tt.def, got, tt.want)
		}
	}
}

func TestParseTimeParam(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	if got := parseTimeParam(req, "from"); got != nil {
		t.Errorf("expected nil for empty param, got %v", got)
	}

	req = httptest.NewRequest("GET", "/test?from=not-a-time", nil)
	if got := parseTimeParam(req, "from"); got != nil {
		t.Errorf("expected nil for bad format, got %v", got)
	}

	ts := "2025-01-15T10:30:00Z"
	req = httptest.NewRequest("GET", "/test?from="+ts, nil)
	got := parseTimeParam(req, "from")
	if got == nil {
		t.Fatal("expected non-nil time")
	}
}
