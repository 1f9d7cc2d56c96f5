// Package feedws maintains a reconnecting WebSocket connection to the venue
// and decodes its frames into market.Update values pushed onto a buffered
// channel the tick loop drains once per tick. Grounded on the reconnect-
// loop shape of a streaming market-data ingester (here with a fixed
// reconnect delay, no backoff), generalized to a
// typed venue message union instead of a single trade-stream decoder.
package feedws

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ndrandal/hlperp-engine/internal/market"
)

const (
	venueURL          = "wss://api.hyperliquid.xyz/ws"
	staleAfter        = 15 * time.Second
	reconnectDelay    = 2 * time.Second
)

// envelope is the outer shape of every venue push message: a channel name
// plus an opaque payload decoded per-channel below.
type envelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type l2Level struct {
	Px string `json:"px"`
	Sz string `json:"sz"`
}

type l2BookData struct {
	Levels [2][]l2Level `json:"levels"` // [0]=bids [1]=asks
	Time   int64        `json:"time"`
}

type assetCtxData struct {
	Funding      string `json:"funding"`
	OpenInterest string `json:"openInterest"`
	Premium      string `json:"premium"`
	MarkPx       string `json:"markPx"`
	OraclePx     string `json:"oraclePx"`
	Time         int64  `json:"time"`
}

type tradeData struct {
	Side string `json:"side"` // "B" or "A" (ask/sell)
	Px   string `json:"px"`
	Time int64  `json:"time"`
}

// Reader owns the venue connection and republishes decoded updates.
type Reader struct {
	coin    string
	updates chan market.Update
}

// NewReader creates a Reader with the given channel buffer depth.
func NewReader(coin string, buffer int) *Reader {
	return &Reader{coin: coin, updates: make(chan market.Update, buffer)}
}

// Updates returns the channel the tick loop drains.
func (r *Reader) Updates() <-chan market.Update { return r.updates }

// Run connects and reconnects until ctx is cancelled. Each connection is
// monitored for inbound silence; 15s without a frame closes the socket and
// reconnects after a fixed delay, with no internal state reset (the bar/SR
// trackers recover staleness themselves once fresh data resumes).
func (r *Reader) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := r.connectAndConsume(ctx); err != nil {
			log.Printf("feedws: %v, reconnecting in %v", err, reconnectDelay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (r *Reader) connectAndConsume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, venueURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := r.subscribe(conn); err != nil {
		return err
	}

	log.Printf("feedws: connected to venue for %s", r.coin)
	conn.SetReadDeadline(time.Now().Add(staleAfter))

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(staleAfter))

		u, ok := decodeFrame(raw)
		if !ok {
			continue // malformed venue message: skip, log, continue (logged in decodeFrame)
		}
		select {
		case r.updates <- u:
		default:
			log.Printf("feedws: update channel full, dropping frame")
		}
	}
}

func (r *Reader) subscribe(conn *websocket.Conn) error {
	subs := []map[string]any{
		{"method": "subscribe", "subscription": map[string]any{"type": "l2Book", "coin": r.coin}},
		{"method": "subscribe", "subscription": map[string]any{"type": "activeAssetCtx", "coin": r.coin}},
		{"method": "subscribe", "subscription": map[string]any{"type": "trades", "coin": r.coin}},
	}
	for _, s := range subs {
		if err := conn.WriteJSON(s); err != nil {
			return err
		}
	}
	return nil
}

// decodeFrame parses one venue frame into a market.Update. Malformed frames
// are logged and reported as not-ok rather than surfaced as an error, since
// one bad frame must never tear down the connection.
func decodeFrame(raw []byte) (market.Update, bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("feedws: parse_error: %v", err)
		return market.Update{}, false
	}

	switch env.Channel {
	case "l2Book":
		var d l2BookData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			log.Printf("feedws: parse_error (l2Book): %v", err)
			return market.Update{}, false
		}
		return decodeL2Book(d)
	case "activeAssetCtx":
		var d assetCtxData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			log.Printf("feedws: parse_error (activeAssetCtx): %v", err)
			return market.Update{}, false
		}
		return decodeAssetCtx(d)
	case "trades":
		var d []tradeData
		if err := json.Unmarshal(env.Data, &d); err != nil {
			log.Printf("feedws: parse_error (trades): %v", err)
			return market.Update{}, false
		}
		if len(d) == 0 {
			return market.Update{}, false
		}
		return decodeTrade(d[len(d)-1])
	default:
		return market.Update{}, false
	}
}

func decodeL2Book(d l2BookData) (market.Update, bool) {
	u := market.Update{Ts: timeOrNow(d.Time)}
	if len(d.Levels[0]) > 0 {
		if px, ok := parseFloat(d.Levels[0][0].Px); ok {
			u.HasBestBid, u.BestBid = true, px
		}
	}
	if len(d.Levels[1]) > 0 {
		if px, ok := parseFloat(d.Levels[1][0].Px); ok {
			u.HasBestAsk, u.BestAsk = true, px
		}
	}
	levels := func(in []l2Level) []market.Level {
		out := make([]market.Level, 0, len(in))
		for _, lv := range in {
			px, okPx := parseFloat(lv.Px)
			sz, okSz := parseFloat(lv.Sz)
			if okPx && okSz {
				out = append(out, market.Level{Price: px, Size: sz})
			}
		}
		return out
	}
	u.HasLevels = true
	u.Bids = levels(d.Levels[0])
	u.Asks = levels(d.Levels[1])
	return u, true
}

func decodeAssetCtx(d assetCtxData) (market.Update, bool) {
	u := market.Update{Ts: timeOrNow(d.Time)}
	any := false
	if v, ok := parseFloat(d.Funding); ok {
		u.HasFunding, u.Funding, any = true, v, true
	}
	if v, ok := parseFloat(d.OpenInterest); ok {
		u.HasOpenInterest, u.OpenInterest, any = true, v, true
	}
	if v, ok := parseFloat(d.Premium); ok {
		u.HasPremium, u.Premium, any = true, v, true
	}
	if v, ok := parseFloat(d.MarkPx); ok {
		u.HasMark, u.Mark, any = true, v, true
	}
	if v, ok := parseFloat(d.OraclePx); ok {
		u.HasOracle, u.Oracle, any = true, v, true
	}
	return u, any
}

func decodeTrade(d tradeData) (market.Update, bool) {
	px, ok := parseFloat(d.Px)
	if !ok {
		return market.Update{}, false
	}
	side := market.SideBuy
	if d.Side == "A" {
		side = market.SideSell
	}
	return market.Update{
		Ts:            timeOrNow(d.Time),
		HasLastTrade:  true,
		LastTradeSide: side,
		LastTradePx:   px,
	}, true
}

func parseFloat(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func timeOrNow(ms int64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
