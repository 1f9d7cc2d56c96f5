// Package ioagg orchestrates the per-tick derived-state pipeline: it owns
// the bar trackers, LRC engines, depth SR analyzer, trade flow tracker and
// structure snapshot builder, and folds one venue tick into a single
// immutable IOPacket.
package ioagg

import (
	"time"

	"github.com/ndrandal/hlperp-engine/internal/bar"
	"github.com/ndrandal/hlperp-engine/internal/depthsr"
	"github.com/ndrandal/hlperp-engine/internal/lrc"
	"github.com/ndrandal/hlperp-engine/internal/market"
	"github.com/ndrandal/hlperp-engine/internal/structuresnap"
	"github.com/ndrandal/hlperp-engine/internal/tradeflow"
)

// Config parameterizes every owned tracker.
type Config struct {
	Bar15mIntervalMs int64
	Bar1hIntervalMs  int64
	Bar15mLookback   int
	Bar1hLookback    int // initial value; AdaptiveController may resize

	LRC15m  lrc.Config
	LRC1h   lrc.Config
	LRCDaily lrc.Config

	Adaptive lrc.AdaptiveConfig

	DepthSR  depthsr.Config
	TradeFlow tradeflow.Config

	Rebuild RebuildConfig
	SRView  structuresnap.SRViewConfig

	WarmupDuration time.Duration // constraint "warmup" window after first tick
	MinRangeUsd    float64
}

// RebuildConfig re-exports structuresnap.RebuildConfig to avoid making
// every caller import both packages.
type RebuildConfig = structuresnap.RebuildConfig

// DefaultConfig returns the documented defaults for a 15m/1h pair.
func DefaultConfig() Config {
	return Config{
		Bar15mIntervalMs: 15 * 60 * 1000,
		Bar1hIntervalMs:  60 * 60 * 1000,
		Bar15mLookback:   20,
		Bar1hLookback:    96,
		LRC15m:           lrc.DefaultConfig(20),
		LRC1h:            lrc.DefaultConfig(96),
		LRCDaily:         lrc.DefaultConfig(30),
		Adaptive:         lrc.DefaultAdaptiveConfig(),
		DepthSR:          depthsr.DefaultConfig(),
		TradeFlow:        tradeflow.DefaultConfig(),
		Rebuild:          structuresnap.DefaultRebuildConfig(),
		SRView:           structuresnap.DefaultSRViewConfig(),
		WarmupDuration:   30 * time.Second,
		MinRangeUsd:      50,
	}
}

// Packet is the immutable per-tick output of the aggregator. Value object:
// the engine loop and decision pipeline receive a copy, never a pointer
// into live tracker state.
type Packet struct {
	Ts time.Time

	Market market.Snapshot

	Bar15mReady   bool
	Bar15mCurrent bar.Bar
	Bar1hReady    bool
	Bar1hCurrent  bar.Bar
	Bar1hHigh     float64
	Bar1hLow      float64

	LRC15m lrc.State
	LRC1h  lrc.State
	LRCDay lrc.State

	DepthSR   depthsr.View
	TradeFlow5s  tradeflow.WindowStats
	TradeFlow30s tradeflow.WindowStats
	TradeFlow60s tradeflow.WindowStats
	OIDelta      float64
	HasOIDelta   bool

	Structure *structuresnap.Snapshot

	Constraints []string

	// AdaptiveSwitched reports whether this tick's Evaluate call resized the
	// 1h lookback; AdaptiveLookback/AdaptiveSwitchReason describe the result,
	// for the caller to log a bar1h_adaptive_switch marker.
	AdaptiveSwitched     bool
	AdaptiveLookback     int
	AdaptiveSwitchReason string

	LastMarketAtMs int64
}

// HasConstraint reports whether the named constraint is present on the
// packet (e.g. "warmup", "bar1h_adaptive_switching").
func (p Packet) HasConstraint(name string) bool {
	for _, c := range p.Constraints {
		if c == name {
			return true
		}
	}
	return false
}

// Aggregator owns every derived-state tracker instance. Constructed once
// at startup with fully parsed config; never a package-level singleton.
type Aggregator struct {
	cfg Config

	market *market.Store
	bar15m *bar.Tracker
	bar1h  *bar.Tracker

	adaptive *lrc.AdaptiveController

	depthSR   *depthsr.Analyzer
	tradeFlow *tradeflow.Tracker
	structure *structuresnap.Builder

	startedAt time.Time
}

// New constructs an aggregator; startedAt anchors the warmup window.
func New(cfg Config, startedAt time.Time) *Aggregator {
	return &Aggregator{
		cfg:       cfg,
		market:    market.NewStore(),
		bar15m:    bar.NewTracker(cfg.Bar15mIntervalMs, cfg.Bar15mLookback),
		bar1h:     bar.NewTracker(cfg.Bar1hIntervalMs, cfg.Bar1hLookback),
		adaptive:  lrc.NewAdaptiveController(cfg.Adaptive),
		depthSR:   depthsr.NewAnalyzer(cfg.DepthSR),
		tradeFlow: tradeflow.NewTracker(cfg.TradeFlow),
		structure: structuresnap.NewBuilder(cfg.Rebuild),
		startedAt: startedAt,
	}
}

// Bar1h exposes the 1h bar tracker, for the backfill scheduler to merge
// candles into.
func (a *Aggregator) Bar1h() *bar.Tracker { return a.bar1h }

// Bar15m exposes the 15m bar tracker, for the same reason.
func (a *Aggregator) Bar15m() *bar.Tracker { return a.bar15m }

// Structure exposes the structure snapshot builder so the engine loop can
// invalidate it on position close.
func (a *Aggregator) Structure() *structuresnap.Builder { return a.structure }

// DepthLevel mirrors orderbook.MarketLevel without importing orderbook
// (orderbook's dry-mode Simulator feeds this aggregator via the engine
// wiring layer, not the reverse).
type DepthLevel struct {
	Price float64
	Size  float64
}

// Tick folds one venue update, one depth snapshot (already trimmed to the
// top 20 levels per side) and any trade prints observed this tick into
// derived state, returning the resulting packet.
func (a *Aggregator) Tick(now time.Time, update market.Update, bids, asks []DepthLevel, trades []tradeflow.Trade, oi float64, hasOI bool) Packet {
	snap := a.market.Apply(update)

	a.bar15m.Feed(now.UnixMilli(), snap.Mid)
	a.bar1h.Feed(now.UnixMilli(), snap.Mid)

	for _, tr := range trades {
		a.tradeFlow.Feed(tr)
	}
	if hasOI {
		a.tradeFlow.UpdateOI(now, oi)
	}

	srBids := make([]depthsr.Level, 0, len(bids))
	for _, l := range bids {
		srBids = append(srBids, depthsr.Level{Price: l.Price, Size: l.Size})
	}
	srAsks := make([]depthsr.Level, 0, len(asks))
	for _, l := range asks {
		srAsks = append(srAsks, depthsr.Level{Price: l.Price, Size: l.Size})
	}
	srView := a.depthSR.PushSnapshot(now, snap.Mid, srBids, srAsks)

	close15m := a.bar15m.CloseArray(a.cfg.LRC15m.Len + 1)
	close1h := a.bar1h.CloseArray(a.cfg.LRC1h.Len + 1)
	closeDaily := a.bar1h.CloseArray(a.cfg.LRCDaily.Len + 1)

	lrc15mState := lrc.Compute(a.cfg.LRC15m, close15m)

	bar1hCur, _ := a.bar1h.Current()
	span := bar1hCur.High - bar1hCur.Low
	a.bar1h.SetLookbackBars(a.adaptive.Lookback())
	switched := a.adaptive.Evaluate(span, now)

	lrcCfg1h := a.cfg.LRC1h
	lrcCfg1h.Len = a.adaptive.Lookback()
	lrc1hState := lrc.Compute(lrcCfg1h, close1h)
	lrcDailyState := lrc.Compute(a.cfg.LRCDaily, closeDaily)

	bar15mCur, bar15mReady := a.bar15m.Current()
	_ = bar15mReady

	packet := Packet{
		Ts:             now,
		Market:         snap,
		Bar15mReady:    a.bar15m.Ready(),
		Bar15mCurrent:  bar15mCur,
		Bar1hReady:     a.bar1h.Ready(),
		Bar1hCurrent:   bar1hCur,
		Bar1hHigh:      bar1hCur.High,
		Bar1hLow:       bar1hCur.Low,
		LRC15m:         lrc15mState,
		LRC1h:          lrc1hState,
		LRCDay:         lrcDailyState,
		DepthSR:        srView,
		LastMarketAtMs: now.UnixMilli(),

		AdaptiveSwitched:     switched,
		AdaptiveLookback:     a.adaptive.Lookback(),
		AdaptiveSwitchReason: a.adaptive.LastSwitchReason(),
	}

	if s5, ok := a.tradeFlow.Stats("5s", now); ok {
		packet.TradeFlow5s = s5
	}
	if s30, ok := a.tradeFlow.Stats("30s", now); ok {
		packet.TradeFlow30s = s30
	}
	if s60, ok := a.tradeFlow.Stats("60s", now); ok {
		packet.TradeFlow60s = s60
	}
	if delta, _, ok := a.tradeFlow.OIDelta(); ok {
		packet.OIDelta = delta
		packet.HasOIDelta = true
	}

	packet.Structure = a.structure.Current()

	if now.Sub(a.startedAt) < a.cfg.WarmupDuration {
		packet.Constraints = append(packet.Constraints, "warmup")
	}
	if a.adaptive.Weak(now) {
		packet.Constraints = append(packet.Constraints, "bar1h_adaptive_switching")
	}

	a.market.Advance()
	return packet
}
