// Package tradeengine implements the single-threaded engine loop: position
// open/close/no-op decisions, TP/SL and flow-adaptive exit triggers, the
// safety state machine, and periodic/on-transition state persistence.
// The layered-gate validation style of internal/decision is generalized
// one level up into a stateful loop, with a serialize-write-log-on-
// failure-keep-running persistence discipline.
package tradeengine

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ndrandal/hlperp-engine/internal/decision"
	"github.com/ndrandal/hlperp-engine/internal/ioagg"
	"github.com/ndrandal/hlperp-engine/internal/reason"
	"github.com/ndrandal/hlperp-engine/internal/statestore"
)

// SafetyStatus is the engine's operating mode.
type SafetyStatus string

const (
	SafetyWarmup  SafetyStatus = "WARMUP"
	SafetyActive  SafetyStatus = "ACTIVE"
	SafetyHalted  SafetyStatus = "HALTED"
)

// SafetyState is the current safety posture plus the reason it was entered.
type SafetyState struct {
	Status SafetyStatus `json:"status"`
	Reason reason.Code  `json:"reason"`
	Since  time.Time    `json:"since"`
}

// StreakCounters tracks consecutive-tick conditions for the flow-adaptive
// exit signals named in the loop design: flowTp, burst, drift, shield,
// wall, flow. Each counter resets to zero the tick its condition stops
// holding.
type StreakCounters struct {
	FlowTp int `json:"flowTp"`
	Burst  int `json:"burst"`
	Drift  int `json:"drift"`
	Shield int `json:"shield"`
	Wall   int `json:"wall"`
	Flow   int `json:"flow"`
}

// OpenPosition is the single live position the engine may hold.
type OpenPosition struct {
	Side                  decision.Side        `json:"side"`
	EntryPx               float64              `json:"entryPx"`
	Size                  float64              `json:"size"`
	EntryTs               time.Time            `json:"entryTs"`
	TPPx                  float64              `json:"tpPx"`
	SLPx                  float64              `json:"slPx"`
	WorstPx               float64              `json:"worstPx"`
	BestPx                float64              `json:"bestPx"`
	StructuralDistanceUsd float64              `json:"structuralDistanceUsd"`
	EntryProfile          decision.EntryProfile `json:"entryProfileMode"`
	Regime                decision.Regime      `json:"regime"`
	Streaks               StreakCounters       `json:"streaks"`
}

// Stats is the running trade-performance summary.
type Stats struct {
	RealizedPnlUsd float64 `json:"realizedPnlUsd"`
	TotalTrades    int     `json:"totalTrades"`
	Wins           int     `json:"wins"`
	Losses         int     `json:"losses"`
	LongTrades     int     `json:"longTrades"`
	LongWins       int     `json:"longWins"`
	ShortTrades    int     `json:"shortTrades"`
	ShortWins      int     `json:"shortWins"`
}

// EngineState is the persisted snapshot described by the engine-state JSON
// file: open position, trade history, stats, last decision/tick bookkeeping
// and safety posture.
type EngineState struct {
	OpenPosition   *OpenPosition            `json:"openPosition"`
	Trades         []statestore.TradeRecord `json:"trades"`
	Stats          Stats                    `json:"stats"`
	LastDecision   decision.BResult         `json:"lastDecision"`
	LastUpdate     time.Time                `json:"lastUpdate"`
	LastTickTs     time.Time                `json:"lastTickTs"`
	LastLoopAtMs   int64                    `json:"lastLoopAtMs"`
	LastMarketAtMs int64                    `json:"lastMarketAtMs"`
	Safety         SafetyState              `json:"safety"`
}

// Config parameterizes exit triggers, fees and safety thresholds.
type Config struct {
	FeeRateBps float64

	SaveIntervalMs int64 // 5000, per the loop design

	DataFreshnessStaleMs int64 // 15000, matches the WS-staleness error-table entry
	HardSLStreakLimit    int
	NetPerTradeFloorUsd  float64 // AUTO_HALT_NET_PER_TRADE threshold

	StreakTrigger int // consecutive ticks required for any flow-adaptive exit to fire

	FlowHostileThreshold float64
	BurstAccelThreshold  float64
	DriftUsdPerTick      float64
	LargeTradeWallCount  int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		FeeRateBps:           4,
		SaveIntervalMs:       5000,
		DataFreshnessStaleMs: 15000,
		HardSLStreakLimit:    3,
		NetPerTradeFloorUsd:  -500,
		StreakTrigger:        5,
		FlowHostileThreshold: 0.5,
		BurstAccelThreshold:  0.8,
		DriftUsdPerTick:      2,
		LargeTradeWallCount:  3,
	}
}

// Engine owns the single-threaded loop's state. All mutation happens
// inside Tick; the re-entry guard (running) ensures two ticks never
// overlap even if the caller accidentally invokes Tick concurrently.
type Engine struct {
	cfg   Config
	state EngineState

	running atomic.Bool

	stateWriter *statestore.EngineStateWriter
	tradeLog    *statestore.EventLog
	markerLog   *statestore.EventLog

	lastSaveAt time.Time

	hardSLStreak            int
	safetyJustTransitioned  bool
}

// New constructs an Engine. stateWriter/tradeLog/markerLog may be nil in
// tests that don't exercise persistence.
func New(cfg Config, stateWriter *statestore.EngineStateWriter, tradeLog, markerLog *statestore.EventLog) *Engine {
	return &Engine{
		cfg: cfg,
		state: EngineState{
			Safety: SafetyState{Status: SafetyWarmup, Reason: reason.SafetyWarmup, Since: time.Time{}},
		},
		stateWriter: stateWriter,
		tradeLog:    tradeLog,
		markerLog:   markerLog,
	}
}

// State returns a copy of the current engine state.
func (e *Engine) State() EngineState { return e.state }

// Tick runs one iteration of the engine loop. dataFresh reports whether
// the last market tick age is within the staleness window the caller has
// already computed (the position and safety logic read no clock besides
// now/ts, to keep step 6 deterministic given its inputs; only marker rows
// are stamped with time.Now).
func (e *Engine) Tick(now time.Time, p ioagg.Packet, a decision.AResult, b decision.BResult, dataFresh bool) EngineState {
	if !e.running.CompareAndSwap(false, true) {
		log.Printf("engine: tick re-entry blocked, prior tick still running")
		return e.state
	}
	defer e.running.Store(false)

	// Step 1.
	e.state.LastMarketAtMs = p.Ts.UnixMilli()
	e.state.LastTickTs = now
	e.state.LastLoopAtMs = now.UnixMilli()
	e.state.LastDecision = b

	closedTrade := false

	switch {
	case e.state.OpenPosition == nil && b.Side != decision.SideNone:
		// Step 2: open.
		e.state.OpenPosition = &OpenPosition{
			Side:                  b.Side,
			EntryPx:               p.Market.Mid,
			Size:                  b.Size,
			EntryTs:               now,
			TPPx:                  b.TPPx,
			SLPx:                  b.SLPx,
			WorstPx:               p.Market.Mid,
			BestPx:                p.Market.Mid,
			StructuralDistanceUsd: b.StructuralDistanceUsd,
			EntryProfile:          b.EntryProfile,
			Regime:                a.Regime,
		}

	case e.state.OpenPosition != nil:
		pos := e.state.OpenPosition
		updateExtremes(pos, p.Market.Mid)

		exitTriggered, exitSignal := evaluateExit(pos, p, e.cfg, now)
		oppositeSide := b.Side != decision.SideNone && b.Side != pos.Side

		switch {
		case oppositeSide:
			// Step 4: close on opposing signal.
			rec := e.closeTrade(pos, p.Market.Mid, now, string(b.Diagnostic.Code))
			e.recordTrade(rec)
			closedTrade = true
			e.state.OpenPosition = nil

		case exitTriggered:
			rec := e.closeTrade(pos, p.Market.Mid, now, exitSignal)
			e.recordTrade(rec)
			closedTrade = true
			e.state.OpenPosition = nil

		default:
			// Step 3: same-side or no-trigger — no-op.
		}
	}

	// Step 6: safety evaluation.
	e.evaluateSafety(dataFresh, p, now)

	if p.AdaptiveSwitched {
		e.writeMarker("bar1h_adaptive_switch", map[string]any{
			"lookback": p.AdaptiveLookback,
			"reason":   p.AdaptiveSwitchReason,
		})
	}

	e.state.LastUpdate = now

	shouldSave := closedTrade || e.safetyJustTransitioned || e.lastSaveAt.IsZero() ||
		now.Sub(e.lastSaveAt).Milliseconds() >= e.cfg.SaveIntervalMs
	if shouldSave {
		e.save(now)
	}

	return e.state
}

// evaluateSafety implements step 6: DATA_STALE when freshness fails,
// otherwise WARMUP until bar1h is ready and ACTIVE once it is. A hard-SL
// streak or a net-per-trade breach latches HALTED until manually cleared
// (Reset), per the error-handling table's "requires manual reset" class.
func (e *Engine) evaluateSafety(dataFresh bool, p ioagg.Packet, now time.Time) {
	prev := e.state.Safety.Status
	e.safetyJustTransitioned = false

	if e.state.Safety.Status == SafetyHalted && e.state.Safety.Reason != reason.SafetyDataStale {
		// Hard-SL / net-per-trade halts require a manual Reset; they are
		// not auto-cleared by data recovery.
		return
	}

	next := SafetyState{Since: e.state.Safety.Since}
	switch {
	case !dataFresh:
		next.Status = SafetyHalted
		next.Reason = reason.SafetyDataStale
	case !p.Bar1hReady:
		next.Status = SafetyWarmup
		next.Reason = reason.SafetyWarmup
	default:
		next.Status = SafetyActive
		next.Reason = reason.SafetyActive
	}

	if e.hardSLStreak >= e.cfg.HardSLStreakLimit {
		next.Status = SafetyHalted
		next.Reason = reason.SafetyHardSLStreak
	}
	if e.state.Stats.TotalTrades > 0 {
		lastTrade := e.state.Trades[len(e.state.Trades)-1]
		if lastTrade.RealizedPnlNetUsd < e.cfg.NetPerTradeFloorUsd {
			next.Status = SafetyHalted
			next.Reason = reason.SafetyNetPerTrade
		}
	}

	if next.Status != prev {
		next.Since = now
		e.safetyJustTransitioned = true
	}
	e.state.Safety = next
}

// Reset manually clears a HALTED safety state (hard-SL streak or
// net-per-trade breach), the operator action the error table calls for.
func (e *Engine) Reset(now time.Time) {
	e.hardSLStreak = 0
	e.state.Safety = SafetyState{Status: SafetyWarmup, Reason: reason.SafetyWarmup, Since: now}
}

func (e *Engine) save(now time.Time) {
	e.lastSaveAt = now
	if e.stateWriter == nil {
		return
	}
	if err := e.stateWriter.Save(e.state); err != nil {
		log.Printf("engine: state save failed: %v", err)
	}
}

// writeMarker appends one markers.jsonl row; best-effort, logged on failure
// per the log-on-failure-rather-than-panic persistence discipline.
func (e *Engine) writeMarker(kind string, detail map[string]any) {
	if e.markerLog == nil {
		return
	}
	rec := statestore.MarkerRecord{Ts: time.Now(), Kind: kind, Detail: detail}
	if err := e.markerLog.Append(rec); err != nil {
		log.Printf("engine: marker log append failed: %v", err)
	}
}

// Shutdown writes the final state save and a shutdown marker synchronously,
// the last thing the loop does before exit.
func (e *Engine) Shutdown(now time.Time, startedAt time.Time, reasonStr string) {
	e.save(now)
	uptime := now.Sub(startedAt)
	e.writeMarker("shutdown", map[string]any{
		"reason":       reasonStr,
		"uptime_hours": uptime.Hours(),
		"uptime_ms":    uptime.Milliseconds(),
		"stopped_at":   now,
		"session_stats": e.state.Stats,
	})
}

func (e *Engine) recordTrade(rec statestore.TradeRecord) {
	e.state.Trades = append(e.state.Trades, rec)
	e.state.Stats.TotalTrades++
	won := rec.RealizedPnlUsd > 0
	if won {
		e.state.Stats.Wins++
	} else {
		e.state.Stats.Losses++
	}
	e.state.Stats.RealizedPnlUsd += rec.RealizedPnlUsd
	if rec.Side == string(decision.SideBuy) {
		e.state.Stats.LongTrades++
		if won {
			e.state.Stats.LongWins++
		}
	} else {
		e.state.Stats.ShortTrades++
		if won {
			e.state.Stats.ShortWins++
		}
	}

	if rec.RealizedPnlUsd < 0 {
		e.hardSLStreak++
	} else {
		e.hardSLStreak = 0
	}

	if e.tradeLog != nil {
		if err := e.tradeLog.Append(rec); err != nil {
			log.Printf("engine: trade log append failed: %v", err)
		}
	}
}

// closeTrade computes gross/net PnL with sign by side and builds the
// trades.jsonl record; it does not mutate engine state beyond what the
// caller does via recordTrade.
func (e *Engine) closeTrade(pos *OpenPosition, exitPx float64, now time.Time, exitReason string) statestore.TradeRecord {
	gross := (exitPx - pos.EntryPx) * pos.Size
	if pos.Side == decision.SideSell {
		gross = (pos.EntryPx - exitPx) * pos.Size
	}
	notional := pos.EntryPx * pos.Size
	fee := notional * e.cfg.FeeRateBps / 10_000
	net := gross - fee

	maxAdverse, maxFavorable := adverseFavorable(pos, exitPx)

	return statestore.TradeRecord{
		TradeID:           uuid.NewString(),
		Side:              string(pos.Side),
		EntryPx:           pos.EntryPx,
		ExitPx:            exitPx,
		Size:              pos.Size,
		TimestampEntry:    pos.EntryTs.UnixMilli(),
		TimestampExit:     now.UnixMilli(),
		RealizedPnlUsd:    gross,
		RealizedPnlNetUsd: net,
		FeeUsd:            fee,
		ExitReason:        exitReason,
		ExitSignal:        exitReason,
		HoldMs:            now.Sub(pos.EntryTs).Milliseconds(),
		EntryProfileMode:  string(pos.EntryProfile),
		MaxAdverseUsd:     maxAdverse,
		MaxFavorableUsd:   maxFavorable,
	}
}

func adverseFavorable(pos *OpenPosition, exitPx float64) (maxAdverse, maxFavorable float64) {
	if pos.Side == decision.SideBuy {
		maxAdverse = (pos.EntryPx - pos.WorstPx) * pos.Size
		maxFavorable = (pos.BestPx - pos.EntryPx) * pos.Size
	} else {
		maxAdverse = (pos.WorstPx - pos.EntryPx) * pos.Size
		maxFavorable = (pos.EntryPx - pos.BestPx) * pos.Size
	}
	if maxAdverse < 0 {
		maxAdverse = 0
	}
	if maxFavorable < 0 {
		maxFavorable = 0
	}
	return maxAdverse, maxFavorable
}

func updateExtremes(pos *OpenPosition, mid float64) {
	if pos.Side == decision.SideBuy {
		if mid < pos.WorstPx {
			pos.WorstPx = mid
		}
		if mid > pos.BestPx {
			pos.BestPx = mid
		}
	} else {
		if mid > pos.WorstPx {
			pos.WorstPx = mid
		}
		if mid < pos.BestPx {
			pos.BestPx = mid
		}
	}
}

// evaluateExit implements step 5: TP/SL triggers and the six named
// flow-adaptive exit streak counters, firing when any counter reaches
// cfg.StreakTrigger consecutive ticks.
func evaluateExit(pos *OpenPosition, p ioagg.Packet, cfg Config, now time.Time) (bool, string) {
	mid := p.Market.Mid
	if pos.Side == decision.SideBuy {
		if mid >= pos.TPPx {
			return true, "tp"
		}
		if pos.SLPx > 0 && mid <= pos.SLPx {
			return true, "sl"
		}
	} else {
		if mid <= pos.TPPx {
			return true, "tp"
		}
		if pos.SLPx > 0 && mid >= pos.SLPx {
			return true, "sl"
		}
	}

	alignedFlow30 := p.TradeFlow30s.FlowPressure
	alignedFlow60 := p.TradeFlow60s.FlowPressure
	if pos.Side == decision.SideSell {
		alignedFlow30 = -alignedFlow30
		alignedFlow60 = -alignedFlow60
	}

	bumpOrReset(&pos.Streaks.FlowTp, alignedFlow30 <= -cfg.FlowHostileThreshold && mid >= pos.TPPx*0.999)
	bumpOrReset(&pos.Streaks.Burst, p.TradeFlow5s.Acceleration <= -cfg.BurstAccelThreshold)
	bumpOrReset(&pos.Streaks.Drift, driftAdverse(pos, mid, cfg.DriftUsdPerTick))
	bumpOrReset(&pos.Streaks.Shield, p.DepthSR.Ready && shieldFlipped(pos, p))
	bumpOrReset(&pos.Streaks.Wall, p.TradeFlow5s.LargeTradeCount >= cfg.LargeTradeWallCount && alignedFlow30 < 0)
	bumpOrReset(&pos.Streaks.Flow, alignedFlow60 <= -cfg.FlowHostileThreshold)

	switch {
	case pos.Streaks.FlowTp >= cfg.StreakTrigger:
		return true, "flowTp"
	case pos.Streaks.Burst >= cfg.StreakTrigger:
		return true, "burst"
	case pos.Streaks.Drift >= cfg.StreakTrigger:
		return true, "drift"
	case pos.Streaks.Shield >= cfg.StreakTrigger:
		return true, "shield"
	case pos.Streaks.Wall >= cfg.StreakTrigger:
		return true, "wall"
	case pos.Streaks.Flow >= cfg.StreakTrigger:
		return true, "flow"
	}

	return false, ""
}

func bumpOrReset(counter *int, condition bool) {
	if condition {
		*counter++
	} else {
		*counter = 0
	}
}

func driftAdverse(pos *OpenPosition, mid float64, driftUsdPerTick float64) bool {
	if pos.Side == decision.SideBuy {
		return mid < pos.EntryPx-driftUsdPerTick
	}
	return mid > pos.EntryPx+driftUsdPerTick
}

// shieldFlipped reports whether the depth SR support/resistance structure
// that originally favored this position's side has flipped to favor the
// other side (a crude proxy for "the book's protection shifted away").
func shieldFlipped(pos *OpenPosition, p ioagg.Packet) bool {
	if !p.DepthSR.HasAsymmetry {
		return false
	}
	if pos.Side == decision.SideBuy {
		return p.DepthSR.AsymmetryRatio < 0.3
	}
	return p.DepthSR.AsymmetryRatio > 0.7
}
