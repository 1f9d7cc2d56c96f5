// Command engine runs the live (or dry-run synthetic) perpetual-futures
// decision loop: venue ingress, derived-state aggregation, the two-tier
// decision stack, the position/PnL/safety engine, and the health/dashboard
// HTTP surface. Top-level wiring order follows one instrument's decision
// pipeline end to end: RNG, persistence, workers, HTTP mux, graceful
// shutdown.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ndrandal/hlperp-engine/internal/analytics"
	"github.com/ndrandal/hlperp-engine/internal/api"
	"github.com/ndrandal/hlperp-engine/internal/archive"
	"github.com/ndrandal/hlperp-engine/internal/backfill"
	"github.com/ndrandal/hlperp-engine/internal/config"
	"github.com/ndrandal/hlperp-engine/internal/dashboard"
	"github.com/ndrandal/hlperp-engine/internal/decision"
	"github.com/ndrandal/hlperp-engine/internal/engine"
	"github.com/ndrandal/hlperp-engine/internal/feedws"
	"github.com/ndrandal/hlperp-engine/internal/health"
	"github.com/ndrandal/hlperp-engine/internal/ioagg"
	"github.com/ndrandal/hlperp-engine/internal/market"
	"github.com/ndrandal/hlperp-engine/internal/orderbook"
	"github.com/ndrandal/hlperp-engine/internal/statestore"
	"github.com/ndrandal/hlperp-engine/internal/structuresnap"
	"github.com/ndrandal/hlperp-engine/internal/tradeengine"
	"github.com/ndrandal/hlperp-engine/internal/tradeflow"
)

const coin = "ETH"

// tickSizeUSD seeds the dry-mode depth book's price granularity; the live
// feed gets its tick size from the venue itself.
const tickSizeUSD = 0.1

// marketView holds the latest market snapshot behind a mutex so the REST
// API's handlers (running on the HTTP server's own goroutines) can read it
// without racing the single-threaded tick loop that writes it.
type marketView struct {
	mu   sync.RWMutex
	snap market.Snapshot
}

func newMarketView() *marketView { return &marketView{} }

func (mv *marketView) Set(s market.Snapshot) {
	mv.mu.Lock()
	mv.snap = s
	mv.mu.Unlock()
}

func (mv *marketView) Get() market.Snapshot {
	mv.mu.RLock()
	defer mv.mu.RUnlock()
	return mv.snap
}

func main() {
	cfg := config.Load()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("hlperp engine starting in %s mode", cfg.Mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down...", sig)
		cancel()
	}()

	rng := engine.NewRNG(cfg.Seed)

	// Persistence: engine state snapshot + append-only trade/marker logs.
	stateWriter, err := statestore.NewEngineStateWriter(cfg.EngineStatePath)
	if err != nil {
		log.Fatalf("engine state writer: %v", err)
	}
	tradeLog, err := statestore.OpenEventLog(cfg.LogTradesPath)
	if err != nil {
		log.Fatalf("trade log: %v", err)
	}
	defer tradeLog.Close()
	markerLog, err := statestore.OpenEventLog(cfg.LogMarkersPath)
	if err != nil {
		log.Fatalf("marker log: %v", err)
	}
	defer markerLog.Close()

	// Analytics mirror (optional, non-authoritative).
	var mirror *analytics.Mirror
	if cfg.MongoURI != "" {
		mirror, err = analytics.Connect(ctx, cfg.MongoURI)
		if err != nil {
			log.Printf("warning: analytics mirror unavailable: %v", err)
		} else {
			defer mirror.Close(context.Background())
		}
	}

	// Archiver (optional, requires a mirror to read trades from).
	if mirror != nil {
		var uploader archive.Uploader
		if cfg.S3Bucket != "" {
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
			if err != nil {
				log.Printf("warning: aws config load failed, archive upload disabled: %v", err)
			} else {
				uploader = s3.NewFromConfig(awsCfg)
			}
		}
		archiver := archive.New(mirror.DB(), "archives", 5, 24*time.Hour, 72*time.Hour, uploader, cfg.S3Bucket, cfg.S3Prefix)
		go archiver.Run(ctx)
	}

	// Derived-state aggregator.
	aggCfg := ioagg.DefaultConfig()
	aggCfg.LRC15m.Len = cfg.Tuning.LRC15mLen
	aggCfg.LRC1h.Len = cfg.Tuning.LRC1hLen
	aggCfg.LRCDaily.Len = cfg.Tuning.LRCDayLen
	aggCfg.MinRangeUsd = cfg.Tuning.MinRangeUsd
	agg := ioagg.New(aggCfg, time.Now())

	// REST backfill scheduler, wired into the aggregator's own bar trackers.
	sinks := map[backfill.Timeframe]backfill.Sink{
		backfill.Timeframe15m: backfill.NewBarSink(agg.Bar15m()),
		backfill.Timeframe1h:  backfill.NewBarSink(agg.Bar1h()),
	}
	healthMon := health.NewMonitor(prometheus.DefaultRegisterer)
	sched := backfill.NewScheduler(coin, sinks, func(kind string, tf backfill.Timeframe, detail string) {
		log.Printf("backfill: %s tf=%s %s", kind, tf, detail)
		if err := markerLog.Append(statestore.MarkerRecord{
			Ts:   time.Now(),
			Kind: kind,
			Detail: map[string]any{
				"timeframe": string(tf),
				"detail":    detail,
			},
		}); err != nil {
			log.Printf("marker log append failed: %v", err)
		}
	})
	backfillEnabled := map[backfill.Timeframe]bool{
		backfill.Timeframe15m: cfg.Bar15mBackfillEnabled,
		backfill.Timeframe1h:  cfg.Bar1hBackfillEnabled,
	}
	backfillLookback := map[backfill.Timeframe]time.Duration{
		backfill.Timeframe15m: 6 * time.Hour,
		backfill.Timeframe1h:  48 * time.Hour,
	}
	go runBackfillLoop(ctx, sched, backfillEnabled, backfillLookback)

	// Venue ingress: a live reconnecting reader, or a synthetic feed for
	// MODE=dry.
	var updates <-chan market.Update
	var synth *engine.SyntheticFeed
	var volCtrl *engine.VolatilityController
	var synthTicker *time.Ticker

	if cfg.Mode == config.ModeDry || !cfg.HLEnable {
		synth = engine.NewSyntheticFeed(rng, 3000, 500_000)
		volCtrl = engine.NewVolatilityController(rng, engine.DefaultVolatilityConfig())
		book := orderbook.NewBook(tickSizeUSD)
		sim := orderbook.NewSimulator(rng, book, tickSizeUSD)
		sim.Initialize(synth.Price())
		synthTicker = time.NewTicker(time.Second)
		ch := make(chan market.Update, 16)
		go func() {
			defer synthTicker.Stop()
			for {
				select {
				case <-ctx.Done():
					close(ch)
					return
				case t := <-synthTicker.C:
					u := synth.Tick(t, volCtrl.Tick())
					ch <- withSyntheticDepth(u, sim, book)
				}
			}
		}()
		updates = ch
		log.Println("running against the synthetic feed (MODE=dry)")
	} else {
		reader := feedws.NewReader(coin, 64)
		go reader.Run(ctx)
		updates = reader.Updates()
		log.Printf("connecting to the live venue feed for %s", coin)
	}

	// Engine loop state.
	tradeEngineCfg := tradeengine.DefaultConfig()
	tradeEng := tradeengine.New(tradeEngineCfg, stateWriter, tradeLog, markerLog)

	aCfg := decision.DefaultAConfig()
	aCfg.TestMode = cfg.TestMode
	aCfg.MinRangeUsd = cfg.Tuning.MinRangeUsd

	bCfg := decision.DefaultBConfig()
	bCfg.SRReferenceWindowUsd = cfg.Tuning.SRReferenceWindowUsd
	bCfg.FlowHostileThreshold = cfg.Tuning.FlowHostileThreshold
	bCfg.MaxImpactSpreadBps = cfg.Tuning.MaxImpactSpreadBps
	bCfg.MinEntryQuality = cfg.Tuning.MinEntryQuality

	metaGate := decision.NewMetaGate(decision.DefaultMetaConfig())
	limiter := decision.NewDiagnosticLimiter(5 * time.Second)

	startedAt := time.Now()
	marketView := newMarketView()

	// Dashboard hub fans out EngineState + venue connection health at 2Hz.
	var wsConnected bool
	var wsLastMsgMs int64
	hub := dashboard.NewHub(
		func() tradeengine.EngineState { return tradeEng.State() },
		func() dashboard.WSStatus {
			return dashboard.WSStatus{Connected: wsConnected, LastMessageMs: wsLastMsgMs}
		},
		32,
	)
	dashDone := make(chan struct{})
	go hub.Run(dashDone)
	defer close(dashDone)

	mux := hub.Mux(healthMon)
	apiSrv := api.NewServer(
		func() tradeengine.EngineState { return tradeEng.State() },
		marketView.Get,
		mirror,
		hub.ClientCount,
	)
	apiSrv.Register(mux)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.WSPort)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	go func() {
		log.Printf("dashboard/health server listening on http://%s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	crashLog, err := statestore.OpenEventLog(cfg.LogCrashPath)
	if err != nil {
		log.Fatalf("crash log: %v", err)
	}
	defer crashLog.Close()
	crashLimiter := statestore.NewCrashLimiter(60 * time.Second)
	defer handleCrash(crashLog, markerLog, crashLimiter, tradeEng, startedAt)

	log.Println("entering main tick loop")
	for {
		select {
		case <-ctx.Done():
			log.Println("hlperp engine stopped")
			tradeEng.Shutdown(time.Now(), startedAt, "signal")
			return
		case u, ok := <-updates:
			if !ok {
				log.Println("venue feed channel closed, stopping")
				tradeEng.Shutdown(time.Now(), startedAt, "feed_closed")
				return
			}
			wsConnected = true
			wsLastMsgMs = u.Ts.UnixMilli()
			healthMon.Beat(health.StageNetwork, time.Now())

			runTick(agg, tradeEng, metaGate, limiter, aCfg, bCfg, startedAt, healthMon, mirror, marketView, u)
		}
	}
}

// handleCrash recovers a panic escaping the tick loop, writes a rate-limited
// crash.log record plus a markers.jsonl crash event, and exits 1 per the
// unrecoverable-error handling table: write crash record + markers, exit 1.
func handleCrash(crashLog, markerLog *statestore.EventLog, limiter *statestore.CrashLimiter, tradeEng *tradeengine.Engine, startedAt time.Time) {
	r := recover()
	if r == nil {
		return
	}

	now := time.Now()
	stack := string(debug.Stack())
	msg := fmt.Sprint(r)
	topFrame := topStackFrame(stack)

	if limiter.ShouldWrite("panic", msg, topFrame, now) {
		rec := statestore.CrashRecord{Ts: now, Reason: "panic", Message: msg, Stack: stack}
		if err := crashLog.Append(rec); err != nil {
			log.Printf("crash log append failed: %v", err)
		}
		if err := markerLog.Append(statestore.MarkerRecord{
			Ts:   now,
			Kind: "crash",
			Detail: map[string]any{"reason": "panic", "message": msg},
		}); err != nil {
			log.Printf("marker log append failed: %v", err)
		}
	}

	tradeEng.Shutdown(now, startedAt, "crash")
	log.Printf("fatal: unrecovered panic: %v\n%s", r, stack)
	os.Exit(1)
}

// topStackFrame extracts the first function-call line of a debug.Stack()
// trace, for crash-record deduplication keys.
func topStackFrame(stack string) string {
	lines := strings.Split(stack, "\n")
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) != "" {
			return strings.TrimSpace(lines[i])
		}
	}
	return ""
}

// runTick folds one venue update through the full pipeline: aggregate
// derived state, rebuild the structure snapshot when due, run the
// meta/A/B2 gates, and apply the result to the trade engine.
func runTick(
	agg *ioagg.Aggregator,
	tradeEng *tradeengine.Engine,
	metaGate *decision.MetaGate,
	limiter *decision.DiagnosticLimiter,
	aCfg decision.AConfig,
	bCfg decision.BConfig,
	startedAt time.Time,
	healthMon *health.Monitor,
	mirror *analytics.Mirror,
	mv *marketView,
	u market.Update,
) {
	now := u.Ts
	if now.IsZero() {
		now = time.Now()
	}

	bids, asks := depthLevelsFrom(u)
	trades := tradesFrom(u)

	packet := agg.Tick(now, u, bids, asks, trades, u.OpenInterest, u.HasOpenInterest)
	healthMon.Beat(health.StageIO, now)
	mv.Set(packet.Market)

	maybeRebuildStructure(agg, packet, now)

	metaGate.Observe(packet.TradeFlow30s.FlowPressure)
	allow, metaDiag := metaGate.Evaluate()

	a := decision.DecideA(packet, aCfg, now, agg.Bar1h().ConfirmedCount())
	if !allow {
		a = decision.AResult{Allow: false, Diagnostic: metaDiag}
	}

	var b decision.BResult
	if a.Allow {
		snap := agg.Structure().Current()
		srView := srViewFor(packet, snap, bCfg)
		b = decision.DecideB2(packet, a, snap, srView, bCfg, now, startedAt)
	} else {
		b = decision.BResult{Side: decision.SideNone, Diagnostic: a.Diagnostic}
	}
	healthMon.Beat(health.StageDecision, now)
	healthMon.RecordDecision("b2", string(b.Diagnostic.Code))
	if b.EntryQualityScore > 0 {
		healthMon.RecordEntryQuality(b.EntryQualityScore)
	}

	if limiter.ShouldEmit(b.Diagnostic.Code, now) {
		log.Printf("decision: %s (%s)", b.Diagnostic.Code, b.Diagnostic.Message)
	}

	dataFresh := now.Sub(packet.Market.Ts) < 15*time.Second
	before := tradeEng.State()
	after := tradeEng.Tick(now, packet, a, b, dataFresh)
	healthMon.Beat(health.StageEngine, now)

	if mirror != nil && len(after.Trades) > len(before.Trades) {
		rec := after.Trades[len(after.Trades)-1]
		if err := mirror.RecordTrade(context.Background(), rec); err != nil {
			log.Printf("analytics: record trade failed: %v", err)
		}
	}
	if before.OpenPosition != nil && after.OpenPosition == nil {
		agg.Structure().InvalidateOnClose()
	}
}

// maybeRebuildStructure recomputes the B1 rails (constrained by the 1h
// active area) and the SR auxiliary view's pivot basis whenever the
// builder's own rebuild triggers fire.
func maybeRebuildStructure(agg *ioagg.Aggregator, p ioagg.Packet, now time.Time) {
	span := p.Bar1hHigh - p.Bar1hLow
	if !agg.Structure().ShouldRebuild(now, p.Market.Mid, span) {
		return
	}
	if !p.LRC1h.Ready {
		return
	}
	candidates := dailyCandidates(p)
	agg.Structure().Rebuild(now, p.LRC15m, p.LRC1h.ChannelTop, p.LRC1h.ChannelBottom, candidates)
}

// srViewFor builds the on-demand SR-cluster auxiliary view from pivots
// detected on the 15m close trail, collapsed within the current rails.
func srViewFor(p ioagg.Packet, snap *structuresnap.Snapshot, cfg decision.BConfig) structuresnap.SRView {
	if snap == nil {
		return structuresnap.SRView{}
	}
	pivots := detectPivots(p.Bar15mCurrent.CloseHistory, 3)
	return structuresnap.BuildSRView(structuresnap.DefaultSRViewConfig(), snap.Rails, pivots)
}

// detectPivots finds local extrema in a close-price trail using a simple
// left/right-bars comparison, the closest approximation available to a true
// wick-based pivot scan given bar.Tracker only exposes close history.
func detectPivots(closes []float64, wing int) []structuresnap.Pivot {
	if len(closes) < 2*wing+1 {
		return nil
	}
	var out []structuresnap.Pivot
	for i := wing; i < len(closes)-wing; i++ {
		isHigh, isLow := true, true
		for j := i - wing; j <= i+wing; j++ {
			if j == i {
				continue
			}
			if closes[j] > closes[i] {
				isHigh = false
			}
			if closes[j] < closes[i] {
				isLow = false
			}
		}
		switch {
		case isHigh:
			out = append(out, structuresnap.Pivot{Price: closes[i], IsHigh: true})
		case isLow:
			out = append(out, structuresnap.Pivot{Price: closes[i], IsHigh: false})
		}
	}
	return out
}

// dailyCandidates surfaces the 1h bar's high/low as B0's structural
// reference candidates.
func dailyCandidates(p ioagg.Packet) []structuresnap.Candidate {
	return []structuresnap.Candidate{
		{Price: p.Bar1hHigh, Kind: "bar1h_high"},
		{Price: p.Bar1hLow, Kind: "bar1h_low"},
	}
}

// depthLevelsFrom converts the venue update's raw book levels (when
// present) into the aggregator's DepthLevel shape, trimmed to the top 20
// per side.
func depthLevelsFrom(u market.Update) ([]ioagg.DepthLevel, []ioagg.DepthLevel) {
	if !u.HasLevels {
		return nil, nil
	}
	return trimLevels(u.Bids), trimLevels(u.Asks)
}

func trimLevels(in []market.Level) []ioagg.DepthLevel {
	if len(in) > 20 {
		in = in[:20]
	}
	out := make([]ioagg.DepthLevel, 0, len(in))
	for _, l := range in {
		out = append(out, ioagg.DepthLevel{Price: l.Price, Size: l.Size})
	}
	return out
}

// tradesFrom surfaces the update's last trade print, if any, as a single
// tradeflow.Trade. The venue trade channel carries no size field, so each
// print is folded in as one unit of size.
func tradesFrom(u market.Update) []tradeflow.Trade {
	if !u.HasLastTrade {
		return nil
	}
	side := tradeflow.SideBuy
	if u.LastTradeSide == market.SideSell {
		side = tradeflow.SideSell
	}
	return []tradeflow.Trade{{Ts: u.Ts, Price: u.LastTradePx, Size: 1, Side: side}}
}

// withSyntheticDepth steps the dry-mode depth-book simulator one tick and
// folds its top-of-book levels (and, when one fires, its own trade print)
// into the synthetic feed's update, so the depth-based analyzer and trade
// flow tracker see real book structure in dry mode rather than an empty
// book.
func withSyntheticDepth(u market.Update, sim *orderbook.Simulator, book *orderbook.Book) market.Update {
	trades := sim.Step(u.Mark, 5)

	snap := book.Depth()
	u.HasLevels = len(snap.Bids) > 0 && len(snap.Asks) > 0
	if u.HasLevels {
		u.Bids = marketLevels(snap.MarketLevels(orderbook.SideBuy))
		u.Asks = marketLevels(snap.MarketLevels(orderbook.SideSell))
	}

	if len(trades) > 0 {
		last := trades[len(trades)-1]
		u.HasLastTrade = true
		u.LastTradePx = last.Price
		u.LastTradeSide = market.SideBuy
		if last.Side == orderbook.SideSell {
			u.LastTradeSide = market.SideSell
		}
	}
	return u
}

func marketLevels(in []orderbook.MarketLevel) []market.Level {
	out := make([]market.Level, 0, len(in))
	for _, l := range in {
		out = append(out, market.Level{Price: l.Price, Size: l.Size})
	}
	return out
}

// runBackfillLoop drives the backfill scheduler on a fixed cadence,
// independent of the tick loop's own pace.
func runBackfillLoop(ctx context.Context, sched *backfill.Scheduler, enabled map[backfill.Timeframe]bool, lookback map[backfill.Timeframe]time.Duration) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sched.RunOnce(ctx, now, enabled, lookback)
		}
	}
}
