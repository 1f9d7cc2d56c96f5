// Package backfill fetches missed candles from the Hyperliquid REST API to
// repair bar trackers after a gap (startup, reconnect, or detected staleness).
// Each timeframe maintains its own retry state and backs off exponentially
// on transient failure, honoring a Retry-After response header when present.
package backfill

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ndrandal/hlperp-engine/internal/bar"
)

const infoURL = "https://api.hyperliquid.xyz/info"

const (
	initialBackoff = 5 * time.Second
	maxBackoff      = 5 * time.Minute
)

// Timeframe identifies which bar tracker a fetch feeds.
type Timeframe string

const (
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
)

// Candle mirrors Hyperliquid's candleSnapshot response row.
type Candle struct {
	OpenMs  int64   `json:"t"`
	CloseMs int64   `json:"T"`
	Open    float64 `json:"o,string"`
	High    float64 `json:"h,string"`
	Low     float64 `json:"l,string"`
	Close   float64 `json:"c,string"`
	Volume  float64 `json:"v,string"`
}

// state tracks one timeframe's in-flight/backoff bookkeeping.
type state struct {
	mu          sync.Mutex
	inFlight    bool
	nextRetryAt time.Time
	attempts    int
	lastError   error
}

// Sink receives fetched candles for replay into a bar tracker.
type Sink interface {
	Backfill(candles []Candle) error
}

// Scheduler coordinates concurrent REST backfills for the 15m and 1h
// timeframes without the tick loop ever awaiting them.
type Scheduler struct {
	hc     *http.Client
	coin   string
	states map[Timeframe]*state
	sinks  map[Timeframe]Sink
	onEvent func(kind string, tf Timeframe, detail string)
}

// NewScheduler creates a Scheduler for the given coin/symbol name.
func NewScheduler(coin string, sinks map[Timeframe]Sink, onEvent func(kind string, tf Timeframe, detail string)) *Scheduler {
	s := &Scheduler{
		hc:      &http.Client{Timeout: 15 * time.Second},
		coin:    coin,
		states:  map[Timeframe]*state{Timeframe15m: {}, Timeframe1h: {}},
		sinks:   sinks,
		onEvent: onEvent,
	}
	return s
}

// RunOnce fires a backfill attempt for every enabled timeframe concurrently,
// skipping any timeframe whose backoff window hasn't elapsed yet or that's
// already in flight. It never blocks the caller past the network calls
// actually needed — skipped timeframes return immediately.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time, enabled map[Timeframe]bool, lookback map[Timeframe]time.Duration) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(2)

	for tf, on := range enabled {
		if !on {
			continue
		}
		tf := tf
		st := s.states[tf]
		st.mu.Lock()
		ready := !st.inFlight && !now.Before(st.nextRetryAt)
		if ready {
			st.inFlight = true
		}
		st.mu.Unlock()
		if !ready {
			continue
		}

		g.Go(func() error {
			defer func() {
				st.mu.Lock()
				st.inFlight = false
				st.mu.Unlock()
			}()
			err := s.fetchAndApply(ctx, tf, lookback[tf])
			s.recordOutcome(tf, err, time.Now())
			return nil // errors are per-timeframe, never fail the group
		})
	}

	g.Wait()
}

func (s *Scheduler) recordOutcome(tf Timeframe, err error, now time.Time) {
	st := s.states[tf]
	st.mu.Lock()
	defer st.mu.Unlock()

	if err == nil {
		st.attempts = 0
		st.lastError = nil
		st.nextRetryAt = time.Time{}
		if s.onEvent != nil {
			s.onEvent("bar"+string(tf)+"_backfill_success", tf, "")
		}
		return
	}

	st.attempts++
	st.lastError = err
	delay := initialBackoff << uint(st.attempts-1)
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}
	if rae, ok := err.(retryAfterError); ok && rae.after > 0 {
		delay = rae.after
	}
	st.nextRetryAt = now.Add(delay)

	kind := "backfill_failed"
	if _, ok := err.(applyError); ok {
		kind = "backfill_exception"
	}
	if s.onEvent != nil {
		s.onEvent("bar"+string(tf)+"_"+kind, tf, err.Error())
	}
	log.Printf("backfill: %s attempt %d failed, retry in %v: %v", tf, st.attempts, delay, err)
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string { return e.err.Error() }

// applyError marks a failure in the sink-apply phase (candles fetched fine,
// replaying them into the bar tracker failed) as distinct from a fetch
// failure, so recordOutcome reports it as backfill_exception instead of
// backfill_failed; the backoff retry is scheduled the same way for both.
type applyError struct{ err error }

func (e applyError) Error() string { return e.err.Error() }

func (s *Scheduler) fetchAndApply(ctx context.Context, tf Timeframe, lookback time.Duration) error {
	candles, err := s.fetchCandles(ctx, tf, lookback)
	if err != nil {
		return err
	}
	sink, ok := s.sinks[tf]
	if !ok {
		return nil
	}
	if err := sink.Backfill(candles); err != nil {
		return applyError{err: fmt.Errorf("apply %s backfill: %w", tf, err)}
	}
	if s.onEvent != nil {
		s.onEvent("bar"+string(tf)+"_backfill_ready", tf, fmt.Sprintf("%d candles", len(candles)))
	}
	return nil
}

func (s *Scheduler) fetchCandles(ctx context.Context, tf Timeframe, lookback time.Duration) ([]Candle, error) {
	end := time.Now()
	start := end.Add(-lookback)

	body := map[string]any{
		"type": "candleSnapshot",
		"req": map[string]any{
			"coin":      s.coin,
			"interval":  intervalFor(tf),
			"startTime": start.UnixMilli(),
			"endTime":   end.UnixMilli(),
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, infoURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := s.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
		after := parseRetryAfter(res.Header.Get("Retry-After"))
		b, _ := io.ReadAll(res.Body)
		return nil, retryAfterError{err: fmt.Errorf("candleSnapshot %s: %d: %s", tf, res.StatusCode, string(b)), after: after}
	}
	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("candleSnapshot %s: %d: %s", tf, res.StatusCode, string(b))
	}

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read candleSnapshot %s body: %w", tf, err)
	}
	return decodeCandles(raw)
}

// decodeCandles accepts either a bare array or a {data|candles|snapshot|
// result: [...]} wrapper, matching the documented response shape variance.
func decodeCandles(raw []byte) ([]Candle, error) {
	var arr []Candle
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr, nil
	}

	var wrapped struct {
		Data     []Candle `json:"data"`
		Candles  []Candle `json:"candles"`
		Snapshot []Candle `json:"snapshot"`
		Result   []Candle `json:"result"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode candleSnapshot: %w", err)
	}
	for _, candidate := range [][]Candle{wrapped.Data, wrapped.Candles, wrapped.Snapshot, wrapped.Result} {
		if len(candidate) > 0 {
			return candidate, nil
		}
	}
	return nil, nil
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func intervalFor(tf Timeframe) string {
	switch tf {
	case Timeframe15m:
		return "15m"
	case Timeframe1h:
		return "1h"
	default:
		return string(tf)
	}
}

// barSink adapts a *bar.Tracker to the Sink interface by converting the
// candles to bars and merging them via the tracker's MergeBackfillCandles.
type barSink struct {
	tr *bar.Tracker
}

// NewBarSink wraps tr so a Scheduler can backfill it directly.
func NewBarSink(tr *bar.Tracker) Sink {
	return barSink{tr: tr}
}

func (b barSink) Backfill(candles []Candle) error {
	bars := make([]bar.Bar, 0, len(candles))
	for _, c := range candles {
		bars = append(bars, bar.Bar{
			TsStart:      c.OpenMs,
			Open:         c.Open,
			High:         c.High,
			Low:          c.Low,
			Close:        c.Close,
			CloseHistory: []float64{c.Close},
		})
	}
	b.tr.MergeBackfillCandles(bars)
	return nil
}
