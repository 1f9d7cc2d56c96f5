// Package tradeflow tracks buy/sell trade pressure over several rolling
// windows, using the same mutex-guarded ring-buffer tracker shape as
// internal/bar.Tracker.
package tradeflow

import (
	"sync"
	"time"
)

// Side is the trade aggressor side.
type Side byte

const (
	SideBuy  Side = 'B'
	SideSell Side = 'S'
)

// Trade is one executed print fed into the tracker.
type Trade struct {
	Ts    time.Time
	Price float64
	Size  float64
	Side  Side
}

// WindowConfig names one rolling window and its duration.
type WindowConfig struct {
	Name     string
	Duration time.Duration
}

// Config parameterizes the tracker.
type Config struct {
	Windows          []WindowConfig
	LargeTradeFactor float64 // default 3: large if notional >= factor * avgNotional
	CleanupInterval  time.Duration
	MaxBufferSize    int
}

// DefaultConfig returns the documented 5s/30s/60s windows.
func DefaultConfig() Config {
	return Config{
		Windows: []WindowConfig{
			{Name: "5s", Duration: 5 * time.Second},
			{Name: "30s", Duration: 30 * time.Second},
			{Name: "60s", Duration: 60 * time.Second},
		},
		LargeTradeFactor: 3,
		CleanupInterval:  time.Second,
		MaxBufferSize:    20000,
	}
}

// WindowStats is the derived state for a single window.
type WindowStats struct {
	TradeCount      int
	BuyVolumeUsd    float64
	SellVolumeUsd   float64
	FlowPressure    float64
	TradeRatePerSec float64
	VWAP            float64
	LargeTradeCount int
	Acceleration    float64
}

// Tracker maintains the trade ring buffer and per-window derived stats. The
// ring is trimmed to the widest configured window and capped at
// MaxBufferSize at each cleanup.
type Tracker struct {
	mu  sync.RWMutex
	cfg Config

	trades        []Trade
	lastCleanupAt time.Time

	oi        float64
	prevOi    float64
	oiDeltaTs time.Time
	hasOi     bool
}

// NewTracker constructs a tracker from cfg.
func NewTracker(cfg Config) *Tracker {
	return &Tracker{cfg: cfg}
}

// widestWindow returns the longest configured window duration.
func (t *Tracker) widestWindow() time.Duration {
	var widest time.Duration
	for _, w := range t.cfg.Windows {
		if w.Duration > widest {
			widest = w.Duration
		}
	}
	return widest
}

// Feed records one trade print.
func (t *Tracker) Feed(tr Trade) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.trades = append(t.trades, tr)

	if t.lastCleanupAt.IsZero() || tr.Ts.Sub(t.lastCleanupAt) >= t.cfg.CleanupInterval {
		t.evict(tr.Ts)
		t.lastCleanupAt = tr.Ts
	}
}

func (t *Tracker) evict(now time.Time) {
	cutoff := now.Add(-t.widestWindow())
	i := 0
	for ; i < len(t.trades); i++ {
		if !t.trades[i].Ts.Before(cutoff) {
			break
		}
	}
	t.trades = t.trades[i:]

	if len(t.trades) > t.cfg.MaxBufferSize {
		excess := len(t.trades) - t.cfg.MaxBufferSize
		t.trades = t.trades[excess:]
	}
}

// UpdateOI records the latest open interest reading.
func (t *Tracker) UpdateOI(ts time.Time, oi float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prevOi = t.oi
	t.oi = oi
	t.oiDeltaTs = ts
	t.hasOi = true
}

// OIDelta returns oi - prevOi and its timestamp.
func (t *Tracker) OIDelta() (delta float64, ts time.Time, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.hasOi {
		return 0, time.Time{}, false
	}
	return t.oi - t.prevOi, t.oiDeltaTs, true
}

// Stats computes WindowStats for the named window as of now. Returns false
// if the window is not configured.
func (t *Tracker) Stats(name string, now time.Time) (WindowStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var dur time.Duration
	found := false
	for _, w := range t.cfg.Windows {
		if w.Name == name {
			dur = w.Duration
			found = true
			break
		}
	}
	if !found {
		return WindowStats{}, false
	}

	cutoff := now.Add(-dur)
	var windowed []Trade
	for _, tr := range t.trades {
		if !tr.Ts.Before(cutoff) {
			windowed = append(windowed, tr)
		}
	}

	return computeStats(windowed, dur, t.cfg.LargeTradeFactor), true
}

func computeStats(trades []Trade, dur time.Duration, largeTradeFactor float64) WindowStats {
	if len(trades) == 0 {
		return WindowStats{}
	}

	var buyUsd, sellUsd, notionalSum, pxVolSum, volSum float64
	for _, tr := range trades {
		notional := tr.Price * tr.Size
		notionalSum += notional
		pxVolSum += tr.Price * tr.Size
		volSum += tr.Size
		if tr.Side == SideBuy {
			buyUsd += notional
		} else {
			sellUsd += notional
		}
	}

	total := buyUsd + sellUsd
	stats := WindowStats{
		TradeCount:    len(trades),
		BuyVolumeUsd:  buyUsd,
		SellVolumeUsd: sellUsd,
	}
	if total > 0 {
		stats.FlowPressure = (buyUsd - sellUsd) / total
	}
	if volSum > 0 {
		stats.VWAP = pxVolSum / volSum
	}
	if dur > 0 {
		stats.TradeRatePerSec = float64(len(trades)) / dur.Seconds()
	}

	avgNotional := notionalSum / float64(len(trades))
	if avgNotional > 0 {
		for _, tr := range trades {
			if tr.Price*tr.Size >= largeTradeFactor*avgNotional {
				stats.LargeTradeCount++
			}
		}
	}

	mid := len(trades) / 2
	if mid > 0 {
		recentHalf := trades[mid:]
		prevHalf := trades[:mid]
		recentNotional := sumNotional(recentHalf)
		prevNotional := sumNotional(prevHalf)
		if prevNotional > 0 {
			stats.Acceleration = (recentNotional - prevNotional) / prevNotional
		}
	}

	return stats
}

func sumNotional(trades []Trade) float64 {
	var sum float64
	for _, tr := range trades {
		sum += tr.Price * tr.Size
	}
	return sum
}
