package decision

import (
	"fmt"
	"math"
	"time"

	"github.com/ndrandal/hlperp-engine/internal/lrc"
	"github.com/ndrandal/hlperp-engine/internal/reason"
)

// AConfig parameterizes Decision A's gate thresholds.
type AConfig struct {
	MaxMarketAgeMs int64 // 10s
	MaxBar1hAgeMs  int64 // 60s
	MaxLrcAAgeMs   int64 // 60s
	MinRangeUsd    float64
	FlatThresh     float64 // mirrors lrc.Config.FlatThresh for trend_strength bucketing
	TestMode       bool
}

// DefaultAConfig returns the documented defaults.
func DefaultAConfig() AConfig {
	return AConfig{
		MaxMarketAgeMs: 10_000,
		MaxBar1hAgeMs:  60_000,
		MaxLrcAAgeMs:   60_000,
		MinRangeUsd:    50,
		FlatThresh:     0.15,
	}
}

// DecideA runs the ordered Decision A gate sequence, first failure wins.
func DecideA(p Packet, cfg AConfig, now time.Time, bar1hConfirmedCount int) AResult {
	marketAgeMs := now.Sub(p.Market.Ts).Milliseconds()
	if marketAgeMs > cfg.MaxMarketAgeMs {
		return deny(reason.AStaleMarket, "A: data not ready")
	}

	bar1hReady := p.Bar1hReady
	if cfg.TestMode {
		bar1hReady = bar1hConfirmedCount >= 1 || p.Bar1hReady
	}
	if !bar1hReady {
		return deny(reason.ANotReadyBar1h, "A: bar1h not ready")
	}

	bar1hAgeMs := now.Sub(p.Ts).Milliseconds()
	if bar1hAgeMs > cfg.MaxBar1hAgeMs {
		return deny(reason.AStaleBar1h, "A: bar1h stale")
	}

	if !p.LRC1h.Ready {
		return deny(reason.ANotReadyLrcA, "A: lrc1h not ready")
	}
	if bar1hAgeMs > cfg.MaxLrcAAgeMs {
		return deny(reason.AStaleLrcA, "A: lrc1h stale")
	}

	if !finite(p.Market.Mid) {
		return deny(reason.AInvalidC, "A: invalid price")
	}

	activeRange := p.Bar1hHigh - p.Bar1hLow
	if activeRange <= 0 {
		return deny(reason.AInvalidRange, "A: invalid range")
	}

	lookbackRange := p.LRC1h.ChannelTop - p.LRC1h.ChannelBottom
	effectiveRange := math.Max(activeRange, lookbackRange)
	if effectiveRange < cfg.MinRangeUsd {
		return AResult{
			Allow:  false,
			Regime: RegimeNone,
			Diagnostic: reason.New(reason.ARangeTooNarrow,
				rangeTooNarrowMessage(effectiveRange, cfg.MinRangeUsd)),
		}
	}

	activeArea := Arena{Top: p.LRC1h.ChannelTop, Bottom: p.LRC1h.ChannelBottom, Mid: p.LRC1h.ChannelMid}
	dailyArea := Arena{Top: p.LRCDay.ChannelTop, Bottom: p.LRCDay.ChannelBottom, Mid: p.LRCDay.ChannelMid}

	regime := RegimeRange
	switch {
	case p.LRC1h.TrendState == lrc.TrendUp && p.Market.Mid >= activeArea.Mid:
		regime = RegimeUp
	case p.LRC1h.TrendState == lrc.TrendDown && p.Market.Mid <= activeArea.Mid:
		regime = RegimeDown
	}

	zone := ZoneMiddle
	if activeArea.Top > activeArea.Bottom {
		ratio := (p.Market.Mid - activeArea.Bottom) / (activeArea.Top - activeArea.Bottom)
		switch {
		case ratio >= 0.66:
			zone = ZoneTop
		case ratio <= 0.33:
			zone = ZoneBottom
		}
	}

	strength := TrendNormal
	switch {
	case p.LRC1h.NormalizedSlope >= cfg.FlatThresh*3:
		strength = TrendStrong
	case p.LRC1h.NormalizedSlope < cfg.FlatThresh*1.5:
		strength = TrendWeak
	}

	return AResult{
		Allow:         true,
		Regime:        regime,
		Zone:          zone,
		TrendStrength: strength,
		ActiveArea:    activeArea,
		DailyArea:     dailyArea,
		Diagnostic:    reason.New(reason.AOK, "A: ok"),
	}
}

func deny(code reason.Code, msg string) AResult {
	return AResult{Allow: false, Regime: RegimeNone, Diagnostic: reason.New(code, msg)}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func rangeTooNarrowMessage(effective, min float64) string {
	return fmt.Sprintf("A: range too narrow usd=%.2f < %v", effective, min)
}
