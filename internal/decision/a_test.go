package decision

import (
	"strings"
	"testing"
	"time"

	"github.com/ndrandal/hlperp-engine/internal/lrc"
	"github.com/ndrandal/hlperp-engine/internal/market"
	"github.com/ndrandal/hlperp-engine/internal/reason"
)

func basePacket(now time.Time) Packet {
	return Packet{
		Ts: now,
		Market: market.Snapshot{
			Ts:  now,
			Mid: 50000,
		},
		Bar1hReady: true,
		Bar1hHigh:  50100,
		Bar1hLow:   49900,
		LRC1h: lrc.State{
			Ready:           true,
			ChannelTop:      50200,
			ChannelBottom:   49800,
			ChannelMid:      50000,
			TrendState:      lrc.TrendFlat,
			NormalizedSlope: 0.05,
		},
		LRCDay: lrc.State{Ready: true, ChannelTop: 51000, ChannelBottom: 49000, ChannelMid: 50000},
	}
}

func TestDecideAStaleMarket(t *testing.T) {
	now := time.Now()
	p := basePacket(now)
	p.Market.Ts = now.Add(-20 * time.Second)
	res := DecideA(p, DefaultAConfig(), now, 0)
	if res.Allow {
		t.Fatal("expected deny")
	}
	if res.Diagnostic.Code != reason.AStaleMarket {
		t.Fatalf("code = %v, want AStaleMarket", res.Diagnostic.Code)
	}
	if res.Regime != RegimeNone {
		t.Fatalf("regime = %v, want NONE", res.Regime)
	}
}

func TestDecideABar1hNotReadyTestModeOverride(t *testing.T) {
	now := time.Now()
	p := basePacket(now)
	p.Bar1hReady = false
	cfg := DefaultAConfig()
	cfg.TestMode = true
	res := DecideA(p, cfg, now, 1)
	if !res.Allow {
		t.Fatalf("expected test-mode override to allow, got diag=%v", res.Diagnostic)
	}
}

func TestDecideABar1hNotReadyDeniedOutsideTestMode(t *testing.T) {
	now := time.Now()
	p := basePacket(now)
	p.Bar1hReady = false
	res := DecideA(p, DefaultAConfig(), now, 1)
	if res.Allow || res.Diagnostic.Code != reason.ANotReadyBar1h {
		t.Fatalf("got %+v", res)
	}
}

func TestDecideARangeTooNarrowMessageFormat(t *testing.T) {
	now := time.Now()
	p := basePacket(now)
	p.Bar1hHigh = 50005
	p.Bar1hLow = 49995 // activeRange = 10
	p.LRC1h.ChannelTop = 50005
	p.LRC1h.ChannelBottom = 49995 // lookbackRange = 10, effective = 10
	cfg := DefaultAConfig()
	cfg.MinRangeUsd = 50

	res := DecideA(p, cfg, now, 0)
	if res.Allow {
		t.Fatal("expected deny")
	}
	if res.Diagnostic.Code != reason.ARangeTooNarrow {
		t.Fatalf("code = %v, want ARangeTooNarrow", res.Diagnostic.Code)
	}
	want := "A: range too narrow usd=10.00 < 50"
	if res.Diagnostic.Message != want {
		t.Fatalf("message = %q, want %q", res.Diagnostic.Message, want)
	}
	if res.Regime != RegimeNone {
		t.Fatalf("regime = %v, want NONE", res.Regime)
	}
}

func TestDecideARegimeZoneResolution(t *testing.T) {
	now := time.Now()
	p := basePacket(now)
	p.LRC1h.TrendState = lrc.TrendUp
	p.Market.Mid = 50190 // near channel top (50200), ratio ~0.975 -> zone top

	res := DecideA(p, DefaultAConfig(), now, 0)
	if !res.Allow {
		t.Fatalf("expected allow, got %+v", res.Diagnostic)
	}
	if res.Regime != RegimeUp {
		t.Fatalf("regime = %v, want UP", res.Regime)
	}
	if res.Zone != ZoneTop {
		t.Fatalf("zone = %v, want top", res.Zone)
	}
}

func TestDecideAOkReasonMessage(t *testing.T) {
	now := time.Now()
	res := DecideA(basePacket(now), DefaultAConfig(), now, 0)
	if !res.Allow || !strings.HasPrefix(res.Diagnostic.Message, "A: ok") {
		t.Fatalf("got %+v", res)
	}
}
