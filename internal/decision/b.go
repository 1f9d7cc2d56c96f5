package decision

import (
	"math"
	"time"

	"github.com/ndrandal/hlperp-engine/internal/reason"
	"github.com/ndrandal/hlperp-engine/internal/structuresnap"
)

// BConfig parameterizes Decision B2's phases and execution guards.
type BConfig struct {
	MinClusterCount int
	MinMapStrength  float64

	SRReferenceWindowUsd float64 // default 80

	StartupNoOrderMs int64
	StartupWindowMs  int64

	FlowHostileThreshold float64 // default 0.5

	FundingHostileThreshold float64
	PremiumHostileThreshold float64
	MaxImpactSpreadBps      float64

	OIPriceTrapMinSamples int
	OIPriceTrapThreshold  float64

	FeeRateBps float64
	MinNetUsd  float64

	EntryWeightEdge     float64
	EntryWeightSpread   float64
	EntryWeightVelocity float64
	EntryWeightShock    float64
	MinEntryQuality     float64

	BaseSize float64

	FirepowerWeakSlope   float64
	FirepowerStrongSlope float64
	FirepowerWeak        float64
	FirepowerNormal      float64
	FirepowerStrong      float64

	// SLDistanceRatio sizes the stop-loss distance as a fraction of the TP's
	// structural distance, e.g. 0.5 stops out at half the reward.
	SLDistanceRatio float64
}

// DefaultBConfig returns reasonable defaults for the named thresholds
// (srReferenceGuard window 80 USD, three-tier firepower table).
func DefaultBConfig() BConfig {
	return BConfig{
		MinClusterCount:         1,
		MinMapStrength:          0.2,
		SRReferenceWindowUsd:    80,
		StartupNoOrderMs:        30_000,
		StartupWindowMs:         120_000,
		FlowHostileThreshold:    0.5,
		FundingHostileThreshold: 0.01,
		PremiumHostileThreshold: 0.005,
		MaxImpactSpreadBps:      25,
		OIPriceTrapMinSamples:   30,
		OIPriceTrapThreshold:    0.3,
		FeeRateBps:              4,
		MinNetUsd:               1,
		EntryWeightEdge:         0.4,
		EntryWeightSpread:       0.2,
		EntryWeightVelocity:     0.2,
		EntryWeightShock:        0.2,
		MinEntryQuality:         0.35,
		BaseSize:                1,
		FirepowerWeakSlope:      0.3,
		FirepowerStrongSlope:    2.0,
		FirepowerWeak:           0.5,
		FirepowerNormal:         1.0,
		FirepowerStrong:         1.5,
		SLDistanceRatio:         0.5,
	}
}

// DecideB2 evaluates the B0/B1 structure plus the B2 entry-selection
// phases. a must be an allowing AResult and snap must be non-nil; callers
// are expected to have already checked both (Decision A precedes B, and a
// missing snapshot is itself a B2NoSnapshot failure surfaced here).
func DecideB2(p Packet, a AResult, snap *structuresnap.Snapshot, srView structuresnap.SRView, cfg BConfig, now, startedAt time.Time) BResult {
	if snap == nil {
		return failB(reason.B2NoSnapshot, "B2: no structure snapshot")
	}

	// Phase 1: SR cluster gate + directional intent.
	if len(srView.Levels) < cfg.MinClusterCount || srView.MapStrength < cfg.MinMapStrength {
		return failB(reason.B2SRClusterThin, "B2: SR cluster too thin")
	}
	side := directionalIntent(a.Regime, a.Zone)
	if side == SideNone {
		return failB(reason.B2NoDirectionalIntent, "B2: no directional intent")
	}

	// Phase 2: containment + SR reference guard.
	channelT := 0.0
	if snap.Rails.Upper > snap.Rails.Lower {
		channelT = (p.Market.Mid - snap.Rails.Lower) / (snap.Rails.Upper - snap.Rails.Lower)
	}
	if !hasReferencePairWithin(srView, p.Market.Mid, cfg.SRReferenceWindowUsd) {
		return failB(reason.B2SRReferenceGuard, "B2: SR reference guard")
	}
	_ = channelT

	// Phase 4: execution guards, first failure wins.
	uptimeMs := now.Sub(startedAt).Milliseconds()
	if uptimeMs < cfg.StartupNoOrderMs {
		return failB(reason.GateStartup, "B2: startup guard (no orders)")
	}
	firepower := firepowerFor(p.LRC1h.NormalizedSlope, cfg)
	if uptimeMs < cfg.StartupWindowMs {
		firepower *= 0.5
	}

	alignedFlow := p.TradeFlow30s.FlowPressure
	if side == SideSell {
		alignedFlow = -alignedFlow
	}
	if alignedFlow <= -cfg.FlowHostileThreshold {
		return failB(reason.GateFlowHostile, "B2: flow hostile")
	}

	if side == SideBuy && p.Market.Funding > cfg.FundingHostileThreshold {
		return failB(reason.GateFundingHostile, "B2: funding hostile")
	}
	if side == SideSell && p.Market.Funding < -cfg.FundingHostileThreshold {
		return failB(reason.GateFundingHostile, "B2: funding hostile")
	}
	if side == SideBuy && p.Market.Premium > cfg.PremiumHostileThreshold {
		return failB(reason.GatePremiumHostile, "B2: premium hostile")
	}
	if side == SideSell && p.Market.Premium < -cfg.PremiumHostileThreshold {
		return failB(reason.GatePremiumHostile, "B2: premium hostile")
	}
	impactSpreadBps := impactSpreadBps(p)
	if impactSpreadBps > cfg.MaxImpactSpreadBps {
		return failB(reason.GateImpactSpread, "B2: impact spread too wide")
	}

	if p.HasOIDelta && priorSamples(p) >= cfg.OIPriceTrapMinSamples {
		if side == SideBuy && p.OIDelta < -cfg.OIPriceTrapThreshold && alignedFlow < 0 {
			return failB(reason.GateOIPriceTrap, "B2: OI-price trap")
		}
		if side == SideSell && p.OIDelta > cfg.OIPriceTrapThreshold && alignedFlow < 0 {
			return failB(reason.GateOIPriceTrap, "B2: OI-price trap")
		}
	}

	size := cfg.BaseSize * firepower
	notional := size * p.Market.Mid
	feeUsd := notional * cfg.FeeRateBps / 10_000
	structuralDistanceUsd := math.Abs(snap.Rails.Upper - snap.Rails.Lower)
	grossUsd := structuralDistanceUsd * size
	estimatedNetUsd := grossUsd - feeUsd
	if estimatedNetUsd < cfg.MinNetUsd {
		return failB(reason.GateFeeEdge, "B2: fee/edge guard")
	}

	quality := entryQualityScore(p, cfg, impactSpreadBps)
	if quality < cfg.MinEntryQuality {
		return failB(reason.GateExecutionQuality, "B2: execution quality too low")
	}

	tpPx := p.Market.Mid + structuralDistanceUsd
	slDistanceUsd := structuralDistanceUsd * cfg.SLDistanceRatio
	slPx := p.Market.Mid - slDistanceUsd
	if side == SideSell {
		tpPx = p.Market.Mid - structuralDistanceUsd
		slPx = p.Market.Mid + slDistanceUsd
	}

	return BResult{
		Side:                  side,
		Size:                  size,
		NotionalUsd:           notional,
		Firepower:             firepower,
		EntryProfile:          entryProfileFor(firepower, cfg),
		TPPx:                  tpPx,
		TPDistanceUsd:         structuralDistanceUsd,
		SLPx:                  slPx,
		SLDistanceUsd:         slDistanceUsd,
		StructuralDistanceUsd: structuralDistanceUsd,
		ExpectedUsd:           estimatedNetUsd,
		EntryQualityScore:     quality,
		Diagnostic:            reason.New(reason.B2OK, "B2: ok"),
	}
}

func failB(code reason.Code, msg string) BResult {
	return BResult{Side: SideNone, Diagnostic: reason.New(code, msg)}
}

func directionalIntent(regime Regime, zone Zone) Side {
	switch regime {
	case RegimeUp:
		if zone != ZoneTop {
			return SideBuy
		}
	case RegimeDown:
		if zone != ZoneBottom {
			return SideSell
		}
	}
	return SideNone
}

func hasReferencePairWithin(srView structuresnap.SRView, mid, windowUsd float64) bool {
	var hasAbove, hasBelow bool
	for _, lvl := range srView.Levels {
		d := math.Abs(lvl.Price - mid)
		if d > windowUsd {
			continue
		}
		if lvl.Price >= mid {
			hasAbove = true
		} else {
			hasBelow = true
		}
	}
	return hasAbove && hasBelow
}

func firepowerFor(normalizedSlope float64, cfg BConfig) float64 {
	switch {
	case normalizedSlope >= cfg.FirepowerStrongSlope:
		return cfg.FirepowerStrong
	case normalizedSlope < cfg.FirepowerWeakSlope:
		return cfg.FirepowerWeak
	default:
		return cfg.FirepowerNormal
	}
}

func entryProfileFor(firepower float64, cfg BConfig) EntryProfile {
	switch {
	case firepower >= cfg.FirepowerStrong:
		return "strong"
	case firepower <= cfg.FirepowerWeak:
		return "weak"
	default:
		return "normal"
	}
}

func impactSpreadBps(p Packet) float64 {
	if p.Market.ImpactBid <= 0 || p.Market.ImpactAsk <= 0 || p.Market.Mid <= 0 {
		return 0
	}
	return (p.Market.ImpactAsk - p.Market.ImpactBid) / p.Market.Mid * 10_000
}

func priorSamples(p Packet) int {
	return p.TradeFlow60s.TradeCount
}

// entryQualityScore combines edge, spread, velocity and shock components
// into a single [0,1]-ish score weighted by cfg's entry weights.
func entryQualityScore(p Packet, cfg BConfig, impactSpreadBps float64) float64 {
	edge := clamp01(p.LRC1h.NormalizedSlope / 2)
	spread := clamp01(1 - impactSpreadBps/cfg.MaxImpactSpreadBps)
	velocity := clamp01(1 - math.Abs(p.TradeFlow5s.Acceleration))
	shock := clamp01(1 - math.Abs(p.TradeFlow5s.FlowPressure-p.TradeFlow60s.FlowPressure))

	total := cfg.EntryWeightEdge + cfg.EntryWeightSpread + cfg.EntryWeightVelocity + cfg.EntryWeightShock
	if total == 0 {
		return 0
	}
	return (edge*cfg.EntryWeightEdge + spread*cfg.EntryWeightSpread + velocity*cfg.EntryWeightVelocity + shock*cfg.EntryWeightShock) / total
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
