// Package decision implements the two-tier decision stack: Decision A (the
// macro gate over the 1h channel), the Meta/toxic-flow gate, and Decision
// B0/B1/B2 (structure-level entry selection with execution guards). Each
// gate is an ordered, first-failure-wins chain of typed checks, the same
// validation shape internal/api's HTTP handlers use, generalized from
// request validation to the decision pipeline.
package decision

import (
	"github.com/ndrandal/hlperp-engine/internal/ioagg"
	"github.com/ndrandal/hlperp-engine/internal/reason"
)

// Regime classifies the 1h macro trend relative to the active area.
type Regime string

const (
	RegimeNone  Regime = "NONE"
	RegimeUp    Regime = "UP"
	RegimeDown  Regime = "DOWN"
	RegimeRange Regime = "RANGE"
)

// Zone is the mid's position within the active area.
type Zone string

const (
	ZoneTop    Zone = "top"
	ZoneMiddle Zone = "middle"
	ZoneBottom Zone = "bottom"
)

// TrendStrength buckets the 1h normalized slope magnitude.
type TrendStrength string

const (
	TrendStrong TrendStrength = "STRONG"
	TrendNormal TrendStrength = "normal"
	TrendWeak   TrendStrength = "weak"
)

// Arena is a resolved operating price channel (1h active area or daily
// area) at decision time.
type Arena struct {
	Top    float64
	Bottom float64
	Mid    float64
}

// AResult is Decision A's output.
type AResult struct {
	Allow         bool
	Regime        Regime
	Zone          Zone
	TrendStrength TrendStrength
	ActiveArea    Arena
	DailyArea     Arena
	Diagnostic    reason.Diagnostic
}

// Side is the intended position side. "none" is used for a non-opening
// result.
type Side string

const (
	SideNone Side = "none"
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// EntryProfile names the sizing/quality bucket selected for this entry.
type EntryProfile string

// BResult is Decision B2's output. Side == SideNone on any guard failure;
// the triggering Diagnostic is always populated.
type BResult struct {
	Side                   Side
	Size                   float64
	NotionalUsd            float64
	Firepower              float64
	EntryProfile           EntryProfile
	TPPx                   float64
	TPDistanceUsd          float64
	SLPx                   float64
	SLDistanceUsd          float64
	StructuralDistanceUsd  float64
	ExpectedUsd            float64
	EntryQualityScore      float64
	Diagnostic             reason.Diagnostic
}

// Packet is a local alias so callers only need to import this package and
// ioagg.
type Packet = ioagg.Packet
