// Package structuresnap builds the B0/B1 StructureSnapshot — the 15m rails
// constrained by the 1h arena — plus an on-demand SR-cluster auxiliary
// view, using the same hash-stamped, versioned-record shape a persistence
// layer would, generalized from a persistence record to a cached
// derived-state record with an explicit validity predicate.
package structuresnap

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ndrandal/hlperp-engine/internal/lrc"
)

// Rails are the upper/lower bounds of a StructureSnapshot.
type Rails struct {
	Upper float64
	Lower float64
}

// Basis names what produced the rails.
type Basis string

const (
	BasisB1Overlap Basis = "b1_overlap"
	BasisNone      Basis = "none"
)

// Snapshot is the B1 artifact described in the data model: rails derived
// from the 15m LRC channel, constrained by the 1h arena, invalidated on
// position close.
type Snapshot struct {
	Rails           Rails
	SpanUsd         float64
	Basis           Basis
	StructureSource string
	Hash            string
	Version         int
	SnapshotSeq     int64
	CreatedAt       time.Time
}

// RebuildConfig parameterizes rebuild-trigger thresholds.
type RebuildConfig struct {
	RefreshMs              int64 // 0 => rebuild every tick
	RailsBreakBufferUsd    float64
	SpanChangeRatioThresh  float64
	MinOverlapRatio        float64 // default 0.7
}

// DefaultRebuildConfig returns the documented defaults.
func DefaultRebuildConfig() RebuildConfig {
	return RebuildConfig{
		RefreshMs:             0,
		RailsBreakBufferUsd:   5,
		SpanChangeRatioThresh: 0.25,
		MinOverlapRatio:       0.7,
	}
}

// Builder holds the current snapshot and the monotone sequence counter.
// Owned exclusively by the I/O aggregator; not a package-level singleton.
type Builder struct {
	cfg     RebuildConfig
	current *Snapshot
	seq     int64
	version int
}

// NewBuilder constructs a builder with the given rebuild configuration.
func NewBuilder(cfg RebuildConfig) *Builder {
	return &Builder{cfg: cfg, version: 1}
}

// Current returns the active snapshot, or nil if none exists.
func (b *Builder) Current() *Snapshot {
	return b.current
}

// InvalidateOnClose clears the current snapshot; called by the engine loop
// when a position closes.
func (b *Builder) InvalidateOnClose() {
	b.current = nil
}

// ShouldRebuild reports whether one of the three rebuild triggers fires:
// time, rails-break, or span-drift.
func (b *Builder) ShouldRebuild(now time.Time, mid, observedSpan float64) bool {
	if b.current == nil {
		return true
	}
	if b.cfg.RefreshMs == 0 {
		return true
	}
	ageMs := now.Sub(b.current.CreatedAt).Milliseconds()
	if ageMs >= b.cfg.RefreshMs {
		return true
	}
	if mid > b.current.Rails.Upper+b.cfg.RailsBreakBufferUsd || mid < b.current.Rails.Lower-b.cfg.RailsBreakBufferUsd {
		return true
	}
	if b.current.SpanUsd > 0 {
		drift := math.Abs(observedSpan-b.current.SpanUsd) / b.current.SpanUsd
		if drift >= b.cfg.SpanChangeRatioThresh {
			return true
		}
	}
	return false
}

// Candidate is one higher-timeframe structural reference level produced by
// B0 from the daily arena (support/resistance line, pivot, etc).
type Candidate struct {
	Price float64
	Kind  string
}

// Rebuild computes B1's 15m rails from lrc15m, constrained by the 1h arena
// (areaTop/areaBottom), and emits a new Snapshot iff the inclusion ratio
// clears MinOverlapRatio. Returns ok=false (no snapshot emitted, current
// left untouched) when the overlap gate fails.
func (b *Builder) Rebuild(now time.Time, lrc15m lrc.State, areaTop, areaBottom float64, candidates []Candidate) (Snapshot, bool) {
	if !lrc15m.Ready {
		return Snapshot{}, false
	}

	bWidth := lrc15m.ChannelTop - lrc15m.ChannelBottom
	if bWidth <= 0 {
		return Snapshot{}, false
	}

	overlapTop := math.Min(lrc15m.ChannelTop, areaTop)
	overlapBottom := math.Max(lrc15m.ChannelBottom, areaBottom)
	overlapWidth := overlapTop - overlapBottom
	if overlapWidth < 0 {
		overlapWidth = 0
	}

	ratio := overlapWidth / bWidth
	if ratio < b.cfg.MinOverlapRatio {
		return Snapshot{}, false
	}

	rails := Rails{Upper: lrc15m.ChannelTop, Lower: lrc15m.ChannelBottom}
	h := hashRailsCandidates(rails, candidates)

	b.seq++
	snap := Snapshot{
		Rails:           rails,
		SpanUsd:         rails.Upper - rails.Lower,
		Basis:           BasisB1Overlap,
		StructureSource: "bar15m_lrc",
		Hash:            h,
		Version:         b.version,
		SnapshotSeq:     b.seq,
		CreatedAt:       now,
	}
	b.current = &snap
	return snap, true
}

// hashRailsCandidates computes a stable 16-hex digest over rails and
// candidates, order-independent in the candidate set (sorted before
// hashing) so unordered rebuilds that produce identical {rails,
// candidates} yield identical hashes.
func hashRailsCandidates(rails Rails, candidates []Candidate) string {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Price != sorted[j].Price {
			return sorted[i].Price < sorted[j].Price
		}
		return sorted[i].Kind < sorted[j].Kind
	})

	h := sha256.New()
	fmt.Fprintf(h, "%.6f|%.6f|", rails.Upper, rails.Lower)
	for _, c := range sorted {
		fmt.Fprintf(h, "%.6f:%s|", c.Price, c.Kind)
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}

// --- SR-cluster auxiliary view ---

// Pivot is a left-bars pivot high/low detected on bar15m closes.
type Pivot struct {
	Price float64
	IsHigh bool
}

// SRLevel is one surviving level in the auxiliary view, ranked by distance
// from the channel center.
type SRLevel struct {
	Price float64
	IsHigh bool
}

// SRView is the B0/B1 auxiliary support/resistance map built on-demand from
// bar15m pivots.
type SRView struct {
	Levels      []SRLevel
	MapStrength float64 // [0,1]: coverage + pathDepth composite
}

// SRViewConfig parameterizes pivot collapse.
type SRViewConfig struct {
	NearRatio float64 // merge distance as a fraction of channel width
	MaxLevels int
}

// DefaultSRViewConfig returns the documented defaults.
func DefaultSRViewConfig() SRViewConfig {
	return SRViewConfig{NearRatio: 0.08, MaxLevels: 6}
}

// BuildSRView filters pivots to those inside rails, collapses adjacent
// pivots within nearRatio*width preferring the outer line, keeps at most
// MaxLevels ordered by distance from the channel center, and computes
// mapStrength from coverage (fraction of rails width spanned by surviving
// levels) and pathDepth (level count normalized by MaxLevels).
func BuildSRView(cfg SRViewConfig, rails Rails, pivots []Pivot) SRView {
	center := (rails.Upper + rails.Lower) / 2
	width := rails.Upper - rails.Lower
	if width <= 0 {
		return SRView{}
	}

	var inside []Pivot
	for _, p := range pivots {
		if p.Price <= rails.Upper && p.Price >= rails.Lower {
			inside = append(inside, p)
		}
	}
	sort.Slice(inside, func(i, j int) bool { return inside[i].Price < inside[j].Price })

	nearDist := cfg.NearRatio * width
	var collapsed []Pivot
	for _, p := range inside {
		if len(collapsed) == 0 {
			collapsed = append(collapsed, p)
			continue
		}
		last := collapsed[len(collapsed)-1]
		if math.Abs(p.Price-last.Price) <= nearDist {
			// prefer the outer line: for a high pivot pair keep the higher
			// price, for a low pivot pair keep the lower price.
			if p.IsHigh && p.Price > last.Price {
				collapsed[len(collapsed)-1] = p
			} else if !p.IsHigh && p.Price < last.Price {
				collapsed[len(collapsed)-1] = p
			}
			continue
		}
		collapsed = append(collapsed, p)
	}

	sort.Slice(collapsed, func(i, j int) bool {
		return math.Abs(collapsed[i].Price-center) < math.Abs(collapsed[j].Price-center)
	})
	if len(collapsed) > cfg.MaxLevels {
		collapsed = collapsed[:cfg.MaxLevels]
	}

	levels := make([]SRLevel, 0, len(collapsed))
	var minPx, maxPx float64
	for i, p := range collapsed {
		levels = append(levels, SRLevel{Price: p.Price, IsHigh: p.IsHigh})
		if i == 0 || p.Price < minPx {
			minPx = p.Price
		}
		if i == 0 || p.Price > maxPx {
			maxPx = p.Price
		}
	}

	var coverage float64
	if len(levels) > 0 {
		coverage = (maxPx - minPx) / width
		if coverage > 1 {
			coverage = 1
		}
	}
	pathDepth := float64(len(levels)) / float64(cfg.MaxLevels)
	if pathDepth > 1 {
		pathDepth = 1
	}

	return SRView{Levels: levels, MapStrength: (coverage + pathDepth) / 2}
}

// CacheKey is the (snapshotHash, baseMid, createdAt) validity struct for
// the SR-cluster view cache.
type CacheKey struct {
	SnapshotHash string
	BaseMid      float64
	CreatedAt    time.Time
}

// ValidFor reports whether a cached view built under key is still valid
// given the current snapshot hash, mid, and now — hash must match exactly,
// mid drift must be within invalidateMidDriftUsd, and age within cacheTtlMs.
func (k CacheKey) ValidFor(now time.Time, currentHash string, currentMid float64, invalidateMidDriftUsd float64, cacheTtlMs int64) bool {
	if k.SnapshotHash != currentHash {
		return false
	}
	if math.Abs(currentMid-k.BaseMid) > invalidateMidDriftUsd {
		return false
	}
	if now.Sub(k.CreatedAt).Milliseconds() > cacheTtlMs {
		return false
	}
	return true
}
