package decision

import (
	"github.com/ndrandal/hlperp-engine/internal/reason"
)

// MetaConfig parameterizes the toxic-flow gate.
type MetaConfig struct {
	Lookback        int     // not read by MetaGate; the score is a Decay-weighted running average
	ToxicThreshold  float64 // score below this is toxic
	Decay           float64 // exponential decay applied to the running score each tick
}

// DefaultMetaConfig returns reasonable defaults.
func DefaultMetaConfig() MetaConfig {
	return MetaConfig{Lookback: 20, ToxicThreshold: -0.6, Decay: 0.9}
}

// MetaGate evaluates flow toxicity before Decision A. It keeps its own
// opaque running score carried across ticks (an owned struct field, not a
// module-global).
type MetaGate struct {
	cfg   MetaConfig
	score float64
}

// NewMetaGate constructs a gate from cfg.
func NewMetaGate(cfg MetaConfig) *MetaGate {
	return &MetaGate{cfg: cfg}
}

// Observe folds this tick's flow pressure into the running score.
func (m *MetaGate) Observe(flowPressure float64) {
	m.score = m.score*m.cfg.Decay + flowPressure*(1-m.cfg.Decay)
}

// Evaluate returns Allow=false with MetaToxicFlow when the running score
// has decayed below ToxicThreshold.
func (m *MetaGate) Evaluate() (allow bool, diag reason.Diagnostic) {
	if m.score <= m.cfg.ToxicThreshold {
		return false, reason.New(reason.MetaToxicFlow, "Meta: toxic flow")
	}
	return true, reason.New(reason.None, "")
}

// Score exposes the running score for the dashboard/health surface.
func (m *MetaGate) Score() float64 { return m.score }
