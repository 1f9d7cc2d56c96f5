package lrc

import "time"

// AdaptiveConfig parameterizes the 1h lookback controller.
type AdaptiveConfig struct {
	StartLookback     int
	ExpandedLookback  int
	ExpandStep        int
	MinFinalSpanUsd   float64
	HighSpanUsd       float64
	SwitchCooldown    time.Duration
	WeakOrderAfterSwitch time.Duration
}

// DefaultAdaptiveConfig returns the documented defaults.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		StartLookback:        96,
		ExpandedLookback:     192,
		ExpandStep:           24,
		MinFinalSpanUsd:      150,
		HighSpanUsd:          600,
		SwitchCooldown:       30 * time.Minute,
		WeakOrderAfterSwitch: 15 * time.Minute,
	}
}

// AdaptiveController dynamically resizes the 1h LRC lookback so the A
// arena stays within a sane span. Holds its own runtime state instead of
// a module-global singleton.
type AdaptiveController struct {
	cfg             AdaptiveConfig
	currentLookback int
	lastSwitchAt    time.Time
	weakUntil       time.Time
	lastReason      string
}

// NewAdaptiveController creates a controller starting at StartLookback.
func NewAdaptiveController(cfg AdaptiveConfig) *AdaptiveController {
	return &AdaptiveController{cfg: cfg, currentLookback: cfg.StartLookback}
}

// Lookback returns the currently active lookback length.
func (a *AdaptiveController) Lookback() int { return a.currentLookback }

// Weak reports whether a recent switch put the controller into its
// post-switch constraint window; callers surface this as the
// "bar1h_adaptive_switching" constraint on the IOPacket.
func (a *AdaptiveController) Weak(now time.Time) bool {
	return now.Before(a.weakUntil)
}

// LastSwitchReason returns a short description of the most recent switch,
// or "" if none has occurred.
func (a *AdaptiveController) LastSwitchReason() string { return a.lastReason }

// Evaluate inspects the current 1h span and expands/shrinks the lookback
// if warranted, throttled by SwitchCooldown. Returns true if a switch
// occurred this call.
func (a *AdaptiveController) Evaluate(span float64, now time.Time) bool {
	if !a.lastSwitchAt.IsZero() && now.Sub(a.lastSwitchAt) < a.cfg.SwitchCooldown {
		return false
	}

	switch {
	case span < a.cfg.MinFinalSpanUsd && a.currentLookback < a.cfg.ExpandedLookback:
		a.currentLookback += a.cfg.ExpandStep
		if a.currentLookback > a.cfg.ExpandedLookback {
			a.currentLookback = a.cfg.ExpandedLookback
		}
		a.lastReason = "expand: span too narrow"
	case span > a.cfg.HighSpanUsd && a.currentLookback > a.cfg.StartLookback:
		a.currentLookback -= a.cfg.ExpandStep
		if a.currentLookback < a.cfg.StartLookback {
			a.currentLookback = a.cfg.StartLookback
		}
		a.lastReason = "shrink: span too wide"
	default:
		return false
	}

	a.lastSwitchAt = now
	a.weakUntil = now.Add(a.cfg.WeakOrderAfterSwitch)
	return true
}
