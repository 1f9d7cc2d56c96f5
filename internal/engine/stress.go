package engine

import (
	"math"
	"time"
)

// VolatilityRegime is the current intensity regime the synthetic feed is
// drawing from.
type VolatilityRegime int

const (
	RegimeCalm    VolatilityRegime = 0
	RegimeElevated VolatilityRegime = 1
	RegimeShock   VolatilityRegime = 2
)

func (p VolatilityRegime) String() string {
	switch p {
	case RegimeCalm:
		return "calm"
	case RegimeElevated:
		return "elevated"
	case RegimeShock:
		return "shock"
	default:
		return "unknown"
	}
}

// VolatilityConfig holds the regime-duration ranges, in seconds.
type VolatilityConfig struct {
	CalmMinSec, CalmMaxSec         int
	ElevatedMinSec, ElevatedMaxSec int
	ShockMinSec, ShockMaxSec       int
}

// DefaultVolatilityConfig returns the documented regime-duration ranges.
func DefaultVolatilityConfig() VolatilityConfig {
	return VolatilityConfig{
		CalmMinSec:     30,
		CalmMaxSec:     120,
		ElevatedMinSec: 10,
		ElevatedMaxSec: 60,
		ShockMinSec:    5,
		ShockMaxSec:    30,
	}
}

// VolatilityController drives the synthetic feed's per-tick volatility
// multiplier using a sine-wave + mean-reverting random walk, repurposed
// here to vary GBM step size instead of book action rate.
type VolatilityController struct {
	rng    *RNG
	config VolatilityConfig

	regime        VolatilityRegime
	regimeStart    time.Time
	regimeDuration time.Duration
	intensity      float64 // 0.0 (calm) to 1.0 (max shock)

	t          float64
	tStep      float64
	randomWalk float64
}

// NewVolatilityController creates a controller starting in the calm regime.
func NewVolatilityController(rng *RNG, cfg VolatilityConfig) *VolatilityController {
	vc := &VolatilityController{
		rng:        rng,
		config:     cfg,
		regime:     RegimeCalm,
		regimeStart: time.Now(),
		tStep:      0.01,
	}
	vc.regimeDuration = vc.randomDuration(cfg.CalmMinSec, cfg.CalmMaxSec)
	return vc
}

// Tick advances the controller and returns the current intensity in [0,1],
// the value SyntheticFeed.Tick consumes as its vol parameter.
func (vc *VolatilityController) Tick() float64 {
	vc.t += vc.tStep
	sineComponent := (math.Sin(vc.t) + 1) / 2 // [0, 1]

	vc.randomWalk += vc.rng.Gaussian() * 0.02
	vc.randomWalk *= 0.98 // mean revert

	vc.intensity = sineComponent + vc.randomWalk
	if vc.intensity < 0 {
		vc.intensity = 0
	}
	if vc.intensity > 1 {
		vc.intensity = 1
	}

	// Rare shock spike, independent of the sine/random-walk path.
	if vc.rng.Float64() < 0.001 {
		vc.intensity = 1.0
	}

	now := time.Now()
	if now.Sub(vc.regimeStart) >= vc.regimeDuration {
		vc.regimeStart = now
		vc.updateRegime()
	}

	return vc.intensity
}

// Regime returns the current volatility regime.
func (vc *VolatilityController) Regime() VolatilityRegime { return vc.regime }

// Intensity returns the current intensity level [0, 1].
func (vc *VolatilityController) Intensity() float64 { return vc.intensity }

func (vc *VolatilityController) updateRegime() {
	switch {
	case vc.intensity < 0.3:
		vc.regime = RegimeCalm
		vc.regimeDuration = vc.randomDuration(vc.config.CalmMinSec, vc.config.CalmMaxSec)
	case vc.intensity < 0.7:
		vc.regime = RegimeElevated
		vc.regimeDuration = vc.randomDuration(vc.config.ElevatedMinSec, vc.config.ElevatedMaxSec)
	default:
		vc.regime = RegimeShock
		vc.regimeDuration = vc.randomDuration(vc.config.ShockMinSec, vc.config.ShockMaxSec)
	}
}

func (vc *VolatilityController) randomDuration(minSec, maxSec int) time.Duration {
	secs := vc.rng.IntRange(minSec, maxSec)
	return time.Duration(secs) * time.Second
}
