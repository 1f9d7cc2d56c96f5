// Package lrc computes TradingView-compatible linear regression channels
// over a close-price window. The math has no analog among the available
// third-party libraries, so it is hand-rolled on the standard library:
// degenerate denominators return zero, never NaN, and any non-finite
// intermediate downgrades the whole result to Ready=false.
package lrc

import "math"

// TrendState classifies the channel's slope-normalized direction.
type TrendState string

const (
	TrendUp      TrendState = "up"
	TrendDown    TrendState = "down"
	TrendFlat    TrendState = "flat"
	TrendUnknown TrendState = "unknown"
)

// Config parameterizes one LRC engine instance (B-15m, A-1h, D-daily each
// carry their own).
type Config struct {
	Len        int     // look-back length; channel requires Len+1 samples to be ready
	DevLen     float64 // std-dev multiplier for channel top/bottom envelopes
	K          float64 // slope-normalization constant: epsilon = K/Len
	FlatThresh float64 // normalizedSlope below this is "flat"
}

// DefaultConfig returns reasonable defaults; callers override Len per
// timeframe (B-15m, A-1h, D-daily all use different lengths).
func DefaultConfig(length int) Config {
	return Config{Len: length, DevLen: 2.0, K: 1.0, FlatThresh: 0.15}
}

// State is the LRC engine's output for one evaluation.
type State struct {
	ChannelTop    float64
	ChannelBottom float64
	ChannelMid    float64
	Slope         float64 // TV-compatible slope: linreg(len,0) - linreg(len,1)
	Dev           float64
	NormalizedSlope float64
	TrendState    TrendState
	Ready         bool
}

// Compute evaluates the channel over closes, which must be newest-first
// (closes[0] is the most recent close), matching bar.Tracker.CloseArray's
// contract. Returns Ready=false with zero fields if fewer than Len+1
// samples are available or any intermediate is non-finite.
func Compute(cfg Config, closes []float64) State {
	if cfg.Len < 2 || len(closes) < cfg.Len+1 {
		return State{TrendState: TrendUnknown}
	}

	proj0, slope0, intercept0, ok0 := linregWindow(closes[0:cfg.Len])
	proj1, _, _, ok1 := linregWindow(closes[1 : 1+cfg.Len])
	if !ok0 || !ok1 {
		return State{TrendState: TrendUnknown}
	}

	tvSlope := proj0 - proj1
	if !finite(tvSlope) {
		return State{TrendState: TrendUnknown}
	}

	dev := residualStdDev(closes[0:cfg.Len], slope0, intercept0)
	mid := intercept0 + slope0*float64(cfg.Len-1)
	top := mid + dev*cfg.DevLen
	bottom := mid - dev*cfg.DevLen

	if !finite(dev) || !finite(mid) || !finite(top) || !finite(bottom) {
		return State{TrendState: TrendUnknown}
	}

	epsilon := 0.0
	if cfg.Len > 0 {
		epsilon = cfg.K / float64(cfg.Len)
	}
	normalizedSlope := 0.0
	if epsilon > 0 {
		normalizedSlope = math.Abs(tvSlope) / epsilon
	}

	trend := TrendFlat
	switch {
	case normalizedSlope < cfg.FlatThresh:
		trend = TrendFlat
	case tvSlope > 0:
		trend = TrendUp
	case tvSlope < 0:
		trend = TrendDown
	default:
		trend = TrendFlat
	}

	return State{
		ChannelTop:      top,
		ChannelBottom:   bottom,
		ChannelMid:      mid,
		Slope:           tvSlope,
		Dev:             dev,
		NormalizedSlope: normalizedSlope,
		TrendState:      trend,
		Ready:           true,
	}
}

// linregWindow fits an OLS line over window (newest-first, length cfg.Len)
// and returns the fit value at the most recent sample (x = len-1), along
// with the slope/intercept in the (x=0 oldest .. x=len-1 newest)
// coordinate frame used by channel math. ok is false on a window shorter
// than 2 samples or a non-finite intermediate — never NaN; a zero
// denominator yields a flat line through the mean.
func linregWindow(window []float64) (projected, slope, intercept float64, ok bool) {
	n := len(window)
	if n < 2 {
		return 0, 0, 0, false
	}

	var sumX, sumY, sumXY, sumXX float64
	for k, y := range window {
		x := float64(n - 1 - k) // oldest sample (k=n-1) -> x=0, newest (k=0) -> x=n-1
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(n)
	meanX := sumX / fn
	meanY := sumY / fn

	denom := sumXX - fn*meanX*meanX
	if denom == 0 {
		// Degenerate: all x identical (impossible here) or n==0; return a
		// flat line through the mean rather than NaN.
		return meanY, 0, meanY, finite(meanY)
	}

	b := (sumXY - fn*meanX*meanY) / denom
	a := meanY - b*meanX
	proj := a + b*float64(n-1)

	if !finite(b) || !finite(a) || !finite(proj) {
		return 0, 0, 0, false
	}
	return proj, b, a, true
}

// residualStdDev computes sqrt(mean((y - yhat)^2)) over the window in the
// same (x=0 oldest .. x=len-1 newest) coordinate frame as linregWindow.
func residualStdDev(window []float64, slope, intercept float64) float64 {
	n := len(window)
	if n == 0 {
		return 0
	}
	var sumSq float64
	for k, y := range window {
		x := float64(n - 1 - k)
		yhat := intercept + slope*x
		d := y - yhat
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(n))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
