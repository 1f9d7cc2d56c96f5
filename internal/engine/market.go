package engine

import (
	"math"
	"time"

	"github.com/ndrandal/hlperp-engine/internal/market"
)

const (
	baseDailyVol = 0.02   // 2% daily volatility at regime intensity 0.5 (scaled by 0.5+intensity)
	driftPerTick = 0.0    // zero drift for the synthetic feed
	ticksPerDay  = 86400  // approximate, for vol scaling
	tickSize     = 0.1
	fundingVol   = 0.00002
)

// SyntheticFeed drives a single-instrument GBM price walk plus a slowly
// drifting funding/premium/OI path, for MODE=dry runs that exercise the full
// decision pipeline without a live venue connection.
type SyntheticFeed struct {
	rng *RNG

	price   float64
	funding float64
	premium float64
	oi      float64
}

// NewSyntheticFeed creates a feed seeded at the given starting price.
func NewSyntheticFeed(rng *RNG, startPrice, startOI float64) *SyntheticFeed {
	return &SyntheticFeed{rng: rng, price: startPrice, oi: startOI}
}

// Tick advances the synthetic price/funding/OI state by one step, scaling
// the GBM step's volatility by vol (the current VolatilityController
// intensity, nominally in [0,1] but unclamped here), and returns a
// market.Update ready to fold into a market.Store the same way a decoded
// venue frame would.
func (f *SyntheticFeed) Tick(now time.Time, vol float64) market.Update {
	tickVol := baseDailyVol / math.Sqrt(ticksPerDay) * (0.5 + vol)
	z := f.rng.Gaussian()
	logReturn := driftPerTick + tickVol*z
	f.price *= math.Exp(logReturn)
	f.price = math.Round(f.price/tickSize) * tickSize
	if f.price < tickSize {
		f.price = tickSize
	}

	f.funding += f.rng.Gaussian() * fundingVol
	f.funding = clampSymmetric(f.funding, 0.01)
	f.premium = (f.rng.Gaussian() * 0.05) * f.price / 1000
	f.oi *= 1 + f.rng.Gaussian()*0.001

	side := market.SideBuy
	if f.rng.Float64() < 0.5 {
		side = market.SideSell
	}

	spread := tickSize * 2
	return market.Update{
		Ts:              now,
		HasBestBid:      true,
		BestBid:         f.price - spread/2,
		HasBestAsk:      true,
		BestAsk:         f.price + spread/2,
		HasOpenInterest: true,
		OpenInterest:    f.oi,
		HasFunding:      true,
		Funding:         f.funding,
		HasPremium:      true,
		Premium:         f.premium,
		HasMark:         true,
		Mark:            f.price,
		HasOracle:       true,
		Oracle:          f.price,
		HasImpactBid:    true,
		ImpactBid:       f.price - spread,
		HasImpactAsk:    true,
		ImpactAsk:       f.price + spread,
		HasLastTrade:    true,
		LastTradeSide:   side,
		LastTradePx:     f.price,
	}
}

func clampSymmetric(v, bound float64) float64 {
	if v > bound {
		return bound
	}
	if v < -bound {
		return -bound
	}
	return v
}

// Price returns the feed's current mark price.
func (f *SyntheticFeed) Price() float64 { return f.price }

// SetPrice overrides the current price (used when restoring from persisted
// state).
func (f *SyntheticFeed) SetPrice(price float64) { f.price = price }
