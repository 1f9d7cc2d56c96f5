package orderbook

import (
	"math"

	"github.com/ndrandal/hlperp-engine/internal/engine"
)

// Action weights for synthetic book activity.
var actionWeights = []float64{
	0.30, // Add
	0.20, // Cancel
	0.15, // Replace
	0.15, // Trade
	0.20, // Replenish
}

const (
	actionAdd       = 0
	actionCancel    = 1
	actionReplace   = 2
	actionTrade     = 3
	actionReplenish = 4
)

// Synthetic market-maker tags, for flavor; MPID has no meaning on this
// venue beyond distinguishing attributed flow in the dry-mode feed.
var mpids = []string{"ALPH", "BETA", "GMMA", "DLTA", "OMEG"}

// TradeEvent is a synthetic print generated by Simulator.Step, consumed by
// the dry-mode feed to drive market.Update.LastTrade and the trade flow
// tracker's windows.
type TradeEvent struct {
	Price float64
	Size  float64
	Side  Side // aggressor side
}

// Simulator drives simulated depth-book activity for the dry-mode (no
// venue connection) synthetic feed, producing TradeEvent, the only output
// the rest of the pipeline needs.
type Simulator struct {
	rng      *engine.RNG
	book     *Book
	tickSize float64
}

// NewSimulator creates a new book simulator.
func NewSimulator(rng *engine.RNG, book *Book, tickSize float64) *Simulator {
	return &Simulator{rng: rng, book: book, tickSize: tickSize}
}

// Book returns the underlying depth book.
func (s *Simulator) Book() *Book {
	return s.book
}

// Initialize seeds the book with MaxLevels bid and ask levels of
// OrdersPerLevel orders each, around a reference price.
func (s *Simulator) Initialize(refPrice float64) {
	for level := 0; level < MaxLevels; level++ {
		offset := float64(level+1) * s.tickSize

		bidPrice := snapPrice(refPrice-offset, s.tickSize)
		askPrice := snapPrice(refPrice+offset, s.tickSize)

		for j := 0; j < OrdersPerLevel; j++ {
			bidOrder := &Order{
				ID:       NextOrderID(),
				Side:     SideBuy,
				Price:    bidPrice,
				Shares:   s.lotSize(100, 1000),
				Priority: int32(j),
			}
			if s.rng.Float64() < 0.3 {
				bidOrder.MPID = mpids[s.rng.Intn(len(mpids))]
			}
			s.book.AddOrder(bidOrder)

			askOrder := &Order{
				ID:       NextOrderID(),
				Side:     SideSell,
				Price:    askPrice,
				Shares:   s.lotSize(100, 1000),
				Priority: int32(j),
			}
			if s.rng.Float64() < 0.3 {
				askOrder.MPID = mpids[s.rng.Intn(len(mpids))]
			}
			s.book.AddOrder(askOrder)
		}
	}
}

// Step performs numActions simulated actions and returns any trade prints
// generated along the way (most actions produce none).
func (s *Simulator) Step(currentPrice float64, numActions int) []TradeEvent {
	var trades []TradeEvent

	for i := 0; i < numActions; i++ {
		switch s.rng.WeightedPick(actionWeights) {
		case actionAdd:
			s.doAdd(currentPrice)
		case actionCancel:
			s.doCancel()
		case actionReplace:
			s.doReplace(currentPrice)
		case actionTrade:
			if t, ok := s.doTrade(); ok {
				trades = append(trades, t)
			}
		case actionReplenish:
			s.doReplenish(currentPrice)
		}
	}

	return trades
}

func (s *Simulator) lotSize(lo, hi int) float64 {
	shares := s.rng.IntRange(lo, hi)
	return float64((shares / 100) * 100)
}

// doAdd places a new limit order 1-10 ticks from mid.
func (s *Simulator) doAdd(currentPrice float64) {
	side := SideBuy
	if s.rng.Float64() < 0.5 {
		side = SideSell
	}

	offset := float64(s.rng.IntRange(1, 10)) * s.tickSize
	price := currentPrice - offset
	if side == SideSell {
		price = currentPrice + offset
	}
	price = snapPrice(price, s.tickSize)
	if price < s.tickSize {
		price = s.tickSize
	}

	o := &Order{
		ID:     NextOrderID(),
		Side:   side,
		Price:  price,
		Shares: float64(s.rng.IntRange(1, 10)) * 100,
	}
	if s.rng.Float64() < 0.2 {
		o.MPID = mpids[s.rng.Intn(len(mpids))]
	}
	s.book.AddOrder(o)
}

// doCancel removes a random order from the book.
func (s *Simulator) doCancel() {
	o := s.pickRandomOrder()
	if o == nil {
		return
	}
	s.book.RemoveOrder(o.ID)
}

// doReplace modifies an existing order's price or size.
func (s *Simulator) doReplace(currentPrice float64) {
	o := s.pickRandomOrder()
	if o == nil {
		return
	}

	shift := float64(s.rng.IntRange(-2, 2)) * s.tickSize
	newPrice := snapPrice(o.Price+shift, s.tickSize)
	if newPrice < s.tickSize {
		newPrice = s.tickSize
	}
	newShares := float64(s.rng.IntRange(1, 10)) * 100

	s.book.ReplaceOrder(o.ID, newPrice, newShares)
}

// doTrade executes an aggressive order that crosses the spread, producing
// one TradeEvent.
func (s *Simulator) doTrade() (TradeEvent, bool) {
	bestBid := s.book.BestBid()
	bestAsk := s.book.BestAsk()
	if bestBid == 0 || bestAsk == 0 {
		return TradeEvent{}, false
	}

	aggressor := SideBuy
	o := s.book.RandomAskOrder(0)
	if s.rng.Float64() >= 0.5 {
		aggressor = SideSell
		o = s.book.RandomBidOrder(0)
	}
	if o == nil {
		return TradeEvent{}, false
	}

	tradeShares := o.Shares
	if o.Shares > 100 {
		tradeShares = float64(s.rng.IntRange(1, int(o.Shares/100))) * 100
		if tradeShares <= 0 {
			tradeShares = o.Shares
		}
	}

	price := o.Price
	s.book.ReduceOrder(o.ID, tradeShares)

	return TradeEvent{Price: price, Size: tradeShares, Side: aggressor}, true
}

// doReplenish adds liquidity at 1-5 ticks from mid.
func (s *Simulator) doReplenish(currentPrice float64) {
	side := SideBuy
	if s.rng.Float64() < 0.5 {
		side = SideSell
	}

	offset := float64(s.rng.IntRange(1, 5)) * s.tickSize
	price := currentPrice - offset
	if side == SideSell {
		price = currentPrice + offset
	}
	price = snapPrice(price, s.tickSize)
	if price < s.tickSize {
		price = s.tickSize
	}

	o := &Order{
		ID:     NextOrderID(),
		Side:   side,
		Price:  price,
		Shares: float64(s.rng.IntRange(2, 10)) * 100,
	}
	if s.rng.Float64() < 0.25 {
		o.MPID = mpids[s.rng.Intn(len(mpids))]
	}
	s.book.AddOrder(o)
}

func (s *Simulator) pickRandomOrder() *Order {
	totalBid := s.book.TotalBidOrders()
	totalAsk := s.book.TotalAskOrders()
	total := totalBid + totalAsk
	if total == 0 {
		return nil
	}
	idx := s.rng.Intn(total)
	if idx < totalBid {
		return s.book.RandomBidOrder(idx)
	}
	return s.book.RandomAskOrder(idx - totalBid)
}

func snapPrice(price, tickSize float64) float64 {
	return math.Round(price/tickSize) * tickSize
}
