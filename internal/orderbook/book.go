package orderbook

import (
	"sort"
	"sync"
)

const (
	MaxLevels      = 20 // top-20 normalized levels per side
	OrdersPerLevel = 3  // initial orders per level, used by synthetic feeds
)

// PriceLevel holds orders at a single price point.
type PriceLevel struct {
	Price  float64
	Orders []*Order
}

// Book is a price-time priority depth book for the single configured
// market this engine trades.
type Book struct {
	mu       sync.RWMutex
	TickSize float64
	Bids     []PriceLevel // sorted descending by price
	Asks     []PriceLevel // sorted ascending by price
	orderMap map[uint64]*Order
}

// NewBook creates an empty depth book.
func NewBook(tickSize float64) *Book {
	return &Book{
		TickSize: tickSize,
		orderMap: make(map[uint64]*Order),
	}
}

// MidPrice returns the midpoint between best bid and best ask.
// Returns 0 if either side is empty.
func (b *Book) MidPrice() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.midPriceUnlocked()
}

func (b *Book) midPriceUnlocked() float64 {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return 0
	}
	return (b.Bids[0].Price + b.Asks[0].Price) / 2
}

// BestBid returns the best bid price, or 0 if empty.
func (b *Book) BestBid() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk returns the best ask price, or 0 if empty.
func (b *Book) BestAsk() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// AddOrder inserts an order into the book at the appropriate price level.
func (b *Book) AddOrder(o *Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.orderMap[o.ID] = o

	if o.Side == SideBuy {
		b.Bids = addToSide(b.Bids, o, true)
	} else {
		b.Asks = addToSide(b.Asks, o, false)
	}
}

// RemoveOrder removes an order by ID. Returns the removed order or nil.
func (b *Book) RemoveOrder(orderID uint64) *Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orderMap[orderID]
	if !ok {
		return nil
	}
	delete(b.orderMap, orderID)

	if o.Side == SideBuy {
		b.Bids = removeFromSide(b.Bids, orderID)
	} else {
		b.Asks = removeFromSide(b.Asks, orderID)
	}
	return o
}

// GetOrder returns an order by ID, or nil if not found.
func (b *Book) GetOrder(orderID uint64) *Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.orderMap[orderID]
}

// ReduceOrder reduces the size on an order. Returns the remaining size.
func (b *Book) ReduceOrder(orderID uint64, reduceBy float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orderMap[orderID]
	if !ok {
		return 0
	}
	o.Shares -= reduceBy
	if o.Shares <= 0 {
		o.Shares = 0
		delete(b.orderMap, orderID)
		if o.Side == SideBuy {
			b.Bids = removeFromSide(b.Bids, orderID)
		} else {
			b.Asks = removeFromSide(b.Asks, orderID)
		}
	}
	return o.Shares
}

// ReplaceOrder replaces an order with a new price/size. Returns the new order.
func (b *Book) ReplaceOrder(oldID uint64, newPrice float64, newShares float64) *Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	old, ok := b.orderMap[oldID]
	if !ok {
		return nil
	}

	delete(b.orderMap, oldID)
	if old.Side == SideBuy {
		b.Bids = removeFromSide(b.Bids, oldID)
	} else {
		b.Asks = removeFromSide(b.Asks, oldID)
	}

	newOrder := &Order{
		ID:     NextOrderID(),
		Side:   old.Side,
		Price:  newPrice,
		Shares: newShares,
		MPID:   old.MPID,
	}
	b.orderMap[newOrder.ID] = newOrder

	if newOrder.Side == SideBuy {
		b.Bids = addToSide(b.Bids, newOrder, true)
	} else {
		b.Asks = addToSide(b.Asks, newOrder, false)
	}

	return newOrder
}

// AllOrders returns all orders in the book (for persistence).
func (b *Book) AllOrders() []*Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	orders := make([]*Order, 0, len(b.orderMap))
	for _, o := range b.orderMap {
		orders = append(orders, o)
	}
	return orders
}

// OrderCount returns the total number of orders in the book.
func (b *Book) OrderCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.orderMap)
}

// BidLevels returns the number of bid price levels.
func (b *Book) BidLevels() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.Bids)
}

// AskLevels returns the number of ask price levels.
func (b *Book) AskLevels() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.Asks)
}

// RandomBidOrder returns the order at position idx on the bid side, or nil.
// Used by the synthetic feed to pick an order to cancel/replace.
func (b *Book) RandomBidOrder(idx int) *Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for _, lvl := range b.Bids {
		for _, o := range lvl.Orders {
			if count == idx {
				return o
			}
			count++
		}
	}
	return nil
}

// RandomAskOrder returns the order at position idx on the ask side, or nil.
func (b *Book) RandomAskOrder(idx int) *Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := 0
	for _, lvl := range b.Asks {
		for _, o := range lvl.Orders {
			if count == idx {
				return o
			}
			count++
		}
	}
	return nil
}

// TotalBidOrders returns the total number of bid orders.
func (b *Book) TotalBidOrders() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, lvl := range b.Bids {
		n += len(lvl.Orders)
	}
	return n
}

// TotalAskOrders returns the total number of ask orders.
func (b *Book) TotalAskOrders() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, lvl := range b.Asks {
		n += len(lvl.Orders)
	}
	return n
}

// RestoreOrder adds an order to the book during state restoration, without
// generating a new ID.
func (b *Book) RestoreOrder(o *Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.orderMap[o.ID] = o
	if o.Side == SideBuy {
		b.Bids = addToSide(b.Bids, o, true)
	} else {
		b.Asks = addToSide(b.Asks, o, false)
	}
}

// DepthLevel represents aggregated data at a single price level.
type DepthLevel struct {
	Price      float64
	Orders     int
	TotalShares float64
}

// DepthSnapshot is a point-in-time snapshot of the order book, at most
// MaxLevels deep per side.
type DepthSnapshot struct {
	Bids     []DepthLevel
	Asks     []DepthLevel
	BestBid  float64
	BestAsk  float64
	MidPrice float64
	Spread   float64
}

// Depth returns a thread-safe snapshot of the book's bid/ask levels.
func (b *Book) Depth() DepthSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := DepthSnapshot{}

	for _, lvl := range b.Bids {
		var total float64
		for _, o := range lvl.Orders {
			total += o.Shares
		}
		snap.Bids = append(snap.Bids, DepthLevel{
			Price:       lvl.Price,
			Orders:      len(lvl.Orders),
			TotalShares: total,
		})
	}

	for _, lvl := range b.Asks {
		var total float64
		for _, o := range lvl.Orders {
			total += o.Shares
		}
		snap.Asks = append(snap.Asks, DepthLevel{
			Price:       lvl.Price,
			Orders:      len(lvl.Orders),
			TotalShares: total,
		})
	}

	if len(b.Bids) > 0 {
		snap.BestBid = b.Bids[0].Price
	}
	if len(b.Asks) > 0 {
		snap.BestAsk = b.Asks[0].Price
	}
	if snap.BestBid > 0 && snap.BestAsk > 0 {
		snap.MidPrice = (snap.BestBid + snap.BestAsk) / 2
		snap.Spread = snap.BestAsk - snap.BestBid
	}

	return snap
}

// MarketLevels converts a DepthSnapshot's one side into the market
// package's Level shape, for handoff to the market.Store/depth analyzer.
func (d DepthSnapshot) MarketLevels(side Side) []MarketLevel {
	src := d.Bids
	if side == SideSell {
		src = d.Asks
	}
	out := make([]MarketLevel, 0, len(src))
	for _, lvl := range src {
		out = append(out, MarketLevel{Price: lvl.Price, Size: lvl.TotalShares})
	}
	return out
}

// MarketLevel mirrors market.Level without importing it; cmd/engine
// converts between the two when folding the dry-mode book into a
// market.Update.
type MarketLevel struct {
	Price float64
	Size  float64
}

// --- helpers ---

func addToSide(levels []PriceLevel, o *Order, descending bool) []PriceLevel {
	for i := range levels {
		if levels[i].Price == o.Price {
			levels[i].Orders = append(levels[i].Orders, o)
			return levels
		}
	}

	newLevel := PriceLevel{Price: o.Price, Orders: []*Order{o}}
	levels = append(levels, newLevel)

	if descending {
		sort.Slice(levels, func(i, j int) bool { return levels[i].Price > levels[j].Price })
	} else {
		sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
	}

	if len(levels) > MaxLevels {
		levels = levels[:MaxLevels]
	}
	return levels
}

func removeFromSide(levels []PriceLevel, orderID uint64) []PriceLevel {
	for i := range levels {
		for j := range levels[i].Orders {
			if levels[i].Orders[j].ID == orderID {
				levels[i].Orders = append(levels[i].Orders[:j], levels[i].Orders[j+1:]...)
				if len(levels[i].Orders) == 0 {
					levels = append(levels[:i], levels[i+1:]...)
				}
				return levels
			}
		}
	}
	return levels
}
