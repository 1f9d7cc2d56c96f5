package orderbook

import (
	"testing"

	"github.com/ndrandal/hlperp-engine/internal/engine"
)

func newTestSimulator() *Simulator {
	SetOrderIDCounter(0)
	rng := engine.NewRNG(42)
	book := NewBook(0.01)
	return NewSimulator(rng, book, 0.01)
}

func TestInitializeBidsAndAsks(t *testing.T) {
	sim := newTestSimulator()
	refPrice := 100.00
	sim.Initialize(refPrice)
	book := sim.Book()

	if book.BidLevels() == 0 {
		t.Fatal("no bid levels after Initialize")
	}
	if book.AskLevels() == 0 {
		t.Fatal("no ask levels after Initialize")
	}

	bestBid := book.BestBid()
	if bestBid >= refPrice {
		t.Fatalf("BestBid %f >= refPrice %f", bestBid, refPrice)
	}

	bestAsk := book.BestAsk()
	if bestAsk <= refPrice {
		t.Fatalf("BestAsk %f <= refPrice %f", bestAsk, refPrice)
	}
}

func TestInitializeBookPopulated(t *testing.T) {
	sim := newTestSimulator()
	sim.Initialize(100.00)
	book := sim.Book()
	want := MaxLevels * OrdersPerLevel * 2
	if book.OrderCount() != want {
		t.Fatalf("OrderCount = %d, want %d", book.OrderCount(), want)
	}
}

func TestInitializeSharesRoundLots(t *testing.T) {
	sim := newTestSimulator()
	sim.Initialize(100.00)
	for _, o := range sim.Book().AllOrders() {
		if int64(o.Shares)%100 != 0 {
			t.Fatalf("order shares = %v, not a round lot", o.Shares)
		}
		if o.Shares <= 0 {
			t.Fatalf("order shares = %v, should be positive", o.Shares)
		}
	}
}

func TestInitializePriceSnapping(t *testing.T) {
	sim := newTestSimulator()
	sim.Initialize(100.00)
	for _, o := range sim.Book().AllOrders() {
		cents := int64(o.Price * 100)
		reconstructed := float64(cents) / 100.0
		diff := o.Price - reconstructed
		if diff > 0.001 || diff < -0.001 {
			t.Fatalf("order price %f not snapped to 0.01", o.Price)
		}
	}
}

func TestStepKeepsBookNonEmpty(t *testing.T) {
	sim := newTestSimulator()
	sim.Initialize(100.00)
	for i := 0; i < 200; i++ {
		sim.Step(100.00, 3)
	}
	if sim.Book().OrderCount() == 0 {
		t.Fatal("book emptied out after 200 steps of mixed activity")
	}
}

func TestStepTradeEventsHaveValidSide(t *testing.T) {
	sim := newTestSimulator()
	sim.Initialize(100.00)
	for i := 0; i < 500; i++ {
		for _, tr := range sim.Step(100.00, 3) {
			if tr.Side != SideBuy && tr.Side != SideSell {
				t.Fatalf("trade event side = %c, want B or S", tr.Side)
			}
			if tr.Size <= 0 {
				t.Fatalf("trade event size = %v, want positive", tr.Size)
			}
			if tr.Price <= 0 {
				t.Fatalf("trade event price = %v, want positive", tr.Price)
			}
		}
	}
}

func TestDeterministicSimulation(t *testing.T) {
	run := func() []TradeEvent {
		SetOrderIDCounter(0)
		rng := engine.NewRNG(42)
		book := NewBook(0.01)
		sim := NewSimulator(rng, book, 0.01)
		sim.Initialize(100.00)
		var trades []TradeEvent
		for i := 0; i < 50; i++ {
			trades = append(trades, sim.Step(100.00, 2)...)
		}
		return trades
	}

	trades1 := run()
	trades2 := run()

	if len(trades1) != len(trades2) {
		t.Fatalf("determinism: different trade counts %d vs %d", len(trades1), len(trades2))
	}
	for i := range trades1 {
		if trades1[i] != trades2[i] {
			t.Fatalf("determinism: mismatch at trade %d", i)
		}
	}
}

func TestBookAccessor(t *testing.T) {
	sim := newTestSimulator()
	book := sim.Book()
	if book == nil {
		t.Fatal("Book() returned nil")
	}
	if book.TickSize != 0.01 {
		t.Fatalf("Book().TickSize = %v, want 0.01", book.TickSize)
	}
}
