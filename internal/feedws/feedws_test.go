package feedws

import (
	"testing"

	"github.com/ndrandal/hlperp-engine/internal/market"
)

func TestDecodeFrameL2Book(t *testing.T) {
	raw := []byte(`{"channel":"l2Book","data":{"levels":[[{"px":"100.5","sz":"2"}],[{"px":"101.0","sz":"3"}]],"time":1000}}`)
	u, ok := decodeFrame(raw)
	if !ok {
		t.Fatal("expected ok")
	}
	if !u.HasBestBid || u.BestBid != 100.5 {
		t.Fatalf("bestBid = %+v", u)
	}
	if !u.HasBestAsk || u.BestAsk != 101.0 {
		t.Fatalf("bestAsk = %+v", u)
	}
	if !u.HasLevels || len(u.Bids) != 1 || len(u.Asks) != 1 {
		t.Fatalf("levels = %+v", u)
	}
}

func TestDecodeFrameAssetCtx(t *testing.T) {
	raw := []byte(`{"channel":"activeAssetCtx","data":{"funding":"0.0001","openInterest":"500","premium":"0.002","markPx":"100.1","oraclePx":"100.0","time":2000}}`)
	u, ok := decodeFrame(raw)
	if !ok {
		t.Fatal("expected ok")
	}
	if !u.HasFunding || u.Funding != 0.0001 {
		t.Fatalf("funding = %+v", u)
	}
	if !u.HasOpenInterest || u.OpenInterest != 500 {
		t.Fatalf("oi = %+v", u)
	}
}

func TestDecodeFrameTradeSide(t *testing.T) {
	raw := []byte(`{"channel":"trades","data":[{"side":"A","px":"99.5","time":3000}]}`)
	u, ok := decodeFrame(raw)
	if !ok {
		t.Fatal("expected ok")
	}
	if !u.HasLastTrade || u.LastTradeSide != market.SideSell || u.LastTradePx != 99.5 {
		t.Fatalf("trade = %+v", u)
	}
}

func TestDecodeFrameMalformedIsSkipped(t *testing.T) {
	if _, ok := decodeFrame([]byte(`not json`)); ok {
		t.Fatal("expected not-ok for malformed JSON")
	}
	if _, ok := decodeFrame([]byte(`{"channel":"unknown","data":{}}`)); ok {
		t.Fatal("expected not-ok for unrecognized channel")
	}
	if _, ok := decodeFrame([]byte(`{"channel":"l2Book","data":{"levels":[[],[]]}}`)); !ok {
		t.Fatal("expected ok with HasLevels true even when both sides are empty")
	}
}
