package decision

import (
	"testing"
	"time"

	"github.com/ndrandal/hlperp-engine/internal/reason"
)

func TestDiagnosticLimiterSuppressesWithinInterval(t *testing.T) {
	l := NewDiagnosticLimiter(5 * time.Second)
	now := time.Now()

	if !l.ShouldEmit(reason.AStaleMarket, now) {
		t.Fatal("first emission should be allowed")
	}
	if l.ShouldEmit(reason.AStaleMarket, now.Add(time.Second)) {
		t.Fatal("re-emission within interval should be suppressed")
	}
	if !l.ShouldEmit(reason.AStaleMarket, now.Add(6*time.Second)) {
		t.Fatal("emission after interval should be allowed again")
	}
}

func TestDiagnosticLimiterTracksCodesIndependently(t *testing.T) {
	l := NewDiagnosticLimiter(5 * time.Second)
	now := time.Now()

	if !l.ShouldEmit(reason.AStaleMarket, now) {
		t.Fatal("expected allow")
	}
	if !l.ShouldEmit(reason.ANotReadyBar1h, now) {
		t.Fatal("a distinct code must not be suppressed by another code's emission")
	}
}
