package decision

import (
	"sync"
	"time"

	"github.com/ndrandal/hlperp-engine/internal/reason"
)

// DiagnosticLimiter rate-limits repeated emission of the same reason code,
// so a gate that fails every tick for minutes doesn't flood the log.
type DiagnosticLimiter struct {
	mu       sync.Mutex
	interval time.Duration
	lastSeen map[reason.Code]time.Time
}

// NewDiagnosticLimiter builds a limiter allowing one emission per code per
// interval (the default gate cadence is one per 5 s).
func NewDiagnosticLimiter(interval time.Duration) *DiagnosticLimiter {
	return &DiagnosticLimiter{interval: interval, lastSeen: make(map[reason.Code]time.Time)}
}

// ShouldEmit reports whether code may be logged/surfaced now, and records
// the emission if so.
func (l *DiagnosticLimiter) ShouldEmit(code reason.Code, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	last, ok := l.lastSeen[code]
	if ok && now.Sub(last) < l.interval {
		return false
	}
	l.lastSeen[code] = now
	return true
}
