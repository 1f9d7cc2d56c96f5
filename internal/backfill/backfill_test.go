package backfill

import (
	"context"
	"testing"
	"time"
)

type recordingSink struct {
	got []Candle
}

func (r *recordingSink) Backfill(candles []Candle) error {
	r.got = append(r.got, candles...)
	return nil
}

func TestRecordOutcomeResetsBackoffOnSuccess(t *testing.T) {
	s := NewScheduler("BTC", nil, nil)
	now := time.Now()

	s.recordOutcome(Timeframe1h, assertErr(t), now)
	st := s.states[Timeframe1h]
	if st.attempts != 1 {
		t.Fatalf("attempts = %d, want 1", st.attempts)
	}
	if st.nextRetryAt.Sub(now) != initialBackoff {
		t.Fatalf("nextRetryAt delta = %v, want %v", st.nextRetryAt.Sub(now), initialBackoff)
	}

	s.recordOutcome(Timeframe1h, assertErr(t), now.Add(initialBackoff))
	if st.attempts != 2 {
		t.Fatalf("attempts = %d, want 2", st.attempts)
	}
	if st.nextRetryAt.Sub(now.Add(initialBackoff)) != 2*initialBackoff {
		t.Fatalf("backoff did not double: %v", st.nextRetryAt.Sub(now.Add(initialBackoff)))
	}

	s.recordOutcome(Timeframe1h, nil, now)
	if st.attempts != 0 {
		t.Fatalf("attempts after success = %d, want 0 (reset)", st.attempts)
	}
	if !st.nextRetryAt.IsZero() {
		t.Fatal("nextRetryAt should reset to zero on success")
	}
}

func TestRecordOutcomeCapsBackoffAtMax(t *testing.T) {
	s := NewScheduler("BTC", nil, nil)
	now := time.Now()
	st := s.states[Timeframe15m]
	st.attempts = 20 // far past the point where doubling would overflow/exceed max

	s.recordOutcome(Timeframe15m, assertErr(t), now)
	if st.nextRetryAt.Sub(now) != maxBackoff {
		t.Fatalf("backoff = %v, want capped at %v", st.nextRetryAt.Sub(now), maxBackoff)
	}
}

func TestRecordOutcomeHonorsRetryAfter(t *testing.T) {
	s := NewScheduler("BTC", nil, nil)
	now := time.Now()
	err := retryAfterError{err: assertErr(t), after: 90 * time.Second}

	s.recordOutcome(Timeframe1h, err, now)
	st := s.states[Timeframe1h]
	if st.nextRetryAt.Sub(now) != 90*time.Second {
		t.Fatalf("nextRetryAt delta = %v, want 90s (Retry-After honored)", st.nextRetryAt.Sub(now))
	}
}

func TestRunOnceSkipsInFlightAndBackoff(t *testing.T) {
	s := NewScheduler("BTC", map[Timeframe]Sink{}, nil)
	now := time.Now()
	s.states[Timeframe1h].nextRetryAt = now.Add(time.Minute)

	// RunOnce should skip 1h (not yet due) without blocking; disabled 15m
	// is skipped entirely. This just asserts it returns promptly.
	done := make(chan struct{})
	go func() {
		s.RunOnce(context.Background(), now, map[Timeframe]bool{Timeframe1h: true, Timeframe15m: false}, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunOnce did not return promptly when all timeframes are skippable")
	}
}

func assertErr(t *testing.T) error {
	t.Helper()
	return context.DeadlineExceeded
}

func TestDecodeCandlesAcceptsBareArrayAndWrappedShapes(t *testing.T) {
	bare := []byte(`[{"t":1,"T":2,"o":"1.0","h":"2.0","l":"0.5","c":"1.5","v":"10"}]`)
	got, err := decodeCandles(bare)
	if err != nil || len(got) != 1 {
		t.Fatalf("bare array: got %v, err %v", got, err)
	}

	wrapped := []byte(`{"data":[{"t":1,"T":2,"o":"1.0","h":"2.0","l":"0.5","c":"1.5","v":"10"}]}`)
	got, err = decodeCandles(wrapped)
	if err != nil || len(got) != 1 {
		t.Fatalf("wrapped data: got %v, err %v", got, err)
	}

	resultWrapped := []byte(`{"result":[{"t":1,"T":2,"o":"1.0","h":"2.0","l":"0.5","c":"1.5","v":"10"}]}`)
	got, err = decodeCandles(resultWrapped)
	if err != nil || len(got) != 1 {
		t.Fatalf("wrapped result: got %v, err %v", got, err)
	}
}
