package statestore

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type sampleState struct {
	Tick int    `json:"tick"`
	Mode string `json:"mode"`
}

func TestEngineStateWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine_state.json")

	w, err := NewEngineStateWriter(path)
	if err != nil {
		t.Fatalf("NewEngineStateWriter: %v", err)
	}
	want := sampleState{Tick: 42, Mode: "live"}
	if err := w.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var got sampleState
	if err := w.Load(&got); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestEngineStateWriterOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine_state.json")
	w, err := NewEngineStateWriter(path)
	if err != nil {
		t.Fatalf("NewEngineStateWriter: %v", err)
	}

	if err := w.Save(sampleState{Tick: 1}); err != nil {
		t.Fatalf("Save 1: %v", err)
	}
	if err := w.Save(sampleState{Tick: 2}); err != nil {
		t.Fatalf("Save 2: %v", err)
	}

	var got sampleState
	if err := w.Load(&got); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Tick != 2 {
		t.Fatalf("tick = %d, want 2", got.Tick)
	}
	if _, err := os.Stat(path + ".tmp"); err == nil {
		t.Fatal("tmp file should not survive a successful Save")
	}
}

func TestEventLogAppendAndReadBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trades.jsonl")

	log, err := OpenEventLog(path)
	if err != nil {
		t.Fatalf("OpenEventLog: %v", err)
	}
	rec := TradeRecord{
		TradeID:        "t1",
		Side:           "buy",
		TimestampEntry: time.Now().UnixMilli(),
		TimestampExit:  time.Now().UnixMilli(),
		EntryPx:        100,
		ExitPx:         110,
		Size:           1,
		RealizedPnlUsd: 10,
	}
	if err := log.Append(rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
}

func TestEventLogAppendsMultipleLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "markers.jsonl")

	log, err := OpenEventLog(path)
	if err != nil {
		t.Fatalf("OpenEventLog: %v", err)
	}
	defer log.Close()

	for i := 0; i < 3; i++ {
		if err := log.Append(MarkerRecord{Ts: time.Now(), Kind: "bar1h_adaptive_switch"}); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	lines := readLines(t, path)
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
}

func TestCrashLimiterSuppressesRepeats(t *testing.T) {
	l := NewCrashLimiter(60 * time.Second)
	now := time.Now()

	if !l.ShouldWrite("panic", "nil pointer", "frame1", now) {
		t.Fatal("first write should be allowed")
	}
	if l.ShouldWrite("panic", "nil pointer", "frame1", now.Add(time.Second)) {
		t.Fatal("repeat within interval should be suppressed")
	}
	if !l.ShouldWrite("panic", "nil pointer", "frame1", now.Add(61*time.Second)) {
		t.Fatal("write after interval should be allowed again")
	}
	if !l.ShouldWrite("panic", "different message", "frame1", now) {
		t.Fatal("a different key should not be suppressed")
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if sc.Text() != "" {
			lines = append(lines, sc.Text())
		}
	}
	return lines
}
