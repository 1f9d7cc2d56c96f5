package health

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func newTestMonitor() *Monitor {
	return NewMonitor(prometheus.NewRegistry())
}

func TestSnapshotUnknownStageWarns(t *testing.T) {
	m := newTestMonitor()
	rep := m.Snapshot(time.Now())
	if rep.Status != StatusWarn {
		t.Fatalf("status = %v, want warn when no stage has ever beaten", rep.Status)
	}
	for _, s := range rep.Stages {
		if s.Status != StatusUnknown {
			t.Fatalf("stage = %+v, want unknown", s)
		}
	}
}

func TestSnapshotClassifiesByAge(t *testing.T) {
	m := newTestMonitor()
	now := time.Now()
	m.Beat(StageNetwork, now.Add(-10*time.Second))
	m.Beat(StageIO, now.Add(-25*time.Second))
	m.Beat(StageDecision, now.Add(-50*time.Second))
	m.Beat(StageEngine, now)

	rep := m.Snapshot(now)
	if rep.Stages[StageNetwork].Status != StatusOK {
		t.Fatalf("network = %+v, want ok", rep.Stages[StageNetwork])
	}
	if rep.Stages[StageIO].Status != StatusWarn {
		t.Fatalf("io = %+v, want warn", rep.Stages[StageIO])
	}
	if rep.Stages[StageDecision].Status != StatusCrit {
		t.Fatalf("decision = %+v, want crit", rep.Stages[StageDecision])
	}
	if rep.Status != StatusCrit {
		t.Fatalf("overall = %v, want crit (worst stage wins)", rep.Status)
	}
}

func TestRecordDecisionAndEntryQualityDoNotPanic(t *testing.T) {
	m := newTestMonitor()
	m.RecordDecision("B2", "B2_OK")
	m.RecordDecision("A", "A_RANGE_TOO_NARROW")
	m.RecordEntryQuality(0.62)
}
