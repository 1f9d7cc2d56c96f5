// Package health tracks per-stage heartbeats (network/ws, io, decision,
// engine) and classifies each as ok/warn/crit against the documented
// thresholds, serving both a JSON /health payload and Prometheus /metrics
// gauges/histograms.
package health

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

// Stage identifies a heartbeat source.
type Stage string

const (
	StageNetwork  Stage = "network"
	StageIO       Stage = "io"
	StageDecision Stage = "decision"
	StageEngine   Stage = "engine"
)

type thresholds struct{ warn, crit time.Duration }

var stageThresholds = map[Stage]thresholds{
	StageNetwork:  {warn: 15 * time.Second, crit: 30 * time.Second},
	StageIO:       {warn: 20 * time.Second, crit: 40 * time.Second},
	StageDecision: {warn: 25 * time.Second, crit: 45 * time.Second},
	StageEngine:   {warn: 30 * time.Second, crit: 60 * time.Second},
}

// Status is the classification of a single stage or the overall report.
type Status string

const (
	StatusOK   Status = "ok"
	StatusWarn Status = "warn"
	StatusCrit Status = "crit"
	// StatusUnknown marks a stage that has never beaten.
	StatusUnknown Status = "unknown"
)

// Monitor tracks last-beat timestamps per stage and exposes Prometheus
// metrics alongside a JSON-friendly snapshot.
type Monitor struct {
	mu       sync.RWMutex
	lastBeat map[Stage]time.Time
	startAt  time.Time
	pid      int32

	stageAge      *prometheus.GaugeVec
	decisions     *prometheus.CounterVec
	entryRate     prometheus.Histogram
}

// NewMonitor builds a Monitor and registers its collectors with reg.
func NewMonitor(reg prometheus.Registerer) *Monitor {
	m := &Monitor{
		lastBeat: make(map[Stage]time.Time),
		startAt:  time.Now(),
		pid:      int32(os.Getpid()),
		stageAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hlperp",
			Name:      "stage_age_seconds",
			Help:      "Seconds since the last heartbeat for a pipeline stage.",
		}, []string{"stage"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hlperp",
			Name:      "decision_outcomes_total",
			Help:      "Count of decision gate outcomes by reason code.",
		}, []string{"gate", "code"}),
		entryRate: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hlperp",
			Name:      "entry_quality_score",
			Help:      "Observed entry quality scores for entries that passed all B2 guards.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
	}
	reg.MustRegister(m.stageAge, m.decisions, m.entryRate)
	return m
}

// Beat records a heartbeat for stage at now.
func (m *Monitor) Beat(stage Stage, now time.Time) {
	m.mu.Lock()
	m.lastBeat[stage] = now
	m.mu.Unlock()
}

// RecordDecision increments the outcome counter for a gate/code pair.
func (m *Monitor) RecordDecision(gate, code string) {
	m.decisions.WithLabelValues(gate, code).Inc()
}

// RecordEntryQuality observes a passed entry's quality score.
func (m *Monitor) RecordEntryQuality(score float64) {
	m.entryRate.Observe(score)
}

// StageReport is one stage's classification in the JSON payload.
type StageReport struct {
	Status  Status  `json:"status"`
	AgeMs   int64   `json:"ageMs"`
	Warn    int64   `json:"warnMs"`
	Crit    int64   `json:"critMs"`
}

// Report is the full /health JSON payload.
type Report struct {
	Status    Status                 `json:"status"`
	UptimeMs  int64                  `json:"uptimeMs"`
	Stages    map[Stage]StageReport  `json:"stages"`
	Process   ProcessReport          `json:"process"`
}

// ProcessReport carries process-level resource usage.
type ProcessReport struct {
	CPUPercent float64 `json:"cpuPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
	Goroutines int     `json:"goroutines"`
}

// Snapshot builds a Report as of now, also updating the stage_age_seconds
// gauges so /metrics stays consistent with /health.
func (m *Monitor) Snapshot(now time.Time) Report {
	m.mu.RLock()
	beats := make(map[Stage]time.Time, len(m.lastBeat))
	for k, v := range m.lastBeat {
		beats[k] = v
	}
	m.mu.RUnlock()

	stages := make(map[Stage]StageReport, len(stageThresholds))
	overall := StatusOK
	for stage, th := range stageThresholds {
		last, seen := beats[stage]
		var sr StageReport
		sr.Warn = th.warn.Milliseconds()
		sr.Crit = th.crit.Milliseconds()
		if !seen {
			sr.Status = StatusUnknown
			sr.AgeMs = -1
			overall = worse(overall, StatusWarn)
			stages[stage] = sr
			continue
		}
		age := now.Sub(last)
		sr.AgeMs = age.Milliseconds()
		switch {
		case age >= th.crit:
			sr.Status = StatusCrit
		case age >= th.warn:
			sr.Status = StatusWarn
		default:
			sr.Status = StatusOK
		}
		overall = worse(overall, sr.Status)
		stages[stage] = sr
		m.stageAge.WithLabelValues(string(stage)).Set(age.Seconds())
	}

	return Report{
		Status:   overall,
		UptimeMs: now.Sub(m.startAt).Milliseconds(),
		Stages:   stages,
		Process:  m.processReport(),
	}
}

func (m *Monitor) processReport() ProcessReport {
	out := ProcessReport{Goroutines: runtime.NumGoroutine()}
	p, err := process.NewProcess(m.pid)
	if err != nil {
		return out
	}
	if pct, err := p.CPUPercent(); err == nil {
		out.CPUPercent = pct
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		out.RSSBytes = mem.RSS
	}
	return out
}

func worse(a, b Status) Status {
	rank := map[Status]int{StatusOK: 0, StatusUnknown: 1, StatusWarn: 2, StatusCrit: 3}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Handler serves the JSON /health payload. 503 is returned when overall
// status is crit so external load balancers can act on it.
func (m *Monitor) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := m.Snapshot(time.Now())
		w.Header().Set("Content-Type", "application/json")
		if rep.Status == StatusCrit {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(rep)
	}
}

// MetricsHandler serves the Prometheus /metrics payload.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
