package observability

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// latencyTargets are the p95 goals per pipeline stage, in milliseconds.
var latencyTargets = map[string]float64{
	StageTranscribed:     4000,
	StageHistorySelected: 300,
	StageModelInvoked:    6000,
	StageDelivered:       1500,
	StageReplyTotal:      10000,
}

type StageLatency struct {
	Stage    string  `json:"stage"`
	Samples  int     `json:"samples"`
	LastMS   float64 `json:"last_ms"`
	MeanMS   float64 `json:"mean_ms"`
	P50MS    float64 `json:"p50_ms"`
	P95MS    float64 `json:"p95_ms"`
	TargetMS float64 `json:"target_p95_ms,omitempty"`
	OverGoal bool    `json:"over_target"`
}

type OutcomeCount struct {
	Outcome string `json:"outcome"`
	Count   int    `json:"count"`
}

// LatencyReport is the payload served at /api/perf/latency.
type LatencyReport struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Capacity    int            `json:"capacity"`
	Stages      []StageLatency `json:"stages"`
	Failures    []OutcomeCount `json:"failures,omitempty"`
}

// latencyWindow keeps the most recent samples per stage plus counts of
// non-ok stage outcomes since the last reset.
type latencyWindow struct {
	mu       sync.Mutex
	capacity int
	samples  map[string][]float64
	cursor   map[string]int
	last     map[string]float64
	failures map[string]int
}

func newLatencyWindow(capacity int) *latencyWindow {
	if capacity <= 0 {
		capacity = 256
	}
	w := &latencyWindow{capacity: capacity}
	w.reset()
	return w
}

func (w *latencyWindow) reset() {
	w.samples = make(map[string][]float64)
	w.cursor = make(map[string]int)
	w.last = make(map[string]float64)
	w.failures = make(map[string]int)
}

func (w *latencyWindow) record(stage string, d time.Duration) {
	ms := float64(d.Microseconds()) / 1000
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last[stage] = ms
	buf := w.samples[stage]
	if len(buf) < w.capacity {
		w.samples[stage] = append(buf, ms)
		return
	}
	i := w.cursor[stage]
	buf[i] = ms
	w.cursor[stage] = (i + 1) % w.capacity
}

func (w *latencyWindow) fail(stage, outcome string) {
	w.mu.Lock()
	w.failures[stage+"_"+outcome]++
	w.mu.Unlock()
}

func (w *latencyWindow) Reset() {
	w.mu.Lock()
	w.reset()
	w.mu.Unlock()
}

func (w *latencyWindow) Report() LatencyReport {
	w.mu.Lock()
	defer w.mu.Unlock()

	report := LatencyReport{GeneratedAt: time.Now().UTC(), Capacity: w.capacity}
	for _, stage := range slices.Sorted(maps.Keys(w.samples)) {
		sorted := slices.Sorted(slices.Values(w.samples[stage]))
		var sum float64
		for _, v := range sorted {
			sum += v
		}
		s := StageLatency{
			Stage:    stage,
			Samples:  len(sorted),
			LastMS:   w.last[stage],
			MeanMS:   sum / float64(len(sorted)),
			P50MS:    nearestRank(sorted, 50),
			P95MS:    nearestRank(sorted, 95),
			TargetMS: latencyTargets[stage],
		}
		s.OverGoal = s.TargetMS > 0 && s.P95MS > s.TargetMS
		report.Stages = append(report.Stages, s)
	}
	for _, outcome := range slices.Sorted(maps.Keys(w.failures)) {
		report.Failures = append(report.Failures, OutcomeCount{Outcome: outcome, Count: w.failures[outcome]})
	}
	return report
}

// nearestRank returns the p-th percentile of an ascending slice.
func nearestRank(sorted []float64, p int) float64 {
	rank := (p*len(sorted) + 99) / 100
	return sorted[max(rank, 1)-1]
}
