package cerberus

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wikid82/cerberus/internal/config"
)

// Percentile returns the p-th percentile of samples using the ceiling rank
// sorted[ceil(p/100*n)-1]. Empty input yields 0. samples is not modified.
func Percentile(samples []float64, p float64) float64 {
	n := len(samples)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, samples)
	sort.Float64s(sorted)
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// window keeps the most recent samples up to its capacity.
type window struct {
	buf  []float64
	next int
	full bool
}

func newWindow(size int) *window {
	if size <= 0 {
		size = 1
	}
	return &window{buf: make([]float64, 0, size)}
}

func (w *window) add(v float64) {
	if !w.full {
		w.buf = append(w.buf, v)
		if len(w.buf) == cap(w.buf) {
			w.full = true
		}
		return
	}
	w.buf[w.next] = v
	w.next = (w.next + 1) % len(w.buf)
}

func (w *window) values() []float64 {
	out := make([]float64, len(w.buf))
	copy(out, w.buf)
	return out
}

// LatencySummary describes one leg in milliseconds.
type LatencySummary struct {
	Count int     `json:"count"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// SLOCompliance is the evaluation of the latest samples against the targets.
type SLOCompliance struct {
	MTTDMet          bool `json:"mttdMet"`
	MTTRMet          bool `json:"mttrMet"`
	MTTR2Met         bool `json:"mttr2Met"`
	HealingRatioMet  bool `json:"healingRatioMet"`
	OverallCompliant bool `json:"overallCompliant"`
}

// MetricsSnapshot is a point-in-time copy of the healing metrics.
type MetricsSnapshot struct {
	ThreatsDetected   int64          `json:"threatsDetected"`
	ThreatsBlocked    int64          `json:"threatsBlocked"`
	ThreatsHealed     int64          `json:"threatsHealed"`
	FalsePositives    int64          `json:"falsePositives"`
	HealingSpeedRatio float64        `json:"healingSpeedRatio"`
	Detect            LatencySummary `json:"detect"`
	Respond           LatencySummary `json:"respond"`
	Recover           LatencySummary `json:"recover"`
	Total             LatencySummary `json:"total"`
	SLOCompliance     SLOCompliance  `json:"sloCompliance"`
}

// SLOTracker holds the latency windows and counters of the healing loop.
type SLOTracker struct {
	policy *atomic.Pointer[config.Policy]

	mu       sync.Mutex
	detect   *window
	respond  *window
	recovery *window
	total    *window
	ratio    float64

	detected       atomic.Int64
	blocked        atomic.Int64
	healed         atomic.Int64
	falsePositives atomic.Int64
}

func NewSLOTracker(policy *atomic.Pointer[config.Policy]) *SLOTracker {
	size := policy.Load().SampleWindow
	return &SLOTracker{
		policy:   policy,
		detect:   newWindow(size),
		respond:  newWindow(size),
		recovery: newWindow(size),
		total:    newWindow(size),
	}
}

func (t *SLOTracker) IncDetected()      { t.detected.Add(1) }
func (t *SLOTracker) IncBlocked()       { t.blocked.Add(1) }
func (t *SLOTracker) IncHealed()        { t.healed.Add(1) }
func (t *SLOTracker) IncFalsePositive() { t.falsePositives.Add(1) }

// RecordHealed adds one healed threat's leg latencies and recomputes the
// healing speed ratio. It returns the new ratio.
func (t *SLOTracker) RecordHealed(detect, respond, recovery, total time.Duration) float64 {
	dwell := t.policy.Load().SLO.MinAttackDwell

	t.mu.Lock()
	defer t.mu.Unlock()
	t.detect.add(ms(detect))
	t.respond.add(ms(respond))
	t.recovery.add(ms(recovery))
	t.total.add(ms(total))
	t.ratio = healingRatio(dwell, Percentile(t.total.buf, 95))
	return t.ratio
}

// Ratio returns the current healing speed ratio.
func (t *SLOTracker) Ratio() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ratio
}

// Snapshot computes percentiles and compliance.
func (t *SLOTracker) Snapshot() MetricsSnapshot {
	targets := t.policy.Load().SLO

	t.mu.Lock()
	detect, respond, recovery, total := t.detect.values(), t.respond.values(), t.recovery.values(), t.total.values()
	ratio := t.ratio
	t.mu.Unlock()

	snap := MetricsSnapshot{
		ThreatsDetected:   t.detected.Load(),
		ThreatsBlocked:    t.blocked.Load(),
		ThreatsHealed:     t.healed.Load(),
		FalsePositives:    t.falsePositives.Load(),
		HealingSpeedRatio: ratio,
		Detect:            summarize(detect),
		Respond:           summarize(respond),
		Recover:           summarize(recovery),
		Total:             summarize(total),
	}
	c := &snap.SLOCompliance
	c.MTTDMet = snap.Detect.P95 <= ms(targets.MTTD)
	c.MTTRMet = snap.Respond.P95 <= ms(targets.MTTR)
	c.MTTR2Met = snap.Recover.P95 <= ms(targets.MTTR2)
	c.HealingRatioMet = ratio >= targets.HealingRatio
	c.OverallCompliant = c.MTTDMet && c.MTTRMet && c.MTTR2Met && c.HealingRatioMet
	return snap
}

func summarize(samples []float64) LatencySummary {
	return LatencySummary{
		Count: len(samples),
		P50:   Percentile(samples, 50),
		P95:   Percentile(samples, 95),
		P99:   Percentile(samples, 99),
	}
}

// healingRatio divides the dwell time by p95 total latency in ms. A sub-microsecond
// p95 is floored so the ratio stays finite.
func healingRatio(dwell time.Duration, p95 float64) float64 {
	return ms(dwell) / math.Max(p95, 0.001)
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
