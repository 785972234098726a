// Package health aggregates pipeline metrics: counters on hot paths are
// atomics, latency samples go into small rings, and the snapshot view
// feeds both the HTTP surface and the orchestrator's adaptive throttling.
package health

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/mailtriage/internal/domain"
)

const latencyRingSize = 1024

// Overall health grades.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

type phaseCounters struct {
	total        atomic.Int64
	failed       atomic.Int64
	parseRetries atomic.Int64
}

type latencyRing struct {
	mu      sync.Mutex
	samples [latencyRingSize]time.Duration
	n       int
	next    int
}

func (r *latencyRing) observe(d time.Duration) {
	r.mu.Lock()
	r.samples[r.next] = d
	r.next = (r.next + 1) % latencyRingSize
	if r.n < latencyRingSize {
		r.n++
	}
	r.mu.Unlock()
}

func (r *latencyRing) percentiles() (p50, p95, p99 time.Duration) {
	r.mu.Lock()
	n := r.n
	sorted := make([]time.Duration, n)
	copy(sorted, r.samples[:n])
	r.mu.Unlock()
	if n == 0 {
		return 0, 0, 0
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	at := func(q float64) time.Duration {
		i := int(q * float64(n-1))
		return sorted[i]
	}
	return at(0.50), at(0.95), at(0.99)
}

// QueueGauge reports one bounded queue's live depth.
type QueueGauge struct {
	Name     string
	Capacity int
	Depth    func() int
}

// Metrics is the shared registry. One instance per pipeline.
type Metrics struct {
	startedAt time.Time

	ingested atomic.Int64
	phases   [3]phaseCounters
	lat      [3]latencyRing

	routes struct {
		p1Only atomic.Int64
		p2Only atomic.Int64
		p2p3   atomic.Int64
	}

	completeness [10]atomic.Int64
	restarts     atomic.Int64

	mu          sync.Mutex
	queues      []QueueGauge
	completions []time.Time // recent pipeline completions, for throughput
}

func NewMetrics() *Metrics {
	return &Metrics{startedAt: time.Now().UTC()}
}

func (m *Metrics) IncIngested() { m.ingested.Add(1) }

// ObservePhase records one phase execution.
func (m *Metrics) ObservePhase(phase domain.Phase, d time.Duration, failed bool) {
	i := int(phase) - 1
	if i < 0 || i > 2 {
		return
	}
	m.phases[i].total.Add(1)
	if failed {
		m.phases[i].failed.Add(1)
	}
	m.lat[i].observe(d)
}

func (m *Metrics) AddParseRetries(phase domain.Phase, n int) {
	i := int(phase) - 1
	if i < 0 || i > 2 || n <= 0 {
		return
	}
	m.phases[i].parseRetries.Add(int64(n))
}

func (m *Metrics) ObserveRoute(r domain.RoutingDecision) {
	switch r {
	case domain.RoutePhase1Only:
		m.routes.p1Only.Add(1)
	case domain.RoutePhase2Only:
		m.routes.p2Only.Add(1)
	case domain.RoutePhase2And3:
		m.routes.p2p3.Add(1)
	}
}

// ObserveCompleteness drops a chain score into its 10-point bucket.
func (m *Metrics) ObserveCompleteness(score int) {
	if score < 0 {
		score = 0
	}
	bucket := score / 10
	if bucket > 9 {
		bucket = 9
	}
	m.completeness[bucket].Add(1)
}

func (m *Metrics) IncWorkerRestarts() { m.restarts.Add(1) }

// RegisterQueue adds a bounded queue to the snapshot.
func (m *Metrics) RegisterQueue(g QueueGauge) {
	m.mu.Lock()
	m.queues = append(m.queues, g)
	m.mu.Unlock()
}

// MarkCompleted feeds the emails/min throughput window.
func (m *Metrics) MarkCompleted(at time.Time) {
	m.mu.Lock()
	m.completions = append(m.completions, at)
	cutoff := at.Add(-time.Minute)
	for len(m.completions) > 0 && m.completions[0].Before(cutoff) {
		m.completions = m.completions[1:]
	}
	m.mu.Unlock()
}

// QueueSnapshot is one queue's view in the report.
type QueueSnapshot struct {
	Name     string  `json:"name"`
	Depth    int     `json:"depth"`
	Capacity int     `json:"capacity"`
	Fill     float64 `json:"fill"` // 0..1
}

// PhaseSnapshot is one phase's view in the report.
type PhaseSnapshot struct {
	Total        int64         `json:"total"`
	Failed       int64         `json:"failed"`
	ErrorRate    float64       `json:"error_rate"`
	ParseRetries int64         `json:"parse_retries"`
	P50          time.Duration `json:"p50_ns"`
	P95          time.Duration `json:"p95_ns"`
	P99          time.Duration `json:"p99_ns"`
}

// Report is the full health view behind GetPipelineHealth.
type Report struct {
	Overall         string                 `json:"overall"`
	UptimeSeconds   int64                  `json:"uptime_seconds"`
	Ingested        int64                  `json:"ingested"`
	ThroughputPerMin int                   `json:"throughput_per_min"`
	Phases          map[string]PhaseSnapshot `json:"phases"`
	Queues          []QueueSnapshot        `json:"queues"`
	PhaseMix        map[string]float64     `json:"phase_mix"`
	Completeness    [10]int64              `json:"completeness_histogram"`
	WorkerRestarts  int64                  `json:"worker_restarts"`
}

// QueueFill returns the fill fraction of a named queue, for throttling.
func (m *Metrics) QueueFill(name string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.queues {
		if g.Name == name && g.Capacity > 0 {
			return float64(g.Depth()) / float64(g.Capacity)
		}
	}
	return 0
}

// Snapshot assembles the report.
func (m *Metrics) Snapshot() Report {
	rep := Report{
		UptimeSeconds: int64(time.Since(m.startedAt).Seconds()),
		Ingested:      m.ingested.Load(),
		Phases:        make(map[string]PhaseSnapshot, 3),
		PhaseMix:      make(map[string]float64, 3),
		WorkerRestarts: m.restarts.Load(),
	}

	names := [3]string{"phase1", "phase2", "phase3"}
	var worstErrorRate float64
	for i := range m.phases {
		total := m.phases[i].total.Load()
		failed := m.phases[i].failed.Load()
		var rate float64
		if total > 0 {
			rate = float64(failed) / float64(total)
		}
		if rate > worstErrorRate {
			worstErrorRate = rate
		}
		p50, p95, p99 := m.lat[i].percentiles()
		rep.Phases[names[i]] = PhaseSnapshot{
			Total:        total,
			Failed:       failed,
			ErrorRate:    rate,
			ParseRetries: m.phases[i].parseRetries.Load(),
			P50:          p50,
			P95:          p95,
			P99:          p99,
		}
	}

	p1 := m.routes.p1Only.Load()
	p2 := m.routes.p2Only.Load()
	p3 := m.routes.p2p3.Load()
	if routed := p1 + p2 + p3; routed > 0 {
		rep.PhaseMix["phase1_only"] = float64(p1) / float64(routed)
		rep.PhaseMix["phase1_2"] = float64(p2) / float64(routed)
		rep.PhaseMix["phase1_2_3"] = float64(p3) / float64(routed)
	}

	for i := range m.completeness {
		rep.Completeness[i] = m.completeness[i].Load()
	}

	m.mu.Lock()
	var worstFill float64
	for _, g := range m.queues {
		depth := g.Depth()
		var fill float64
		if g.Capacity > 0 {
			fill = float64(depth) / float64(g.Capacity)
		}
		if fill > worstFill {
			worstFill = fill
		}
		rep.Queues = append(rep.Queues, QueueSnapshot{
			Name: g.Name, Depth: depth, Capacity: g.Capacity, Fill: fill,
		})
	}
	cutoff := time.Now().Add(-time.Minute)
	perMin := 0
	for _, at := range m.completions {
		if !at.Before(cutoff) {
			perMin++
		}
	}
	m.mu.Unlock()
	rep.ThroughputPerMin = perMin

	rep.Overall = grade(worstErrorRate, worstFill)
	return rep
}

func grade(errorRate, queueFill float64) string {
	switch {
	case errorRate >= 0.25 || queueFill >= 1.0:
		return StatusUnhealthy
	case errorRate >= 0.05 || queueFill >= 0.90:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}
