package sla

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailtriage/internal/domain"
	"github.com/ignite/mailtriage/internal/store"
)

var t0 = time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)

func TestStatusForIsPure(t *testing.T) {
	policy := domain.DefaultSLAPolicy()

	tests := []struct {
		name     string
		priority domain.Priority
		elapsed  time.Duration
		want     domain.SLAStatus
	}{
		{"high fresh", domain.PriorityHigh, 0, domain.SLAGreen},
		{"high at 19h", domain.PriorityHigh, 19 * time.Hour, domain.SLAGreen},
		{"high at 80 percent", domain.PriorityHigh, 19*time.Hour + 12*time.Minute, domain.SLAYellow},
		{"high at 23h", domain.PriorityHigh, 23 * time.Hour, domain.SLAYellow},
		{"high at deadline", domain.PriorityHigh, 24 * time.Hour, domain.SLARed},
		{"critical at 3h", domain.PriorityCritical, 3 * time.Hour, domain.SLAGreen},
		{"critical at 3.2h", domain.PriorityCritical, 3*time.Hour + 12*time.Minute, domain.SLAYellow},
		{"critical overdue", domain.PriorityCritical, 5 * time.Hour, domain.SLARed},
		{"low at 5 days", domain.PriorityLow, 120 * time.Hour, domain.SLAGreen},
		{"low at risk", domain.PriorityLow, 140 * time.Hour, domain.SLAYellow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := StatusFor(tt.priority, t0, t0.Add(tt.elapsed), policy)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeadlineFor(t *testing.T) {
	policy := domain.DefaultSLAPolicy()
	assert.Equal(t, t0.Add(4*time.Hour), DeadlineFor(domain.PriorityCritical, t0, policy))
	assert.Equal(t, t0.Add(168*time.Hour), DeadlineFor(domain.PriorityLow, t0, policy))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type capturingBus struct {
	mu     sync.Mutex
	seq    uint64
	events []domain.Event
}

func (b *capturingBus) Publish(_ context.Context, ev domain.Event) (domain.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	ev.EventID = b.seq
	b.events = append(b.events, ev)
	return ev, nil
}

func (b *capturingBus) byType(typ domain.EventType) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, ev := range b.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestScannerTransitionsExactlyOnce(t *testing.T) {
	st := store.NewMemory()
	bus := &capturingBus{}
	clock := &fakeClock{now: t0}
	scanner := NewScanner(st, bus, domain.DefaultSLAPolicy(), clock, time.Minute)

	task := domain.WorkflowTask{
		TaskID:      "t1",
		EmailID:     "e1",
		Priority:    domain.PriorityHigh,
		Status:      domain.SLAGreen,
		ReceivedAt:  t0,
		SLADeadline: t0.Add(24 * time.Hour),
		Routing:     domain.RoutePhase2Only,
	}
	_, err := st.UpsertTask(context.Background(), task)
	require.NoError(t, err)

	// T0+19h: still green, no transitions.
	clock.set(t0.Add(19 * time.Hour))
	n, err := scanner.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, bus.byType(domain.EventSLAWarning))

	// T0+19.2h: exactly one warning, even across repeated scans.
	clock.set(t0.Add(19*time.Hour + 12*time.Minute))
	n, err = scanner.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = scanner.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, bus.byType(domain.EventSLAWarning), 1)

	// T0+24h: exactly one overdue.
	clock.set(t0.Add(24 * time.Hour))
	n, err = scanner.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, bus.byType(domain.EventSLAOverdue), 1)

	stored, err := st.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.SLARed, stored.Status)
	assert.Equal(t, int64(3), stored.Version)

	// Every transition also announced a status change, versions non-decreasing.
	changes := bus.byType(domain.EventTaskStatusChanged)
	require.Len(t, changes, 2)
	assert.Equal(t, "yellow", changes[0].Payload["to"])
	assert.Equal(t, "red", changes[1].Payload["to"])
	assert.Less(t, changes[0].EventID, changes[1].EventID)
}

func TestScannerHonorsNarrowedDeadline(t *testing.T) {
	st := store.NewMemory()
	bus := &capturingBus{}
	clock := &fakeClock{now: t0}
	scanner := NewScanner(st, bus, domain.DefaultSLAPolicy(), clock, time.Minute)

	// Medium policy allows 72h, but the analyst narrowed this task to 12h.
	task := domain.WorkflowTask{
		TaskID:      "t1",
		EmailID:     "e1",
		Priority:    domain.PriorityMedium,
		Status:      domain.SLAYellow,
		ReceivedAt:  t0,
		SLADeadline: t0.Add(12 * time.Hour),
		Routing:     domain.RoutePhase2Only,
	}
	_, err := st.UpsertTask(context.Background(), task)
	require.NoError(t, err)

	// T0+11h: well inside the 72h policy window but at risk against the
	// 12h deadline. The task is already yellow, so nothing changes.
	clock.set(t0.Add(11 * time.Hour))
	n, err := scanner.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "a narrowed yellow task must not downgrade to green")
	assert.Empty(t, bus.byType(domain.EventTaskStatusChanged))

	// T0+13h: past the narrowed deadline, red with an overdue event.
	clock.set(t0.Add(13 * time.Hour))
	n, err = scanner.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, bus.byType(domain.EventSLAOverdue), 1)

	stored, err := st.GetTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.SLARed, stored.Status)
}

func TestStatusForWindowNarrowerThanPolicy(t *testing.T) {
	window := 12 * time.Hour
	assert.Equal(t, domain.SLAGreen, StatusForWindow(t0, t0.Add(9*time.Hour), window, 0.8))
	assert.Equal(t, domain.SLAYellow, StatusForWindow(t0, t0.Add(10*time.Hour), window, 0.8))
	assert.Equal(t, domain.SLARed, StatusForWindow(t0, t0.Add(12*time.Hour), window, 0.8))
}

func TestScannerSkipsClosedTasks(t *testing.T) {
	st := store.NewMemory()
	bus := &capturingBus{}
	clock := &fakeClock{now: t0.Add(48 * time.Hour)}
	scanner := NewScanner(st, bus, domain.DefaultSLAPolicy(), clock, time.Minute)

	// Already red and past deadline: nothing to do.
	task := domain.WorkflowTask{
		TaskID:      "t1",
		EmailID:     "e1",
		Priority:    domain.PriorityHigh,
		Status:      domain.SLARed,
		ReceivedAt:  t0,
		SLADeadline: t0.Add(24 * time.Hour),
	}
	_, err := st.UpsertTask(context.Background(), task)
	require.NoError(t, err)

	n, err := scanner.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, bus.events)
}
