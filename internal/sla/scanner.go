package sla

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ignite/mailtriage/internal/domain"
	"github.com/ignite/mailtriage/internal/pkg/distlock"
	"github.com/ignite/mailtriage/internal/store"
)

// Publisher is the slice of the event bus the scanner needs.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) (domain.Event, error)
}

// Scanner walks open tasks on a timer and applies status transitions. The
// CAS on the task version means each transition lands exactly once even
// with multiple scanner replicas; the optional distributed lock keeps the
// replicas from doing redundant scans in the first place.
type Scanner struct {
	store    store.Store
	bus      Publisher
	policy   domain.SLAPolicy
	clock    Clock
	interval time.Duration
	lock     distlock.DistLock // nil when single-node

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewScanner(st store.Store, bus Publisher, policy domain.SLAPolicy, clock Clock, interval time.Duration) *Scanner {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Scanner{
		store:    st,
		bus:      bus,
		policy:   policy,
		clock:    clock,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// WithLeaderLock makes the scanner skip cycles it cannot win the lock for.
func (s *Scanner) WithLeaderLock(lock distlock.DistLock) *Scanner {
	s.lock = lock
	return s
}

func (s *Scanner) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		log.Printf("[SLA] scanner started interval=%s", s.interval)
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), s.interval)
				if n, err := s.ScanOnce(ctx); err != nil {
					log.Printf("[SLA] scan error: %v", err)
				} else if n > 0 {
					log.Printf("[SLA] %d status transition(s)", n)
				}
				cancel()
			}
		}
	}()
}

func (s *Scanner) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// ScanOnce runs one scan cycle and returns how many transitions it applied.
func (s *Scanner) ScanOnce(ctx context.Context) (int, error) {
	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil // another replica holds the scan
		}
		defer s.lock.Release(ctx)
	}

	tasks, err := s.store.ListOpenTasks(ctx)
	if err != nil {
		return 0, err
	}

	now := s.clock.Now()
	transitions := 0
	for _, task := range tasks {
		next := s.statusOf(task, now)
		if next == task.Status {
			continue
		}
		if err := s.transition(ctx, task, next, now); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue // another writer got there first; its transition counts
			}
			return transitions, err
		}
		transitions++
	}
	return transitions, nil
}

// statusOf grades against the task's stamped deadline, which may be
// narrower than the policy window when the analyst proposed tighter
// hours. Tasks without a deadline fall back to the policy.
func (s *Scanner) statusOf(task domain.WorkflowTask, now time.Time) domain.SLAStatus {
	window := task.SLADeadline.Sub(task.ReceivedAt)
	if window <= 0 {
		return StatusFor(task.Priority, task.ReceivedAt, now, s.policy)
	}
	return StatusForWindow(task.ReceivedAt, now, window, s.policy.AtRiskFraction)
}

func (s *Scanner) transition(ctx context.Context, task domain.WorkflowTask, next domain.SLAStatus, now time.Time) error {
	prev := task.Status
	task.Status = next

	stored, err := s.store.UpsertTask(ctx, task)
	if err != nil {
		return err
	}

	payload := map[string]any{
		"schema":       domain.EventSchemaVersion,
		"task_id":      stored.TaskID,
		"email_id":     stored.EmailID,
		"from":         string(prev),
		"to":           string(next),
		"priority":     string(stored.Priority),
		"sla_deadline": stored.SLADeadline,
		"version":      stored.Version,
	}

	if _, err := s.publish(ctx, domain.EventTaskStatusChanged, stored.TaskID, payload, now); err != nil {
		return err
	}

	switch next {
	case domain.SLAYellow:
		_, err = s.publish(ctx, domain.EventSLAWarning, stored.TaskID, payload, now)
	case domain.SLARed:
		_, err = s.publish(ctx, domain.EventSLAOverdue, stored.TaskID, payload, now)
	}
	return err
}

func (s *Scanner) publish(ctx context.Context, typ domain.EventType, correlationID string, payload map[string]any, now time.Time) (domain.Event, error) {
	return s.bus.Publish(ctx, domain.Event{
		Type:          typ,
		Timestamp:     now,
		CorrelationID: correlationID,
		Payload:       payload,
	})
}
