// Package sla computes traffic-light status for open tasks and runs the
// timer-based scanner that emits transition events.
package sla

import (
	"time"

	"github.com/ignite/mailtriage/internal/domain"
)

// Clock abstracts the time source so tests control transitions.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// RealClock returns the wall clock in UTC.
func RealClock() Clock { return realClock{} }

// StatusFor is the pure status function over the policy window: red when
// it has fully elapsed, yellow past the at-risk fraction, green otherwise.
func StatusFor(priority domain.Priority, receivedAt, now time.Time, policy domain.SLAPolicy) domain.SLAStatus {
	allowed := time.Duration(policy.HoursFor(priority) * float64(time.Hour))
	return StatusForWindow(receivedAt, now, allowed, policy.AtRiskFraction)
}

// StatusForWindow grades elapsed time against an explicit window. Tasks
// carry their own deadline because the analyst may narrow the policy
// hours; anything grading a stored task must use the task's window, not
// the policy's.
func StatusForWindow(receivedAt, now time.Time, window time.Duration, atRiskFraction float64) domain.SLAStatus {
	elapsed := now.Sub(receivedAt)
	switch {
	case elapsed >= window:
		return domain.SLARed
	case float64(elapsed) >= atRiskFraction*float64(window):
		return domain.SLAYellow
	default:
		return domain.SLAGreen
	}
}

// DeadlineFor computes the SLA deadline from the policy.
func DeadlineFor(priority domain.Priority, receivedAt time.Time, policy domain.SLAPolicy) time.Time {
	return receivedAt.Add(time.Duration(policy.HoursFor(priority) * float64(time.Hour)))
}
