// Package distlock provides the leader-election lock behind the SLA
// scanner. Only one replica should walk open tasks per cycle; the others
// skip the cycle when they lose the acquire race.
package distlock

import "context"

// DistLock is a non-blocking, TTL-bounded mutual exclusion primitive.
// One instance guards one key for one holder; replicas each build their
// own instance for the same key.
type DistLock interface {
	// Acquire attempts to take the lock without blocking and reports
	// whether this instance now holds it.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock up if this instance still holds it. Held
	// locks also lapse on their own when the TTL expires, so a crashed
	// holder never wedges the scan.
	Release(ctx context.Context) error
}
