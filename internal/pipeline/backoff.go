package pipeline

import (
	"context"
	"log"
	"math"
	"math/rand"
	"time"
)

// backoff is exponential with +-20% jitter so retries from parallel
// workers do not land in lockstep on a throttled upstream.
type backoff struct {
	base   time.Duration
	factor float64
	jitter float64
}

func (b backoff) delay(attempt int) time.Duration {
	d := float64(b.base) * math.Pow(b.factor, float64(attempt))
	d *= 1 + b.jitter*(2*rand.Float64()-1)
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// retryTransient runs fn up to maxAttempts times, backing off between
// attempts. Permanent errors return immediately; the last transient error
// is returned when the budget runs out.
func retryTransient(ctx context.Context, op string, maxAttempts int, b backoff, fn func(context.Context) error) error {
	var last error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		last = fn(ctx)
		if last == nil || !IsTransient(last) {
			return last
		}
		if attempt == maxAttempts-1 {
			break
		}
		wait := b.delay(attempt)
		log.Printf("[Pipeline] %s attempt %d/%d failed, retrying in %s: %v",
			op, attempt+1, maxAttempts, wait.Round(time.Millisecond), last)
		select {
		case <-ctx.Done():
			return E(KindCancelled, op, ctx.Err())
		case <-time.After(wait):
		}
	}
	return last
}
