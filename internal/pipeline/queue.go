package pipeline

import (
	"context"
	"errors"
	"time"
)

// queue is a bounded hand-off between stages. A full queue pushes back on
// the producer: send blocks up to sendTimeout (sized at twice the
// downstream hard timeout) and then fails loudly instead of dropping.
type queue[T any] struct {
	name        string
	ch          chan T
	sendTimeout time.Duration
}

func newQueue[T any](name string, capacity int, sendTimeout time.Duration) *queue[T] {
	return &queue[T]{
		name:        name,
		ch:          make(chan T, capacity),
		sendTimeout: sendTimeout,
	}
}

func (q *queue[T]) depth() int    { return len(q.ch) }
func (q *queue[T]) capacity() int { return cap(q.ch) }

func (q *queue[T]) send(ctx context.Context, v T) error {
	select {
	case q.ch <- v:
		return nil
	default:
	}

	timer := time.NewTimer(q.sendTimeout)
	defer timer.Stop()
	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		return E(KindCancelled, "enqueue "+q.name, ctx.Err())
	case <-timer.C:
		return E(KindResourceExhaustion, "enqueue "+q.name,
			errors.New("queue full past send timeout"))
	}
}
