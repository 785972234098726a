// Package ingest feeds the pipeline from an external mail source. The
// runner polls a Source in batches and pushes into the pipeline; a full
// pipeline pushes back here, never silently drops.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/ignite/mailtriage/internal/domain"
	"github.com/ignite/mailtriage/internal/pipeline"
	"github.com/ignite/mailtriage/internal/pkg/logger"
)

// Source yields batches of new emails. Next may return fewer than
// batchSize, and an empty batch when the source is drained; the cursor
// only advances when the runner finishes the batch, so crashed batches
// are served again (downstream dedupe by message_id makes that safe).
type Source interface {
	Next(ctx context.Context, batchSize int) ([]domain.Email, error)
	Commit(ctx context.Context) error
}

// Submitter is the slice of the pipeline the runner needs.
type Submitter interface {
	Submit(ctx context.Context, email domain.Email) error
}

// Runner polls the source on a fixed cadence.
type Runner struct {
	source    Source
	sink      Submitter
	batchSize int
	interval  time.Duration

	// Base wait between pushback retries; scaled by attempt.
	pushbackDelay time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewRunner(source Source, sink Submitter, batchSize int, interval time.Duration) *Runner {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Runner{
		source:        source,
		sink:          sink,
		batchSize:     batchSize,
		interval:      interval,
		pushbackDelay: time.Second,
		stopCh:        make(chan struct{}),
	}
}

func (r *Runner) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		logger.Info("ingest poller started", "interval", r.interval, "batch_size", r.batchSize)
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				if _, err := r.PollOnce(context.Background()); err != nil {
					logger.Warn("ingest poll failed", "error", err)
				}
			}
		}
	}()
}

func (r *Runner) Stop() {
	close(r.stopCh)
	r.wg.Wait()
	logger.Info("ingest poller stopped")
}

// PollOnce pulls one batch and submits it. Validation rejects are logged
// and skipped permanently; transient pushback from the pipeline is
// retried within the tick, and a still-full pipeline aborts the batch so
// the uncommitted cursor serves it again next tick.
func (r *Runner) PollOnce(ctx context.Context) (int, error) {
	batch, err := r.source.Next(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	submitted := 0
	for _, email := range batch {
		if err := r.submitWithPushback(ctx, email); err != nil {
			if pipeline.KindOf(err) == pipeline.KindValidationReject {
				logger.Warn("dropping invalid email",
					"message_id", email.MessageID,
					"sender", email.SenderEmail,
					"error", err)
				continue
			}
			return submitted, err
		}
		submitted++
	}

	if err := r.source.Commit(ctx); err != nil {
		return submitted, err
	}
	return submitted, nil
}

func (r *Runner) submitWithPushback(ctx context.Context, email domain.Email) error {
	const attempts = 3
	var err error
	for i := 0; i < attempts; i++ {
		err = r.sink.Submit(ctx, email)
		if err == nil || !pipeline.IsTransient(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * r.pushbackDelay):
		}
	}
	return err
}
