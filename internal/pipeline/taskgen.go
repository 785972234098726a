package pipeline

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailtriage/internal/domain"
	"github.com/ignite/mailtriage/internal/sla"
	"github.com/ignite/mailtriage/internal/store"
)

// maxTaskCASRetries bounds the re-read/merge loop on version conflicts.
// Conflicts here mean the SLA scanner or a replay touched the task
// between our read and commit; three rounds is plenty.
const maxTaskCASRetries = 3

// materialize turns the accumulated item into the operational task and
// commits it with the final phase result and the announcement event in
// one transactional group. The event is published to the bus only after
// the commit succeeds.
func (p *Pipeline) materialize(ctx context.Context, it *item, finalPR *domain.PhaseResult) {
	defer p.clearInflight(it.email.ID)
	now := p.clock.Now()
	task := p.taskFor(it, now)

	for attempt := 0; attempt < maxTaskCASRetries; attempt++ {
		evType := domain.EventTaskCreated
		existing, err := p.store.GetTaskByEmail(ctx, it.email.ID)
		switch {
		case err == nil:
			evType = domain.EventTaskUpdated
			task.TaskID = existing.TaskID
			task.CreatedAt = existing.CreatedAt
			task.Version = existing.Version
			if task.Owner == "" {
				task.Owner = existing.Owner // operator assignment survives replays
			}
		case errors.Is(err, store.ErrNotFound):
			task.TaskID = uuid.NewString()
			task.Version = 0
			task.CreatedAt = now
		default:
			log.Printf("[Pipeline] task lookup failed email=%s: %v", it.email.ID, err)
			return
		}
		task.UpdatedAt = now

		ev := domain.Event{
			EventID:       p.bus.NextID(),
			Type:          evType,
			Timestamp:     now,
			CorrelationID: task.TaskID,
			Payload: map[string]any{
				"schema":   domain.EventSchemaVersion,
				"task_id":  task.TaskID,
				"email_id": task.EmailID,
				"priority": string(task.Priority),
				"routing":  string(task.Routing),
				"degraded": task.Degraded,
			},
		}

		stored, err := p.store.CommitAnalysis(ctx, store.AnalysisGroup{
			PhaseResult: finalPR,
			Task:        &task,
			Event:       &ev,
		})
		if errors.Is(err, store.ErrVersionConflict) {
			log.Printf("[Pipeline] task CAS conflict email=%s attempt=%d, re-reading", it.email.ID, attempt+1)
			continue
		}
		if err != nil {
			log.Printf("[Pipeline] commit failed email=%s: %v", it.email.ID, err)
			return
		}

		if _, err := p.bus.Publish(ctx, ev); err != nil {
			log.Printf("[Pipeline] publish failed task=%s: %v", stored.TaskID, err)
		}
		p.metrics.MarkCompleted(now)
		log.Printf("[Pipeline] task=%s email=%s version=%d routing=%s degraded=%v",
			stored.TaskID, it.email.ID, stored.Version, stored.Routing, stored.Degraded)
		return
	}
	log.Printf("[Pipeline] giving up on task for email=%s after %d CAS conflicts",
		it.email.ID, maxTaskCASRetries)
}

// taskFor builds the task from the best data the phases produced. The
// SLA window starts from the policy hours for the routed priority and
// only ever narrows when the analyst proposed something tighter.
func (p *Pipeline) taskFor(it *item, now time.Time) domain.WorkflowTask {
	pri := it.decision.Priority
	hours := p.policy.HoursFor(pri)
	if it.p2OK && it.p2.SLAHours > 0 && it.p2.SLAHours < hours {
		hours = it.p2.SLAHours
	}
	window := time.Duration(hours * float64(time.Hour))
	deadline := it.email.ReceivedAt.Add(window)

	workflow := it.p1.WorkflowHint
	var actionItems []domain.ActionItem
	if it.p2OK {
		workflow = it.p2.WorkflowType
		actionItems = it.p2.ActionItems
	}

	task := domain.WorkflowTask{
		EmailID:      it.email.ID,
		ChainID:      it.chain.ChainID,
		WorkflowType: workflow,
		Priority:     pri,
		Status:       sla.StatusForWindow(it.email.ReceivedAt, now, window, p.policy.AtRiskFraction),
		SLADeadline:  deadline,
		ReceivedAt:   it.email.ReceivedAt,
		ActionItems:  actionItems,
		Routing:      it.decision.Routing,
		Degraded:     it.degraded,
	}
	if it.p3OK {
		task.StrategicNotes = it.p3.ExecutiveSummary
		task.RevenueAtRiskMinor = it.p3.RevenueImpact.ImmediateMinor
	}
	return task
}
