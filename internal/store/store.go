// Package store is the typed persistence layer. Three implementations
// share one interface: in-memory (tests and single-node dev), Postgres
// (primary production store), and DynamoDB (serverless deployments). All
// durable state flows through here; workers never share memory otherwise.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/mailtriage/internal/domain"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrVersionConflict = errors.New("store: version conflict")
)

// AnalysisGroup is the transactional unit committed when an email finishes
// its route: the phase result, the task upsert, and the announcement event
// land together or not at all, so subscribers never observe a task without
// its backing phase result.
type AnalysisGroup struct {
	PhaseResult *domain.PhaseResult
	Task        *domain.WorkflowTask
	Event       *domain.Event
}

// PipelineStats is the aggregate snapshot behind GetPipelineStats.
type PipelineStats struct {
	Emails        int64                          `json:"emails"`
	PhaseResults  map[domain.Phase]int64         `json:"phase_results"`
	TasksByStatus map[domain.SLAStatus]int64     `json:"tasks_by_status"`
	TasksByRoute  map[domain.RoutingDecision]int64 `json:"tasks_by_route"`
	Chains        int64                          `json:"chains"`
	Events        int64                          `json:"events"`
}

// Store is the repository contract consumed by the pipeline, the SLA
// scanner, and the read API.
type Store interface {
	// PutEmail is idempotent by message_id: replaying an already-stored
	// email is a no-op, not an error.
	PutEmail(ctx context.Context, email domain.Email) error
	GetEmail(ctx context.Context, emailID string) (domain.Email, error)
	ListEmails(ctx context.Context) ([]domain.Email, error)

	// PutPhaseResult is idempotent by (email_id, phase); a replay
	// overwrites with identical content.
	PutPhaseResult(ctx context.Context, pr domain.PhaseResult) error
	GetPhaseResults(ctx context.Context, emailID string) ([]domain.PhaseResult, error)

	// UpsertChain is version-checked: the incoming chain must carry a
	// version strictly greater than the stored one or it is dropped as
	// stale (no error; chain updates are monotonic recomputations).
	UpsertChain(ctx context.Context, chain domain.Chain) error
	GetChain(ctx context.Context, chainID string) (domain.Chain, error)
	GetChainsByCompletenessRange(ctx context.Context, lo, hi int) ([]domain.Chain, error)

	// UpsertTask does a CAS on Version: the caller sends the version it
	// read (zero for a new task) and the store persists version+1.
	// A mismatch returns ErrVersionConflict with nothing written.
	UpsertTask(ctx context.Context, task domain.WorkflowTask) (domain.WorkflowTask, error)
	GetTask(ctx context.Context, taskID string) (domain.WorkflowTask, error)
	GetTaskByEmail(ctx context.Context, emailID string) (domain.WorkflowTask, error)
	ListTasksByStatus(ctx context.Context, status domain.SLAStatus) ([]domain.WorkflowTask, error)
	ListTasksBySLADeadlineBefore(ctx context.Context, t time.Time) ([]domain.WorkflowTask, error)
	ListOpenTasks(ctx context.Context) ([]domain.WorkflowTask, error)

	// AppendEvent is append-only; the audit trail behind the bus.
	AppendEvent(ctx context.Context, ev domain.Event) error
	ListEvents(ctx context.Context, correlationID string) ([]domain.Event, error)

	// CommitAnalysis applies an AnalysisGroup atomically and returns the
	// stored task (with its post-CAS version) when the group carries one.
	CommitAnalysis(ctx context.Context, g AnalysisGroup) (domain.WorkflowTask, error)

	GetPipelineStats(ctx context.Context) (PipelineStats, error)

	Close() error
}
