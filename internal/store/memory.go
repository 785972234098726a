package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ignite/mailtriage/internal/domain"
)

// Memory is the in-process Store. A single mutex guards everything, which
// doubles as the transaction boundary for CommitAnalysis.
type Memory struct {
	mu sync.RWMutex

	emails       map[string]domain.Email // by email ID
	byMessageID  map[string]string       // message_id -> email ID
	phaseResults map[string]map[domain.Phase]domain.PhaseResult
	chains       map[string]domain.Chain
	tasks        map[string]domain.WorkflowTask
	taskByEmail  map[string]string
	events       []domain.Event
	eventSeq     uint64
}

func NewMemory() *Memory {
	return &Memory{
		emails:       make(map[string]domain.Email),
		byMessageID:  make(map[string]string),
		phaseResults: make(map[string]map[domain.Phase]domain.PhaseResult),
		chains:       make(map[string]domain.Chain),
		tasks:        make(map[string]domain.WorkflowTask),
		taskByEmail:  make(map[string]string),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) PutEmail(_ context.Context, email domain.Email) error {
	if err := email.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byMessageID[email.MessageID]; dup {
		return nil
	}
	m.emails[email.ID] = email
	m.byMessageID[email.MessageID] = email.ID
	return nil
}

func (m *Memory) GetEmail(_ context.Context, emailID string) (domain.Email, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.emails[emailID]
	if !ok {
		return domain.Email{}, ErrNotFound
	}
	return e, nil
}

func (m *Memory) ListEmails(_ context.Context) ([]domain.Email, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Email, 0, len(m.emails))
	for _, e := range m.emails {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (m *Memory) PutPhaseResult(_ context.Context, pr domain.PhaseResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putPhaseResultLocked(pr)
	return nil
}

func (m *Memory) putPhaseResultLocked(pr domain.PhaseResult) {
	byPhase, ok := m.phaseResults[pr.EmailID]
	if !ok {
		byPhase = make(map[domain.Phase]domain.PhaseResult)
		m.phaseResults[pr.EmailID] = byPhase
	}
	byPhase[pr.Phase] = pr
}

func (m *Memory) GetPhaseResults(_ context.Context, emailID string) ([]domain.PhaseResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byPhase := m.phaseResults[emailID]
	out := make([]domain.PhaseResult, 0, len(byPhase))
	for _, pr := range byPhase {
		out = append(out, pr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Phase < out[j].Phase })
	return out, nil
}

func (m *Memory) UpsertChain(_ context.Context, chain domain.Chain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.chains[chain.ChainID]; ok && cur.Version >= chain.Version {
		return nil // stale recomputation
	}
	m.chains[chain.ChainID] = chain
	return nil
}

func (m *Memory) GetChain(_ context.Context, chainID string) (domain.Chain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chains[chainID]
	if !ok {
		return domain.Chain{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) GetChainsByCompletenessRange(_ context.Context, lo, hi int) ([]domain.Chain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Chain
	for _, c := range m.chains {
		if c.Completeness >= lo && c.Completeness <= hi {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out, nil
}

func (m *Memory) UpsertTask(_ context.Context, task domain.WorkflowTask) (domain.WorkflowTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upsertTaskLocked(task)
}

func (m *Memory) upsertTaskLocked(task domain.WorkflowTask) (domain.WorkflowTask, error) {
	cur, exists := m.tasks[task.TaskID]
	if exists {
		if cur.Version != task.Version {
			return domain.WorkflowTask{}, ErrVersionConflict
		}
	} else if task.Version != 0 {
		return domain.WorkflowTask{}, ErrVersionConflict
	}

	task.Version++
	now := time.Now().UTC()
	if !exists {
		task.CreatedAt = now
	} else {
		task.CreatedAt = cur.CreatedAt
	}
	task.UpdatedAt = now

	m.tasks[task.TaskID] = task
	m.taskByEmail[task.EmailID] = task.TaskID
	return task, nil
}

func (m *Memory) GetTask(_ context.Context, taskID string) (domain.WorkflowTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return domain.WorkflowTask{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) GetTaskByEmail(_ context.Context, emailID string) (domain.WorkflowTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.taskByEmail[emailID]
	if !ok {
		return domain.WorkflowTask{}, ErrNotFound
	}
	return m.tasks[id], nil
}

func (m *Memory) ListTasksByStatus(_ context.Context, status domain.SLAStatus) ([]domain.WorkflowTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterTasksLocked(func(t domain.WorkflowTask) bool { return t.Status == status }), nil
}

func (m *Memory) ListTasksBySLADeadlineBefore(_ context.Context, cutoff time.Time) ([]domain.WorkflowTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterTasksLocked(func(t domain.WorkflowTask) bool { return t.SLADeadline.Before(cutoff) }), nil
}

func (m *Memory) ListOpenTasks(_ context.Context) ([]domain.WorkflowTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filterTasksLocked(domain.WorkflowTask.Open), nil
}

func (m *Memory) filterTasksLocked(keep func(domain.WorkflowTask) bool) []domain.WorkflowTask {
	var out []domain.WorkflowTask
	for _, t := range m.tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

func (m *Memory) AppendEvent(_ context.Context, ev domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendEventLocked(ev)
	return nil
}

func (m *Memory) appendEventLocked(ev domain.Event) {
	m.eventSeq++
	if ev.EventID == 0 {
		ev.EventID = m.eventSeq
	}
	m.events = append(m.events, ev)
}

func (m *Memory) ListEvents(_ context.Context, correlationID string) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Event
	for _, ev := range m.events {
		if ev.CorrelationID == correlationID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// CommitAnalysis applies the group under the single mutex. The CAS check
// runs first so a conflict leaves nothing written.
func (m *Memory) CommitAnalysis(_ context.Context, g AnalysisGroup) (domain.WorkflowTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stored domain.WorkflowTask
	if g.Task != nil {
		var err error
		stored, err = m.upsertTaskLocked(*g.Task)
		if err != nil {
			return domain.WorkflowTask{}, err
		}
	}
	if g.PhaseResult != nil {
		m.putPhaseResultLocked(*g.PhaseResult)
	}
	if g.Event != nil {
		m.appendEventLocked(*g.Event)
	}
	return stored, nil
}

func (m *Memory) GetPipelineStats(_ context.Context) (PipelineStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := PipelineStats{
		Emails:        int64(len(m.emails)),
		PhaseResults:  make(map[domain.Phase]int64),
		TasksByStatus: make(map[domain.SLAStatus]int64),
		TasksByRoute:  make(map[domain.RoutingDecision]int64),
		Chains:        int64(len(m.chains)),
		Events:        int64(len(m.events)),
	}
	for _, byPhase := range m.phaseResults {
		for phase := range byPhase {
			stats.PhaseResults[phase]++
		}
	}
	for _, t := range m.tasks {
		stats.TasksByStatus[t.Status]++
		stats.TasksByRoute[t.Routing]++
	}
	return stats, nil
}
