package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/ignite/mailtriage/internal/domain"
)

// Postgres is the primary production Store. Domain records are stored as
// JSONB payloads with the columns the queries filter on lifted out.
type Postgres struct {
	db *sql.DB
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS emails (
	id          TEXT PRIMARY KEY,
	message_id  TEXT UNIQUE NOT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	payload     JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS phase_results (
	email_id    TEXT NOT NULL,
	phase       INT NOT NULL,
	produced_at TIMESTAMPTZ NOT NULL,
	payload     JSONB NOT NULL,
	PRIMARY KEY (email_id, phase)
);

CREATE TABLE IF NOT EXISTS chains (
	chain_id     TEXT PRIMARY KEY,
	completeness INT NOT NULL,
	version      BIGINT NOT NULL,
	payload      JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS chains_completeness_idx ON chains (completeness);

CREATE TABLE IF NOT EXISTS workflow_tasks (
	task_id      TEXT PRIMARY KEY,
	email_id     TEXT NOT NULL,
	status       TEXT NOT NULL,
	sla_deadline TIMESTAMPTZ NOT NULL,
	version      BIGINT NOT NULL,
	payload      JSONB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS workflow_tasks_email_idx ON workflow_tasks (email_id);
CREATE INDEX IF NOT EXISTS workflow_tasks_status_idx ON workflow_tasks (status);
CREATE INDEX IF NOT EXISTS workflow_tasks_deadline_idx ON workflow_tasks (sla_deadline);

CREATE TABLE IF NOT EXISTS events (
	seq            BIGSERIAL PRIMARY KEY,
	event_id       BIGINT NOT NULL,
	type           TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	payload        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS events_correlation_idx ON events (correlation_id, seq);
`

// NewPostgres connects and applies the schema.
func NewPostgres(databaseURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := db.Exec(pgSchema); err != nil {
		return nil, fmt.Errorf("postgres schema: %w", err)
	}

	log.Printf("[Store] Postgres connected")
	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing connection without touching the
// schema. Used by tests with sqlmock.
func NewPostgresFromDB(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) PutEmail(ctx context.Context, email domain.Email) error {
	if err := email.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(email)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO emails (id, message_id, received_at, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id) DO NOTHING`,
		email.ID, email.MessageID, email.ReceivedAt, payload)
	return err
}

func (p *Postgres) GetEmail(ctx context.Context, emailID string) (domain.Email, error) {
	var out domain.Email
	err := scanJSON(p.db.QueryRowContext(ctx,
		`SELECT payload FROM emails WHERE id = $1`, emailID), &out)
	return out, err
}

func (p *Postgres) ListEmails(ctx context.Context) ([]domain.Email, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT payload FROM emails ORDER BY received_at`)
	if err != nil {
		return nil, err
	}
	return collect[domain.Email](rows)
}

func (p *Postgres) PutPhaseResult(ctx context.Context, pr domain.PhaseResult) error {
	return p.putPhaseResult(ctx, p.db, pr)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *Postgres) putPhaseResult(ctx context.Context, ex execer, pr domain.PhaseResult) error {
	payload, err := json.Marshal(pr)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO phase_results (email_id, phase, produced_at, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email_id, phase) DO UPDATE
		SET produced_at = EXCLUDED.produced_at, payload = EXCLUDED.payload`,
		pr.EmailID, int(pr.Phase), pr.ProducedAt, payload)
	return err
}

func (p *Postgres) GetPhaseResults(ctx context.Context, emailID string) ([]domain.PhaseResult, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT payload FROM phase_results WHERE email_id = $1 ORDER BY phase`, emailID)
	if err != nil {
		return nil, err
	}
	return collect[domain.PhaseResult](rows)
}

func (p *Postgres) UpsertChain(ctx context.Context, chain domain.Chain) error {
	payload, err := json.Marshal(chain)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO chains (chain_id, completeness, version, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chain_id) DO UPDATE
		SET completeness = EXCLUDED.completeness,
		    version = EXCLUDED.version,
		    payload = EXCLUDED.payload
		WHERE chains.version < EXCLUDED.version`,
		chain.ChainID, chain.Completeness, chain.Version, payload)
	return err
}

func (p *Postgres) GetChain(ctx context.Context, chainID string) (domain.Chain, error) {
	var out domain.Chain
	err := scanJSON(p.db.QueryRowContext(ctx,
		`SELECT payload FROM chains WHERE chain_id = $1`, chainID), &out)
	return out, err
}

func (p *Postgres) GetChainsByCompletenessRange(ctx context.Context, lo, hi int) ([]domain.Chain, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT payload FROM chains
		WHERE completeness BETWEEN $1 AND $2
		ORDER BY chain_id`, lo, hi)
	if err != nil {
		return nil, err
	}
	return collect[domain.Chain](rows)
}

func (p *Postgres) UpsertTask(ctx context.Context, task domain.WorkflowTask) (domain.WorkflowTask, error) {
	return p.upsertTask(ctx, p.db, task)
}

type queryExecer interface {
	execer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *Postgres) upsertTask(ctx context.Context, ex queryExecer, task domain.WorkflowTask) (domain.WorkflowTask, error) {
	expected := task.Version
	now := time.Now().UTC()
	task.Version = expected + 1
	task.UpdatedAt = now

	if expected == 0 {
		task.CreatedAt = now
		payload, err := json.Marshal(task)
		if err != nil {
			return domain.WorkflowTask{}, err
		}
		res, err := ex.ExecContext(ctx, `
			INSERT INTO workflow_tasks (task_id, email_id, status, sla_deadline, version, payload)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (task_id) DO NOTHING`,
			task.TaskID, task.EmailID, string(task.Status), task.SLADeadline, task.Version, payload)
		if err != nil {
			return domain.WorkflowTask{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.WorkflowTask{}, ErrVersionConflict
		}
		return task, nil
	}

	var createdAt time.Time
	err := ex.QueryRowContext(ctx,
		`SELECT (payload->>'created_at')::timestamptz FROM workflow_tasks WHERE task_id = $1`,
		task.TaskID).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return domain.WorkflowTask{}, ErrVersionConflict
	}
	if err != nil {
		return domain.WorkflowTask{}, err
	}
	task.CreatedAt = createdAt

	payload, err := json.Marshal(task)
	if err != nil {
		return domain.WorkflowTask{}, err
	}
	res, err := ex.ExecContext(ctx, `
		UPDATE workflow_tasks
		SET status = $1, sla_deadline = $2, version = $3, payload = $4, email_id = $5
		WHERE task_id = $6 AND version = $7`,
		string(task.Status), task.SLADeadline, task.Version, payload, task.EmailID, task.TaskID, expected)
	if err != nil {
		return domain.WorkflowTask{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.WorkflowTask{}, ErrVersionConflict
	}
	return task, nil
}

func (p *Postgres) GetTask(ctx context.Context, taskID string) (domain.WorkflowTask, error) {
	var out domain.WorkflowTask
	err := scanJSON(p.db.QueryRowContext(ctx,
		`SELECT payload FROM workflow_tasks WHERE task_id = $1`, taskID), &out)
	return out, err
}

func (p *Postgres) GetTaskByEmail(ctx context.Context, emailID string) (domain.WorkflowTask, error) {
	var out domain.WorkflowTask
	err := scanJSON(p.db.QueryRowContext(ctx,
		`SELECT payload FROM workflow_tasks WHERE email_id = $1`, emailID), &out)
	return out, err
}

func (p *Postgres) ListTasksByStatus(ctx context.Context, status domain.SLAStatus) ([]domain.WorkflowTask, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT payload FROM workflow_tasks WHERE status = $1 ORDER BY task_id`, string(status))
	if err != nil {
		return nil, err
	}
	return collect[domain.WorkflowTask](rows)
}

func (p *Postgres) ListTasksBySLADeadlineBefore(ctx context.Context, cutoff time.Time) ([]domain.WorkflowTask, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT payload FROM workflow_tasks WHERE sla_deadline < $1 ORDER BY sla_deadline`, cutoff)
	if err != nil {
		return nil, err
	}
	return collect[domain.WorkflowTask](rows)
}

func (p *Postgres) ListOpenTasks(ctx context.Context) ([]domain.WorkflowTask, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT payload FROM workflow_tasks
		WHERE status <> 'red' OR (payload->>'updated_at')::timestamptz < sla_deadline
		ORDER BY sla_deadline`)
	if err != nil {
		return nil, err
	}
	return collect[domain.WorkflowTask](rows)
}

func (p *Postgres) AppendEvent(ctx context.Context, ev domain.Event) error {
	return p.appendEvent(ctx, p.db, ev)
}

func (p *Postgres) appendEvent(ctx context.Context, ex execer, ev domain.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO events (event_id, type, correlation_id, created_at, payload)
		VALUES ($1, $2, $3, $4, $5)`,
		int64(ev.EventID), string(ev.Type), ev.CorrelationID, ev.Timestamp, payload)
	return err
}

func (p *Postgres) ListEvents(ctx context.Context, correlationID string) ([]domain.Event, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT payload FROM events WHERE correlation_id = $1 ORDER BY seq`, correlationID)
	if err != nil {
		return nil, err
	}
	return collect[domain.Event](rows)
}

// CommitAnalysis runs the group inside one transaction. A CAS conflict on
// the task rolls back the phase result and event as well.
func (p *Postgres) CommitAnalysis(ctx context.Context, g AnalysisGroup) (domain.WorkflowTask, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkflowTask{}, err
	}
	defer tx.Rollback()

	var stored domain.WorkflowTask
	if g.Task != nil {
		stored, err = p.upsertTask(ctx, tx, *g.Task)
		if err != nil {
			return domain.WorkflowTask{}, err
		}
	}
	if g.PhaseResult != nil {
		if err := p.putPhaseResult(ctx, tx, *g.PhaseResult); err != nil {
			return domain.WorkflowTask{}, err
		}
	}
	if g.Event != nil {
		if err := p.appendEvent(ctx, tx, *g.Event); err != nil {
			return domain.WorkflowTask{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.WorkflowTask{}, err
	}
	return stored, nil
}

func (p *Postgres) GetPipelineStats(ctx context.Context) (PipelineStats, error) {
	stats := PipelineStats{
		PhaseResults:  make(map[domain.Phase]int64),
		TasksByStatus: make(map[domain.SLAStatus]int64),
		TasksByRoute:  make(map[domain.RoutingDecision]int64),
	}

	row := p.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM emails),
			(SELECT COUNT(*) FROM chains),
			(SELECT COUNT(*) FROM events)`)
	if err := row.Scan(&stats.Emails, &stats.Chains, &stats.Events); err != nil {
		return PipelineStats{}, err
	}

	rows, err := p.db.QueryContext(ctx, `SELECT phase, COUNT(*) FROM phase_results GROUP BY phase`)
	if err != nil {
		return PipelineStats{}, err
	}
	for rows.Next() {
		var phase int
		var n int64
		if err := rows.Scan(&phase, &n); err != nil {
			rows.Close()
			return PipelineStats{}, err
		}
		stats.PhaseResults[domain.Phase(phase)] = n
	}
	if err := rows.Close(); err != nil {
		return PipelineStats{}, err
	}

	rows, err = p.db.QueryContext(ctx, `
		SELECT status, payload->>'routing', COUNT(*)
		FROM workflow_tasks GROUP BY status, payload->>'routing'`)
	if err != nil {
		return PipelineStats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var status, routing string
		var n int64
		if err := rows.Scan(&status, &routing, &n); err != nil {
			return PipelineStats{}, err
		}
		stats.TasksByStatus[domain.SLAStatus(status)] += n
		stats.TasksByRoute[domain.RoutingDecision(routing)] += n
	}
	return stats, rows.Err()
}

func scanJSON(row *sql.Row, v any) error {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(payload, v)
}

func collect[T any](rows *sql.Rows) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
