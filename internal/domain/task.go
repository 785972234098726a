package domain

import "time"

// Priority orders tasks for SLA policy lookup.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// SLAStatus is the traffic-light assessment of time remaining vs policy.
type SLAStatus string

const (
	SLAGreen  SLAStatus = "green"  // on track
	SLAYellow SLAStatus = "yellow" // at risk
	SLARed    SLAStatus = "red"    // overdue
)

// RoutingDecision records which phases the router selected, kept on the
// task for audit.
type RoutingDecision string

const (
	RoutePhase1Only    RoutingDecision = "phase1-only"
	RoutePhase2Only    RoutingDecision = "phase2-only"
	RoutePhase2And3    RoutingDecision = "phase2+phase3"
)

// WorkflowTask is the operational record dashboards consume: one per email
// that finishes routing. Mutations are monotonic — every update increments
// Version, and stores reject CAS violations.
type WorkflowTask struct {
	TaskID        string          `json:"task_id"`
	EmailID       string          `json:"email_id"`
	ChainID       string          `json:"chain_id,omitempty"`
	WorkflowType  WorkflowType    `json:"workflow_type"`
	Priority      Priority        `json:"priority"`
	Status        SLAStatus       `json:"status"`
	Owner         string          `json:"owner,omitempty"`
	SLADeadline   time.Time       `json:"sla_deadline"`
	ReceivedAt    time.Time       `json:"received_at"`
	ActionItems   []ActionItem    `json:"action_items,omitempty"`
	StrategicNotes string         `json:"strategic_notes,omitempty"`
	RevenueAtRiskMinor int64      `json:"revenue_at_risk_minor,omitempty"`
	Routing       RoutingDecision `json:"routing"`
	Degraded      bool            `json:"degraded,omitempty"` // a phase failed; built from best available data
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Open reports whether the task still needs SLA scanning.
func (t WorkflowTask) Open() bool {
	return t.Status != SLARed || t.UpdatedAt.Before(t.SLADeadline)
}

// SLAPolicy maps priority to allowed hours plus the at-risk fraction.
type SLAPolicy struct {
	Hours          map[Priority]float64 `json:"hours"`
	AtRiskFraction float64              `json:"at_risk_fraction"`
}

// DefaultSLAPolicy returns the standard policy: critical 4h, high 24h,
// medium 72h, low 168h, at-risk at 80% elapsed.
func DefaultSLAPolicy() SLAPolicy {
	return SLAPolicy{
		Hours: map[Priority]float64{
			PriorityCritical: 4,
			PriorityHigh:     24,
			PriorityMedium:   72,
			PriorityLow:      168,
		},
		AtRiskFraction: 0.8,
	}
}

// HoursFor returns the policy hours for a priority, defaulting to the
// medium window for unknown values.
func (p SLAPolicy) HoursFor(pri Priority) float64 {
	if h, ok := p.Hours[pri]; ok {
		return h
	}
	return p.Hours[PriorityMedium]
}
