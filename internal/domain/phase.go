package domain

import (
	"errors"
	"time"
)

// Phase identifies a pipeline stage.
type Phase int

const (
	PhaseTriage     Phase = 1 // rule-based, runs for every email
	PhaseAnalyst    Phase = 2 // primary model
	PhaseStrategist Phase = 3 // critical model, invoked selectively
)

// PhaseStatus is the terminal state of one phase for one email.
type PhaseStatus string

const (
	PhaseOK      PhaseStatus = "ok"
	PhaseSkipped PhaseStatus = "skipped"
	PhaseFailed  PhaseStatus = "failed"
)

// Domain-level validation errors. These are permanent: an email that fails
// validation is recorded and never re-enqueued.
var (
	ErrMissingMessageID  = errors.New("email missing message_id")
	ErrMissingSender     = errors.New("email missing sender_email")
	ErrMissingReceivedAt = errors.New("email missing received_at")
)

// PhaseResult is the append-only record of one phase run for one email.
// Keyed by (email_id, phase); replays overwrite with identical content.
type PhaseResult struct {
	EmailID    string         `json:"email_id"`
	Phase      Phase          `json:"phase"`
	Status     PhaseStatus    `json:"status"`
	DurationMS int64          `json:"duration_ms"`
	ModelID    string         `json:"model_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	ProducedAt time.Time      `json:"produced_at"`
}

// LifecycleMarker is the phase-1 read of where an email sits in a workflow.
type LifecycleMarker string

const (
	MarkerStart      LifecycleMarker = "start"
	MarkerProgress   LifecycleMarker = "progress"
	MarkerCompletion LifecycleMarker = "completion"
	MarkerNone       LifecycleMarker = "none"
)

// WorkflowType is the fixed taxonomy phase-1 scores against and phase-2
// finalizes.
type WorkflowType string

const (
	WorkflowOrderManagement  WorkflowType = "Order Management"
	WorkflowQuoteProcessing  WorkflowType = "Quote Processing"
	WorkflowCustomerSupport  WorkflowType = "Customer Support"
	WorkflowShipping         WorkflowType = "Shipping/Logistics"
	WorkflowDealRegistration WorkflowType = "Deal Registration"
	WorkflowApproval         WorkflowType = "Approval"
	WorkflowRenewal          WorkflowType = "Renewal"
	WorkflowVendorManagement WorkflowType = "Vendor Management"
	WorkflowGeneral          WorkflowType = "General"
)

// Phase1Result is the triage output. Runs for every email, pure function.
type Phase1Result struct {
	Entities        Entities        `json:"entities"`
	WorkflowHint    WorkflowType    `json:"workflow_hint"`
	UrgencyScore    int             `json:"urgency_score"` // 0..3
	KeyPhrases      []string        `json:"key_phrases,omitempty"`
	LifecycleMarker LifecycleMarker `json:"lifecycle_marker"`
}

// ActionItem is one actionable unit extracted by the analyst.
type ActionItem struct {
	Task     string     `json:"task"`
	Owner    string     `json:"owner,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`
	Priority Priority   `json:"priority"`
}

// Phase2Result extends Phase1Result. The analyst never re-extracts: it may
// only add entities, adjust confidence, or reject with a reason.
type Phase2Result struct {
	Phase1Result

	WorkflowType     WorkflowType `json:"workflow_type"`
	ActionItems      []ActionItem `json:"action_items,omitempty"`
	SLAHours         float64      `json:"sla_hours,omitempty"`
	RiskFlags        []string     `json:"risk_flags,omitempty"`
	ValidatedEntities Entities    `json:"validated_entities"`
	Summary          string       `json:"summary,omitempty"` // <= 600 chars
}

// RevenueImpact splits immediate from potential revenue, in minor units.
type RevenueImpact struct {
	ImmediateMinor int64 `json:"immediate_minor"`
	PotentialMinor int64 `json:"potential_minor"`
}

// Phase3Result carries strategic analysis. It must not re-do entity
// extraction or workflow typing.
type Phase3Result struct {
	ExecutiveSummary    string        `json:"executive_summary"`
	RevenueImpact       RevenueImpact `json:"revenue_impact"`
	CompetitiveStrategy []string      `json:"competitive_strategy,omitempty"`
	CrossEmailPatterns  []string      `json:"cross_email_patterns,omitempty"`
	EscalationNeeded    bool          `json:"escalation_needed"`
}
