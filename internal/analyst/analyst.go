// Package analyst implements phase 2: the primary model pass that finalizes
// the workflow type, validates triage entities, and produces action items.
package analyst

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ignite/mailtriage/internal/domain"
	"github.com/ignite/mailtriage/internal/llm"
	"github.com/ignite/mailtriage/internal/prompt"
)

// ErrParseFailure means the model never produced parseable output within
// the retry budget. Permanent for this phase; the pipeline records a failed
// phase result and continues with phase-1 data.
var ErrParseFailure = errors.New("analyst: model output unparseable after retries")

// maxGenerations bounds the parse-repair ladder: the initial completion
// plus regenerations at temperature zero.
const maxGenerations = 3

const maxBodyChars = 6000

type Analyst struct {
	gen      llm.Generator
	renderer *prompt.Renderer
	timeout  time.Duration
}

func New(gen llm.Generator, renderer *prompt.Renderer, timeout time.Duration) *Analyst {
	return &Analyst{gen: gen, renderer: renderer, timeout: timeout}
}

// phase2Wire is the JSON shape the model is asked to produce.
type phase2Wire struct {
	WorkflowType string                  `json:"workflow_type"`
	ActionItems  []actionItemWire        `json:"action_items"`
	SLAHours     float64                 `json:"sla_hours"`
	RiskFlags    []string                `json:"risk_flags"`
	Entities     map[string][]entityWire `json:"entities"`
	Summary      string                  `json:"summary"`
}

type actionItemWire struct {
	Task     string `json:"task"`
	Owner    string `json:"owner"`
	Deadline string `json:"deadline"`
	Priority string `json:"priority"`
}

type entityWire struct {
	Value        string  `json:"value"`
	Confidence   float64 `json:"confidence"`
	Rejected     bool    `json:"rejected"`
	RejectReason string  `json:"reject_reason"`
}

// Analyze runs the phase-2 model pass. The int return is the number of
// parse retries spent (repair steps plus regenerations), fed to metrics.
// Transient model errors come back as-is for the pipeline's backoff policy.
func (a *Analyst) Analyze(ctx context.Context, email domain.Email, p1 domain.Phase1Result, chain domain.Chain) (domain.Phase2Result, int, error) {
	userPrompt, err := a.buildPrompt(email, p1, chain)
	if err != nil {
		return domain.Phase2Result{}, 0, err
	}

	retries := 0
	for attempt := 0; attempt < maxGenerations; attempt++ {
		temperature := 0.2
		if attempt > 0 {
			temperature = 0 // regenerate deterministically after a parse failure
		}

		text, err := a.gen.Generate(ctx, userPrompt, llm.Options{
			System:      systemPrompt,
			MaxTokens:   2000,
			Temperature: temperature,
			Timeout:     a.timeout,
		})
		if err != nil {
			return domain.Phase2Result{}, retries, err
		}

		// A fresh target per attempt: a failed decode may have half-filled
		// the struct, and those fields must not leak into the next parse.
		var wire phase2Wire
		steps, perr := llm.DecodeLenient(text, &wire)
		if perr == nil {
			retries += steps
			return a.merge(p1, wire), retries, nil
		}

		retries++
		log.Printf("[Analyst] parse failed for email=%s attempt=%d: %v", email.ID, attempt+1, perr)
	}

	return domain.Phase2Result{}, retries, ErrParseFailure
}

func (a *Analyst) buildPrompt(email domain.Email, p1 domain.Phase1Result, chain domain.Chain) (string, error) {
	entsJSON, err := json.Marshal(p1.Entities)
	if err != nil {
		return "", fmt.Errorf("analyst: marshal entities: %w", err)
	}

	body := email.BodyText
	if len(body) > maxBodyChars {
		body = body[:maxBodyChars]
	}

	return a.renderer.Render("analyst-user", userTemplate, map[string]interface{}{
		"sender":             email.SenderEmail,
		"subject":            email.Subject,
		"received_at":        email.ReceivedAt.Format(time.RFC3339),
		"body":               body,
		"workflow_hint":      string(p1.WorkflowHint),
		"urgency":            p1.UrgencyScore,
		"lifecycle_marker":   string(p1.LifecycleMarker),
		"entities_json":      string(entsJSON),
		"chain_size":         len(chain.EmailIDs),
		"chain_lifecycle":    string(chain.Lifecycle),
		"chain_completeness": chain.Completeness,
	})
}

// merge folds the model's answer onto the phase-1 result. Every phase-1
// entity with confidence >= 0.5 survives unless the model rejected it with
// a reason; the model may add entities and adjust confidence but never
// silently remove.
func (a *Analyst) merge(p1 domain.Phase1Result, wire phase2Wire) domain.Phase2Result {
	validated := p1.Entities.Clone()
	if validated == nil {
		validated = domain.Entities{}
	}

	for kindStr, items := range wire.Entities {
		kind := domain.EntityKind(kindStr)
		for _, w := range items {
			if w.Value == "" {
				continue
			}
			idx := indexOf(validated[kind], w.Value)
			if idx < 0 {
				if w.Rejected {
					continue // rejecting something triage never found is a no-op
				}
				conf := w.Confidence
				if conf <= 0 || conf > 1 {
					conf = domain.ConfidenceHeuristic
				}
				validated.Add(kind, domain.Entity{
					Value:       w.Value,
					Confidence:  conf,
					SourcePhase: domain.PhaseAnalyst,
				})
				continue
			}

			ent := &validated[kind][idx]
			if w.Rejected {
				if w.RejectReason == "" {
					continue // rejection without a reason does not count
				}
				ent.Rejected = true
				ent.RejectReason = w.RejectReason
				continue
			}
			if w.Confidence > 0 && w.Confidence <= 1 {
				ent.Confidence = w.Confidence
			}
		}
	}

	return domain.Phase2Result{
		Phase1Result:      p1,
		WorkflowType:      normalizeWorkflow(wire.WorkflowType, p1.WorkflowHint),
		ActionItems:       convertActionItems(wire.ActionItems),
		SLAHours:          wire.SLAHours,
		RiskFlags:         wire.RiskFlags,
		ValidatedEntities: validated,
		Summary:           truncate(wire.Summary, 600),
	}
}

func indexOf(ents []domain.Entity, value string) int {
	for i := range ents {
		if ents[i].Value == value {
			return i
		}
	}
	return -1
}

var workflowTaxonomy = []domain.WorkflowType{
	domain.WorkflowOrderManagement,
	domain.WorkflowQuoteProcessing,
	domain.WorkflowCustomerSupport,
	domain.WorkflowShipping,
	domain.WorkflowDealRegistration,
	domain.WorkflowApproval,
	domain.WorkflowRenewal,
	domain.WorkflowVendorManagement,
	domain.WorkflowGeneral,
}

// normalizeWorkflow maps a model answer onto the fixed taxonomy. Loose
// answers like "Quote" or "shipping" match by prefix; anything else falls
// back to the triage hint.
func normalizeWorkflow(raw string, fallback domain.WorkflowType) domain.WorkflowType {
	candidate := strings.ToLower(strings.TrimSpace(raw))
	if candidate == "" {
		return fallback
	}
	for _, wf := range workflowTaxonomy {
		lw := strings.ToLower(string(wf))
		if candidate == lw || strings.HasPrefix(lw, candidate) || strings.HasPrefix(candidate, lw) {
			return wf
		}
	}
	return fallback
}

func convertActionItems(items []actionItemWire) []domain.ActionItem {
	var out []domain.ActionItem
	for _, w := range items {
		if strings.TrimSpace(w.Task) == "" {
			continue
		}
		item := domain.ActionItem{
			Task:     strings.TrimSpace(w.Task),
			Owner:    strings.TrimSpace(w.Owner),
			Priority: normalizePriority(w.Priority),
		}
		if w.Deadline != "" {
			if t, err := time.Parse(time.RFC3339, w.Deadline); err == nil {
				item.Deadline = &t
			}
		}
		out = append(out, item)
	}
	return out
}

func normalizePriority(raw string) domain.Priority {
	switch domain.Priority(strings.ToLower(strings.TrimSpace(raw))) {
	case domain.PriorityCritical:
		return domain.PriorityCritical
	case domain.PriorityHigh:
		return domain.PriorityHigh
	case domain.PriorityLow:
		return domain.PriorityLow
	default:
		return domain.PriorityMedium
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
