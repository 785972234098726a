// Package strategist implements phase 3: the selective, expensive model
// pass that produces executive-level analysis for high-stakes emails. It
// consumes the analyst's output and never re-does extraction or workflow
// typing.
package strategist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ignite/mailtriage/internal/domain"
	"github.com/ignite/mailtriage/internal/llm"
	"github.com/ignite/mailtriage/internal/prompt"
)

// ErrParseFailure mirrors the analyst's: the model never produced
// parseable output within the retry budget.
var ErrParseFailure = errors.New("strategist: model output unparseable after retries")

const maxGenerations = 3

const systemPrompt = `You are a senior revenue-operations strategist reviewing high-stakes business emails for a hardware distribution company. Entity extraction and workflow classification are already done; do not redo them.

Rules:
1. Respond with a single JSON object and nothing else.
2. Quantify revenue impact in minor currency units (cents). immediate_minor is value at risk right now; potential_minor is follow-on value.
3. competitive_strategy entries must be specific counter-moves, not platitudes.
4. Set escalation_needed=true only when a human must act outside normal SLA handling.`

const userTemplate = `Assess this analyzed email strategically.

From: {{ sender }}
Subject: {{ subject }}

Summary from the analyst: {{ summary }}
Final workflow type: {{ workflow_type }}
Urgency score: {{ urgency }} of 3
Risk flags: {{ risk_flags }}
Largest money value seen (minor units): {{ max_money_minor }}

Conversation chain: {{ chain_size }} message(s), lifecycle {{ chain_lifecycle }}, completeness {{ chain_completeness }}/100.

Return JSON with exactly these fields:
{
  "executive_summary": "...",
  "revenue_impact": {"immediate_minor": 0, "potential_minor": 0},
  "competitive_strategy": ["..."],
  "cross_email_patterns": ["..."],
  "escalation_needed": false
}`

type Strategist struct {
	gen      llm.Generator
	renderer *prompt.Renderer
	timeout  time.Duration
}

func New(gen llm.Generator, renderer *prompt.Renderer, timeout time.Duration) *Strategist {
	return &Strategist{gen: gen, renderer: renderer, timeout: timeout}
}

type phase3Wire struct {
	ExecutiveSummary string `json:"executive_summary"`
	RevenueImpact    struct {
		ImmediateMinor int64 `json:"immediate_minor"`
		PotentialMinor int64 `json:"potential_minor"`
	} `json:"revenue_impact"`
	CompetitiveStrategy []string `json:"competitive_strategy"`
	CrossEmailPatterns  []string `json:"cross_email_patterns"`
	EscalationNeeded    bool     `json:"escalation_needed"`
}

// Strategize runs the phase-3 model pass. The int return counts parse
// retries for metrics.
func (s *Strategist) Strategize(ctx context.Context, email domain.Email, p1 domain.Phase1Result, p2 domain.Phase2Result, chain domain.Chain) (domain.Phase3Result, int, error) {
	riskFlags, err := json.Marshal(p2.RiskFlags)
	if err != nil {
		return domain.Phase3Result{}, 0, fmt.Errorf("strategist: marshal risk flags: %w", err)
	}

	userPrompt, err := s.renderer.Render("strategist-user", userTemplate, map[string]interface{}{
		"sender":             email.SenderEmail,
		"subject":            email.Subject,
		"summary":            p2.Summary,
		"workflow_type":      string(p2.WorkflowType),
		"urgency":            p1.UrgencyScore,
		"risk_flags":         string(riskFlags),
		"max_money_minor":    p2.ValidatedEntities.MaxMoneyMinor(),
		"chain_size":         len(chain.EmailIDs),
		"chain_lifecycle":    string(chain.Lifecycle),
		"chain_completeness": chain.Completeness,
	})
	if err != nil {
		return domain.Phase3Result{}, 0, err
	}

	retries := 0
	for attempt := 0; attempt < maxGenerations; attempt++ {
		temperature := 0.3
		if attempt > 0 {
			temperature = 0
		}

		text, err := s.gen.Generate(ctx, userPrompt, llm.Options{
			System:      systemPrompt,
			MaxTokens:   2000,
			Temperature: temperature,
			Timeout:     s.timeout,
		})
		if err != nil {
			return domain.Phase3Result{}, retries, err
		}

		var wire phase3Wire // fresh per attempt so a failed decode leaks nothing
		steps, perr := llm.DecodeLenient(text, &wire)
		if perr == nil {
			retries += steps
			return domain.Phase3Result{
				ExecutiveSummary: wire.ExecutiveSummary,
				RevenueImpact: domain.RevenueImpact{
					ImmediateMinor: wire.RevenueImpact.ImmediateMinor,
					PotentialMinor: wire.RevenueImpact.PotentialMinor,
				},
				CompetitiveStrategy: wire.CompetitiveStrategy,
				CrossEmailPatterns:  wire.CrossEmailPatterns,
				EscalationNeeded:    wire.EscalationNeeded,
			}, retries, nil
		}

		retries++
		log.Printf("[Strategist] parse failed for email=%s attempt=%d: %v", email.ID, attempt+1, perr)
	}

	return domain.Phase3Result{}, retries, ErrParseFailure
}
