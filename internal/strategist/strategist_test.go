package strategist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailtriage/internal/domain"
	"github.com/ignite/mailtriage/internal/llm"
	"github.com/ignite/mailtriage/internal/prompt"
)

func fixtures() (domain.Email, domain.Phase1Result, domain.Phase2Result, domain.Chain) {
	email := domain.Email{
		ID:          "e-1",
		SenderEmail: "buyer@acme.com",
		Subject:     "URGENT: Need quote for PO#12345",
		ReceivedAt:  time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC),
	}
	ents := domain.Entities{}
	ents.Add(domain.EntityMoney, domain.Entity{
		Value: "$60,000", AmountMinor: 6000000, Currency: "USD",
		Confidence: domain.ConfidenceExact, SourcePhase: domain.PhaseTriage,
	})
	p1 := domain.Phase1Result{UrgencyScore: 3, WorkflowHint: domain.WorkflowQuoteProcessing}
	p2 := domain.Phase2Result{
		Phase1Result:      p1,
		WorkflowType:      domain.WorkflowQuoteProcessing,
		RiskFlags:         []string{"competitor"},
		ValidatedEntities: ents,
		Summary:           "Urgent quote, competitor pressure.",
	}
	chain := domain.Chain{EmailIDs: []string{"e-1"}, Completeness: 10, Lifecycle: domain.ChainStartOnly}
	return email, p1, p2, chain
}

func TestStrategizeHappyPath(t *testing.T) {
	stub := &llm.Stub{Responses: []string{
		`{"executive_summary":"Competitor is undercutting a $60k server deal.","revenue_impact":{"immediate_minor":6000000,"potential_minor":24000000},"competitive_strategy":["Match price with bundled support"],"cross_email_patterns":[],"escalation_needed":true}`,
	}}
	s := New(stub, prompt.NewRenderer(), 180*time.Second)

	email, p1, p2, chain := fixtures()
	res, retries, err := s.Strategize(context.Background(), email, p1, p2, chain)
	require.NoError(t, err)

	assert.Equal(t, 0, retries)
	assert.True(t, res.EscalationNeeded)
	assert.Equal(t, int64(6000000), res.RevenueImpact.ImmediateMinor)
	assert.Equal(t, int64(24000000), res.RevenueImpact.PotentialMinor)
	require.Len(t, res.CompetitiveStrategy, 1)

	calls := stub.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "6000000")
	assert.Contains(t, calls[0].Prompt, "Quote Processing")
	assert.Contains(t, calls[0].Opts.System, "do not redo them")
	assert.Equal(t, 180*time.Second, calls[0].Opts.Timeout)
}

func TestStrategizeFenceRecovery(t *testing.T) {
	stub := &llm.Stub{Responses: []string{
		"Thinking out loud, no JSON today.",
		`{"executive_summary":"ok","revenue_impact":{"immediate_minor":0,"potential_minor":0},"escalation_needed":false}`,
	}}
	s := New(stub, prompt.NewRenderer(), time.Second)

	email, p1, p2, chain := fixtures()
	res, retries, err := s.Strategize(context.Background(), email, p1, p2, chain)
	require.NoError(t, err)
	assert.Equal(t, 1, retries)
	assert.False(t, res.EscalationNeeded)
	assert.Equal(t, 0.0, stub.Calls()[1].Opts.Temperature)
}

func TestStrategizeParseBudgetExhausted(t *testing.T) {
	stub := &llm.Stub{Responses: []string{"nope"}}
	s := New(stub, prompt.NewRenderer(), time.Second)

	email, p1, p2, chain := fixtures()
	_, retries, err := s.Strategize(context.Background(), email, p1, p2, chain)
	assert.ErrorIs(t, err, ErrParseFailure)
	assert.Equal(t, maxGenerations, retries)
}

func TestStrategizeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stub := &llm.Stub{Responses: []string{`{}`}}
	s := New(stub, prompt.NewRenderer(), time.Second)

	email, p1, p2, chain := fixtures()
	_, _, err := s.Strategize(ctx, email, p1, p2, chain)
	assert.ErrorIs(t, err, context.Canceled)
}
