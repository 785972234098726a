package analyst

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailtriage/internal/domain"
	"github.com/ignite/mailtriage/internal/llm"
	"github.com/ignite/mailtriage/internal/prompt"
)

func testEmail() domain.Email {
	return domain.Email{
		ID:          "e-1",
		MessageID:   "<m1@example.com>",
		SenderEmail: "buyer@acme.com",
		Subject:     "URGENT: Need quote for PO#12345",
		BodyText:    "Need pricing on 15 servers by Friday.",
		ReceivedAt:  time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC),
	}
}

func testPhase1() domain.Phase1Result {
	ents := domain.Entities{}
	ents.Add(domain.EntityPONumber, domain.Entity{
		Value: "12345", Confidence: domain.ConfidenceExact, SourcePhase: domain.PhaseTriage,
	})
	ents.Add(domain.EntityQuoteNumber, domain.Entity{
		Value: "Q-100", Confidence: domain.ConfidenceHeuristic, SourcePhase: domain.PhaseTriage,
	})
	return domain.Phase1Result{
		Entities:        ents,
		WorkflowHint:    domain.WorkflowQuoteProcessing,
		UrgencyScore:    3,
		LifecycleMarker: domain.MarkerStart,
	}
}

func newAnalyst(stub *llm.Stub) *Analyst {
	return New(stub, prompt.NewRenderer(), 45*time.Second)
}

func TestAnalyzeHappyPath(t *testing.T) {
	stub := &llm.Stub{Responses: []string{
		`{"workflow_type":"Quote Processing","action_items":[{"task":"Prepare quote for 15 servers","priority":"critical","deadline":"2025-01-12T00:00:00Z"}],"sla_hours":4,"risk_flags":["competitor"],"entities":{},"summary":"Urgent quote request for PO 12345."}`,
	}}

	res, retries, err := newAnalyst(stub).Analyze(context.Background(), testEmail(), testPhase1(), domain.Chain{})
	require.NoError(t, err)

	assert.Equal(t, 0, retries)
	assert.Equal(t, domain.WorkflowQuoteProcessing, res.WorkflowType)
	require.Len(t, res.ActionItems, 1)
	assert.Equal(t, domain.PriorityCritical, res.ActionItems[0].Priority)
	require.NotNil(t, res.ActionItems[0].Deadline)
	assert.Equal(t, 4.0, res.SLAHours)
	assert.Contains(t, res.RiskFlags, "competitor")

	calls := stub.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Prompt, "PO#12345")
	assert.Contains(t, calls[0].Opts.System, "single JSON object")
}

func TestAnalyzeRecoversFromTruncatedFence(t *testing.T) {
	// First completion is a truncated fenced object; the regeneration at
	// temperature zero succeeds.
	stub := &llm.Stub{Responses: []string{
		"```json\n{\"workflow_type\": \"Quote\", \"action_items\": [",
		`{"workflow_type":"Quote","entities":{},"summary":"ok"}`,
	}}

	res, retries, err := newAnalyst(stub).Analyze(context.Background(), testEmail(), testPhase1(), domain.Chain{})
	require.NoError(t, err)

	assert.Equal(t, 1, retries)
	assert.Equal(t, domain.WorkflowQuoteProcessing, res.WorkflowType)

	calls := stub.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, 0.0, calls[1].Opts.Temperature)
}

func TestAnalyzeRegenerationStartsClean(t *testing.T) {
	// The first completion half-decodes before the type error on sla_hours
	// sets in; the regeneration omits workflow_type entirely. Nothing from
	// the failed attempt may bleed into the final result.
	stub := &llm.Stub{Responses: []string{
		`{"workflow_type":"Shipping/Logistics","sla_hours":"tomorrow","entities":{}}`,
		`{"sla_hours":6,"entities":{},"summary":"ok"}`,
	}}

	res, _, err := newAnalyst(stub).Analyze(context.Background(), testEmail(), testPhase1(), domain.Chain{})
	require.NoError(t, err)

	assert.Equal(t, domain.WorkflowQuoteProcessing, res.WorkflowType,
		"missing workflow_type falls back to the triage hint, not the failed attempt's value")
	assert.Equal(t, 6.0, res.SLAHours)
	assert.Len(t, stub.Calls(), 2)
}

func TestAnalyzeParseFailureAfterBudget(t *testing.T) {
	stub := &llm.Stub{Responses: []string{"no structure here, sorry"}}

	_, retries, err := newAnalyst(stub).Analyze(context.Background(), testEmail(), testPhase1(), domain.Chain{})
	assert.ErrorIs(t, err, ErrParseFailure)
	assert.Equal(t, maxGenerations, retries)
	assert.Len(t, stub.Calls(), maxGenerations)
}

func TestAnalyzeTransientModelError(t *testing.T) {
	boom := errors.New("throttled")
	stub := &llm.Stub{Err: boom}

	_, _, err := newAnalyst(stub).Analyze(context.Background(), testEmail(), testPhase1(), domain.Chain{})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, stub.Calls(), 1)
}

func TestEntityPreservationContract(t *testing.T) {
	// The model omits the PO, rejects the quote without a reason, rejects a
	// case number triage never saw, and adds a part number.
	stub := &llm.Stub{Responses: []string{
		`{"workflow_type":"Quote Processing","entities":{
			"quote_numbers":[{"value":"Q-100","rejected":true,"reject_reason":""}],
			"case_numbers":[{"value":"CAS-1","rejected":true,"reject_reason":"not present"}],
			"part_numbers":[{"value":"X500#A22","confidence":0.9}]
		},"summary":"ok"}`,
	}}

	res, _, err := newAnalyst(stub).Analyze(context.Background(), testEmail(), testPhase1(), domain.Chain{})
	require.NoError(t, err)

	v := res.ValidatedEntities
	assert.True(t, v.Contains(domain.EntityPONumber, "12345"), "omitted entity must survive")
	assert.True(t, v.Contains(domain.EntityQuoteNumber, "Q-100"), "rejection without reason must not stick")
	assert.Empty(t, v[domain.EntityCaseNumber], "rejecting an unseen entity adds nothing")

	part := v[domain.EntityPartNumber]
	require.Len(t, part, 1)
	assert.Equal(t, domain.PhaseAnalyst, part[0].SourcePhase)
	assert.Equal(t, 0.9, part[0].Confidence)

	// Phase-1 input must stay untouched.
	assert.False(t, testPhase1().Entities[domain.EntityQuoteNumber][0].Rejected)
}

func TestEntityRejectionWithReason(t *testing.T) {
	stub := &llm.Stub{Responses: []string{
		`{"workflow_type":"Quote Processing","entities":{
			"quote_numbers":[{"value":"Q-100","rejected":true,"reject_reason":"phone number fragment"}]
		},"summary":"ok"}`,
	}}

	res, _, err := newAnalyst(stub).Analyze(context.Background(), testEmail(), testPhase1(), domain.Chain{})
	require.NoError(t, err)

	q := res.ValidatedEntities[domain.EntityQuoteNumber]
	require.Len(t, q, 1)
	assert.True(t, q[0].Rejected)
	assert.Equal(t, "phone number fragment", q[0].RejectReason)
	assert.False(t, res.ValidatedEntities.Contains(domain.EntityQuoteNumber, "Q-100"))
}

func TestSummaryTruncatedAt600(t *testing.T) {
	long := make([]byte, 900)
	for i := range long {
		long[i] = 'x'
	}
	stub := &llm.Stub{Responses: []string{
		`{"workflow_type":"General","entities":{},"summary":"` + string(long) + `"}`,
	}}

	res, _, err := newAnalyst(stub).Analyze(context.Background(), testEmail(), testPhase1(), domain.Chain{})
	require.NoError(t, err)
	assert.Len(t, res.Summary, 600)
}

func TestNormalizeWorkflow(t *testing.T) {
	tests := []struct {
		raw  string
		want domain.WorkflowType
	}{
		{"Quote Processing", domain.WorkflowQuoteProcessing},
		{"Quote", domain.WorkflowQuoteProcessing},
		{"shipping/logistics", domain.WorkflowShipping},
		{"order management extras", domain.WorkflowOrderManagement},
		{"", domain.WorkflowCustomerSupport},
		{"nonsense", domain.WorkflowCustomerSupport},
	}
	for _, tt := range tests {
		got := normalizeWorkflow(tt.raw, domain.WorkflowCustomerSupport)
		assert.Equal(t, tt.want, got, "raw=%q", tt.raw)
	}
}
