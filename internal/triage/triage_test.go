package triage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailtriage/internal/domain"
)

func email(subject, body string) domain.Email {
	return domain.Email{
		ID:          "e-1",
		MessageID:   "<m1@example.com>",
		SenderEmail: "buyer@acme.com",
		Subject:     subject,
		BodyText:    body,
		ReceivedAt:  time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC),
	}
}

func TestTriageUrgentQuoteWithCompetitor(t *testing.T) {
	// Scenario 1 from the operational runbook: urgent quote, competitor signal.
	r := Triage(email(
		"URGENT: Need quote for PO#12345 - 15 servers by Friday, competitor quoted 10% lower",
		"We need your best pricing by Friday or we go with the other vendor.",
	))

	require.Contains(t, r.Entities, domain.EntityPONumber)
	assert.True(t, r.Entities.Contains(domain.EntityPONumber, "12345"))
	assert.Equal(t, 3, r.UrgencyScore)
	assert.Equal(t, domain.WorkflowQuoteProcessing, r.WorkflowHint)
	assert.Equal(t, domain.MarkerStart, r.LifecycleMarker)
	assert.Contains(t, r.KeyPhrases, "urgent")
}

func TestTriageRoutineFollowUp(t *testing.T) {
	r := Triage(email(
		"Following up on previous order",
		"Hi, just checking in on the order status. No rush if pending.",
	))

	assert.Equal(t, domain.WorkflowOrderManagement, r.WorkflowHint)
	assert.Equal(t, domain.MarkerProgress, r.LifecycleMarker)
	assert.LessOrEqual(t, r.UrgencyScore, 1)
}

func TestTriageCompletedShipment(t *testing.T) {
	r := Triage(email(
		"Your order has shipped",
		"Order shipped, tracking #1Z999AA10123456784. Thank you for your business.",
	))

	assert.Equal(t, domain.MarkerCompletion, r.LifecycleMarker)
	assert.Equal(t, domain.WorkflowShipping, r.WorkflowHint)
	assert.Equal(t, 0, r.UrgencyScore)
}

func TestTriageGeneralFallback(t *testing.T) {
	r := Triage(email("Lunch on Thursday?", "Want to grab lunch this week?"))
	assert.Equal(t, domain.WorkflowGeneral, r.WorkflowHint)
	assert.Equal(t, domain.MarkerNone, r.LifecycleMarker)
	assert.Equal(t, 0, r.UrgencyScore)
}

func TestWorkflowTieBreaksByPriority(t *testing.T) {
	// One vote each for order management and shipping; the hint priority
	// order puts order management first.
	r := Triage(email("", "the purchase order and the shipment"))
	assert.Equal(t, domain.WorkflowOrderManagement, r.WorkflowHint)
}

func TestLifecycleCompletionOutranksStart(t *testing.T) {
	// Quoted trails often contain the opening request under the resolution.
	r := Triage(email(
		"Re: need quote",
		"This is now resolved.\n\n> original: need quote for 10 units",
	))
	assert.Equal(t, domain.MarkerCompletion, r.LifecycleMarker)
}

func TestUrgencyFromImportanceHeader(t *testing.T) {
	e := email("Quick question", "No firm date on this one.")
	e.Importance = domain.ImportanceHigh
	r := Triage(e)
	assert.Equal(t, 1, r.UrgencyScore)
}

func TestTriageIsPure(t *testing.T) {
	e := email("URGENT PO#12345", "need quote by eod, $50,000")
	a := Triage(e)
	b := Triage(e)
	assert.Equal(t, a, b)
}

func TestPayloadFromRoundTripsFields(t *testing.T) {
	r := Triage(email("URGENT: Need quote", "rfq for 15 servers by Friday"))
	p := PayloadFrom(r)

	assert.Equal(t, string(r.WorkflowHint), p["workflow_hint"])
	assert.Equal(t, r.UrgencyScore, p["urgency_score"])
	assert.Equal(t, string(r.LifecycleMarker), p["lifecycle_marker"])
}
