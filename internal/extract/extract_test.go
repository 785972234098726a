package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailtriage/internal/domain"
)

func testEmail(subject, body string) domain.Email {
	return domain.Email{
		ID:          "e-1",
		MessageID:   "<m1@example.com>",
		SenderEmail: "buyer@acme.com",
		Subject:     subject,
		BodyText:    body,
		ReceivedAt:  time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC),
	}
}

func find(ents domain.Entities, kind domain.EntityKind, value string) *domain.Entity {
	for i := range ents[kind] {
		if ents[kind][i].Value == value {
			return &ents[kind][i]
		}
	}
	return nil
}

func TestExtractPONumbers(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		value      string
		confidence float64
	}{
		{"hash prefix", "Please process PO#12345 today", "12345", domain.ConfidenceExact},
		{"dotted prefix", "Ref P.O. 998877 attached", "998877", domain.ConfidenceExact},
		{"sales order", "SO#445566 is confirmed", "445566", domain.ConfidenceExact},
		{"legacy prefix", "LYPO#7766554 received", "7766554", domain.ConfidenceExact},
		{"bare digit run", "order number 123456789 was shipped", "123456789", domain.ConfidenceHeuristic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ents := Extract(testEmail("", tt.text))
			e := find(ents, domain.EntityPONumber, tt.value)
			require.NotNil(t, e, "expected PO %q", tt.value)
			assert.Equal(t, tt.confidence, e.Confidence)
			assert.Equal(t, domain.PhaseTriage, e.SourcePhase)
		})
	}
}

func TestExtractPODedupes(t *testing.T) {
	// The prefixed match should win over the bare digit run for the same value.
	ents := Extract(testEmail("PO#665544 update", "confirming 665544 again"))
	require.Len(t, ents[domain.EntityPONumber], 1)
	assert.Equal(t, domain.ConfidenceExact, ents[domain.EntityPONumber][0].Confidence)
}

func TestExtractQuoteAndCaseNumbers(t *testing.T) {
	ents := Extract(testEmail(
		"Re: Q-1042 and FTQ-120045",
		"Also see Quote # AB-99 and case CAS-10442-X7 plus ticket INC-20041. Case# 7781 too.",
	))

	assert.NotNil(t, find(ents, domain.EntityQuoteNumber, "Q-1042"))
	assert.NotNil(t, find(ents, domain.EntityQuoteNumber, "FTQ-120045"))

	heur := find(ents, domain.EntityQuoteNumber, "AB-99")
	require.NotNil(t, heur)
	assert.Equal(t, domain.ConfidenceHeuristic, heur.Confidence)

	assert.NotNil(t, find(ents, domain.EntityCaseNumber, "CAS-10442-X7"))
	assert.NotNil(t, find(ents, domain.EntityCaseNumber, "INC-20041"))
	assert.NotNil(t, find(ents, domain.EntityCaseNumber, "7781"))
}

func TestExtractPartNumbers(t *testing.T) {
	ents := Extract(testEmail("", "Need 4 units of X500#A22 and 2 of BRKT10#99Z"))
	assert.NotNil(t, find(ents, domain.EntityPartNumber, "X500#A22"))
	assert.NotNil(t, find(ents, domain.EntityPartNumber, "BRKT10#99Z"))
}

func TestExtractMoney(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		value    string
		minor    int64
		currency string
	}{
		{"symbol with commas", "total comes to $50,000", "$50,000", 5000000, "USD"},
		{"symbol with cents", "invoice for $1,234.56", "$1,234.56", 123456, "USD"},
		{"iso suffix", "budget is 12500 USD for this", "12500 USD", 1250000, "USD"},
		{"euro", "they offered €900", "€900", 90000, "EUR"},
		{"shorthand k", "deal size around $75k", "$75k", 7500000, "USD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ents := Extract(testEmail("", tt.text))
			e := find(ents, domain.EntityMoney, tt.value)
			require.NotNil(t, e, "expected money %q", tt.value)
			assert.Equal(t, tt.minor, e.AmountMinor)
			assert.Equal(t, tt.currency, e.Currency)
		})
	}
}

func TestMaxMoneyMinor(t *testing.T) {
	ents := Extract(testEmail("", "either $5,000 now or $60,000 for the full order"))
	assert.Equal(t, int64(6000000), ents.MaxMoneyMinor())
}

func TestExtractDates(t *testing.T) {
	ents := Extract(testEmail(
		"Delivery 2025-02-14",
		"or 3/15/2025 at the latest. We need an answer by Friday, ideally EOD.",
	))

	iso := find(ents, domain.EntityDate, "2025-02-14")
	require.NotNil(t, iso)
	assert.Equal(t, domain.ConfidenceExact, iso.Confidence)

	assert.NotNil(t, find(ents, domain.EntityDate, "3/15/2025"))

	rel := find(ents, domain.EntityDate, "by friday")
	require.NotNil(t, rel)
	assert.Equal(t, domain.ConfidenceLoose, rel.Confidence)

	assert.NotNil(t, find(ents, domain.EntityDate, "eod"))
}

func TestExtractContacts(t *testing.T) {
	ents := Extract(testEmail("", "Loop in jane.ops@acme.com and ap@vendor.io please"))

	sender := find(ents, domain.EntityContact, "buyer@acme.com")
	require.NotNil(t, sender)
	assert.Equal(t, domain.ConfidenceExact, sender.Confidence)

	assert.NotNil(t, find(ents, domain.EntityContact, "jane.ops@acme.com"))
	assert.NotNil(t, find(ents, domain.EntityContact, "ap@vendor.io"))
}

func TestExtractIsDeterministic(t *testing.T) {
	email := testEmail("URGENT: PO#12345", "quote Q-100 for $9,999 by Friday, part A1#B2")
	a := Extract(email)
	b := Extract(email)
	assert.Equal(t, a, b)
}

func TestFindUrgencySignals(t *testing.T) {
	sig := FindUrgencySignals("URGENT: need this ASAP, competitor quoted 10% lower, answer by EOD")
	assert.Contains(t, sig.Phrases, "urgent")
	assert.Contains(t, sig.Phrases, "asap")
	assert.True(t, sig.CompetitorMention)
	assert.True(t, sig.DeadlinePressure)

	calm := FindUrgencySignals("Thanks for the update, no rush on our side next month")
	assert.False(t, calm.CompetitorMention)
	// "rush" appears but inside "no rush" we still flag the phrase; scoring is
	// the triage layer's job, not extraction's.
	assert.Contains(t, calm.Phrases, "rush")
}

func TestWordBoundaries(t *testing.T) {
	// "eod" must not match inside other words.
	sig := FindUrgencySignals("the geodesic dome shipment")
	assert.NotContains(t, sig.Phrases, "by eod")
	ents := Extract(testEmail("", "the geodesic dome shipment"))
	assert.Nil(t, find(ents, domain.EntityDate, "eod"))
}
