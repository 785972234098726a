// Package triage implements phase-1 analysis: deterministic scoring that
// runs for every ingested email. It produces the entity set, a workflow
// hint, an urgency score, and a lifecycle marker — all without touching a
// model, so it stays in the low-millisecond range.
package triage

import (
	"sort"
	"strings"

	"github.com/ignite/mailtriage/internal/domain"
	"github.com/ignite/mailtriage/internal/extract"
)

// workflowSignals maps each taxonomy entry to the phrases that vote for it.
var workflowSignals = map[domain.WorkflowType][]string{
	domain.WorkflowOrderManagement:  {"purchase order", "po#", "p.o.", "new order", "order status", "order confirmation", "backorder"},
	domain.WorkflowQuoteProcessing:  {"quote", "rfq", "pricing", "need quote", "requote", "proposal"},
	domain.WorkflowCustomerSupport:  {"case#", "ticket", "issue", "not working", "support", "problem", "defective"},
	domain.WorkflowShipping:         {"shipment", "shipped", "tracking", "delivery", "freight", "carrier", "eta"},
	domain.WorkflowDealRegistration: {"deal registration", "deal reg", "register this deal", "opportunity id"},
	domain.WorkflowApproval:         {"approve", "approval", "sign off", "authorization", "authorize"},
	domain.WorkflowRenewal:          {"renewal", "renew", "expiring", "contract extension"},
	domain.WorkflowVendorManagement: {"vendor", "supplier", "distributor", "partner program"},
}

// hintPriority breaks score ties: earlier entries win. The order reflects
// operational value, not frequency.
var hintPriority = []domain.WorkflowType{
	domain.WorkflowOrderManagement,
	domain.WorkflowQuoteProcessing,
	domain.WorkflowApproval,
	domain.WorkflowCustomerSupport,
	domain.WorkflowShipping,
	domain.WorkflowDealRegistration,
	domain.WorkflowRenewal,
	domain.WorkflowVendorManagement,
	domain.WorkflowGeneral,
}

var startPhrases = []string{"need quote", "new order", "inquiry", "rfq", "please provide"}
var progressPhrases = []string{"working on", "pending", "waiting for", "following up"}
var completionPhrases = []string{"resolved", "shipped", "tracking #", "tracking#", "thank you for your business"}

// Triage scores a single email. Pure function; the same email always
// produces the same result.
func Triage(email domain.Email) domain.Phase1Result {
	lower := strings.ToLower(email.Subject + "\n" + email.BodyText)

	entities := extract.Extract(email)
	dropLowConfidence(entities)

	signals := extract.FindUrgencySignals(lower)

	return domain.Phase1Result{
		Entities:        entities,
		WorkflowHint:    classifyWorkflow(lower),
		UrgencyScore:    urgencyScore(email, signals),
		KeyPhrases:      signals.Phrases,
		LifecycleMarker: lifecycleMarker(lower),
	}
}

// dropLowConfidence removes entities under the loose threshold. The analyst
// may revive them later with context; triage never forwards them.
func dropLowConfidence(ents domain.Entities) {
	for kind, vs := range ents {
		kept := vs[:0]
		for _, v := range vs {
			if v.Confidence >= domain.ConfidenceLoose {
				kept = append(kept, v)
			}
		}
		if len(kept) == 0 {
			delete(ents, kind)
		} else {
			ents[kind] = kept
		}
	}
}

func classifyWorkflow(lower string) domain.WorkflowType {
	scores := map[domain.WorkflowType]int{}
	for wf, phrases := range workflowSignals {
		for _, p := range phrases {
			if strings.Contains(lower, p) {
				scores[wf]++
			}
		}
	}
	if len(scores) == 0 {
		return domain.WorkflowGeneral
	}

	// Highest score wins; ties resolved by hint priority order.
	type scored struct {
		wf    domain.WorkflowType
		score int
		rank  int
	}
	var all []scored
	for wf, s := range scores {
		all = append(all, scored{wf, s, rankOf(wf)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].rank < all[j].rank
	})
	return all[0].wf
}

func rankOf(wf domain.WorkflowType) int {
	for i, w := range hintPriority {
		if w == wf {
			return i
		}
	}
	return len(hintPriority)
}

// urgencyScore maps signals to 0..3. Competitor pressure or an explicit
// urgency phrase plus a deadline is the ceiling.
func urgencyScore(email domain.Email, sig extract.UrgencySignals) int {
	score := 0
	if len(sig.Phrases) > 0 {
		score++
	}
	if sig.DeadlinePressure {
		score++
	}
	if sig.CompetitorMention || email.Importance == domain.ImportanceHigh {
		score++
	}
	if score > 3 {
		score = 3
	}
	return score
}

func lifecycleMarker(lower string) domain.LifecycleMarker {
	// Completion evidence outranks progress outranks start: a thread that
	// says "shipped" is past its "new order" opening even when both appear
	// in the quoted trail.
	for _, p := range completionPhrases {
		if strings.Contains(lower, p) {
			return domain.MarkerCompletion
		}
	}
	for _, p := range progressPhrases {
		if strings.Contains(lower, p) {
			return domain.MarkerProgress
		}
	}
	for _, p := range startPhrases {
		if strings.Contains(lower, p) {
			return domain.MarkerStart
		}
	}
	return domain.MarkerNone
}

// PayloadFrom converts a phase-1 result into the open-map payload persisted
// on the PhaseResult record.
func PayloadFrom(r domain.Phase1Result) map[string]any {
	return map[string]any{
		"entities":         r.Entities,
		"workflow_hint":    string(r.WorkflowHint),
		"urgency_score":    r.UrgencyScore,
		"key_phrases":      r.KeyPhrases,
		"lifecycle_marker": string(r.LifecycleMarker),
	}
}
