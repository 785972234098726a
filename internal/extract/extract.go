// Package extract is the deterministic entity and pattern library. It
// recognizes purchase orders, quotes, support cases, part numbers, money
// values, dates, and urgency phrases in raw email text.
//
// Extraction is side-effect free and never calls a model: the same email
// always yields the same entity set. Confidence reflects match strictness
// only (exact format 0.95, heuristic 0.7, loose 0.5).
package extract

import (
	"regexp"
	"strings"

	"github.com/ignite/mailtriage/internal/domain"
)

var (
	// Prefixed order forms: PO#12345, P.O. 12345, SO#987654, BO#44556, LYPO#1122334.
	rePrefixedPO = regexp.MustCompile(`(?i)\b(?:LYPO|P\.?\s?O\.?|SO|BO)\s*#?\s*(\d{4,})`)
	// Bare digit runs of at least six digits are order candidates.
	reBarePO = regexp.MustCompile(`\b(\d{6,})\b`)

	reQuoteExact = regexp.MustCompile(`\b(Q-\d{3,}|FTQ-\d{5,})\b`)
	reQuoteLabel = regexp.MustCompile(`(?i)\bquote\s*#\s*([A-Za-z0-9-]{3,})`)

	reCaseExact = regexp.MustCompile(`\b(CAS-[A-Za-z0-9-]{4,})\b`)
	reCaseLabel = regexp.MustCompile(`(?i)\bcase\s*#\s*([A-Za-z0-9-]{3,})`)
	reTicket    = regexp.MustCompile(`\b((?:TKT|INC|SR)[-#]?\d{4,})\b`)

	// Vendor SKU shapes: alphanumeric halves joined by a '#' separator.
	rePartNumber = regexp.MustCompile(`\b([A-Z0-9]{2,8}#[A-Z0-9]{2,10})\b`)

	reEmailAddr = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
)

// Extract runs every recognizer over the email subject and body and returns
// the tagged entity set. All entities are stamped with source_phase 1.
func Extract(email domain.Email) domain.Entities {
	text := email.Subject + "\n" + email.BodyText
	out := domain.Entities{}

	extractPONumbers(text, out)
	extractQuoteNumbers(text, out)
	extractCaseNumbers(text, out)
	extractPartNumbers(text, out)
	extractMoney(text, out)
	extractDates(text, out)
	extractContacts(text, email.SenderEmail, out)

	return out
}

func extractPONumbers(text string, out domain.Entities) {
	seen := map[string]bool{}
	for _, m := range rePrefixedPO.FindAllStringSubmatch(text, -1) {
		v := m[1]
		if seen[v] {
			continue
		}
		seen[v] = true
		out.Add(domain.EntityPONumber, entity(v, domain.ConfidenceExact))
	}
	for _, m := range reBarePO.FindAllStringSubmatch(text, -1) {
		v := m[1]
		if seen[v] {
			continue
		}
		// Bare runs also match phone numbers and tracking IDs; heuristic only.
		seen[v] = true
		out.Add(domain.EntityPONumber, entity(v, domain.ConfidenceHeuristic))
	}
}

func extractQuoteNumbers(text string, out domain.Entities) {
	seen := map[string]bool{}
	for _, m := range reQuoteExact.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out.Add(domain.EntityQuoteNumber, entity(m[1], domain.ConfidenceExact))
		}
	}
	for _, m := range reQuoteLabel.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out.Add(domain.EntityQuoteNumber, entity(m[1], domain.ConfidenceHeuristic))
		}
	}
}

func extractCaseNumbers(text string, out domain.Entities) {
	seen := map[string]bool{}
	for _, m := range reCaseExact.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out.Add(domain.EntityCaseNumber, entity(m[1], domain.ConfidenceExact))
		}
	}
	for _, m := range reTicket.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out.Add(domain.EntityCaseNumber, entity(m[1], domain.ConfidenceExact))
		}
	}
	for _, m := range reCaseLabel.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out.Add(domain.EntityCaseNumber, entity(m[1], domain.ConfidenceHeuristic))
		}
	}
}

func extractPartNumbers(text string, out domain.Entities) {
	seen := map[string]bool{}
	for _, m := range rePartNumber.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out.Add(domain.EntityPartNumber, entity(m[1], domain.ConfidenceHeuristic))
		}
	}
}

func extractContacts(text, sender string, out domain.Entities) {
	seen := map[string]bool{}
	if sender != "" {
		seen[strings.ToLower(sender)] = true
		out.Add(domain.EntityContact, entity(strings.ToLower(sender), domain.ConfidenceExact))
	}
	for _, m := range reEmailAddr.FindAllString(text, -1) {
		v := strings.ToLower(m)
		if !seen[v] {
			seen[v] = true
			out.Add(domain.EntityContact, entity(v, domain.ConfidenceHeuristic))
		}
	}
}

func entity(value string, confidence float64) domain.Entity {
	return domain.Entity{
		Value:       value,
		Confidence:  confidence,
		SourcePhase: domain.PhaseTriage,
	}
}
