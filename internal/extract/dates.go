package extract

import (
	"regexp"
	"strings"

	"github.com/ignite/mailtriage/internal/domain"
)

var (
	reISODate = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	reUSDate  = regexp.MustCompile(`\b(\d{1,2}/\d{1,2}/\d{2,4})\b`)
	reEUDate  = regexp.MustCompile(`\b(\d{1,2}\.\d{1,2}\.\d{4})\b`)
	reLongDate = regexp.MustCompile(`(?i)\b((?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)[a-z]*\.?\s+\d{1,2}(?:st|nd|rd|th)?(?:,?\s+\d{4})?)\b`)
)

// Relative deadline phrases. Resolution against a clock is analyst work;
// triage only records the phrase at loose confidence.
var relativeDatePhrases = []string{
	"by friday", "by monday", "by tuesday", "by wednesday", "by thursday",
	"by eod", "eod", "end of day", "end of week", "by tomorrow", "tomorrow",
	"next week", "by close of business", "cob",
}

func extractDates(text string, out domain.Entities) {
	seen := map[string]bool{}

	add := func(v string, conf float64) {
		key := strings.ToLower(strings.TrimSpace(v))
		if seen[key] {
			return
		}
		seen[key] = true
		out.Add(domain.EntityDate, entity(strings.TrimSpace(v), conf))
	}

	for _, m := range reISODate.FindAllStringSubmatch(text, -1) {
		add(m[1], domain.ConfidenceExact)
	}
	for _, m := range reUSDate.FindAllStringSubmatch(text, -1) {
		add(m[1], domain.ConfidenceExact)
	}
	for _, m := range reEUDate.FindAllStringSubmatch(text, -1) {
		add(m[1], domain.ConfidenceHeuristic)
	}
	for _, m := range reLongDate.FindAllStringSubmatch(text, -1) {
		add(m[1], domain.ConfidenceHeuristic)
	}

	lower := strings.ToLower(text)
	for _, phrase := range relativeDatePhrases {
		if containsPhrase(lower, phrase) {
			add(phrase, domain.ConfidenceLoose)
		}
	}
}

// containsPhrase does a word-boundary-aware substring check so "eod" does
// not match inside "geodesic".
func containsPhrase(text, phrase string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], phrase)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(phrase)
		beforeOK := start == 0 || !isWordChar(text[start-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
