package extract

import "strings"

// UrgencySignals is what the urgency recognizer found in one email.
type UrgencySignals struct {
	Phrases            []string
	CompetitorMention  bool
	DeadlinePressure   bool // a relative deadline phrase is present
}

var urgencyPhrases = []string{
	"urgent", "asap", "immediately", "critical", "emergency",
	"expedite", "rush", "right away", "time sensitive", "escalate",
	"by eod", "end of day", "today",
}

var competitorPhrases = []string{
	"competitor", "competing quote", "other vendor", "another supplier",
	"quoted lower", "better price elsewhere", "cheaper elsewhere",
}

var deadlinePhrases = []string{
	"by friday", "by monday", "by tomorrow", "by eod", "end of day",
	"end of week", "close of business", "deadline",
}

// FindUrgencySignals scans text for the fixed urgency, competitor, and
// deadline phrase lists. Matching is case-insensitive and word-bounded.
func FindUrgencySignals(text string) UrgencySignals {
	lower := strings.ToLower(text)
	var sig UrgencySignals

	for _, p := range urgencyPhrases {
		if containsPhrase(lower, p) {
			sig.Phrases = append(sig.Phrases, p)
		}
	}
	for _, p := range competitorPhrases {
		if containsPhrase(lower, p) {
			sig.CompetitorMention = true
			sig.Phrases = append(sig.Phrases, p)
		}
	}
	for _, p := range deadlinePhrases {
		if containsPhrase(lower, p) {
			sig.DeadlinePressure = true
			break
		}
	}
	return sig
}
