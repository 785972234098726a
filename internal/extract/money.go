package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ignite/mailtriage/internal/domain"
)

var (
	// $50,000 / €1.234,56 is not handled — thousands separators are assumed
	// to be commas and decimal points dots, matching US-formatted business
	// mail this system ingests.
	reSymbolMoney = regexp.MustCompile(`([$€£])\s?(\d[\d,]*(?:\.\d{1,2})?)\b`)
	reISOMoney    = regexp.MustCompile(`\b(\d[\d,]*(?:\.\d{1,2})?)\s?(USD|EUR|GBP|CAD|AUD)\b`)
	// "50k" / "$50k" shorthand common in sales mail.
	reShorthand = regexp.MustCompile(`(?i)([$€£])\s?(\d+(?:\.\d+)?)\s?k\b`)
)

var symbolCurrency = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
}

func extractMoney(text string, out domain.Entities) {
	seen := map[string]bool{}

	for _, m := range reSymbolMoney.FindAllStringSubmatch(text, -1) {
		minor, ok := parseMinor(m[2])
		if !ok {
			continue
		}
		addMoney(out, seen, m[0], minor, symbolCurrency[m[1]], domain.ConfidenceExact)
	}
	for _, m := range reISOMoney.FindAllStringSubmatch(text, -1) {
		minor, ok := parseMinor(m[1])
		if !ok {
			continue
		}
		addMoney(out, seen, m[0], minor, m[2], domain.ConfidenceExact)
	}
	for _, m := range reShorthand.FindAllStringSubmatch(text, -1) {
		f, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		addMoney(out, seen, m[0], int64(f*1000*100), symbolCurrency[m[1]], domain.ConfidenceHeuristic)
	}
}

func addMoney(out domain.Entities, seen map[string]bool, raw string, minor int64, currency string, conf float64) {
	key := strings.TrimSpace(raw)
	if seen[key] || minor <= 0 {
		return
	}
	seen[key] = true
	e := entity(key, conf)
	e.AmountMinor = minor
	e.Currency = currency
	out.Add(domain.EntityMoney, e)
}

// parseMinor converts "50,000.25" to 5000025 minor units.
func parseMinor(s string) (int64, bool) {
	s = strings.ReplaceAll(s, ",", "")
	whole, frac, hasFrac := strings.Cut(s, ".")
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, false
	}
	minor := w * 100
	if hasFrac {
		if len(frac) == 1 {
			frac += "0"
		}
		f, err := strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return 0, false
		}
		minor += f
	}
	return minor, true
}
