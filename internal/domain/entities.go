package domain

// EntityKind tags one class of extracted value.
type EntityKind string

const (
	EntityPONumber    EntityKind = "po_numbers"
	EntityQuoteNumber EntityKind = "quote_numbers"
	EntityCaseNumber  EntityKind = "case_numbers"
	EntityPartNumber  EntityKind = "part_numbers"
	EntityMoney       EntityKind = "money_values"
	EntityDate        EntityKind = "dates"
	EntityContact     EntityKind = "contacts"
)

// Confidence tiers assigned by the pattern library. Exact-format matches get
// 0.95, heuristic matches 0.7, loose matches 0.5. Anything below 0.5 is
// dropped at triage but may be revived by the analyst with context.
const (
	ConfidenceExact     = 0.95
	ConfidenceHeuristic = 0.7
	ConfidenceLoose     = 0.5
)

// Entity is one extracted value with provenance.
type Entity struct {
	Value       string  `json:"value"`
	Confidence  float64 `json:"confidence"` // 0..1
	SourcePhase Phase   `json:"source_phase"`
	Rejected    bool    `json:"rejected,omitempty"`
	RejectReason string `json:"reject_reason,omitempty"`

	// Money entities carry a normalized amount in minor units plus currency.
	AmountMinor int64  `json:"amount_minor,omitempty"`
	Currency    string `json:"currency,omitempty"`
}

// Entities is the tagged entity set shared by all phases.
type Entities map[EntityKind][]Entity

// Clone returns a deep copy. Phases receive copies so that prior results
// stay immutable.
func (e Entities) Clone() Entities {
	if e == nil {
		return nil
	}
	out := make(Entities, len(e))
	for k, vs := range e {
		cp := make([]Entity, len(vs))
		copy(cp, vs)
		out[k] = cp
	}
	return out
}

// Add appends an entity under kind.
func (e Entities) Add(kind EntityKind, ent Entity) {
	e[kind] = append(e[kind], ent)
}

// Count returns the total number of non-rejected entities.
func (e Entities) Count() int {
	n := 0
	for _, vs := range e {
		for _, v := range vs {
			if !v.Rejected {
				n++
			}
		}
	}
	return n
}

// MaxMoneyMinor returns the largest recognized money value in minor units,
// or 0 when none present.
func (e Entities) MaxMoneyMinor() int64 {
	var max int64
	for _, v := range e[EntityMoney] {
		if !v.Rejected && v.AmountMinor > max {
			max = v.AmountMinor
		}
	}
	return max
}

// Contains reports whether kind holds a non-rejected entity with the value.
func (e Entities) Contains(kind EntityKind, value string) bool {
	for _, v := range e[kind] {
		if !v.Rejected && v.Value == value {
			return true
		}
	}
	return false
}
