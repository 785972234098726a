package domain

import "time"

// ChainLifecycle is the derived position of a conversation chain.
type ChainLifecycle string

const (
	ChainStartOnly  ChainLifecycle = "start_only"
	ChainInProgress ChainLifecycle = "in_progress"
	ChainCompleted  ChainLifecycle = "completed"
	ChainOrphan     ChainLifecycle = "orphan"
)

// Chain is the derived aggregate over all emails sharing a conversation
// identity. It is recomputed incrementally as emails arrive; updates for a
// single chain are serialized by the analyzer.
type Chain struct {
	ChainID      string         `json:"chain_id"`
	EmailIDs     []string       `json:"email_ids"` // time-ordered
	Completeness int            `json:"completeness"` // 0..100
	Lifecycle    ChainLifecycle `json:"lifecycle"`
	LastUpdated  time.Time      `json:"last_updated"`
	Version      int64          `json:"version"`

	// Evidence flags feeding the completeness score.
	HasStartPoint   bool `json:"has_start_point"`
	HasProgress     bool `json:"has_progress"`
	HasResolution   bool `json:"has_resolution"`
	EntityContinuity bool `json:"entity_continuity"`
}

// LifecycleFor maps a completeness score to the derived lifecycle.
// Single-email chains with no markers are orphans, handled by the analyzer.
func LifecycleFor(completeness int) ChainLifecycle {
	switch {
	case completeness >= 70:
		return ChainCompleted
	case completeness >= 40:
		return ChainInProgress
	default:
		return ChainStartOnly
	}
}
