// Package router decides, per email, which of the expensive model phases to
// run. Roughly 60% of traffic never reaches phase 3, which is where the
// pipeline's cost control lives.
package router

import (
	"strings"

	"github.com/ignite/mailtriage/internal/config"
	"github.com/ignite/mailtriage/internal/domain"
)

// Decision is the router output, recorded on the task for audit.
type Decision struct {
	Routing  domain.RoutingDecision
	Priority domain.Priority
	Rule     string // which rule fired
}

// RunPhase2 reports whether the analyst should run.
func (d Decision) RunPhase2() bool { return d.Routing != domain.RoutePhase1Only }

// RunPhase3 reports whether the strategist should run.
func (d Decision) RunPhase3() bool { return d.Routing == domain.RoutePhase2And3 }

// Router evaluates the fixed rule order against phase-1 output and the
// email's chain aggregate.
type Router struct {
	highValueMinor int64
	keywords       []string
	completeAt     int
}

func New(cfg config.RouterConfig, chainCfg config.ChainConfig) *Router {
	kws := make([]string, len(cfg.HighValueKeywords))
	for i, k := range cfg.HighValueKeywords {
		kws[i] = strings.ToLower(k)
	}
	return &Router{
		highValueMinor: cfg.HighValueThresholdMinor,
		keywords:       kws,
		completeAt:     chainCfg.CompleteThreshold,
	}
}

// Route applies the rules in order; the first match wins.
func (r *Router) Route(p1 domain.Phase1Result, chain domain.Chain) Decision {
	highValue := p1.Entities.MaxMoneyMinor() >= r.highValueMinor
	competitive := r.hasKeyword(p1.KeyPhrases)

	switch {
	case p1.UrgencyScore >= 2 || highValue || competitive:
		return Decision{
			Routing:  domain.RoutePhase2And3,
			Priority: r.priority(p1, chain, highValue),
			Rule:     "urgency-or-value",
		}
	case chain.Completeness >= r.completeAt:
		// Complete chains produce the richest learning even when the
		// individual email is quiet.
		return Decision{
			Routing:  domain.RoutePhase2And3,
			Priority: r.priority(p1, chain, highValue),
			Rule:     "complete-chain",
		}
	case p1.WorkflowHint == domain.WorkflowQuoteProcessing ||
		p1.WorkflowHint == domain.WorkflowOrderManagement ||
		p1.WorkflowHint == domain.WorkflowApproval:
		return Decision{
			Routing:  domain.RoutePhase2Only,
			Priority: r.priority(p1, chain, highValue),
			Rule:     "transactional-workflow",
		}
	case p1.LifecycleMarker == domain.MarkerCompletion && p1.Entities.Count() == 0:
		return Decision{
			Routing:  domain.RoutePhase1Only,
			Priority: domain.PriorityLow,
			Rule:     "terminal-completion",
		}
	default:
		return Decision{
			Routing:  domain.RoutePhase2Only,
			Priority: r.priority(p1, chain, highValue),
			Rule:     "default",
		}
	}
}

// priority maps signals to the four-level class the SLA policy keys on.
func (r *Router) priority(p1 domain.Phase1Result, chain domain.Chain, highValue bool) domain.Priority {
	switch {
	case p1.UrgencyScore >= 3 || highValue:
		return domain.PriorityCritical
	case p1.UrgencyScore == 2 || r.hasKeyword(p1.KeyPhrases):
		return domain.PriorityHigh
	case p1.LifecycleMarker == domain.MarkerCompletion || chain.Lifecycle == domain.ChainCompleted:
		return domain.PriorityLow
	default:
		return domain.PriorityMedium
	}
}

func (r *Router) hasKeyword(phrases []string) bool {
	for _, p := range phrases {
		lp := strings.ToLower(p)
		for _, k := range r.keywords {
			if strings.Contains(lp, k) {
				return true
			}
		}
	}
	return false
}
