// Package chains tracks conversation chains across emails and scores how
// complete each chain's lifecycle looks. The score feeds the router (a
// completed chain rarely needs strategic analysis) and the health surface's
// completeness histogram.
package chains

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/ignite/mailtriage/internal/domain"
)

const shardCount = 64

// Analyzer maintains the per-chain aggregates. Updates for a single chain
// are serialized by a sharded mutex keyed on chain ID; different chains
// proceed in parallel.
type Analyzer struct {
	shards [shardCount]shard
}

type shard struct {
	mu     sync.Mutex
	chains map[string]*chainState
}

type chainState struct {
	chain  domain.Chain
	emails []emailFact

	// entityEmails counts, per identifier value, how many distinct emails
	// in the chain mention it. Any value seen in two or more emails means
	// the chain has entity continuity.
	entityEmails map[string]int
	markerless   bool // every email so far carried no lifecycle marker
}

type emailFact struct {
	id string
	at time.Time
}

func NewAnalyzer() *Analyzer {
	a := &Analyzer{}
	for i := range a.shards {
		a.shards[i].chains = make(map[string]*chainState)
	}
	return a
}

func (a *Analyzer) shardFor(chainID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(chainID))
	return &a.shards[h.Sum32()%shardCount]
}

// UpdateChain folds one email and its phase-1 result into the email's chain
// and returns the updated aggregate. Replaying an email ID the chain has
// already absorbed is a no-op and returns the current state.
func (a *Analyzer) UpdateChain(email domain.Email, p1 domain.Phase1Result) domain.Chain {
	chainID := ChainKey(email)
	sh := a.shardFor(chainID)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.chains[chainID]
	if !ok {
		st = &chainState{
			chain:        domain.Chain{ChainID: chainID},
			entityEmails: make(map[string]int),
			markerless:   true,
		}
		sh.chains[chainID] = st
	}

	for _, f := range st.emails {
		if f.id == email.ID {
			return st.chain
		}
	}

	st.emails = append(st.emails, emailFact{id: email.ID, at: email.ReceivedAt})
	sort.SliceStable(st.emails, func(i, j int) bool {
		return st.emails[i].at.Before(st.emails[j].at)
	})

	switch p1.LifecycleMarker {
	case domain.MarkerStart:
		st.chain.HasStartPoint = true
		st.markerless = false
	case domain.MarkerProgress:
		st.chain.HasProgress = true
		st.markerless = false
	case domain.MarkerCompletion:
		st.chain.HasResolution = true
		st.markerless = false
	}

	for _, v := range identifierValues(p1.Entities) {
		st.entityEmails[v]++
		if st.entityEmails[v] >= 2 {
			st.chain.EntityContinuity = true
		}
	}

	st.chain.EmailIDs = st.chain.EmailIDs[:0]
	for _, f := range st.emails {
		st.chain.EmailIDs = append(st.chain.EmailIDs, f.id)
	}
	st.chain.Completeness = st.score()
	st.chain.Lifecycle = st.lifecycle()
	st.chain.LastUpdated = time.Now().UTC()
	st.chain.Version++

	return snapshot(st.chain)
}

// Seed installs a persisted aggregate, rehydrating chain state after a
// restart so versions keep advancing instead of restarting at one (stores
// drop stale versions, which would freeze the persisted chain). Resident
// state wins over the seed. receivedAt supplies per-email times for the
// chain-characteristics check; emails missing from it keep the stored
// order with zero times. Per-value entity counts are not persisted, so
// continuity already established survives via the flag but values split
// across the restart boundary are not rejoined.
func (a *Analyzer) Seed(chain domain.Chain, receivedAt map[string]time.Time) {
	sh := a.shardFor(chain.ChainID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.chains[chain.ChainID]; ok {
		return
	}

	st := &chainState{
		chain:        snapshot(chain),
		entityEmails: make(map[string]int),
		markerless:   !chain.HasStartPoint && !chain.HasProgress && !chain.HasResolution,
	}
	for _, id := range chain.EmailIDs {
		st.emails = append(st.emails, emailFact{id: id, at: receivedAt[id]})
	}
	sh.chains[chain.ChainID] = st
}

// Get returns the current aggregate for a chain ID.
func (a *Analyzer) Get(chainID string) (domain.Chain, bool) {
	sh := a.shardFor(chainID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	st, ok := sh.chains[chainID]
	if !ok {
		return domain.Chain{}, false
	}
	return snapshot(st.chain), true
}

// All returns snapshots of every tracked chain, in no particular order.
func (a *Analyzer) All() []domain.Chain {
	var out []domain.Chain
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.Lock()
		for _, st := range sh.chains {
			out = append(out, snapshot(st.chain))
		}
		sh.mu.Unlock()
	}
	return out
}

// score computes the 0..100 completeness total:
// progression up to 30 (start, progress, completion at 10 each), entity
// continuity 20, resolution indicators 40, chain characteristics 10.
// Completion evidence counts in both the progression and resolution parts;
// its phrase list is the resolution indicator set.
func (st *chainState) score() int {
	score := 0
	if st.chain.HasStartPoint {
		score += 10
	}
	if st.chain.HasProgress {
		score += 10
	}
	if st.chain.HasResolution {
		score += 10 + 40
	}
	if st.chain.EntityContinuity {
		score += 20
	}
	if st.hasCharacteristics() {
		score += 10
	}
	return score
}

// hasCharacteristics checks for three or more messages with logically
// increasing timestamps.
func (st *chainState) hasCharacteristics() bool {
	if len(st.emails) < 3 {
		return false
	}
	return st.emails[len(st.emails)-1].at.After(st.emails[0].at)
}

func (st *chainState) lifecycle() domain.ChainLifecycle {
	if len(st.emails) == 1 && st.markerless {
		return domain.ChainOrphan
	}
	return domain.LifecycleFor(st.chain.Completeness)
}

// identifierValues picks the values that carry chain identity: PO, quote,
// and case numbers. Money and dates recur across unrelated threads and
// would produce false continuity.
func identifierValues(ents domain.Entities) []string {
	var out []string
	for _, kind := range []domain.EntityKind{domain.EntityPONumber, domain.EntityQuoteNumber, domain.EntityCaseNumber} {
		for _, e := range ents[kind] {
			if !e.Rejected {
				out = append(out, string(kind)+":"+e.Value)
			}
		}
	}
	return out
}

func snapshot(c domain.Chain) domain.Chain {
	ids := make([]string, len(c.EmailIDs))
	copy(ids, c.EmailIDs)
	c.EmailIDs = ids
	return c
}
