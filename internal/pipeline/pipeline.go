// Package pipeline is the orchestrator: bounded queues between stages,
// a worker pool per phase, and the failure policy that keeps one bad
// email from stalling the stream. Stages communicate only through the
// queues and the store; replays are safe because every write downstream
// is idempotent or CAS-guarded.
package pipeline

import (
	"context"
	"encoding/json"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/mailtriage/internal/chains"
	"github.com/ignite/mailtriage/internal/config"
	"github.com/ignite/mailtriage/internal/domain"
	"github.com/ignite/mailtriage/internal/health"
	"github.com/ignite/mailtriage/internal/router"
	"github.com/ignite/mailtriage/internal/sla"
	"github.com/ignite/mailtriage/internal/store"
	"github.com/ignite/mailtriage/internal/triage"
)

// Analyst runs the phase-2 model pass.
type Analyst interface {
	Analyze(ctx context.Context, email domain.Email, p1 domain.Phase1Result, chain domain.Chain) (domain.Phase2Result, int, error)
}

// Strategist runs the phase-3 model pass.
type Strategist interface {
	Strategize(ctx context.Context, email domain.Email, p1 domain.Phase1Result, p2 domain.Phase2Result, chain domain.Chain) (domain.Phase3Result, int, error)
}

// Publisher is the slice of the event bus the pipeline needs: ID
// pre-allocation so the event can join the storage transaction, then
// delivery after commit.
type Publisher interface {
	NextID() uint64
	Publish(ctx context.Context, ev domain.Event) (domain.Event, error)
}

// Archiver stores full raw emails outside the typed store.
type Archiver interface {
	ArchiveEmail(ctx context.Context, email domain.Email) (string, error)
}

// item carries one email through the stages after triage.
type item struct {
	email    domain.Email
	p1       domain.Phase1Result
	chain    domain.Chain
	decision router.Decision

	p2   domain.Phase2Result
	p2OK bool
	p3   domain.Phase3Result
	p3OK bool

	degraded bool
}

// Pipeline wires the stages together. One instance per process.
type Pipeline struct {
	cfg     *config.Config
	store   store.Store
	bus     Publisher
	metrics *health.Metrics

	analyzer   *chains.Analyzer
	router     *router.Router
	analyst    Analyst
	strategist Strategist
	archive    Archiver // nil when no archive bucket is configured

	policy domain.SLAPolicy
	clock  sla.Clock

	metricsEvery time.Duration

	qP1     *queue[domain.Email]
	qChain  *queue[*item]
	qRouter *queue[*item]
	qP2     *queue[*item]
	qP3     *queue[*item]

	mu       sync.Mutex
	inflight map[string]struct{}

	stopping atomic.Bool
	p3Paused atomic.Bool

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Send timeout for the cheap pre-model stages; triage and routing finish
// in microseconds, so two seconds of blocked send already means trouble.
const cheapStageSendTimeout = 2 * time.Second

// Bodies at or above this size also go to the raw archive; the typed
// store keeps the full text either way.
const archiveBodyBytes = 64 << 10

const metricsPublishInterval = time.Minute

func New(cfg *config.Config, st store.Store, bus Publisher, metrics *health.Metrics, an Analyst, strat Strategist) *Pipeline {
	caps := cfg.Pipeline.QueueCaps
	p := &Pipeline{
		cfg:          cfg,
		store:        st,
		bus:          bus,
		metrics:      metrics,
		analyzer:     chains.NewAnalyzer(),
		router:       router.New(cfg.Router, cfg.Chain),
		analyst:      an,
		strategist:   strat,
		policy:       cfg.SLA.Policy(),
		clock:        sla.RealClock(),
		metricsEvery: metricsPublishInterval,
		inflight:     make(map[string]struct{}),
		qP1:          newQueue[domain.Email]("p1", caps.P1, cheapStageSendTimeout),
		qChain:       newQueue[*item]("chain", caps.Chain, cheapStageSendTimeout),
		qRouter:      newQueue[*item]("router", caps.Router, cheapStageSendTimeout),
		qP2:          newQueue[*item]("p2", caps.P2, 2*cfg.Model.TimeoutPrimary()),
		qP3:          newQueue[*item]("p3", caps.P3, 2*cfg.Model.TimeoutCritical()),
	}

	metrics.RegisterQueue(health.QueueGauge{Name: "p1", Capacity: p.qP1.capacity(), Depth: p.qP1.depth})
	metrics.RegisterQueue(health.QueueGauge{Name: "chain", Capacity: p.qChain.capacity(), Depth: p.qChain.depth})
	metrics.RegisterQueue(health.QueueGauge{Name: "router", Capacity: p.qRouter.capacity(), Depth: p.qRouter.depth})
	metrics.RegisterQueue(health.QueueGauge{Name: "p2", Capacity: p.qP2.capacity(), Depth: p.qP2.depth})
	metrics.RegisterQueue(health.QueueGauge{Name: "p3", Capacity: p.qP3.capacity(), Depth: p.qP3.depth})
	return p
}

// WithClock swaps the time source, for tests.
func (p *Pipeline) WithClock(c sla.Clock) *Pipeline {
	p.clock = c
	return p
}

// WithArchive enables raw-email archiving for oversized bodies.
func (p *Pipeline) WithArchive(a Archiver) *Pipeline {
	p.archive = a
	return p
}

// Start spawns the worker pools and re-enqueues any email a previous run
// left unfinished.
func (p *Pipeline) Start() {
	p.rootCtx, p.cancel = context.WithCancel(context.Background())

	p1n := p.cfg.Pipeline.Phase1Concurrency
	if p1n <= 0 {
		p1n = runtime.NumCPU()
	}
	for i := 0; i < p1n; i++ {
		p.spawn(p.phase1Loop)
	}
	// Chain updates for one chain are serialized inside the analyzer, so
	// a single pair of workers here keeps ordering simple.
	p.spawn(p.chainLoop)
	p.spawn(p.routerLoop)
	for i := 0; i < p.cfg.Pipeline.Phase2Concurrency; i++ {
		p.spawn(p.phase2Loop)
	}
	for i := 0; i < p.cfg.Pipeline.Phase3Concurrency; i++ {
		p.spawn(p.phase3Loop)
	}
	p.spawn(p.throttleLoop)
	p.spawn(p.metricsLoop)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.recoverUnfinished(p.rootCtx)
	}()

	log.Printf("[Pipeline] started: phase1=%d phase2=%d phase3=%d workers",
		p1n, p.cfg.Pipeline.Phase2Concurrency, p.cfg.Pipeline.Phase3Concurrency)
}

// Stop drains gracefully: intake closes immediately, in-flight emails get
// up to grace to finish, then everything is cancelled. Emails still queued
// at cancel time are picked up by the next start's rescan.
func (p *Pipeline) Stop(grace time.Duration) {
	p.stopping.Store(true)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if p.InflightCount() == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	p.cancel()
	p.wg.Wait()
	log.Printf("[Pipeline] stopped, %d emails abandoned to restart rescan", p.InflightCount())
}

// InflightCount reports how many emails are between intake and task
// materialization.
func (p *Pipeline) InflightCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Stats returns a point-in-time snapshot of the orchestrator's internals.
func (p *Pipeline) Stats() map[string]any {
	return map[string]any{
		"inflight": p.InflightCount(),
		"queue_depths": map[string]int{
			"p1":     p.qP1.depth(),
			"chain":  p.qChain.depth(),
			"router": p.qRouter.depth(),
			"p2":     p.qP2.depth(),
			"p3":     p.qP3.depth(),
		},
		"phase3_paused": p.p3Paused.Load(),
		"stopping":      p.stopping.Load(),
	}
}

// Submit accepts one email into the pipeline. Validation failures are
// permanent; a full intake queue surfaces as a resource-exhaustion error
// rather than a silent drop. An email already in flight is skipped.
func (p *Pipeline) Submit(ctx context.Context, email domain.Email) error {
	if p.stopping.Load() {
		return E(KindCancelled, "submit", context.Canceled)
	}
	if err := email.Validate(); err != nil {
		log.Printf("[Pipeline] rejected email message_id=%q: %v", email.MessageID, err)
		return E(KindValidationReject, "submit", err)
	}
	if !p.markInflight(email.ID) {
		log.Printf("[Pipeline] email=%s already in flight, skipping", email.ID)
		return nil
	}

	if err := p.store.PutEmail(ctx, email); err != nil {
		p.clearInflight(email.ID)
		return classifyStore("put email", err)
	}
	p.metrics.IncIngested()

	// Archive failures never block intake; the typed store has the body.
	if p.archive != nil && len(email.BodyText) >= archiveBodyBytes {
		if key, err := p.archive.ArchiveEmail(ctx, email); err != nil {
			log.Printf("[Pipeline] archive failed email=%s: %v", email.ID, err)
		} else {
			log.Printf("[Pipeline] archived email=%s key=%s", email.ID, key)
		}
	}

	if err := p.qP1.send(ctx, email); err != nil {
		p.clearInflight(email.ID)
		return err
	}
	return nil
}

func (p *Pipeline) markInflight(emailID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[emailID]; ok {
		return false
	}
	p.inflight[emailID] = struct{}{}
	return true
}

func (p *Pipeline) clearInflight(emailID string) {
	p.mu.Lock()
	delete(p.inflight, emailID)
	p.mu.Unlock()
}

// spawn runs loop on the waitgroup, restarting it after a panic so one
// poisoned email cannot take a worker pool down.
func (p *Pipeline) spawn(loop func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			if p.runGuarded(loop) {
				return
			}
			p.metrics.IncWorkerRestarts()
		}
	}()
}

func (p *Pipeline) runGuarded(loop func(ctx context.Context)) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Pipeline] worker panic, restarting: %v", r)
			done = false
		}
	}()
	loop(p.rootCtx)
	return true
}

func (p *Pipeline) phase1Loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case email := <-p.qP1.ch:
			p.runPhase1(ctx, email)
		}
	}
}

func (p *Pipeline) chainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-p.qChain.ch:
			p.runChain(ctx, it)
		}
	}
}

func (p *Pipeline) routerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-p.qRouter.ch:
			p.runRouter(ctx, it)
		}
	}
}

func (p *Pipeline) phase2Loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-p.qP2.ch:
			p.runPhase2(ctx, it)
		}
	}
}

func (p *Pipeline) phase3Loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-p.qP3.ch:
			p.runPhase3(ctx, it)
		}
	}
}

// throttleLoop pauses phase-3 intake when the phase-2 queue has been
// above 90% for the configured window, and resumes as soon as it drains.
func (p *Pipeline) throttleLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	hot := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.metrics.QueueFill("p2") > 0.90 {
				hot++
				if hot >= p.cfg.Pipeline.ThrottleWindowSeconds && !p.p3Paused.Load() {
					p.p3Paused.Store(true)
					log.Printf("[Pipeline] phase-3 intake paused, phase-2 queue saturated for %ds", hot)
				}
			} else {
				if p.p3Paused.Load() {
					log.Printf("[Pipeline] phase-3 intake resumed")
				}
				hot = 0
				p.p3Paused.Store(false)
			}
		}
	}
}

// metricsLoop periodically announces the health snapshot on the bus so
// dashboards can follow the stream instead of polling the HTTP surface.
func (p *Pipeline) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(p.metricsEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishMetrics(ctx)
		}
	}
}

func (p *Pipeline) publishMetrics(ctx context.Context) {
	payload := payloadOf(p.metrics.Snapshot())
	payload["schema"] = domain.EventSchemaVersion
	if _, err := p.bus.Publish(ctx, domain.Event{
		Type:          domain.EventMetricsUpdated,
		Timestamp:     p.clock.Now(),
		CorrelationID: "pipeline",
		Payload:       payload,
	}); err != nil {
		log.Printf("[Pipeline] metrics publish failed: %v", err)
	}
}

func (p *Pipeline) waitPhase3Capacity(ctx context.Context) error {
	for p.p3Paused.Load() {
		select {
		case <-ctx.Done():
			return E(KindCancelled, "phase3 wait", ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil
}

func (p *Pipeline) runPhase1(ctx context.Context, email domain.Email) {
	start := time.Now()
	p1 := triage.Triage(email)
	p.metrics.ObservePhase(domain.PhaseTriage, time.Since(start), false)

	pr := domain.PhaseResult{
		EmailID:    email.ID,
		Phase:      domain.PhaseTriage,
		Status:     domain.PhaseOK,
		DurationMS: time.Since(start).Milliseconds(),
		Payload:    triage.PayloadFrom(p1),
		ProducedAt: p.clock.Now(),
	}
	if err := p.store.PutPhaseResult(ctx, pr); err != nil {
		log.Printf("[Pipeline] phase1 persist failed email=%s: %v", email.ID, err)
		p.clearInflight(email.ID)
		return
	}

	if err := p.qChain.send(ctx, &item{email: email, p1: p1}); err != nil {
		log.Printf("[Pipeline] %v email=%s", err, email.ID)
		p.clearInflight(email.ID)
	}
}

func (p *Pipeline) runChain(ctx context.Context, it *item) {
	p.rehydrateChain(ctx, it.email)
	it.chain = p.analyzer.UpdateChain(it.email, it.p1)
	p.metrics.ObserveCompleteness(it.chain.Completeness)

	// Stale versions are dropped by the store, so concurrent recomputes
	// of the same chain are harmless.
	if err := p.store.UpsertChain(ctx, it.chain); err != nil {
		log.Printf("[Pipeline] chain persist failed chain=%s: %v", it.chain.ChainID, err)
	}

	if err := p.qRouter.send(ctx, it); err != nil {
		log.Printf("[Pipeline] %v email=%s", err, it.email.ID)
		p.clearInflight(it.email.ID)
	}
}

// rehydrateChain seeds the analyzer from the persisted aggregate when the
// email's chain is not yet resident, so versions keep advancing across
// restarts instead of being dropped by the stores' stale-version guards.
func (p *Pipeline) rehydrateChain(ctx context.Context, email domain.Email) {
	chainID := chains.ChainKey(email)
	if _, ok := p.analyzer.Get(chainID); ok {
		return
	}
	stored, err := p.store.GetChain(ctx, chainID)
	if err != nil {
		return // first sighting of this chain
	}
	received := make(map[string]time.Time, len(stored.EmailIDs))
	for _, id := range stored.EmailIDs {
		if em, gerr := p.store.GetEmail(ctx, id); gerr == nil {
			received[id] = em.ReceivedAt
		}
	}
	p.analyzer.Seed(stored, received)
	log.Printf("[Pipeline] rehydrated chain=%s emails=%d version=%d",
		stored.ChainID, len(stored.EmailIDs), stored.Version)
}

func (p *Pipeline) runRouter(ctx context.Context, it *item) {
	it.decision = p.router.Route(it.p1, it.chain)
	p.metrics.ObserveRoute(it.decision.Routing)
	log.Printf("[Pipeline] routed email=%s rule=%s routing=%s priority=%s",
		it.email.ID, it.decision.Rule, it.decision.Routing, it.decision.Priority)

	if !it.decision.RunPhase2() {
		p.recordSkipped(ctx, it.email.ID, domain.PhaseAnalyst, domain.PhaseStrategist)
		p.materialize(ctx, it, nil)
		return
	}
	if !it.decision.RunPhase3() {
		p.recordSkipped(ctx, it.email.ID, domain.PhaseStrategist)
	}
	if err := p.qP2.send(ctx, it); err != nil {
		log.Printf("[Pipeline] %v email=%s", err, it.email.ID)
		p.clearInflight(it.email.ID)
	}
}

// recordSkipped writes skipped-phase records for phases the routing
// decision priced out, so the per-email audit trail is always complete.
func (p *Pipeline) recordSkipped(ctx context.Context, emailID string, phases ...domain.Phase) {
	for _, phase := range phases {
		pr := domain.PhaseResult{
			EmailID:    emailID,
			Phase:      phase,
			Status:     domain.PhaseSkipped,
			ProducedAt: p.clock.Now(),
		}
		if err := p.store.PutPhaseResult(ctx, pr); err != nil {
			log.Printf("[Pipeline] skipped-phase persist email=%s phase=%d: %v", emailID, int(phase), err)
		}
	}
}

func (p *Pipeline) runPhase2(ctx context.Context, it *item) {
	start := time.Now()
	retries := 0
	err := retryTransient(ctx, "phase2", p.cfg.Retry.MaxAttempts, p.retryBackoff(), func(ctx context.Context) error {
		r2, steps, aerr := p.analyst.Analyze(ctx, it.email, it.p1, it.chain)
		retries += steps
		if aerr != nil {
			return classifyModel("phase2", aerr)
		}
		it.p2 = r2
		it.p2OK = true
		return nil
	})
	dur := time.Since(start)
	p.metrics.ObservePhase(domain.PhaseAnalyst, dur, err != nil)
	p.metrics.AddParseRetries(domain.PhaseAnalyst, retries)

	if err != nil {
		if KindOf(err) == KindCancelled {
			p.clearInflight(it.email.ID)
			return
		}
		p.failPhase(ctx, it, domain.PhaseAnalyst, dur, err)
		return
	}

	pr := domain.PhaseResult{
		EmailID:    it.email.ID,
		Phase:      domain.PhaseAnalyst,
		Status:     domain.PhaseOK,
		DurationMS: dur.Milliseconds(),
		ModelID:    p.cfg.Model.PrimaryID,
		Payload:    payloadOf(it.p2),
		ProducedAt: p.clock.Now(),
	}

	if !it.decision.RunPhase3() {
		p.materialize(ctx, it, &pr)
		return
	}

	// The phase-2 result is durable before the strategist runs, so a
	// crash between phases re-enters at the right place.
	if err := p.store.PutPhaseResult(ctx, pr); err != nil {
		log.Printf("[Pipeline] phase2 persist failed email=%s: %v", it.email.ID, err)
		p.clearInflight(it.email.ID)
		return
	}
	if err := p.waitPhase3Capacity(ctx); err != nil {
		p.clearInflight(it.email.ID)
		return
	}
	if err := p.qP3.send(ctx, it); err != nil {
		log.Printf("[Pipeline] %v email=%s, finishing without strategist", err, it.email.ID)
		p.recordSkipped(ctx, it.email.ID, domain.PhaseStrategist)
		it.degraded = true
		p.materialize(ctx, it, nil)
	}
}

func (p *Pipeline) runPhase3(ctx context.Context, it *item) {
	start := time.Now()
	retries := 0
	err := retryTransient(ctx, "phase3", p.cfg.Retry.MaxAttempts, p.retryBackoff(), func(ctx context.Context) error {
		r3, steps, serr := p.strategist.Strategize(ctx, it.email, it.p1, it.p2, it.chain)
		retries += steps
		if serr != nil {
			return classifyModel("phase3", serr)
		}
		it.p3 = r3
		it.p3OK = true
		return nil
	})
	dur := time.Since(start)
	p.metrics.ObservePhase(domain.PhaseStrategist, dur, err != nil)
	p.metrics.AddParseRetries(domain.PhaseStrategist, retries)

	if err != nil {
		if KindOf(err) == KindCancelled {
			p.clearInflight(it.email.ID)
			return
		}
		p.failPhase(ctx, it, domain.PhaseStrategist, dur, err)
		return
	}

	pr := domain.PhaseResult{
		EmailID:    it.email.ID,
		Phase:      domain.PhaseStrategist,
		Status:     domain.PhaseOK,
		DurationMS: dur.Milliseconds(),
		ModelID:    p.cfg.Model.CriticalID,
		Payload:    payloadOf(it.p3),
		ProducedAt: p.clock.Now(),
	}
	p.materialize(ctx, it, &pr)
}

// failPhase records the failure and still materializes a task from the
// best data available. A failed phase never erases earlier results.
func (p *Pipeline) failPhase(ctx context.Context, it *item, phase domain.Phase, dur time.Duration, cause error) {
	log.Printf("[Pipeline] phase%d failed email=%s kind=%s: %v",
		int(phase), it.email.ID, KindOf(cause), cause)

	pr := domain.PhaseResult{
		EmailID:    it.email.ID,
		Phase:      phase,
		Status:     domain.PhaseFailed,
		DurationMS: dur.Milliseconds(),
		Payload: map[string]any{
			"error": cause.Error(),
			"kind":  KindOf(cause).String(),
		},
		ProducedAt: p.clock.Now(),
	}
	if err := p.store.PutPhaseResult(ctx, pr); err != nil {
		log.Printf("[Pipeline] failed-phase persist email=%s: %v", it.email.ID, err)
	}
	if phase == domain.PhaseAnalyst && it.decision.RunPhase3() {
		p.recordSkipped(ctx, it.email.ID, domain.PhaseStrategist)
	}

	it.degraded = true
	p.materialize(ctx, it, nil)
}

// recoverUnfinished re-enqueues stored emails with no task yet: straight
// to the chain stage when triage already ran, from the top otherwise.
func (p *Pipeline) recoverUnfinished(ctx context.Context) {
	emails, err := p.store.ListEmails(ctx)
	if err != nil {
		log.Printf("[Pipeline] rescan failed: %v", err)
		return
	}

	requeued := 0
	for _, email := range emails {
		if _, err := p.store.GetTaskByEmail(ctx, email.ID); err == nil {
			continue
		}
		if !p.markInflight(email.ID) {
			continue
		}

		results, err := p.store.GetPhaseResults(ctx, email.ID)
		if err != nil {
			p.clearInflight(email.ID)
			continue
		}
		var p1 *domain.Phase1Result
		for _, pr := range results {
			if pr.Phase == domain.PhaseTriage && pr.Status == domain.PhaseOK {
				if decoded, derr := phase1FromPayload(pr.Payload); derr == nil {
					p1 = &decoded
				}
				break
			}
		}

		var serr error
		if p1 != nil {
			serr = p.qChain.send(ctx, &item{email: email, p1: *p1})
		} else {
			serr = p.qP1.send(ctx, email)
		}
		if serr != nil {
			p.clearInflight(email.ID)
			continue
		}
		requeued++
	}
	if requeued > 0 {
		log.Printf("[Pipeline] rescan re-enqueued %d unfinished email(s)", requeued)
	}
}

func (p *Pipeline) retryBackoff() backoff {
	return backoff{base: p.cfg.Retry.BaseDelay(), factor: 2, jitter: 0.2}
}

// payloadOf round-trips a typed result through JSON into the generic
// payload the store keeps.
func payloadOf(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"marshal_error": err.Error()}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"unmarshal_error": err.Error()}
	}
	return out
}

func phase1FromPayload(payload map[string]any) (domain.Phase1Result, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Phase1Result{}, err
	}
	var p1 domain.Phase1Result
	if err := json.Unmarshal(raw, &p1); err != nil {
		return domain.Phase1Result{}, err
	}
	return p1, nil
}
