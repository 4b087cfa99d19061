package trust

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmesh/mesh/pkg/merrors"
)

const (
	defaultPartitions          = 32
	defaultRevocationThreshold = 300
	defaultCallbackQueueDepth  = 256
	defaultCallbackTimeout     = 2 * time.Second
	defaultHistoryWindow       = 1000
)

// RevocationCallback is invoked exactly once per downward crossing of
// the revocation threshold. Callback failures (panics recovered, errors
// returned) are logged by the engine and never propagated to the
// signal-recording caller.
type RevocationCallback func(ctx context.Context, did string, composite int, reason string) error

type revocationEvent struct {
	did       string
	composite int
	reason    string
}

// Config tunes an Engine away from its defaults.
type Config struct {
	Partitions          int
	RevocationThreshold int
	Weights             map[Dimension]float64
	Alphas              map[Dimension]float64
	DecayInterval       time.Duration
	DecayRate           float64
	DecayFloor          float64
	HistoryWindow       int
	CallbackQueueDepth  int
	CallbackTimeout     time.Duration
	Now                 func() time.Time

	// KnownAgent, when set, gates every recorded signal: a DID the
	// predicate rejects yields an UnknownAgent error instead of lazily
	// creating trust state. Nil accepts every DID, for engines run
	// standalone without an identity registry.
	KnownAgent func(did string) bool
}

func (c Config) withDefaults() Config {
	if c.Partitions <= 0 {
		c.Partitions = defaultPartitions
	}
	if c.RevocationThreshold <= 0 {
		c.RevocationThreshold = defaultRevocationThreshold
	}
	if c.Weights == nil {
		c.Weights = DefaultWeights()
	}
	if c.Alphas == nil {
		c.Alphas = DefaultAlphas()
	}
	if c.DecayInterval <= 0 {
		c.DecayInterval = time.Hour
	}
	if c.DecayRate <= 0 {
		c.DecayRate = 2.0
	}
	if c.DecayFloor <= 0 {
		c.DecayFloor = 10.0
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = defaultHistoryWindow
	}
	if c.CallbackQueueDepth <= 0 {
		c.CallbackQueueDepth = defaultCallbackQueueDepth
	}
	if c.CallbackTimeout <= 0 {
		c.CallbackTimeout = defaultCallbackTimeout
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// partition holds a shard of agent state behind its own lock, so two
// agents hashed to different partitions never contend for the same map
// mutex; within a partition, each agent's own agentState.mu makes
// concurrent updates to different agents fully parallel regardless of
// partition count.
type partition struct {
	mu     sync.RWMutex
	agents map[string]*agentState
}

// Engine is the reward and trust engine: EMA dimension scoring, time
// decay, composite/tier computation, and revocation dispatch.
type Engine struct {
	cfg        Config
	partitions []*partition

	expMu      sync.RWMutex
	experiment *experiment

	callbacksMu sync.RWMutex
	callbacks   []RevocationCallback

	revocations chan revocationEvent
	logger      *slog.Logger

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewEngine creates an Engine and starts its revocation dispatch worker.
func NewEngine(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:         cfg,
		partitions:  make([]*partition, cfg.Partitions),
		revocations: make(chan revocationEvent, cfg.CallbackQueueDepth),
		logger:      slog.Default(),
		stopCh:      make(chan struct{}),
	}
	for i := range e.partitions {
		e.partitions[i] = &partition{agents: make(map[string]*agentState)}
	}
	e.wg.Add(1)
	go e.dispatchLoop()
	return e
}

// SetLogger installs a sink for callback failures and other
// non-fatal engine diagnostics.
func (e *Engine) SetLogger(logger *slog.Logger) {
	e.logger = logger
}

// Close stops the dispatch worker. Pending queued revocations are
// drained before returning.
func (e *Engine) Close() {
	close(e.stopCh)
	e.wg.Wait()
}

// OnRevocation registers a callback fired on every downward threshold
// crossing.
func (e *Engine) OnRevocation(cb RevocationCallback) {
	e.callbacksMu.Lock()
	defer e.callbacksMu.Unlock()
	e.callbacks = append(e.callbacks, cb)
}

func partitionIndex(did string, n int) int {
	sum := sha256.Sum256([]byte(did))
	return int(binary.BigEndian.Uint64(sum[:8]) % uint64(n))
}

// get returns the agent's state, creating it on first signal if create
// is true.
func (e *Engine) get(did string, create bool) *agentState {
	p := e.partitions[partitionIndex(did, len(e.partitions))]

	p.mu.RLock()
	state, ok := p.agents[did]
	p.mu.RUnlock()
	if ok || !create {
		return state
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if state, ok := p.agents[did]; ok {
		return state
	}
	weights, alphas := e.weightsFor(did)
	state = newAgentState(weights, alphas)
	p.agents[did] = state
	return state
}

func (e *Engine) weightsFor(did string) (map[Dimension]float64, map[Dimension]float64) {
	e.expMu.RLock()
	defer e.expMu.RUnlock()
	if e.experiment != nil {
		if e.experiment.assignTreatment(did) {
			return e.experiment.treatmentWeights, e.cfg.Alphas
		}
		return e.experiment.controlWeights, e.cfg.Alphas
	}
	return e.cfg.Weights, e.cfg.Alphas
}

// recordSignal applies a raw [0, 100] signal to dimension dim for did,
// via EMA, then recomputes the composite and dispatches revocation if
// this update crossed the threshold downward.
func (e *Engine) recordSignal(did string, dim Dimension, value float64) (Score, error) {
	if e.cfg.KnownAgent != nil && !e.cfg.KnownAgent(did) {
		return Score{}, merrors.New(merrors.UnknownAgent, "no identity registered for %s", did)
	}
	if value < 0 {
		value = 0
	}
	if value > 100 {
		value = 100
	}

	state := e.get(did, true)
	now := e.cfg.Now()

	state.mu.Lock()
	ds, ok := state.dimensions[dim]
	if !ok {
		ds = &DimensionState{Score: value}
		state.dimensions[dim] = ds
	} else {
		alpha := state.alphas[dim]
		ds.Score = alpha*value + (1-alpha)*ds.Score
	}
	ds.SignalCount++
	ds.LastUpdate = now

	rs, ok := state.baseline[dim]
	if !ok {
		rs = newRollingStat(e.cfg.HistoryWindow)
		state.baseline[dim] = rs
	}
	rs.observe(value)

	state.history = append(state.history, sample{dimension: dim, value: value, at: now})
	if len(state.history) > e.cfg.HistoryWindow {
		state.history = state.history[len(state.history)-e.cfg.HistoryWindow:]
	}

	state.recompute()
	snap := state.snapshot(did, now)
	e.checkRevocation(did, state)
	state.mu.Unlock()

	return snap, nil
}

// checkRevocation must be called with state.mu held. It enqueues a
// revocation event only on a genuine above-to-below crossing of the
// configured threshold: an agent that has never reached the threshold
// cannot cross it downward. Re-arming happens on the next upward
// crossing, so a later drop fires again.
func (e *Engine) checkRevocation(did string, state *agentState) {
	belowThreshold := state.composite < e.cfg.RevocationThreshold
	if belowThreshold && state.aboveThreshold {
		state.aboveThreshold = false
		select {
		case e.revocations <- revocationEvent{did: did, composite: state.composite, reason: "below_threshold"}:
		case <-e.stopCh:
		}
		return
	}
	if !belowThreshold {
		state.aboveThreshold = true
	}
}

func (e *Engine) dispatchLoop() {
	defer e.wg.Done()
	for {
		select {
		case ev := <-e.revocations:
			e.fireCallbacks(ev)
		case <-e.stopCh:
			for {
				select {
				case ev := <-e.revocations:
					e.fireCallbacks(ev)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) fireCallbacks(ev revocationEvent) {
	e.callbacksMu.RLock()
	cbs := make([]RevocationCallback, len(e.callbacks))
	copy(cbs, e.callbacks)
	e.callbacksMu.RUnlock()

	for _, cb := range cbs {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CallbackTimeout)
		err := e.runCallback(ctx, cb, ev)
		cancel()
		if err != nil {
			e.logger.Warn("revocation callback failed", "did", ev.did, "error", err)
		}
	}
}

func (e *Engine) runCallback(ctx context.Context, cb RevocationCallback, ev revocationEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return cb(ctx, ev.did, ev.composite, ev.reason)
}

// RecordPolicyCompliance records a compliance signal: 100 if compliant,
// else 0.
func (e *Engine) RecordPolicyCompliance(did string, compliant bool, policyName string) (Score, error) {
	value := 0.0
	if compliant {
		value = 100.0
	}
	return e.recordSignal(did, PolicyCompliance, value)
}

// RecordResourceUsage records a resource-efficiency signal derived from
// used/budget; a zero budget is a no-op and returns the current score
// unchanged.
func (e *Engine) RecordResourceUsage(did string, used, budget float64) (Score, error) {
	if e.cfg.KnownAgent != nil && !e.cfg.KnownAgent(did) {
		return Score{}, merrors.New(merrors.UnknownAgent, "no identity registered for %s", did)
	}
	if budget == 0 {
		state := e.get(did, true)
		state.mu.Lock()
		snap := state.snapshot(did, e.cfg.Now())
		state.mu.Unlock()
		return snap, nil
	}
	value := 100 * (1 - used/budget)
	if value < 0 {
		value = 0
	}
	if value > 100 {
		value = 100
	}
	return e.recordSignal(did, ResourceEfficiency, value)
}

// RecordOutputQuality records an output-quality signal: 100 if accepted,
// else 0.
func (e *Engine) RecordOutputQuality(did string, accepted bool, consumer string) (Score, error) {
	value := 0.0
	if accepted {
		value = 100.0
	}
	return e.recordSignal(did, OutputQuality, value)
}

// RecordSecurityEvent records a security-posture signal: 100 if the
// action stayed within its declared boundary, else 0.
func (e *Engine) RecordSecurityEvent(did string, withinBoundary bool, eventType string) (Score, error) {
	value := 0.0
	if withinBoundary {
		value = 100.0
	}
	return e.recordSignal(did, SecurityPosture, value)
}

// RecordCollaboration records a collaboration-health signal: 100 if the
// handoff succeeded, else 0.
func (e *Engine) RecordCollaboration(did string, handoffSuccessful bool, peerDID string) (Score, error) {
	value := 0.0
	if handoffSuccessful {
		value = 100.0
	}
	return e.recordSignal(did, CollaborationHealth, value)
}

// Get returns the current score snapshot for did, or ok=false if no
// signal has ever been recorded for it.
func (e *Engine) Get(did string) (Score, bool) {
	state := e.get(did, false)
	if state == nil {
		return Score{}, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.snapshot(did, e.cfg.Now()), true
}

// Revoke marks an agent revoked and fires the registered callbacks with
// its current composite, which Revoke leaves unchanged. Only the first
// call for an agent fires (idempotent: a second call to Revoke is a
// no-op).
func (e *Engine) Revoke(did, reason string) {
	state := e.get(did, true)
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.revoked {
		return
	}
	state.revoked = true
	select {
	case e.revocations <- revocationEvent{did: did, composite: state.composite, reason: reason}:
	case <-e.stopCh:
	}
}

// AllDIDs returns every agent DID with recorded trust state, for use by
// Leaderboard.
func (e *Engine) AllDIDs() []string {
	var out []string
	for _, p := range e.partitions {
		p.mu.RLock()
		for did := range p.agents {
			out = append(out, did)
		}
		p.mu.RUnlock()
	}
	return out
}
