package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// DefaultEvaluationTimeout is the time budget for a single Evaluate call.
const DefaultEvaluationTimeout = 5 * time.Millisecond

// policySnapshot is an immutable view of the engine's loaded policies.
// Readers take a snapshot pointer; Load publishes a new one atomically,
// so evaluation never blocks on a concurrent reload.
type policySnapshot struct {
	policies []Policy
}

// Engine evaluates (agent, context) pairs against loaded policies. It is
// safe for concurrent use: Evaluate never blocks on Load and vice versa.
type Engine struct {
	mu   sync.Mutex // serializes Load; Evaluate only reads the snapshot
	snap atomic.Pointer[policySnapshot]

	limiter        RateLimiter
	now            func() time.Time
	defaultTimeout time.Duration

	// DefaultAction is the engine-level fallback used when no policy
	// targets the agent at all.
	DefaultAction Action
}

// NewEngine creates an empty engine backed by an in-process rate limiter.
func NewEngine() *Engine {
	e := &Engine{
		limiter:        NewMemoryRateLimiter(),
		now:            time.Now,
		defaultTimeout: DefaultEvaluationTimeout,
		DefaultAction:  ActionDeny,
	}
	e.snap.Store(&policySnapshot{})
	return e
}

// WithRateLimiter swaps the engine's rate-limit backend, e.g. for a
// Redis-backed RateLimiter shared cluster-wide.
func (e *Engine) WithRateLimiter(l RateLimiter) *Engine {
	e.limiter = l
	return e
}

// WithEvaluationTimeout overrides the per-call evaluation budget.
func (e *Engine) WithEvaluationTimeout(d time.Duration) *Engine {
	if d > 0 {
		e.defaultTimeout = d
	}
	return e
}

// Load parses, validates, and registers a policy document, returning its
// assigned policy ID.
func (e *Engine) Load(raw []byte) (string, error) {
	p, err := Load(raw)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snap.Load()
	next := make([]Policy, len(cur.policies), len(cur.policies)+1)
	copy(next, cur.policies)
	p.policyOrder = len(next)
	next = append(next, p)
	e.snap.Store(&policySnapshot{policies: next})

	return p.ID, nil
}

// Unload removes a previously loaded policy by ID. Returns false if the
// ID is unknown.
func (e *Engine) Unload(policyID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snap.Load()
	next := make([]Policy, 0, len(cur.policies))
	found := false
	for _, p := range cur.policies {
		if p.ID == policyID {
			found = true
			continue
		}
		next = append(next, p)
	}
	if !found {
		return false
	}
	e.snap.Store(&policySnapshot{policies: next})
	return true
}

// candidateRule pairs a compiled rule with the policy it came from, so the
// merged evaluation order (priority, policy_order, rule_order) can be
// computed across every targeting policy at once.
type candidateRule struct {
	rule        Rule
	policyName  string
	policyOrder int
}

// Evaluate selects every policy targeting agentDID, merges their rules in
// (priority, policy_order, rule_order) and returns the first match's
// decision, or the governing policy's default_action if none match.
// Evaluation is bounded by the engine's timeout; exceeding it yields a
// deny decision with reason "evaluation_timeout".
func (e *Engine) Evaluate(ctx context.Context, agentDID string, agentAttrs map[string]interface{}, input map[string]interface{}) Decision {
	start := e.now()

	timeout := e.defaultTimeout
	done := make(chan Decision, 1)
	go func() {
		done <- e.evaluate(ctx, agentDID, agentAttrs, input, start)
	}()

	select {
	case d := <-done:
		return d
	case <-time.After(timeout):
		return Decision{
			Allowed:      false,
			Action:       ActionDeny,
			Reason:       "evaluation_timeout",
			EvaluationMs: float64(e.now().Sub(start).Microseconds()) / 1000.0,
		}
	}
}

func (e *Engine) evaluate(ctx context.Context, agentDID string, agentAttrs, input map[string]interface{}, start time.Time) Decision {
	snap := e.snap.Load()

	var candidates []candidateRule
	var governing *Policy
	for i := range snap.policies {
		p := &snap.policies[i]
		if !p.Targets(agentDID) {
			continue
		}
		if governing == nil || p.policyOrder < governing.policyOrder {
			governing = p
		}
		for _, r := range p.Rules {
			if !r.Enabled {
				continue
			}
			candidates = append(candidates, candidateRule{rule: r, policyName: p.Name, policyOrder: p.policyOrder})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.rule.Priority != b.rule.Priority {
			return a.rule.Priority < b.rule.Priority
		}
		if a.policyOrder != b.policyOrder {
			return a.policyOrder < b.policyOrder
		}
		return a.rule.declOrder < b.rule.declOrder
	})

	for _, c := range candidates {
		matched, err := c.rule.compiled.Eval(input, agentAttrs)
		if err != nil || !matched {
			continue
		}
		return e.decide(ctx, agentDID, c, start)
	}

	def := e.DefaultAction
	policyName := ""
	if governing != nil {
		def = governing.DefaultAction
		policyName = governing.Name
	}
	return Decision{
		Allowed:      def.Allowed(),
		Action:       def,
		PolicyName:   policyName,
		Reason:       "default_action",
		EvaluationMs: float64(e.now().Sub(start).Microseconds()) / 1000.0,
	}
}

func (e *Engine) decide(ctx context.Context, agentDID string, c candidateRule, start time.Time) Decision {
	d := Decision{
		Action:      c.rule.Action,
		MatchedRule: c.rule.Name,
		PolicyName:  c.policyName,
		Reason:      fmt.Sprintf("matched rule %q", c.rule.Name),
		Approvers:   c.rule.Approvers,
	}

	if c.rule.Limit != nil {
		allowed, resetAt, err := e.limiter.Allow(ctx, c.rule.Name, agentDID, *c.rule.Limit)
		if err == nil && !allowed {
			d.Action = ActionDeny
			d.RateLimited = true
			d.RateLimitReset = resetAt
			d.Reason = fmt.Sprintf("rate limit exceeded for rule %q", c.rule.Name)
		}
	}

	d.Allowed = d.Action.Allowed()
	d.EvaluationMs = float64(e.now().Sub(start).Microseconds()) / 1000.0
	return d
}

// NewPolicyID generates a policy identifier outside of Load, e.g. for
// pre-assigning an ID before a document is fully parsed.
func NewPolicyID() string {
	return uuid.NewString()
}
