package trust

import (
	"context"
	"time"
)

// Decay visits every dimension of every known agent and applies time
// decay to any dimension whose last update is older than the configured
// decay interval: score ← max(floor, score − decay_rate × hours_idle).
// Decay never revokes on its own except as a side effect of dropping the
// composite below threshold through checkRevocation.
func (e *Engine) Decay(ctx context.Context) {
	now := e.cfg.Now()
	for _, p := range e.partitions {
		p.mu.RLock()
		dids := make([]string, 0, len(p.agents))
		states := make([]*agentState, 0, len(p.agents))
		for did, state := range p.agents {
			dids = append(dids, did)
			states = append(states, state)
		}
		p.mu.RUnlock()

		for i, state := range states {
			select {
			case <-ctx.Done():
				return
			default:
			}
			e.decayAgent(dids[i], state, now)
		}
	}
}

func (e *Engine) decayAgent(did string, state *agentState, now time.Time) {
	state.mu.Lock()
	defer state.mu.Unlock()

	changed := false
	for _, d := range Dimensions {
		ds, ok := state.dimensions[d]
		if !ok {
			continue
		}
		idle := now.Sub(ds.LastUpdate)
		if idle <= e.cfg.DecayInterval {
			continue
		}
		hoursIdle := idle.Hours()
		floor := e.cfg.DecayFloor
		decayed := ds.Score - e.cfg.DecayRate*hoursIdle
		if decayed < floor {
			decayed = floor
		}
		if decayed != ds.Score {
			ds.Score = decayed
			changed = true
		}
	}

	if changed {
		state.recompute()
		e.checkRevocation(did, state)
	}
}

// StartDecayLoop runs Decay on a ticker until ctx is canceled, returning
// a function that blocks until the loop has fully stopped.
func (e *Engine) StartDecayLoop(ctx context.Context, interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.Decay(ctx)
			}
		}
	}()
	return func() { <-done }
}
