// Package trust implements the reward and trust engine: five
// exponentially-smoothed per-agent dimension scores, time decay, a
// composite trust score with tier classification, automatic revocation
// on a downward threshold crossing, A/B weight experiments, and rolling
// anomaly detection.
package trust

import (
	"sync"
	"time"
)

// Dimension identifies one of the five fixed scoring axes.
type Dimension string

const (
	PolicyCompliance    Dimension = "policy_compliance"
	ResourceEfficiency  Dimension = "resource_efficiency"
	OutputQuality       Dimension = "output_quality"
	SecurityPosture     Dimension = "security_posture"
	CollaborationHealth Dimension = "collaboration_health"
)

// Dimensions lists every dimension in a fixed, stable order.
var Dimensions = []Dimension{
	PolicyCompliance,
	ResourceEfficiency,
	OutputQuality,
	SecurityPosture,
	CollaborationHealth,
}

// DefaultWeights sum to 1.0.
func DefaultWeights() map[Dimension]float64 {
	return map[Dimension]float64{
		PolicyCompliance:    0.30,
		ResourceEfficiency:  0.15,
		OutputQuality:       0.25,
		SecurityPosture:     0.20,
		CollaborationHealth: 0.10,
	}
}

// DefaultAlphas is the EMA smoothing factor per dimension, applied unless
// an engine-level override is configured.
func DefaultAlphas() map[Dimension]float64 {
	a := make(map[Dimension]float64, len(Dimensions))
	for _, d := range Dimensions {
		a[d] = 0.2
	}
	return a
}

const weightSumEpsilon = 1e-6

func weightsNormalized(weights map[Dimension]float64) bool {
	var sum float64
	for _, d := range Dimensions {
		sum += weights[d]
	}
	if sum < 1.0 {
		return 1.0-sum < weightSumEpsilon
	}
	return sum-1.0 < weightSumEpsilon
}

// Tier is the trust classification derived solely from the composite
// score.
type Tier string

const (
	TierVerifiedPartner Tier = "verified_partner"
	TierTrusted         Tier = "trusted"
	TierStandard        Tier = "standard"
	TierProbationary    Tier = "probationary"
	TierUntrusted       Tier = "untrusted"
)

// TierOf derives a Tier from a composite in [0, 1000].
func TierOf(composite int) Tier {
	switch {
	case composite >= 900:
		return TierVerifiedPartner
	case composite >= 700:
		return TierTrusted
	case composite >= 500:
		return TierStandard
	case composite >= 300:
		return TierProbationary
	default:
		return TierUntrusted
	}
}

// DimensionState is one dimension's EMA score and bookkeeping.
type DimensionState struct {
	Score       float64
	SignalCount uint64
	LastUpdate  time.Time
}

// Score is a snapshot of one agent's full trust state, safe to read and
// copy after it's returned from the engine.
type Score struct {
	DID        string
	Dimensions map[Dimension]DimensionState
	Composite  int
	Tier       Tier
	ComputedAt time.Time
}

// sample is one recorded raw signal (dimension, value, timestamp),
// retained in a history bounded to a configurable window. Anomaly
// detection uses the per-dimension rolling baselines, not this history.
type sample struct {
	dimension Dimension
	value     float64
	at        time.Time
}

// agentState is the mutable per-agent record. Every field is guarded by
// mu, so once a caller holds a *agentState obtained from a partition, no
// further synchronization with other agents is needed: different agents
// never contend on the same mutex.
type agentState struct {
	mu sync.Mutex

	dimensions map[Dimension]*DimensionState
	composite  int
	tier       Tier

	// aboveThreshold tracks whether the agent's composite was at or
	// above the revocation threshold as of the last recompute, so a
	// revocation callback fires exactly once per genuine above-to-below
	// crossing. It starts false: a fresh agent has no standing to lose,
	// and its first below-threshold composite is not a crossing.
	aboveThreshold bool
	revoked        bool

	history  []sample
	baseline map[Dimension]*rollingStat

	weights map[Dimension]float64
	alphas  map[Dimension]float64
}

func newAgentState(weights, alphas map[Dimension]float64) *agentState {
	return &agentState{
		dimensions: make(map[Dimension]*DimensionState),
		baseline:   make(map[Dimension]*rollingStat),
		weights:    weights,
		alphas:     alphas,
	}
}

func (a *agentState) recompute() {
	var sum float64
	for _, d := range Dimensions {
		ds, ok := a.dimensions[d]
		if !ok {
			continue
		}
		sum += ds.Score * a.weights[d]
	}
	a.composite = int(roundHalfAwayFromZero(sum * 10))
	a.tier = TierOf(a.composite)
}

func roundHalfAwayFromZero(v float64) float64 {
	if v >= 0 {
		return float64(int64(v + 0.5))
	}
	return float64(int64(v - 0.5))
}

func (a *agentState) snapshot(did string, now time.Time) Score {
	dims := make(map[Dimension]DimensionState, len(a.dimensions))
	for d, ds := range a.dimensions {
		dims[d] = *ds
	}
	return Score{
		DID:        did,
		Dimensions: dims,
		Composite:  a.composite,
		Tier:       a.tier,
		ComputedAt: now,
	}
}
