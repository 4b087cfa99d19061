package trust

import (
	"crypto/sha256"
	"fmt"
)

// experiment holds one in-flight A/B weight trial. Assignment is
// deterministic per DID so the same agent stays in the same arm for the
// life of the experiment, instead of flapping between control and
// treatment weights across evaluations.
type experiment struct {
	id                string
	controlWeights    map[Dimension]float64
	treatmentWeights  map[Dimension]float64
	treatmentFraction float64
}

// StartExperiment begins an A/B trial over dimension weights. Both
// weight sets must already sum to 1.0 ± ε; agents are assigned to the
// treatment arm by hashing their DID against treatmentFraction.
func (e *Engine) StartExperiment(id string, controlWeights, treatmentWeights map[Dimension]float64, treatmentFraction float64) error {
	if !weightsNormalized(controlWeights) {
		return fmt.Errorf("trust: control weights do not sum to 1.0")
	}
	if !weightsNormalized(treatmentWeights) {
		return fmt.Errorf("trust: treatment weights do not sum to 1.0")
	}
	if treatmentFraction < 0 || treatmentFraction > 1 {
		return fmt.Errorf("trust: treatment fraction %f out of [0,1]", treatmentFraction)
	}

	e.expMu.Lock()
	defer e.expMu.Unlock()
	e.experiment = &experiment{
		id:                id,
		controlWeights:    controlWeights,
		treatmentWeights:  treatmentWeights,
		treatmentFraction: treatmentFraction,
	}
	return nil
}

// assignTreatment deterministically buckets did into the treatment arm.
func (x *experiment) assignTreatment(did string) bool {
	if x.treatmentFraction <= 0 {
		return false
	}
	if x.treatmentFraction >= 1 {
		return true
	}
	sum := sha256.Sum256([]byte(did))
	bucket := float64(sum[0]) / 256.0
	return bucket < x.treatmentFraction
}

// AdoptTreatment atomically swaps the engine's default weights to the
// current experiment's treatment weights and ends the experiment. Agents
// created after this call use the new default; existing agents keep the
// weight set they were assigned when their trust state was created.
func (e *Engine) AdoptTreatment(id string) error {
	e.expMu.Lock()
	defer e.expMu.Unlock()
	if e.experiment == nil || e.experiment.id != id {
		return fmt.Errorf("trust: no active experiment %q", id)
	}
	e.cfg.Weights = e.experiment.treatmentWeights
	e.experiment = nil
	return nil
}

// CurrentExperiment reports the active experiment id, if any.
func (e *Engine) CurrentExperiment() (string, bool) {
	e.expMu.RLock()
	defer e.expMu.RUnlock()
	if e.experiment == nil {
		return "", false
	}
	return e.experiment.id, true
}
