// Package mesh assembles the trust core into one governed surface: it
// wires the identity registry, policy engine, audit log, and trust
// engine together so that every authorized action is evaluated, recorded,
// and scored, and so that a trust collapse revokes the agent's identity.
package mesh

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agentmesh/mesh/pkg/audit"
	"github.com/agentmesh/mesh/pkg/config"
	meshcrypto "github.com/agentmesh/mesh/pkg/crypto"
	"github.com/agentmesh/mesh/pkg/identity"
	"github.com/agentmesh/mesh/pkg/merrors"
	"github.com/agentmesh/mesh/pkg/observability"
	"github.com/agentmesh/mesh/pkg/policy"
	"github.com/agentmesh/mesh/pkg/trust"
)

// badSignatureRevokeAfter is how many bad signatures from one DID force
// immediate revocation, regardless of composite score.
const badSignatureRevokeAfter = 3

// Options configures a Mesh. Zero values select working defaults: an
// in-memory audit backend, default engine tunables, the process logger,
// and disabled telemetry.
type Options struct {
	Config       *config.Config
	Logger       *slog.Logger
	Observer     *observability.Provider
	AuditBackend audit.Backend
}

// Mesh is the assembled trust core.
type Mesh struct {
	Identity  *identity.Registry
	Policy    *policy.Engine
	Audit     *audit.Store
	Trust     *trust.Engine
	Approvals *policy.Approvals
	Rotator   *identity.Rotator

	cfg    *config.Config
	logger *slog.Logger
	obs    *observability.Provider

	mu      sync.Mutex
	badSigs map[string]int
}

// New assembles a Mesh from its components.
func New(ctx context.Context, opts Options) (*Mesh, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	obs := opts.Observer
	if obs == nil {
		var err error
		obs, err = observability.New(ctx, &observability.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
	}

	backend := opts.AuditBackend
	if backend == nil {
		backend = audit.NewMemoryBackend()
	}

	registry, err := identity.NewRegistry()
	if err != nil {
		return nil, err
	}
	registry.SetMaxDelegationDepth(cfg.MaxDelegationDepth)

	store, err := audit.NewStore(ctx, backend)
	if err != nil {
		return nil, err
	}

	weights := make(map[trust.Dimension]float64, len(cfg.DimensionWeights))
	for dim, w := range cfg.DimensionWeights {
		weights[trust.Dimension(dim)] = w
	}
	alphas := make(map[trust.Dimension]float64, len(cfg.DimensionAlpha))
	for dim, a := range cfg.DimensionAlpha {
		alphas[trust.Dimension(dim)] = a
	}

	engine := trust.NewEngine(trust.Config{
		RevocationThreshold: cfg.RevocationThreshold,
		Weights:             weights,
		Alphas:              alphas,
		DecayInterval:       cfg.DecayInterval,
		DecayRate:           cfg.DecayRate,
		DecayFloor:          cfg.DecayFloor,
		KnownAgent: func(did string) bool {
			_, err := registry.Get(did)
			return err == nil
		},
	})
	engine.SetLogger(logger)

	m := &Mesh{
		Identity:  registry,
		Policy:    policy.NewEngine().WithEvaluationTimeout(cfg.PolicyEvalTimeout),
		Audit:     store,
		Trust:     engine,
		Approvals: policy.NewApprovals(cfg.ApprovalTimeout),
		Rotator:   identity.NewRotator(registry, cfg.CredentialTTL, cfg.CredentialRotationLead),
		cfg:       cfg,
		logger:    logger,
		obs:       obs,
		badSigs:   make(map[string]int),
	}

	// A trust collapse marks the identity revoked and lands in the audit
	// log; verification of credentials and chains picks the revocation up
	// from the registry on their next call.
	engine.OnRevocation(func(ctx context.Context, did string, composite int, reason string) error {
		if err := registry.Revoke(did, reason); err != nil && !merrors.Is(err, merrors.UnknownAgent) {
			return err
		}
		_, err := store.Append(ctx, audit.EventRevocation, did, map[string]interface{}{
			"composite": composite,
			"reason":    reason,
		})
		return err
	})

	return m, nil
}

// Close stops the trust engine's dispatch worker. The audit store and
// registry have no background work of their own.
func (m *Mesh) Close() {
	m.Trust.Close()
}

// Register registers an agent identity and records the registration in
// the audit log.
func (m *Mesh) Register(ctx context.Context, pub ed25519.PublicKey, sponsor string, caps identity.CapabilitySet) (string, identity.Credential, error) {
	ctx, done := m.obs.TrackOperation(ctx, "mesh.register")
	did, cred, err := m.Identity.Register(pub, sponsor, caps)
	done(err)
	if err != nil {
		return "", identity.Credential{}, err
	}

	m.Rotator.Track(cred)
	if _, aerr := m.Audit.Append(ctx, audit.EventRegistration, did, map[string]interface{}{
		"sponsor":      sponsor,
		"capabilities": caps,
	}); aerr != nil {
		m.logger.Warn("audit append failed for registration", "did", did, "error", aerr)
	}
	return did, cred, nil
}

// LoadPolicy registers a policy document with the policy engine.
func (m *Mesh) LoadPolicy(raw []byte) (string, error) {
	return m.Policy.Load(raw)
}

// Authorize evaluates an action for an agent, records the decision in the
// audit log, and scores the agent's policy compliance. Unknown DIDs fail
// with UnknownAgent before any evaluation.
func (m *Mesh) Authorize(ctx context.Context, did string, input map[string]interface{}) (policy.Decision, error) {
	ctx, done := m.obs.TrackOperation(ctx, "mesh.authorize",
		attribute.String("agent.did", did))

	id, err := m.Identity.Get(did)
	if err != nil {
		done(err)
		return policy.Decision{}, err
	}
	if id.Status == identity.StatusRevoked {
		err := merrors.New(merrors.Revoked, "identity %s is revoked", did)
		done(err)
		return policy.Decision{}, err
	}

	agentAttrs := map[string]interface{}{
		"capabilities": []string(id.Capabilities),
	}
	if score, ok := m.Trust.Get(did); ok {
		agentAttrs["tier"] = string(score.Tier)
		agentAttrs["composite"] = score.Composite
	}

	d := m.Policy.Evaluate(ctx, did, agentAttrs, input)

	if _, aerr := m.Audit.Append(ctx, audit.EventPolicyEvaluation, did, map[string]interface{}{
		"action":       input["action"],
		"allowed":      d.Allowed,
		"decision":     string(d.Action),
		"matched_rule": d.MatchedRule,
		"policy":       d.PolicyName,
		"rate_limited": d.RateLimited,
		"reason":       d.Reason,
	}); aerr != nil {
		m.logger.Warn("audit append failed for decision", "did", did, "error", aerr)
	}

	compliant := d.Allowed || d.Action == policy.ActionRequireApproval
	if _, terr := m.Trust.RecordPolicyCompliance(did, compliant, d.PolicyName); terr != nil {
		m.logger.Warn("compliance signal rejected", "did", did, "error", terr)
	}

	done(nil)
	return d, nil
}

// Delegate extends a delegation chain by one link and records it. A
// capability escalation attempt is logged at warning level and counted
// against the issuer's security posture.
func (m *Mesh) Delegate(ctx context.Context, chain identity.Chain, issuerDID string, issuerSigner meshcrypto.Signer, issuerCred identity.Credential, subjectDID string, caps identity.CapabilitySet, ttl time.Duration) (identity.Chain, error) {
	extended, err := m.Identity.Delegate(chain, issuerDID, issuerSigner, issuerCred, subjectDID, caps, ttl)
	if err != nil {
		if merrors.Is(err, merrors.CapabilityEscalation) {
			m.logger.Warn("capability escalation attempt", "issuer", issuerDID, "subject", subjectDID, "caps", caps)
			if _, terr := m.Trust.RecordSecurityEvent(issuerDID, false, "capability_escalation"); terr != nil {
				m.logger.Warn("security signal rejected", "did", issuerDID, "error", terr)
			}
		}
		return nil, err
	}

	if _, aerr := m.Audit.Append(ctx, audit.EventDelegation, issuerDID, map[string]interface{}{
		"subject":      subjectDID,
		"capabilities": caps,
		"depth":        len(extended),
	}); aerr != nil {
		m.logger.Warn("audit append failed for delegation", "issuer", issuerDID, "error", aerr)
	}
	return extended, nil
}

// ReportBadSignature counts a failed signature verification against did.
// Repeated failures force immediate revocation regardless of the agent's
// composite score.
func (m *Mesh) ReportBadSignature(ctx context.Context, did string) {
	if _, err := m.Trust.RecordSecurityEvent(did, false, "bad_signature"); err != nil {
		m.logger.Warn("security signal rejected", "did", did, "error", err)
		return
	}

	m.mu.Lock()
	m.badSigs[did]++
	count := m.badSigs[did]
	m.mu.Unlock()

	if count < badSignatureRevokeAfter {
		return
	}

	m.logger.Warn("revoking after repeated bad signatures", "did", did, "count", count)
	m.Trust.Revoke(did, "repeated_bad_signatures")

	m.mu.Lock()
	delete(m.badSigs, did)
	m.mu.Unlock()
}

// StartBackground launches the decay sweep and credential rotation loops,
// returning a function that blocks until both have stopped.
func (m *Mesh) StartBackground(ctx context.Context) (stop func()) {
	stopDecay := m.Trust.StartDecayLoop(ctx, time.Minute)
	stopRotate := m.Rotator.Start(ctx, time.Minute)
	return func() {
		stopDecay()
		stopRotate()
	}
}
