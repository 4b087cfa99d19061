package identity

import (
	"crypto/ed25519"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentmesh/mesh/pkg/crypto"
	"github.com/agentmesh/mesh/pkg/merrors"
)

// snapshot is an immutable view of the registry's identities. Readers take
// a snapshot pointer; writers build a new map and publish it atomically,
// so lookups never block behind registration or revocation.
type snapshot struct {
	identities map[string]Identity
}

// Registry is the identity & delegation authority: it registers
// identities, issues and parses credentials, and tracks revocation.
type Registry struct {
	snap atomic.Pointer[snapshot]
	mu   sync.Mutex // serializes writers; readers never block

	keys     *IssuerKeySet
	now      func() time.Time
	maxDepth int
}

// NewRegistry creates an empty registry with its own issuer key set.
func NewRegistry() (*Registry, error) {
	ks, err := NewIssuerKeySet()
	if err != nil {
		return nil, err
	}
	r := &Registry{keys: ks, now: time.Now, maxDepth: DefaultMaxDelegationDepth}
	r.snap.Store(&snapshot{identities: make(map[string]Identity)})
	return r, nil
}

// SetMaxDelegationDepth overrides the maximum chain depth accepted by
// Delegate and VerifyChain.
func (r *Registry) SetMaxDelegationDepth(depth int) {
	if depth >= 1 {
		r.maxDepth = depth
	}
}

func (r *Registry) load() *snapshot {
	return r.snap.Load()
}

// publish installs a new snapshot built from mutate(current copy).
// Callers must hold r.mu.
func (r *Registry) publish(mutate func(next map[string]Identity)) {
	cur := r.load()
	next := make(map[string]Identity, len(cur.identities)+1)
	for k, v := range cur.identities {
		next[k] = v
	}
	mutate(next)
	r.snap.Store(&snapshot{identities: next})
}

// Register derives a DID from pub and records the identity, returning a
// freshly issued credential scoped to the full declared capability set.
// Re-registering a known key is idempotent and returns its existing DID
// with a freshly issued credential.
func (r *Registry) Register(pub ed25519.PublicKey, sponsor string, caps CapabilitySet) (string, Credential, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", Credential{}, merrors.New(merrors.InvalidKey, "public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	did := crypto.DID(pub)

	r.mu.Lock()
	cur := r.load()
	if existing, ok := cur.identities[did]; ok {
		r.mu.Unlock()
		cred, err := issueCredential(r.keys, did, existing.Capabilities, DefaultCredentialTTL, r.now())
		return did, cred, err
	}

	id := Identity{
		DID:          did,
		PublicKey:    append(ed25519.PublicKey(nil), pub...),
		Sponsor:      sponsor,
		CreatedAt:    r.now(),
		Status:       StatusActive,
		Capabilities: caps,
	}
	r.publish(func(next map[string]Identity) { next[did] = id })
	r.mu.Unlock()

	cred, err := issueCredential(r.keys, did, caps, DefaultCredentialTTL, r.now())
	return did, cred, err
}

// Get returns the current state of a known identity.
func (r *Registry) Get(did string) (Identity, error) {
	id, ok := r.load().identities[did]
	if !ok {
		return Identity{}, merrors.New(merrors.UnknownAgent, "no identity registered for %s", did)
	}
	return id, nil
}

// IsSponsor reports whether did is a registered, non-revoked identity
// acting as a root-of-trust sponsor. Any active identity may sponsor.
func (r *Registry) IsSponsor(did string) bool {
	id, ok := r.load().identities[did]
	return ok && id.Status != StatusRevoked
}

// IssueCredential re-scopes an identity's credential to a (possibly
// narrower) capability subset, failing with CapabilityEscalation if the
// requested set escapes the identity's declared capabilities.
func (r *Registry) IssueCredential(did string, caps CapabilitySet, ttl time.Duration) (Credential, error) {
	id, err := r.Get(did)
	if err != nil {
		return Credential{}, err
	}
	if id.Status == StatusRevoked {
		return Credential{}, merrors.New(merrors.Revoked, "identity %s is revoked", did)
	}
	if !Subset(caps, id.Capabilities) {
		return Credential{}, merrors.New(merrors.CapabilityEscalation, "requested caps %v exceed %s's declared caps %v", caps, did, id.Capabilities)
	}
	return issueCredential(r.keys, did, caps, ttl, r.now())
}

// Revoke marks an identity revoked. Idempotent: revoking an
// already-revoked identity is a no-op that still reports success.
func (r *Registry) Revoke(did, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.load()
	id, ok := cur.identities[did]
	if !ok {
		return merrors.New(merrors.UnknownAgent, "no identity registered for %s", did)
	}
	if id.Status == StatusRevoked {
		return nil
	}
	id.Status = StatusRevoked
	r.publish(func(next map[string]Identity) { next[did] = id })
	return nil
}

// ParseCredential validates a credential string against the registry's
// issuer key set.
func (r *Registry) ParseCredential(raw string) (Credential, error) {
	return r.keys.ParseCredential(raw)
}
