package identity

import (
	"time"

	"github.com/agentmesh/mesh/pkg/canonicalize"
	"github.com/agentmesh/mesh/pkg/crypto"
	"github.com/agentmesh/mesh/pkg/merrors"
)

// GenesisHash is the prior-link hash of a chain's root link.
const GenesisHash = "genesis"

// DefaultMaxDelegationDepth bounds chain length unless overridden.
const DefaultMaxDelegationDepth = 8

// DelegationLink is one edge in an immutable, strictly upward-verified
// delegation chain: a linked list of signed links rather than a mutable
// graph.
type DelegationLink struct {
	PriorHash string
	Issuer    string
	Subject   string
	Caps      CapabilitySet
	IssuedAt  time.Time
	ExpiresAt time.Time
	Signature []byte
}

// hashPayload is the canonicalized, hashable shape of a link, excluding
// its own signature: prior hash, issuer, subject, caps, issued-at,
// expires-at.
type hashPayload struct {
	PriorHash string        `json:"prior_hash"`
	Issuer    string        `json:"issuer"`
	Subject   string        `json:"subject"`
	Caps      CapabilitySet `json:"caps"`
	IssuedAt  int64         `json:"issued_at"`
	ExpiresAt int64         `json:"expires_at"`
}

// Hash returns the link's content hash, used as the next link's PriorHash.
func (l DelegationLink) Hash() (string, error) {
	return canonicalize.Hash(hashPayload{
		PriorHash: l.PriorHash,
		Issuer:    l.Issuer,
		Subject:   l.Subject,
		Caps:      l.Caps,
		IssuedAt:  l.IssuedAt.UnixNano(),
		ExpiresAt: l.ExpiresAt.UnixNano(),
	})
}

func (l DelegationLink) signingBytes() ([]byte, error) {
	return canonicalize.JSON(hashPayload{
		PriorHash: l.PriorHash,
		Issuer:    l.Issuer,
		Subject:   l.Subject,
		Caps:      l.Caps,
		IssuedAt:  l.IssuedAt.UnixNano(),
		ExpiresAt: l.ExpiresAt.UnixNano(),
	})
}

// Chain is an ordered sequence of links from root sponsor to leaf agent.
type Chain []DelegationLink

// Delegate extends chain with a new link from issuerDID to subjectDID,
// narrowing capabilities to caps. issuerSigner must correspond to the
// issuer's registered public key. Fails with CapabilityEscalation on
// widening, DepthExceeded past the maximum, or Expired issuer
// credentials.
func (r *Registry) Delegate(chain Chain, issuerDID string, issuerSigner crypto.Signer, issuerCred Credential, subjectDID string, caps CapabilitySet, ttl time.Duration) (Chain, error) {
	now := r.now()
	if issuerCred.Expired(now) {
		return nil, merrors.New(merrors.Expired, "issuer credential for %s has expired", issuerDID)
	}

	if len(chain)+1 > r.maxDepth {
		return nil, merrors.New(merrors.DepthExceeded, "delegation depth %d exceeds maximum %d", len(chain)+1, r.maxDepth)
	}

	var parentCaps CapabilitySet
	priorHash := GenesisHash
	if len(chain) == 0 {
		if !r.IsSponsor(issuerDID) {
			return nil, merrors.New(merrors.UnknownSponsor, "%s is not a registered sponsor", issuerDID)
		}
		id, err := r.Get(issuerDID)
		if err != nil {
			return nil, err
		}
		parentCaps = id.Capabilities
	} else {
		last := chain[len(chain)-1]
		if last.Subject != issuerDID {
			return nil, merrors.New(merrors.BrokenChain, "issuer %s does not match prior link's subject %s", issuerDID, last.Subject)
		}
		parentCaps = last.Caps
		h, err := last.Hash()
		if err != nil {
			return nil, err
		}
		priorHash = h
	}

	if !Subset(caps, parentCaps) {
		return nil, merrors.New(merrors.CapabilityEscalation, "requested caps %v exceed issuer's caps %v", caps, parentCaps)
	}

	link := DelegationLink{
		PriorHash: priorHash,
		Issuer:    issuerDID,
		Subject:   subjectDID,
		Caps:      caps,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	payload, err := link.signingBytes()
	if err != nil {
		return nil, err
	}
	link.Signature = issuerSigner.Sign(payload)

	out := make(Chain, 0, len(chain)+1)
	out = append(out, chain...)
	out = append(out, link)
	return out, nil
}

// VerifyChain walks chain from last link to root, checking signatures,
// hash chaining, non-widening capability narrowing, expiry, and sponsor
// rooting. A link's hash linkage is checked before its signature, so a
// tampered prior_hash reports BrokenChain. Returns the effective
// capability set (the last link's, since each link already narrows) and
// the root sponsor's DID.
func (r *Registry) VerifyChain(chain Chain) (CapabilitySet, string, error) {
	if len(chain) == 0 {
		return nil, "", merrors.New(merrors.BrokenChain, "chain is empty")
	}
	if len(chain) > r.maxDepth {
		return nil, "", merrors.New(merrors.DepthExceeded, "delegation depth %d exceeds maximum %d", len(chain), r.maxDepth)
	}

	now := r.now()
	for i := len(chain) - 1; i >= 0; i-- {
		link := chain[i]

		if now.After(link.ExpiresAt) {
			return nil, "", merrors.New(merrors.Expired, "link %d (issuer %s) has expired", i, link.Issuer)
		}

		issuer, err := r.Get(link.Issuer)
		if err != nil {
			return nil, "", err
		}
		if issuer.Status == StatusRevoked {
			return nil, "", merrors.New(merrors.Revoked, "issuer %s is revoked", link.Issuer)
		}

		payload, err := link.signingBytes()
		if err != nil {
			return nil, "", err
		}
		sigValid := crypto.Verify(issuer.PublicKey, payload, link.Signature)

		if i == 0 {
			if link.PriorHash != GenesisHash {
				return nil, "", merrors.New(merrors.BrokenChain, "root link must have prior_hash %q", GenesisHash)
			}
			if !r.IsSponsor(link.Issuer) {
				return nil, "", merrors.New(merrors.UnknownSponsor, "%s is not a registered sponsor", link.Issuer)
			}
			if !sigValid {
				return nil, "", merrors.New(merrors.BadSignature, "link %d signature does not verify against issuer %s", i, link.Issuer)
			}
			continue
		}

		parent := chain[i-1]
		if link.Issuer != parent.Subject {
			return nil, "", merrors.New(merrors.BrokenChain, "link %d issuer %s does not match link %d subject %s", i, link.Issuer, i-1, parent.Subject)
		}
		parentHash, err := parent.Hash()
		if err != nil {
			return nil, "", err
		}
		if link.PriorHash != parentHash {
			return nil, "", merrors.New(merrors.BrokenChain, "link %d prior_hash does not match link %d hash", i, i-1)
		}
		if !Subset(link.Caps, parent.Caps) {
			return nil, "", merrors.New(merrors.CapabilityEscalation, "link %d caps %v exceed link %d caps %v", i, link.Caps, i-1, parent.Caps)
		}
		if !sigValid {
			return nil, "", merrors.New(merrors.BadSignature, "link %d signature does not verify against issuer %s", i, link.Issuer)
		}
	}

	return chain[len(chain)-1].Caps, chain[0].Issuer, nil
}
