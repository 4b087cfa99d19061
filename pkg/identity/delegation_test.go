package identity_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/mesh/pkg/crypto"
	"github.com/agentmesh/mesh/pkg/identity"
	"github.com/agentmesh/mesh/pkg/merrors"
)

type party struct {
	did    string
	signer *crypto.Ed25519Signer
	cred   identity.Credential
}

func registerParty(t *testing.T, reg *identity.Registry, sponsor string, caps identity.CapabilitySet) party {
	t.Helper()
	signer, err := crypto.GenerateSigner()
	require.NoError(t, err)
	did, cred, err := reg.Register(signer.PublicKey(), sponsor, caps)
	require.NoError(t, err)
	return party{did: did, signer: signer, cred: cred}
}

// TestThreeLinkNarrowingChain builds sponsor S -> A -> B -> C, each link
// narrowing capabilities, and verifies to {read:data} rooted at S.
func TestThreeLinkNarrowingChain(t *testing.T) {
	reg, err := identity.NewRegistry()
	require.NoError(t, err)

	sponsor := registerParty(t, reg, "", identity.CapabilitySet{"read:*", "write:*", "delegate:*"})
	a := registerParty(t, reg, "", nil)
	b := registerParty(t, reg, "", nil)
	c := registerParty(t, reg, "", nil)

	chain, err := reg.Delegate(nil, sponsor.did, sponsor.signer, sponsor.cred, a.did,
		identity.CapabilitySet{"read:*", "write:data"}, identity.DefaultCredentialTTL)
	require.NoError(t, err)

	chain, err = reg.Delegate(chain, a.did, a.signer, a.cred, b.did,
		identity.CapabilitySet{"read:data"}, identity.DefaultCredentialTTL)
	require.NoError(t, err)

	chain, err = reg.Delegate(chain, b.did, b.signer, b.cred, c.did,
		identity.CapabilitySet{"read:data"}, identity.DefaultCredentialTTL)
	require.NoError(t, err)

	caps, root, err := reg.VerifyChain(chain)
	require.NoError(t, err)
	require.Equal(t, identity.CapabilitySet{"read:data"}, caps)
	require.Equal(t, sponsor.did, root)

	_, err = reg.Delegate(chain[:1], a.did, a.signer, a.cred, b.did,
		identity.CapabilitySet{"write:logs"}, identity.DefaultCredentialTTL)
	require.True(t, merrors.Is(err, merrors.CapabilityEscalation))
}

func TestVerifyChainRejectsBrokenHash(t *testing.T) {
	reg, err := identity.NewRegistry()
	require.NoError(t, err)

	sponsor := registerParty(t, reg, "", identity.CapabilitySet{"read:*"})
	a := registerParty(t, reg, "", nil)

	chain, err := reg.Delegate(nil, sponsor.did, sponsor.signer, sponsor.cred, a.did,
		identity.CapabilitySet{"read:data"}, identity.DefaultCredentialTTL)
	require.NoError(t, err)

	chain[0].PriorHash = "tampered"
	_, _, err = reg.VerifyChain(chain)
	require.True(t, merrors.Is(err, merrors.BrokenChain))
}

func TestVerifyChainRejectsBadSignature(t *testing.T) {
	reg, err := identity.NewRegistry()
	require.NoError(t, err)

	sponsor := registerParty(t, reg, "", identity.CapabilitySet{"read:*"})
	a := registerParty(t, reg, "", nil)

	chain, err := reg.Delegate(nil, sponsor.did, sponsor.signer, sponsor.cred, a.did,
		identity.CapabilitySet{"read:data"}, identity.DefaultCredentialTTL)
	require.NoError(t, err)

	chain[0].Signature[0] ^= 0xFF
	_, _, err = reg.VerifyChain(chain)
	require.True(t, merrors.Is(err, merrors.BadSignature))
}

func TestDelegateRejectsUnknownSponsor(t *testing.T) {
	reg, err := identity.NewRegistry()
	require.NoError(t, err)

	unregistered, err := crypto.GenerateSigner()
	require.NoError(t, err)
	unregisteredCred := identity.Credential{
		DID:       crypto.DID(unregistered.PublicKey()),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	a := registerParty(t, reg, "", nil)

	_, err = reg.Delegate(nil, crypto.DID(unregistered.PublicKey()), unregistered, unregisteredCred, a.did,
		identity.CapabilitySet{"read:data"}, identity.DefaultCredentialTTL)
	require.True(t, merrors.Is(err, merrors.UnknownSponsor))
}

func TestDepthExceeded(t *testing.T) {
	reg, err := identity.NewRegistry()
	require.NoError(t, err)

	sponsor := registerParty(t, reg, "", identity.CapabilitySet{"*"})
	prev := sponsor
	var chain identity.Chain
	for i := 0; i < identity.DefaultMaxDelegationDepth; i++ {
		next := registerParty(t, reg, "", nil)
		chain, err = reg.Delegate(chain, prev.did, prev.signer, prev.cred, next.did, identity.CapabilitySet{"*"}, identity.DefaultCredentialTTL)
		require.NoError(t, err)
		prev = next
	}

	overflow := registerParty(t, reg, "", nil)
	_, err = reg.Delegate(chain, prev.did, prev.signer, prev.cred, overflow.did, identity.CapabilitySet{"*"}, identity.DefaultCredentialTTL)
	require.True(t, merrors.Is(err, merrors.DepthExceeded))
}

// TestDelegationMonotonicityProperty checks that for every chain the
// registry accepts, each non-root link's caps are a subset of its
// parent's under the capability-subset rule.
func TestDelegationMonotonicityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	allCaps := []string{"read:data", "read:logs", "write:data", "deploy:prod"}

	properties.Property("delegation chains never widen capabilities", prop.ForAll(
		func(pick1, pick2, pick3 []int) bool {
			reg, err := identity.NewRegistry()
			if err != nil {
				return false
			}
			sponsor := party{}
			{
				signer, serr := crypto.GenerateSigner()
				if serr != nil {
					return false
				}
				did, cred, rerr := reg.Register(signer.PublicKey(), "", identity.CapabilitySet{"*"})
				if rerr != nil {
					return false
				}
				sponsor = party{did: did, signer: signer, cred: cred}
			}

			subsetOf := func(idxs []int, base []string) identity.CapabilitySet {
				out := identity.CapabilitySet{}
				for _, i := range idxs {
					if i >= 0 && i < len(base) {
						out = append(out, base[i])
					}
				}
				return out
			}

			caps1 := subsetOf(pick1, allCaps)
			prev := sponsor
			var chain identity.Chain
			next1, nerr := crypto.GenerateSigner()
			if nerr != nil {
				return true
			}
			did1, cred1, rerr := reg.Register(next1.PublicKey(), "", nil)
			if rerr != nil {
				return true
			}
			chain, err = reg.Delegate(chain, prev.did, prev.signer, prev.cred, did1, caps1, identity.DefaultCredentialTTL)
			if err != nil {
				return true // generated caps may legitimately fail to narrow; skip
			}
			prev = party{did: did1, signer: next1, cred: cred1}

			caps2 := subsetOf(pick2, caps1)
			next2, nerr := crypto.GenerateSigner()
			if nerr != nil {
				return true
			}
			did2, cred2, rerr := reg.Register(next2.PublicKey(), "", nil)
			if rerr != nil {
				return true
			}
			chain, err = reg.Delegate(chain, prev.did, prev.signer, prev.cred, did2, caps2, identity.DefaultCredentialTTL)
			if err != nil {
				return true
			}
			prev = party{did: did2, signer: next2, cred: cred2}

			caps3 := subsetOf(pick3, caps2)
			next3, nerr := crypto.GenerateSigner()
			if nerr != nil {
				return true
			}
			did3, _, rerr := reg.Register(next3.PublicKey(), "", nil)
			if rerr != nil {
				return true
			}
			chain, err = reg.Delegate(chain, prev.did, prev.signer, prev.cred, did3, caps3, identity.DefaultCredentialTTL)
			if err != nil {
				return true
			}

			effective, root, verr := reg.VerifyChain(chain)
			if verr != nil {
				return false
			}
			if root != sponsor.did {
				return false
			}
			for i := 1; i < len(chain); i++ {
				if !identity.Subset(chain[i].Caps, chain[i-1].Caps) {
					return false
				}
			}
			return identity.Subset(effective, identity.CapabilitySet{"*"}) || len(effective) == 0
		},
		gen.SliceOfN(2, gen.IntRange(0, 3)),
		gen.SliceOfN(2, gen.IntRange(0, 3)),
		gen.SliceOfN(2, gen.IntRange(0, 3)),
	))

	properties.TestingRun(t)
}
