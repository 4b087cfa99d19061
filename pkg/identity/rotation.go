package identity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmesh/mesh/pkg/merrors"
)

// Rotator keeps tracked credentials fresh: when a credential's remaining
// TTL drops under the rotation lead, it re-issues a replacement with the
// same scope. The previous credential stays verifiable until its own
// expiry, so holders can swap tokens with zero downtime.
type Rotator struct {
	registry *Registry
	ttl      time.Duration
	lead     time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	tracked map[string]Credential
}

// NewRotator creates a Rotator issuing credentials with the given ttl and
// re-issuing once remaining validity falls under lead.
func NewRotator(registry *Registry, ttl, lead time.Duration) *Rotator {
	if ttl <= 0 {
		ttl = DefaultCredentialTTL
	}
	if lead <= 0 || lead >= ttl {
		lead = DefaultRotationLead
	}
	return &Rotator{
		registry: registry,
		ttl:      ttl,
		lead:     lead,
		logger:   slog.Default(),
		now:      time.Now,
		tracked:  make(map[string]Credential),
	}
}

// SetLogger installs a sink for rotation diagnostics.
func (ro *Rotator) SetLogger(logger *slog.Logger) {
	ro.logger = logger
}

// Track registers a credential for automatic rotation. A later credential
// for the same DID replaces the earlier one.
func (ro *Rotator) Track(cred Credential) {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	ro.tracked[cred.DID] = cred
}

// Untrack stops rotating the DID's credential.
func (ro *Rotator) Untrack(did string) {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	delete(ro.tracked, did)
}

// Current returns the freshest tracked credential for did.
func (ro *Rotator) Current(did string) (Credential, bool) {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	cred, ok := ro.tracked[did]
	return cred, ok
}

// RotateDue re-issues every tracked credential whose remaining TTL is
// under the lead, returning the fresh credentials. Credentials of revoked
// identities are dropped from tracking instead of renewed.
func (ro *Rotator) RotateDue(ctx context.Context) []Credential {
	now := ro.now()

	ro.mu.Lock()
	due := make([]Credential, 0)
	for _, cred := range ro.tracked {
		if cred.RemainingTTL(now) < ro.lead {
			due = append(due, cred)
		}
	}
	ro.mu.Unlock()

	rotated := make([]Credential, 0, len(due))
	for _, old := range due {
		select {
		case <-ctx.Done():
			return rotated
		default:
		}

		fresh, err := ro.registry.IssueCredential(old.DID, old.Caps, ro.ttl)
		if err != nil {
			if merrors.Is(err, merrors.Revoked) || merrors.Is(err, merrors.UnknownAgent) {
				ro.Untrack(old.DID)
				continue
			}
			ro.logger.Warn("credential rotation failed", "did", old.DID, "error", err)
			continue
		}

		ro.mu.Lock()
		// Only install if nobody tracked a newer credential meanwhile.
		if cur, ok := ro.tracked[old.DID]; ok && !cur.ExpiresAt.After(fresh.ExpiresAt) {
			ro.tracked[old.DID] = fresh
			rotated = append(rotated, fresh)
		}
		ro.mu.Unlock()
	}
	return rotated
}

// Start runs RotateDue on a ticker until ctx is canceled, returning a
// function that blocks until the loop has stopped.
func (ro *Rotator) Start(ctx context.Context, tick time.Duration) (stop func()) {
	ticker := time.NewTicker(tick)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ro.RotateDue(ctx)
			}
		}
	}()
	return func() { <-done }
}
