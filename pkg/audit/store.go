package audit

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentmesh/mesh/pkg/canonicalize"
	"github.com/agentmesh/mesh/pkg/merkle"
	"github.com/agentmesh/mesh/pkg/merrors"
)

// Backend persists Entries. Store is the single writer into a Backend;
// implementations only need to be safe for that single-writer,
// many-reader access pattern.
type Backend interface {
	// Append persists entry, which has already been assigned its seq,
	// hash, and prior_hash by Store.
	Append(ctx context.Context, entry Entry) error
	// Tail returns the most recently appended entry, or ok=false for an
	// empty log.
	Tail(ctx context.Context) (entry Entry, ok bool, err error)
	// Get returns the entry at seq.
	Get(ctx context.Context, seq uint64) (Entry, bool, error)
	// Range returns entries with from <= seq <= to, in ascending order.
	Range(ctx context.Context, from, to uint64) ([]Entry, error)
	// Len returns the number of entries persisted.
	Len(ctx context.Context) (uint64, error)
}

// hashPayload is the exact hashable shape of an entry: seq, wall time,
// type, actor, canonical payload, prior hash. Changing this shape or its
// canonical encoding invalidates every existing chain.
type hashPayload struct {
	Seq       uint64 `json:"seq"`
	WallTime  int64  `json:"ts_wall"`
	Type      string `json:"type"`
	Actor     string `json:"actor"`
	Payload   string `json:"payload"`
	PriorHash string `json:"prior_hash"`
}

// Store is the append-only, hash-chained audit log. It serializes Append
// behind a single mutex (the chain lock) and maintains an in-memory cache
// of leaf hashes for O(log n) inclusion proofs without re-reading the
// whole backend on every proof request.
type Store struct {
	mu      sync.Mutex
	backend Backend
	epoch   time.Time
	now     func() time.Time

	leafMu sync.RWMutex
	leaves []string // LeafHash(entry.Hash), index i == seq i (0-based)

	backoff merrors.BackoffPolicy
}

// NewStore creates a Store over backend. If backend already contains
// entries (e.g. reopening a file-backed log), the leaf cache is
// rehydrated from it.
func NewStore(ctx context.Context, backend Backend) (*Store, error) {
	s := &Store{
		backend: backend,
		epoch:   time.Now(),
		now:     time.Now,
		backoff: merrors.DefaultStorageBackoff,
	}

	n, err := backend.Len(ctx)
	if err != nil {
		return nil, merrors.Wrap(merrors.StorageFailure, err, "audit: read backend length")
	}
	if n > 0 {
		entries, err := backend.Range(ctx, 0, n-1)
		if err != nil {
			return nil, merrors.Wrap(merrors.StorageFailure, err, "audit: rehydrate leaf cache")
		}
		s.leaves = make([]string, 0, len(entries))
		for _, e := range entries {
			s.leaves = append(s.leaves, merkle.LeafHash(e.Hash))
		}
	}
	return s, nil
}

// Append assigns the next sequence number, computes the entry hash, and
// persists the entry. Transient backend failures are retried with
// exponential backoff; repeated failure surfaces StorageFailure to the
// caller.
func (s *Store) Append(ctx context.Context, eventType EventType, actor string, payload interface{}) (Entry, error) {
	canon, err := canonicalize.JSON(payload)
	if err != nil {
		return Entry{}, merrors.Wrap(merrors.StorageFailure, err, "audit: canonicalize payload")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tail, hasTail, err := s.backend.Tail(ctx)
	if err != nil {
		return Entry{}, merrors.Wrap(merrors.StorageFailure, err, "audit: read chain tail")
	}

	var seq uint64
	priorHash := ZeroHash
	if hasTail {
		seq = tail.Seq + 1
		priorHash = tail.Hash
	}

	entry := Entry{
		Seq:              seq,
		WallTime:         s.now(),
		MonotonicNanos:   int64(time.Since(s.epoch)),
		Type:             eventType,
		Actor:            actor,
		Payload:          payload,
		PayloadCanonical: canon,
		PriorHash:        priorHash,
	}
	entry.Hash, err = s.computeHash(entry)
	if err != nil {
		return Entry{}, merrors.Wrap(merrors.StorageFailure, err, "audit: compute entry hash")
	}

	if err := s.appendWithRetry(ctx, entry); err != nil {
		return Entry{}, err
	}

	s.leafMu.Lock()
	s.leaves = append(s.leaves, merkle.LeafHash(entry.Hash))
	s.leafMu.Unlock()

	return entry, nil
}

// appendWithRetry retries transient backend failures with exponential
// backoff before giving up.
func (s *Store) appendWithRetry(ctx context.Context, entry Entry) error {
	var lastErr error
	for attempt := 0; attempt < s.backoff.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := merrors.ComputeBackoff(merrors.BackoffParams{
				OperationID:  "audit.append",
				AttemptIndex: attempt,
				ContextHash:  entry.Hash,
			}, s.backoff)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return merrors.Wrap(merrors.StorageFailure, ctx.Err(), "audit: append canceled during backoff")
			}
		}
		lastErr = s.backend.Append(ctx, entry)
		if lastErr == nil {
			return nil
		}
	}
	return merrors.Wrap(merrors.StorageFailure, lastErr, "audit: append failed after %d attempts", s.backoff.MaxAttempts)
}

func (s *Store) computeHash(e Entry) (string, error) {
	return canonicalize.Hash(hashPayload{
		Seq:       e.Seq,
		WallTime:  e.WallTime.UnixNano(),
		Type:      string(e.Type),
		Actor:     e.Actor,
		Payload:   string(e.PayloadCanonical),
		PriorHash: e.PriorHash,
	})
}

// VerifyChain recomputes every entry's hash from from to to (inclusive)
// and checks prior_hash linkage, failing with TamperedAt(seq) at the
// first discrepancy.
func (s *Store) VerifyChain(ctx context.Context, from, to uint64) error {
	entries, err := s.backend.Range(ctx, from, to)
	if err != nil {
		return merrors.Wrap(merrors.StorageFailure, err, "audit: range read for verification")
	}

	expectedPrior := ZeroHash
	if from > 0 {
		prev, ok, err := s.backend.Get(ctx, from-1)
		if err != nil {
			return merrors.Wrap(merrors.StorageFailure, err, "audit: read predecessor entry")
		}
		if ok {
			expectedPrior = prev.Hash
		}
	}

	for _, e := range entries {
		if e.PriorHash != expectedPrior {
			return merrors.TamperedAt(e.Seq)
		}
		canon, err := canonicalize.JSON(e.Payload)
		if err != nil || !bytes.Equal(canon, e.PayloadCanonical) {
			return merrors.TamperedAt(e.Seq)
		}
		computed, err := s.computeHash(e)
		if err != nil {
			return merrors.Wrap(merrors.StorageFailure, err, "audit: recompute hash at seq %d", e.Seq)
		}
		if computed != e.Hash {
			return merrors.TamperedAt(e.Seq)
		}
		expectedPrior = e.Hash
	}
	return nil
}

// Query returns entries matching filter, ordered by seq, paginated by
// limit/offset.
func (s *Store) Query(ctx context.Context, filter Filter, limit, offset int) ([]Entry, error) {
	n, err := s.backend.Len(ctx)
	if err != nil {
		return nil, merrors.Wrap(merrors.StorageFailure, err, "audit: read backend length")
	}
	if n == 0 {
		return nil, nil
	}
	all, err := s.backend.Range(ctx, 0, n-1)
	if err != nil {
		return nil, merrors.Wrap(merrors.StorageFailure, err, "audit: range read for query")
	}

	var matched []Entry
	for _, e := range all {
		if filter.matches(e) {
			matched = append(matched, e)
		}
	}

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

// Len returns the number of entries in the log.
func (s *Store) Len(ctx context.Context) (uint64, error) {
	return s.backend.Len(ctx)
}

// Get returns the entry at seq.
func (s *Store) Get(ctx context.Context, seq uint64) (Entry, bool, error) {
	return s.backend.Get(ctx, seq)
}

// Root returns the current Merkle root over every appended entry.
func (s *Store) Root() string {
	s.leafMu.RLock()
	defer s.leafMu.RUnlock()
	return merkle.Build(s.leaves).Root()
}

// InclusionProof returns the proof that the entry at seq is included
// under the log's current root.
func (s *Store) InclusionProof(seq uint64) (merkle.InclusionProof, error) {
	s.leafMu.RLock()
	defer s.leafMu.RUnlock()

	if seq >= uint64(len(s.leaves)) {
		return merkle.InclusionProof{}, fmt.Errorf("audit: no entry at seq %d", seq)
	}
	proof, ok := merkle.Prove(s.leaves, int(seq))
	if !ok {
		return merkle.InclusionProof{}, fmt.Errorf("audit: failed to build proof for seq %d", seq)
	}
	return proof, nil
}

// VerifyInclusion reports whether entry's inclusion proof verifies
// against root.
func VerifyInclusion(entry Entry, proof merkle.InclusionProof, root string) bool {
	if proof.LeafHash != merkle.LeafHash(entry.Hash) {
		return false
	}
	return merkle.Verify(proof, root)
}
