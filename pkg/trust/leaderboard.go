package trust

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// LeaderboardEntry is one ranked agent.
type LeaderboardEntry struct {
	Rank      int       `json:"rank"`
	DID       string    `json:"did"`
	Composite int       `json:"composite"`
	Tier      Tier      `json:"tier"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Leaderboard is a deterministic, point-in-time ranking of every agent
// with recorded trust state, highest composite first, ties broken by
// DID for a stable total order.
type Leaderboard struct {
	ComputedAt time.Time          `json:"computed_at"`
	Entries    []LeaderboardEntry `json:"entries"`
}

// Leaderboard builds a fresh ranking from the engine's current state.
func (e *Engine) Leaderboard() *Leaderboard {
	now := e.cfg.Now()
	dids := e.AllDIDs()

	entries := make([]LeaderboardEntry, 0, len(dids))
	for _, did := range dids {
		score, ok := e.Get(did)
		if !ok {
			continue
		}
		entries = append(entries, LeaderboardEntry{
			DID:       did,
			Composite: score.Composite,
			Tier:      score.Tier,
			UpdatedAt: score.ComputedAt,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Composite != entries[j].Composite {
			return entries[i].Composite > entries[j].Composite
		}
		return entries[i].DID < entries[j].DID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}

	return &Leaderboard{ComputedAt: now, Entries: entries}
}

// TopN returns the first n entries, or fewer if the leaderboard is
// smaller.
func (l *Leaderboard) TopN(n int) []LeaderboardEntry {
	if n > len(l.Entries) {
		n = len(l.Entries)
	}
	out := make([]LeaderboardEntry, n)
	copy(out, l.Entries[:n])
	return out
}

// ByTier returns every entry at the given tier, in rank order.
func (l *Leaderboard) ByTier(tier Tier) []LeaderboardEntry {
	var out []LeaderboardEntry
	for _, e := range l.Entries {
		if e.Tier == tier {
			out = append(out, e)
		}
	}
	return out
}

// Hash returns a deterministic fingerprint of the ranking, suitable for
// detecting whether two leaderboard snapshots differ.
func (l *Leaderboard) Hash() string {
	type rankedDID struct {
		Rank      int    `json:"rank"`
		DID       string `json:"did"`
		Composite int    `json:"composite"`
	}
	rows := make([]rankedDID, len(l.Entries))
	for i, e := range l.Entries {
		rows[i] = rankedDID{Rank: e.Rank, DID: e.DID, Composite: e.Composite}
	}
	data, _ := json.Marshal(rows)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
