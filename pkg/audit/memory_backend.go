package audit

import (
	"context"
	"sync"
)

// MemoryBackend is the default in-process Backend.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Append(_ context.Context, entry Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry)
	return nil
}

func (b *MemoryBackend) Tail(_ context.Context) (Entry, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.entries) == 0 {
		return Entry{}, false, nil
	}
	return b.entries[len(b.entries)-1], true, nil
}

func (b *MemoryBackend) Get(_ context.Context, seq uint64) (Entry, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if seq >= uint64(len(b.entries)) {
		return Entry{}, false, nil
	}
	return b.entries[seq], true, nil
}

func (b *MemoryBackend) Range(_ context.Context, from, to uint64) ([]Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.entries) == 0 {
		return nil, nil
	}
	if to >= uint64(len(b.entries)) {
		to = uint64(len(b.entries)) - 1
	}
	if from > to {
		return nil, nil
	}
	out := make([]Entry, to-from+1)
	copy(out, b.entries[from:to+1])
	return out, nil
}

func (b *MemoryBackend) Len(_ context.Context) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return uint64(len(b.entries)), nil
}
