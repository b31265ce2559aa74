package revocation

import (
	"context"
	"sync"
	"time"
)

const sweepInterval = time.Minute

type memoryEntry struct {
	value   string
	expires time.Time
}

// MemoryBackend is a single-process backend for tests and local runs.
// Expired entries are dropped lazily on read and swept on write at most once
// per sweepInterval.
type MemoryBackend struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	now       func() time.Time
	lastSweep time.Time
}

func NewMemory(now func() time.Time) *MemoryBackend {
	if now == nil {
		now = time.Now
	}
	return &MemoryBackend{entries: make(map[string]memoryEntry), now: now, lastSweep: now()}
}

func (b *MemoryBackend) Set(_ context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	if now.Sub(b.lastSweep) >= sweepInterval {
		b.sweep(now)
	}
	b.entries[key] = memoryEntry{value: value, expires: now.Add(ttl)}
	return nil
}

func (b *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[key]
	if !ok {
		return "", false, nil
	}
	if !b.now().Before(entry.expires) {
		delete(b.entries, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

// Len reports the number of stored entries, expired ones included.
func (b *MemoryBackend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *MemoryBackend) sweep(now time.Time) {
	for key, entry := range b.entries {
		if !now.Before(entry.expires) {
			delete(b.entries, key)
		}
	}
	b.lastSweep = now
}
