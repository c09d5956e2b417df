package storage

import (
	"context"
	"sync"
)

// MemoryStore keeps the last saved snapshot in process memory.
// It is safe for concurrent use by multiple goroutines.
//
// Nothing survives a restart; use it for tests and dry runs, and FileStore,
// RedisStore or PostgresStore when the cache must outlive the process.
type MemoryStore struct {
	mu    sync.RWMutex
	snap  Snapshot
	saved bool
	saves int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save replaces the stored snapshot with a deep copy of snap.
func (s *MemoryStore) Save(ctx context.Context, snap Snapshot) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	cp := copySnapshot(snap)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = cp
	s.saved = true
	s.saves++
	return nil
}

// Load returns a copy of the stored snapshot.
func (s *MemoryStore) Load(ctx context.Context) (Snapshot, bool, error) {
	select {
	case <-ctx.Done():
		return Snapshot{}, false, ctx.Err()
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.saved {
		return Snapshot{}, false, nil
	}
	return copySnapshot(s.snap), true, nil
}

// Saves returns how many times Save succeeded.
// This method is primarily useful for testing.
func (s *MemoryStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

func copySnapshot(snap Snapshot) Snapshot {
	cp := Snapshot{
		SavedAt: snap.SavedAt,
		Records: make([]Record, len(snap.Records)),
	}
	for i, r := range snap.Records {
		r.Prediction = append([]float64(nil), r.Prediction...)
		cp.Records[i] = r
	}
	return cp
}
