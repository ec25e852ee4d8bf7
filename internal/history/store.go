package history

import (
	"context"
	"sort"
	"sync"
)

// Store is the persistence collaborator the sync engine works against.
// Merge and ApplyDelete return only the records that actually changed the
// stored state, so the engine re-broadcasts exactly what was new to it.
type Store interface {
	// Append records a locally captured entry.
	Append(ctx context.Context, entry Entry) error

	// List returns all live (non-tombstoned) entries.
	List(ctx context.Context) ([]Entry, error)

	// Merge applies remote entries with last-write-wins resolution and
	// returns the subset that changed local state.
	Merge(ctx context.Context, entries []Entry) ([]Entry, error)

	// ApplyDelete applies a tombstone; reports whether it changed state.
	ApplyDelete(ctx context.Context, tombstone Tombstone) (bool, error)

	// MarkSynced flags entries as having been shared with at least one peer.
	MarkSynced(ctx context.Context, keys []string) error
}

// MemoryStore is the in-process Store. It also serves as the reference
// implementation of the merge semantics for tests.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    map[string]Entry
	tombstones map[string]Tombstone
	synced     map[string]bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:    make(map[string]Entry),
		tombstones: make(map[string]Tombstone),
		synced:     make(map[string]bool),
	}
}

func (s *MemoryStore) Append(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(entry)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].VisitTime != entries[j].VisitTime {
			return entries[i].VisitTime < entries[j].VisitTime
		}
		return entries[i].Key() < entries[j].Key()
	})
	return entries, nil
}

func (s *MemoryStore) Merge(_ context.Context, entries []Entry) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var applied []Entry
	for _, entry := range entries {
		if s.applyLocked(entry) {
			applied = append(applied, entry)
		}
	}
	return applied, nil
}

// applyLocked merges a single entry, returning whether it changed state.
// A tombstone with a timestamp at or after the entry's VisitTime keeps the
// entry dead; a strictly newer visit resurrects the URL as a new record.
func (s *MemoryStore) applyLocked(entry Entry) bool {
	key := entry.Key()
	if tombstone, ok := s.tombstones[key]; ok {
		if entry.VisitTime <= tombstone.Timestamp {
			return false
		}
		delete(s.tombstones, key)
	}
	if current, ok := s.entries[key]; ok && !entry.NewerThan(current) {
		return false
	}
	s.entries[key] = entry
	return true
}

func (s *MemoryStore) ApplyDelete(_ context.Context, tombstone Tombstone) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tombstone.Key()
	if existing, ok := s.tombstones[key]; ok && existing.Timestamp >= tombstone.Timestamp {
		return false, nil
	}
	if current, ok := s.entries[key]; ok {
		if current.VisitTime > tombstone.Timestamp {
			// The stored visit postdates the delete; the delete loses.
			return false, nil
		}
		delete(s.entries, key)
		delete(s.synced, key)
	}
	s.tombstones[key] = tombstone
	return true, nil
}

func (s *MemoryStore) MarkSynced(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		if _, ok := s.entries[key]; ok {
			s.synced[key] = true
		}
	}
	return nil
}

// Unsynced returns entries not yet shared with any peer.
func (s *MemoryStore) Unsynced() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []Entry
	for key, entry := range s.entries {
		if !s.synced[key] {
			entries = append(entries, entry)
		}
	}
	return entries
}
