package memory

import (
	"sort"
	"strings"

	"manifold/internal/cluster/types"
)

// PersistentStore (L3) is the long-term, keyword-indexed store. Another
// backend can be substituted behind the same interface; the in-memory one
// below is the only implementation in this module.
type PersistentStore interface {
	Store(entry *types.MemoryEntry)
	Retrieve(query string, limit int) []*types.MemoryEntry
}

type inMemoryStore struct {
	entries map[string]*types.MemoryEntry
	order   []string
}

// NewPersistentStore returns the default in-memory L3 implementation.
func NewPersistentStore() PersistentStore {
	return &inMemoryStore{entries: make(map[string]*types.MemoryEntry)}
}

func (s *inMemoryStore) Store(entry *types.MemoryEntry) {
	if _, exists := s.entries[entry.ID]; !exists {
		s.order = append(s.order, entry.ID)
	}
	s.entries[entry.ID] = entry
}

// Retrieve returns the most recent entries when query is empty, or entries
// ranked by count of lowercased query words present in their content.
func (s *inMemoryStore) Retrieve(query string, limit int) []*types.MemoryEntry {
	if limit <= 0 {
		limit = 10
	}
	if strings.TrimSpace(query) == "" {
		ordered := make([]*types.MemoryEntry, 0, len(s.entries))
		for _, id := range s.order {
			ordered = append(ordered, s.entries[id])
		}
		sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].CreatedAt.After(ordered[j].CreatedAt) })
		if limit > len(ordered) {
			limit = len(ordered)
		}
		return ordered[:limit]
	}

	words := strings.Fields(strings.ToLower(query))
	type scored struct {
		entry *types.MemoryEntry
		hits  int
	}
	var candidates []scored
	for _, id := range s.order {
		e := s.entries[id]
		content := strings.ToLower(e.Content)
		hits := 0
		for _, w := range words {
			if strings.Contains(content, w) {
				hits++
			}
		}
		if hits > 0 {
			candidates = append(candidates, scored{entry: e, hits: hits})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].hits > candidates[j].hits })
	if limit > len(candidates) {
		limit = len(candidates)
	}
	out := make([]*types.MemoryEntry, limit)
	for i := 0; i < limit; i++ {
		out[i] = candidates[i].entry
	}
	return out
}
