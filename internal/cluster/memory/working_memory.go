package memory

import (
	"sort"

	"manifold/internal/cluster/types"
)

// WorkingMemory (L2) holds importance-scored entries. When the token budget
// is exceeded, the lowest-importance entry is evicted first.
type WorkingMemory struct {
	TokenBudget   int
	currentTokens int
	entries       []*types.MemoryEntry
}

// NewWorkingMemory returns an L2 layer with the given token budget.
func NewWorkingMemory(tokenBudget int) *WorkingMemory {
	if tokenBudget <= 0 {
		tokenBudget = 4000
	}
	return &WorkingMemory{TokenBudget: tokenBudget}
}

// Store appends entry and returns any entries evicted (lowest importance
// first) to stay within budget.
func (w *WorkingMemory) Store(entry *types.MemoryEntry) []*types.MemoryEntry {
	w.entries = append(w.entries, entry)
	w.currentTokens += entry.Tokens

	var evicted []*types.MemoryEntry
	for w.currentTokens > w.TokenBudget && len(w.entries) > 0 {
		sort.SliceStable(w.entries, func(i, j int) bool { return w.entries[i].Importance < w.entries[j].Importance })
		victim := w.entries[0]
		w.entries = w.entries[1:]
		w.currentTokens -= victim.Tokens
		evicted = append(evicted, victim)
	}
	return evicted
}

// Retrieve returns up to limit entries sorted by importance descending.
func (w *WorkingMemory) Retrieve(query string, limit int) []*types.MemoryEntry {
	ranked := make([]*types.MemoryEntry, len(w.entries))
	copy(ranked, w.entries)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Importance > ranked[j].Importance })
	if limit <= 0 || limit > len(ranked) {
		limit = len(ranked)
	}
	return ranked[:limit]
}
