package memory

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"manifold/internal/cluster/tokens"
	"manifold/internal/cluster/types"
)

// BasePromotionImportance is the importance assigned to an L1 message when it
// is promoted into L2, per spec.md §4.2.
const BasePromotionImportance = 0.3

func nextEntryID() string {
	return uuid.NewString()
}

// Manager composes L1 -> L2 -> L3 as a cascade: every L1 eviction is
// promoted to an L2 entry; every L2 eviction is promoted to L3.
type Manager struct {
	L1 *SlidingWindow
	L2 *WorkingMemory
	L3 PersistentStore

	// PromotionImportance is the base importance assigned to L1->L2
	// promotions; configurable, defaults to BasePromotionImportance.
	PromotionImportance float64
}

// NewManager wires the three layers together with the given per-layer token
// budgets. A budget of 0 uses that layer's default.
func NewManager(l1Budget, l2Budget int) *Manager {
	return &Manager{
		L1:                  NewSlidingWindow(l1Budget),
		L2:                  NewWorkingMemory(l2Budget),
		L3:                  NewPersistentStore(),
		PromotionImportance: BasePromotionImportance,
	}
}

// AddMessage feeds msg into L1, cascading any evictions down through L2
// into L3. A promoted entry's token count is recomputed at the new layer,
// never trusted across layer boundaries.
func (m *Manager) AddMessage(msg types.Message) {
	evicted := m.L1.Add(msg)
	for _, old := range evicted {
		content := old.Content
		entry := &types.MemoryEntry{
			ID:         nextEntryID(),
			Content:    content,
			Importance: m.importanceBase(),
			Metadata:   map[string]string{"role": old.Role},
			CreatedAt:  time.Now(),
		}
		entry.Tokens = tokens.Estimate(entry.Content)
		l2Evicted := m.L2.Store(entry)
		for _, victim := range l2Evicted {
			m.L3.Store(victim)
		}
	}
}

func (m *Manager) importanceBase() float64 {
	if m.PromotionImportance > 0 {
		return m.PromotionImportance
	}
	return BasePromotionImportance
}

// History returns the L1 transcript verbatim.
func (m *Manager) History() []types.Message {
	return m.L1.Messages()
}

// ExtractFor gathers every L2 entry (L2 does not filter by query) plus up to
// 10 L3 entries (ranked by keyword match with query, or the most recent when
// query is empty), sorts them by importance descending, and returns as many
// as fit under budget.
func (m *Manager) ExtractFor(query string, budget int) []*types.MemoryEntry {
	l2 := m.L2.Retrieve(query, 0)
	l3 := m.L3.Retrieve(query, 0)
	combined := make([]*types.MemoryEntry, 0, len(l2)+len(l3))
	combined = append(combined, l2...)
	combined = append(combined, l3...)

	sortByImportanceDesc(combined)

	var total int
	var result []*types.MemoryEntry
	for _, e := range combined {
		if total+e.Tokens > budget {
			continue
		}
		result = append(result, e)
		total += e.Tokens
	}
	return result
}

func sortByImportanceDesc(entries []*types.MemoryEntry) {
	// insertion sort is fine here: N is bounded by L2's budget-limited size
	// plus whatever L3 returns (itself capped by its own retrieve limit).
	for i := 1; i < len(entries); i++ {
		j := i
		for j > 0 && entries[j-1].Importance < entries[j].Importance {
			entries[j-1], entries[j] = entries[j], entries[j-1]
			j--
		}
	}
}

// Persist writes entries directly into L3, bypassing L1/L2.
func (m *Manager) Persist(entries []*types.MemoryEntry) {
	for _, e := range entries {
		m.L3.Store(e)
	}
}

// BuildContext reserves room for the most recent L1 messages as a verbatim
// transcript, then fills the remainder of budget with ExtractFor.
func (m *Manager) BuildContext(query string, budget int) string {
	history := m.L1.Messages()
	if len(history) > 10 {
		history = history[len(history)-10:]
	}
	var historyLines []string
	for _, h := range history {
		historyLines = append(historyLines, h.Role+": "+h.Content)
	}
	historyText := strings.Join(historyLines, "\n")
	historyTokens := tokens.Estimate(historyText)

	remaining := budget - historyTokens
	if remaining < 0 {
		remaining = 0
	}
	entries := m.ExtractFor(query, remaining)
	var memoryLines []string
	for _, e := range entries {
		memoryLines = append(memoryLines, e.Content)
	}
	memoryText := strings.Join(memoryLines, "\n")

	var parts []string
	if historyText != "" {
		parts = append(parts, historyText)
	}
	if memoryText != "" {
		parts = append(parts, memoryText)
	}
	return strings.Join(parts, "\n---\n")
}

// Absorb writes external entries into L2 with importance bumped by boost
// (capped at 1.0), cascading any evictions into L3. Used for parent->child
// context seeding (mitosis) and skill/knowledge ingestion.
func (m *Manager) Absorb(entries []*types.MemoryEntry, boost float64) {
	for _, e := range entries {
		e.Importance = minFloat(1.0, e.Importance+boost)
		l2Evicted := m.L2.Store(e)
		for _, victim := range l2Evicted {
			m.L3.Store(victim)
		}
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
