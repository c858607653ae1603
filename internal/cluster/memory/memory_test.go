package memory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"manifold/internal/cluster/tokens"
	"manifold/internal/cluster/types"
)

func TestSlidingWindowFIFOEviction(t *testing.T) {
	w := NewSlidingWindow(10)
	// each message is 54 chars -> len(runes)/4+1 = 14 tokens, over the budget of 10 on its own
	for i := 0; i < 20; i++ {
		w.Add(types.Message{Role: "user", Content: "hello world this is a longer message to push tokens up"})
	}
	require.LessOrEqual(t, len(w.Messages()), 20)
	require.GreaterOrEqual(t, len(w.Messages()), 1, "at least one message must always remain")
}

func TestWorkingMemoryEvictsLowestImportanceFirst(t *testing.T) {
	l2 := NewWorkingMemory(50)
	l2.Store(&types.MemoryEntry{ID: "a", Content: "a", Tokens: 20, Importance: 0.9})
	l2.Store(&types.MemoryEntry{ID: "b", Content: "b", Tokens: 20, Importance: 0.1})

	evicted := l2.Store(&types.MemoryEntry{ID: "c", Content: "c", Tokens: 20, Importance: 0.5})

	require.Len(t, evicted, 1)
	require.Equal(t, "b", evicted[0].ID)
}

func TestPersistentStoreKeywordRetrieve(t *testing.T) {
	l3 := NewPersistentStore()
	l3.Store(&types.MemoryEntry{ID: "1", Content: "Python programming language"})
	l3.Store(&types.MemoryEntry{ID: "2", Content: "Java enterprise framework"})
	l3.Store(&types.MemoryEntry{ID: "3", Content: "Python data science tutorial"})

	results := l3.Retrieve("python programming", 10)
	require.NotEmpty(t, results)
	require.Equal(t, "1", results[0].ID)
}

func TestManagerCascadeNeverLosesEvictions(t *testing.T) {
	m := NewManager(10, 200)
	for i := 0; i < 20; i++ {
		m.AddMessage(types.Message{Role: "user", Content: "this message is long enough to cost several tokens of budget"})
	}

	l2Entries := m.L2.Retrieve("", 0)
	l3Entries := m.L3.Retrieve("", 0)
	require.True(t, len(l2Entries) > 0 || len(l3Entries) > 0, "some evictions must have been promoted to L2 or L3")
}

func TestManagerBuildContextRespectsBudget(t *testing.T) {
	m := NewManager(1000, 1000)
	m.AddMessage(types.Message{Role: "user", Content: "hello"})
	ctx := m.BuildContext("hello", 100)
	require.NotEmpty(t, ctx)
	require.LessOrEqual(t, tokens.Estimate(ctx), 100)
}
