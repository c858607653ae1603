// Package tokens provides the cluster-wide token estimator. It delegates to
// manifold/internal/llm's char-ratio estimator rather than reimplementing it,
// so every component that needs a token count (memory, context budgets,
// reward efficiency) agrees on the same heuristic.
package tokens

import (
	"manifold/internal/cluster/types"
	"manifold/internal/llm"
)

// Estimate returns the estimated token count of s.
func Estimate(s string) int {
	return llm.EstimateTokens(s)
}

// EstimateMessages sums the estimate across a message slice.
func EstimateMessages(msgs []types.Message) int {
	return llm.EstimateTokensForMessages(msgs)
}

// EstimateEntry estimates a memory entry's content; entries should recompute
// their own token count at each layer rather than trust a prior layer's count.
func EstimateEntry(e *types.MemoryEntry) int {
	return Estimate(e.Content)
}
