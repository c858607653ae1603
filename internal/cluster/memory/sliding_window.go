// Package memory implements the three-layer memory hierarchy: L1 sliding
// window, L2 working memory, L3 persistent store, and the Manager that
// cascades evictions between them. Grounded directly on
// original_source/loom/memory/sliding_window.py, working_memory.py,
// persistent_store.py and manager.go.
package memory

import (
	"manifold/internal/cluster/tokens"
	"manifold/internal/cluster/types"
)

type windowEntry struct {
	msg    types.Message
	tokens int
}

// SlidingWindow (L1) holds recent messages in original form. FIFO eviction
// once the token budget is exceeded.
type SlidingWindow struct {
	TokenBudget    int
	currentTokens  int
	messages       []windowEntry
}

// NewSlidingWindow returns an L1 layer with the given token budget.
func NewSlidingWindow(tokenBudget int) *SlidingWindow {
	if tokenBudget <= 0 {
		tokenBudget = 8000
	}
	return &SlidingWindow{TokenBudget: tokenBudget}
}

// Add appends msg and returns any messages evicted from the front to stay
// within budget. At least one message is always retained.
func (w *SlidingWindow) Add(msg types.Message) []types.Message {
	t := tokens.Estimate(msg.Content)
	w.messages = append(w.messages, windowEntry{msg: msg, tokens: t})
	w.currentTokens += t

	var evicted []types.Message
	for w.currentTokens > w.TokenBudget && len(w.messages) > 1 {
		old := w.messages[0]
		w.messages = w.messages[1:]
		w.currentTokens -= old.tokens
		evicted = append(evicted, old.msg)
	}
	return evicted
}

// Messages returns the current window contents in insertion order.
func (w *SlidingWindow) Messages() []types.Message {
	out := make([]types.Message, len(w.messages))
	for i, e := range w.messages {
		out[i] = e.msg
	}
	return out
}

// Clear empties the window.
func (w *SlidingWindow) Clear() {
	w.messages = nil
	w.currentTokens = 0
}
