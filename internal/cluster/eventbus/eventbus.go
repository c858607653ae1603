// Package eventbus implements a typed pub/sub bus with pattern matching and
// parent->child propagation. Grounded on original_source's
// loom/events/bus.py: delivery order is exact-type handlers, then wildcard
// handlers, then prefix-pattern handlers, then the parent bus. A handler's
// panic or error is logged and never aborts the other handlers or the emit
// call.
package eventbus

import (
	"context"
	"strings"
	"sync"

	"manifold/internal/cluster/types"
	"manifold/internal/observability"
)

// Handler processes one event. Handlers must be re-entrant: the same handler
// may be invoked concurrently from different emit calls.
type Handler func(ctx context.Context, ev types.Event)

// Bus is an event bus, optionally a child of a parent bus.
type Bus struct {
	mu       sync.RWMutex
	nodeID   string
	parent   *Bus
	handlers map[types.EventType][]Handler
	patterns map[string][]Handler
	wildcard []Handler
}

// New returns a root bus with no parent.
func New(nodeID string) *Bus {
	return &Bus{
		nodeID:   nodeID,
		handlers: make(map[types.EventType][]Handler),
		patterns: make(map[string][]Handler),
	}
}

// CreateChild returns a new bus whose emits also propagate to this bus.
func (b *Bus) CreateChild(nodeID string) *Bus {
	child := New(nodeID)
	child.parent = b
	return child
}

// On subscribes handler to the exact event type.
func (b *Bus) On(t types.EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// OnPattern subscribes handler to a "prefix:*" style pattern.
func (b *Bus) OnPattern(pattern string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.patterns[pattern] = append(b.patterns[pattern], h)
}

// OnAll subscribes a wildcard handler, invoked for every event type.
func (b *Bus) OnAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, h)
}

func (b *Bus) emitExactAndWildcard(ctx context.Context, ev types.Event) {
	b.mu.RLock()
	exact := append([]Handler{}, b.handlers[ev.Type]...)
	wild := append([]Handler{}, b.wildcard...)
	b.mu.RUnlock()

	for _, h := range append(exact, wild...) {
		b.safeInvoke(ctx, h, ev)
	}
}

func (b *Bus) emitPatterns(ctx context.Context, ev types.Event) {
	b.mu.RLock()
	type entry struct {
		pattern string
		hs      []Handler
	}
	var matches []entry
	for pat, hs := range b.patterns {
		if !strings.HasSuffix(pat, ":*") {
			continue
		}
		prefix := strings.TrimSuffix(pat, "*")
		if strings.HasPrefix(string(ev.Type), prefix) {
			matches = append(matches, entry{pattern: pat, hs: append([]Handler{}, hs...)})
		}
	}
	b.mu.RUnlock()

	for _, m := range matches {
		for _, h := range m.hs {
			b.safeInvoke(ctx, h, ev)
		}
	}
}

func (b *Bus) safeInvoke(ctx context.Context, h Handler, ev types.Event) {
	defer func() {
		if r := recover(); r != nil {
			observability.LoggerWithTrace(ctx).Error().
				Str("event_type", string(ev.Type)).
				Interface("panic", r).
				Msg("event handler panicked")
		}
	}()
	h(ctx, ev)
}

// Emit delivers ev to this bus's subscribers in order (exact, wildcard,
// pattern) and then propagates to the parent bus, if any.
func (b *Bus) Emit(ctx context.Context, ev types.Event) {
	b.emitExactAndWildcard(ctx, ev)
	b.emitPatterns(ctx, ev)
	if b.parent != nil {
		b.parent.Emit(ctx, ev)
	}
}
