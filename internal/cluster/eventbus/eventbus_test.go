package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"manifold/internal/cluster/types"
)

func TestEmitOrderExactWildcardPattern(t *testing.T) {
	b := New("root")
	var order []string

	b.On(types.EventType("done:final"), func(ctx context.Context, ev types.Event) { order = append(order, "exact") })
	b.OnAll(func(ctx context.Context, ev types.Event) { order = append(order, "wildcard") })
	b.OnPattern("tool_call:*", func(ctx context.Context, ev types.Event) { order = append(order, "should-not-fire") })
	b.OnPattern("done:*", func(ctx context.Context, ev types.Event) { order = append(order, "pattern") })

	b.Emit(context.Background(), types.Event{Type: types.EventType("done:final")})

	require.Equal(t, []string{"exact", "wildcard", "pattern"}, order)
}

func TestEmitPropagatesToParent(t *testing.T) {
	parent := New("parent")
	child := parent.CreateChild("child")

	var gotOnParent bool
	parent.OnAll(func(ctx context.Context, ev types.Event) { gotOnParent = true })

	child.Emit(context.Background(), types.Event{Type: types.EventTextDelta})

	require.True(t, gotOnParent)
}

func TestHandlerPanicDoesNotAbortOthers(t *testing.T) {
	b := New("root")
	var secondCalled bool

	b.OnAll(func(ctx context.Context, ev types.Event) { panic("boom") })
	b.OnAll(func(ctx context.Context, ev types.Event) { secondCalled = true })

	require.NotPanics(t, func() {
		b.Emit(context.Background(), types.Event{Type: types.EventError})
	})
	require.True(t, secondCalled)
}

func TestPatternPrefixMatch(t *testing.T) {
	b := New("root")
	var fired int
	b.OnPattern("tool:*", func(ctx context.Context, ev types.Event) { fired++ })

	b.Emit(context.Background(), types.Event{Type: "tool:call"})
	b.Emit(context.Background(), types.Event{Type: "other:call"})

	require.Equal(t, 1, fired)
}
