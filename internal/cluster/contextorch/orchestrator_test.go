package contextorch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"manifold/internal/cluster/types"
)

type fakeProvider struct {
	source types.ContextSource
	frags  []types.ContextFragment
	err    error
}

func (f *fakeProvider) Source() types.ContextSource { return f.source }
func (f *fakeProvider) Provide(ctx context.Context, query string, subBudget int) ([]types.ContextFragment, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.frags, nil
}

func TestGatherNeverExceedsBudget(t *testing.T) {
	o := New(10000)
	o.Register(&fakeProvider{source: types.SourceMemory, frags: []types.ContextFragment{
		{Source: types.SourceMemory, Content: "a", Tokens: 50, Relevance: 0.9},
		{Source: types.SourceMemory, Content: "b", Tokens: 60, Relevance: 0.8},
	}})
	o.Register(&fakeProvider{source: types.SourceKnowledge, frags: []types.ContextFragment{
		{Source: types.SourceKnowledge, Content: "c", Tokens: 70, Relevance: 0.95},
	}})

	selected := o.Gather(context.Background(), "q", 100)

	total := 0
	for _, f := range selected {
		total += f.Tokens
	}
	require.LessOrEqual(t, total, 100)
}

func TestGatherIsolatesProviderErrors(t *testing.T) {
	o := New(10000)
	o.Register(&fakeProvider{source: types.SourceKnowledge, err: errors.New("boom")})
	o.Register(&fakeProvider{source: types.SourceMemory, frags: []types.ContextFragment{
		{Source: types.SourceMemory, Content: "ok", Tokens: 10, Relevance: 0.5},
	}})

	selected := o.Gather(context.Background(), "q", 1000)
	require.Len(t, selected, 1)
}
