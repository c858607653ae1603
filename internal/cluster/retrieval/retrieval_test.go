package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeCorpus struct{ docs []RetrievedChunk }

func (c *fakeCorpus) Documents(ctx context.Context) ([]RetrievedChunk, error) { return c.docs, nil }

func TestKeywordRetrieverScoresByWordOverlapRatio(t *testing.T) {
	corpus := &fakeCorpus{docs: []RetrievedChunk{
		{ID: "a", Text: "the quick brown fox"},
		{ID: "b", Text: "quick brown dog jumps"},
		{ID: "c", Text: "totally unrelated text"},
	}}
	r := NewKeywordRetriever(corpus)

	results, err := r.Retrieve(context.Background(), "quick brown fox", RetrieveOptions{K: 10})

	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "a", results[0].ID)
	require.InDelta(t, 1.0, results[0].Score, 1e-9)
	require.Equal(t, "b", results[1].ID)
	require.InDelta(t, 2.0/3.0, results[1].Score, 1e-9)
}

type fakeRetriever struct {
	results []RetrievedChunk
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]RetrievedChunk, error) {
	return f.results, nil
}

func TestHybridRetrieverFusesWithDefaultWeights(t *testing.T) {
	vec := &fakeRetriever{results: []RetrievedChunk{{ID: "x", Text: "vec-only"}, {ID: "shared", Text: "shared"}}}
	key := &fakeRetriever{results: []RetrievedChunk{{ID: "shared", Text: "shared"}, {ID: "y", Text: "key-only"}}}
	h := NewHybridRetriever(vec, key)

	results, err := h.Retrieve(context.Background(), "q", RetrieveOptions{K: 10})

	require.NoError(t, err)
	require.Len(t, results, 3)
	// "shared" appears in both lists (second for vector, first for keyword),
	// so its summed RRF score beats x and y, which each appear in only one.
	require.Equal(t, "shared", results[0].ID)
}

func TestHybridRetrieverTopsOutAtK(t *testing.T) {
	vec := &fakeRetriever{results: []RetrievedChunk{{ID: "a"}, {ID: "b"}, {ID: "c"}}}
	key := &fakeRetriever{}
	h := NewHybridRetriever(vec, key)

	results, err := h.Retrieve(context.Background(), "q", RetrieveOptions{K: 2})

	require.NoError(t, err)
	require.Len(t, results, 2)
}
