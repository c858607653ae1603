// Package retrieval implements the knowledge-base Retriever interfaces named
// in SPEC_FULL.md §6: keyword (word-overlap ratio), vector (cosine over an
// embedding provider, backed by github.com/qdrant/go-client), and a hybrid
// retriever that fuses both by reciprocal rank fusion. The fusion formula is
// grounded on manifold/internal/rag/retrieve/fusion.go's FuseRRF, reimplemented
// locally rather than imported directly: that package's call chain reaches
// internal/persistence/databases, which imports a stale "intelligence.dev/..."
// module path left over from the teacher's own incomplete rename (see
// DESIGN.md) — new cluster code should not inherit that pre-existing defect.
package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/qdrant/go-client/qdrant"

	"manifold/internal/rag/embedder"
)

// RetrieveOptions configures one Retrieve call.
type RetrieveOptions struct {
	K         int
	Filter    map[string]string
	VectorWeight  float64
	KeywordWeight float64
	RRFK      int
}

// RetrievedChunk is one hit from a retriever.
type RetrievedChunk struct {
	ID       string
	Text     string
	Score    float64
	Metadata map[string]string
}

// Retriever is satisfied by every concrete retriever below.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]RetrievedChunk, error)
}

// Corpus is a read-only source of documents for KeywordRetriever.
type Corpus interface {
	Documents(ctx context.Context) ([]RetrievedChunk, error)
}

// KeywordRetriever scores documents by word-overlap ratio against the query.
type KeywordRetriever struct {
	corpus Corpus
}

// NewKeywordRetriever wraps a document source.
func NewKeywordRetriever(corpus Corpus) *KeywordRetriever {
	return &KeywordRetriever{corpus: corpus}
}

// Retrieve scores every document by |query words ∩ doc words| / |query words|
// and returns the top K, descending by score, ties broken by ID for
// determinism.
func (r *KeywordRetriever) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]RetrievedChunk, error) {
	docs, err := r.corpus.Documents(ctx)
	if err != nil {
		return nil, err
	}
	queryWords := wordSet(query)
	if len(queryWords) == 0 {
		return nil, nil
	}

	scored := make([]RetrievedChunk, 0, len(docs))
	for _, d := range docs {
		docWords := wordSet(d.Text)
		hits := 0
		for w := range queryWords {
			if _, ok := docWords[w]; ok {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		d.Score = float64(hits) / float64(len(queryWords))
		scored = append(scored, d)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})

	k := opts.K
	if k <= 0 || k > len(scored) {
		k = len(scored)
	}
	return scored[:k], nil
}

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[w] = struct{}{}
	}
	return out
}

// VectorRetriever performs cosine similarity search over a Qdrant collection,
// embedding the query with the given embedder. Grounded directly on
// internal/persistence/databases/qdrant_vector.go's connection and query
// shape.
type VectorRetriever struct {
	client     *qdrant.Client
	collection string
	embed      embedder.Embedder
}

// NewVectorRetriever connects to host:port and binds to collection.
func NewVectorRetriever(host string, port int, collection string, embed embedder.Embedder) (*VectorRetriever, error) {
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, err
	}
	return &VectorRetriever{client: client, collection: collection, embed: embed}, nil
}

// Retrieve embeds query and runs a similarity search, capped at opts.K
// (default 10).
func (r *VectorRetriever) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]RetrievedChunk, error) {
	vectors, err := r.embed.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, nil
	}

	k := opts.K
	if k <= 0 {
		k = 10
	}
	limit := uint64(k)

	var filter *qdrant.Filter
	if len(opts.Filter) > 0 {
		must := make([]*qdrant.Condition, 0, len(opts.Filter))
		for key, val := range opts.Filter {
			must = append(must, qdrant.NewMatch(key, val))
		}
		filter = &qdrant.Filter{Must: must}
	}

	hits, err := r.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: r.collection,
		Query:          qdrant.NewQueryDense(vectors[0]),
		Limit:          &limit,
		Filter:         filter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}

	out := make([]RetrievedChunk, 0, len(hits))
	for _, hit := range hits {
		metadata := make(map[string]string)
		var text string
		if hit.Payload != nil {
			for key, v := range hit.Payload {
				if key == "_text" {
					text = v.GetStringValue()
					continue
				}
				metadata[key] = v.GetStringValue()
			}
		}
		id := hit.Id.GetUuid()
		if id == "" {
			id = hit.Id.String()
		}
		out = append(out, RetrievedChunk{ID: id, Text: text, Score: float64(hit.Score), Metadata: metadata})
	}
	return out, nil
}

// HybridRetriever fuses a vector and a keyword retriever by reciprocal rank
// fusion, weight 0.6 vector / 0.4 keyword by default (spec.md §6).
type HybridRetriever struct {
	Vector  Retriever
	Keyword Retriever
}

// NewHybridRetriever composes the two given retrievers.
func NewHybridRetriever(vector, keyword Retriever) *HybridRetriever {
	return &HybridRetriever{Vector: vector, Keyword: keyword}
}

// Retrieve runs both retrievers concurrently-free (sequential: each call is
// already network-bound and independent; callers needing parallel fan-out
// can wrap this in their own goroutines) and fuses results by RRF.
func (h *HybridRetriever) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]RetrievedChunk, error) {
	vecWeight := opts.VectorWeight
	keyWeight := opts.KeywordWeight
	if vecWeight == 0 && keyWeight == 0 {
		vecWeight, keyWeight = 0.6, 0.4
	}
	rrfK := opts.RRFK
	if rrfK <= 0 {
		rrfK = 60
	}

	var vecResults, keyResults []RetrievedChunk
	if h.Vector != nil {
		r, err := h.Vector.Retrieve(ctx, query, opts)
		if err == nil {
			vecResults = r
		}
	}
	if h.Keyword != nil {
		r, err := h.Keyword.Retrieve(ctx, query, opts)
		if err == nil {
			keyResults = r
		}
	}

	vecRank := make(map[string]int, len(vecResults))
	for i, r := range vecResults {
		vecRank[r.ID] = i + 1
	}
	keyRank := make(map[string]int, len(keyResults))
	for i, r := range keyResults {
		keyRank[r.ID] = i + 1
	}

	byID := make(map[string]RetrievedChunk)
	for _, r := range vecResults {
		byID[r.ID] = r
	}
	for _, r := range keyResults {
		if _, ok := byID[r.ID]; !ok {
			byID[r.ID] = r
		}
	}

	fused := make([]RetrievedChunk, 0, len(byID))
	for id, chunk := range byID {
		score := 0.0
		if rank, ok := vecRank[id]; ok {
			score += vecWeight / float64(rrfK+rank)
		}
		if rank, ok := keyRank[id]; ok {
			score += keyWeight / float64(rrfK+rank)
		}
		chunk.Score = score
		fused = append(fused, chunk)
	}

	sort.SliceStable(fused, func(i, j int) bool {
		if !almostEqual(fused[i].Score, fused[j].Score) {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].ID < fused[j].ID
	})

	k := opts.K
	if k <= 0 || k > len(fused) {
		k = len(fused)
	}
	return fused[:k], nil
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-12 }
