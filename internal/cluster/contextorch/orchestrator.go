// Package contextorch assembles context within a hard token budget by
// fanning out to registered providers and adaptively reweighting them by
// EMA over per-fragment relevance. Grounded directly on
// original_source/loom/context/orchestrator.py.
package contextorch

import (
	"context"
	"sort"
	"sync"

	"manifold/internal/cluster/types"
	"manifold/internal/observability"
)

// Provider produces context fragments for a query under a sub-budget.
type Provider interface {
	Source() types.ContextSource
	Provide(ctx context.Context, query string, subBudget int) ([]types.ContextFragment, error)
}

// Orchestrator gathers fragments from N providers under a token budget with
// EMA-adaptive proportional allocation.
type Orchestrator struct {
	mu                sync.Mutex
	providers         []Provider
	scores            map[types.ContextSource]float64
	alpha             float64
	contextWindow     int
	outputReserveRatio float64
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithAdaptiveAlpha overrides the EMA mixing factor (default 0.3).
func WithAdaptiveAlpha(alpha float64) Option {
	return func(o *Orchestrator) { o.alpha = alpha }
}

// WithOutputReserveRatio overrides the reserved-output fraction (default 0.25).
func WithOutputReserveRatio(r float64) Option {
	return func(o *Orchestrator) { o.outputReserveRatio = r }
}

// New returns an orchestrator for the given context window size.
func New(contextWindow int, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		scores:             make(map[types.ContextSource]float64),
		alpha:              0.3,
		contextWindow:      contextWindow,
		outputReserveRatio: 0.25,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Register adds a provider, initializing its adaptive score to 1.0 if unseen.
func (o *Orchestrator) Register(p Provider) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.providers = append(o.providers, p)
	if _, ok := o.scores[p.Source()]; !ok {
		o.scores[p.Source()] = 1.0
	}
}

type providerResult struct {
	source types.ContextSource
	frags  []types.ContextFragment
}

// Gather asks every provider for fragments under a proportional sub-budget,
// then greedily fills the overall budget with the highest-relevance
// fragments first. The returned list never exceeds budget tokens. Provider
// exceptions are isolated: they are treated as "no fragments this round."
func (o *Orchestrator) Gather(ctx context.Context, query string, budget int) []types.ContextFragment {
	o.mu.Lock()
	providers := append([]Provider{}, o.providers...)
	totalScore := 0.0
	for _, p := range providers {
		totalScore += o.scoreFor(p.Source())
	}
	if totalScore <= 0 {
		totalScore = 1
	}
	subBudgets := make(map[types.ContextSource]int, len(providers))
	for _, p := range providers {
		subBudgets[p.Source()] = int(float64(budget) * o.scoreFor(p.Source()) / totalScore)
	}
	o.mu.Unlock()

	if len(providers) == 0 {
		return nil
	}

	results := make([]providerResult, len(providers))
	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p Provider) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					observability.LoggerWithTrace(ctx).Error().Interface("panic", r).Msg("context provider panicked")
				}
			}()
			frags, err := p.Provide(ctx, query, subBudgets[p.Source()])
			if err != nil {
				observability.LoggerWithTrace(ctx).Warn().Err(err).Str("source", string(p.Source())).Msg("context provider failed")
				return
			}
			results[i] = providerResult{source: p.Source(), frags: frags}
		}(i, p)
	}
	wg.Wait()

	var all []types.ContextFragment
	for _, r := range results {
		all = append(all, r.frags...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Relevance > all[j].Relevance })

	var selected []types.ContextFragment
	used := 0
	for _, f := range all {
		if used+f.Tokens > budget {
			continue
		}
		selected = append(selected, f)
		used += f.Tokens
	}

	o.updateScores(selected)
	return selected
}

func (o *Orchestrator) scoreFor(s types.ContextSource) float64 {
	if v, ok := o.scores[s]; ok {
		return v
	}
	return 1.0
}

func (o *Orchestrator) updateScores(selected []types.ContextFragment) {
	o.mu.Lock()
	defer o.mu.Unlock()

	bySource := make(map[types.ContextSource][]float64)
	for _, f := range selected {
		bySource[f.Source] = append(bySource[f.Source], f.Relevance)
	}
	for source, old := range o.scores {
		rels := bySource[source]
		avg := 0.0
		if len(rels) > 0 {
			sum := 0.0
			for _, r := range rels {
				sum += r
			}
			avg = sum / float64(len(rels))
		}
		o.scores[source] = (1-o.alpha)*old + o.alpha*avg
	}
}

// ComputeBudget derives a TokenBudget from the orchestrator's context window,
// reserving room for generated output and a rough system-prompt estimate.
func (o *Orchestrator) ComputeBudget(systemPrompt string) types.TokenBudget {
	sysTokens := len(splitWords(systemPrompt)) * 2
	reserved := int(float64(o.contextWindow) * o.outputReserveRatio)
	available := o.contextWindow - reserved - sysTokens
	if available < 0 {
		available = 0
	}
	return types.TokenBudget{
		Total:              o.contextWindow,
		ReservedOutput:     reserved,
		SystemPromptTokens: sysTokens,
		Available:          available,
	}
}

// Ratios exposes the current normalized adaptive scores, for observability.
func (o *Orchestrator) Ratios() map[types.ContextSource]float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	total := 0.0
	for _, v := range o.scores {
		total += v
	}
	if total <= 0 {
		total = 1
	}
	out := make(map[types.ContextSource]float64, len(o.scores))
	for k, v := range o.scores {
		out[k] = v / total
	}
	return out
}

func splitWords(s string) []string {
	var words []string
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			if start >= 0 {
				words = append(words, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, s[start:])
	}
	return words
}
