package contextorch

import (
	"context"
	"fmt"

	"manifold/internal/cluster/manager"
	"manifold/internal/cluster/memory"
	"manifold/internal/cluster/retrieval"
	"manifold/internal/cluster/skills"
	"manifold/internal/cluster/tokens"
	"manifold/internal/cluster/types"
)

// MemoryProvider bridges a memory.Manager into the orchestrator as the
// "memory" context source.
type MemoryProvider struct {
	Manager *memory.Manager
}

func (p *MemoryProvider) Source() types.ContextSource { return types.SourceMemory }

func (p *MemoryProvider) Provide(ctx context.Context, query string, subBudget int) ([]types.ContextFragment, error) {
	entries := p.Manager.ExtractFor(query, subBudget)
	frags := make([]types.ContextFragment, 0, len(entries))
	for _, e := range entries {
		frags = append(frags, types.ContextFragment{
			Source:    types.SourceMemory,
			Content:   e.Content,
			Tokens:    e.Tokens,
			Relevance: e.Importance,
			Metadata:  e.Metadata,
		})
	}
	return frags, nil
}

// KnowledgeProvider bridges a retrieval.Retriever into the orchestrator as
// the "knowledge" context source.
type KnowledgeProvider struct {
	Retriever retrieval.Retriever
}

func (p *KnowledgeProvider) Source() types.ContextSource { return types.SourceKnowledge }

func (p *KnowledgeProvider) Provide(ctx context.Context, query string, subBudget int) ([]types.ContextFragment, error) {
	chunks, err := p.Retriever.Retrieve(ctx, query, retrieval.RetrieveOptions{K: 10})
	if err != nil {
		return nil, err
	}
	var frags []types.ContextFragment
	used := 0
	for _, c := range chunks {
		t := tokens.Estimate(c.Text)
		if used+t > subBudget {
			continue
		}
		frags = append(frags, types.ContextFragment{
			Source:    types.SourceKnowledge,
			Content:   c.Text,
			Tokens:    t,
			Relevance: c.Score,
			Metadata:  c.Metadata,
		})
		used += t
	}
	return frags, nil
}

// ClusterProvider bridges the cluster manager into the orchestrator as the
// "cluster" context source, surfacing peer capability summaries so an agent
// can reason about delegating or asking a sibling node for help.
type ClusterProvider struct {
	Cluster *manager.Manager
	SelfID  string
}

func (p *ClusterProvider) Source() types.ContextSource { return types.SourceCluster }

func (p *ClusterProvider) Provide(ctx context.Context, query string, subBudget int) ([]types.ContextFragment, error) {
	var frags []types.ContextFragment
	used := 0
	for _, n := range p.Cluster.Nodes() {
		if n.ID == p.SelfID {
			continue
		}
		n.Lock()
		summary := fmt.Sprintf("node %s (%s, load %.2f, tools %v)", n.ID, n.Status, n.Load, n.Capabilities.ToolSet())
		n.Unlock()
		t := tokens.Estimate(summary)
		if used+t > subBudget {
			continue
		}
		frags = append(frags, types.ContextFragment{Source: types.SourceCluster, Content: summary, Tokens: t, Relevance: 0.5})
		used += t
	}
	return frags, nil
}

// SkillProvider bridges the skill catalog into the orchestrator as the
// "skill" context source, surfacing the matched skill's system prompt (if
// any) so an instantiated node's agent can see its own specialization brief.
type SkillProvider struct {
	Catalog *skills.Catalog
	Domains []string
}

func (p *SkillProvider) Source() types.ContextSource { return types.SourceSkill }

func (p *SkillProvider) Provide(ctx context.Context, query string, subBudget int) ([]types.ContextFragment, error) {
	spec, ok := p.Catalog.Match(p.Domains)
	if !ok || spec.SystemPrompt == "" {
		return nil, nil
	}
	t := tokens.Estimate(spec.SystemPrompt)
	if t > subBudget {
		return nil, nil
	}
	return []types.ContextFragment{{
		Source:    types.SourceSkill,
		Content:   spec.SystemPrompt,
		Tokens:    t,
		Relevance: 0.8,
		Metadata:  map[string]string{"skill": spec.Name},
	}}, nil
}

// MitosisProvider bridges a freshly-split child node's inherited context: the
// parent's objective and the subtask it was spawned to carry out.
type MitosisProvider struct {
	ParentObjective string
	SubtaskDesc     string
}

func (p *MitosisProvider) Source() types.ContextSource { return types.SourceMitosis }

func (p *MitosisProvider) Provide(ctx context.Context, query string, subBudget int) ([]types.ContextFragment, error) {
	content := fmt.Sprintf("Parent objective: %s\nYour subtask: %s", p.ParentObjective, p.SubtaskDesc)
	t := tokens.Estimate(content)
	if t > subBudget {
		return nil, nil
	}
	return []types.ContextFragment{{Source: types.SourceMitosis, Content: content, Tokens: t, Relevance: 1.0}}, nil
}
