// Package planner implements decompose -> execute_dag -> aggregate.
// Grounded on original_source/loom/cluster/planner.py for the
// decompose/aggregate LLM-prompting shape, and on manifold's
// internal/agent/planner.go (LLMPlanner) for the idiom of driving an
// llm.Provider to emit JSON and parsing it defensively.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"manifold/internal/cluster/clustererr"
	"manifold/internal/cluster/types"
	"manifold/internal/llm"
)

// MaxSubtasks caps decomposition fan-out per spec.md §4.7.
const MaxSubtasks = 5

var jsonArrayRe = regexp.MustCompile(`(?s)\[.*\]`)

type rawSubtask struct {
	ID                  string   `json:"id"`
	Description         string   `json:"description"`
	Domain              string   `json:"domain"`
	Dependencies        []string `json:"dependencies"`
	EstimatedComplexity float64  `json:"estimated_complexity"`
}

// Planner drives decomposition, concurrent DAG execution, and result
// aggregation over an llm.Provider.
type Planner struct {
	Provider llm.Provider
	Model    string
}

// New returns a planner bound to the given provider/model.
func New(provider llm.Provider, model string) *Planner {
	return &Planner{Provider: provider, Model: model}
}

// Decompose asks the LLM for a JSON array of subtasks. Malformed output
// falls back to a single subtask equal to the input task.
func (p *Planner) Decompose(ctx context.Context, task types.TaskAd) []types.Subtask {
	fallback := []types.Subtask{{
		ID:                  task.TaskID,
		Description:         task.Description,
		Domain:              task.Domain,
		EstimatedComplexity: task.EstimatedComplexity,
	}}

	prompt := fmt.Sprintf(
		"Decompose the following task into at most %d subtasks. Respond with a JSON array of "+
			"objects with fields id, description, domain, dependencies (array of subtask ids), "+
			"estimated_complexity (0-1).\n\nTask: %s", MaxSubtasks, task.Description)

	resp, err := p.Provider.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}}, nil, p.Model)
	if err != nil {
		return fallback
	}

	match := jsonArrayRe.FindString(resp.Content)
	if match == "" {
		return fallback
	}
	var raw []rawSubtask
	if err := json.Unmarshal([]byte(match), &raw); err != nil || len(raw) == 0 {
		return fallback
	}

	if len(raw) > MaxSubtasks {
		raw = raw[:MaxSubtasks]
	}
	out := make([]types.Subtask, len(raw))
	for i, r := range raw {
		out[i] = types.Subtask{
			ID:                  r.ID,
			Description:         r.Description,
			Domain:              r.Domain,
			Dependencies:        r.Dependencies,
			EstimatedComplexity: r.EstimatedComplexity,
		}
	}
	return out
}

// SubtaskExecutor runs a single subtask to completion.
type SubtaskExecutor func(ctx context.Context, st types.Subtask) types.TaskResult

// ExecuteDAG runs subtasks respecting dependency order: each round finds all
// subtasks whose dependencies are already satisfied and runs them
// concurrently. If a round makes no progress while subtasks remain, every
// remaining subtask is reported as a cyclic-dependency failure.
func (p *Planner) ExecuteDAG(ctx context.Context, subtasks []types.Subtask, exec SubtaskExecutor) []types.TaskResult {
	done := make(map[string]bool, len(subtasks))
	results := make(map[string]types.TaskResult, len(subtasks))
	remaining := append([]types.Subtask{}, subtasks...)

	for len(remaining) > 0 {
		var ready []types.Subtask
		var notReady []types.Subtask
		for _, st := range remaining {
			if depsSatisfied(st, done) {
				ready = append(ready, st)
			} else {
				notReady = append(notReady, st)
			}
		}

		if len(ready) == 0 {
			// Cyclic dependency: report a failure for every remaining subtask.
			for _, st := range notReady {
				results[st.ID] = types.TaskResult{
					TaskID:     st.ID,
					Success:    false,
					ErrorCount: 1,
					Content:    clustererr.NewMitosisFailed(st.ID, "cyclic dependency", nil).Error(),
				}
			}
			break
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, st := range ready {
			wg.Add(1)
			go func(st types.Subtask) {
				defer wg.Done()
				r := exec(ctx, st)
				mu.Lock()
				results[st.ID] = r
				mu.Unlock()
			}(st)
		}
		wg.Wait()

		for _, st := range ready {
			done[st.ID] = true
		}
		remaining = notReady
	}

	out := make([]types.TaskResult, 0, len(subtasks))
	for _, st := range subtasks {
		if r, ok := results[st.ID]; ok {
			out = append(out, r)
		}
	}
	return out
}

func depsSatisfied(st types.Subtask, done map[string]bool) bool {
	for _, dep := range st.Dependencies {
		if !done[dep] {
			return false
		}
	}
	return true
}

// Aggregate asks the LLM to synthesize a final answer from the concatenated
// subtask results.
func (p *Planner) Aggregate(ctx context.Context, task types.TaskAd, results []types.TaskResult) (string, error) {
	var sb []byte
	for _, r := range results {
		sb = append(sb, []byte(fmt.Sprintf("- %s\n", r.Content))...)
	}
	prompt := fmt.Sprintf("Synthesize a final answer to %q from these subtask results:\n%s", task.Description, string(sb))

	resp, err := p.Provider.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}}, nil, p.Model)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
