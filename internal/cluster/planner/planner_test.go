package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"manifold/internal/cluster/types"
	"manifold/internal/llm"
)

type fakeProvider struct {
	content string
	err     error
}

func (f *fakeProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	if f.err != nil {
		return llm.Message{}, f.err
	}
	return llm.Message{Role: "assistant", Content: f.content}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	return nil
}

func TestExecuteDAGLinearOrderCompletes(t *testing.T) {
	p := New(nil, "")
	subtasks := []types.Subtask{
		{ID: "a"},
		{ID: "b", Dependencies: []string{"a"}},
		{ID: "c", Dependencies: []string{"b"}},
	}

	results := p.ExecuteDAG(context.Background(), subtasks, func(ctx context.Context, st types.Subtask) types.TaskResult {
		return types.TaskResult{TaskID: st.ID, Success: true, Content: st.ID}
	})

	require.Len(t, results, 3)
	for _, r := range results {
		require.True(t, r.Success)
	}
}

func TestExecuteDAGDetectsCycle(t *testing.T) {
	p := New(nil, "")
	subtasks := []types.Subtask{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"a"}},
	}

	results := p.ExecuteDAG(context.Background(), subtasks, func(ctx context.Context, st types.Subtask) types.TaskResult {
		return types.TaskResult{TaskID: st.ID, Success: true}
	})

	require.Len(t, results, 2)
	for _, r := range results {
		require.False(t, r.Success)
		require.Equal(t, 1, r.ErrorCount)
	}
}

func TestDecomposeFallsBackOnMalformedJSON(t *testing.T) {
	p := New(&fakeProvider{content: "not json at all"}, "m")

	subtasks := p.Decompose(context.Background(), types.TaskAd{TaskID: "t", Description: "do thing", Domain: "general", EstimatedComplexity: 0.4})

	require.Len(t, subtasks, 1)
	require.Equal(t, "t", subtasks[0].ID)
	require.Equal(t, "do thing", subtasks[0].Description)
}

func TestDecomposeParsesJSONArrayAndCaps(t *testing.T) {
	content := `Here is the plan: [
		{"id":"1","description":"a","domain":"code","dependencies":[],"estimated_complexity":0.2},
		{"id":"2","description":"b","domain":"code","dependencies":["1"],"estimated_complexity":0.3},
		{"id":"3","description":"c","domain":"code","dependencies":[],"estimated_complexity":0.1},
		{"id":"4","description":"d","domain":"code","dependencies":[],"estimated_complexity":0.1},
		{"id":"5","description":"e","domain":"code","dependencies":[],"estimated_complexity":0.1},
		{"id":"6","description":"f","domain":"code","dependencies":[],"estimated_complexity":0.1}
	]`
	p := New(&fakeProvider{content: content}, "m")

	subtasks := p.Decompose(context.Background(), types.TaskAd{TaskID: "t", Description: "do thing"})

	require.Len(t, subtasks, MaxSubtasks)
	require.Equal(t, "2", subtasks[1].ID)
}
