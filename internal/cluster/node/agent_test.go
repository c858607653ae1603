package node

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"manifold/internal/cluster/types"
	"manifold/internal/llm"
)

type scriptedProvider struct {
	responses []llm.Message
	i         int
}

func (p *scriptedProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	r := p.responses[p.i]
	if p.i < len(p.responses)-1 {
		p.i++
	}
	return r, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	return nil
}

func TestAgentRunReturnsContentWhenNoToolCalls(t *testing.T) {
	provider := &scriptedProvider{responses: []llm.Message{{Role: "assistant", Content: "the answer"}}}
	a := New(Config{Model: "m"}, provider, nil, nil, nil)

	content, tokenCost, errCount, err := a.Run(context.Background(), "hello", types.NewNode("n", nil))

	require.NoError(t, err)
	require.Equal(t, "the answer", content)
	require.Equal(t, 0, errCount)
	require.Greater(t, tokenCost, 0)
}

func TestAgentRunHitsMaxStepsGuardrail(t *testing.T) {
	toolCallResp := llm.Message{
		Role: "assistant",
		ToolCalls: []llm.ToolCall{{ID: "1", Name: "search", Args: json.RawMessage(`{}`)}},
	}
	provider := &scriptedProvider{responses: []llm.Message{toolCallResp}}
	a := New(Config{Model: "m", MaxSteps: 2}, provider, nil, nil, nil)

	_, _, errCount, err := a.Run(context.Background(), "hello", types.NewNode("n", nil))

	require.Error(t, err)
	require.Greater(t, errCount, 0)
}
