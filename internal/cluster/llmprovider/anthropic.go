// Package llmprovider adapts the real provider SDKs already used elsewhere
// in the module (github.com/anthropics/anthropic-sdk-go) into
// manifold/internal/llm.Provider for the cluster daemon.
//
// The module has no per-SDK adapter packages under internal/llm, and
// internal/config/config.go carries only flat API-key fields, so this adapter
// talks to the Anthropic SDK directly. It does not support prompt caching or
// extended thinking.
package llmprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"manifold/internal/llm"
	"manifold/internal/observability"
)

const defaultMaxTokens int64 = 4096

// Anthropic is a minimal llm.Provider backed directly by anthropic-sdk-go.
type Anthropic struct {
	sdk       anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic builds a provider bound to apiKey/model. An empty model falls
// back to Claude 3.7 Sonnet latest.
func NewAnthropic(apiKey, model string) *Anthropic {
	model = strings.TrimSpace(model)
	if model == "" {
		model = string(anthropic.ModelClaude3_7SonnetLatest)
	}
	return &Anthropic{
		sdk:       anthropic.NewClient(option.WithAPIKey(strings.TrimSpace(apiKey))),
		model:     model,
		maxTokens: defaultMaxTokens,
	}
}

func (a *Anthropic) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	sys, converted, err := adaptMessages(msgs)
	if err != nil {
		return llm.Message{}, err
	}
	toolDefs, err := adaptTools(tools)
	if err != nil {
		return llm.Message{}, err
	}

	useModel := a.model
	if strings.TrimSpace(model) != "" {
		useModel = model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(useModel),
		Messages:  converted,
		System:    sys,
		Tools:     toolDefs,
		MaxTokens: a.maxTokens,
	}

	log := observability.LoggerWithTrace(ctx)
	start := time.Now()
	resp, err := a.sdk.Messages.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		log.Error().Err(err).Str("model", useModel).Dur("duration", dur).Msg("anthropic_chat_error")
		return llm.Message{}, err
	}
	log.Debug().Str("model", useModel).Dur("duration", dur).Msg("anthropic_chat_ok")
	return messageFromResponse(resp), nil
}

// ChatStream has no true incremental delivery here; it
// runs Chat synchronously and replays the final content/tool calls through h
// once. The cluster node agent loop only calls Chat, never ChatStream, so
// this exists purely to satisfy llm.Provider.
func (a *Anthropic) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	msg, err := a.Chat(ctx, msgs, tools, model)
	if err != nil {
		return err
	}
	if msg.Content != "" {
		h.OnDelta(msg.Content)
	}
	for _, tc := range msg.ToolCalls {
		h.OnToolCall(tc)
	}
	return nil
}

func adaptMessages(msgs []llm.Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam, error) {
	if len(msgs) == 0 {
		return nil, nil, fmt.Errorf("messages required")
	}
	var system []anthropic.TextBlockParam
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			if strings.TrimSpace(m.Content) != "" {
				system = append(system, anthropic.TextBlockParam{Text: m.Content})
			}
		case "user":
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			blocks := []anthropic.ContentBlockParamUnion{}
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for i, tc := range m.ToolCalls {
				id := strings.TrimSpace(tc.ID)
				if id == "" {
					id = fmt.Sprintf("call-%d", i+1)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(id, decodeArgs(tc.Args), tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		case "tool":
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolID, m.Content, false)))
		}
	}
	return system, out, nil
}

func decodeArgs(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err == nil {
		return m
	}
	return map[string]any{}
}

func adaptTools(tools []llm.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("anthropic provider: tool name required")
		}
		schema := anthropic.ToolInputSchemaParam{Type: constant.ValueOf[constant.Object]()}
		extras := map[string]any{}
		for k, v := range t.Parameters {
			extras[k] = v
		}
		if props, ok := extras["properties"]; ok {
			schema.Properties = props
			delete(extras, "properties")
		}
		if req, ok := extras["required"]; ok {
			if rs, ok := req.([]string); ok {
				schema.Required = rs
			}
			delete(extras, "required")
		}
		param := anthropic.ToolParam{Name: name, InputSchema: schema}
		if desc := strings.TrimSpace(t.Description); desc != "" {
			param.Description = anthropic.String(desc)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out, nil
}

func messageFromResponse(resp *anthropic.Message) llm.Message {
	if resp == nil {
		return llm.Message{}
	}
	var sb strings.Builder
	var calls []llm.ToolCall
	callIdx := 0
	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case anthropic.ToolUseBlock:
			callIdx++
			id := strings.TrimSpace(v.ID)
			if id == "" {
				id = fmt.Sprintf("call-%d", callIdx)
			}
			calls = append(calls, llm.ToolCall{Name: v.Name, Args: json.RawMessage(v.Input), ID: id})
		}
	}
	return llm.Message{Role: "assistant", Content: sb.String(), ToolCalls: calls}
}
