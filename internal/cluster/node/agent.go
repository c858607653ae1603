// Package node implements the Agent (unit of execution, spec.md §4.9): a
// single LLM session with tool use, guardrails, and ephemeral-N transcript
// compression, wrapped by a cluster node. Grounded on
// manifold/internal/agent/engine.go's Engine (gather context -> call LLM ->
// dispatch tool calls concurrently -> loop until done or max_steps);
// ephemeral-N compression generalizes spec.md's literal "most recent N
// results per tool name" rule rather than engine.go's rolling-summary rule,
// since the spec wants a different compression strategy than manifold's
// whole-app chat memory.
package node

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"manifold/internal/cluster/clustererr"
	"manifold/internal/cluster/contextorch"
	"manifold/internal/cluster/tokens"
	"manifold/internal/cluster/types"
	"manifold/internal/llm"
	"manifold/internal/observability"
	"manifold/internal/tools"
)

const (
	defaultMaxSteps          = 12
	defaultToolTimeout       = 30 * time.Second
	defaultMaxToolResultSize = 64 * 1024
	defaultToolConcurrency   = 4
)

// Config tunes one Agent's guardrails.
type Config struct {
	Model             string
	MaxSteps          int
	RequireDoneTool   bool
	MaxIterations     int
	ToolTimeout       time.Duration
	MaxToolResultSize int
	// EphemeralN maps a tool name to how many of its most recent
	// assistant+tool result pairs are retained; older ones are filtered out
	// before each LLM call. Tools absent from this map are never trimmed.
	EphemeralN map[string]int
}

// Agent wraps a single LLM session with tool use. It satisfies
// types.Executor so a cluster node can run it.
type Agent struct {
	cfg       Config
	provider  llm.Provider
	toolReg   tools.Registry
	context   *contextorch.Orchestrator
	bus       EventEmitter
}

// EventEmitter is the minimal surface the agent needs from an event bus.
type EventEmitter interface {
	Emit(ctx context.Context, ev types.Event)
}

// New returns an Agent bound to a provider, tool registry, and optional
// context orchestrator/event bus.
func New(cfg Config, provider llm.Provider, toolReg tools.Registry, ctxOrch *contextorch.Orchestrator, bus EventEmitter) *Agent {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = defaultToolTimeout
	}
	if cfg.MaxToolResultSize <= 0 {
		cfg.MaxToolResultSize = defaultMaxToolResultSize
	}
	return &Agent{cfg: cfg, provider: provider, toolReg: toolReg, context: ctxOrch, bus: bus}
}

// Run drives the tool-use loop to completion (or a guardrail error) and
// reports the final content plus token/error accounting.
func (a *Agent) Run(ctx context.Context, input string, n *types.Node) (string, int, int, error) {
	messages := []llm.Message{{Role: "user", Content: input}}

	if a.context != nil {
		budget := a.context.ComputeBudget("")
		frags := a.context.Gather(ctx, input, budget.Available)
		if len(frags) > 0 {
			var sys string
			for _, f := range frags {
				sys += f.Content + "\n"
			}
			messages = append([]llm.Message{{Role: "system", Content: sys}}, messages...)
		}
	}

	var schemas []llm.ToolSchema
	if a.toolReg != nil {
		schemas = a.toolReg.Schemas()
	}

	tokenCost := 0
	errorCount := 0

	for step := 0; step < a.cfg.MaxSteps; step++ {
		a.emit(ctx, types.EventStepStart, n.ID, "")

		messages = a.trimEphemeral(messages)
		promptTokens := tokens.EstimateMessages(messages)
		tokenCost += promptTokens

		resp, err := a.provider.Chat(ctx, messages, schemas, a.cfg.Model)
		if err != nil {
			errorCount++
			a.emit(ctx, types.EventError, n.ID, err.Error())
			return "", tokenCost, errorCount, err
		}
		completionTokens := tokens.Estimate(resp.Content)
		tokenCost += completionTokens
		llm.RecordTokenMetrics(a.cfg.Model, promptTokens, completionTokens)

		if len(resp.ToolCalls) == 0 {
			a.emit(ctx, types.EventDone, n.ID, resp.Content)
			return resp.Content, tokenCost, errorCount, nil
		}

		messages = append(messages, resp)
		results := a.dispatchTools(ctx, n.ID, resp.ToolCalls)
		for _, r := range results {
			if r.err != nil {
				errorCount++
			}
			messages = append(messages, llm.Message{Role: "tool", ToolID: r.id, Content: r.content})
		}
		a.emit(ctx, types.EventStepEnd, n.ID, "")
	}

	err := clustererr.NewAgentMaxSteps(a.cfg.MaxSteps, lastAssistantContent(messages))
	a.emit(ctx, types.EventError, n.ID, err.Error())
	return "", tokenCost, errorCount + 1, err
}

type toolResult struct {
	id      string
	content string
	err     error
}

// dispatchTools executes the given tool calls with bounded concurrency,
// timeouts, and result-size limits. Grounded on engine.go's dispatchTools
// semaphore pattern.
func (a *Agent) dispatchTools(ctx context.Context, nodeID string, calls []llm.ToolCall) []toolResult {
	results := make([]toolResult, len(calls))
	sem := make(chan struct{}, defaultToolConcurrency)
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, call llm.ToolCall) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = a.execOne(ctx, nodeID, call)
		}(i, call)
	}
	wg.Wait()
	return results
}

func (a *Agent) execOne(ctx context.Context, nodeID string, call llm.ToolCall) toolResult {
	a.emit(ctx, types.EventToolCallStart, nodeID, call.Name)
	defer a.emit(ctx, types.EventToolCallEnd, nodeID, call.Name)

	if a.toolReg == nil {
		return toolResult{id: call.ID, err: clustererr.NewToolValidation(call.Name, "no tool registry configured", nil)}
	}

	callCtx, cancel := context.WithTimeout(ctx, a.cfg.ToolTimeout)
	defer cancel()

	done := make(chan struct{})
	var payload []byte
	var err error
	go func() {
		payload, err = a.toolReg.Dispatch(callCtx, call.Name, json.RawMessage(call.Args))
		close(done)
	}()

	select {
	case <-callCtx.Done():
		timeoutErr := clustererr.NewToolTimeout(call.Name, int(a.cfg.ToolTimeout.Milliseconds()))
		observability.LoggerWithTrace(ctx).Warn().Str("tool", call.Name).Msg("tool call timed out")
		return toolResult{id: call.ID, err: timeoutErr, content: timeoutErr.Error()}
	case <-done:
	}

	if err != nil {
		return toolResult{id: call.ID, err: err, content: err.Error()}
	}
	if len(payload) > a.cfg.MaxToolResultSize {
		sizeErr := clustererr.NewToolResultTooLarge(call.Name, len(payload), a.cfg.MaxToolResultSize)
		return toolResult{id: call.ID, err: sizeErr, content: sizeErr.Error()}
	}
	return toolResult{id: call.ID, content: string(payload)}
}

// trimEphemeral filters older assistant+tool message pairs for tools
// declared ephemeral-N, keeping only each such tool's N most recent result
// messages in the transcript.
func (a *Agent) trimEphemeral(messages []llm.Message) []llm.Message {
	if len(a.cfg.EphemeralN) == 0 {
		return messages
	}

	// Find tool-result messages per tool name (best-effort: ToolID alone
	// doesn't carry the tool name, so we track it via the preceding
	// assistant message's tool calls).
	toolNameByCallID := make(map[string]string)
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			toolNameByCallID[tc.ID] = tc.Name
		}
	}

	keepCount := make(map[string]int)
	drop := make(map[int]bool)
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != "tool" {
			continue
		}
		name := toolNameByCallID[m.ToolID]
		limit, tracked := a.cfg.EphemeralN[name]
		if !tracked {
			continue
		}
		keepCount[name]++
		if keepCount[name] > limit {
			drop[i] = true
		}
	}
	// An assistant message whose every tool call lost its result goes too.
	droppedCalls := make(map[string]bool)
	for i := range drop {
		droppedCalls[messages[i].ToolID] = true
	}
	for i, m := range messages {
		kept := 0
		for _, tc := range m.ToolCalls {
			if !droppedCalls[tc.ID] {
				kept++
			}
		}
		if m.Role == "assistant" && len(m.ToolCalls) > 0 && kept == 0 {
			drop[i] = true
		}
	}
	if len(drop) == 0 {
		return messages
	}

	out := make([]llm.Message, 0, len(messages))
	for i, m := range messages {
		if drop[i] {
			continue
		}
		out = append(out, m)
	}
	return out
}

func lastAssistantContent(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			return messages[i].Content
		}
	}
	return ""
}

func (a *Agent) emit(ctx context.Context, t types.EventType, nodeID, content string) {
	if a.bus == nil {
		return
	}
	a.bus.Emit(ctx, types.Event{Type: t, NodeID: nodeID, Content: content})
}
