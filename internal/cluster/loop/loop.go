// Package loop implements the top-level AdaptiveLoop: the six-phase
// sense -> match -> scale+execute -> evaluate+adapt cycle that glues the
// cluster manager, reward bus, lifecycle manager, planner and memory
// hierarchy together. Grounded directly on
// original_source/loom/cluster/amoeba_loop.py's AmoebaLoop.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"manifold/internal/cluster/clustererr"
	"manifold/internal/cluster/eventbus"
	"manifold/internal/cluster/lifecycle"
	"manifold/internal/cluster/manager"
	"manifold/internal/cluster/planner"
	"manifold/internal/cluster/reward"
	"manifold/internal/cluster/skills"
	"manifold/internal/cluster/types"
	"manifold/internal/llm"
	"manifold/internal/observability"
)

// domainKeywords carries the original's tunable domain keyword sets
// verbatim (see SPEC_FULL.md §9 Open Question resolution).
var domainKeywords = map[string][]string{
	"code":     {"function", "code", "bug", "implement", "refactor", "class", "api", "compile"},
	"data":     {"data", "dataset", "csv", "sql", "query", "analyze", "statistics"},
	"writing":  {"write", "essay", "article", "story", "draft", "summarize"},
	"math":     {"equation", "calculate", "proof", "theorem", "integral", "derivative"},
	"research": {"research", "paper", "study", "literature", "cite", "investigate"},
}

var sentenceSplitRe = regexp.MustCompile(`[.!?。！？]`)
var hasListRe = regexp.MustCompile(`\d+[.)]|[-*•]`)
var jsonObjectRe = regexp.MustCompile(`(?s)\{.*\}`)

// Config holds the loop's own tunables (spec.md §6).
type Config struct {
	ComplexityLLMThresholdChars int     `yaml:"complexity_llm_threshold_chars"`
	EvolutionRewardThreshold    float64 `yaml:"evolution_reward_threshold"`
	EvolutionWindow             int     `yaml:"evolution_window"`
	// ConfidenceFloor, when > 0, triggers an extra LLM confirmation before
	// committing to a low-score auction winner (SPEC_FULL.md §4.12).
	ConfidenceFloor float64 `yaml:"confidence_floor,omitempty"`
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{
		ComplexityLLMThresholdChars: 200,
		EvolutionRewardThreshold:    0.35,
		EvolutionWindow:             5,
	}
}

type calibrationEntry struct {
	bias  float64
	count int
}

// AgentFactory builds a fresh Executor for a node spawned by tier 2/3 match
// or by mitosis.
type AgentFactory func(domain string) types.Executor

// AdaptiveLoop is the top-level orchestrator exposing Execute.
type AdaptiveLoop struct {
	Cluster      *manager.Manager
	Reward       *reward.Bus
	Lifecycle    *lifecycle.Manager
	Planner      *planner.Planner
	Skills       *skills.Catalog
	Blueprints   *skills.BlueprintStore
	Provider     llm.Provider
	Model        string
	Bus          *eventbus.Bus
	Config       Config
	AgentFactory AgentFactory

	mu          sync.Mutex
	calibration map[string]*calibrationEntry
	idSeq       uint64
}

// New wires an AdaptiveLoop from its collaborators.
func New(cluster *manager.Manager, rewardBus *reward.Bus, lifecycleMgr *lifecycle.Manager, p *planner.Planner, catalog *skills.Catalog, blueprints *skills.BlueprintStore, provider llm.Provider, model string, bus *eventbus.Bus, cfg Config, factory AgentFactory) *AdaptiveLoop {
	return &AdaptiveLoop{
		Cluster: cluster, Reward: rewardBus, Lifecycle: lifecycleMgr, Planner: p,
		Skills: catalog, Blueprints: blueprints, Provider: provider, Model: model, Bus: bus,
		Config: cfg, AgentFactory: factory, calibration: make(map[string]*calibrationEntry),
	}
}

// TaskSpec is Phase 1's output.
type TaskSpec struct {
	TaskID      string
	Input       string
	Domains     []string
	Domain      string
	Complexity  float64
	TokenBudget int
}

func (l *AdaptiveLoop) nextID(prefix string) string {
	n := atomic.AddUint64(&l.idSeq, 1)
	return fmt.Sprintf("%s-%d", prefix, n)
}

// Execute runs the full six-phase loop for one input and returns a channel
// of events; the channel is closed after a terminal done (or error+done)
// event has been sent.
func (l *AdaptiveLoop) Execute(ctx context.Context, input string) <-chan types.Event {
	out := make(chan types.Event, 16)
	go func() {
		defer close(out)
		l.execute(ctx, input, out)
	}()
	return out
}

func (l *AdaptiveLoop) execute(ctx context.Context, input string, out chan<- types.Event) {
	taskID := l.nextID("task")

	spec := l.sense(ctx, taskID, input)

	task := types.TaskAd{
		TaskID:              taskID,
		Domain:              spec.Domain,
		Description:         input,
		EstimatedComplexity: spec.Complexity,
		TokenBudget:         spec.TokenBudget,
	}

	node, tier := l.match(ctx, spec)
	if node == nil {
		err := clustererr.NewAuctionNoWinner(taskID)
		l.emitAndForward(ctx, out, types.Event{Type: types.EventError, TaskID: taskID, Err: err, Content: err.Error()})
		l.emitAndForward(ctx, out, types.Event{Type: types.EventDone, TaskID: taskID, Content: ""})
		return
	}
	_ = tier

	result := l.scaleAndExecute(ctx, node, task, spec)

	l.evaluateAndAdapt(ctx, node, task, result)

	if result.Success {
		l.emitAndForward(ctx, out, types.Event{Type: types.EventDone, TaskID: taskID, NodeID: node.ID, Content: result.Content})
	} else {
		err := fmt.Errorf("task %s failed", taskID)
		l.emitAndForward(ctx, out, types.Event{Type: types.EventError, TaskID: taskID, NodeID: node.ID, Err: err, Content: result.Content})
		l.emitAndForward(ctx, out, types.Event{Type: types.EventDone, TaskID: taskID, NodeID: node.ID, Content: ""})
	}
}

// emitAndForward sends ev on the loop's own output channel and, if a cluster
// event bus is configured, publishes it there too so other subscribers
// (loggers, metrics sinks, parent buses) observe it.
func (l *AdaptiveLoop) emitAndForward(ctx context.Context, out chan<- types.Event, ev types.Event) {
	out <- ev
	if l.Bus != nil {
		l.Bus.Emit(ctx, ev)
	}
}

// --- Phase 1: Sense ---

func (l *AdaptiveLoop) sense(ctx context.Context, taskID, input string) TaskSpec {
	var complexity float64
	var domains []string

	threshold := l.Config.ComplexityLLMThresholdChars
	if threshold <= 0 {
		threshold = 200
	}

	if len(input) < threshold || l.Provider == nil {
		complexity, domains = l.heuristicComplexity(input)
	} else {
		var err error
		complexity, domains, err = l.llmComplexity(ctx, input)
		if err != nil {
			complexity, domains = l.heuristicComplexity(input)
		}
	}

	primary := "general"
	if len(domains) > 0 {
		primary = domains[0]
	}
	complexity += l.calibrationBias(primary)
	complexity = clamp01(complexity)

	var tokenBudget int
	switch {
	case complexity < 0.4:
		tokenBudget = 2048
	case complexity < 0.7:
		tokenBudget = 4096
	default:
		tokenBudget = 8192
	}

	return TaskSpec{TaskID: taskID, Input: input, Domains: domains, Domain: primary, Complexity: complexity, TokenBudget: tokenBudget}
}

// heuristicComplexity implements the original's weights/keyword sets
// verbatim (0.5, 0.15, 0.10, 0.15; domain keyword sets code/data/writing/
// math/research) per SPEC_FULL.md §9's Open Question resolution.
func (l *AdaptiveLoop) heuristicComplexity(input string) (float64, []string) {
	words := len(strings.Fields(input))
	sentences := len(sentenceSplitRe.FindAllString(input, -1))
	hasList := hasListRe.MatchString(input)
	domains := l.detectDomains(input)

	score := minFloat(float64(words)/200.0, 0.5)
	if sentences > 2 {
		score += 0.15
	}
	if hasList {
		score += 0.10
	}
	if len(domains) > 2 {
		score += 0.15
	}
	return clamp01(score), domains
}

func (l *AdaptiveLoop) detectDomains(input string) []string {
	lower := strings.ToLower(input)
	var found []string
	for domain, keywords := range domainKeywords {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				found = append(found, domain)
				break
			}
		}
	}
	if len(found) == 0 {
		return []string{"general"}
	}
	return found
}

type llmComplexityResponse struct {
	Score     float64  `json:"score"`
	Domains   []string `json:"domains"`
	Reasoning string   `json:"reasoning"`
}

func (l *AdaptiveLoop) llmComplexity(ctx context.Context, input string) (float64, []string, error) {
	prompt := "Assess the complexity of this task on a 0-1 scale and list its domains. " +
		"Respond with JSON {\"score\": number, \"domains\": [string], \"reasoning\": string}.\n\nTask: " + input

	resp, err := l.Provider.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}}, nil, l.Model)
	if err != nil {
		return 0, nil, err
	}
	match := jsonObjectRe.FindString(resp.Content)
	if match == "" {
		return 0, nil, fmt.Errorf("no JSON object in LLM complexity response")
	}
	var parsed llmComplexityResponse
	if err := json.Unmarshal([]byte(match), &parsed); err != nil {
		return 0, nil, err
	}
	if len(parsed.Domains) == 0 {
		parsed.Domains = []string{"general"}
	}
	return clamp01(parsed.Score), parsed.Domains, nil
}

func (l *AdaptiveLoop) calibrationBias(domain string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.calibration[domain]
	if !ok || entry.count < 3 {
		return 0
	}
	return entry.bias
}

// lowConfidenceWinner reports whether the auction winner's bid score fell
// below Config.ConfidenceFloor, requiring a secondary confidence check before
// committing. A zero floor disables the check entirely.
func (l *AdaptiveLoop) lowConfidenceWinner(winner *types.Node, task types.TaskAd) bool {
	if l.Config.ConfidenceFloor <= 0 {
		return false
	}
	bid := l.Cluster.ComputeBid(winner, task)
	return bid.Score < l.Config.ConfidenceFloor
}

type confidenceResponse struct {
	Confidence float64 `json:"confidence"`
}

// confirmLowConfidenceWinner asks the LLM to estimate whether the winning
// node can plausibly complete the task before committing to it, grounded on
// ConfidenceEvaluator.should_escalate: when the winner's own bid score is
// already below the floor, a second low estimate means look elsewhere rather
// than spawn+execute on a node unlikely to succeed. With no provider
// configured there is nothing to consult, so the auction result stands.
func (l *AdaptiveLoop) confirmLowConfidenceWinner(ctx context.Context, task types.TaskAd, winner *types.Node) bool {
	if l.Provider == nil {
		return true
	}
	prompt := fmt.Sprintf(
		"A candidate worker with capability score %.2f for domain %q was auctioned to handle this task, "+
			"but its bid score was low. Estimate your confidence (0-1) that it can complete the task well. "+
			"Respond with JSON {\"confidence\": number}.\n\nTask: %s",
		winner.Capabilities.Score(task.Domain), task.Domain, task.Description)

	resp, err := l.Provider.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}}, nil, l.Model)
	if err != nil {
		return true
	}
	match := jsonObjectRe.FindString(resp.Content)
	if match == "" {
		return true
	}
	var parsed confidenceResponse
	if err := json.Unmarshal([]byte(match), &parsed); err != nil {
		return true
	}
	return clamp01(parsed.Confidence) >= l.Config.ConfidenceFloor
}

// --- Phase 2: Match ---

func (l *AdaptiveLoop) match(ctx context.Context, spec TaskSpec) (*types.Node, int) {
	task := types.TaskAd{TaskID: spec.TaskID, Domain: spec.Domain, Description: spec.Input, EstimatedComplexity: spec.Complexity, TokenBudget: spec.TokenBudget}

	if winner := l.Cluster.SelectWinner(task); winner != nil {
		if !l.lowConfidenceWinner(winner, task) || l.confirmLowConfidenceWinner(ctx, task, winner) {
			return winner, 1
		}
	}

	if l.Skills != nil {
		if spec2, ok := l.Skills.Match(spec.Domains); ok {
			node := l.spawnNode(spec2.Name, map[string]float64{spec2.Name: 0.7})
			for _, kw := range spec2.TriggerKeywords {
				node.Capabilities.Scores[kw] = 0.6
			}
			for _, t := range spec2.Tools {
				node.Capabilities.Tools[t] = struct{}{}
			}
			l.Cluster.AddNode(node)
			return node, 2
		}
	}

	if l.Provider != nil {
		node := l.spawnNode(spec.Domain, map[string]float64{spec.Domain: 0.6})
		l.Cluster.AddNode(node)
		return node, 3
	}

	if idle := l.Cluster.FindIdle(); idle != nil {
		return idle, 4
	}
	return nil, 0
}

func (l *AdaptiveLoop) spawnNode(domainHint string, scores map[string]float64) *types.Node {
	id := l.nextID("node")
	var agent types.Executor
	if l.AgentFactory != nil {
		agent = l.AgentFactory(domainHint)
	}
	n := types.NewNode(id, agent)
	for d, s := range scores {
		n.Capabilities.Scores[d] = s
	}
	return n
}

// --- Phase 3+4: Scale and Execute ---

func (l *AdaptiveLoop) scaleAndExecute(ctx context.Context, n *types.Node, task types.TaskAd, spec TaskSpec) types.TaskResult {
	n.Lock()
	n.Status = types.StatusBusy
	n.Load = 0.8
	n.LastActiveAt = time.Now()
	n.Unlock()

	defer func() {
		n.Lock()
		n.Status = types.StatusIdle
		n.Load = 0
		n.Unlock()
	}()

	started := time.Now()
	var result types.TaskResult

	func() {
		defer func() {
			if r := recover(); r != nil {
				observability.LoggerWithTrace(ctx).Error().Interface("panic", r).Msg("agent execution panicked")
				result = types.TaskResult{TaskID: task.TaskID, AgentID: n.ID, Success: false, ErrorCount: 1}
			}
		}()

		if spec.Complexity > 0.7 && l.Lifecycle.ShouldSplit(task, n) {
			result = l.executeMitosis(ctx, n, task, spec)
			return
		}

		prompt := task.Description
		if spec.Complexity >= 0.4 {
			prompt = l.buildEnrichedPrompt(task, spec)
		}

		if n.Agent == nil {
			result = types.TaskResult{TaskID: task.TaskID, AgentID: n.ID, Success: false, ErrorCount: 1}
			return
		}
		content, tokenCost, errorCount, err := n.Agent.Run(ctx, prompt, n)
		if err != nil {
			result = types.TaskResult{TaskID: task.TaskID, AgentID: n.ID, Success: false, TokenCost: tokenCost, ErrorCount: errorCount + 1}
			return
		}
		result = types.TaskResult{TaskID: task.TaskID, AgentID: n.ID, Content: content, Success: true, TokenCost: tokenCost, ErrorCount: errorCount}
	}()

	result.DurationMS = time.Since(started).Milliseconds()
	return result
}

func (l *AdaptiveLoop) buildEnrichedPrompt(task types.TaskAd, spec TaskSpec) string {
	var sb strings.Builder
	sb.WriteString("Objective: ")
	sb.WriteString(task.Description)
	sb.WriteString("\nOutput format: a direct, complete answer.\n")
	sb.WriteString("Boundaries: stay within the stated domain(s): ")
	sb.WriteString(strings.Join(spec.Domains, ", "))
	sb.WriteString("\nUse available tools as needed to verify facts or perform actions.")
	return sb.String()
}

func (l *AdaptiveLoop) executeMitosis(ctx context.Context, parent *types.Node, task types.TaskAd, spec TaskSpec) types.TaskResult {
	if l.Planner == nil {
		err := clustererr.NewMitosisFailed(parent.ID, "no planner configured", nil)
		return types.TaskResult{TaskID: task.TaskID, AgentID: parent.ID, Success: false, ErrorCount: 1, Content: err.Error()}
	}

	subtasks := l.Planner.Decompose(ctx, task)
	if len(subtasks) > 4 {
		subtasks = subtasks[:4]
	}

	results := l.Planner.ExecuteDAG(ctx, subtasks, func(ctx context.Context, st types.Subtask) types.TaskResult {
		return l.runSubtask(ctx, parent, st)
	})

	content, err := l.Planner.Aggregate(ctx, task, results)
	if err != nil {
		return types.TaskResult{TaskID: task.TaskID, AgentID: parent.ID, Success: false, ErrorCount: 1}
	}

	totalTokens := 0
	errCount := 0
	for _, r := range results {
		totalTokens += r.TokenCost
		errCount += r.ErrorCount
	}
	return types.TaskResult{TaskID: task.TaskID, AgentID: parent.ID, Content: content, Success: true, TokenCost: totalTokens, ErrorCount: errCount}
}

func (l *AdaptiveLoop) runSubtask(ctx context.Context, parent *types.Node, st types.Subtask) types.TaskResult {
	subTask := types.TaskAd{TaskID: st.ID, Domain: st.Domain, Description: st.Description, EstimatedComplexity: st.EstimatedComplexity, TokenBudget: 4096}

	winner := l.Cluster.SelectWinner(subTask)
	if winner == nil {
		child, err := l.Lifecycle.Mitosis(parent, subTask, l.nextID("node"), func(p *types.Node, t types.TaskAd) types.Executor {
			if l.AgentFactory != nil {
				return l.AgentFactory(t.Domain)
			}
			return nil
		})
		if err != nil {
			return types.TaskResult{TaskID: st.ID, Success: false, ErrorCount: 1, Content: err.Error()}
		}
		l.Cluster.AddNode(child)
		winner = child
	}

	spec := TaskSpec{TaskID: st.ID, Input: st.Description, Domains: []string{st.Domain}, Domain: st.Domain, Complexity: st.EstimatedComplexity, TokenBudget: subTask.TokenBudget}
	result := l.scaleAndExecute(ctx, winner, subTask, spec)
	l.evaluateAndAdapt(ctx, winner, subTask, result)
	return result
}

// --- Phase 5+6: Evaluate and Adapt ---

func (l *AdaptiveLoop) evaluateAndAdapt(ctx context.Context, n *types.Node, task types.TaskAd, result types.TaskResult) {
	rewardVal := l.Reward.Evaluate(n, task, result.Success, result.TokenCost, result.ErrorCount)

	// Loop-level consecutive-loss bookkeeping, layered on top of the
	// reward bus's own update (both the original and spec.md §4.8 Phase
	// 5+6 describe this as a loop-level concern; see DESIGN.md).
	n.Lock()
	if rewardVal < 0.5 {
		n.ConsecutiveLosses++
	} else {
		n.ConsecutiveLosses = 0
	}
	n.Unlock()

	health := l.Lifecycle.CheckHealth(n)
	recycled := false
	if health.Recommendation == lifecycle.RecommendRecycle {
		if err := l.Lifecycle.Apoptosis(n, l.Cluster, l.Cluster.Config.MinNodes); err == nil {
			recycled = true
		}
	}

	if !recycled && l.shouldEvolveSkill(n, task.Domain) {
		l.triggerSkillEvolution(ctx, n, task.Domain)
	}

	l.recordCalibration(task, result)
	l.Reward.DecayInactive(n)
}

// shouldEvolveSkill requires a FULL window of reward history (not merely
// "recent average below threshold") before triggering, matching the
// original's _should_evolve_skill.
func (l *AdaptiveLoop) shouldEvolveSkill(n *types.Node, domain string) bool {
	window := l.Config.EvolutionWindow
	if window <= 0 {
		window = 5
	}
	n.Lock()
	recent := n.RecentRewards(window)
	n.Unlock()
	if len(recent) < window {
		return false
	}
	sum := 0.0
	for _, r := range recent {
		sum += r.Reward
	}
	avg := sum / float64(len(recent))
	threshold := l.Config.EvolutionRewardThreshold
	if threshold <= 0 {
		threshold = 0.35
	}
	return avg < threshold
}

type capabilityBoost struct {
	Domain string  `json:"domain"`
	Boost  float64 `json:"boost"`
}

func (l *AdaptiveLoop) triggerSkillEvolution(ctx context.Context, n *types.Node, domain string) {
	if l.Provider == nil {
		return
	}
	prompt := fmt.Sprintf("The agent is underperforming in domain %q. Suggest a capability boost as JSON "+
		"{\"domain\": string, \"boost\": number between 0 and 0.3}.", domain)
	resp, err := l.Provider.Chat(ctx, []llm.Message{{Role: "user", Content: prompt}}, nil, l.Model)
	if err != nil {
		return
	}
	match := jsonObjectRe.FindString(resp.Content)
	if match == "" {
		return
	}
	var boost capabilityBoost
	if err := json.Unmarshal([]byte(match), &boost); err != nil {
		return
	}
	clamped := clampRange(boost.Boost, 0, 0.3)
	if boost.Domain == "" {
		boost.Domain = domain
	}

	n.Lock()
	current := n.Capabilities.Score(boost.Domain)
	n.Capabilities.Scores[boost.Domain] = minFloat(1.0, current+clamped)
	n.Unlock()
}

func (l *AdaptiveLoop) recordCalibration(task types.TaskAd, result types.TaskResult) {
	actual := 0.6*minFloat(float64(result.TokenCost)/8192.0, 1.0) + 0.4*minFloat(float64(result.DurationMS)/30000.0, 1.0)

	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.calibration[task.Domain]
	if !ok {
		entry = &calibrationEntry{}
		l.calibration[task.Domain] = entry
	}
	entry.bias = 0.3*(actual-task.EstimatedComplexity) + 0.7*entry.bias
	entry.count++
}

func clamp01(f float64) float64 { return clampRange(f, 0, 1) }

func clampRange(f, lo, hi float64) float64 {
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
