// Package types holds the shared data model for the agent cluster: nodes,
// capability profiles, task ads, subtasks, results, reward records, context
// fragments and token budgets.
package types

import (
	"context"
	"sync"
	"time"

	"manifold/internal/llm"
)

// Message is re-exported rather than redefined: llm.Message already carries
// role/content/tool-call linkage in the shape the cluster needs.
type Message = llm.Message

// NodeStatus is the lifecycle state of an agent node.
type NodeStatus string

const (
	StatusIdle      NodeStatus = "idle"
	StatusBusy      NodeStatus = "busy"
	StatusSplitting NodeStatus = "splitting"
	StatusDying     NodeStatus = "dying"
)

// ContextSource tags where a context fragment came from.
type ContextSource string

const (
	SourceMemory   ContextSource = "memory"
	SourceKnowledge ContextSource = "knowledge"
	SourceSkill    ContextSource = "skill"
	SourceCluster  ContextSource = "cluster"
	SourceMitosis  ContextSource = "mitosis"
)

// EventType is the closed set of event kinds the loop and agent emit.
type EventType string

const (
	EventTextDelta      EventType = "text_delta"
	EventReasoningDelta EventType = "reasoning_delta"
	EventToolCallStart  EventType = "tool_call_start"
	EventToolCallDelta  EventType = "tool_call_delta"
	EventToolCallEnd    EventType = "tool_call_end"
	EventStepStart      EventType = "step_start"
	EventStepEnd        EventType = "step_end"
	EventError          EventType = "error"
	EventDone           EventType = "done"
)

// Event is a single item on the cluster event bus.
type Event struct {
	Type     EventType
	NodeID   string
	TaskID   string
	Content  string
	Err      error
	Metadata map[string]any
}

// Capabilities is the per-node capability profile. Scores is updated by EMA;
// TotalTasks is a monotonic counter.
type Capabilities struct {
	Scores      map[string]float64
	Tools       map[string]struct{}
	TotalTasks  int
	SuccessRate float64
}

// NewCapabilities returns an empty profile ready for use.
func NewCapabilities() *Capabilities {
	return &Capabilities{
		Scores: make(map[string]float64),
		Tools:  make(map[string]struct{}),
	}
}

// Score returns scores[domain], defaulting to 0.5 when the domain is unseen.
func (c *Capabilities) Score(domain string) float64 {
	if v, ok := c.Scores[domain]; ok {
		return v
	}
	return 0.5
}

// ToolSet returns the tool names as a slice, in map iteration order (unsorted).
func (c *Capabilities) ToolSet() []string {
	out := make([]string, 0, len(c.Tools))
	for t := range c.Tools {
		out = append(out, t)
	}
	return out
}

// RewardRecord is an append-only entry in a node's reward history.
type RewardRecord struct {
	TaskID    string
	Reward    float64
	Domain    string
	TokenCost int
	Timestamp time.Time
}

// Executor is the minimal surface the cluster needs from a node's agent: run
// an input to completion and report token/error accounting. Concrete
// implementations live in internal/cluster/node.
type Executor interface {
	Run(ctx context.Context, input string, node *Node) (content string, tokenCost int, errorCount int, err error)
}

// Node is a single agent in the cluster: an identity, a capability profile,
// and the executor it wraps.
type Node struct {
	mu sync.Mutex

	ID                string
	ParentID          string
	Depth             int
	Capabilities      *Capabilities
	Status            NodeStatus
	Load              float64
	RewardHistory     []RewardRecord
	LastActiveAt      time.Time
	ConsecutiveLosses int
	Agent             Executor
}

// NewNode constructs a node in the idle state with an empty capability profile.
func NewNode(id string, agent Executor) *Node {
	return &Node{
		ID:           id,
		Capabilities: NewCapabilities(),
		Status:       StatusIdle,
		Agent:        agent,
	}
}

// Lock/Unlock expose the node's own mutex so callers (reward bus, lifecycle
// manager, loop) can guard read-modify-write sequences on a single node
// without the cluster manager needing to know about it.
func (n *Node) Lock()   { n.mu.Lock() }
func (n *Node) Unlock() { n.mu.Unlock() }

// AppendReward appends a reward record, keeping history in insertion order.
func (n *Node) AppendReward(r RewardRecord) {
	n.RewardHistory = append(n.RewardHistory, r)
}

// RecentRewards returns the last count reward records (fewer if history is shorter).
func (n *Node) RecentRewards(count int) []RewardRecord {
	if count <= 0 || len(n.RewardHistory) == 0 {
		return nil
	}
	if count > len(n.RewardHistory) {
		count = len(n.RewardHistory)
	}
	return n.RewardHistory[len(n.RewardHistory)-count:]
}

// TaskAd describes a unit of work offered to the cluster for auction.
type TaskAd struct {
	TaskID              string
	Domain              string
	Description         string
	EstimatedComplexity float64
	Priority            int
	RequiredTools       []string
	TokenBudget         int
}

// Subtask is one node of the planner's decomposition DAG.
type Subtask struct {
	ID                  string
	Description         string
	Domain              string
	Dependencies        []string
	EstimatedComplexity float64
}

// TaskResult is the outcome of running one task (or subtask) to completion.
type TaskResult struct {
	TaskID     string
	AgentID    string
	Content    string
	Success    bool
	TokenCost  int
	ErrorCount int
	DurationMS int64
}

// RewardSignal is the three-part composition the reward bus scores a result with.
type RewardSignal struct {
	Quality     float64
	Efficiency  float64
	Reliability float64
}

// MemoryEntry is a promoted fact living in L2 or L3.
type MemoryEntry struct {
	ID         string
	Content    string
	Tokens     int
	Importance float64
	Metadata   map[string]string
	CreatedAt  time.Time
}

// ContextFragment is a single piece of context a provider contributed.
type ContextFragment struct {
	Source    ContextSource
	Content   string
	Tokens    int
	Relevance float64
	Metadata  map[string]string
}

// TokenBudget always satisfies Available = Total - ReservedOutput - SystemPromptTokens >= 0.
type TokenBudget struct {
	Total              int
	ReservedOutput     int
	SystemPromptTokens int
	Available          int
}
