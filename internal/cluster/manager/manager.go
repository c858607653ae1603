// Package manager implements the cluster manager: the node registry and the
// weighted-bid auction over it. Grounded directly on
// original_source/loom/cluster/__init__.py's ClusterManager.
package manager

import (
	"sync"

	"manifold/internal/cluster/types"
)

// BidWeights are the weights applied to each bid component; they should sum
// to 1 by convention but this is not enforced.
type BidWeights struct {
	Capability   float64 `yaml:"capability"`
	Availability float64 `yaml:"availability"`
	History      float64 `yaml:"history"`
	Tools        float64 `yaml:"tools"`
}

// DefaultBidWeights matches the convention spec.md §6 describes.
func DefaultBidWeights() BidWeights {
	return BidWeights{Capability: 0.4, Availability: 0.3, History: 0.2, Tools: 0.1}
}

// FallbackStrategy controls select_winner's behavior when fewer than
// MinBids bids were collected.
type FallbackStrategy string

const (
	FallbackBestAvailable FallbackStrategy = "best_available"
	FallbackNone          FallbackStrategy = "none"
)

// Config holds the cluster manager's tunables (spec.md §6).
type Config struct {
	MinNodes         int              `yaml:"min_nodes"`
	MaxNodes         int              `yaml:"max_nodes"`
	MaxDepth         int              `yaml:"max_depth"`
	BidWeights       BidWeights       `yaml:"bid_weights"`
	MinBids          int              `yaml:"min_bids"`
	FallbackStrategy FallbackStrategy `yaml:"fallback_strategy"`
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{
		MinNodes:         1,
		MaxDepth:         3,
		BidWeights:       DefaultBidWeights(),
		MinBids:          1,
		FallbackStrategy: FallbackBestAvailable,
	}
}

// Bid is one node's offer for a task.
type Bid struct {
	NodeID    string
	TaskID    string
	Score     float64
	Breakdown map[string]float64
}

// Manager maintains node_id -> node, guarded for concurrent reads (auctions)
// against infrequent writes (add/remove).
type Manager struct {
	mu     sync.RWMutex
	nodes  map[string]*types.Node
	Config Config
}

// New returns an empty cluster manager.
func New(cfg Config) *Manager {
	return &Manager{nodes: make(map[string]*types.Node), Config: cfg}
}

// AddNode registers a node. No two nodes may share an id; a later add with
// the same id replaces the earlier one.
func (m *Manager) AddNode(n *types.Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.ID] = n
}

// RemoveNode removes and returns a node by id, or nil if absent.
func (m *Manager) RemoveNode(id string) *types.Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nodes[id]
	delete(m.nodes, id)
	return n
}

// GetNode looks up a node by id.
func (m *Manager) GetNode(id string) *types.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodes[id]
}

// Nodes returns a snapshot slice of all nodes.
func (m *Manager) Nodes() []*types.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	return out
}

// Size returns the current node count.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// FindIdle returns the first idle node found, or nil.
func (m *Manager) FindIdle() *types.Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.nodes {
		if n.Status == types.StatusIdle {
			return n
		}
	}
	return nil
}

// UpdateLoad clamps and sets a node's load.
func (m *Manager) UpdateLoad(id string, load float64) {
	m.mu.RLock()
	n := m.nodes[id]
	m.mu.RUnlock()
	if n == nil {
		return
	}
	if load < 0 {
		load = 0
	}
	if load > 1 {
		load = 1
	}
	n.Lock()
	n.Load = load
	n.Unlock()
}

// ComputeBid scores node against task per spec.md §4.4's weighted sum.
func (m *Manager) ComputeBid(node *types.Node, task types.TaskAd) Bid {
	w := m.Config.BidWeights
	cap_ := node.Capabilities.Score(task.Domain)
	avail := 1.0 - node.Load
	history := node.Capabilities.SuccessRate

	toolOverlap := 1.0
	if len(task.RequiredTools) > 0 {
		hits := 0
		for _, t := range task.RequiredTools {
			if _, ok := node.Capabilities.Tools[t]; ok {
				hits++
			}
		}
		toolOverlap = float64(hits) / float64(len(task.RequiredTools))
	}

	score := w.Capability*cap_ + w.Availability*avail + w.History*history + w.Tools*toolOverlap
	return Bid{
		NodeID: node.ID,
		TaskID: task.TaskID,
		Score:  score,
		Breakdown: map[string]float64{
			"capability":   cap_,
			"availability": avail,
			"history":      history,
			"tools":        toolOverlap,
		},
	}
}

type nodeBid struct {
	node *types.Node
	bid  Bid
}

// CollectBids returns a bid from every node whose status is idle or busy.
func (m *Manager) CollectBids(task types.TaskAd) []nodeBid {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []nodeBid
	for _, n := range m.nodes {
		if n.Status == types.StatusIdle || n.Status == types.StatusBusy {
			out = append(out, nodeBid{node: n, bid: m.ComputeBid(n, task)})
		}
	}
	return out
}

// SelectWinner runs the auction: sorts bids descending by score, then
// prefers any idle node over any busy node among the contenders; returns nil
// only when there are no bids (or fewer than MinBids and FallbackStrategy is
// "none").
func (m *Manager) SelectWinner(task types.TaskAd) *types.Node {
	bids := m.CollectBids(task)
	if len(bids) == 0 {
		return nil
	}
	if len(bids) < m.Config.MinBids && m.Config.FallbackStrategy == FallbackNone {
		return nil
	}

	sortBidsDesc(bids)

	for _, nb := range bids {
		if nb.node.Status == types.StatusIdle {
			return nb.node
		}
	}
	return bids[0].node
}

func sortBidsDesc(bids []nodeBid) {
	for i := 1; i < len(bids); i++ {
		j := i
		for j > 0 && bids[j-1].bid.Score < bids[j].bid.Score {
			bids[j-1], bids[j] = bids[j], bids[j-1]
			j--
		}
	}
}
