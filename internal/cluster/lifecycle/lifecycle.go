// Package lifecycle implements node birth, merge and death: mitosis,
// apoptosis, merge_capabilities, and health classification. Grounded
// directly on original_source/loom/cluster/lifecycle.py.
package lifecycle

import (
	"time"

	"manifold/internal/cluster/clustererr"
	"manifold/internal/cluster/manager"
	"manifold/internal/cluster/types"
)

// HealthStatus is the classification check_health produces.
type HealthStatus string

const (
	HealthHealthy HealthStatus = "healthy"
	HealthWarning HealthStatus = "warning"
	HealthDying   HealthStatus = "dying"
)

// Recommendation is the action the adaptive loop should take after a health check.
type Recommendation string

const (
	RecommendKeep    Recommendation = "keep"
	RecommendMerge   Recommendation = "merge"
	RecommendRecycle Recommendation = "recycle"
)

// HealthReport is check_health's output.
type HealthReport struct {
	NodeID           string
	Status           HealthStatus
	RecentAvgReward  float64
	IdleSeconds      float64
	Recommendation   Recommendation
}

// Config holds the lifecycle manager's tunables (spec.md §6).
type Config struct {
	MaxDepth             int     `yaml:"max_depth"`
	MitosisThreshold     float64 `yaml:"mitosis_threshold"`
	ApoptosisThreshold   float64 `yaml:"apoptosis_threshold"`
	ConsecutiveLossLimit int     `yaml:"consecutive_loss_limit"`
	IdleTimeoutSeconds   float64 `yaml:"idle_timeout_seconds"`
}

// DefaultConfig returns spec.md's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxDepth:             3,
		MitosisThreshold:     0.6,
		ApoptosisThreshold:   0.4,
		ConsecutiveLossLimit: 6,
		IdleTimeoutSeconds:   600,
	}
}

// Manager owns mitosis/apoptosis/merge/health policy; it does not own the
// node map itself (that belongs to manager.Manager).
type Manager struct {
	Config Config
}

// New returns a lifecycle manager with the given config.
func New(cfg Config) *Manager {
	return &Manager{Config: cfg}
}

// ShouldSplit is true iff the task is complex enough and the node has depth
// headroom.
func (m *Manager) ShouldSplit(task types.TaskAd, node *types.Node) bool {
	return task.EstimatedComplexity > m.Config.MitosisThreshold && node.Depth < m.Config.MaxDepth
}

// AgentFactory builds an Executor for a freshly-mitosed child node.
type AgentFactory func(parent *types.Node, task types.TaskAd) types.Executor

// Mitosis splits parent into a new child node specialized for task's domain.
// Returns a mitosis-failed *clustererr.ClusterError if parent is already at
// max depth.
func (m *Manager) Mitosis(parent *types.Node, task types.TaskAd, childID string, factory AgentFactory) (*types.Node, error) {
	if parent.Depth >= m.Config.MaxDepth {
		return nil, clustererr.NewMitosisFailed(parent.ID, "parent at max depth", nil)
	}

	var agent types.Executor
	if factory != nil {
		agent = factory(parent, task)
	}
	child := types.NewNode(childID, agent)
	child.ParentID = parent.ID
	child.Depth = parent.Depth + 1
	child.Capabilities.Scores[task.Domain] = 0.5

	parent.Lock()
	for t := range parent.Capabilities.Tools {
		child.Capabilities.Tools[t] = struct{}{}
	}
	parent.Unlock()

	return child, nil
}

// CheckHealth classifies a node's health from its recent reward history.
func (m *Manager) CheckHealth(node *types.Node) HealthReport {
	node.Lock()
	recent := node.RecentRewards(10)
	consecutiveLosses := node.ConsecutiveLosses
	idleSeconds := time.Since(node.LastActiveAt).Seconds()
	node.Unlock()

	avg := 0.0
	if len(recent) > 0 {
		sum := 0.0
		for _, r := range recent {
			sum += r.Reward
		}
		avg = sum / float64(len(recent))
	}

	dying := consecutiveLosses >= m.Config.ConsecutiveLossLimit ||
		avg < m.Config.ApoptosisThreshold ||
		idleSeconds > m.Config.IdleTimeoutSeconds

	status := HealthHealthy
	switch {
	case dying:
		status = HealthDying
	case consecutiveLosses >= m.Config.ConsecutiveLossLimit/2:
		status = HealthWarning
	}

	var recommendation Recommendation
	switch {
	case status == HealthHealthy:
		recommendation = RecommendKeep
	case status == HealthWarning:
		recommendation = RecommendMerge
	case status == HealthDying && len(recent) > 0:
		recommendation = RecommendMerge
	default:
		recommendation = RecommendRecycle
	}

	return HealthReport{
		NodeID:          node.ID,
		Status:          status,
		RecentAvgReward: avg,
		IdleSeconds:     idleSeconds,
		Recommendation:  recommendation,
	}
}

// FindMergeTarget picks the idle peer most complementary to dying (highest
// sum of |score diff| across the union of domains, weighted down by the
// candidate's load).
func (m *Manager) FindMergeTarget(dying *types.Node, candidates []*types.Node) *types.Node {
	var best *types.Node
	bestScore := -1.0

	dying.Lock()
	dyingScores := cloneScores(dying.Capabilities.Scores)
	dying.Unlock()

	for _, cand := range candidates {
		if cand.ID == dying.ID || cand.Status != types.StatusIdle {
			continue
		}
		cand.Lock()
		complementarity := 0.0
		domains := make(map[string]struct{})
		for d := range dyingScores {
			domains[d] = struct{}{}
		}
		for d := range cand.Capabilities.Scores {
			domains[d] = struct{}{}
		}
		for d := range domains {
			complementarity += abs(dyingScores[d] - cand.Capabilities.Score(d))
		}
		score := complementarity * (1 - 0.5*cand.Load)
		cand.Unlock()

		if score > bestScore {
			bestScore = score
			best = cand
		}
	}
	return best
}

// MergeCapabilities folds src's capability profile into tgt, weighted by
// each node's total_tasks, and unions their tool sets.
func MergeCapabilities(src, tgt *types.Node) {
	src.Lock()
	tgt.Lock()
	defer src.Unlock()
	defer tgt.Unlock()

	sw := float64(src.Capabilities.TotalTasks)
	tw := float64(tgt.Capabilities.TotalTasks)
	total := sw + tw
	if total <= 0 {
		total = 1
	}

	domains := make(map[string]struct{})
	for d := range src.Capabilities.Scores {
		domains[d] = struct{}{}
	}
	for d := range tgt.Capabilities.Scores {
		domains[d] = struct{}{}
	}
	for d := range domains {
		tgt.Capabilities.Scores[d] = tgt.Capabilities.Score(d)*tw/total + src.Capabilities.Score(d)*sw/total
	}

	for t := range src.Capabilities.Tools {
		tgt.Capabilities.Tools[t] = struct{}{}
	}
}

// Apoptosis retires a dying node, optionally merging its capabilities into
// the best idle peer first. Rejects when the cluster is at min_nodes or the
// node is busy.
func (m *Manager) Apoptosis(node *types.Node, cluster *manager.Manager, minNodes int) error {
	if cluster.Size() <= minNodes {
		return clustererr.NewApoptosisRejected(node.ID, "cluster at min_nodes")
	}
	node.Lock()
	busy := node.Status == types.StatusBusy
	node.Unlock()
	if busy {
		return clustererr.NewApoptosisRejected(node.ID, "node is busy")
	}

	target := m.FindMergeTarget(node, cluster.Nodes())
	if target != nil {
		MergeCapabilities(node, target)
	}
	cluster.RemoveNode(node.ID)
	return nil
}

func cloneScores(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
