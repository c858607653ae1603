package reward

import (
	"testing"

	"github.com/stretchr/testify/require"

	"manifold/internal/cluster/types"
)

func TestRewardMathScenario(t *testing.T) {
	b := New(0.3, 0.01)
	signal := b.ComputeSignal(types.TaskAd{TokenBudget: 1000}, true, 100, 0)

	require.InDelta(t, 0.7, signal.Quality, 1e-9)
	require.InDelta(t, 0.9, signal.Efficiency, 1e-9)
	require.InDelta(t, 1.0, signal.Reliability, 1e-9)

	reward := b.ComputeReward(signal)
	require.InDelta(t, 0.82, reward, 0.01)
}

func TestSuccessEMAConvergesUpward(t *testing.T) {
	b := New(0.3, 0.01)
	node := types.NewNode("n", nil)
	node.Capabilities.Scores["d"] = 0.5
	task := types.TaskAd{TaskID: "t", Domain: "d", TokenBudget: 1000}

	for i := 0; i < 30; i++ {
		b.Evaluate(node, task, true, 100, 0)
	}

	score := node.Capabilities.Scores["d"]
	require.GreaterOrEqual(t, score, 0.75)
	require.LessOrEqual(t, score, 0.90)
}

func TestFailureEMAConvergesDownward(t *testing.T) {
	b := New(0.3, 0.01)
	node := types.NewNode("n", nil)
	node.Capabilities.Scores["d"] = 0.8
	task := types.TaskAd{TaskID: "t", Domain: "d", TokenBudget: 1000}

	for i := 0; i < 20; i++ {
		b.Evaluate(node, task, false, 100, 1)
	}

	require.Less(t, node.Capabilities.Scores["d"], 0.4)
}

func TestEvaluateUpdatesSuccessRateAndLosses(t *testing.T) {
	b := New(0.3, 0.01)
	node := types.NewNode("n", nil)
	task := types.TaskAd{TaskID: "t", Domain: "d", TokenBudget: 1000}

	b.Evaluate(node, task, false, 100, 1)
	require.Equal(t, 1, node.ConsecutiveLosses)

	b.Evaluate(node, task, true, 100, 0)
	require.Equal(t, 0, node.ConsecutiveLosses)
	require.Equal(t, 2, node.Capabilities.TotalTasks)
}

func TestDecayInactiveShrinksStaleDomainScore(t *testing.T) {
	b := New(0.3, 0.01)
	node := types.NewNode("n", nil)
	node.Capabilities.Scores["stale"] = 0.9
	// no reward history in "stale" -> treated as maximally old.

	b.DecayInactive(node)

	require.Less(t, node.Capabilities.Scores["stale"], 0.01)
}
