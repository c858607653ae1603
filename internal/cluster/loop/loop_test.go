package loop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"manifold/internal/cluster/lifecycle"
	"manifold/internal/cluster/manager"
	"manifold/internal/cluster/planner"
	"manifold/internal/cluster/reward"
	"manifold/internal/cluster/skills"
	"manifold/internal/cluster/types"
)

type fakeExecutor struct {
	content    string
	tokenCost  int
	errorCount int
	err        error
}

func (f *fakeExecutor) Run(ctx context.Context, input string, n *types.Node) (string, int, int, error) {
	return f.content, f.tokenCost, f.errorCount, f.err
}

func newTestLoop() *AdaptiveLoop {
	return New(
		manager.New(manager.DefaultConfig()),
		reward.New(0.3, 0.01),
		lifecycle.New(lifecycle.DefaultConfig()),
		planner.New(nil, ""),
		skills.NewCatalog(),
		skills.NewBlueprintStore(),
		nil, "", nil,
		DefaultConfig(),
		nil,
	)
}

func drain(ch <-chan types.Event) []types.Event {
	var out []types.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestExecuteTerminatesOnAuctionNoWinner(t *testing.T) {
	l := newTestLoop()

	events := drain(l.Execute(context.Background(), "do something short"))

	require.Len(t, events, 2)
	require.Equal(t, types.EventError, events[0].Type)
	require.Equal(t, types.EventDone, events[1].Type)
}

func TestExecuteLeavesWinningNodeIdleAfterCompletion(t *testing.T) {
	l := newTestLoop()
	node := types.NewNode("n1", &fakeExecutor{content: "done", tokenCost: 50})
	l.Cluster.AddNode(node)

	events := drain(l.Execute(context.Background(), "do something short"))

	require.Equal(t, types.EventDone, events[len(events)-1].Type)
	require.Equal(t, types.StatusIdle, node.Status)
	require.Equal(t, 0.0, node.Load)
}

func TestExecuteRecordsComplexityCalibration(t *testing.T) {
	l := newTestLoop()
	node := types.NewNode("n1", &fakeExecutor{content: "done", tokenCost: 4096})
	l.Cluster.AddNode(node)

	drain(l.Execute(context.Background(), "do something short"))

	l.mu.Lock()
	entry, ok := l.calibration["general"]
	l.mu.Unlock()
	require.True(t, ok)
	require.Equal(t, 1, entry.count)
}

func TestShouldEvolveSkillRequiresFullWindow(t *testing.T) {
	l := newTestLoop()
	l.Config.EvolutionWindow = 5
	l.Config.EvolutionRewardThreshold = 0.35

	node := types.NewNode("n1", nil)
	for i := 0; i < 4; i++ {
		node.AppendReward(types.RewardRecord{Reward: 0.1})
	}
	require.False(t, l.shouldEvolveSkill(node, "d"), "must not trigger before a full window of history")

	node.AppendReward(types.RewardRecord{Reward: 0.1})
	require.True(t, l.shouldEvolveSkill(node, "d"), "must trigger once the window is full and below threshold")
}

func TestShouldEvolveSkillFalseWhenAverageAboveThreshold(t *testing.T) {
	l := newTestLoop()
	l.Config.EvolutionWindow = 5
	l.Config.EvolutionRewardThreshold = 0.35

	node := types.NewNode("n1", nil)
	for i := 0; i < 5; i++ {
		node.AppendReward(types.RewardRecord{Reward: 0.9})
	}
	require.False(t, l.shouldEvolveSkill(node, "d"))
}

func TestLowConfidenceWinnerDisabledByDefault(t *testing.T) {
	l := newTestLoop()
	node := types.NewNode("n1", nil)

	require.False(t, l.lowConfidenceWinner(node, types.TaskAd{Domain: "code"}))
}

func TestLowConfidenceWinnerFlagsBelowFloor(t *testing.T) {
	l := newTestLoop()
	l.Config.ConfidenceFloor = 0.9
	node := types.NewNode("n1", nil)
	node.Capabilities.Scores["code"] = 0.2

	require.True(t, l.lowConfidenceWinner(node, types.TaskAd{Domain: "code"}))
}

func TestConfirmLowConfidenceWinnerAcceptsWithNoProvider(t *testing.T) {
	l := newTestLoop()
	l.Config.ConfidenceFloor = 0.9
	node := types.NewNode("n1", nil)

	require.True(t, l.confirmLowConfidenceWinner(context.Background(), types.TaskAd{Domain: "code"}, node))
}

func TestHeuristicComplexityDetectsDomainsAndListStructure(t *testing.T) {
	l := newTestLoop()
	input := "Please write a function to calculate the integral. 1. step one 2. step two 3. step three."

	score, domains := l.heuristicComplexity(input)

	require.Contains(t, domains, "code")
	require.Contains(t, domains, "math")
	require.Contains(t, domains, "writing")
	require.Greater(t, score, 0.0)
	require.LessOrEqual(t, score, 1.0)
}
