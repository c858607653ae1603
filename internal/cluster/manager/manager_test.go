package manager

import (
	"testing"

	"github.com/stretchr/testify/require"

	"manifold/internal/cluster/types"
)

func nodeWithScore(id string, status types.NodeStatus, domain string, score float64) *types.Node {
	n := types.NewNode(id, nil)
	n.Status = status
	n.Capabilities.Scores[domain] = score
	return n
}

func TestSelectWinnerPrefersIdleOverBusyAtHigherScore(t *testing.T) {
	m := New(DefaultConfig())
	busy := nodeWithScore("busy", types.StatusBusy, "code", 0.9)
	idle := nodeWithScore("idle", types.StatusIdle, "code", 0.85)
	m.AddNode(busy)
	m.AddNode(idle)

	winner := m.SelectWinner(types.TaskAd{TaskID: "t1", Domain: "code", TokenBudget: 1000})

	require.Equal(t, "idle", winner.ID)
}

func TestSelectWinnerPicksHighestCapabilityAmongIdle(t *testing.T) {
	m := New(DefaultConfig())
	m.AddNode(nodeWithScore("a", types.StatusIdle, "code", 0.3))
	m.AddNode(nodeWithScore("b", types.StatusIdle, "code", 0.6))
	m.AddNode(nodeWithScore("c", types.StatusIdle, "code", 0.9))

	winner := m.SelectWinner(types.TaskAd{TaskID: "t1", Domain: "code", TokenBudget: 1000})

	require.Equal(t, "c", winner.ID)
}

func TestSelectWinnerReturnsNilWhenNoNodes(t *testing.T) {
	m := New(DefaultConfig())
	require.Nil(t, m.SelectWinner(types.TaskAd{TaskID: "t1", Domain: "code"}))
}

func TestComputeBidToolOverlap(t *testing.T) {
	m := New(DefaultConfig())
	n := types.NewNode("n", nil)
	n.Capabilities.Tools["search"] = struct{}{}

	bid := m.ComputeBid(n, types.TaskAd{TaskID: "t", Domain: "d", RequiredTools: []string{"search", "exec"}})
	require.InDelta(t, 0.5, bid.Breakdown["tools"], 1e-9)

	bidNoTools := m.ComputeBid(n, types.TaskAd{TaskID: "t", Domain: "d"})
	require.InDelta(t, 1.0, bidNoTools.Breakdown["tools"], 1e-9)
}
