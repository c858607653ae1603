package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"manifold/internal/cluster/manager"
	"manifold/internal/cluster/types"
)

func TestShouldSplitThreshold(t *testing.T) {
	m := New(Config{MaxDepth: 3, MitosisThreshold: 0.6})

	shallow := types.NewNode("n1", nil)
	shallow.Depth = 1
	require.True(t, m.ShouldSplit(types.TaskAd{EstimatedComplexity: 0.8}, shallow))
	require.False(t, m.ShouldSplit(types.TaskAd{EstimatedComplexity: 0.3}, shallow))

	deep := types.NewNode("n2", nil)
	deep.Depth = 3
	require.False(t, m.ShouldSplit(types.TaskAd{EstimatedComplexity: 0.8}, deep))
}

func TestMitosisInheritsToolsAndFreshScore(t *testing.T) {
	m := New(DefaultConfig())
	parent := types.NewNode("parent", nil)
	parent.Depth = 1
	parent.Capabilities.Tools["search"] = struct{}{}

	child, err := m.Mitosis(parent, types.TaskAd{Domain: "code"}, "child", nil)
	require.NoError(t, err)
	require.Equal(t, 2, child.Depth)
	require.Equal(t, 0.5, child.Capabilities.Scores["code"])
	_, hasTool := child.Capabilities.Tools["search"]
	require.True(t, hasTool)
}

func TestMitosisFailsAtMaxDepth(t *testing.T) {
	m := New(Config{MaxDepth: 3})
	parent := types.NewNode("parent", nil)
	parent.Depth = 3

	_, err := m.Mitosis(parent, types.TaskAd{Domain: "code"}, "child", nil)
	require.Error(t, err)
}

func TestMergeCapabilitiesProducesValidRangeAndToolUnion(t *testing.T) {
	src := types.NewNode("src", nil)
	src.Capabilities.Scores["code"] = 0.9
	src.Capabilities.TotalTasks = 10
	src.Capabilities.Tools["a"] = struct{}{}

	tgt := types.NewNode("tgt", nil)
	tgt.Capabilities.Scores["code"] = 0.3
	tgt.Capabilities.TotalTasks = 5
	tgt.Capabilities.Tools["b"] = struct{}{}

	MergeCapabilities(src, tgt)

	require.GreaterOrEqual(t, tgt.Capabilities.Scores["code"], 0.0)
	require.LessOrEqual(t, tgt.Capabilities.Scores["code"], 1.0)
	_, hasA := tgt.Capabilities.Tools["a"]
	_, hasB := tgt.Capabilities.Tools["b"]
	require.True(t, hasA)
	require.True(t, hasB)
}

func TestApoptosisRejectedAtMinNodes(t *testing.T) {
	cm := manager.New(manager.DefaultConfig())
	node := types.NewNode("only", nil)
	cm.AddNode(node)

	lm := New(DefaultConfig())
	err := lm.Apoptosis(node, cm, 1)
	require.Error(t, err)
	require.Equal(t, 1, cm.Size())
}

func TestApoptosisRejectedWhenBusy(t *testing.T) {
	cm := manager.New(manager.DefaultConfig())
	busy := types.NewNode("busy", nil)
	busy.Status = types.StatusBusy
	idle := types.NewNode("idle", nil)
	cm.AddNode(busy)
	cm.AddNode(idle)

	lm := New(DefaultConfig())
	err := lm.Apoptosis(busy, cm, 1)
	require.Error(t, err)
	require.Equal(t, 2, cm.Size())
}

func TestCheckHealthClassifiesDyingOnConsecutiveLosses(t *testing.T) {
	lm := New(DefaultConfig())
	node := types.NewNode("n", nil)
	node.ConsecutiveLosses = 6
	node.LastActiveAt = time.Now()

	report := lm.CheckHealth(node)
	require.Equal(t, HealthDying, report.Status)
}
