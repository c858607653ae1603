// Package reward implements the reward bus: signal composition, the reward
// formula, EMA capability updates, inactivity decay, and the optional hybrid
// LLM-judge mode. Grounded directly on
// original_source/loom/cluster/reward.py.
package reward

import (
	"context"
	"math"
	"sync"
	"time"

	"manifold/internal/cluster/types"
	"manifold/internal/observability"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// rewardInstruments lazily builds the OTel meter instruments the first time a
// reward is recorded, mirroring internal/llm/observability.go's
// ensureTokenInstruments pattern (a meter obtained before InitOTel runs is a
// harmless no-op, not an error).
var (
	instrumentsOnce sync.Once
	rewardHistogram otelmetric.Float64Histogram
	capabilityGauge otelmetric.Float64Gauge
)

func ensureRewardInstruments() {
	instrumentsOnce.Do(func() {
		m := otel.Meter("internal/cluster/reward")
		rewardHistogram, _ = m.Float64Histogram("cluster.reward.value",
			otelmetric.WithDescription("Composed reward value per task outcome"))
		capabilityGauge, _ = m.Float64Gauge("cluster.reward.capability_score",
			otelmetric.WithDescription("Node capability EMA score per domain after an update"))
	})
}

// JudgeFunc asks an external LLM judge to score a completed task; used only
// by EvaluateHybrid.
type JudgeFunc func(ctx context.Context, node *types.Node, task types.TaskAd, success bool) (float64, error)

// Bus composes reward signals and updates node capability scores.
type Bus struct {
	Alpha        float64
	DecayRate    float64
	judge        JudgeFunc
	judgeInterval int
	judgeCounter int
}

// New returns a reward bus with the given EMA factor and decay rate
// (spec.md §6 defaults: alpha=0.3, decay_rate=0.01).
func New(alpha, decayRate float64) *Bus {
	return &Bus{Alpha: alpha, DecayRate: decayRate, judgeInterval: 5}
}

// SetLLMJudge installs an optional judge consulted every interval evaluations.
func (b *Bus) SetLLMJudge(judge JudgeFunc, interval int) {
	b.judge = judge
	if interval > 0 {
		b.judgeInterval = interval
	}
}

// ComputeSignal derives the three-part reward signal for one outcome.
func (b *Bus) ComputeSignal(task types.TaskAd, success bool, tokenCost, errorCount int) types.RewardSignal {
	quality := 0.0
	if success {
		quality = 0.7
	}
	budget := task.TokenBudget
	if budget <= 0 {
		budget = 1
	}
	efficiency := 1.0 - float64(tokenCost)/float64(budget)
	if efficiency < 0 {
		efficiency = 0
	}
	reliability := 0.0
	if errorCount == 0 {
		reliability = 1.0
	}
	return types.RewardSignal{Quality: quality, Efficiency: efficiency, Reliability: reliability}
}

// ComputeReward applies the public, test-checked weights: 0.5 quality + 0.3
// efficiency + 0.2 reliability.
func (b *Bus) ComputeReward(signal types.RewardSignal) float64 {
	return 0.5*signal.Quality + 0.3*signal.Efficiency + 0.2*signal.Reliability
}

// Evaluate computes the reward for one task outcome and updates node, under
// the node's own lock: capability EMA, reward history, total_tasks,
// success_rate EMA, and consecutive_losses.
func (b *Bus) Evaluate(node *types.Node, task types.TaskAd, success bool, tokenCost, errorCount int) float64 {
	signal := b.ComputeSignal(task, success, tokenCost, errorCount)
	rewardVal := b.ComputeReward(signal)
	recordReward(node.ID, task.Domain, rewardVal)

	node.Lock()
	defer node.Unlock()

	b.updateCapabilityLocked(node, task.Domain, rewardVal)
	node.AppendReward(types.RewardRecord{
		TaskID:    task.TaskID,
		Reward:    rewardVal,
		Domain:    task.Domain,
		TokenCost: tokenCost,
		Timestamp: time.Now(),
	})
	node.Capabilities.TotalTasks++

	hit := 0.0
	if rewardVal > 0.5 {
		hit = 1.0
	}
	node.Capabilities.SuccessRate = b.Alpha*hit + (1-b.Alpha)*node.Capabilities.SuccessRate

	if success {
		node.ConsecutiveLosses = 0
	} else {
		node.ConsecutiveLosses++
	}
	return rewardVal
}

// EvaluateHybrid evaluates via the rule-based path, then every
// judgeInterval calls consults the optional LLM judge and applies a bias
// correction of half the (judge - rule) delta to the capability score.
func (b *Bus) EvaluateHybrid(ctx context.Context, node *types.Node, task types.TaskAd, success bool, tokenCost, errorCount int) float64 {
	ruleReward := b.Evaluate(node, task, success, tokenCost, errorCount)
	if b.judge == nil {
		return ruleReward
	}
	b.judgeCounter++
	if b.judgeCounter%b.judgeInterval != 0 {
		return ruleReward
	}
	judgeReward, err := b.judge(ctx, node, task, success)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("llm judge failed, keeping rule-based reward")
		return ruleReward
	}
	bias := judgeReward - ruleReward
	corrected := ruleReward + bias*0.5

	node.Lock()
	b.updateCapabilityLocked(node, task.Domain, corrected)
	node.Unlock()
	return corrected
}

// DecayInactive applies exponential decay to every domain score whose most
// recent reward record is more than one day old. A domain with no reward
// history is treated as maximally stale (time.Time{} zero value), matching
// the original's epoch-zero sentinel (see DESIGN.md Open Question).
func (b *Bus) DecayInactive(node *types.Node) {
	node.Lock()
	defer node.Unlock()

	now := time.Now()
	for domain, score := range node.Capabilities.Scores {
		last := lastRewardTimestampLocked(node, domain)
		days := now.Sub(last).Hours() / 24
		if days > 1 {
			node.Capabilities.Scores[domain] = score * math.Pow(b.DecayRate, days)
		}
	}
}

func lastRewardTimestampLocked(node *types.Node, domain string) time.Time {
	for i := len(node.RewardHistory) - 1; i >= 0; i-- {
		if node.RewardHistory[i].Domain == domain {
			return node.RewardHistory[i].Timestamp
		}
	}
	return time.Time{}
}

func (b *Bus) updateCapabilityLocked(node *types.Node, domain string, rewardVal float64) {
	current := node.Capabilities.Score(domain)
	updated := b.Alpha*rewardVal + (1-b.Alpha)*current
	node.Capabilities.Scores[domain] = updated
	recordCapability(node.ID, domain, updated)
}

// recordReward emits the composed reward value to the OTel histogram. A
// meter obtained before InitOTel runs is a harmless no-op, same as
// internal/llm/observability.go's token counters.
func recordReward(nodeID, domain string, rewardVal float64) {
	ensureRewardInstruments()
	if rewardHistogram == nil {
		return
	}
	rewardHistogram.Record(context.Background(), rewardVal,
		otelmetric.WithAttributes(attribute.String("cluster.node_id", nodeID), attribute.String("cluster.domain", domain)))
}

func recordCapability(nodeID, domain string, score float64) {
	ensureRewardInstruments()
	if capabilityGauge == nil {
		return
	}
	capabilityGauge.Record(context.Background(), score,
		otelmetric.WithAttributes(attribute.String("cluster.node_id", nodeID), attribute.String("cluster.domain", domain)))
}
