// Command clusterd wires the self-organizing agent cluster core into a
// small CLI runner: one objective in, a stream of events out. Grounded on
// cmd/agent/main.go's wiring style (flag parsing, provider construction,
// then a run loop), adapted to the cluster package set instead of the
// single-agent Engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	clusterconfig "manifold/internal/cluster/config"
	"manifold/internal/cluster/contextorch"
	"manifold/internal/cluster/eventbus"
	"manifold/internal/cluster/lifecycle"
	"manifold/internal/cluster/llmprovider"
	"manifold/internal/cluster/loop"
	"manifold/internal/cluster/manager"
	"manifold/internal/cluster/memory"
	"manifold/internal/cluster/node"
	"manifold/internal/cluster/planner"
	"manifold/internal/cluster/reward"
	"manifold/internal/cluster/skills"
	"manifold/internal/cluster/types"
	"manifold/internal/llm"
	"manifold/internal/observability"
	"manifold/internal/tools"
)

func main() {
	q := flag.String("q", "", "objective for the cluster to execute")
	configPath := flag.String("config", "", "path to cluster config YAML (optional)")
	flag.Parse()
	if *q == "" {
		fmt.Fprintln(os.Stderr, "usage: clusterd -q \"...\"")
		os.Exit(2)
	}

	if err := run(*configPath, *q); err != nil {
		log.Fatal().Err(err).Msg("clusterd")
	}
}

func run(configPath, objective string) error {
	cfg, err := clusterconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("load cluster config: %w", err)
	}
	observability.InitLogger("", "info")

	var provider llm.Provider
	switch cfg.Provider.Backend {
	case "anthropic", "":
		provider = llmprovider.NewAnthropic(cfg.Provider.APIKey, cfg.Provider.Model)
	default:
		return fmt.Errorf("unsupported cluster provider backend %q (only anthropic is wired today)", cfg.Provider.Backend)
	}

	cluster := manager.New(cfg.Cluster)
	rewardBus := reward.New(cfg.Reward.Alpha, cfg.Reward.DecayRate)
	lifecycleMgr := lifecycle.New(cfg.Lifecycle)
	plan := planner.New(provider, cfg.Provider.Model)
	catalog := skills.NewCatalog()
	blueprints := skills.NewBlueprintStore()
	bus := eventbus.New("root")
	mem := memory.NewManager(cfg.Memory.L1TokenBudget, cfg.Memory.L2TokenBudget)

	toolReg := tools.NewRegistry()

	factory := func(domain string) types.Executor {
		orch := contextorch.New(cfg.Context.ContextWindow,
			contextorch.WithAdaptiveAlpha(cfg.Context.AdaptiveAlpha),
			contextorch.WithOutputReserveRatio(cfg.Context.OutputReserveRatio),
		)
		orch.Register(&contextorch.MemoryProvider{Manager: mem})
		orch.Register(&contextorch.ClusterProvider{Cluster: cluster})
		orch.Register(&contextorch.SkillProvider{Catalog: catalog, Domains: []string{domain}})

		return node.New(node.Config{
			Model:             cfg.Provider.Model,
			MaxSteps:          cfg.Agent.MaxSteps,
			RequireDoneTool:   cfg.Agent.RequireDoneTool,
			ToolTimeout:       toMillis(cfg.Agent.ToolTimeoutMS),
			MaxToolResultSize: cfg.Agent.MaxToolResultSize,
			EphemeralN:        cfg.Agent.EphemeralN,
		}, provider, toolReg, orch, bus)
	}

	adaptiveLoop := loop.New(cluster, rewardBus, lifecycleMgr, plan, catalog, blueprints, provider, cfg.Provider.Model, bus, cfg.Loop, factory)

	ctx := context.Background()
	for ev := range adaptiveLoop.Execute(ctx, objective) {
		printEvent(ev)
	}
	return nil
}

func toMillis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func printEvent(ev types.Event) {
	switch ev.Type {
	case types.EventDone:
		fmt.Println(ev.Content)
	case types.EventError:
		fmt.Fprintf(os.Stderr, "error: %v\n", ev.Err)
	default:
		log.Info().Str("node", ev.NodeID).Str("task", ev.TaskID).Str("type", string(ev.Type)).Msg(ev.Content)
	}
}
