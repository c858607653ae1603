// Package config loads the cluster core's YAML configuration, grounded on
// manifold/internal/config/config.go's yaml.v2 struct-tag style, with
// secrets (API keys) overridable from the environment the way
// internal/config/loader.go layers godotenv + os.Getenv on top of file
// config.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pterm/pterm"
	"gopkg.in/yaml.v2"

	"manifold/internal/cluster/lifecycle"
	"manifold/internal/cluster/loop"
	"manifold/internal/cluster/manager"
)

// ProviderConfig names which LLM backend and model the cluster uses, and
// carries the credential for it (overridable via env var, never required in
// the YAML file itself).
type ProviderConfig struct {
	Backend string `yaml:"backend"` // "anthropic", "openai", "gemini"
	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key,omitempty"`
}

// MemoryConfig holds the three-layer memory manager's tunables.
type MemoryConfig struct {
	L1TokenBudget int `yaml:"l1_token_budget"`
	L2TokenBudget int `yaml:"l2_token_budget"`
}

// ContextConfig holds the context orchestrator's tunables.
type ContextConfig struct {
	ContextWindow      int     `yaml:"context_window"`
	AdaptiveAlpha      float64 `yaml:"adaptive_alpha"`
	OutputReserveRatio float64 `yaml:"output_reserve_ratio"`
}

// RewardConfig holds the reward bus's tunables.
type RewardConfig struct {
	Alpha             float64 `yaml:"alpha"`
	DecayRate         float64 `yaml:"decay_rate"`
	HybridJudge       bool    `yaml:"hybrid_judge"`
	JudgeInterval     int     `yaml:"judge_interval"`
}

// AgentConfig holds per-node agent guardrails.
type AgentConfig struct {
	MaxSteps          int            `yaml:"max_steps"`
	RequireDoneTool   bool           `yaml:"require_done_tool"`
	ToolTimeoutMS     int            `yaml:"tool_timeout_ms"`
	MaxToolResultSize int            `yaml:"max_tool_result_size"`
	EphemeralN        map[string]int `yaml:"ephemeral_n,omitempty"`
}

// EventSinkConfig holds settings for external event sinks. It is loaded and
// overridable from the environment, but nothing in this module creates a sink
// from it.
type EventSinkConfig struct {
	Kafka KafkaSinkConfig `yaml:"kafka"`
}

// KafkaSinkConfig holds Kafka broker and topic settings. No Kafka subscriber
// is attached to the event bus from these values.
type KafkaSinkConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers,omitempty"`
	Topic   string   `yaml:"topic,omitempty"`
}

// Config is the cluster core's top-level configuration.
type Config struct {
	Provider  ProviderConfig    `yaml:"provider"`
	Cluster   manager.Config    `yaml:"cluster"`
	Lifecycle lifecycle.Config  `yaml:"lifecycle"`
	Reward    RewardConfig      `yaml:"reward"`
	Context   ContextConfig     `yaml:"context"`
	Memory    MemoryConfig      `yaml:"memory"`
	Agent     AgentConfig       `yaml:"agent"`
	Loop      loop.Config       `yaml:"loop"`
	Events    EventSinkConfig   `yaml:"events,omitempty"`
}

// Default returns spec.md §6's documented defaults for every tunable that
// isn't sensibly zero-valued.
func Default() Config {
	return Config{
		Provider:  ProviderConfig{Backend: "anthropic", Model: "claude-3-5-sonnet-latest"},
		Cluster:   manager.DefaultConfig(),
		Lifecycle: lifecycle.DefaultConfig(),
		Reward:    RewardConfig{Alpha: 0.3, DecayRate: 0.01, JudgeInterval: 5},
		Context:   ContextConfig{ContextWindow: 128000, AdaptiveAlpha: 0.3, OutputReserveRatio: 0.25},
		Memory:    MemoryConfig{L1TokenBudget: 4096, L2TokenBudget: 8192},
		Agent:     AgentConfig{MaxSteps: 12, ToolTimeoutMS: 30000, MaxToolResultSize: 64 * 1024},
		Loop:      loop.DefaultConfig(),
	}
}

// Load reads filename as YAML over Default(), then applies environment
// overrides for credentials. A missing file is not an error: Default()
// alone plus env overrides is a valid configuration for local runs.
func Load(filename string) (Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("reading cluster config %q: %w", filename, err)
			}
			pterm.Warning.Printf("cluster config %q not found, using defaults\n", filename)
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("unmarshaling cluster config: %w", err)
		}
	}

	_ = godotenv.Overload()
	applyEnvOverrides(&cfg)

	pterm.Success.Println("cluster configuration loaded")
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	switch strings.ToLower(cfg.Provider.Backend) {
	case "anthropic":
		if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
			cfg.Provider.APIKey = v
		}
	case "openai":
		if v := os.Getenv("OPENAI_API_KEY"); v != "" {
			cfg.Provider.APIKey = v
		}
	case "gemini":
		if v := os.Getenv("GOOGLE_GEMINI_KEY"); v != "" {
			cfg.Provider.APIKey = v
		}
	}
	if v := os.Getenv("CLUSTER_KAFKA_BROKERS"); v != "" {
		cfg.Events.Kafka.Brokers = strings.Split(v, ",")
	}
}
