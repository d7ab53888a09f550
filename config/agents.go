package config

import (
	"fmt"

	"github.com/agentmesh/orchestrator/capability"
)

// AgentKind selects how an agent pool entry is actually executed.
type AgentKind string

const (
	AgentSimulated AgentKind = "simulated"
	AgentPlugin    AgentKind = "plugin"
)

// AgentConfig declares one static agent pool entry (spec §3: Agent Pool
// Entry) for the control surface to register at startup. Runtime fields
// (health, load, active tasks) are not configurable here; they're seeded
// by the pool and updated by heartbeats.
type AgentConfig struct {
	AgentID      string                  `yaml:"agent_id"`
	DisplayName  string                  `yaml:"display_name"`
	Environment  string                  `yaml:"environment"`
	Region       string                  `yaml:"region"`
	Kind         AgentKind               `yaml:"kind"`
	PluginPath   string                  `yaml:"plugin_path"`
	Tools        []string                `yaml:"tools"`
	StrategyTags []string                `yaml:"strategy_tags"`
	Capabilities []capability.Capability `yaml:"capabilities"`

	MaxConcurrentTasks int     `yaml:"max_concurrent_tasks"`
	AgentType          string  `yaml:"agent_type,omitempty"`
	CostPerExecution   float64 `yaml:"cost_per_execution,omitempty"`
}

var _ ConfigInterface = (*AgentConfig)(nil)

func (a *AgentConfig) SetDefaults() {
	if a.Kind == "" {
		a.Kind = AgentSimulated
	}
	if a.MaxConcurrentTasks == 0 {
		a.MaxConcurrentTasks = 5
	}
}

func (a *AgentConfig) Validate() error {
	if a.AgentID == "" {
		return fmt.Errorf("agent: agent_id is required")
	}
	if a.Kind != AgentSimulated && a.Kind != AgentPlugin {
		return fmt.Errorf("agent %q: kind must be %q or %q", a.AgentID, AgentSimulated, AgentPlugin)
	}
	if a.Kind == AgentPlugin && a.PluginPath == "" {
		return fmt.Errorf("agent %q: plugin_path is required for kind=%q", a.AgentID, AgentPlugin)
	}
	for i := range a.Capabilities {
		if err := a.Capabilities[i].Validate(); err != nil {
			return fmt.Errorf("agent %q: %w", a.AgentID, err)
		}
	}
	return nil
}
