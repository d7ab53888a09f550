package main

import (
	"context"
	"fmt"
	"time"

	"github.com/agentmesh/orchestrator/agentapi"
	"github.com/agentmesh/orchestrator/config"
)

// newAgentFromConfig resolves one declared agent to a live agentapi.Agent.
// Plugin agents are backed by a real subprocess (agentapi.PluginAgent);
// simulated agents get a generic echo handler, since a config file has no
// way to express arbitrary task logic — real task behavior belongs to a
// plugin binary.
func newAgentFromConfig(ac config.AgentConfig) (agentapi.Agent, error) {
	switch ac.Kind {
	case config.AgentPlugin:
		return agentapi.NewPluginAgent(ac.AgentID, ac.PluginPath), nil
	case config.AgentSimulated:
		return newEchoAgent(ac.AgentID), nil
	default:
		return nil, fmt.Errorf("cmd/orchestrator: unknown agent kind %q for agent %q", ac.Kind, ac.AgentID)
	}
}

// newEchoAgent builds a Simulated agent that accepts every step type and
// returns its input back as output, tagged with the agent id and a
// processing timestamp. It exists so a config file with no plugin binaries
// still exercises the full dispatch path end to end.
func newEchoAgent(agentID string) *agentapi.Simulated {
	return agentapi.NewSimulated(agentID).On("*", func(ctx context.Context, task agentapi.Task) (any, error) {
		return map[string]any{
			"agent_id":     agentID,
			"step_type":    task.StepType,
			"echoed_input": task.Input,
			"processed_at": time.Now().UTC().Format(time.RFC3339),
		}, nil
	})
}
