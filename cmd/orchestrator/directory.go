package main

import (
	"sync"

	"github.com/agentmesh/orchestrator/agentapi"
)

// directory is the in-process agent id -> live Agent lookup shared by the
// workflow engine's RunFunc and the coordinator's RunFunc, satisfying
// coordinator.Directory structurally.
type directory struct {
	mu     sync.RWMutex
	agents map[string]agentapi.Agent
}

func newDirectory() *directory {
	return &directory{agents: make(map[string]agentapi.Agent)}
}

func (d *directory) register(agentID string, agent agentapi.Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[agentID] = agent
}

func (d *directory) Resolve(agentID string) (agentapi.Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[agentID]
	return a, ok
}
