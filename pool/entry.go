// Package pool implements the capability registry (spec §4.1: Capability
// Registry / C1): the live set of agent pool entries, their capabilities,
// and their health/load state.
package pool

import (
	"time"

	"github.com/agentmesh/orchestrator/capability"
)

// ResourceLimits bounds how much concurrent work an agent will accept.
type ResourceLimits struct {
	MaxConcurrentTasks int     `json:"max_concurrent_tasks"`
	MaxCPUPercent      float64 `json:"max_cpu_percent,omitempty"`
	MaxMemoryMB        int     `json:"max_memory_mb,omitempty"`
}

// LiveState is the mutable, frequently-updated half of an Entry — separated
// from identity/capabilities so snapshot reads can copy it cheaply.
type LiveState struct {
	Health        capability.Health `json:"health"`
	CurrentLoad   float64           `json:"current_load"` // fraction 0..1 of MaxConcurrentTasks in use
	ActiveTasks   int               `json:"active_tasks"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	StartedAt     time.Time         `json:"started_at"`
	// HealthOverridden marks that Health was set explicitly (e.g. via an
	// external signal) rather than derived from load, so SetLoad must not
	// clobber it until SetHealth is called with an empty status; a heartbeat
	// does not clear it.
	HealthOverridden bool `json:"-"`
}

// Uptime reports how long the agent has been running as of now.
func (s LiveState) Uptime(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// Entry is one agent pool entry (spec §3: Agent Pool Entry).
type Entry struct {
	AgentID      string                          `json:"agent_id"`
	DisplayName  string                          `json:"display_name"`
	Environment  string                          `json:"environment"`
	Region       string                          `json:"region"`
	Capabilities []capability.Capability         `json:"capabilities"`
	Tools        []string                        `json:"tools"`
	StrategyTags []string                        `json:"strategy_tags"`
	Limits       ResourceLimits                  `json:"resource_limits"`
	// AgentType is a free-form tier label ("super", "expert", "specialist",
	// "advanced", ...) used only to scale the CostOptimized base-cost
	// default when CostPerExecution is unset.
	AgentType        string  `json:"agent_type,omitempty"`
	CostPerExecution float64 `json:"cost_per_execution,omitempty"`
	Tags             []string `json:"tags,omitempty"`

	State LiveState `json:"state"`

	// PerformanceHistory keys by capability name, tracking the rolling
	// success-rate and latency stats used by the performance sub-score
	// (spec §4.2) and the HistoricalPredictor algorithm.
	PerformanceHistory map[string]capability.Metrics `json:"performance_history,omitempty"`
}

// AvailableSlots reports how many more concurrent tasks the agent can accept.
func (e Entry) AvailableSlots() int {
	free := e.Limits.MaxConcurrentTasks - e.State.ActiveTasks
	if free < 0 {
		return 0
	}
	return free
}

// HasCapabilityType reports whether the entry offers any capability of type t.
func (e Entry) HasCapabilityType(t capability.Type) bool {
	for _, c := range e.Capabilities {
		if c.Type == t {
			return true
		}
	}
	return false
}

// HasTool reports whether the entry exposes tool name.
func (e Entry) HasTool(name string) bool {
	for _, t := range e.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// Clone returns a deep-enough copy of the entry for safe snapshot reads:
// slices and the history map are copied so callers cannot mutate pool state
// through a returned Entry.
func (e Entry) Clone() Entry {
	out := e
	out.Capabilities = append([]capability.Capability(nil), e.Capabilities...)
	out.Tools = append([]string(nil), e.Tools...)
	out.StrategyTags = append([]string(nil), e.StrategyTags...)
	out.Tags = append([]string(nil), e.Tags...)
	if e.PerformanceHistory != nil {
		out.PerformanceHistory = make(map[string]capability.Metrics, len(e.PerformanceHistory))
		for k, v := range e.PerformanceHistory {
			out.PerformanceHistory[k] = v
		}
	}
	return out
}
