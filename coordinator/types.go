// Package coordinator implements the multi-agent coordinator (spec §4.4:
// C4): given a step that requires multiple agents, it selects agents via
// the matcher, forms a coordination group, and drives one of several
// dispatch strategies across the step executor.
package coordinator

import (
	"time"

	"github.com/agentmesh/orchestrator/config"
)

// TaskState is the lifecycle of one agent task within a coordination group
// (spec §4.4: Assigned -> Executing -> {Completed | Failed | TimedOut}).
type TaskState string

const (
	TaskAssigned  TaskState = "assigned"
	TaskExecuting TaskState = "executing"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskTimedOut  TaskState = "timed_out"
)

// AgentTask is one unit of dispatched work inside a coordination group.
type AgentTask struct {
	AgentID   string
	State     TaskState
	Input     map[string]any
	Output    any
	Err       error
	StartedAt time.Time
	EndedAt   time.Time
}

// GroupState is the lifecycle of a CoordinationGroup.
type GroupState string

const (
	GroupActive    GroupState = "active"
	GroupCompleted GroupState = "completed"
	GroupFailed    GroupState = "failed"
	GroupCancelled GroupState = "cancelled"
)

// Group is a Coordination Group (spec §3): owned exclusively by the
// coordinator for its lifetime.
type Group struct {
	ID        string
	StepID    string
	Strategy  config.Strategy
	State     GroupState
	Tasks     []*AgentTask
	CreatedAt time.Time

	cancel func()
}

// Cancel cooperatively cancels every non-terminal member task and marks
// the group inactive (spec §4.4).
func (g *Group) Cancel() {
	if g.cancel != nil {
		g.cancel()
	}
	g.State = GroupCancelled
}

// DispatchInput bundles the per-strategy dispatch arguments.
type DispatchInput struct {
	StepID         string
	Strategy       config.Strategy
	Variables      map[string]any
	TimeoutSeconds int
	RequiredCount  int
	MaxCount       int
	CancelGrace    time.Duration
}

// DispatchOutput is the strategy-shaped result merged back into the
// workflow's execution context.
type DispatchOutput struct {
	Group  *Group
	Result any
	Err    error
}
