// Package workflow implements the workflow engine (spec §4.5: C5): it
// drives one workflow's step DAG to completion, dispatching each step
// either directly through the step executor or, for multi-agent steps,
// through the coordinator.
package workflow

import (
	"time"

	"github.com/agentmesh/orchestrator/config"
)

// Status is the workflow-level FSM (spec §3: Execution):
// Pending -> Running -> {Paused <-> Running} -> {Completed | Failed} | -> Cancelled.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// transitions lists every legal Status -> Status edge.
var transitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:    {StatusRunning, StatusCancelled},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StepStatus is the per-step lifecycle within an Execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepExecution is the runtime record of one step within an Execution
// (spec §3: Step Execution).
type StepExecution struct {
	StepID     string     `json:"step_id"`
	Status     StepStatus `json:"status"`
	Output     any        `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	Attempts   int        `json:"attempts"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	AssignedTo []string   `json:"assigned_to,omitempty"`
}

// Execution is one running (or finished) instance of a Workflow (spec §3).
// The engine exclusively owns this and its in-memory variable bag.
type Execution struct {
	ID         string                    `json:"id"`
	WorkflowID string                    `json:"workflow_id"`
	Status     Status                    `json:"status"`
	Steps      map[string]*StepExecution `json:"steps"`
	Variables  map[string]any            `json:"variables"`
	StartedAt  time.Time                 `json:"started_at"`
	EndedAt    *time.Time                `json:"ended_at,omitempty"`
	Error      string                    `json:"error,omitempty"`
	Deadline   time.Time                 `json:"deadline"`
}

// Remaining returns the time left before the execution's overall deadline.
func (e *Execution) Remaining(now time.Time) time.Duration {
	if e.Deadline.IsZero() {
		return time.Hour
	}
	d := e.Deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Event is published on the engine's event stream as execution progresses.
type Event struct {
	ExecutionID string
	StepID      string
	Kind        string // "step_started", "step_completed", "step_failed", "workflow_completed", ...
	Timestamp   time.Time
	Detail      string
}

// readySet computes the steps whose dependencies are all satisfied
// (Completed, or Skipped under an on_failure=continue policy) and which
// have not themselves already started.
func readySet(wf *config.WorkflowConfig, exec *Execution) []config.StepConfig {
	var ready []config.StepConfig
	for _, step := range wf.Steps {
		se := exec.Steps[step.ID]
		if se.Status != StepPending {
			continue
		}
		if dependenciesSatisfied(step, exec) {
			ready = append(ready, step)
		}
	}
	return ready
}

func dependenciesSatisfied(step config.StepConfig, exec *Execution) bool {
	for _, dep := range step.DependsOn {
		se := exec.Steps[dep]
		if se == nil || (se.Status != StepCompleted && se.Status != StepSkipped) {
			return false
		}
	}
	return true
}

// propagateSkips marks Pending steps Skipped once a step they (transitively)
// depend on has Failed under an on_failure=continue policy, so the DAG
// keeps draining toward a terminal state instead of stalling.
func propagateSkips(wf *config.WorkflowConfig, exec *Execution) {
	byID := make(map[string]config.StepConfig, len(wf.Steps))
	for _, s := range wf.Steps {
		byID[s.ID] = s
	}
	for changed := true; changed; {
		changed = false
		for _, s := range wf.Steps {
			se := exec.Steps[s.ID]
			if se.Status != StepPending {
				continue
			}
			for _, dep := range s.DependsOn {
				depSE := exec.Steps[dep]
				depCfg := byID[dep]
				if depSE.Status == StepFailed && depCfg.OnFailure == config.OnFailureContinue {
					se.Status = StepSkipped
					changed = true
					break
				}
				if depSE.Status == StepSkipped {
					se.Status = StepSkipped
					changed = true
					break
				}
			}
		}
	}
}

// allTerminal reports whether every step has reached Completed, Failed, or Skipped.
func allTerminal(exec *Execution) bool {
	for _, se := range exec.Steps {
		if se.Status != StepCompleted && se.Status != StepFailed && se.Status != StepSkipped {
			return false
		}
	}
	return true
}

// anyFailed reports whether any step ended Failed under an on_failure=fail
// policy. Steps tolerated via on_failure=continue do not fail the workflow.
func anyFailed(wf *config.WorkflowConfig, exec *Execution) bool {
	policies := make(map[string]config.OnFailurePolicy, len(wf.Steps))
	for _, s := range wf.Steps {
		policies[s.ID] = s.OnFailure
	}
	for id, se := range exec.Steps {
		if se.Status == StepFailed && policies[id] != config.OnFailureContinue {
			return true
		}
	}
	return false
}
