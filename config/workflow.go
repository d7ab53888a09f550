package config

import (
	"fmt"

	"github.com/agentmesh/orchestrator/capability"
)

// StepType enumerates the kinds of work a workflow step can declare
// (spec §3: Workflow Step).
type StepType string

const (
	StepAction        StepType = "action"
	StepDecision      StepType = "decision"
	StepVerification  StepType = "verification"
	StepNotification  StepType = "notification"
	StepWait          StepType = "wait"
	StepLoop          StepType = "loop"
	StepCondition     StepType = "condition"
	StepParallel      StepType = "parallel"
	StepAgentTask     StepType = "agent_task"
	StepToolExecution StepType = "tool_execution"
	StepHumanInput    StepType = "human_input"
	StepScript        StepType = "script"
)

// Strategy enumerates the coordination/execution strategies a workflow or
// a coordination group may request (spec §4.3, §4.4).
type Strategy string

const (
	StrategySequential    Strategy = "sequential"
	StrategyParallel      Strategy = "parallel"
	StrategyPipeline      Strategy = "pipeline"
	StrategyScatterGather Strategy = "scatter_gather"
	StrategyConsensus     Strategy = "consensus"
	StrategyHierarchical  Strategy = "hierarchical"
	StrategyAdaptive      Strategy = "adaptive"
	StrategyMultiAgent    Strategy = "multi_agent"
	StrategyConditionalDAG Strategy = "conditional_dag"
)

// OnFailurePolicy governs what a workflow does when one of its steps fails.
type OnFailurePolicy string

const (
	OnFailureFail     OnFailurePolicy = "fail"
	OnFailureContinue OnFailurePolicy = "continue"
)

// RetryPolicyConfig configures retry/backoff for a step (spec §4.3, §7).
type RetryPolicyConfig struct {
	MaxAttempts   int     `yaml:"max_attempts"`
	BackoffFactor float64 `yaml:"backoff_factor"`
	// JitterFraction is the fractional jitter applied symmetrically around
	// the computed backoff delay; spec default is ±20% (0.2).
	JitterFraction float64 `yaml:"jitter_fraction"`
}

var _ ConfigInterface = (*RetryPolicyConfig)(nil)

func (r *RetryPolicyConfig) SetDefaults() {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 3
	}
	if r.BackoffFactor == 0 {
		r.BackoffFactor = 2
	}
	if r.JitterFraction == 0 {
		r.JitterFraction = 0.2
	}
}

func (r *RetryPolicyConfig) Validate() error {
	if r.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: max_attempts must be >= 1")
	}
	if r.BackoffFactor < 1 {
		return fmt.Errorf("retry policy: backoff_factor must be >= 1")
	}
	if r.JitterFraction < 0 || r.JitterFraction > 1 {
		return fmt.Errorf("retry policy: jitter_fraction must be within [0,1]")
	}
	return nil
}

// multiAgentStrategies are the coordination strategies coordinator.Dispatch
// actually implements a dedicated path for (spec §4.4, strategies 1-6);
// Adaptive, MultiAgent, and ConditionalDAG are workflow-level Strategy
// values and not valid per-step coordination strategies.
var multiAgentStrategies = map[Strategy]bool{
	StrategySequential:    true,
	StrategyParallel:      true,
	StrategyPipeline:      true,
	StrategyScatterGather: true,
	StrategyConsensus:     true,
	StrategyHierarchical:  true,
}

// StepConfig declares one node in a workflow's step DAG (spec §3: Workflow Step).
type StepConfig struct {
	ID                   string            `yaml:"id"`
	Name                 string            `yaml:"name"`
	Type                 StepType          `yaml:"type"`
	DependsOn            []string          `yaml:"depends_on"`
	CapabilityFilter     capability.Filter `yaml:"capability_filter"`
	Input                map[string]any    `yaml:"input"`
	TimeoutSeconds       int               `yaml:"timeout_s"`
	Retry                RetryPolicyConfig `yaml:"retry"`
	OnFailure            OnFailurePolicy   `yaml:"on_failure"`
	// CoordinationStrategy selects how the step's matched agents are
	// coordinated when more than one is viable (spec §3, §4.5: "for
	// MultiAgent, per-step strategy comes from step.configuration.
	// coordination_strategy"). Empty means the step dispatches to its single
	// best-matched agent directly, bypassing the coordinator entirely.
	CoordinationStrategy Strategy `yaml:"coordination_strategy,omitempty"`
}

var _ ConfigInterface = (*StepConfig)(nil)

func (s *StepConfig) SetDefaults() {
	if s.OnFailure == "" {
		s.OnFailure = OnFailureFail
	}
	s.Retry.SetDefaults()
}

func (s *StepConfig) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("step: id is required")
	}
	if s.Type == "" {
		return fmt.Errorf("step %q: type is required", s.ID)
	}
	if s.OnFailure != OnFailureFail && s.OnFailure != OnFailureContinue {
		return fmt.Errorf("step %q: on_failure must be %q or %q", s.ID, OnFailureFail, OnFailureContinue)
	}
	if s.CoordinationStrategy != "" && !multiAgentStrategies[s.CoordinationStrategy] {
		return fmt.Errorf("step %q: coordination_strategy %q is not a valid multi-agent strategy", s.ID, s.CoordinationStrategy)
	}
	return s.Retry.Validate()
}

// WorkflowConfig declares a full workflow definition (spec §3: Workflow).
type WorkflowConfig struct {
	ID                      string          `yaml:"id"`
	Name                    string          `yaml:"name"`
	Strategy                Strategy        `yaml:"strategy"`
	Steps                   []StepConfig    `yaml:"steps"`
	TimeoutSeconds          int             `yaml:"timeout_s"`
	MaxConcurrentExecutions int             `yaml:"max_concurrent_executions"`
	OnFailure               OnFailurePolicy `yaml:"on_failure"`
}

var _ ConfigInterface = (*WorkflowConfig)(nil)

func (w *WorkflowConfig) SetDefaults() {
	if w.OnFailure == "" {
		w.OnFailure = OnFailureFail
	}
	if w.MaxConcurrentExecutions == 0 {
		w.MaxConcurrentExecutions = 1
	}
	for i := range w.Steps {
		w.Steps[i].SetDefaults()
	}
}

func (w *WorkflowConfig) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("workflow: id is required")
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %q: must declare at least one step", w.ID)
	}
	seen := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		if seen[s.ID] {
			return fmt.Errorf("workflow %q: duplicate step id %q", w.ID, s.ID)
		}
		seen[s.ID] = true
		if err := s.Validate(); err != nil {
			return fmt.Errorf("workflow %q: %w", w.ID, err)
		}
	}
	deps := make(map[string][]string, len(w.Steps))
	for _, s := range w.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("workflow %q: step %q depends on unknown step %q", w.ID, s.ID, dep)
			}
		}
		deps[s.ID] = s.DependsOn
	}
	if cycle := findCycle(deps); cycle != "" {
		return fmt.Errorf("workflow %q: dependency cycle detected at step %q", w.ID, cycle)
	}
	return nil
}

// findCycle returns the id of a step participating in a dependency cycle,
// or "" if the dependency graph is acyclic.
func findCycle(deps map[string][]string) string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(deps))
	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case done:
			return false
		case visiting:
			return true
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if visit(dep) {
				return true
			}
		}
		state[id] = done
		return false
	}
	for id := range deps {
		if visit(id) {
			return id
		}
	}
	return ""
}
