// Package capability defines the shared data model for agent capabilities,
// capability filters, and match results (spec §3: Capability, Capability
// Filter, Match Result). It has no behavior of its own — scoring lives in
// package matcher, storage lives in package pool — so that both can share
// one vocabulary without importing each other.
package capability

import "fmt"

// Type enumerates the kinds of work a capability can perform.
type Type string

const (
	TaskExecution  Type = "task_execution"
	Coordination   Type = "coordination"
	Monitoring     Type = "monitoring"
	Documentation  Type = "documentation"
	Validation     Type = "validation"
	Communication  Type = "communication"
	DataProcessing Type = "data_processing"
	Analysis       Type = "analysis"
	Automation     Type = "automation"
	Integration    Type = "integration"
)

// Complexity ranks how demanding a capability is to execute.
type Complexity string

const (
	Simple   Complexity = "simple"
	Moderate Complexity = "moderate"
	Complex  Complexity = "complex"
	Expert   Complexity = "expert"
)

// Health is the live health status of an agent pool entry.
type Health string

const (
	Healthy  Health = "healthy"
	Warning  Health = "warning"
	Critical Health = "critical"
	Offline  Health = "offline"
	Unknown  Health = "unknown"
)

// Weight returns the availability-score health weight from spec §4.2.
func (h Health) Weight() float64 {
	switch h {
	case Healthy:
		return 1.0
	case Warning:
		return 0.7
	case Critical:
		return 0.3
	case Offline:
		return 0.0
	default:
		return 0.5
	}
}

// Capability is a named unit of work an agent can perform (spec §3).
// Capabilities are immutable once published; a new Version replaces the
// previous one by Name.
type Capability struct {
	Name        string     `json:"name" yaml:"name"`
	Type        Type       `json:"type" yaml:"type"`
	Complexity  Complexity `json:"complexity" yaml:"complexity"`
	StepTypes   []string   `json:"step_types" yaml:"step_types"`
	ToolsReq    []string   `json:"required_tools" yaml:"required_tools"`
	ToolsOpt    []string   `json:"optional_tools" yaml:"optional_tools"`
	Strategies  []string   `json:"workflow_strategies" yaml:"workflow_strategies"`
	TypicalTime float64    `json:"typical_execution_time" yaml:"typical_execution_time"`
	MaxTime     float64    `json:"max_execution_time" yaml:"max_execution_time"`
	ParallelOK  bool       `json:"parallel_safe" yaml:"parallel_safe"`
	Stateful    bool       `json:"stateful" yaml:"stateful"`
	ResourceInt bool       `json:"resource_intensive" yaml:"resource_intensive"`
	InputSchema any        `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema any       `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	DependsOn   []string   `json:"depends_on" yaml:"depends_on"`
	ConflictsWith []string `json:"conflicts_with" yaml:"conflicts_with"`
	Version     int        `json:"version" yaml:"version"`
	Deprecated  bool       `json:"deprecated" yaml:"deprecated"`
}

// Validate enforces the spec §3 invariant: typical_execution_time ≤ max_execution_time.
func (c *Capability) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("capability: name is required")
	}
	if c.TypicalTime > c.MaxTime && c.MaxTime > 0 {
		return fmt.Errorf("capability %q: typical_execution_time (%.2f) exceeds max_execution_time (%.2f)",
			c.Name, c.TypicalTime, c.MaxTime)
	}
	return nil
}

// Metrics captures historical performance for one capability on one agent,
// used by the performance sub-score (spec §4.2) and kept in
// pool.Entry.PerformanceHistory (restored from original_source's
// agent_performance_cache).
type Metrics struct {
	SuccessRate    float64 `json:"success_rate"`
	AvgExecSeconds float64 `json:"avg_exec_seconds"`
	SampleCount    int     `json:"sample_count"`
}

// Filter is the declarative requirements surface used to query the pool
// (spec §3: Capability Filter).
type Filter struct {
	RequiredTypes      []Type   `json:"required_types,omitempty" yaml:"required_types,omitempty"`
	StepTypes          []string `json:"step_types,omitempty" yaml:"step_types,omitempty"`
	RequiredTools      []string `json:"required_tools,omitempty" yaml:"required_tools,omitempty"`
	Strategies         []string `json:"strategies,omitempty" yaml:"strategies,omitempty"`
	MinSuccessRate     float64  `json:"min_success_rate,omitempty" yaml:"min_success_rate,omitempty"`
	MaxExecutionTime   float64  `json:"max_execution_time,omitempty" yaml:"max_execution_time,omitempty"`
	MinAvailableSlots  int      `json:"min_available_capacity,omitempty" yaml:"min_available_capacity,omitempty"`
	MaxCurrentLoadPct  float64  `json:"max_current_load,omitempty" yaml:"max_current_load,omitempty"`
	HealthStatuses     []Health `json:"health_statuses,omitempty" yaml:"health_statuses,omitempty"`
	Environment        string   `json:"environment,omitempty" yaml:"environment,omitempty"`
	Region             string   `json:"region,omitempty" yaml:"region,omitempty"`
	IncludeAgents      []string `json:"include_agents,omitempty" yaml:"include_agents,omitempty"`
	ExcludeAgents      []string `json:"exclude_agents,omitempty" yaml:"exclude_agents,omitempty"`
	MaxCost            float64  `json:"max_cost,omitempty" yaml:"max_cost,omitempty"`
	RequiredTags       []string `json:"required_tags,omitempty" yaml:"required_tags,omitempty"`
}

// IsEmpty reports whether the filter imposes no requirements at all, the
// condition under which divisor-zero sub-scores default to 1.0 (spec §4.2).
func (f Filter) IsEmpty() bool {
	return len(f.RequiredTypes) == 0 && len(f.StepTypes) == 0 && len(f.RequiredTools) == 0 &&
		len(f.Strategies) == 0 && f.MinSuccessRate == 0 && f.MaxExecutionTime == 0 &&
		f.MinAvailableSlots == 0 && f.MaxCurrentLoadPct == 0 && len(f.HealthStatuses) == 0 &&
		f.Environment == "" && f.Region == "" && len(f.IncludeAgents) == 0 &&
		len(f.ExcludeAgents) == 0 && f.MaxCost == 0 && len(f.RequiredTags) == 0
}

// EffectiveHealthStatuses returns the filter's own health statuses, or the
// statuses considered acceptable when a filter does not specify any — an available agent's own statuses
// (Healthy, Warning) per the Agent Pool Entry availability invariant.
func (f Filter) EffectiveHealthStatuses() []Health {
	if len(f.HealthStatuses) > 0 {
		return f.HealthStatuses
	}
	return []Health{Healthy, Warning}
}

// MatchContext carries per-query matching context (spec §4.2).
type MatchContext struct {
	StepCount          int
	EstimatedDuration  float64 // seconds
	Priority           int     // 1..10
	Deadline           *int64  // unix seconds, optional
	Budget             *float64
	PreferReliable     bool
	AllowParallel      bool
	Environment        string
	UserPreferences    map[string]any
}

// SubScores holds the six per-axis scores making up a match (spec §3: Match Result).
type SubScores struct {
	Capability  float64 `json:"capability"`
	Tool        float64 `json:"tool"`
	Workflow    float64 `json:"workflow"`
	Performance float64 `json:"performance"`
	Load        float64 `json:"load"`
	Health      float64 `json:"health"`
}

// Result is one agent's outcome from a matching query (spec §3: Match Result).
type Result struct {
	AgentID          string    `json:"agent_id"`
	Score            float64   `json:"match_score"`
	SubScores        SubScores `json:"sub_scores"`
	EstimatedTime    float64   `json:"estimated_execution_time"`
	EstimatedCost    float64   `json:"estimated_cost"`
	Confidence       float64   `json:"confidence"`
	MissingRequirements []string `json:"missing_requirements,omitempty"`
}

// Viable implements the spec §3 viability rule: total ≥ 0.5 AND missing = ∅
// AND health_score > 0.
func (r Result) Viable() bool {
	return r.Score >= 0.5 && len(r.MissingRequirements) == 0 && r.SubScores.Health > 0
}
