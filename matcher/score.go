package matcher

import (
	"math"

	"github.com/agentmesh/orchestrator/capability"
	"github.com/agentmesh/orchestrator/pool"
)

// candidateScores holds every raw scoring input computed once per agent,
// shared across all seven algorithms.
type candidateScores struct {
	Entry pool.Entry

	Capability   float64
	Tool         float64
	Workflow     float64
	Performance  float64
	Availability float64
	Cost         float64

	// Reliability and Speed are the two terms PerformanceOptimized reports
	// separately from Performance (spec §4.2).
	Reliability float64
	Speed       float64

	LoadBalance float64
	Fuzzy       float64

	MissingRequirements []string
	BaseTime            float64
	BaseCost            float64
}

func ratio(num, den int, filterEmpty bool) float64 {
	if den == 0 {
		if filterEmpty {
			return 1.0
		}
		return 0.0
	}
	return float64(num) / float64(den)
}

func intersectCount(required, available []string) int {
	have := make(map[string]bool, len(available))
	for _, a := range available {
		have[a] = true
	}
	n := 0
	for _, r := range required {
		if have[r] {
			n++
		}
	}
	return n
}

func matchedStepTypes(e pool.Entry, required []string) int {
	have := make(map[string]bool)
	for _, c := range e.Capabilities {
		for _, st := range c.StepTypes {
			have[st] = true
		}
	}
	n := 0
	for _, r := range required {
		if have[r] {
			n++
		}
	}
	return n
}

func supportedStrategies(e pool.Entry, required []string) int {
	have := make(map[string]bool)
	for _, c := range e.Capabilities {
		for _, s := range c.Strategies {
			have[s] = true
		}
	}
	n := 0
	for _, r := range required {
		if have[r] {
			n++
		}
	}
	return n
}

// entryTools returns the union of entry-level tools and per-capability
// required tools, the full set available on this agent.
func entryTools(e pool.Entry) []string {
	tools := append([]string(nil), e.Tools...)
	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		seen[t] = true
	}
	for _, c := range e.Capabilities {
		for _, t := range append(c.ToolsReq, c.ToolsOpt...) {
			if !seen[t] {
				seen[t] = true
				tools = append(tools, t)
			}
		}
	}
	return tools
}

// performanceAndSpeed computes the performance sub-score (spec §4.2):
// mean over the agent's per-capability historical metrics of
// (success_rate + speed_score)/2, where speed_score = min(1,
// estimated_duration/avg_exec_time); defaults to 0.8 when no history.
func performanceAndSpeed(e pool.Entry, estimatedDuration float64) (perf, reliability, speed float64) {
	if len(e.PerformanceHistory) == 0 {
		return 0.8, 0.8, 0.8
	}
	var sumPerf, sumRel, sumSpeed float64
	n := 0
	for _, m := range e.PerformanceHistory {
		sp := 1.0
		if m.AvgExecSeconds > 0 && estimatedDuration > 0 {
			sp = math.Min(1.0, estimatedDuration/m.AvgExecSeconds)
		}
		sumPerf += (m.SuccessRate + sp) / 2
		sumRel += m.SuccessRate
		sumSpeed += sp
		n++
	}
	return sumPerf / float64(n), sumRel / float64(n), sumSpeed / float64(n)
}

func availabilityScore(e pool.Entry) float64 {
	return (e.State.Health.Weight() + (1 - e.State.CurrentLoad)) / 2
}

// baseCost implements the type-scaled default from spec §4.2: super/expert
// x2.0, specialist/advanced x1.5, else x1.0, of a 0.1 reference cost when
// the agent has no explicit cost_per_execution.
func baseCost(e pool.Entry) float64 {
	if e.CostPerExecution > 0 {
		return e.CostPerExecution
	}
	switch e.AgentType {
	case "super", "expert":
		return 0.2
	case "specialist", "advanced":
		return 0.15
	default:
		return 0.1
	}
}

func costScore(cost float64, budget *float64) float64 {
	const referenceMax = 10.0
	if budget != nil && *budget > 0 {
		if cost > *budget {
			return 0
		}
		return 1 - cost/(*budget)
	}
	return 1 - cost/referenceMax
}

// meanAvgExecTime returns the mean of an agent's per-capability average
// execution times, the base_time input to the estimate formulas, falling
// back to the context's estimated duration when there is no history.
func meanAvgExecTime(e pool.Entry, fallback float64) float64 {
	if len(e.PerformanceHistory) == 0 {
		return fallback
	}
	var sum float64
	n := 0
	for _, m := range e.PerformanceHistory {
		if m.AvgExecSeconds > 0 {
			sum += m.AvgExecSeconds
			n++
		}
	}
	if n == 0 {
		return fallback
	}
	return sum / float64(n)
}

// computeCandidate computes every raw sub-score and estimate for one agent
// against a filter and context, independent of which algorithm will
// consume it.
func computeCandidate(e pool.Entry, f capability.Filter, ctx capability.MatchContext) candidateScores {
	empty := f.IsEmpty()

	capScore := ratio(matchedStepTypes(e, f.StepTypes), len(f.StepTypes), empty)
	toolScore := ratio(intersectCount(f.RequiredTools, entryTools(e)), len(f.RequiredTools), empty)
	wfScore := ratio(supportedStrategies(e, f.Strategies), len(f.Strategies), empty)

	perf, reliability, speed := performanceAndSpeed(e, ctx.EstimatedDuration)
	avail := availabilityScore(e)

	base := baseCost(e)
	baseTime := meanAvgExecTime(e, ctx.EstimatedDuration)
	estTime := baseTime * (1 + 0.5*e.State.CurrentLoad)
	estCost := base * (estTime / 300.0)

	cost := costScore(estCost, ctx.Budget)

	var missing []string
	if capScore < 1 && len(f.StepTypes) > 0 {
		missing = append(missing, "step_types")
	}
	if toolScore < 1 && len(f.RequiredTools) > 0 {
		missing = append(missing, "required_tools")
	}
	if wfScore < 1 && len(f.Strategies) > 0 {
		missing = append(missing, "strategies")
	}

	return candidateScores{
		Entry:               e,
		Capability:          capScore,
		Tool:                toolScore,
		Workflow:            wfScore,
		Performance:         perf,
		Availability:        avail,
		Cost:                cost,
		Reliability:         reliability,
		Speed:               speed,
		MissingRequirements: missing,
		BaseTime:            estTime,
		BaseCost:            estCost,
	}
}

// passesPreFilter implements the spec §4.2 pre-filter.
func passesPreFilter(e pool.Entry, f capability.Filter) bool {
	for _, excluded := range f.ExcludeAgents {
		if e.AgentID == excluded {
			return false
		}
	}
	if len(f.IncludeAgents) > 0 {
		found := false
		for _, id := range f.IncludeAgents {
			if e.AgentID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	healthOK := false
	for _, h := range f.EffectiveHealthStatuses() {
		if e.State.Health == h {
			healthOK = true
			break
		}
	}
	if !healthOK {
		return false
	}
	if f.MaxCurrentLoadPct > 0 && e.State.CurrentLoad > f.MaxCurrentLoadPct {
		return false
	}
	if f.MinAvailableSlots > 0 && e.AvailableSlots() < f.MinAvailableSlots {
		return false
	}
	if f.Environment != "" && e.Environment != "" && e.Environment != f.Environment {
		return false
	}
	if f.Region != "" && e.Region != "" && e.Region != f.Region {
		return false
	}
	return true
}
