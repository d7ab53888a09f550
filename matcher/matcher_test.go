package matcher

import (
	"testing"

	"github.com/agentmesh/orchestrator/capability"
	"github.com/agentmesh/orchestrator/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func agentWith(id string, load float64, health capability.Health, tools []string) pool.Entry {
	return pool.Entry{
		AgentID: id,
		Limits:  pool.ResourceLimits{MaxConcurrentTasks: 10},
		State:   pool.LiveState{Health: health, CurrentLoad: load},
		Tools:   tools,
		Capabilities: []capability.Capability{
			{Name: "summarize", StepTypes: []string{"action"}, ToolsReq: tools, TypicalTime: 5, MaxTime: 20},
		},
	}
}

func TestMatch_PreFilter_DropsUnhealthyAgents(t *testing.T) {
	m := New()
	agents := []pool.Entry{
		agentWith("a1", 0.1, capability.Offline, nil),
		agentWith("a2", 0.1, capability.Healthy, nil),
	}
	results, err := m.Match(agents, Query{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a2", results[0].AgentID)
}

func TestMatch_EmptyInput_YieldsEmptyOutput(t *testing.T) {
	m := New()
	results, err := m.Match(nil, Query{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMatch_CostOptimized_HardFiltersOverBudget(t *testing.T) {
	m := New()
	cheap := agentWith("cheap", 0.1, capability.Healthy, nil)
	cheap.CostPerExecution = 0.04

	expensive := agentWith("expensive", 0.1, capability.Healthy, nil)
	expensive.CostPerExecution = 0.12

	budget := 0.10
	results, err := m.Match([]pool.Entry{cheap, expensive}, Query{
		Algorithm: CostOptimized,
		Context:   capability.MatchContext{Budget: &budget, EstimatedDuration: 5},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "cheap", results[0].AgentID)
}

func TestMatch_FuzzyMatch_DropsBelowThreshold(t *testing.T) {
	m := New()
	close := agentWith("close", 0.1, capability.Healthy, []string{"http_client"})
	far := agentWith("far", 0.1, capability.Healthy, []string{"zzz_unrelated_xyz"})

	results, err := m.Match([]pool.Entry{close, far}, Query{
		Algorithm: FuzzyMatch,
		Filter:    capability.Filter{RequiredTools: []string{"http_client"}},
	})
	require.NoError(t, err)
	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, 0.7)
	}
}

func TestMatch_SortOrder_ScoreDescending(t *testing.T) {
	m := New()
	low := agentWith("low", 0.9, capability.Warning, nil)
	high := agentWith("high", 0.1, capability.Healthy, nil)

	results, err := m.Match([]pool.Entry{low, high}, Query{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "high", results[0].AgentID)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestMatch_MaxResultsCapsOutput(t *testing.T) {
	m := New()
	agents := []pool.Entry{
		agentWith("a1", 0.1, capability.Healthy, nil),
		agentWith("a2", 0.2, capability.Healthy, nil),
		agentWith("a3", 0.3, capability.Healthy, nil),
	}
	results, err := m.Match(agents, Query{MaxResults: 2})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestWeightedScore_ContextModulation_Normalizes(t *testing.T) {
	ctx := capability.MatchContext{PreferReliable: true, Priority: 9}
	budget := 5.0
	ctx.Budget = &budget

	w := modulateWeightedScore(baseWeights(WeightedScore), ctx)
	sum := w.Cap + w.Tool + w.Workflow + w.Perf + w.Avail + w.Cost
	assert.InDelta(t, 1.0, sum, 0.0001)
}

func TestHistory_RecordsQueries(t *testing.T) {
	m := New()
	_, err := m.Match([]pool.Entry{agentWith("a1", 0.1, capability.Healthy, nil)}, Query{})
	require.NoError(t, err)
	assert.Equal(t, 1, m.history.Len())
}

func TestParetoFront_KeepsNonDominated(t *testing.T) {
	cands := []candidateScores{
		{Capability: 0.9, Tool: 0.9, Performance: 0.9, Availability: 0.9, Cost: 0.9}, // dominates all
		{Capability: 0.1, Tool: 0.1, Performance: 0.1, Availability: 0.1, Cost: 0.1}, // dominated
		{Capability: 0.9, Tool: 0.1, Performance: 0.5, Availability: 0.5, Cost: 0.5}, // also dominated by the first
	}
	front := paretoFront(cands)
	assert.Contains(t, front, 0)
	assert.NotContains(t, front, 1)
}
