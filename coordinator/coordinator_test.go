package coordinator

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator/capability"
	"github.com/agentmesh/orchestrator/config"
	"github.com/agentmesh/orchestrator/matcher"
	"github.com/agentmesh/orchestrator/pool"
)

func newTestCoordinator(run RunFunc) *Coordinator {
	return New(pool.New(), matcher.New(), nil, run)
}

func matchResults(ids ...string) []capability.Result {
	out := make([]capability.Result, len(ids))
	for i, id := range ids {
		out[i] = capability.Result{AgentID: id}
	}
	return out
}

func TestDispatch_Parallel_SucceedsWithOneFailure(t *testing.T) {
	run := func(ctx context.Context, agentID string, input map[string]any, timeout time.Duration) (any, error) {
		if agentID == "bad" {
			return nil, fmt.Errorf("boom")
		}
		return "ok:" + agentID, nil
	}
	c := newTestCoordinator(run)
	agents := matchResults("a1", "bad", "a2")

	out := c.Dispatch(context.Background(), DispatchInput{StepID: "s1", Strategy: config.StrategyParallel, Variables: map[string]any{}}, agents)
	require.NoError(t, out.Err)
	m := out.Result.(map[string]any)
	assert.Equal(t, 2, m["success_count"])
	assert.Equal(t, 3, m["total_count"])
}

func TestDispatch_Sequential_FailsFast(t *testing.T) {
	var calls int32
	run := func(ctx context.Context, agentID string, input map[string]any, timeout time.Duration) (any, error) {
		atomic.AddInt32(&calls, 1)
		if agentID == "a2" {
			return nil, fmt.Errorf("boom")
		}
		return "ok", nil
	}
	c := newTestCoordinator(run)
	agents := matchResults("a1", "a2", "a3")

	out := c.Dispatch(context.Background(), DispatchInput{StepID: "s1", Strategy: config.StrategySequential, Variables: map[string]any{}}, agents)
	require.Error(t, out.Err)
	assert.Equal(t, int32(2), calls)
}

func TestDispatch_Pipeline_CarriesOutputForward(t *testing.T) {
	run := func(ctx context.Context, agentID string, input map[string]any, timeout time.Duration) (any, error) {
		n, _ := input["n"].(int)
		return map[string]any{"n": n + 1}, nil
	}
	c := newTestCoordinator(run)
	agents := matchResults("a1", "a2", "a3")

	out := c.Dispatch(context.Background(), DispatchInput{StepID: "s1", Strategy: config.StrategyPipeline, Variables: map[string]any{"n": 0}}, agents)
	require.NoError(t, out.Err)
	m := out.Result.(map[string]any)
	assert.Equal(t, 3, m["n"])
}

func TestDispatch_Consensus_MajorityWins(t *testing.T) {
	run := func(ctx context.Context, agentID string, input map[string]any, timeout time.Duration) (any, error) {
		if agentID == "a3" {
			return "minority", nil
		}
		return "majority", nil
	}
	c := newTestCoordinator(run)
	agents := matchResults("a1", "a2", "a3")

	out := c.Dispatch(context.Background(), DispatchInput{StepID: "s1", Strategy: config.StrategyConsensus, Variables: map[string]any{}}, agents)
	require.NoError(t, out.Err)
	m := out.Result.(map[string]any)
	assert.Equal(t, "majority", m["consensus_result"])
	assert.InDelta(t, 1.0, m["consensus_confidence"], 0.0001)
}

func TestDispatch_Consensus_TieBrokenByLowestAgentID(t *testing.T) {
	run := func(ctx context.Context, agentID string, input map[string]any, timeout time.Duration) (any, error) {
		return "result:" + agentID, nil
	}
	c := newTestCoordinator(run)
	agents := matchResults("b", "a")

	out := c.Dispatch(context.Background(), DispatchInput{StepID: "s1", Strategy: config.StrategyConsensus, Variables: map[string]any{}}, agents)
	require.NoError(t, out.Err)
	m := out.Result.(map[string]any)
	// Both results are unique (1 vote each); lowest agent id "a" must win the tie.
	assert.Equal(t, "result:a", m["consensus_result"])
}

func TestDispatch_Hierarchical_LeaderGetsWorkerResults(t *testing.T) {
	run := func(ctx context.Context, agentID string, input map[string]any, timeout time.Duration) (any, error) {
		if agentID == "leader" {
			wr, ok := input["worker_results"].(map[string]any)
			if !ok || len(wr) != 2 {
				return nil, fmt.Errorf("leader did not receive worker results")
			}
			return "final", nil
		}
		return "worker-output", nil
	}
	c := newTestCoordinator(run)
	agents := matchResults("leader", "w1", "w2")

	out := c.Dispatch(context.Background(), DispatchInput{StepID: "s1", Strategy: config.StrategyHierarchical, Variables: map[string]any{}}, agents)
	require.NoError(t, out.Err)
	assert.Equal(t, "final", out.Result)
}

func TestDispatch_NoAgents_Fails(t *testing.T) {
	c := newTestCoordinator(func(ctx context.Context, agentID string, input map[string]any, timeout time.Duration) (any, error) {
		return nil, nil
	})
	out := c.Dispatch(context.Background(), DispatchInput{StepID: "s1", Strategy: config.StrategyParallel}, nil)
	require.Error(t, out.Err)
}
