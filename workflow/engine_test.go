package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator/capability"
	"github.com/agentmesh/orchestrator/config"
	"github.com/agentmesh/orchestrator/coordinator"
	"github.com/agentmesh/orchestrator/corerr"
	"github.com/agentmesh/orchestrator/matcher"
	"github.com/agentmesh/orchestrator/pool"
)

func newTestPool(t *testing.T, ids ...string) *pool.Pool {
	t.Helper()
	p := pool.New()
	for _, id := range ids {
		require.NoError(t, p.Upsert(pool.Entry{
			AgentID: id,
			Capabilities: []capability.Capability{
				{Name: "exec", Type: capability.TaskExecution, Complexity: capability.Simple, TypicalTime: 1, MaxTime: 10},
			},
			Limits: pool.ResourceLimits{MaxConcurrentTasks: 4},
			State:  pool.LiveState{Health: capability.Healthy, LastHeartbeat: time.Now(), StartedAt: time.Now()},
		}))
	}
	return p
}

func newTestEngine(t *testing.T, ids []string, runStep RunFunc, engineCfg config.EngineConfig) *Engine {
	t.Helper()
	p := newTestPool(t, ids...)
	m := matcher.New()
	c := coordinator.New(p, m, nil, func(ctx context.Context, agentID string, input map[string]any, timeout time.Duration) (any, error) {
		return "group-ok", nil
	})
	engineCfg.SetDefaults()
	return New(p, m, c, runStep, nil, nil, engineCfg)
}

func waitTerminal(t *testing.T, e *Engine, executionID string) *Execution {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := e.Status(executionID)
		require.NoError(t, err)
		if exec.Status.Terminal() {
			return exec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("execution %s did not reach a terminal state in time", executionID)
	return nil
}

func simpleWorkflow(steps ...config.StepConfig) *config.WorkflowConfig {
	wf := &config.WorkflowConfig{ID: "wf1", Steps: steps}
	wf.SetDefaults()
	return wf
}

func TestEngine_LinearChainCompletes(t *testing.T) {
	runStep := func(ctx context.Context, step config.StepConfig, entry pool.Entry, exec *Execution) (any, error) {
		return step.ID + "-done", nil
	}
	e := newTestEngine(t, []string{"a1"}, runStep, config.EngineConfig{})
	wf := simpleWorkflow(
		config.StepConfig{ID: "s1", Type: config.StepAction},
		config.StepConfig{ID: "s2", Type: config.StepAction, DependsOn: []string{"s1"}},
	)

	exec, err := e.Submit(context.Background(), wf, "exec1", map[string]any{})
	require.NoError(t, err)

	final := waitTerminal(t, e, exec.ID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, StepCompleted, final.Steps["s1"].Status)
	assert.Equal(t, StepCompleted, final.Steps["s2"].Status)
}

func TestEngine_OnFailureContinue_SkipsDependents(t *testing.T) {
	runStep := func(ctx context.Context, step config.StepConfig, entry pool.Entry, exec *Execution) (any, error) {
		if step.ID == "flaky" {
			return nil, assertError{"boom"}
		}
		return "ok", nil
	}
	e := newTestEngine(t, []string{"a1"}, runStep, config.EngineConfig{})
	wf := simpleWorkflow(
		config.StepConfig{ID: "flaky", Type: config.StepAction, OnFailure: config.OnFailureContinue},
		config.StepConfig{ID: "dependent", Type: config.StepAction, DependsOn: []string{"flaky"}},
		config.StepConfig{ID: "independent", Type: config.StepAction},
	)

	exec, err := e.Submit(context.Background(), wf, "exec2", map[string]any{})
	require.NoError(t, err)

	final := waitTerminal(t, e, exec.ID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, StepFailed, final.Steps["flaky"].Status)
	assert.Equal(t, StepSkipped, final.Steps["dependent"].Status)
	assert.Equal(t, StepCompleted, final.Steps["independent"].Status)
}

func TestEngine_OnFailureFail_AbortsWorkflow(t *testing.T) {
	runStep := func(ctx context.Context, step config.StepConfig, entry pool.Entry, exec *Execution) (any, error) {
		if step.ID == "bad" {
			return nil, assertError{"boom"}
		}
		return "ok", nil
	}
	e := newTestEngine(t, []string{"a1"}, runStep, config.EngineConfig{})
	wf := simpleWorkflow(config.StepConfig{ID: "bad", Type: config.StepAction})

	exec, err := e.Submit(context.Background(), wf, "exec3", map[string]any{})
	require.NoError(t, err)

	final := waitTerminal(t, e, exec.ID)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Equal(t, StepFailed, final.Steps["bad"].Status)
}

func TestEngine_PauseResume(t *testing.T) {
	gate := make(chan struct{})
	runStep := func(ctx context.Context, step config.StepConfig, entry pool.Entry, exec *Execution) (any, error) {
		if step.ID == "s1" {
			<-gate
		}
		return "ok", nil
	}
	e := newTestEngine(t, []string{"a1"}, runStep, config.EngineConfig{})
	wf := simpleWorkflow(
		config.StepConfig{ID: "s1", Type: config.StepAction},
		config.StepConfig{ID: "s2", Type: config.StepAction, DependsOn: []string{"s1"}},
	)

	exec, err := e.Submit(context.Background(), wf, "exec4", map[string]any{})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.Pause(exec.ID))
	close(gate)
	time.Sleep(20 * time.Millisecond)

	st, err := e.Status(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, st.Status)

	require.NoError(t, e.Resume(exec.ID))
	final := waitTerminal(t, e, exec.ID)
	assert.Equal(t, StatusCompleted, final.Status)
}

func TestEngine_Cancel(t *testing.T) {
	gate := make(chan struct{})
	runStep := func(ctx context.Context, step config.StepConfig, entry pool.Entry, exec *Execution) (any, error) {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		return "ok", nil
	}
	e := newTestEngine(t, []string{"a1"}, runStep, config.EngineConfig{})
	wf := simpleWorkflow(config.StepConfig{ID: "s1", Type: config.StepAction})

	exec, err := e.Submit(context.Background(), wf, "exec5", map[string]any{})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, e.Cancel(exec.ID))

	st, err := e.Status(exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, st.Status)
	close(gate)
}

func TestEngine_NoAgents_Fails(t *testing.T) {
	runStep := func(ctx context.Context, step config.StepConfig, entry pool.Entry, exec *Execution) (any, error) {
		return "ok", nil
	}
	e := newTestEngine(t, nil, runStep, config.EngineConfig{})
	wf := simpleWorkflow(config.StepConfig{ID: "s1", Type: config.StepAction})

	exec, err := e.Submit(context.Background(), wf, "exec6", map[string]any{})
	require.NoError(t, err)

	final := waitTerminal(t, e, exec.ID)
	assert.Equal(t, StatusFailed, final.Status)
}

func TestEngine_MaxConcurrentWorkflows_RejectsBeyondLimit(t *testing.T) {
	gate := make(chan struct{})
	runStep := func(ctx context.Context, step config.StepConfig, entry pool.Entry, exec *Execution) (any, error) {
		<-gate
		return "ok", nil
	}
	e := newTestEngine(t, []string{"a1", "a2"}, runStep, config.EngineConfig{MaxConcurrentWorkflows: 1})
	wf := simpleWorkflow(config.StepConfig{ID: "s1", Type: config.StepAction})

	_, err := e.Submit(context.Background(), wf, "execA", map[string]any{})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	_, err = e.Submit(context.Background(), wf, "execB", map[string]any{})
	require.Error(t, err, "a second submission at capacity must be rejected, not queued")
	assert.Equal(t, corerr.Overloaded, corerr.KindOf(err))

	close(gate)
	waitTerminal(t, e, "execA")
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

// TestEngine_CoordinationStrategy_ThreadsFromStepConfig exercises a
// multi-agent step end to end, verifying that the strategy actually used by
// the coordinator is the one declared on the step (sequential), not the
// parallel default this path used to be hardcoded to. Sequential and
// Parallel produce observably different output shapes (coordinator.
// runSequential keys results as agent_<i>_result; runParallel nests them
// under "results"), so the output shape doubles as proof of which strategy
// ran.
func TestEngine_CoordinationStrategy_ThreadsFromStepConfig(t *testing.T) {
	p := newTestPool(t, "a1", "a2")
	m := matcher.New()
	c := coordinator.New(p, m, nil, func(ctx context.Context, agentID string, input map[string]any, timeout time.Duration) (any, error) {
		return agentID + "-result", nil
	})
	runStep := func(ctx context.Context, step config.StepConfig, entry pool.Entry, exec *Execution) (any, error) {
		t.Fatalf("single-agent runStep must not be called for a multi-agent step")
		return nil, nil
	}
	engineCfg := config.EngineConfig{}
	engineCfg.SetDefaults()
	e := New(p, m, c, runStep, nil, nil, engineCfg)

	wf := simpleWorkflow(config.StepConfig{
		ID:                   "coordinate",
		Type:                 config.StepAgentTask,
		CoordinationStrategy: config.StrategySequential,
	})

	exec, err := e.Submit(context.Background(), wf, "exec-coord", map[string]any{})
	require.NoError(t, err)

	final := waitTerminal(t, e, exec.ID)
	require.Equal(t, StatusCompleted, final.Status)

	out, ok := final.Steps["coordinate"].Output.(map[string]any)
	require.True(t, ok, "expected a map output from the coordinator")
	_, hasSequentialKey := out["agent_0_result"]
	_, hasParallelKey := out["results"]
	assert.True(t, hasSequentialKey, "sequential dispatch should produce agent_<i>_result keys")
	assert.False(t, hasParallelKey, "sequential dispatch must not fall back to the parallel output shape")
}
