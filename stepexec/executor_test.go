package stepexec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator/agentapi"
	"github.com/agentmesh/orchestrator/config"
	"github.com/agentmesh/orchestrator/corerr"
	"github.com/agentmesh/orchestrator/pool"
)

func testEntry(tools ...string) pool.Entry {
	return pool.Entry{AgentID: "agent-1", Tools: tools, Limits: pool.ResourceLimits{MaxConcurrentTasks: 5}}
}

func TestExecute_MissingTool_FailsPrecondition(t *testing.T) {
	e := New()
	agent := agentapi.NewSimulated("a1")
	step := Step{ID: "s1", RequiredTools: []string{"http"}}

	_, err := e.Execute(context.Background(), step, agent, testEntry(), 60, time.Minute)
	require.Error(t, err)
	assert.Equal(t, corerr.PreconditionFailed, corerr.KindOf(err))
}

func TestExecute_SucceedsOnFirstAttempt(t *testing.T) {
	e := New()
	agent := agentapi.NewSimulated("a1").On("action", func(ctx context.Context, task agentapi.Task) (any, error) {
		return "done", nil
	})
	step := Step{ID: "s1", Type: config.StepAction, Retry: config.RetryPolicyConfig{MaxAttempts: 3, BackoffFactor: 2, JitterFraction: 0.2}}

	result, err := e.Execute(context.Background(), step, agent, testEntry(), 60, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "done", result.Output)
	assert.Equal(t, 1, result.Attempts)
}

func TestExecute_RetriesTransientThenSucceeds(t *testing.T) {
	e := New()
	calls := 0
	agent := agentapi.NewSimulated("a1").On("action", func(ctx context.Context, task agentapi.Task) (any, error) {
		calls++
		if calls < 3 {
			return nil, corerr.New(corerr.RetriableError, "test", "op", "flaky", errors.New("boom"))
		}
		return "done", nil
	})
	step := Step{ID: "s1", Type: config.StepAction, Retry: config.RetryPolicyConfig{MaxAttempts: 5, BackoffFactor: 1, JitterFraction: 0}}

	result, err := e.Execute(context.Background(), step, agent, testEntry(), 60, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "done", result.Output)
	assert.Equal(t, 3, calls)
}

func TestExecute_ValidationError_NeverRetries(t *testing.T) {
	e := New()
	calls := 0
	agent := agentapi.NewSimulated("a1").On("action", func(ctx context.Context, task agentapi.Task) (any, error) {
		calls++
		return nil, corerr.New(corerr.ValidationError, "test", "op", "bad input", nil)
	})
	step := Step{ID: "s1", Type: config.StepAction, Retry: config.RetryPolicyConfig{MaxAttempts: 5, BackoffFactor: 1, JitterFraction: 0}}

	_, err := e.Execute(context.Background(), step, agent, testEntry(), 60, time.Minute)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecute_TimeoutExceeded(t *testing.T) {
	e := New()
	agent := agentapi.NewSimulated("a1").WithDelay(200 * time.Millisecond).On("action", func(ctx context.Context, task agentapi.Task) (any, error) {
		return "done", nil
	})
	step := Step{ID: "s1", Type: config.StepAction, TimeoutSeconds: 0, Retry: config.RetryPolicyConfig{MaxAttempts: 1, BackoffFactor: 1, JitterFraction: 0}}

	_, err := e.Execute(context.Background(), step, agent, testEntry(), 0, 20*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, corerr.TimedOut, corerr.KindOf(err))
}

func TestEffectiveTimeout_TakesMinimum(t *testing.T) {
	got := effectiveTimeout(30, 10, time.Minute)
	assert.Equal(t, 10*time.Second, got)

	got = effectiveTimeout(0, 0, 5*time.Second)
	assert.Equal(t, 5*time.Second, got)
}
