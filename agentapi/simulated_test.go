package agentapi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulated_ExecuteTask_DispatchesByStepType(t *testing.T) {
	a := NewSimulated("worker-1").On("summarize", func(ctx context.Context, task Task) (any, error) {
		return "summary:" + task.Input["text"].(string), nil
	})

	out, err := a.ExecuteTask(context.Background(), Task{StepType: "summarize", Input: map[string]any{"text": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "summary:hi", out)
}

func TestSimulated_ExecuteTask_FallsBackToWildcard(t *testing.T) {
	a := NewSimulated("worker-1").On("*", func(ctx context.Context, task Task) (any, error) {
		return "ok", nil
	})
	out, err := a.ExecuteTask(context.Background(), Task{StepType: "anything"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestSimulated_ExecuteTask_NoHandler(t *testing.T) {
	a := NewSimulated("worker-1")
	_, err := a.ExecuteTask(context.Background(), Task{StepType: "missing"})
	require.Error(t, err)
}

func TestSimulated_ExecuteTask_RespectsCancellation(t *testing.T) {
	a := NewSimulated("worker-1").WithDelay(time.Second).On("*", func(ctx context.Context, task Task) (any, error) {
		return "ok", nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := a.ExecuteTask(ctx, Task{StepType: "x"})
	require.Error(t, err)
}

func TestSimulated_HealthCheck(t *testing.T) {
	a := NewSimulated("worker-1")
	assert.True(t, a.HealthCheck(context.Background()))
	a.SetHealthy(false)
	assert.False(t, a.HealthCheck(context.Background()))
}
