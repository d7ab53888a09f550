package checkpoint

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator/config"
	"github.com/agentmesh/orchestrator/corerr"
	"github.com/agentmesh/orchestrator/workflow"
)

func testWorkflow() *config.WorkflowConfig {
	wf := &config.WorkflowConfig{
		ID: "wf1",
		Steps: []config.StepConfig{
			{ID: "s1", Type: config.StepAction},
			{ID: "s2", Type: config.StepAction, DependsOn: []string{"s1"}},
			{ID: "s3", Type: config.StepAction, DependsOn: []string{"s2"}},
			{ID: "s4", Type: config.StepAction, DependsOn: []string{"s3"}},
			{ID: "s5", Type: config.StepAction, DependsOn: []string{"s4"}},
		},
	}
	wf.SetDefaults()
	return wf
}

func testExecution(wf *config.WorkflowConfig, completed ...string) *workflow.Execution {
	done := make(map[string]bool, len(completed))
	for _, id := range completed {
		done[id] = true
	}
	exec := &workflow.Execution{
		ID:         "exec1",
		WorkflowID: wf.ID,
		Status:     workflow.StatusRunning,
		Steps:      make(map[string]*workflow.StepExecution, len(wf.Steps)),
		Variables:  map[string]any{"input": "hello"},
		StartedAt:  time.Now(),
	}
	for _, s := range wf.Steps {
		status := workflow.StepPending
		if done[s.ID] {
			status = workflow.StepCompleted
		}
		se := &workflow.StepExecution{StepID: s.ID, Status: status}
		if status == workflow.StepCompleted {
			se.Output = s.ID + "-result"
		}
		exec.Steps[s.ID] = se
	}
	return exec
}

func TestManager_CreateCheckpoint_LevelsAreCumulative(t *testing.T) {
	wf := testWorkflow()
	exec := testExecution(wf, "s1", "s2", "s3")
	m := New(NewMemoryStore(), 10)

	require.NoError(t, m.CreateCheckpoint(exec.ID, string(Minimal), string(TriggerInterval), workflow.Snapshot{Execution: exec, Workflow: wf}))
	require.NoError(t, m.CreateCheckpoint(exec.ID, string(Standard), string(TriggerInterval), workflow.Snapshot{Execution: exec, Workflow: wf}))
	require.NoError(t, m.CreateCheckpoint(exec.ID, string(Comprehensive), string(TriggerInterval), workflow.Snapshot{Execution: exec, Workflow: wf}))

	cps, err := m.List(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, cps, 3)

	assert.Nil(t, cps[0].Payload.Variables, "minimal checkpoint should not carry variables")
	assert.ElementsMatch(t, []string{"s1", "s2", "s3"}, cps[0].Payload.Completed)

	assert.Equal(t, exec.Variables["input"], cps[1].Payload.Variables["input"])
	assert.Len(t, cps[1].Payload.StepResults, 3)

	assert.Equal(t, exec.Error, cps[2].Payload.ErrorDetails)
	assert.NotNil(t, cps[2].Payload.StepDurations)
}

func TestManager_CreateCheckpoint_IDsAreMonotonic(t *testing.T) {
	wf := testWorkflow()
	exec := testExecution(wf)
	m := New(NewMemoryStore(), 10)

	for i := 0; i < 3; i++ {
		require.NoError(t, m.CreateCheckpoint(exec.ID, string(Standard), string(TriggerInterval), workflow.Snapshot{Execution: exec, Workflow: wf}))
	}

	cps, err := m.List(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, cps, 3)
	assert.Equal(t, int64(1), cps[0].ID)
	assert.Equal(t, int64(2), cps[1].ID)
	assert.Equal(t, int64(3), cps[2].ID)
}

func TestManager_Get_DetectsCorruption(t *testing.T) {
	wf := testWorkflow()
	exec := testExecution(wf, "s1")
	store := NewMemoryStore()
	m := New(store, 10)

	require.NoError(t, m.CreateCheckpoint(exec.ID, string(Standard), string(TriggerInterval), workflow.Snapshot{Execution: exec, Workflow: wf}))

	ctx := context.Background()
	key := checkpointKey(exec.ID, 1)
	raw, err := store.Get(ctx, key)
	require.NoError(t, err)

	// Flip a byte inside a JSON string value so it still unmarshals cleanly
	// but the payload no longer matches its recorded hash.
	corrupted := append([]byte(nil), raw...)
	idx := bytes.Index(corrupted, []byte(`"hello"`))
	require.GreaterOrEqual(t, idx, 0, "payload variable value should be in the stored checkpoint")
	corrupted[idx+1] = 'X'
	require.NoError(t, store.Put(ctx, key, corrupted))
	m.cache.Remove(key)

	_, err = m.get(ctx, key)
	require.Error(t, err)
	assert.Equal(t, corerr.IntegrityError, corerr.KindOf(err))
}

func TestManager_Restore_LatestReconstructsExecution(t *testing.T) {
	wf := testWorkflow()
	exec := testExecution(wf, "s1", "s2", "s3")
	m := New(NewMemoryStore(), 10)
	ctx := context.Background()

	require.NoError(t, m.CreateCheckpoint(exec.ID, string(Standard), string(TriggerPause), workflow.Snapshot{Execution: exec, Workflow: wf}))

	restored, cp, err := m.Restore(ctx, exec.ID, nil, nil, wf)
	require.NoError(t, err)
	assert.Equal(t, TriggerPause, cp.Trigger)
	assert.Equal(t, workflow.StepCompleted, restored.Steps["s1"].Status)
	assert.Equal(t, workflow.StepCompleted, restored.Steps["s3"].Status)
	assert.Equal(t, workflow.StepPending, restored.Steps["s4"].Status)
	assert.Equal(t, workflow.StepPending, restored.Steps["s5"].Status)
	assert.Equal(t, "s1-result", restored.Steps["s1"].Output)
	assert.Equal(t, "hello", restored.Variables["input"])
}

func TestManager_Restore_ByCheckpointID(t *testing.T) {
	wf := testWorkflow()
	m := New(NewMemoryStore(), 10)
	ctx := context.Background()

	exec1 := testExecution(wf, "s1")
	require.NoError(t, m.CreateCheckpoint(exec1.ID, string(Standard), string(TriggerInterval), workflow.Snapshot{Execution: exec1, Workflow: wf}))
	exec2 := testExecution(wf, "s1", "s2")
	require.NoError(t, m.CreateCheckpoint(exec2.ID, string(Standard), string(TriggerInterval), workflow.Snapshot{Execution: exec2, Workflow: wf}))

	first := int64(1)
	restored, cp, err := m.Restore(ctx, exec1.ID, &first, nil, wf)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cp.ID)
	assert.Equal(t, workflow.StepPending, restored.Steps["s2"].Status, "should reflect the first checkpoint, not the latest one")
}

func TestManager_Delete(t *testing.T) {
	wf := testWorkflow()
	exec := testExecution(wf)
	m := New(NewMemoryStore(), 10)
	ctx := context.Background()

	require.NoError(t, m.CreateCheckpoint(exec.ID, string(Standard), string(TriggerInterval), workflow.Snapshot{Execution: exec, Workflow: wf}))
	require.NoError(t, m.Delete(ctx, exec.ID, 1))

	cps, err := m.List(ctx, exec.ID)
	require.NoError(t, err)
	assert.Empty(t, cps)
}

func TestManager_Cleanup_KeepsLatestPerExecution(t *testing.T) {
	wf := testWorkflow()
	m := New(NewMemoryStore(), 10)
	ctx := context.Background()

	exec := testExecution(wf)
	require.NoError(t, m.CreateCheckpoint(exec.ID, string(Standard), string(TriggerInterval), workflow.Snapshot{Execution: exec, Workflow: wf}))
	require.NoError(t, m.CreateCheckpoint(exec.ID, string(Standard), string(TriggerInterval), workflow.Snapshot{Execution: exec, Workflow: wf}))

	deleted, err := m.Cleanup(ctx, -time.Hour) // cutoff in the future: everything qualifies as "older"
	require.NoError(t, err)
	assert.Equal(t, 1, deleted, "the newest checkpoint for the execution must survive a cleanup sweep")

	cps, err := m.List(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, int64(2), cps[0].ID)
}

func TestManager_Migrate_StampsSchemaVersion(t *testing.T) {
	wf := testWorkflow()
	exec := testExecution(wf)
	m := New(NewMemoryStore(), 10)
	ctx := context.Background()

	require.NoError(t, m.CreateCheckpoint(exec.ID, string(Standard), string(TriggerInterval), workflow.Snapshot{Execution: exec, Workflow: wf}))

	migrated, err := m.Migrate(ctx, exec.ID, currentSchemaVersion, currentSchemaVersion+1)
	require.NoError(t, err)
	assert.Equal(t, 1, migrated)

	cps, err := m.List(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, currentSchemaVersion+1, cps[0].SchemaVersion)
	assert.Equal(t, TriggerMigration, cps[0].Trigger)
}

func TestManager_PauseAfterThreeSteps_RestoreResumesRemainingSteps(t *testing.T) {
	// Mirrors the checkpoint/restore round-trip scenario: a 5-step sequential
	// workflow paused after step 3 must resume and finish steps 4-5 exactly
	// once, with no step re-run.
	wf := testWorkflow()
	exec := testExecution(wf, "s1", "s2", "s3")
	m := New(NewMemoryStore(), 10)
	ctx := context.Background()

	require.NoError(t, m.CreateCheckpoint(exec.ID, string(Standard), string(TriggerPause), workflow.Snapshot{Execution: exec, Workflow: wf}))

	restored, _, err := m.Restore(ctx, exec.ID, nil, nil, wf)
	require.NoError(t, err)

	pending := 0
	completed := 0
	for _, se := range restored.Steps {
		switch se.Status {
		case workflow.StepPending:
			pending++
		case workflow.StepCompleted:
			completed++
		}
	}
	assert.Equal(t, 2, pending, "s4 and s5 should still be pending after restore")
	assert.Equal(t, 3, completed, "s1-s3 must not be re-run after restore")
}
