package pool

import (
	"testing"
	"time"

	"github.com/agentmesh/orchestrator/capability"
	"github.com/agentmesh/orchestrator/corerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEntry(id string) Entry {
	return Entry{
		AgentID:     id,
		DisplayName: id,
		Limits:      ResourceLimits{MaxConcurrentTasks: 10},
		Capabilities: []capability.Capability{
			{Name: "summarize", TypicalTime: 5, MaxTime: 30},
		},
		Tools: []string{"http"},
	}
}

func TestPool_UpsertAndGet(t *testing.T) {
	p := New()
	require.NoError(t, p.Upsert(newTestEntry("agent-1")))

	got, err := p.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.AgentID)
	assert.Equal(t, capability.Unknown, got.State.Health)
	assert.False(t, got.State.LastHeartbeat.IsZero())
}

func TestPool_Get_NotFound(t *testing.T) {
	p := New()
	_, err := p.Get("missing")
	require.Error(t, err)
	assert.Equal(t, corerr.NotFound, corerr.KindOf(err))
}

func TestPool_Upsert_RejectsEmptyID(t *testing.T) {
	p := New()
	err := p.Upsert(Entry{})
	require.Error(t, err)
	assert.Equal(t, corerr.ValidationError, corerr.KindOf(err))
}

func TestPool_SetLoad_DerivesHealth(t *testing.T) {
	tests := []struct {
		name string
		load float64
		want capability.Health
	}{
		{"low load healthy", 0.10, capability.Healthy},
		{"high load warning", 0.80, capability.Warning},
		{"near full critical", 0.95, capability.Critical},
		{"just under warning", 0.79, capability.Healthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New()
			require.NoError(t, p.Upsert(newTestEntry("agent-1")))
			require.NoError(t, p.SetLoad("agent-1", tt.load, 1))

			got, err := p.Get("agent-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.State.Health)
		})
	}
}

func TestPool_SetLoad_RejectsOutOfRangeValues(t *testing.T) {
	tests := []struct {
		name        string
		load        float64
		activeTasks int
	}{
		{"negative active tasks", 0.5, -1},
		{"active tasks over capacity", 0.5, 11}, // newTestEntry caps MaxConcurrentTasks at 10
		{"negative load", -0.1, 1},
		{"load over one", 1.1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New()
			require.NoError(t, p.Upsert(newTestEntry("agent-1")))

			err := p.SetLoad("agent-1", tt.load, tt.activeTasks)
			require.Error(t, err)
			assert.Equal(t, corerr.ValidationError, corerr.KindOf(err))

			// the rejected update must not have been applied
			got, getErr := p.Get("agent-1")
			require.NoError(t, getErr)
			assert.Equal(t, 0.0, got.State.CurrentLoad)
			assert.Equal(t, 0, got.State.ActiveTasks)
		})
	}
}

func TestPool_SetLoad_AcceptsBoundaryValues(t *testing.T) {
	p := New()
	require.NoError(t, p.Upsert(newTestEntry("agent-1")))

	require.NoError(t, p.SetLoad("agent-1", 1.0, 10)) // == MaxConcurrentTasks, not over it
	got, err := p.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, 10, got.State.ActiveTasks)

	require.NoError(t, p.SetLoad("agent-1", 0.0, 0))
}

func TestPool_SetHealth_OverridesLoadDerivation(t *testing.T) {
	p := New()
	require.NoError(t, p.Upsert(newTestEntry("agent-1")))

	require.NoError(t, p.SetHealth("agent-1", capability.Offline))
	require.NoError(t, p.SetLoad("agent-1", 0.1, 0)) // low load should not clear override

	got, err := p.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, capability.Offline, got.State.Health)

	require.NoError(t, p.SetHealth("agent-1", ""))
	got, err = p.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, capability.Healthy, got.State.Health)
}

func TestPool_AddCapability_ReplacesByName(t *testing.T) {
	p := New()
	require.NoError(t, p.Upsert(newTestEntry("agent-1")))

	require.NoError(t, p.AddCapability("agent-1", capability.Capability{Name: "summarize", TypicalTime: 9, MaxTime: 20}))

	got, err := p.Get("agent-1")
	require.NoError(t, err)
	require.Len(t, got.Capabilities, 1)
	assert.Equal(t, 9.0, got.Capabilities[0].TypicalTime)
}

func TestPool_Sweep_RemovesStaleAgents(t *testing.T) {
	p := New()
	require.NoError(t, p.Upsert(newTestEntry("agent-1")))

	p.mu.Lock()
	p.entries["agent-1"].State.LastHeartbeat = time.Now().Add(-time.Hour)
	p.mu.Unlock()

	evicted := p.Sweep(5 * time.Minute)
	assert.Equal(t, []string{"agent-1"}, evicted)

	_, err := p.Get("agent-1")
	require.Error(t, err)
	assert.Equal(t, corerr.NotFound, corerr.KindOf(err))
	assert.Equal(t, 0, p.Count())

	// a second sweep has nothing left to evict
	assert.Empty(t, p.Sweep(5*time.Minute))
}

func TestPool_RecordPerformance_AccumulatesRollingAverage(t *testing.T) {
	p := New()
	require.NoError(t, p.Upsert(newTestEntry("agent-1")))

	require.NoError(t, p.RecordPerformance("agent-1", "summarize", true, 4.0))
	require.NoError(t, p.RecordPerformance("agent-1", "summarize", false, 8.0))

	got, err := p.Get("agent-1")
	require.NoError(t, err)
	m := got.PerformanceHistory["summarize"]
	assert.Equal(t, 2, m.SampleCount)
	assert.InDelta(t, 0.5, m.SuccessRate, 0.001)
	assert.InDelta(t, 6.0, m.AvgExecSeconds, 0.001)
}

func TestPool_Remove(t *testing.T) {
	p := New()
	require.NoError(t, p.Upsert(newTestEntry("agent-1")))
	require.NoError(t, p.Remove("agent-1"))
	assert.Equal(t, 0, p.Count())

	err := p.Remove("agent-1")
	require.Error(t, err)
	assert.Equal(t, corerr.NotFound, corerr.KindOf(err))
}

func TestPool_Clone_IsIndependent(t *testing.T) {
	p := New()
	require.NoError(t, p.Upsert(newTestEntry("agent-1")))

	got, err := p.Get("agent-1")
	require.NoError(t, err)
	got.Capabilities[0].Name = "mutated"

	got2, err := p.Get("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "summarize", got2.Capabilities[0].Name)
}
