package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/orchestrator/config"
)

func testMonitor() *Monitor {
	cfg := config.EngineConfig{}
	cfg.SetDefaults()
	return New(cfg)
}

func TestThresholdRule_FiresOnlyAfterConsecutiveViolations(t *testing.T) {
	r := NewThresholdRule("cpu_usage_percent", GreaterThan, 80, SeverityWarning)
	r.ConsecutiveViolations = 3

	now := time.Now()
	assert.False(t, r.Evaluate(90, now))
	assert.False(t, r.Evaluate(90, now))
	assert.True(t, r.Evaluate(90, now), "third consecutive violation should fire")
}

func TestThresholdRule_NonViolationResetsStreak(t *testing.T) {
	r := NewThresholdRule("cpu_usage_percent", GreaterThan, 80, SeverityWarning)
	r.ConsecutiveViolations = 2

	now := time.Now()
	assert.False(t, r.Evaluate(90, now))
	assert.False(t, r.Evaluate(50, now), "non-violating sample resets the streak")
	assert.False(t, r.Evaluate(90, now), "streak restarts from one")
	assert.True(t, r.Evaluate(90, now))
}

func TestThresholdRule_CooldownSuppressesRepeatAlerts(t *testing.T) {
	r := NewThresholdRule("cpu_usage_percent", GreaterThan, 80, SeverityWarning)
	r.ConsecutiveViolations = 1
	r.Cooldown = time.Minute

	now := time.Now()
	assert.True(t, r.Evaluate(90, now))
	assert.False(t, r.Evaluate(90, now.Add(10*time.Second)), "still within cooldown")
	assert.True(t, r.Evaluate(90, now.Add(2*time.Minute)), "cooldown elapsed")
}

func TestMonitor_RecordMetric_FiresAlertAndInvokesHandler(t *testing.T) {
	m := testMonitor()
	var fired []Alert
	m.OnAlert(func(a Alert) { fired = append(fired, a) })

	rule := NewThresholdRule("queue_depth", GreaterThan, 100, SeverityCritical)
	m.AddThresholdRule(rule)

	m.RecordMetric("queue_depth", 150, nil)

	require.Len(t, fired, 1)
	assert.Equal(t, "queue_depth", fired[0].MetricName)
	assert.Equal(t, SeverityCritical, fired[0].Severity)

	active := m.ActiveAlerts()
	require.Len(t, active, 1)
	assert.True(t, m.ResolveAlert(active[0].ID))
	assert.Empty(t, m.ActiveAlerts())
}

func TestMonitor_MetricStatistics(t *testing.T) {
	m := testMonitor()
	for _, v := range []float64{10, 20, 30, 40, 50} {
		m.RecordMetric("step_duration_ms", v, nil)
	}

	stats := m.MetricStatistics("step_duration_ms", 0)
	assert.Equal(t, 5, stats.Count)
	assert.Equal(t, 10.0, stats.Min)
	assert.Equal(t, 50.0, stats.Max)
	assert.Equal(t, 30.0, stats.Mean)
}

func TestMonitor_WorkflowProfiling_TracksErrorRateAndDuration(t *testing.T) {
	m := testMonitor()
	m.StartWorkflowProfiling("exec1", "wf1", 3)

	m.RecordStepCompletion("exec1", "agent-a", 50*time.Millisecond, false)
	m.RecordStepCompletion("exec1", "agent-a", 100*time.Millisecond, false)
	m.RecordStepCompletion("exec1", "agent-b", 10*time.Millisecond, true)

	stats := m.CompleteWorkflowProfiling("exec1")
	require.NotNil(t, stats)
	assert.Equal(t, 2, stats.CompletedSteps)
	assert.Equal(t, 1, stats.FailedSteps)
	assert.InDelta(t, 1.0/3.0, stats.ErrorRate(), 0.001)
	assert.Equal(t, 2, stats.AgentUtilization["agent-a"])

	assert.Nil(t, m.CompleteWorkflowProfiling("exec1"), "profiling state is consumed on completion")
}

func TestMonitor_HealthScore_DeductsForActiveAlerts(t *testing.T) {
	m := testMonitor()
	base := m.HealthScore()
	assert.Equal(t, 100.0, base)

	crit := NewThresholdRule("latency_ms", GreaterThan, 10, SeverityCritical)
	m.AddThresholdRule(crit)
	m.RecordMetric("latency_ms", 20, nil)

	assert.Equal(t, 80.0, m.HealthScore())
}

func TestMonitor_Recommendations_FlagsHighErrorRateWorkflow(t *testing.T) {
	m := testMonitor()
	m.StartWorkflowProfiling("exec1", "wf1", 2)
	m.RecordStepCompletion("exec1", "a1", time.Millisecond, true)
	m.RecordStepCompletion("exec1", "a1", time.Millisecond, true)

	recs := m.Recommendations()
	require.NotEmpty(t, recs)

	found := false
	for _, r := range recs {
		if r.Type == "workflow_optimization" && r.ExecutionID == "exec1" {
			found = true
		}
	}
	assert.True(t, found, "a workflow with a 100%% error rate should surface a recommendation")
}

func TestMonitor_CollectResourceUsage_PopulatesHistory(t *testing.T) {
	m := testMonitor()
	usage := m.CollectResourceUsage()
	assert.False(t, usage.Timestamp.IsZero())
	assert.GreaterOrEqual(t, usage.NumGoroutine, 1)
}

func TestMonitor_Summary_ReportsActiveWorkflowsAndAlerts(t *testing.T) {
	m := testMonitor()
	m.StartWorkflowProfiling("exec1", "wf1", 1)
	m.RecordMetric("queue_depth", 1, nil)

	summary := m.Summary()
	assert.Equal(t, 1, summary.ActiveWorkflows)
	assert.GreaterOrEqual(t, summary.TotalMetrics, 1)
	assert.Equal(t, 100.0, summary.HealthScore)
}
