package monitor

import (
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentmesh/orchestrator/config"
	"github.com/agentmesh/orchestrator/logging"
)

const (
	component       = "monitor"
	ringCapacity    = 1000
	resourceHistory = 100
)

// ResourceUsage is a point-in-time snapshot of process resource
// consumption. The original system samples host-wide CPU/memory/disk/
// network via psutil; this port reports what a Go process can observe
// about itself through the runtime package without pulling in a
// platform-specific sampling dependency the rest of this codebase's
// ecosystem does not otherwise use.
type ResourceUsage struct {
	HeapAllocMB   float64   `json:"heap_alloc_mb"`
	HeapSysMB     float64   `json:"heap_sys_mb"`
	NumGoroutine  int       `json:"num_goroutine"`
	NumGC         uint32    `json:"num_gc"`
	GCPauseTotal  float64   `json:"gc_pause_total_ms"`
	Timestamp     time.Time `json:"timestamp"`
}

// stepSample records how long a single step took within a workflow,
// feeding WorkflowStats.AverageStepDuration.
type stepSample struct {
	duration time.Duration
}

// WorkflowStats tracks running performance statistics for one execution,
// updated incrementally as steps complete (spec §4.7: workflow profiling).
type WorkflowStats struct {
	ExecutionID         string
	WorkflowID          string
	StartTime           time.Time
	EndTime             time.Time
	StepCount           int
	CompletedSteps      int
	FailedSteps         int
	AgentUtilization    map[string]int
	CheckpointOverhead  time.Duration

	steps []stepSample
}

// AverageStepDuration is the mean duration across completed steps.
func (w *WorkflowStats) AverageStepDuration() time.Duration {
	if len(w.steps) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range w.steps {
		total += s.duration
	}
	return total / time.Duration(len(w.steps))
}

// ErrorRate is the fraction of finished steps (completed + failed) that
// failed.
func (w *WorkflowStats) ErrorRate() float64 {
	finished := w.CompletedSteps + w.FailedSteps
	if finished == 0 {
		return 0
	}
	return float64(w.FailedSteps) / float64(finished)
}

// Recommendation is a derived optimisation suggestion (spec §4.7).
type Recommendation struct {
	Type         string  `json:"type"`
	Priority     string  `json:"priority"`
	Title        string  `json:"title"`
	Description  string  `json:"description"`
	Metric       string  `json:"metric"`
	CurrentValue float64 `json:"current_value"`
	ExecutionID  string  `json:"execution_id,omitempty"`
}

// AlertHandler is invoked synchronously whenever a threshold rule fires.
type AlertHandler func(Alert)

// Monitor records metrics, evaluates threshold rules, and tracks workflow
// and resource performance data (spec §4.7: C7). It also mirrors recorded
// counters and gauges into a Prometheus registry so the process can be
// scraped the same way the rest of the examples' observability stacks are.
type Monitor struct {
	retention time.Duration

	mu            sync.Mutex
	rings         map[string]*ring
	rules         []*ThresholdRule
	alerts        []*Alert
	workflowStats map[string]*WorkflowStats
	resources     []ResourceUsage
	alertHandlers []AlertHandler

	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	startedAt time.Time
	log       *slog.Logger
}

// New creates a Monitor seeded with the spec's default threshold rules.
func New(cfg config.EngineConfig) *Monitor {
	retention := time.Duration(cfg.MetricRetentionHours) * time.Hour
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	m := &Monitor{
		retention:     retention,
		rings:         make(map[string]*ring),
		workflowStats: make(map[string]*WorkflowStats),
		registry:      prometheus.NewRegistry(),
		counters:      make(map[string]*prometheus.CounterVec),
		gauges:        make(map[string]*prometheus.GaugeVec),
		histograms:    make(map[string]*prometheus.HistogramVec),
		startedAt:     time.Now(),
		log:           logging.With(component),
	}
	m.setupDefaultThresholds()
	return m
}

// Registry exposes the Prometheus registry for a /metrics handler.
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Monitor) setupDefaultThresholds() {
	cpuWarn := NewThresholdRule("cpu_usage_percent", GreaterThan, 85, SeverityWarning)
	cpuWarn.ConsecutiveViolations = 3
	cpuWarn.Cooldown = 5 * time.Minute
	cpuWarn.Description = "sustained high CPU usage"

	cpuCrit := NewThresholdRule("cpu_usage_percent", GreaterThan, 95, SeverityCritical)
	cpuCrit.ConsecutiveViolations = 2
	cpuCrit.Cooldown = 2 * time.Minute
	cpuCrit.Description = "sustained critical CPU usage"

	memWarn := NewThresholdRule("memory_usage_percent", GreaterThan, 85, SeverityWarning)
	memWarn.ConsecutiveViolations = 3
	memWarn.Cooldown = 5 * time.Minute
	memWarn.Description = "sustained high memory usage"

	memCrit := NewThresholdRule("memory_usage_percent", GreaterThan, 95, SeverityCritical)
	memCrit.ConsecutiveViolations = 2
	memCrit.Cooldown = 2 * time.Minute
	memCrit.Description = "sustained critical memory usage"

	errRate := NewThresholdRule("workflow_error_rate", GreaterThan, 0.1, SeverityError)
	errRate.ConsecutiveViolations = 1
	errRate.Cooldown = 10 * time.Minute
	errRate.Description = "high workflow error rate"

	m.rules = append(m.rules, cpuWarn, cpuCrit, memWarn, memCrit, errRate)
}

// AddThresholdRule registers an additional rule to evaluate on every
// RecordMetric call for its metric name.
func (m *Monitor) AddThresholdRule(r *ThresholdRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, r)
}

// OnAlert registers a handler invoked whenever a threshold rule fires.
func (m *Monitor) OnAlert(h AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertHandlers = append(m.alertHandlers, h)
}

// RecordMetric stores a gauge-typed observation and checks it against any
// threshold rules watching that metric name. It satisfies workflow.MetricsSink
// structurally, so the engine never needs to import this package.
func (m *Monitor) RecordMetric(name string, value float64, tags map[string]string) {
	m.record(name, MetricGauge, value, tags, "")
}

// RecordCounter records a monotonically-increasing observation and mirrors
// it into the Prometheus counter for name.
func (m *Monitor) RecordCounter(name string, delta float64, tags map[string]string) {
	m.record(name, MetricCounter, delta, tags, "")
	m.counterVec(name, tags).With(tags).Add(delta)
}

// RecordTimer records a duration-typed observation in seconds, mirrored
// into a Prometheus histogram.
func (m *Monitor) RecordTimer(name string, d time.Duration, tags map[string]string) {
	seconds := d.Seconds()
	m.record(name, MetricTimer, seconds, tags, "s")
	m.histogramVec(name, tags).With(tags).Observe(seconds)
}

func (m *Monitor) record(name string, typ MetricType, value float64, tags map[string]string, unit string) {
	metric := Metric{Name: name, Type: typ, Value: value, Timestamp: time.Now(), Tags: tags, Unit: unit}

	m.mu.Lock()
	r, ok := m.rings[name]
	if !ok {
		r = newRing(ringCapacity)
		m.rings[name] = r
	}
	r.add(metric)
	rules := make([]*ThresholdRule, 0, len(m.rules))
	for _, rule := range m.rules {
		if rule.MetricName == name {
			rules = append(rules, rule)
		}
	}
	handlers := append([]AlertHandler(nil), m.alertHandlers...)
	m.mu.Unlock()

	if typ == MetricGauge {
		m.gaugeVec(name, tags).With(tags).Set(value)
	}

	for _, rule := range rules {
		if !rule.Evaluate(value, metric.Timestamp) {
			continue
		}
		alert := &Alert{
			ID:             fmt.Sprintf("%s_%d", name, metric.Timestamp.UnixNano()),
			MetricName:     name,
			Severity:       rule.Severity,
			Message:        rule.message(value),
			ThresholdValue: rule.ThresholdValue,
			CurrentValue:   value,
			Timestamp:      metric.Timestamp,
			Tags:           tags,
		}
		m.mu.Lock()
		m.alerts = append(m.alerts, alert)
		m.mu.Unlock()

		m.log.Warn("performance alert", "id", alert.ID, "metric", name, "value", value, "threshold", rule.ThresholdValue, "severity", rule.Severity)
		for _, h := range handlers {
			h(*alert)
		}
	}
}

// labelNames returns a deterministic ordering of tags keys so repeated
// calls for the same metric name build the same CounterVec/GaugeVec label
// set.
func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (m *Monitor) counterVec(name string, tags map[string]string) *prometheus.CounterVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.counters[name]; ok {
		return v
	}
	v := prometheus.NewCounterVec(prometheus.CounterOpts{
		Subsystem: "workflow",
		Name:      name,
		Help:      name,
	}, labelNames(tags))
	m.registry.MustRegister(v)
	m.counters[name] = v
	return v
}

func (m *Monitor) gaugeVec(name string, tags map[string]string) *prometheus.GaugeVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.gauges[name]; ok {
		return v
	}
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Subsystem: "workflow",
		Name:      name,
		Help:      name,
	}, labelNames(tags))
	m.registry.MustRegister(v)
	m.gauges[name] = v
	return v
}

func (m *Monitor) histogramVec(name string, tags map[string]string) *prometheus.HistogramVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.histograms[name]; ok {
		return v
	}
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Subsystem: "workflow",
		Name:      name,
		Help:      name,
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 15),
	}, labelNames(tags))
	m.registry.MustRegister(v)
	m.histograms[name] = v
	return v
}

// MetricStatistics returns summary statistics for a recorded metric over an
// optional trailing window (zero window means the whole buffer).
type MetricStatistics struct {
	Count int
	Min   float64
	Max   float64
	Mean  float64
	P50   float64
	P95   float64
	P99   float64
}

func (m *Monitor) MetricStatistics(name string, window time.Duration) MetricStatistics {
	m.mu.Lock()
	r, ok := m.rings[name]
	m.mu.Unlock()
	if !ok {
		return MetricStatistics{}
	}

	var points []Metric
	if window > 0 {
		points = r.since(time.Now().Add(-window))
	} else {
		points = r.items()
	}
	if len(points) == 0 {
		return MetricStatistics{}
	}

	values := make([]float64, len(points))
	min, max := points[0].Value, points[0].Value
	for i, p := range points {
		values[i] = p.Value
		if p.Value < min {
			min = p.Value
		}
		if p.Value > max {
			max = p.Value
		}
	}
	return MetricStatistics{
		Count: len(values),
		Min:   min,
		Max:   max,
		Mean:  mean(values),
		P50:   percentile(values, 50),
		P95:   percentile(values, 95),
		P99:   percentile(values, 99),
	}
}

// StartWorkflowProfiling begins tracking performance stats for an
// execution.
func (m *Monitor) StartWorkflowProfiling(executionID, workflowID string, stepCount int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflowStats[executionID] = &WorkflowStats{
		ExecutionID:      executionID,
		WorkflowID:       workflowID,
		StartTime:        time.Now(),
		StepCount:        stepCount,
		AgentUtilization: make(map[string]int),
	}
}

// RecordStepCompletion updates an execution's running stats after one step
// finishes, and re-evaluates the execution's error-rate threshold.
func (m *Monitor) RecordStepCompletion(executionID, agentID string, duration time.Duration, failed bool) {
	m.mu.Lock()
	stats, ok := m.workflowStats[executionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	stats.steps = append(stats.steps, stepSample{duration: duration})
	if failed {
		stats.FailedSteps++
	} else {
		stats.CompletedSteps++
	}
	if agentID != "" {
		stats.AgentUtilization[agentID]++
	}
	errRate := stats.ErrorRate()
	m.mu.Unlock()

	m.record("workflow_error_rate", MetricRate, errRate, map[string]string{"execution_id": executionID}, "")
}

// CompleteWorkflowProfiling finalises and returns the stats snapshot for an
// execution; subsequent calls for the same id return nil.
func (m *Monitor) CompleteWorkflowProfiling(executionID string) *WorkflowStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats, ok := m.workflowStats[executionID]
	if !ok {
		return nil
	}
	delete(m.workflowStats, executionID)
	stats.EndTime = time.Now()
	snapshot := *stats
	snapshot.AgentUtilization = make(map[string]int, len(stats.AgentUtilization))
	for k, v := range stats.AgentUtilization {
		snapshot.AgentUtilization[k] = v
	}
	return &snapshot
}

// CollectResourceUsage samples the current process's resource consumption
// and appends it to the rolling history used by HealthScore and
// Recommendations.
func (m *Monitor) CollectResourceUsage() ResourceUsage {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	usage := ResourceUsage{
		HeapAllocMB:  float64(ms.HeapAlloc) / (1024 * 1024),
		HeapSysMB:    float64(ms.HeapSys) / (1024 * 1024),
		NumGoroutine: runtime.NumGoroutine(),
		NumGC:        ms.NumGC,
		GCPauseTotal: float64(ms.PauseTotalNs) / 1e6,
		Timestamp:    time.Now(),
	}

	m.mu.Lock()
	m.resources = append(m.resources, usage)
	if len(m.resources) > resourceHistory {
		m.resources = m.resources[len(m.resources)-resourceHistory:]
	}
	m.mu.Unlock()
	return usage
}

// ActiveAlerts returns unresolved alerts, optionally filtered by severity.
func (m *Monitor) ActiveAlerts(severity ...AlertSeverity) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var want map[AlertSeverity]bool
	if len(severity) > 0 {
		want = make(map[AlertSeverity]bool, len(severity))
		for _, s := range severity {
			want[s] = true
		}
	}
	var out []Alert
	for _, a := range m.alerts {
		if a.Resolved {
			continue
		}
		if want != nil && !want[a.Severity] {
			continue
		}
		out = append(out, *a)
	}
	return out
}

// ResolveAlert marks an alert resolved. It reports whether the alert was
// found.
func (m *Monitor) ResolveAlert(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.ID == id && !a.Resolved {
			a.Resolved = true
			a.ResolvedAt = time.Now()
			return true
		}
	}
	return false
}

// CleanupOldMetrics drops metrics older than the configured retention
// window; called periodically alongside CollectResourceUsage.
func (m *Monitor) CleanupOldMetrics() {
	cutoff := time.Now().Add(-m.retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, r := range m.rings {
		kept := r.since(cutoff)
		fresh := newRing(ringCapacity)
		for _, pt := range kept {
			fresh.add(pt)
		}
		m.rings[name] = fresh
	}
}

// HealthScore computes a 0-100 system health score, deducting for active
// alerts by severity and for sustained high resource utilisation.
func (m *Monitor) HealthScore() float64 {
	score := 100.0
	score -= float64(len(m.ActiveAlerts(SeverityCritical))) * 20
	score -= float64(len(m.ActiveAlerts(SeverityError))) * 10
	score -= float64(len(m.ActiveAlerts(SeverityWarning))) * 5

	m.mu.Lock()
	n := len(m.resources)
	start := n - 5
	if start < 0 {
		start = 0
	}
	recent := append([]ResourceUsage(nil), m.resources[start:]...)
	m.mu.Unlock()

	if len(recent) > 0 {
		heap := make([]float64, len(recent))
		goroutines := make([]float64, len(recent))
		for i, r := range recent {
			heap[i] = r.HeapAllocMB / r.HeapSysMB * 100
			goroutines[i] = float64(r.NumGoroutine)
		}
		if mean(heap) > 90 {
			score -= 15
		} else if mean(heap) > 80 {
			score -= 10
		}
		if mean(goroutines) > 10000 {
			score -= 10
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// HealthSummary bundles the fields exposed by the external "metrics"
// control-surface command (spec §6).
type HealthSummary struct {
	ActiveWorkflows  int
	TotalMetrics     int
	ActiveAlerts     int
	AlertsBySeverity map[AlertSeverity]int
	UptimeSeconds    float64
	HealthScore      float64
}

func (m *Monitor) Summary() HealthSummary {
	m.mu.Lock()
	activeWorkflows := len(m.workflowStats)
	total := 0
	for _, r := range m.rings {
		total += r.size
	}
	m.mu.Unlock()

	active := m.ActiveAlerts()
	bySeverity := make(map[AlertSeverity]int)
	for _, a := range active {
		bySeverity[a.Severity]++
	}

	return HealthSummary{
		ActiveWorkflows:  activeWorkflows,
		TotalMetrics:     total,
		ActiveAlerts:     len(active),
		AlertsBySeverity: bySeverity,
		UptimeSeconds:    time.Since(m.startedAt).Seconds(),
		HealthScore:      m.HealthScore(),
	}
}

// Recommendations derives optimisation suggestions from recent resource
// and per-workflow history (spec §4.7).
func (m *Monitor) Recommendations() []Recommendation {
	var recs []Recommendation

	m.mu.Lock()
	n := len(m.resources)
	start := n - 10
	if start < 0 {
		start = 0
	}
	recent := append([]ResourceUsage(nil), m.resources[start:]...)
	stats := make([]*WorkflowStats, 0, len(m.workflowStats))
	for _, s := range m.workflowStats {
		stats = append(stats, s)
	}
	m.mu.Unlock()

	if len(recent) > 0 {
		heapPct := make([]float64, len(recent))
		for i, r := range recent {
			heapPct[i] = r.HeapAllocMB / r.HeapSysMB * 100
		}
		avgHeap := mean(heapPct)
		if avgHeap > 85 {
			recs = append(recs, Recommendation{
				Type:         "resource_optimization",
				Priority:     "high",
				Title:        "High heap utilisation detected",
				Description:  fmt.Sprintf("average heap utilisation is %.1f%%; consider raising memory limits or reducing in-flight workflow concurrency", avgHeap),
				Metric:       "heap_usage_percent",
				CurrentValue: avgHeap,
			})
		}
	}

	for _, s := range stats {
		if errRate := s.ErrorRate(); errRate > 0.1 {
			recs = append(recs, Recommendation{
				Type:         "workflow_optimization",
				Priority:     "medium",
				Title:        fmt.Sprintf("high error rate in workflow %s", s.ExecutionID),
				Description:  fmt.Sprintf("error rate is %.1f%%; review step error handling", errRate*100),
				Metric:       "error_rate",
				CurrentValue: errRate,
				ExecutionID:  s.ExecutionID,
			})
		}
		if avg := s.AverageStepDuration(); avg > 5*time.Minute {
			recs = append(recs, Recommendation{
				Type:         "workflow_optimization",
				Priority:     "medium",
				Title:        fmt.Sprintf("slow step execution in workflow %s", s.ExecutionID),
				Description:  fmt.Sprintf("average step duration is %.1fs; consider optimizing step logic or splitting the step", avg.Seconds()),
				Metric:       "step_duration",
				CurrentValue: avg.Seconds(),
				ExecutionID:  s.ExecutionID,
			})
		}
	}

	return recs
}
