package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/agentmesh/orchestrator/capability"
	"github.com/agentmesh/orchestrator/config"
	"github.com/agentmesh/orchestrator/coordinator"
	"github.com/agentmesh/orchestrator/corerr"
	"github.com/agentmesh/orchestrator/logging"
	"github.com/agentmesh/orchestrator/matcher"
	"github.com/agentmesh/orchestrator/pool"
)

const component = "workflow"

// Checkpointer is the narrow slice of the state manager the engine needs;
// satisfied structurally by checkpoint.Manager (spec §4.6: C6). level and
// trigger are passed as plain strings (rather than the state manager's own
// enum types) so this package never needs to import checkpoint.
type Checkpointer interface {
	CreateCheckpoint(executionID, level, trigger string, snapshot Snapshot) error
}

// Checkpoint levels and triggers, mirrored as plain strings so callers don't
// need to import the checkpoint package just to drive the engine.
const (
	LevelMinimal       = "minimal"
	LevelStandard      = "standard"
	LevelComprehensive = "comprehensive"

	TriggerExecutionStart = "execution_start"
	TriggerInterval       = "interval"
	TriggerPause          = "pause"
	TriggerResume         = "resume"
	TriggerCancel         = "cancel"
	TriggerExecutionEnd   = "execution_end"
)

// Snapshot is what the engine hands the state manager to persist.
type Snapshot struct {
	Execution *Execution
	Workflow  *config.WorkflowConfig
}

// MetricsSink is the narrow slice of the performance monitor the engine
// needs; satisfied structurally by monitor.Monitor (spec §4.7: C7).
type MetricsSink interface {
	RecordMetric(name string, value float64, tags map[string]string)
}

// RunFunc executes a single-agent step and returns its raw output.
type RunFunc func(ctx context.Context, step config.StepConfig, entry pool.Entry, exec *Execution) (any, error)

// Tracer is the narrow slice of tracing the engine needs to span step
// dispatch and coordination groups; satisfied structurally by
// monitor.Tracer (spec §4.7, tracing/metrics SDK plumbing). end must be
// called exactly once with the span's outcome.
type Tracer interface {
	StartSpan(ctx context.Context, name string, attrs map[string]string) (spanCtx context.Context, end func(err error))
}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, _ string, _ map[string]string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// Engine drives workflow executions (spec §4.5: C5).
type Engine struct {
	pool        *pool.Pool
	matcher     *matcher.Matcher
	coordinator *coordinator.Coordinator
	runStep     RunFunc
	checkpoint  Checkpointer
	metrics     MetricsSink
	tracer      Tracer

	engineCfg config.EngineConfig
	sem       *semaphore.Weighted

	mu         sync.RWMutex
	executions map[string]*Execution
	workflows  map[string]*config.WorkflowConfig

	// paused signals one per execution id, closed by Resume.
	resumeSignals map[string]chan struct{}

	events chan Event
	log    *slog.Logger
}

// New creates an Engine.
func New(p *pool.Pool, m *matcher.Matcher, c *coordinator.Coordinator, runStep RunFunc, checkpoint Checkpointer, metrics MetricsSink, engineCfg config.EngineConfig) *Engine {
	return &Engine{
		pool:          p,
		matcher:       m,
		coordinator:   c,
		runStep:       runStep,
		checkpoint:    checkpoint,
		metrics:       metrics,
		tracer:        noopTracer{},
		engineCfg:     engineCfg,
		sem:           semaphore.NewWeighted(int64(engineCfg.MaxConcurrentWorkflows)),
		executions:    make(map[string]*Execution),
		workflows:     make(map[string]*config.WorkflowConfig),
		resumeSignals: make(map[string]chan struct{}),
		events:        make(chan Event, 256),
		log:           logging.With(component),
	}
}

// WithTracer attaches a Tracer for step-dispatch and coordination-group
// spans, returning the engine for chaining at construction time.
func (e *Engine) WithTracer(t Tracer) *Engine {
	if t != nil {
		e.tracer = t
	}
	return e
}

// Events exposes the engine's streaming event channel (spec §6).
func (e *Engine) Events() <-chan Event {
	return e.events
}

func (e *Engine) emit(ev Event) {
	ev.Timestamp = time.Now()
	select {
	case e.events <- ev:
	default:
		e.log.Warn("event stream full, dropping event", "kind", ev.Kind, "execution_id", ev.ExecutionID)
	}
}

// Submit registers a workflow definition and starts a new execution,
// returning its execution id. Execution proceeds asynchronously; callers
// observe progress via Events() or Status(). Per the back-pressure policy
// (spec §5: "new workflow submissions are rejected, not queued"), Submit
// fails fast with Overloaded when the engine is already at
// max_concurrent_workflows rather than queuing the request.
func (e *Engine) Submit(ctx context.Context, wf *config.WorkflowConfig, executionID string, input map[string]any) (*Execution, error) {
	if err := wf.Validate(); err != nil {
		return nil, corerr.New(corerr.ValidationError, component, "Submit", err.Error(), nil)
	}
	if !e.sem.TryAcquire(1) {
		return nil, corerr.New(corerr.Overloaded, component, "Submit", "engine at max concurrent workflows", nil)
	}

	exec := &Execution{
		ID:         executionID,
		WorkflowID: wf.ID,
		Status:     StatusPending,
		Steps:      make(map[string]*StepExecution, len(wf.Steps)),
		Variables:  cloneMap(input),
		StartedAt:  time.Now(),
	}
	if wf.TimeoutSeconds > 0 {
		exec.Deadline = exec.StartedAt.Add(time.Duration(wf.TimeoutSeconds) * time.Second)
	} else {
		exec.Deadline = exec.StartedAt.Add(time.Duration(e.engineCfg.DefaultTimeoutSeconds) * time.Second)
	}
	for _, s := range wf.Steps {
		exec.Steps[s.ID] = &StepExecution{StepID: s.ID, Status: StepPending}
	}

	e.mu.Lock()
	e.executions[executionID] = exec
	e.workflows[executionID] = wf
	e.resumeSignals[executionID] = make(chan struct{})
	e.mu.Unlock()

	go func() {
		defer e.sem.Release(1)
		e.run(ctx, executionID)
	}()
	return exec, nil
}

func (e *Engine) run(ctx context.Context, executionID string) {
	e.mu.Lock()
	exec := e.executions[executionID]
	wf := e.workflows[executionID]
	firstRun := exec.Status == StatusPending
	exec.Status = StatusRunning
	e.mu.Unlock()

	e.emit(Event{ExecutionID: executionID, Kind: "workflow_started"})
	if firstRun {
		e.checkpointNow(executionID, LevelStandard, TriggerExecutionStart)
	}

	execCtx, cancel := context.WithDeadline(ctx, exec.Deadline)
	defer cancel()

	checkpointEvery := time.Duration(e.engineCfg.CheckpointIntervalS) * time.Second
	if checkpointEvery <= 0 {
		checkpointEvery = 60 * time.Second
	}
	lastCheckpoint := time.Now()

	for {
		e.mu.RLock()
		status := exec.Status
		e.mu.RUnlock()

		if status == StatusPaused {
			select {
			case <-e.resumeSignal(executionID):
			case <-execCtx.Done():
				e.failExecution(executionID, corerr.New(corerr.TimedOut, component, "run", "workflow deadline exceeded while paused", nil))
				return
			}
			continue
		}
		if status == StatusCancelled {
			return
		}

		ready := readySet(wf, exec)
		if len(ready) == 0 {
			if allTerminal(exec) {
				break
			}
			// Validate rejects dependency cycles, and dispatchReady always
			// resolves every step it dispatches before returning, so this
			// can only mean a step depends on one that was Skipped without
			// ever becoming ready (unreachable step). Treat it as stuck.
			e.failExecution(executionID, corerr.New(corerr.InternalError, component, "run", "workflow stalled: no ready steps but execution is not terminal", nil))
			return
		}

		if err := e.dispatchReady(execCtx, wf, exec, ready); err != nil {
			e.failExecution(executionID, err)
			return
		}
		propagateSkips(wf, exec)

		if e.metrics != nil {
			e.metrics.RecordMetric("workflow_steps_dispatched", float64(len(ready)), map[string]string{"workflow_id": wf.ID})
		}
		if time.Since(lastCheckpoint) >= checkpointEvery {
			e.checkpointNow(executionID, LevelStandard, TriggerInterval)
			lastCheckpoint = time.Now()
		}
	}

	e.finalize(executionID)
}

func (e *Engine) resumeSignal(executionID string) chan struct{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.resumeSignals[executionID]
}

// dispatchReady runs every currently-ready step concurrently, applying
// per-step strategy (single-agent via step executor, multi-agent via the
// coordinator), then folds results back into the execution.
func (e *Engine) dispatchReady(ctx context.Context, wf *config.WorkflowConfig, exec *Execution, ready []config.StepConfig) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(ready))

	for _, step := range ready {
		se := exec.Steps[step.ID]
		se.Status = StepRunning
		now := time.Now()
		se.StartedAt = &now
		e.emit(Event{ExecutionID: exec.ID, StepID: step.ID, Kind: "step_started"})

		wg.Add(1)
		go func(step config.StepConfig, se *StepExecution) {
			defer wg.Done()
			out, err := e.executeOneStep(ctx, step, exec)
			end := time.Now()
			se.EndedAt = &end
			if err != nil {
				se.Status = StepFailed
				se.Error = err.Error()
				e.emit(Event{ExecutionID: exec.ID, StepID: step.ID, Kind: "step_failed", Detail: err.Error()})
				if step.OnFailure == config.OnFailureContinue {
					return
				}
				errs <- err
				return
			}
			se.Status = StepCompleted
			se.Output = out
			e.mu.Lock()
			exec.Variables[step.ID+"_output"] = out
			e.mu.Unlock()
			e.emit(Event{ExecutionID: exec.ID, StepID: step.ID, Kind: "step_completed"})
		}(step, se)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		return err
	}
	return nil
}

func (e *Engine) executeOneStep(ctx context.Context, step config.StepConfig, exec *Execution) (any, error) {
	ctx, endSpan := e.tracer.StartSpan(ctx, "step.dispatch", map[string]string{"step_id": step.ID, "workflow_id": exec.WorkflowID})
	var err error
	defer func() { endSpan(err) }()

	var results []capability.Result
	results, err = e.matcher.Match(e.pool.List(), matcher.Query{
		Filter:  step.CapabilityFilter,
		Context: capability.MatchContext{EstimatedDuration: float64(step.TimeoutSeconds)},
	})
	if err != nil {
		return nil, err
	}
	viable := matcher.Best(results)
	if len(viable) == 0 {
		err = corerr.New(corerr.NoAgents, component, "executeOneStep", "no viable agent for step "+step.ID, nil)
		return nil, err
	}

	if isMultiAgentStep(step) {
		groupCtx, endGroup := e.tracer.StartSpan(ctx, "coordination.group", map[string]string{"step_id": step.ID, "strategy": string(step.CoordinationStrategy)})
		out := e.coordinator.Dispatch(groupCtx, coordinator.DispatchInput{
			StepID:         step.ID,
			Strategy:       step.CoordinationStrategy,
			Variables:      exec.Variables,
			TimeoutSeconds: step.TimeoutSeconds,
		}, viable)
		endGroup(out.Err)
		err = out.Err
		return out.Result, err
	}

	var entry pool.Entry
	entry, err = e.pool.Get(viable[0].AgentID)
	if err != nil {
		return nil, err
	}
	out, runErr := e.runStep(ctx, step, entry, exec)
	err = runErr
	return out, err
}

// isMultiAgentStep reports whether a step's matched agents should be run
// through the coordinator rather than dispatched to a single agent. This is
// a property of the step's declared coordination strategy, not its step
// type: an agent_task or tool_execution step can just as well request
// multi-agent coordination as a parallel-typed one (spec §4.5).
func isMultiAgentStep(step config.StepConfig) bool {
	return step.CoordinationStrategy != ""
}

func (e *Engine) failExecution(executionID string, err error) {
	e.mu.Lock()
	exec := e.executions[executionID]
	exec.Status = StatusFailed
	exec.Error = err.Error()
	now := time.Now()
	exec.EndedAt = &now
	e.mu.Unlock()
	e.emit(Event{ExecutionID: executionID, Kind: "workflow_failed", Detail: err.Error()})
}

func (e *Engine) finalize(executionID string) {
	e.mu.Lock()
	exec := e.executions[executionID]
	wf := e.workflows[executionID]
	if anyFailed(wf, exec) {
		exec.Status = StatusFailed
	} else {
		exec.Status = StatusCompleted
	}
	now := time.Now()
	exec.EndedAt = &now
	e.mu.Unlock()

	e.checkpointNow(executionID, LevelComprehensive, TriggerExecutionEnd)
	e.emit(Event{ExecutionID: executionID, Kind: "workflow_completed"})
}

// checkpointNow takes a snapshot of the current execution and hands it to
// the checkpointer, if one is configured. Failures are logged, not
// propagated: a missed checkpoint must never abort a running workflow.
func (e *Engine) checkpointNow(executionID, level, trigger string) {
	if e.checkpoint == nil {
		return
	}
	e.mu.RLock()
	exec := e.executions[executionID]
	wf := e.workflows[executionID]
	e.mu.RUnlock()
	if exec == nil || wf == nil {
		return
	}
	if err := e.checkpoint.CreateCheckpoint(executionID, level, trigger, Snapshot{Execution: exec, Workflow: wf}); err != nil {
		e.log.Warn("checkpoint failed", "execution_id", executionID, "level", level, "trigger", trigger, "error", err)
	}
}

// Pause transitions a running execution to Paused (spec §3 Execution FSM),
// forcing a Standard checkpoint before the transition takes effect.
func (e *Engine) Pause(executionID string) error {
	e.mu.RLock()
	exec, ok := e.executions[executionID]
	e.mu.RUnlock()
	if !ok {
		return corerr.New(corerr.NotFound, component, "Pause", "execution not found: "+executionID, nil)
	}
	if !exec.Status.CanTransition(StatusPaused) {
		return corerr.New(corerr.NotActive, component, "Pause", fmt.Sprintf("cannot pause from %s", exec.Status), nil)
	}
	e.checkpointNow(executionID, LevelStandard, TriggerPause)

	e.mu.Lock()
	defer e.mu.Unlock()
	if !exec.Status.CanTransition(StatusPaused) {
		return corerr.New(corerr.NotActive, component, "Pause", fmt.Sprintf("cannot pause from %s", exec.Status), nil)
	}
	exec.Status = StatusPaused
	return nil
}

// Resume transitions a paused execution back to Running and writes a
// Standard checkpoint.
func (e *Engine) Resume(executionID string) error {
	e.mu.Lock()
	exec, ok := e.executions[executionID]
	if !ok {
		e.mu.Unlock()
		return corerr.New(corerr.NotFound, component, "Resume", "execution not found: "+executionID, nil)
	}
	if !exec.Status.CanTransition(StatusRunning) {
		e.mu.Unlock()
		return corerr.New(corerr.NotActive, component, "Resume", fmt.Sprintf("cannot resume from %s", exec.Status), nil)
	}
	exec.Status = StatusRunning
	signal := e.resumeSignals[executionID]
	e.resumeSignals[executionID] = make(chan struct{})
	e.mu.Unlock()
	close(signal)
	e.checkpointNow(executionID, LevelStandard, TriggerResume)
	return nil
}

// Cancel transitions an execution to Cancelled and writes a final
// Comprehensive checkpoint. Idempotent: cancelling an already-terminal
// execution is a no-op error, not a crash.
func (e *Engine) Cancel(executionID string) error {
	e.mu.Lock()
	exec, ok := e.executions[executionID]
	if !ok {
		e.mu.Unlock()
		return corerr.New(corerr.NotFound, component, "Cancel", "execution not found: "+executionID, nil)
	}
	if exec.Status.Terminal() {
		e.mu.Unlock()
		return corerr.New(corerr.NotActive, component, "Cancel", "execution already terminal", nil)
	}
	exec.Status = StatusCancelled
	now := time.Now()
	exec.EndedAt = &now
	if signal, ok := e.resumeSignals[executionID]; ok {
		select {
		case <-signal:
		default:
			close(signal)
		}
	}
	e.mu.Unlock()

	e.checkpointNow(executionID, LevelComprehensive, TriggerCancel)
	return nil
}

// Status returns the current execution snapshot.
func (e *Engine) Status(executionID string) (*Execution, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	exec, ok := e.executions[executionID]
	if !ok {
		return nil, corerr.New(corerr.NotFound, component, "Status", "execution not found: "+executionID, nil)
	}
	return exec, nil
}

// ListActive returns every execution not yet in a terminal state.
func (e *Engine) ListActive() []*Execution {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*Execution
	for _, exec := range e.executions {
		if !exec.Status.Terminal() {
			out = append(out, exec)
		}
	}
	return out
}

// Restore re-hydrates an execution from a checkpointed snapshot and
// resumes driving it (spec §4.6: restore). Subject to the same admission
// control as Submit: a restore of a non-terminal execution claims a
// concurrency slot and is rejected with Overloaded if none is free.
func (e *Engine) Restore(ctx context.Context, snapshot Snapshot) error {
	if snapshot.Execution == nil || snapshot.Workflow == nil {
		return corerr.New(corerr.ValidationError, component, "Restore", "snapshot missing execution or workflow", nil)
	}

	if !snapshot.Execution.Status.Terminal() {
		if !e.sem.TryAcquire(1) {
			return corerr.New(corerr.Overloaded, component, "Restore", "engine at max concurrent workflows", nil)
		}
	}

	e.mu.Lock()
	e.executions[snapshot.Execution.ID] = snapshot.Execution
	e.workflows[snapshot.Execution.ID] = snapshot.Workflow
	e.resumeSignals[snapshot.Execution.ID] = make(chan struct{})
	e.mu.Unlock()

	if snapshot.Execution.Status.Terminal() {
		return nil
	}
	snapshot.Execution.Status = StatusPending
	go func() {
		defer e.sem.Release(1)
		e.run(ctx, snapshot.Execution.ID)
	}()
	return nil
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
