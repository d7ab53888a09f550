package main

import (
	"context"
	"fmt"
	"time"

	"github.com/agentmesh/orchestrator/agentapi"
	"github.com/agentmesh/orchestrator/capability"
	"github.com/agentmesh/orchestrator/checkpoint"
	"github.com/agentmesh/orchestrator/config"
	"github.com/agentmesh/orchestrator/coordinator"
	"github.com/agentmesh/orchestrator/corerr"
	"github.com/agentmesh/orchestrator/matcher"
	"github.com/agentmesh/orchestrator/monitor"
	"github.com/agentmesh/orchestrator/pool"
	"github.com/agentmesh/orchestrator/stepexec"
	"github.com/agentmesh/orchestrator/workflow"
)

const component = "cmd/orchestrator"

// App bundles one fully wired instance of every orchestration component
// (spec §4: C1 through C7), built fresh for each CLI invocation from a
// config.Root. Long-lived operations (a submitted execution, an open
// tracer) only live as long as the process does; state that must survive
// across invocations goes through the checkpoint Store, which the caller
// selects (in-memory for a single-shot `execute`, etcd for a control
// surface split across separate invocations).
type App struct {
	cfg         *config.Root
	pool        *pool.Pool
	matcher     *matcher.Matcher
	dir         *directory
	coordinator *coordinator.Coordinator
	store       checkpoint.Store
	checkpoint  *checkpoint.Manager
	monitor     *monitor.Monitor
	tracer      *monitor.Tracer
	engine      *workflow.Engine
}

// storeOptions selects the checkpoint Store backing a run.
type storeOptions struct {
	EtcdEndpoints []string
	EtcdPrefix    string
}

func buildStore(opts storeOptions) (checkpoint.Store, error) {
	if len(opts.EtcdEndpoints) == 0 {
		return checkpoint.NewMemoryStore(), nil
	}
	prefix := opts.EtcdPrefix
	if prefix == "" {
		prefix = "agentmesh/checkpoints/"
	}
	return checkpoint.NewEtcdStore(opts.EtcdEndpoints, prefix)
}

// buildApp wires C1-C7 from cfg, registering every configured agent into
// the pool and the in-process directory that resolves pool entries to
// live agentapi.Agent implementations.
func buildApp(cfg *config.Root, opts storeOptions) (*App, error) {
	p := pool.New()
	dir := newDirectory()

	for id, ac := range cfg.Agents {
		if ac.AgentID == "" {
			ac.AgentID = id
		}
		agent, err := newAgentFromConfig(ac)
		if err != nil {
			return nil, corerr.New(corerr.ValidationError, component, "buildApp", err.Error(), nil)
		}
		dir.register(ac.AgentID, agent)

		entry := pool.Entry{
			AgentID:          ac.AgentID,
			DisplayName:      ac.DisplayName,
			Environment:      ac.Environment,
			Region:           ac.Region,
			Capabilities:     ac.Capabilities,
			Tools:            ac.Tools,
			StrategyTags:     ac.StrategyTags,
			AgentType:        ac.AgentType,
			CostPerExecution: ac.CostPerExecution,
			Limits:           pool.ResourceLimits{MaxConcurrentTasks: ac.MaxConcurrentTasks},
			State: pool.LiveState{
				Health:        capability.Healthy,
				StartedAt:     time.Now(),
				LastHeartbeat: time.Now(),
			},
		}
		if err := p.Upsert(entry); err != nil {
			return nil, err
		}
	}

	m := matcher.New()
	executor := stepexec.New()
	coord := coordinator.New(p, m, dir, coordinatorRunFunc(dir))

	store, err := buildStore(opts)
	if err != nil {
		return nil, corerr.New(corerr.ExternalServiceError, component, "buildApp", "open checkpoint store", err)
	}
	ckptMgr := checkpoint.New(store, cfg.Engine.CacheSize)

	mon := monitor.New(cfg.Engine)
	tracer, err := monitor.NewTracer(monitor.TracerConfig{ServiceName: "agentmesh-orchestrator"})
	if err != nil {
		return nil, corerr.New(corerr.InternalError, component, "buildApp", "build tracer", err)
	}

	engine := workflow.New(p, m, coord, workflowRunFunc(dir, executor, cfg.Engine), ckptMgr, mon, cfg.Engine).
		WithTracer(tracer)

	return &App{
		cfg:         cfg,
		pool:        p,
		matcher:     m,
		dir:         dir,
		coordinator: coord,
		store:       store,
		checkpoint:  ckptMgr,
		monitor:     mon,
		tracer:      tracer,
		engine:      engine,
	}, nil
}

func (a *App) Close(ctx context.Context) {
	if a.tracer != nil {
		_ = a.tracer.Shutdown(ctx)
	}
}

// workflowRunFunc adapts a single-agent step dispatch into a call through
// the step executor (spec §4.3: C3), resolving the target pool entry's
// agent id through dir.
func workflowRunFunc(dir *directory, executor *stepexec.Executor, engineCfg config.EngineConfig) workflow.RunFunc {
	return func(ctx context.Context, step config.StepConfig, entry pool.Entry, exec *workflow.Execution) (any, error) {
		agent, ok := dir.Resolve(entry.AgentID)
		if !ok {
			return nil, corerr.New(corerr.NotFound, component, "workflowRunFunc", "agent not registered: "+entry.AgentID, nil)
		}
		result, err := executor.Execute(ctx, stepexec.Step{
			ID:             step.ID,
			Type:           step.Type,
			Input:          mergeInput(step.Input, exec.Variables),
			RequiredTools:  step.CapabilityFilter.RequiredTools,
			TimeoutSeconds: step.TimeoutSeconds,
			Retry:          step.Retry,
		}, agent, entry, engineCfg.DefaultTimeoutSeconds, exec.Remaining(time.Now()))
		return result.Output, err
	}
}

// coordinatorRunFunc adapts one coordination-group task dispatch into a
// direct agent call; unlike the single-agent path it bypasses the step
// executor's retry/circuit-breaker layer, since per-task resilience within
// a coordination group is the coordinator's own responsibility (spec §4.4:
// task states Assigned -> Executing -> {Completed | Failed | TimedOut}).
func coordinatorRunFunc(dir *directory) coordinator.RunFunc {
	return func(ctx context.Context, agentID string, input map[string]any, timeout time.Duration) (any, error) {
		agent, ok := dir.Resolve(agentID)
		if !ok {
			return nil, corerr.New(corerr.NotFound, component, "coordinatorRunFunc", "agent not registered: "+agentID, nil)
		}
		taskCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return agent.ExecuteTask(taskCtx, agentapi.Task{
			StepType: "coordination_task",
			Input:    input,
			Timeout:  timeout,
		})
	}
}

// mergeInput layers a step's static input map over the execution's
// accumulated variables (upstream step outputs), so a step can reference
// prior outputs without the caller having to thread them through manually.
func mergeInput(stepInput, execVariables map[string]any) map[string]any {
	out := make(map[string]any, len(stepInput)+len(execVariables))
	for k, v := range execVariables {
		out[k] = v
	}
	for k, v := range stepInput {
		out[k] = v
	}
	return out
}

// resolveWorkflow looks up a workflow definition by id, returning a
// NotFound corerr.Error on miss (every command that loads a workflow by
// name routes through this for a consistent error shape).
func (a *App) resolveWorkflow(id string) (*config.WorkflowConfig, error) {
	wf, ok := a.cfg.Workflows[id]
	if !ok {
		return nil, corerr.New(corerr.NotFound, component, "resolveWorkflow", fmt.Sprintf("workflow %q not found", id), nil)
	}
	if wf.ID == "" {
		wf.ID = id
	}
	return &wf, nil
}
