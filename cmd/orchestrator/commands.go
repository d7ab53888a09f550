package main

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/orchestrator/corerr"
	"github.com/agentmesh/orchestrator/workflow"
)

// ExecuteCmd submits a new execution of a configured workflow (spec §6:
// execute). With --wait it blocks until the execution reaches a terminal
// status or --timeout elapses; the default in-memory checkpoint store is
// enough there since the whole lifecycle happens inside this one process.
// Without --wait the
// caller must supply --etcd-endpoints (on CLI) so a later pause/resume/
// cancel/status invocation, running as a separate process, can find the
// execution's checkpoints.
type ExecuteCmd struct {
	Workflow string `arg:"" help:"Workflow id to execute."`
	Input    string `help:"JSON object merged into the execution's initial variables." default:"{}"`
	Wait     bool   `help:"Block until the execution reaches a terminal status."`
	Timeout  int    `help:"Seconds to wait when --wait is set; 0 waits for the workflow's own deadline." default:"0"`
}

func (c *ExecuteCmd) Run(cli *CLI) error {
	ctx := context.Background()
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	app, err := buildApp(cfg, cli.storeOptions())
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	wf, err := app.resolveWorkflow(c.Workflow)
	if err != nil {
		return err
	}
	input, err := parseInputJSON(c.Input)
	if err != nil {
		return err
	}

	executionID := uuid.NewString()
	exec, err := app.engine.Submit(ctx, wf, executionID, input)
	if err != nil {
		return err
	}

	if !c.Wait {
		return printJSON(exec)
	}

	timeout := time.Duration(c.Timeout) * time.Second
	if timeout <= 0 {
		timeout = exec.Remaining(time.Now())
		if timeout <= 0 {
			timeout = time.Duration(cfg.Engine.DefaultTimeoutSeconds) * time.Second
		}
	}
	final, err := awaitStatus(app.engine, executionID, workflow.StatusCompleted, timeout)
	if err != nil {
		return err
	}
	if err := printJSON(final); err != nil {
		return err
	}
	if final.Status == workflow.StatusFailed {
		return corerr.New(corerr.InternalError, component, "ExecuteCmd", "execution failed: "+final.Error, nil)
	}
	return nil
}

// PauseCmd rehydrates an execution from its latest checkpoint, relaunches it
// in this process, and immediately pauses it. Engine.Pause writes its
// Standard checkpoint of the running state just before the transition;
// this command then writes a second Standard checkpoint recording the
// Paused phase. Since nothing keeps the run loop alive past this process
// exiting, that checkpoint is the durable effect of this command; resuming
// in a fresh process is what actually continues the work (see ResumeCmd).
type PauseCmd struct {
	ExecutionID string `arg:"" help:"Execution id to pause."`
}

func (c *PauseCmd) Run(cli *CLI) error {
	ctx := context.Background()
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	app, err := buildApp(cfg, cli.storeOptions())
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	exec, wf, err := app.restoreLatest(ctx, c.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return corerr.New(corerr.NotActive, component, "PauseCmd", "execution already terminal: "+string(exec.Status), nil)
	}
	if err := app.relaunch(ctx, exec, wf); err != nil {
		return err
	}
	if _, err := awaitStatus(app.engine, c.ExecutionID, workflow.StatusRunning, 2*time.Second); err != nil {
		return err
	}
	if err := app.engine.Pause(c.ExecutionID); err != nil {
		return err
	}
	if err := app.checkpoint.CreateCheckpoint(c.ExecutionID, workflow.LevelStandard, workflow.TriggerPause, workflow.Snapshot{Execution: exec, Workflow: wf}); err != nil {
		return err
	}
	final, err := app.engine.Status(c.ExecutionID)
	if err != nil {
		return err
	}
	return printJSON(final)
}

// ResumeCmd continues a paused execution. Relaunching an execution through
// the engine always resumes its run loop regardless of the checkpointed
// phase (Restore only ever leaves a non-terminal execution Pending, which
// the run loop advances to Running on its own), so resuming is just
// restoring a checkpoint whose phase was Paused; this command checks that
// precondition explicitly so resuming a non-paused execution fails loudly
// instead of silently re-running it.
type ResumeCmd struct {
	ExecutionID string `arg:"" help:"Execution id to resume."`
}

func (c *ResumeCmd) Run(cli *CLI) error {
	ctx := context.Background()
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	app, err := buildApp(cfg, cli.storeOptions())
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	exec, wf, err := app.restoreLatest(ctx, c.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status != workflow.StatusPaused {
		return corerr.New(corerr.NotActive, component, "ResumeCmd", "execution is not paused: "+string(exec.Status), nil)
	}
	if err := app.relaunch(ctx, exec, wf); err != nil {
		return err
	}
	if err := app.checkpoint.CreateCheckpoint(c.ExecutionID, workflow.LevelStandard, workflow.TriggerResume, workflow.Snapshot{Execution: exec, Workflow: wf}); err != nil {
		return err
	}
	final, err := app.engine.Status(c.ExecutionID)
	if err != nil {
		return err
	}
	return printJSON(final)
}

// CancelCmd terminates an execution, whatever its current phase, and writes
// a final Comprehensive checkpoint.
type CancelCmd struct {
	ExecutionID string `arg:"" help:"Execution id to cancel."`
}

func (c *CancelCmd) Run(cli *CLI) error {
	ctx := context.Background()
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	app, err := buildApp(cfg, cli.storeOptions())
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	exec, wf, err := app.restoreLatest(ctx, c.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return corerr.New(corerr.NotActive, component, "CancelCmd", "execution already terminal: "+string(exec.Status), nil)
	}
	if err := app.relaunch(ctx, exec, wf); err != nil {
		return err
	}
	if err := app.engine.Cancel(c.ExecutionID); err != nil {
		return err
	}
	final, err := app.engine.Status(c.ExecutionID)
	if err != nil {
		return err
	}
	return printJSON(final)
}

// RestoreCmd reconstructs an execution from a specific checkpoint (by id or
// by the latest checkpoint at or before --at) and relaunches it, the
// general form of what Pause/Resume/Cancel do implicitly against the
// latest checkpoint.
type RestoreCmd struct {
	ExecutionID  string `arg:"" help:"Execution id to restore."`
	CheckpointID int64  `help:"Specific checkpoint id to restore from; 0 means unset." default:"0"`
	At           string `help:"RFC3339 timestamp: restore the latest checkpoint at or before this time."`
}

func (c *RestoreCmd) Run(cli *CLI) error {
	ctx := context.Background()
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	app, err := buildApp(cfg, cli.storeOptions())
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	all, err := app.checkpoint.List(ctx, c.ExecutionID)
	if err != nil {
		return err
	}
	if len(all) == 0 {
		return corerr.New(corerr.NotFound, component, "RestoreCmd", "no checkpoints for execution "+c.ExecutionID, nil)
	}
	wf, err := app.resolveWorkflow(all[len(all)-1].Payload.WorkflowID)
	if err != nil {
		return err
	}

	var checkpointID *int64
	if c.CheckpointID != 0 {
		checkpointID = &c.CheckpointID
	}
	var targetTimestamp *time.Time
	if c.At != "" {
		t, err := time.Parse(time.RFC3339, c.At)
		if err != nil {
			return corerr.New(corerr.ValidationError, component, "RestoreCmd", "invalid --at: "+err.Error(), nil)
		}
		targetTimestamp = &t
	}

	exec, _, err := app.checkpoint.Restore(ctx, c.ExecutionID, checkpointID, targetTimestamp, wf)
	if err != nil {
		return err
	}
	if err := app.relaunch(ctx, exec, wf); err != nil {
		return err
	}
	final, err := app.engine.Status(c.ExecutionID)
	if err != nil {
		return err
	}
	return printJSON(final)
}

// StatusCmd reports an execution's current snapshot without relaunching it
// unless it isn't terminal (engine.Restore is a no-op registration for a
// terminal execution, so it's safe to call unconditionally here).
type StatusCmd struct {
	ExecutionID string `arg:"" help:"Execution id to inspect."`
}

func (c *StatusCmd) Run(cli *CLI) error {
	ctx := context.Background()
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	app, err := buildApp(cfg, cli.storeOptions())
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	exec, wf, err := app.restoreLatest(ctx, c.ExecutionID)
	if err != nil {
		return err
	}
	if err := app.relaunch(ctx, exec, wf); err != nil {
		return err
	}
	final, err := app.engine.Status(c.ExecutionID)
	if err != nil {
		return err
	}
	return printJSON(final)
}

// MetricsCmd reports the performance monitor's health summary and
// optimisation recommendations. This process's Monitor only ever observes
// metrics recorded during its own lifetime, so this command is meaningful
// right after an `execute --wait` in the same invocation; a deployment that
// needs durable cross-invocation metrics would run the engine as a
// long-lived server and scrape Monitor.Registry() instead.
type MetricsCmd struct{}

type metricsReport struct {
	Summary         any `json:"summary"`
	Recommendations any `json:"recommendations"`
}

func (c *MetricsCmd) Run(cli *CLI) error {
	ctx := context.Background()
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	app, err := buildApp(cfg, cli.storeOptions())
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	return printJSON(metricsReport{
		Summary:         app.monitor.Summary(),
		Recommendations: app.monitor.Recommendations(),
	})
}

// ListActiveCmd lists every execution whose latest checkpoint is not yet
// terminal, discovered by scanning the checkpoint store's full key space
// since Store exposes no secondary index over execution ids.
type ListActiveCmd struct{}

func (c *ListActiveCmd) Run(cli *CLI) error {
	ctx := context.Background()
	cfg, err := loadConfig(cli.Config)
	if err != nil {
		return err
	}
	app, err := buildApp(cfg, cli.storeOptions())
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	ids, err := listExecutionIDs(ctx, app.store)
	if err != nil {
		return err
	}

	var active []*workflow.Execution
	for _, id := range ids {
		exec, _, err := app.restoreLatest(ctx, id)
		if err != nil {
			continue
		}
		if !exec.Status.Terminal() {
			active = append(active, exec)
		}
	}
	return printJSON(active)
}
