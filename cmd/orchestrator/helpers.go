package main

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/agentmesh/orchestrator/checkpoint"
	"github.com/agentmesh/orchestrator/config"
	"github.com/agentmesh/orchestrator/corerr"
	"github.com/agentmesh/orchestrator/workflow"
)

func loadConfig(path string) (*config.Root, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, corerr.New(corerr.ValidationError, component, "loadConfig", err.Error(), nil)
	}
	return cfg, nil
}

func parseInputJSON(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, corerr.New(corerr.ValidationError, component, "parseInputJSON", "invalid --input JSON: "+err.Error(), nil)
	}
	return out, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// restoreLatest reconstructs the most recent workflow.Execution for
// executionID from its checkpoint history, resolving the owning workflow
// definition from the checkpoint's own payload (Payload.WorkflowID) rather
// than requiring the caller to already know it.
func (a *App) restoreLatest(ctx context.Context, executionID string) (*workflow.Execution, *config.WorkflowConfig, error) {
	all, err := a.checkpoint.List(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}
	if len(all) == 0 {
		return nil, nil, corerr.New(corerr.NotFound, component, "restoreLatest", "no checkpoints for execution "+executionID, nil)
	}
	latest := all[len(all)-1]
	wf, err := a.resolveWorkflow(latest.Payload.WorkflowID)
	if err != nil {
		return nil, nil, err
	}
	exec, _, err := a.checkpoint.Restore(ctx, executionID, nil, nil, wf)
	if err != nil {
		return nil, nil, err
	}
	return exec, wf, nil
}

// relaunch rehydrates exec into the engine, which either relaunches its run
// loop (non-terminal) or registers it read-only (terminal); either way the
// engine's in-memory maps then hold the execution for Status/Pause/Resume/
// Cancel to act on.
func (a *App) relaunch(ctx context.Context, exec *workflow.Execution, wf *config.WorkflowConfig) error {
	return a.engine.Restore(ctx, workflow.Snapshot{Execution: exec, Workflow: wf})
}

// awaitStatus polls the engine for executionID to reach want, or any terminal
// status, up to timeout. Used after relaunch since restore hands the run loop
// off to a goroutine that needs a moment to reach Running.
func awaitStatus(e interface {
	Status(string) (*workflow.Execution, error)
}, executionID string, want workflow.Status, timeout time.Duration) (*workflow.Execution, error) {
	deadline := time.Now().Add(timeout)
	for {
		exec, err := e.Status(executionID)
		if err != nil {
			return nil, err
		}
		if exec.Status == want || exec.Status.Terminal() {
			return exec, nil
		}
		if time.Now().After(deadline) {
			return exec, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// listExecutionIDs scans the checkpoint store's full key space for distinct
// execution ids. Store only exposes prefix enumeration, so this is the one
// primitive available to discover "every execution that has ever
// checkpointed" without a secondary index.
func listExecutionIDs(ctx context.Context, store checkpoint.Store) ([]string, error) {
	keys, err := store.ListPrefix(ctx, "exec/", 0)
	if err != nil {
		return nil, corerr.New(corerr.ExternalServiceError, component, "listExecutionIDs", "list checkpoint keys", err)
	}
	seen := make(map[string]bool)
	var ids []string
	for _, k := range keys {
		rest := strings.TrimPrefix(k, "exec/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			continue
		}
		if !seen[parts[0]] {
			seen[parts[0]] = true
			ids = append(ids, parts[0])
		}
	}
	return ids, nil
}
