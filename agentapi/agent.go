// Package agentapi defines the contract between the orchestration core and
// the worker agents it dispatches steps to (spec §4.3: the agent side of
// execute_task), plus two implementations: an in-process Simulated agent
// used by tests and local runs, and an out-of-process plugin-backed agent
// grounded on the teacher's go-plugin lifecycle.
package agentapi

import (
	"context"
	"time"
)

// Task is the unit of work handed to an agent's ExecuteTask.
type Task struct {
	StepType string
	Input    map[string]any
	Config   map[string]any
	Timeout  time.Duration
}

// Agent is the contract every worker — in-process or out-of-process —
// must implement (spec §4.3).
type Agent interface {
	// ExecuteTask runs one task and returns its raw output, or an error.
	// Implementations must honor ctx cancellation cooperatively.
	ExecuteTask(ctx context.Context, task Task) (any, error)

	// HealthCheck reports whether the agent is currently able to accept work.
	HealthCheck(ctx context.Context) bool

	// Metadata returns a small set of descriptive key/value pairs (version,
	// build, endpoint) surfaced through status/metrics, not used for matching.
	Metadata() map[string]string
}

// Status is the lifecycle state of an Agent implementation (spec §4.4 task
// lifecycle applies to tasks; this tracks the Agent process/connection
// itself, mirroring the teacher's plugin status enum).
type Status string

const (
	StatusUnloaded   Status = "unloaded"
	StatusLoading    Status = "loading"
	StatusReady      Status = "ready"
	StatusError      Status = "error"
	StatusCrashed    Status = "crashed"
	StatusShutdown   Status = "shutdown"
	StatusRestarting Status = "restarting"
)
