// Package stepexec implements the step executor (spec §4.3: C3): it runs
// one workflow step against one selected agent, enforcing tool
// preconditions, a layered timeout, and a retry/circuit-breaker policy.
package stepexec

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker/v2"

	"github.com/agentmesh/orchestrator/agentapi"
	"github.com/agentmesh/orchestrator/config"
	"github.com/agentmesh/orchestrator/corerr"
	"github.com/agentmesh/orchestrator/logging"
	"github.com/agentmesh/orchestrator/pool"
)

const component = "stepexec"

// Step is the minimal view of a workflow step the executor needs; the
// workflow engine constructs this from its own StepConfig plus runtime
// context.
type Step struct {
	ID             string
	Type           config.StepType
	Input          map[string]any
	StepConfig     map[string]any
	RequiredTools  []string
	TimeoutSeconds int
	Retry          config.RetryPolicyConfig
}

// Result is the outcome of Execute.
type Result struct {
	Output       any
	Attempts     int
	LastError    error
}

// Executor runs steps against agents.
type Executor struct {
	log       *slog.Logger
	breakers  sync.Map // agent id -> *gobreaker.CircuitBreaker[any]
}

// New creates an Executor.
func New() *Executor {
	return &Executor{log: logging.With(component)}
}

func (e *Executor) breakerFor(agentID string) *gobreaker.CircuitBreaker[any] {
	if b, ok := e.breakers.Load(agentID); ok {
		return b.(*gobreaker.CircuitBreaker[any])
	}
	b := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "stepexec:" + agentID,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	actual, _ := e.breakers.LoadOrStore(agentID, b)
	return actual.(*gobreaker.CircuitBreaker[any])
}

// effectiveTimeout implements spec §4.3: min(step.timeout, workflow.timeout,
// remaining_deadline).
func effectiveTimeout(stepSeconds, workflowSeconds int, remaining time.Duration) time.Duration {
	d := remaining
	if stepSeconds > 0 {
		s := time.Duration(stepSeconds) * time.Second
		if s < d {
			d = s
		}
	}
	if workflowSeconds > 0 {
		w := time.Duration(workflowSeconds) * time.Second
		if w < d {
			d = w
		}
	}
	return d
}

// Execute runs step against agent, applying the tool precondition check,
// layered timeout, retry policy, and per-agent circuit breaker (spec §4.3).
func (e *Executor) Execute(ctx context.Context, step Step, agent agentapi.Agent, entry pool.Entry, workflowTimeoutSeconds int, remainingDeadline time.Duration) (Result, error) {
	for _, tool := range step.RequiredTools {
		if !entry.HasTool(tool) {
			return Result{}, corerr.New(corerr.PreconditionFailed, component, "Execute",
				fmt.Sprintf("agent %s missing required tool %q", entry.AgentID, tool), nil).WithStep(step.ID, 0)
		}
	}

	timeout := effectiveTimeout(step.TimeoutSeconds, workflowTimeoutSeconds, remainingDeadline)
	retryPolicy := step.Retry
	retryPolicy.SetDefaults()

	attempts := 0
	operation := func() (any, error) {
		attempts++
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		breaker := e.breakerFor(entry.AgentID)
		out, err := breaker.Execute(func() (any, error) {
			return agent.ExecuteTask(stepCtx, agentapi.Task{
				StepType: string(step.Type),
				Input:    step.Input,
				Config:   step.StepConfig,
				Timeout:  timeout,
			})
		})
		if err != nil {
			if stepCtx.Err() == context.DeadlineExceeded {
				return nil, backoff.Permanent(corerr.New(corerr.TimedOut, component, "Execute",
					fmt.Sprintf("step timed out after %s", timeout), err).WithStep(step.ID, attempts))
			}
			if ctx.Err() == context.Canceled {
				return nil, backoff.Permanent(corerr.New(corerr.Cancelled, component, "Execute",
					"step cancelled", err).WithStep(step.ID, attempts))
			}
			wrapped := classify(err, step.ID, attempts)
			if !wrapped.Retriable() {
				return nil, backoff.Permanent(wrapped)
			}
			return nil, wrapped
		}
		return out, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.Multiplier = retryPolicy.BackoffFactor
	bo.InitialInterval = time.Second
	bo.RandomizationFactor = retryPolicy.JitterFraction

	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(retryPolicy.MaxAttempts)),
	)
	if err != nil {
		e.log.Warn("step failed after retries", "step_id", step.ID, "attempts", attempts, "error", err)
		return Result{Attempts: attempts, LastError: err}, err
	}
	return Result{Output: out, Attempts: attempts}, nil
}

// classify wraps a raw agent/transport error as a *corerr.Error, defaulting
// to RetriableError so transient network failures get retried (spec §4.3:
// retries only on transient errors).
func classify(err error, stepID string, attempt int) *corerr.Error {
	var e *corerr.Error
	if corerr.As(err, &e) {
		return e
	}
	return corerr.New(corerr.RetriableError, component, "Execute", "agent task failed", err).WithStep(stepID, attempt)
}

// jitteredDelay computes the ±jitter_fraction envelope described in spec
// §4.3 from its own formula, delay_n = base * factor^(n-1), jittered.
// Execute does not call it; its retry delays come from the backoff
// library's own randomization.
func jitteredDelay(base time.Duration, factor float64, attempt int, jitterFraction float64) time.Duration {
	d := float64(base)
	for i := 1; i < attempt; i++ {
		d *= factor
	}
	jitter := d * jitterFraction * (rand.Float64()*2 - 1)
	return time.Duration(d + jitter)
}
