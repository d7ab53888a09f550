package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/orchestrator/agentapi"
	"github.com/agentmesh/orchestrator/capability"
	"github.com/agentmesh/orchestrator/config"
	"github.com/agentmesh/orchestrator/corerr"
	"github.com/agentmesh/orchestrator/logging"
	"github.com/agentmesh/orchestrator/matcher"
	"github.com/agentmesh/orchestrator/pool"
)

const component = "coordinator"

// messageQueueCapacity bounds the inter-agent message channel (spec §5).
const messageQueueCapacity = 256

// Directory resolves an agent id to its live Agent implementation. The
// workflow engine supplies this, backed by whatever mix of simulated and
// plugin-backed agents it manages.
type Directory interface {
	Resolve(agentID string) (agentapi.Agent, bool)
}

// Message is one inter-agent coordination message, carried on the bounded
// queue described in spec §5.
type Message struct {
	GroupID string
	From    string
	To      string
	Payload any
}

// Coordinator implements C4.
type Coordinator struct {
	pool      *pool.Pool
	matcher   *matcher.Matcher
	directory Directory
	run       func(ctx context.Context, agentID string, input map[string]any, timeout time.Duration) (any, error)

	log      *slog.Logger
	messages chan Message

	mu     sync.Mutex
	groups map[string]*Group
}

// RunFunc executes one task against one agent id and returns its raw
// output; the engine supplies this so the coordinator does not need to
// know about step executor retry/circuit-breaker internals directly.
type RunFunc func(ctx context.Context, agentID string, input map[string]any, timeout time.Duration) (any, error)

// New creates a Coordinator.
func New(p *pool.Pool, m *matcher.Matcher, dir Directory, run RunFunc) *Coordinator {
	return &Coordinator{
		pool:      p,
		matcher:   m,
		directory: dir,
		run:       run,
		log:       logging.With(component),
		messages:  make(chan Message, messageQueueCapacity),
		groups:    make(map[string]*Group),
	}
}

// Messages exposes the bounded inter-agent message queue for consumers
// that want to observe coordination traffic (e.g. the performance monitor).
func (c *Coordinator) Messages() <-chan Message {
	return c.messages
}

func (c *Coordinator) publish(msg Message) {
	select {
	case c.messages <- msg:
	default:
		c.log.Warn("coordination message queue full, dropping", "group_id", msg.GroupID)
	}
}

// SelectAgents queries the matcher and picks
// min(max(requiredCount,1), maxCount, available) agents in rank order, with
// equally-qualified candidates reordered by the load-balancing bias (spec
// §4.4: Agent selection). The bias is always applied; EnableLoadBalancing
// is not consulted here.
func (c *Coordinator) SelectAgents(filter capability.Filter, ctx capability.MatchContext, requiredCount, maxCount int) ([]capability.Result, error) {
	agents := c.pool.List()
	results, err := c.matcher.Match(agents, matcher.Query{Filter: filter, Context: ctx, Algorithm: matcher.WeightedScore})
	if err != nil {
		return nil, err
	}
	viable := matcher.Best(results)
	if len(viable) == 0 {
		return nil, corerr.New(corerr.NoAgents, component, "SelectAgents", "no viable agents for step", nil)
	}
	viable = c.loadBalancingRank(viable)

	want := requiredCount
	if want < 1 {
		want = 1
	}
	if maxCount > 0 && maxCount < want {
		want = maxCount
	}
	if want > len(viable) {
		want = len(viable)
	}
	return viable[:want], nil
}

// loadBalancingRank re-sorts equally-qualified candidates (same score
// rounded to two decimals) by ascending active_tasks/(performance_score+0.1),
// the load-balancing bias from spec §4.4.
func (c *Coordinator) loadBalancingRank(results []capability.Result) []capability.Result {
	entries := make(map[string]pool.Entry)
	for _, e := range c.pool.List() {
		entries[e.AgentID] = e
	}
	out := append([]capability.Result(nil), results...)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := int(out[i].Score*100+0.5), int(out[j].Score*100+0.5)
		if si != sj {
			return si > sj
		}
		bi := loadBias(entries[out[i].AgentID], out[i].SubScores.Performance)
		bj := loadBias(entries[out[j].AgentID], out[j].SubScores.Performance)
		return bi < bj
	})
	return out
}

func loadBias(e pool.Entry, perf float64) float64 {
	return float64(e.State.ActiveTasks) / (perf + 0.1)
}

func (c *Coordinator) newGroup(stepID string, strategy config.Strategy, cancel func()) *Group {
	g := &Group{ID: uuid.NewString(), StepID: stepID, Strategy: strategy, State: GroupActive, CreatedAt: time.Now(), cancel: cancel}
	c.mu.Lock()
	c.groups[g.ID] = g
	c.mu.Unlock()
	return g
}

// Group returns a coordination group by id.
func (c *Coordinator) Group(id string) (*Group, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[id]
	return g, ok
}

// Dispatch drives one of the strategies in spec §4.4 across the selected
// agents and returns the strategy-shaped output.
func (c *Coordinator) Dispatch(ctx context.Context, in DispatchInput, agents []capability.Result) DispatchOutput {
	if len(agents) == 0 {
		return DispatchOutput{Err: corerr.New(corerr.NoAgents, component, "Dispatch", "no agents selected", nil)}
	}

	groupCtx, cancel := context.WithCancel(ctx)
	group := c.newGroup(in.StepID, in.Strategy, cancel)
	for _, a := range agents {
		group.Tasks = append(group.Tasks, &AgentTask{AgentID: a.AgentID, State: TaskAssigned, Input: in.Variables})
	}

	timeout := time.Duration(in.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	var result any
	var err error
	switch in.Strategy {
	case config.StrategySequential:
		result, err = c.runSequential(groupCtx, group, in, timeout)
	case config.StrategyPipeline:
		result, err = c.runPipeline(groupCtx, group, in, timeout)
	case config.StrategyScatterGather:
		result, err = c.runScatterGather(groupCtx, group, in, timeout)
	case config.StrategyConsensus:
		result, err = c.runConsensus(groupCtx, group, in, timeout)
	case config.StrategyHierarchical:
		result, err = c.runHierarchical(groupCtx, group, in, timeout)
	default: // Parallel, Adaptive falls back to Parallel (minimal implementation)
		result, err = c.runParallel(groupCtx, group, in, timeout)
	}

	if err != nil {
		group.State = GroupFailed
	} else {
		group.State = GroupCompleted
	}
	cancel()
	return DispatchOutput{Group: group, Result: result, Err: err}
}

func (c *Coordinator) runTask(ctx context.Context, group *Group, task *AgentTask, input map[string]any, timeout time.Duration) {
	task.State = TaskExecuting
	task.StartedAt = time.Now()
	out, err := c.run(ctx, task.AgentID, input, timeout)
	task.EndedAt = time.Now()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			task.State = TaskTimedOut
		} else {
			task.State = TaskFailed
		}
		task.Err = err
		return
	}
	task.State = TaskCompleted
	task.Output = out
}

// runParallel: dispatch one task per agent with the same input, await all
// (spec §4.4 strategy 1).
func (c *Coordinator) runParallel(ctx context.Context, group *Group, in DispatchInput, timeout time.Duration) (any, error) {
	var wg sync.WaitGroup
	for _, task := range group.Tasks {
		wg.Add(1)
		go func(t *AgentTask) {
			defer wg.Done()
			c.runTask(ctx, group, t, in.Variables, timeout)
		}(task)
	}
	wg.Wait()

	successes := make([]any, 0, len(group.Tasks))
	errs := make([]string, 0)
	for _, t := range group.Tasks {
		if t.State == TaskCompleted {
			successes = append(successes, t.Output)
		} else if t.Err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", t.AgentID, t.Err))
		}
	}
	if len(successes) == 0 {
		return nil, corerr.New(corerr.ExternalServiceError, component, "Parallel", "all agents failed", nil)
	}
	return map[string]any{
		"results":      successes,
		"errors":       errs,
		"success_count": len(successes),
		"total_count":   len(group.Tasks),
	}, nil
}

// runSequential dispatches agent-by-agent, exposing agent_i_result to the
// next agent; any failure aborts immediately (spec §4.4 strategy 2).
func (c *Coordinator) runSequential(ctx context.Context, group *Group, in DispatchInput, timeout time.Duration) (any, error) {
	vars := cloneVars(in.Variables)
	for i, task := range group.Tasks {
		c.runTask(ctx, group, task, vars, timeout)
		if task.State != TaskCompleted {
			return nil, corerr.New(corerr.ExternalServiceError, component, "Sequential",
				fmt.Sprintf("agent %s failed at position %d", task.AgentID, i), task.Err)
		}
		vars[fmt.Sprintf("agent_%d_result", i)] = task.Output
	}
	return vars, nil
}

// runPipeline is Sequential, but each stage's output becomes the next
// stage's input (spec §4.4 strategy 3).
func (c *Coordinator) runPipeline(ctx context.Context, group *Group, in DispatchInput, timeout time.Duration) (any, error) {
	vars := cloneVars(in.Variables)
	for i, task := range group.Tasks {
		c.runTask(ctx, group, task, vars, timeout)
		if task.State != TaskCompleted {
			return nil, corerr.New(corerr.ExternalServiceError, component, "Pipeline",
				fmt.Sprintf("stage %d (agent %s) failed", i, task.AgentID), task.Err)
		}
		if m, ok := task.Output.(map[string]any); ok {
			for k, v := range m {
				vars[k] = v
			}
		} else {
			vars[fmt.Sprintf("stage_%d_output", i)] = task.Output
		}
	}
	return vars, nil
}

// runScatterGather splits the input into near-equal key-chunks by dealing
// the keys, in sorted order, round-robin across the agents (the variables
// map carries no insertion order, so that order is not used), dispatches
// one chunk per agent in parallel, and gathers surviving results
// best-effort (spec §4.4 strategy 4).
func (c *Coordinator) runScatterGather(ctx context.Context, group *Group, in DispatchInput, timeout time.Duration) (any, error) {
	keys := make([]string, 0, len(in.Variables))
	for k := range in.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	n := len(group.Tasks)
	chunks := make([]map[string]any, n)
	for i := range chunks {
		chunks[i] = make(map[string]any)
	}
	for i, k := range keys {
		chunks[i%n][k] = in.Variables[k]
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, task := range group.Tasks {
		i, task := i, task
		g.Go(func() error {
			c.runTask(gctx, group, task, chunks[i], timeout)
			return nil
		})
	}
	_ = g.Wait()

	combined := make([]any, 0, n)
	successful := make([]any, 0, n)
	merged := make(map[string]any)
	for _, task := range group.Tasks {
		combined = append(combined, task.Output)
		if task.State == TaskCompleted {
			successful = append(successful, task.Output)
			if m, ok := task.Output.(map[string]any); ok {
				for k, v := range m {
					merged[k] = v
				}
			}
		}
	}
	return map[string]any{
		"combined_results":  combined,
		"successful_results": successful,
		"result_count":       len(successful),
		"merged_data":        merged,
	}, nil
}

// runConsensus dispatches identically to all agents and applies a majority
// rule over canonical JSON serialisation, ties broken by lowest agent id
// (spec §4.4 strategy 5, fixing the Open Question on tie-breaking).
func (c *Coordinator) runConsensus(ctx context.Context, group *Group, in DispatchInput, timeout time.Duration) (any, error) {
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range group.Tasks {
		task := task
		g.Go(func() error {
			c.runTask(gctx, group, task, in.Variables, timeout)
			return nil
		})
	}
	_ = g.Wait()

	counts := make(map[string]int)
	representative := make(map[string]any)
	lowestAgentForKey := make(map[string]string)
	individual := make(map[string]any)
	successes := 0

	for _, task := range group.Tasks {
		individual[task.AgentID] = task.Output
		if task.State != TaskCompleted {
			continue
		}
		successes++
		key := canonicalKey(task.Output)
		counts[key]++
		representative[key] = task.Output
		if existing, ok := lowestAgentForKey[key]; !ok || task.AgentID < existing {
			lowestAgentForKey[key] = task.AgentID
		}
	}

	if successes == 0 {
		return nil, corerr.New(corerr.ExternalServiceError, component, "Consensus", "all agents failed", nil)
	}

	var winnerKey string
	best := -1
	for key, n := range counts {
		if n > best || (n == best && lowestAgentForKey[key] < lowestAgentForKey[winnerKey]) {
			best = n
			winnerKey = key
		}
	}

	return map[string]any{
		"consensus_result":     representative[winnerKey],
		"individual_results":   individual,
		"consensus_confidence": float64(successes) / float64(len(group.Tasks)),
	}, nil
}

// runHierarchical treats the first selected agent as leader: workers run
// in parallel, then the leader gets a second task seeded with
// worker_results (spec §4.4 strategy 6).
func (c *Coordinator) runHierarchical(ctx context.Context, group *Group, in DispatchInput, timeout time.Duration) (any, error) {
	if len(group.Tasks) == 1 {
		leader := group.Tasks[0]
		c.runTask(ctx, group, leader, in.Variables, timeout)
		if leader.State != TaskCompleted {
			return nil, corerr.New(corerr.ExternalServiceError, component, "Hierarchical", "leader failed", leader.Err)
		}
		return leader.Output, nil
	}

	leader := group.Tasks[0]
	workers := group.Tasks[1:]

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			c.runTask(gctx, group, w, in.Variables, timeout)
			return nil
		})
	}
	_ = g.Wait()

	workerResults := make(map[string]any)
	for _, w := range workers {
		if w.State == TaskCompleted {
			workerResults[w.AgentID] = w.Output
		} else {
			c.log.Warn("hierarchical worker failed, continuing", "agent_id", w.AgentID, "error", w.Err)
		}
	}

	leaderInput := cloneVars(in.Variables)
	leaderInput["worker_results"] = workerResults
	c.runTask(ctx, group, leader, leaderInput, timeout)
	if leader.State != TaskCompleted {
		return nil, corerr.New(corerr.ExternalServiceError, component, "Hierarchical", "leader failed", leader.Err)
	}
	return leader.Output, nil
}

func cloneVars(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
