package pool

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentmesh/orchestrator/capability"
	"github.com/agentmesh/orchestrator/corerr"
	"github.com/agentmesh/orchestrator/logging"
)

const component = "pool"

// Pool is the in-memory capability registry (spec §4.1: C1). Reads take a
// consistent snapshot under a single RLock. Each mutation takes that agent's
// per-id lock and then the pool-wide write lock while it touches the entry,
// so mutations of different agents still serialise on the pool-wide lock
// for that short section.
type Pool struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	locks   map[string]*sync.Mutex

	log *slog.Logger
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{
		entries: make(map[string]*Entry),
		locks:   make(map[string]*sync.Mutex),
		log:     logging.With(component),
	}
}

func (p *Pool) lockFor(agentID string) *sync.Mutex {
	p.mu.Lock()
	l, ok := p.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[agentID] = l
	}
	p.mu.Unlock()
	return l
}

// Upsert inserts or replaces an agent pool entry (spec §4.1: upsert).
func (p *Pool) Upsert(e Entry) error {
	if e.AgentID == "" {
		return corerr.New(corerr.ValidationError, component, "Upsert", "agent_id is required", nil)
	}
	for i := range e.Capabilities {
		if err := e.Capabilities[i].Validate(); err != nil {
			return corerr.New(corerr.ValidationError, component, "Upsert", err.Error(), nil)
		}
	}
	if e.State.Health == "" {
		e.State.Health = capability.Unknown
	}
	if e.State.StartedAt.IsZero() {
		e.State.StartedAt = time.Now()
	}
	e.State.LastHeartbeat = time.Now()

	lock := p.lockFor(e.AgentID)
	lock.Lock()
	defer lock.Unlock()

	stored := e.Clone()
	p.mu.Lock()
	p.entries[e.AgentID] = &stored
	p.mu.Unlock()

	p.log.Debug("agent upserted", "agent_id", e.AgentID)
	return nil
}

// Get returns a snapshot copy of one entry.
func (p *Pool) Get(agentID string) (Entry, error) {
	p.mu.RLock()
	e, ok := p.entries[agentID]
	p.mu.RUnlock()
	if !ok {
		return Entry{}, corerr.New(corerr.NotFound, component, "Get", "agent not found: "+agentID, nil)
	}
	return e.Clone(), nil
}

// List returns a snapshot of every entry currently in the pool.
func (p *Pool) List() []Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.Clone())
	}
	return out
}

// Remove deletes an agent from the pool.
func (p *Pool) Remove(agentID string) error {
	lock := p.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[agentID]; !ok {
		return corerr.New(corerr.NotFound, component, "Remove", "agent not found: "+agentID, nil)
	}
	delete(p.entries, agentID)
	delete(p.locks, agentID)
	return nil
}

// Heartbeat refreshes an agent's liveness timestamp without touching load
// or capabilities (spec §4.1: heartbeat).
func (p *Pool) Heartbeat(agentID string) error {
	lock := p.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[agentID]
	if !ok {
		return corerr.New(corerr.NotFound, component, "Heartbeat", "agent not found: "+agentID, nil)
	}
	e.State.LastHeartbeat = time.Now()
	return nil
}

// healthFromLoad derives a health status from a load fraction, per the
// spec §4.1 rule: >=0.95 -> Critical, >=0.80 -> Warning, else Healthy.
func healthFromLoad(load float64) capability.Health {
	switch {
	case load >= 0.95:
		return capability.Critical
	case load >= 0.80:
		return capability.Warning
	default:
		return capability.Healthy
	}
}

// SetLoad updates an agent's current load fraction and active task count,
// re-deriving health from load unless an external signal has overridden it
// (spec §4.1: set_load). A fresh heartbeat does not itself clear the
// override; only SetHealth does, since load and external health are
// orthogonal signals. Rejects activeTasks outside [0, max_concurrent_tasks]
// and load outside [0, 1]: the invariant 0 <= current_load <= max_concurrent
// must hold for every agent (spec §8), so an out-of-range update is refused
// rather than silently clamped.
func (p *Pool) SetLoad(agentID string, load float64, activeTasks int) error {
	lock := p.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[agentID]
	if !ok {
		return corerr.New(corerr.NotFound, component, "SetLoad", "agent not found: "+agentID, nil)
	}
	if activeTasks < 0 || activeTasks > e.Limits.MaxConcurrentTasks {
		return corerr.New(corerr.ValidationError, component, "SetLoad",
			fmt.Sprintf("active_tasks %d out of range [0, %d]", activeTasks, e.Limits.MaxConcurrentTasks), nil)
	}
	if load < 0 || load > 1 {
		return corerr.New(corerr.ValidationError, component, "SetLoad",
			fmt.Sprintf("load %g out of range [0, 1]", load), nil)
	}
	e.State.CurrentLoad = load
	e.State.ActiveTasks = activeTasks
	if !e.State.HealthOverridden {
		e.State.Health = healthFromLoad(load)
	}
	return nil
}

// SetHealth applies an externally-observed health status (e.g. from a
// failed health check), overriding load-derived health until the next
// SetHealth call with an empty status clears the override.
func (p *Pool) SetHealth(agentID string, health capability.Health) error {
	lock := p.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[agentID]
	if !ok {
		return corerr.New(corerr.NotFound, component, "SetHealth", "agent not found: "+agentID, nil)
	}
	if health == "" {
		e.State.HealthOverridden = false
		e.State.Health = healthFromLoad(e.State.CurrentLoad)
		return nil
	}
	e.State.HealthOverridden = true
	e.State.Health = health
	return nil
}

// AddCapability appends a capability to an already-registered agent (spec
// §4.1: add_capability), replacing any existing capability of the same name.
func (p *Pool) AddCapability(agentID string, c capability.Capability) error {
	if err := c.Validate(); err != nil {
		return corerr.New(corerr.ValidationError, component, "AddCapability", err.Error(), nil)
	}

	lock := p.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[agentID]
	if !ok {
		return corerr.New(corerr.NotFound, component, "AddCapability", "agent not found: "+agentID, nil)
	}
	for i, existing := range e.Capabilities {
		if existing.Name == c.Name {
			e.Capabilities[i] = c
			return nil
		}
	}
	e.Capabilities = append(e.Capabilities, c)
	return nil
}

// RecordPerformance folds a task outcome into an agent's rolling per-
// capability performance history, used by the performance sub-score and
// the HistoricalPredictor algorithm.
func (p *Pool) RecordPerformance(agentID, capabilityName string, success bool, execSeconds float64) error {
	lock := p.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[agentID]
	if !ok {
		return corerr.New(corerr.NotFound, component, "RecordPerformance", "agent not found: "+agentID, nil)
	}
	if e.PerformanceHistory == nil {
		e.PerformanceHistory = make(map[string]capability.Metrics)
	}
	m := e.PerformanceHistory[capabilityName]
	n := float64(m.SampleCount)
	successVal := 0.0
	if success {
		successVal = 1.0
	}
	m.SuccessRate = (m.SuccessRate*n + successVal) / (n + 1)
	m.AvgExecSeconds = (m.AvgExecSeconds*n + execSeconds) / (n + 1)
	m.SampleCount++
	e.PerformanceHistory[capabilityName] = m
	return nil
}

// Sweep removes agents whose last heartbeat exceeds ttl (spec §4.1: sweep).
// A swept agent is gone, not merely marked unhealthy: per spec §8 scenario
// 4, a subsequent Get for a swept agent must return NotFound. It returns the
// evicted agent ids, so callers (the engine's background sweeper) can log or
// alert on stale-agent eviction.
func (p *Pool) Sweep(ttl time.Duration) []string {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	var evicted []string
	for id, e := range p.entries {
		if now.Sub(e.State.LastHeartbeat) > ttl {
			delete(p.entries, id)
			delete(p.locks, id)
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		p.log.Info("swept stale agents", "count", len(evicted), "ttl", ttl)
	}
	return evicted
}

// Count returns the number of registered agents.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
