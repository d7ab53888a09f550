package matcher

import (
	"log/slog"
	"sort"
	"time"

	"github.com/agentmesh/orchestrator/capability"
	"github.com/agentmesh/orchestrator/corerr"
	"github.com/agentmesh/orchestrator/logging"
	"github.com/agentmesh/orchestrator/pool"
)

const component = "matcher"

// Matcher scores agent pool snapshots against a capability filter and
// returns a ranked list of match results (spec §4.2: C2).
type Matcher struct {
	history *history
	log     *slog.Logger
}

// New creates a Matcher with an empty query history.
func New() *Matcher {
	return &Matcher{history: newHistory(), log: logging.With(component)}
}

// Query bundles every input to a matching call (spec §4.2).
type Query struct {
	Filter     capability.Filter
	Context    capability.MatchContext
	Algorithm  Algorithm
	MaxResults int
}

// Match runs the pre-filter, scores surviving candidates under the
// selected algorithm, and returns the top MaxResults results sorted by
// match_score descending (ties by confidence, then lower estimated time,
// then lower estimated cost).
func (m *Matcher) Match(agents []pool.Entry, q Query) ([]capability.Result, error) {
	if q.MaxResults <= 0 {
		q.MaxResults = len(agents)
	}
	if q.Algorithm == "" {
		q.Algorithm = WeightedScore
	}

	var survivors []pool.Entry
	for _, e := range agents {
		if passesPreFilter(e, q.Filter) {
			survivors = append(survivors, e)
		}
	}
	if len(survivors) == 0 {
		return []capability.Result{}, nil
	}

	cands := make([]candidateScores, len(survivors))
	var meanLoad float64
	for i, e := range survivors {
		cands[i] = computeCandidate(e, q.Filter, q.Context)
		meanLoad += e.State.CurrentLoad
	}
	meanLoad /= float64(len(survivors))

	for i := range cands {
		cands[i].LoadBalance = loadBalanceScore(cands[i].Entry.State.CurrentLoad, meanLoad)
		if q.Algorithm == FuzzyMatch {
			cands[i].Fuzzy = fuzzyScore(candidateNames(cands[i].Entry), fuzzyRequirements(q.Filter))
		}
	}

	activeIdx := make([]int, len(cands))
	for i := range cands {
		activeIdx[i] = i
	}
	if q.Algorithm == MultiObjective {
		activeIdx = paretoFront(cands)
	}

	results := make([]capability.Result, 0, len(activeIdx))
	for _, i := range activeIdx {
		c := cands[i]
		total, keep := score(q.Algorithm, c, q.Filter, q.Context)
		if !keep {
			continue
		}
		confidence := confidenceFor(c)
		results = append(results, capability.Result{
			AgentID: c.Entry.AgentID,
			Score:   total,
			SubScores: capability.SubScores{
				Capability:  c.Capability,
				Tool:        c.Tool,
				Workflow:    c.Workflow,
				Performance: c.Performance,
				Load:        c.LoadBalance,
				Health:      c.Availability,
			},
			EstimatedTime:       c.BaseTime,
			EstimatedCost:       c.BaseCost,
			Confidence:          confidence,
			MissingRequirements: c.MissingRequirements,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Confidence != results[j].Confidence {
			return results[i].Confidence > results[j].Confidence
		}
		if results[i].EstimatedTime != results[j].EstimatedTime {
			return results[i].EstimatedTime < results[j].EstimatedTime
		}
		return results[i].EstimatedCost < results[j].EstimatedCost
	})

	if len(results) > q.MaxResults {
		results = results[:q.MaxResults]
	}

	m.history.record(queryRecord{
		Timestamp: time.Now(),
		Algorithm: q.Algorithm,
		Filter:    q.Filter,
		Results:   results,
	})

	return results, nil
}

// confidenceFor derives a confidence value from how much historical
// evidence backs the performance estimate: more samples, higher confidence.
func confidenceFor(c candidateScores) float64 {
	n := len(c.Entry.PerformanceHistory)
	if n == 0 {
		return 0.5
	}
	conf := 0.5 + 0.1*float64(n)
	if conf > 1.0 {
		conf = 1.0
	}
	return conf
}

func candidateNames(e pool.Entry) []string {
	names := make([]string, 0, len(e.Capabilities)+len(e.Tools))
	for _, c := range e.Capabilities {
		names = append(names, c.Name)
	}
	names = append(names, e.Tools...)
	return names
}

func fuzzyRequirements(f capability.Filter) []string {
	reqs := make([]string, 0, len(f.RequiredTools)+len(f.RequiredTags))
	reqs = append(reqs, f.RequiredTools...)
	reqs = append(reqs, f.RequiredTags...)
	return reqs
}

// Best returns only the viable (spec §3) results from a Match call.
func Best(results []capability.Result) []capability.Result {
	out := make([]capability.Result, 0, len(results))
	for _, r := range results {
		if r.Viable() {
			out = append(out, r)
		}
	}
	return out
}

// ErrNoAgents is returned by callers (coordinator, step executor) when a
// matching query yields no viable candidates; the matcher itself never
// fails on an empty result set (spec §4.2: empty input yields empty output).
var ErrNoAgents = corerr.New(corerr.NoAgents, component, "Match", "no viable agents found", nil)
