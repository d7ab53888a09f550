package matcher

import (
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/agentmesh/orchestrator/capability"
)

// modulateWeightedScore applies the spec §4.2 context-modulation rules for
// WeightedScore and re-normalizes the result.
func modulateWeightedScore(w weights, ctx capability.MatchContext) weights {
	if ctx.PreferReliable {
		w.Perf += 0.10
		w.Avail += 0.05
		w.Cap -= 0.05
	}
	if ctx.Priority >= 8 {
		w.Avail += 0.10
		w.Perf += 0.10
		w.Cost -= 0.20
	}
	if ctx.Budget != nil {
		w.Cost += 0.15
		w.Cap -= 0.075
		w.Perf -= 0.075
	}
	return w.normalize()
}

// score applies alg to a computed candidate, returning the composite score
// and whether the candidate is kept: false when an algorithm-specific hard
// rule disqualifies it outright (CostOptimized's budget filter on the
// agent's base cost, FuzzyMatch's 0.7 floor).
func score(alg Algorithm, c candidateScores, f capability.Filter, ctx capability.MatchContext) (float64, bool) {
	switch alg {
	case PerformanceOptimized:
		w := baseWeights(alg) // Cap 0.25, Tool 0.20
		total := w.Cap*c.Capability + w.Tool*c.Tool +
			0.30*c.Performance + 0.15*c.Reliability + 0.10*c.Speed
		return total, true

	case LoadBalanced:
		w := baseWeights(alg) // Cap 0.30, Tool 0.25, Avail 0.10
		total := w.Cap*c.Capability + w.Tool*c.Tool + w.Avail*c.Availability + 0.35*c.LoadBalance
		return total, true

	case CostOptimized:
		if ctx.Budget != nil && baseCost(c.Entry) > *ctx.Budget {
			return 0, false
		}
		w := baseWeights(alg)
		return w.dot(c), true

	case MultiObjective:
		// Composite ranking among the non-dominated set; Pareto membership
		// is decided by the caller before scoring. Use equal objective
		// weights as the default composite per spec §4.2.
		w := baseWeights(alg)
		return w.dot(c), true

	case FuzzyMatch:
		total := 0.40*c.Fuzzy + 0.30*c.Tool + 0.10*c.Performance + 0.20*c.Availability
		return total, total >= 0.7
	case HistoricalPredictor:
		w := baseWeights(alg)
		return w.dot(c), true
	default: // WeightedScore
		w := modulateWeightedScore(baseWeights(WeightedScore), ctx)
		return w.dot(c), true
	}
}

// fuzzyScore computes a token/substring similarity between an agent's
// capability+tool names and the filter's requirements, used only by
// FuzzyMatch. Grounded on a normalized Levenshtein distance, averaged over
// the best match found for each required name.
func fuzzyScore(names []string, required []string) float64 {
	if len(required) == 0 {
		return 1.0
	}
	if len(names) == 0 {
		return 0.0
	}
	var total float64
	for _, req := range required {
		best := 0.0
		reqLower := strings.ToLower(req)
		for _, n := range names {
			nLower := strings.ToLower(n)
			if strings.Contains(nLower, reqLower) || strings.Contains(reqLower, nLower) {
				best = 1.0
				break
			}
			dist := levenshtein.ComputeDistance(reqLower, nLower)
			maxLen := len(reqLower)
			if len(nLower) > maxLen {
				maxLen = len(nLower)
			}
			if maxLen == 0 {
				continue
			}
			sim := 1 - float64(dist)/float64(maxLen)
			if sim > best {
				best = sim
			}
		}
		total += best
	}
	return total / float64(len(required))
}

// loadBalanceScore implements spec §4.2's LoadBalanced term:
// (1 − load%) · (1 − |load% − mean_load%|).
func loadBalanceScore(load, meanLoad float64) float64 {
	diff := load - meanLoad
	if diff < 0 {
		diff = -diff
	}
	s := (1 - load) * (1 - diff)
	if s < 0 {
		return 0
	}
	return s
}

// paretoFront returns the indices of candidates not dominated by any other
// candidate across the five MultiObjective axes (spec §4.2: cap, tool,
// perf, avail, cost — all maximize).
func paretoFront(cands []candidateScores) []int {
	dominated := make([]bool, len(cands))
	axes := func(c candidateScores) [5]float64 {
		return [5]float64{c.Capability, c.Tool, c.Performance, c.Availability, c.Cost}
	}
	for i, ci := range cands {
		ai := axes(ci)
		for j, cj := range cands {
			if i == j {
				continue
			}
			aj := axes(cj)
			dominates := true
			strictlyBetter := false
			for k := 0; k < 5; k++ {
				if aj[k] < ai[k] {
					dominates = false
					break
				}
				if aj[k] > ai[k] {
					strictlyBetter = true
				}
			}
			if dominates && strictlyBetter {
				dominated[i] = true
				break
			}
		}
	}
	var front []int
	for i, d := range dominated {
		if !d {
			front = append(front, i)
		}
	}
	return front
}
