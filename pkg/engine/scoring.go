package engine

import (
	"math"
	"sort"
)

// ComplianceResult is the scored outcome of a run.
type ComplianceResult struct {
	TotalWeight    float64 `json:"total_weight"`
	EarnedWeight   float64 `json:"earned_weight"`
	Percentage     float64 `json:"percentage"`
	CriticalPassed int     `json:"critical_passed"`
	CriticalTotal  int     `json:"critical_total"`
	Tier           Tier    `json:"tier"`
}

// EarnedWeight returns the credit a step earns: its score capped to [0, weight].
func EarnedWeight(score, weight float64) float64 {
	if score < 0 || weight <= 0 {
		return 0
	}
	return math.Min(score, weight)
}

// ComputeCompliance scores step results against the configured steps.
// Weights and criticality come from the configuration, never from the results.
// A critical step passes only if its result is conforming; a step without a
// result earns nothing.
func ComputeCompliance(steps []StepDefinition, results []StepResult, thresholds []TierThreshold) ComplianceResult {
	byPosition := make(map[int]StepResult, len(results))
	for _, r := range results {
		byPosition[r.Position] = r
	}

	var res ComplianceResult
	for _, s := range steps {
		res.TotalWeight += s.Weight

		r, ok := byPosition[s.Position]
		if ok {
			res.EarnedWeight += EarnedWeight(r.Score, s.Weight)
		}
		if s.Critical {
			res.CriticalTotal++
			if ok && r.Conformity == ConformityConforming {
				res.CriticalPassed++
			}
		}
	}

	if res.TotalWeight > 0 {
		res.Percentage = math.Round(res.EarnedWeight/res.TotalWeight*100*100) / 100
	}
	res.Tier = DetermineTier(res.Percentage, res.CriticalPassed, res.CriticalTotal, thresholds)
	return res
}

// DetermineTier applies the critical gate, then returns the highest tier whose
// minimum does not exceed the percentage. Below every threshold the tier is
// INSUFFICIENT. An empty table falls back to DefaultThresholds.
func DetermineTier(percentage float64, criticalPassed, criticalTotal int, thresholds []TierThreshold) Tier {
	if criticalPassed < criticalTotal {
		return TierRejected
	}
	if len(thresholds) == 0 {
		thresholds = DefaultThresholds
	}

	ordered := append([]TierThreshold(nil), thresholds...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Min > ordered[j].Min })

	for _, t := range ordered {
		if percentage >= t.Min {
			return t.Tier
		}
	}
	return TierInsufficient
}
