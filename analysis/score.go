package analysis

import (
	"math"

	"driveguard/config"
	"driveguard/models"
)

// ComputeScores derives the safety/compliance/efficiency sub-scores and the
// weighted overall score from finalized metric counts. Pure and idempotent:
// identical inputs always produce identical output.
func ComputeScores(metrics models.ScoreMetrics, t config.ScoreTuning) models.DrivingScoreResult {
	safety := clampScore(100 - float64(metrics.CloseEncounters)*t.CloseEncounterPenalty)
	compliance := clampScore(100 -
		float64(metrics.TrafficViolations)*t.TrafficPenalty -
		float64(metrics.BusLaneViolations)*t.BusLanePenalty)
	efficiency := clampScore(100 - float64(metrics.LaneChanges)*t.LaneChangePenalty)

	overall := safety*t.SafetyWeight + compliance*t.ComplianceWeight + efficiency*t.EfficiencyWeight

	result := models.DrivingScoreResult{
		OverallScore:    int(math.Round(overall)),
		SafetyScore:     int(math.Round(safety)),
		ComplianceScore: int(math.Round(compliance)),
		EfficiencyScore: int(math.Round(efficiency)),
		MetricsUsed:     metrics,
	}
	result.Category, result.CategoryDescription, result.CategoryColor = scoreCategory(result.OverallScore, t)
	return result
}

func clampScore(v float64) float64 {
	return math.Max(0.0, math.Min(100.0, v))
}

func scoreCategory(overall int, t config.ScoreTuning) (category, description, color string) {
	switch {
	case overall >= t.ExcellentMin:
		return "Excellent", "Outstanding performance exceeding safety standards", "green"
	case overall >= t.GoodMin:
		return "Good", "Good performance with minor improvement opportunities", "amber"
	case overall >= t.FairMin:
		return "Fair", "Acceptable performance with room for improvement", "amber"
	case overall >= t.NeedsImprovementMin:
		return "Needs Improvement", "Performance requires attention and safety improvements", "red"
	default:
		return "Poor", "Unsafe driving patterns requiring immediate attention", "red"
	}
}

// SafetyViolationCount is the headline violation tally: one for any traffic
// signal violation, one for any bus-lane violation. Close encounters are
// tracked separately and are not rule violations.
func SafetyViolationCount(traffic []models.TrafficViolationWindow, bus []models.BusLaneViolationRange) int {
	total := 0
	if len(traffic) > 0 {
		total++
	}
	if len(bus) > 0 {
		total++
	}
	return total
}
