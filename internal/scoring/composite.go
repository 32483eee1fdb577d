package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/basetrust/reputation-engine/internal/models"
)

// DeriveTier maps a final composite to its tier label.
func DeriveTier(score int) string {
	switch {
	case score >= 90:
		return models.TierElite
	case score >= 75:
		return models.TierTrusted
	case score >= 60:
		return models.TierEstablished
	case score >= 40:
		return models.TierEmerging
	default:
		return models.TierUnverified
	}
}

// DeriveRecommendation maps composite, sybil flag, and confidence to an
// action label. Wallets with essentially no backing data read as
// insufficient history rather than high risk; a zero score on zero data
// is absence of evidence.
func DeriveRecommendation(composite int, sybilFlag bool, confidence float64) string {
	switch {
	case sybilFlag:
		return models.RecommendationFlaggedForReview
	case confidence < 0.1:
		return models.RecommendationInsufficientHistory
	case composite < 25:
		return models.RecommendationHighRisk
	case composite < 50 || confidence < 0.3:
		return models.RecommendationInsufficientHistory
	case composite < 75:
		return models.RecommendationProceedWithCaution
	default:
		return models.RecommendationProceed
	}
}

// Dampen bounds score movement against the previous score. The allowed
// delta shrinks linearly with confidence from maxLow down to a floor of
// maxHigh; with no previous score the new score passes through.
func Dampen(newScore float64, previous *int, confidence float64, maxLow, maxHigh float64) int {
	rounded := clampScore(newScore)
	if previous == nil {
		return rounded
	}

	c := clampFloat(confidence, 0, 1)
	maxDelta := math.Max(maxHigh, maxLow*(1-c))

	delta := float64(rounded) - float64(*previous)
	if delta > maxDelta {
		return clampScore(float64(*previous) + maxDelta)
	}
	if delta < -maxDelta {
		return clampScore(float64(*previous) - maxDelta)
	}
	return rounded
}

// DeriveTTL scales the base TTL with confidence: thin data expires sooner,
// well-backed scores live longer. Clamped to the configured window.
func DeriveTTL(base, min, max time.Duration, confidence float64) time.Duration {
	ttl := time.Duration(float64(base) * (0.5 + clampFloat(confidence, 0, 1)))
	if ttl < min {
		return min
	}
	if ttl > max {
		return max
	}
	return ttl
}

// Freshness is the linear decay of cached-score trust from 1.0 at
// computedAt to 0.0 at expiresAt, rounded to 2 decimals.
func Freshness(computedAt, expiresAt, now time.Time) float64 {
	window := expiresAt.Sub(computedAt)
	if window <= 0 {
		return 0
	}
	f := expiresAt.Sub(now).Seconds() / window.Seconds()
	f = clampFloat(f, 0, 1)
	return math.Round(f*100) / 100
}

// ScoreRangeFor widens around the composite as confidence falls.
func ScoreRangeFor(score int, confidence float64) *models.ScoreRange {
	halfWidth := int(math.Round((1 - clampFloat(confidence, 0, 1)) * 15))
	return &models.ScoreRange{
		Low:  clampScore(float64(score - halfWidth)),
		High: clampScore(float64(score + halfWidth)),
	}
}

// TopMovers names the dimensions pushing the composite up and holding it
// down, by weighted contribution.
func TopMovers(dims models.DimensionScores, weights Weights) (contributors, detractors []string) {
	type mover struct {
		name         string
		score        int
		contribution float64
	}
	movers := []mover{
		{DimReliability, dims.Reliability, weights[DimReliability] * float64(dims.Reliability)},
		{DimViability, dims.Viability, weights[DimViability] * float64(dims.Viability)},
		{DimIdentity, dims.Identity, weights[DimIdentity] * float64(dims.Identity)},
		{DimCapability, dims.Capability, weights[DimCapability] * float64(dims.Capability)},
		{DimBehavior, dims.Behavior, weights[DimBehavior] * float64(dims.Behavior)},
	}

	sort.SliceStable(movers, func(i, j int) bool { return movers[i].contribution > movers[j].contribution })
	for _, m := range movers[:2] {
		if m.contribution > 0 {
			contributors = append(contributors, m.name)
		}
	}

	sort.SliceStable(movers, func(i, j int) bool { return movers[i].score < movers[j].score })
	for _, m := range movers {
		if m.score < 40 && len(detractors) < 2 {
			detractors = append(detractors, m.name)
		}
	}
	return contributors, detractors
}
