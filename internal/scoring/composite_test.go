package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basetrust/reputation-engine/internal/models"
)

func TestDeriveTier(t *testing.T) {
	tests := []struct {
		score int
		want  string
	}{
		{100, models.TierElite},
		{90, models.TierElite},
		{89, models.TierTrusted},
		{75, models.TierTrusted},
		{74, models.TierEstablished},
		{60, models.TierEstablished},
		{59, models.TierEmerging},
		{40, models.TierEmerging},
		{39, models.TierUnverified},
		{0, models.TierUnverified},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, DeriveTier(tt.score), "score %d", tt.score)
	}
}

func TestDeriveRecommendation(t *testing.T) {
	tests := []struct {
		name       string
		composite  int
		sybil      bool
		confidence float64
		want       string
	}{
		{"sybil always flags", 95, true, 0.9, models.RecommendationFlaggedForReview},
		{"no data reads as absence of evidence", 0, false, 0.05, models.RecommendationInsufficientHistory},
		{"low score with real data", 10, false, 0.5, models.RecommendationHighRisk},
		{"mid score still thin", 40, false, 0.5, models.RecommendationInsufficientHistory},
		{"decent score low confidence", 60, false, 0.2, models.RecommendationInsufficientHistory},
		{"decent score", 60, false, 0.5, models.RecommendationProceedWithCaution},
		{"strong score", 80, false, 0.8, models.RecommendationProceed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveRecommendation(tt.composite, tt.sybil, tt.confidence))
		})
	}
}

func TestDampenFirstScorePassesThrough(t *testing.T) {
	assert.Equal(t, 87, Dampen(87.4, nil, 0.1, 30, 8))
	assert.Equal(t, 0, Dampen(-3, nil, 0.1, 30, 8))
	assert.Equal(t, 100, Dampen(104, nil, 0.1, 30, 8))
}

func TestDampenBoundsMovement(t *testing.T) {
	prev := 50

	tests := []struct {
		name       string
		newScore   float64
		confidence float64
		want       int
	}{
		{"low confidence wide band up", 90, 0, 80},
		{"high confidence tight band up", 90, 1, 58},
		{"mid confidence up", 90, 0.5, 65},
		{"high confidence tight band down", 10, 1, 42},
		{"within band passes", 55, 1, 55},
		{"low confidence within band", 75, 0, 75},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Dampen(tt.newScore, &prev, tt.confidence, 30, 8))
		})
	}
}

func TestDampenFloorNeverBelowHighConfidenceDelta(t *testing.T) {
	prev := 50
	// Even at full confidence the band never shrinks below maxHigh.
	assert.Equal(t, 58, Dampen(100, &prev, 2.0, 30, 8))
}

func TestDeriveTTL(t *testing.T) {
	base := time.Hour
	min := 15 * time.Minute
	max := 4 * time.Hour

	assert.Equal(t, 30*time.Minute, DeriveTTL(base, min, max, 0))
	assert.Equal(t, time.Hour, DeriveTTL(base, min, max, 0.5))
	assert.Equal(t, 90*time.Minute, DeriveTTL(base, min, max, 1))
	assert.Equal(t, min, DeriveTTL(20*time.Minute, min, max, 0)) // 10m clamps up
	assert.Equal(t, max, DeriveTTL(3*time.Hour, min, max, 1))    // 4.5h clamps down
}

func TestFreshness(t *testing.T) {
	computed := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	expires := computed.Add(time.Hour)

	assert.Equal(t, 1.0, Freshness(computed, expires, computed))
	assert.Equal(t, 0.5, Freshness(computed, expires, computed.Add(30*time.Minute)))
	assert.Equal(t, 0.0, Freshness(computed, expires, expires))
	assert.Equal(t, 0.0, Freshness(computed, expires, expires.Add(time.Hour)))

	// Degenerate window.
	assert.Equal(t, 0.0, Freshness(computed, computed, computed))
}

func TestScoreRangeFor(t *testing.T) {
	full := ScoreRangeFor(70, 1)
	assert.Equal(t, 70, full.Low)
	assert.Equal(t, 70, full.High)

	none := ScoreRangeFor(70, 0)
	assert.Equal(t, 55, none.Low)
	assert.Equal(t, 85, none.High)

	mid := ScoreRangeFor(70, 0.5)
	assert.Equal(t, 62, mid.Low)
	assert.Equal(t, 78, mid.High)

	// Band clamps at the scale edges.
	top := ScoreRangeFor(95, 0)
	assert.Equal(t, 80, top.Low)
	assert.Equal(t, 100, top.High)

	bottom := ScoreRangeFor(5, 0)
	assert.Equal(t, 0, bottom.Low)
	assert.Equal(t, 20, bottom.High)
}

func TestTopMovers(t *testing.T) {
	weights := Weights{
		DimReliability: 0.30,
		DimViability:   0.25,
		DimIdentity:    0.20,
		DimCapability:  0.10,
		DimBehavior:    0.15,
	}

	dims := models.DimensionScores{
		Reliability: 80,
		Viability:   70,
		Identity:    20,
		Capability:  10,
		Behavior:    50,
	}

	contributors, detractors := TopMovers(dims, weights)

	require.Len(t, contributors, 2)
	assert.Equal(t, []string{DimReliability, DimViability}, contributors)

	require.Len(t, detractors, 2)
	assert.Equal(t, []string{DimCapability, DimIdentity}, detractors)
}

func TestTopMoversZeroWallet(t *testing.T) {
	weights := Weights{
		DimReliability: 0.30,
		DimViability:   0.25,
		DimIdentity:    0.20,
		DimCapability:  0.10,
		DimBehavior:    0.15,
	}

	contributors, detractors := TopMovers(models.DimensionScores{}, weights)

	// Nothing contributes; everything below 40 detracts, capped at two.
	assert.Empty(t, contributors)
	assert.Len(t, detractors, 2)
}
