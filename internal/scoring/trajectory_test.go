package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basetrust/reputation-engine/internal/models"
)

// histAt builds an oldest-first history from scores spaced one day apart.
func histAt(start time.Time, scores ...int) []models.ScoreHistoryEntry {
	out := make([]models.ScoreHistoryEntry, len(scores))
	for i, s := range scores {
		out[i] = models.ScoreHistoryEntry{
			Score:        s,
			CalculatedAt: start.AddDate(0, 0, i),
		}
	}
	return out
}

func TestComputeTrajectoryEmpty(t *testing.T) {
	traj := ComputeTrajectory(nil)

	assert.Equal(t, models.DirectionNew, traj.Direction)
	assert.Zero(t, traj.DataPoints)
	assert.Nil(t, traj.Velocity)
	assert.Nil(t, traj.Momentum)
	assert.Zero(t, traj.Modifier)
}

func TestComputeTrajectorySinglePoint(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	traj := ComputeTrajectory(histAt(start, 55))

	assert.Equal(t, models.DirectionNew, traj.Direction)
	assert.Equal(t, 1, traj.DataPoints)
	assert.Nil(t, traj.Velocity)
	assert.Nil(t, traj.Momentum)
	assert.Zero(t, traj.Modifier)
	assert.Zero(t, traj.SpanDays)
}

func TestComputeTrajectorySteadyRiser(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	traj := ComputeTrajectory(histAt(start, 50, 52, 54, 56, 58, 60, 62, 64, 66, 68, 70))

	require.NotNil(t, traj.Velocity)
	assert.InDelta(t, 2.0, *traj.Velocity, 1e-9)

	// Both halves climb at the same rate, so momentum is flat.
	require.NotNil(t, traj.Momentum)
	assert.InDelta(t, 0.0, *traj.Momentum, 1e-9)

	assert.Equal(t, models.DirectionImproving, traj.Direction)
	assert.Equal(t, 5, traj.Modifier)
	assert.Equal(t, 11, traj.DataPoints)
	assert.InDelta(t, 10.0, traj.SpanDays, 1e-9)
}

func TestComputeTrajectorySteadyDecliner(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	traj := ComputeTrajectory(histAt(start, 70, 68, 66, 64, 62, 60, 58, 56, 54, 52, 50))

	require.NotNil(t, traj.Velocity)
	assert.InDelta(t, -2.0, *traj.Velocity, 1e-9)
	assert.Equal(t, models.DirectionDeclining, traj.Direction)
	assert.Equal(t, -5, traj.Modifier)
}

func TestComputeTrajectoryPlateauKeepsRiseAlive(t *testing.T) {
	// A score pinned at the cap after a climb still reads as improving.
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	traj := ComputeTrajectory(histAt(start, 50, 60, 70, 70, 70))

	require.NotNil(t, traj.Velocity)
	assert.InDelta(t, 5.0, *traj.Velocity, 1e-9)
	assert.Equal(t, models.DirectionImproving, traj.Direction)
	assert.Equal(t, 3, traj.Modifier)
}

func TestComputeTrajectoryPureFlatLine(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	traj := ComputeTrajectory(histAt(start, 70, 70, 70, 70, 70))

	require.NotNil(t, traj.Velocity)
	assert.Zero(t, *traj.Velocity)
	assert.Equal(t, models.DirectionStable, traj.Direction)
	assert.Equal(t, 1, traj.Modifier) // mature and steady earns the nudge
	assert.Zero(t, traj.Volatility)
}

func TestComputeTrajectoryVolatile(t *testing.T) {
	// Symmetric swing: slope cancels to zero, stdev 30 marks it volatile.
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	traj := ComputeTrajectory(histAt(start, 30, 90, 90, 30))

	require.NotNil(t, traj.Velocity)
	assert.Zero(t, *traj.Velocity)
	assert.InDelta(t, 30.0, traj.Volatility, 1e-9)
	assert.Equal(t, models.DirectionVolatile, traj.Direction)
	assert.Zero(t, traj.Modifier)
}

func TestComputeTrajectoryStableMature(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	traj := ComputeTrajectory(histAt(start, 60, 61, 60, 61, 60))

	require.NotNil(t, traj.Velocity)
	assert.Zero(t, *traj.Velocity)
	assert.Equal(t, models.DirectionStable, traj.Direction)
	assert.Equal(t, 1, traj.Modifier)
	assert.InDelta(t, 0.49, traj.Volatility, 1e-9)
}

func TestComputeTrajectoryMomentumDetectsAcceleration(t *testing.T) {
	// Flat first half, sharp climb in the second.
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	traj := ComputeTrajectory(histAt(start, 50, 50, 50, 50, 60, 70))

	require.NotNil(t, traj.Momentum)
	assert.InDelta(t, 10.0, *traj.Momentum, 1e-9)

	require.NotNil(t, traj.Velocity)
	assert.InDelta(t, 3.71, *traj.Velocity, 1e-9)
	assert.Equal(t, models.DirectionImproving, traj.Direction)
}

func TestComputeTrajectoryTwoPointsNoMomentum(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	traj := ComputeTrajectory(histAt(start, 50, 60))

	require.NotNil(t, traj.Velocity)
	assert.InDelta(t, 10.0, *traj.Velocity, 1e-9)
	assert.Nil(t, traj.Momentum)
	assert.Equal(t, models.DirectionImproving, traj.Direction)
	assert.Equal(t, 2, traj.DataPoints)
	assert.InDelta(t, 1.0, traj.SpanDays, 1e-9)
}

func TestStreaks(t *testing.T) {
	tests := []struct {
		name         string
		ys           []float64
		wantRises    int
		wantDeclines int
	}{
		{"empty", nil, 0, 0},
		{"single", []float64{50}, 0, 0},
		{"pure rise", []float64{10, 20, 30}, 2, 0},
		{"pure decline", []float64{30, 20, 10}, 0, 2},
		{"plateau alone starts nothing", []float64{50, 50, 50}, 0, 0},
		{"plateau extends rise", []float64{10, 20, 20, 20}, 3, 0},
		{"plateau extends decline", []float64{30, 20, 20}, 0, 2},
		{"reversal cuts streak", []float64{30, 10, 20, 30}, 2, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rises, declines := streaks(tt.ys)
			assert.Equal(t, tt.wantRises, rises)
			assert.Equal(t, tt.wantDeclines, declines)
		})
	}
}

func TestSlopePerDayDegenerateSpan(t *testing.T) {
	// All points stamped at the same instant must not divide by zero.
	assert.Zero(t, slopePerDay([]float64{3, 3, 3}, []float64{10, 50, 90}))
	assert.Zero(t, slopePerDay([]float64{1}, []float64{10}))
}
