package scoring

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/basetrust/reputation-engine/internal/models"
)

// volatileStdev is the population stdev above which a history is judged
// volatile regardless of slope.
const volatileStdev = 15.0

// ComputeTrajectory derives velocity, momentum, direction, volatility,
// and the composite modifier from an oldest-first score history.
func ComputeTrajectory(history []models.ScoreHistoryEntry) *models.Trajectory {
	n := len(history)
	traj := &models.Trajectory{
		Direction:  models.DirectionNew,
		DataPoints: n,
	}
	if n == 0 {
		return traj
	}

	first := history[0].CalculatedAt
	traj.SpanDays = history[n-1].CalculatedAt.Sub(first).Hours() / 24
	if traj.SpanDays < 0 {
		traj.SpanDays = 0
	}

	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, h := range history {
		xs[i] = h.CalculatedAt.Sub(first).Hours() / 24
		ys[i] = float64(h.Score)
	}

	traj.Volatility = math.Round(stat.PopStdDev(ys, nil)*100) / 100

	if n >= 2 {
		v := slopePerDay(xs, ys)
		traj.Velocity = &v
	}
	if n >= 6 {
		half := n / 2
		firstSlope := slopePerDay(xs[:half], ys[:half])
		secondSlope := slopePerDay(xs[half:], ys[half:])
		m := math.Round((secondSlope-firstSlope)*100) / 100
		traj.Momentum = &m
	}

	velocity := 0.0
	if traj.Velocity != nil {
		velocity = *traj.Velocity
	}

	rises, declines := streaks(ys)

	switch {
	case rises >= 10 && velocity > 1.0:
		traj.Modifier = 5
	case declines >= 10 && velocity < -1.0:
		traj.Modifier = -5
	case rises >= 5 || velocity > 0.5:
		traj.Modifier = 3
	case declines >= 5 || velocity < -0.5:
		traj.Modifier = -3
	case traj.Volatility >= volatileStdev:
		traj.Modifier = 0
	case n >= 5:
		traj.Modifier = 1
	default:
		traj.Modifier = 0
	}

	switch {
	case n < 2:
		traj.Direction = models.DirectionNew
	case traj.Volatility >= volatileStdev:
		traj.Direction = models.DirectionVolatile
	case velocity > 0.5:
		traj.Direction = models.DirectionImproving
	case velocity < -0.5:
		traj.Direction = models.DirectionDeclining
	default:
		traj.Direction = models.DirectionStable
	}

	return traj
}

// slopePerDay is the OLS slope of score over days. Degenerate spans
// (all points at one instant) slope 0.
func slopePerDay(xs, ys []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	meanX := stat.Mean(xs, nil)
	varX := 0.0
	for _, x := range xs {
		varX += (x - meanX) * (x - meanX)
	}
	if varX == 0 {
		return 0
	}
	_, slope := stat.LinearRegression(xs, ys, nil, false)
	return math.Round(slope*100) / 100
}

// streaks counts consecutive rises and declines from the most recent
// entry backward. Plateaus extend a streak but never start one: a score
// pinned at the cap keeps its rise streak alive.
func streaks(ys []float64) (rises, declines int) {
	n := len(ys)
	if n < 2 {
		return 0, 0
	}

	riseLen, sawRise := 0, false
	for i := n - 1; i > 0; i-- {
		if ys[i] > ys[i-1] {
			riseLen++
			sawRise = true
		} else if ys[i] == ys[i-1] {
			riseLen++
		} else {
			break
		}
	}
	if sawRise {
		rises = riseLen
	}

	declineLen, sawDecline := 0, false
	for i := n - 1; i > 0; i-- {
		if ys[i] < ys[i-1] {
			declineLen++
			sawDecline = true
		} else if ys[i] == ys[i-1] {
			declineLen++
		} else {
			break
		}
	}
	if sawDecline {
		declines = declineLen
	}

	return rises, declines
}
