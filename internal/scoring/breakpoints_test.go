package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterpolate(t *testing.T) {
	curve := []Breakpoint{{0, 0}, {10, 5}, {100, 15}, {1000, 25}}

	tests := []struct {
		name string
		v    float64
		want float64
	}{
		{"below first anchor", -5, 0},
		{"at first anchor", 0, 0},
		{"at interior anchor", 10, 5},
		{"midway between anchors", 55, 10},
		{"at last anchor", 1000, 25},
		{"beyond last anchor", 50000, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Interpolate(curve, tt.v), 1e-9)
		})
	}
}

func TestInterpolateEmptyCurve(t *testing.T) {
	assert.Equal(t, 0.0, Interpolate(nil, 42))
	assert.Equal(t, 0.0, Interpolate([]Breakpoint{}, 42))
}

func TestInterpolateSingleAnchor(t *testing.T) {
	curve := []Breakpoint{{5, 7}}
	assert.Equal(t, 7.0, Interpolate(curve, 0))
	assert.Equal(t, 7.0, Interpolate(curve, 5))
	assert.Equal(t, 7.0, Interpolate(curve, 100))
}

func TestMaturityFactor(t *testing.T) {
	tests := []struct {
		name     string
		median   float64
		baseline float64
		ceiling  float64
		want     float64
	}{
		{"below baseline", 10, 25, 65, 0},
		{"at baseline", 25, 25, 65, 0},
		{"midway", 45, 25, 65, 0.5},
		{"at ceiling", 65, 25, 65, 1},
		{"above ceiling", 90, 25, 65, 1},
		{"degenerate window", 50, 65, 65, 0},
		{"inverted window", 50, 70, 65, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, MaturityFactor(tt.median, tt.baseline, tt.ceiling), 1e-9)
		})
	}
}

func TestAdaptCurveShiftsOnlyNonZeroAnchors(t *testing.T) {
	base := []Breakpoint{{0, 0}, {10, 5}, {100, 15}, {1000, 25}}

	adapted := AdaptCurve(base, 1.0, 0.3)
	require.Len(t, adapted, len(base))

	// The zero anchor is pinned; every other X stretches by 1.3.
	assert.Equal(t, 0.0, adapted[0].X)
	assert.InDelta(t, 13.0, adapted[1].X, 1e-9)
	assert.InDelta(t, 130.0, adapted[2].X, 1e-9)
	assert.InDelta(t, 1300.0, adapted[3].X, 1e-9)

	// Y values never move.
	for i := range base {
		assert.Equal(t, base[i].Y, adapted[i].Y)
	}
}

func TestAdaptCurveZeroFactorClones(t *testing.T) {
	base := []Breakpoint{{0, 0}, {1, 10}, {5, 20}, {20, 30}}

	adapted := AdaptCurve(base, 0, 0.3)
	require.Len(t, adapted, len(base))
	assert.Equal(t, base, adapted)

	// A clone, not the same backing array.
	adapted[1].X = 99
	assert.Equal(t, 1.0, base[1].X)
}

func TestAdaptCurvePreservesMonotonicity(t *testing.T) {
	base := DefaultCurves()

	for _, f := range []float64{0.1, 0.5, 1.0} {
		adapted := AdaptCurves(base, f, 0.3)
		for _, curve := range [][]Breakpoint{adapted.ReliabilityTx, adapted.PaymentProxy, adapted.ViabilityAge} {
			for i := 1; i < len(curve); i++ {
				assert.Greater(t, curve[i].X, curve[i-1].X,
					"anchors must stay strictly increasing at factor %v", f)
			}
		}
	}
}

func TestAdaptCurvesRaisesEffortForSameScore(t *testing.T) {
	base := DefaultCurves()
	adapted := AdaptCurves(base, 1.0, 0.3)

	// A wallet that earned full tx points against the default curve earns
	// fewer against the matured one.
	defaultPoints := Interpolate(base.ReliabilityTx, 1000)
	adaptedPoints := Interpolate(adapted.ReliabilityTx, 1000)
	assert.Less(t, adaptedPoints, defaultPoints)

	// The adapted ceiling is still reachable, just further out.
	assert.InDelta(t, defaultPoints, Interpolate(adapted.ReliabilityTx, 1300), 1e-9)
}
