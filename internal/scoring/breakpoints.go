package scoring

import "math"

// Breakpoint is one (input, output) anchor of a piecewise-linear curve.
type Breakpoint struct {
	X float64
	Y float64
}

// Interpolate evaluates a curve at v: linear between adjacent anchors,
// clamped at both ends. Empty curves evaluate to 0.
func Interpolate(curve []Breakpoint, v float64) float64 {
	if len(curve) == 0 {
		return 0
	}
	if v <= curve[0].X {
		return curve[0].Y
	}
	last := curve[len(curve)-1]
	if v >= last.X {
		return last.Y
	}
	for i := 1; i < len(curve); i++ {
		if v <= curve[i].X {
			lo, hi := curve[i-1], curve[i]
			if hi.X == lo.X {
				return hi.Y
			}
			t := (v - lo.X) / (hi.X - lo.X)
			return lo.Y + t*(hi.Y-lo.Y)
		}
	}
	return last.Y
}

// Curves bundles the interpolated dimension inputs whose x-axes shift
// with ecosystem maturity. Stepped thresholds stay static.
type Curves struct {
	ReliabilityTx []Breakpoint // tx count -> 0..25
	PaymentProxy  []Breakpoint // completed payments proxy -> 0..30
	ViabilityAge  []Breakpoint // wallet age days -> 0..30
}

// DefaultCurves returns the static anchor set. The leading zero anchors
// keep brand-new wallets at zero output.
func DefaultCurves() *Curves {
	return &Curves{
		ReliabilityTx: []Breakpoint{{0, 0}, {10, 5}, {100, 15}, {1000, 25}},
		PaymentProxy:  []Breakpoint{{0, 0}, {1, 10}, {5, 20}, {20, 30}},
		ViabilityAge:  []Breakpoint{{0, 0}, {1, 5}, {7, 15}, {30, 25}, {90, 30}},
	}
}

// clone copies a curve so adaptation never mutates the defaults.
func cloneCurve(curve []Breakpoint) []Breakpoint {
	out := make([]Breakpoint, len(curve))
	copy(out, curve)
	return out
}

// MaturityFactor converts the population median score into a 0..1 shift
// factor. A degenerate ceiling disables adaptation.
func MaturityFactor(medianScore, baseline, ceiling float64) float64 {
	if ceiling <= baseline {
		return 0
	}
	f := (medianScore - baseline) / (ceiling - baseline)
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// AdaptCurve shifts every nonzero x anchor upward by f*maxShiftRatio,
// rounded to 2 decimals. Zero anchors and all y values are untouched, so
// monotonicity is preserved by construction.
func AdaptCurve(curve []Breakpoint, f, maxShiftRatio float64) []Breakpoint {
	out := cloneCurve(curve)
	if f <= 0 {
		return out
	}
	scale := 1 + f*maxShiftRatio
	for i := range out {
		if out[i].X == 0 {
			continue
		}
		out[i].X = math.Round(out[i].X*scale*100) / 100
	}
	return out
}

// AdaptCurves applies AdaptCurve to every curve in the set.
func AdaptCurves(base *Curves, f, maxShiftRatio float64) *Curves {
	return &Curves{
		ReliabilityTx: AdaptCurve(base.ReliabilityTx, f, maxShiftRatio),
		PaymentProxy:  AdaptCurve(base.PaymentProxy, f, maxShiftRatio),
		ViabilityAge:  AdaptCurve(base.ViabilityAge, f, maxShiftRatio),
	}
}
