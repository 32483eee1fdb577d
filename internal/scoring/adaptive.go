package scoring

import (
	"context"
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/basetrust/reputation-engine/configs"
	"github.com/basetrust/reputation-engine/internal/models"
	"github.com/basetrust/reputation-engine/internal/repositories"
)

// Dimension keys, in composite order.
const (
	DimReliability = "reliability"
	DimViability   = "viability"
	DimIdentity    = "identity"
	DimCapability  = "capability"
	DimBehavior    = "behavior"
)

var dimensionKeys = []string{DimReliability, DimViability, DimIdentity, DimCapability, DimBehavior}

// Weights maps dimension key to composite weight. A valid set sums to 1.
type Weights map[string]float64

func (w Weights) clone() Weights {
	out := make(Weights, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// Sum totals the weight set.
func (w Weights) Sum() float64 {
	s := 0.0
	for _, v := range w {
		s += v
	}
	return s
}

// maxOutcomeSample bounds how many labeled outcomes one recompute reads.
const maxOutcomeSample = 5000

// WeightsReport summarises one recompute run.
type WeightsReport struct {
	Weights       Weights
	SampleSize    int
	PositiveCount int
	NegativeCount int
	Updated       bool
}

// AdaptiveManager owns the learned dimension weights and the maturity-
// adapted breakpoint curves. Both are cached process-wide behind a
// read-write lock; jobs recompute, the orchestrator reads.
type AdaptiveManager struct {
	cfg        configs.AdaptiveConfig
	defaults   Weights
	stateRepo  *repositories.AdaptiveRepository
	outcomes   *repositories.OutcomeRepository
	scores     *repositories.ScoreRepository
	baseCurves *Curves

	mu      sync.RWMutex
	weights Weights
	curves  *Curves
}

// NewAdaptiveManager wires the manager over its repositories.
func NewAdaptiveManager(
	cfg configs.AdaptiveConfig,
	defaults configs.DimensionWeights,
	stateRepo *repositories.AdaptiveRepository,
	outcomes *repositories.OutcomeRepository,
	scores *repositories.ScoreRepository,
) *AdaptiveManager {
	return &AdaptiveManager{
		cfg:       cfg,
		stateRepo: stateRepo,
		outcomes:  outcomes,
		scores:    scores,
		defaults: Weights{
			DimReliability: defaults.Reliability,
			DimViability:   defaults.Viability,
			DimIdentity:    defaults.Identity,
			DimCapability:  defaults.Capability,
			DimBehavior:    defaults.Behavior,
		},
		baseCurves: DefaultCurves(),
	}
}

// Defaults returns the static weight set.
func (m *AdaptiveManager) Defaults() Weights {
	return m.defaults.clone()
}

// GetEffectiveWeights returns the learned weights when a valid set is
// persisted, otherwise the static defaults. The first successful load is
// cached until the next recompute.
func (m *AdaptiveManager) GetEffectiveWeights(ctx context.Context) Weights {
	m.mu.RLock()
	cached := m.weights
	m.mu.RUnlock()
	if cached != nil {
		return cached.clone()
	}

	state, err := m.stateRepo.Get(ctx, models.StateDimensionWeights)
	if err != nil {
		return m.defaults.clone()
	}
	w := weightsFromPayload(state.Payload)
	if !m.validWeights(w) {
		return m.defaults.clone()
	}

	m.mu.Lock()
	m.weights = w
	m.mu.Unlock()
	return w.clone()
}

// validWeights checks all five keys are present, numeric, non-negative,
// and sum to 1 within tolerance.
func (m *AdaptiveManager) validWeights(w Weights) bool {
	if w == nil {
		return false
	}
	for _, key := range dimensionKeys {
		v, ok := w[key]
		if !ok || math.IsNaN(v) || v < 0 {
			return false
		}
	}
	return math.Abs(w.Sum()-1.0) <= 1e-4
}

func weightsFromPayload(payload models.JSONB) Weights {
	raw, ok := payload["weights"].(map[string]interface{})
	if !ok {
		return nil
	}
	w := make(Weights, len(dimensionKeys))
	for _, key := range dimensionKeys {
		f, ok := raw[key].(float64)
		if !ok {
			return nil
		}
		w[key] = f
	}
	return w
}

// ComputeWeights learns new weights from labeled outcomes. Dimensions
// that separate positive from negative outcomes gain weight, bounded per
// run and in total drift from the defaults. Below the sample gates the
// stored weights stand.
func (m *AdaptiveManager) ComputeWeights(ctx context.Context) (*WeightsReport, error) {
	labeled, err := m.outcomes.GetLabeled(ctx, maxOutcomeSample)
	if err != nil {
		return nil, err
	}

	var positives, negatives []repositories.LabeledOutcome
	for _, o := range labeled {
		switch o.Outcome {
		case models.OutcomeSuccessfulTx, models.OutcomeMultipleSuccessfulTx:
			positives = append(positives, o)
		case models.OutcomeFraudReport, models.OutcomeNoActivity:
			negatives = append(negatives, o)
		}
	}

	report := &WeightsReport{
		SampleSize:    len(labeled),
		PositiveCount: len(positives),
		NegativeCount: len(negatives),
	}

	if len(labeled) < m.cfg.MinOutcomes || len(negatives) < m.cfg.MinNegative {
		log.Debug().
			Int("outcomes", len(labeled)).
			Int("negatives", len(negatives)).
			Msg("Adaptive weights below sample gates, keeping current")
		report.Weights = m.GetEffectiveWeights(ctx)
		return report, nil
	}

	current := m.GetEffectiveWeights(ctx)
	next := current.clone()

	for _, key := range dimensionKeys {
		meanPos, okPos := dimensionMean(positives, key)
		meanNeg, okNeg := dimensionMean(negatives, key)
		if !okPos || !okNeg {
			continue
		}
		diff := meanPos - meanNeg
		if diff == 0 {
			continue
		}
		shift := math.Copysign(math.Min(math.Abs(diff)/100, m.cfg.MaxShiftPerRun), diff)
		next[key] = current[key] + shift
	}

	next = m.clampAndNormalize(next)

	payload := models.JSONB{
		"weights": map[string]interface{}{
			DimReliability: next[DimReliability],
			DimViability:   next[DimViability],
			DimIdentity:    next[DimIdentity],
			DimCapability:  next[DimCapability],
			DimBehavior:    next[DimBehavior],
		},
		"positive_count": len(positives),
		"negative_count": len(negatives),
	}
	if err := m.stateRepo.Upsert(ctx, &models.AdaptiveState{
		StateName:  models.StateDimensionWeights,
		Payload:    payload,
		SampleSize: len(labeled),
	}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.weights = next.clone()
	m.mu.Unlock()

	log.Info().
		Int("sample_size", len(labeled)).
		Int("positives", len(positives)).
		Int("negatives", len(negatives)).
		Float64("reliability", next[DimReliability]).
		Float64("viability", next[DimViability]).
		Float64("identity", next[DimIdentity]).
		Float64("capability", next[DimCapability]).
		Float64("behavior", next[DimBehavior]).
		Msg("Adaptive weights recomputed")

	report.Weights = next
	report.Updated = true
	return report, nil
}

func dimensionMean(outcomes []repositories.LabeledOutcome, key string) (float64, bool) {
	sum, n := 0.0, 0
	for _, o := range outcomes {
		if v, ok := o.Dimensions[key]; ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// clampAndNormalize pins every weight inside the drift window around its
// default, then redistributes the remainder through dimensions with slack
// so the set sums to exactly 1 without leaving the window.
func (m *AdaptiveManager) clampAndNormalize(w Weights) Weights {
	drift := m.cfg.MaxTotalDrift
	out := w.clone()

	for _, key := range dimensionKeys {
		lo := math.Max(0, m.defaults[key]-drift)
		hi := m.defaults[key] + drift
		out[key] = clampFloat(out[key], lo, hi)
	}

	delta := 1.0 - out.Sum()
	for iter := 0; iter < 4 && math.Abs(delta) > 1e-9; iter++ {
		totalSlack := 0.0
		slack := make(map[string]float64, len(dimensionKeys))
		for _, key := range dimensionKeys {
			var s float64
			if delta > 0 {
				s = (m.defaults[key] + drift) - out[key]
			} else {
				s = out[key] - math.Max(0, m.defaults[key]-drift)
			}
			slack[key] = s
			totalSlack += s
		}
		if totalSlack <= 0 {
			break
		}
		for _, key := range dimensionKeys {
			out[key] += delta * slack[key] / totalSlack
		}
		delta = 1.0 - out.Sum()
	}

	for _, key := range dimensionKeys {
		out[key] = math.Round(out[key]*10000) / 10000
	}

	// Per-key rounding can nudge the sum off 1 by a basis point, which
	// validWeights would then reject on reload. Fold the residual into
	// the heaviest dimension, where it is relatively smallest.
	if residual := 1.0 - out.Sum(); residual != 0 {
		pivot := dimensionKeys[0]
		for _, key := range dimensionKeys {
			if out[key] > out[pivot] {
				pivot = key
			}
		}
		out[pivot] = math.Round((out[pivot]+residual)*10000) / 10000
	}
	return out
}

// EffectiveCurves returns the maturity-adapted curve set, or the defaults
// before the first adaptation.
func (m *AdaptiveManager) EffectiveCurves() *Curves {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.curves != nil {
		return m.curves
	}
	return m.baseCurves
}

// AdaptBreakpoints recomputes the curve set from the score population
// median and persists the offsets.
func (m *AdaptiveManager) AdaptBreakpoints(ctx context.Context) (*Curves, error) {
	stats, err := m.scores.GetPopulationStats(ctx)
	if err != nil {
		return nil, err
	}

	f := MaturityFactor(stats.Median, m.cfg.MaturityBaseline, m.cfg.MaturityCeiling)
	curves := AdaptCurves(m.baseCurves, f, m.cfg.MaxShiftRatio)

	payload := models.JSONB{
		"maturity_factor": f,
		"median_score":    stats.Median,
		"population":      stats.Count,
	}
	if err := m.stateRepo.Upsert(ctx, &models.AdaptiveState{
		StateName:  models.StateBreakpointOffsets,
		Payload:    payload,
		SampleSize: stats.Count,
	}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.curves = curves
	m.mu.Unlock()

	log.Info().
		Float64("maturity_factor", f).
		Float64("median_score", stats.Median).
		Msg("Breakpoint curves adapted")

	return curves, nil
}
