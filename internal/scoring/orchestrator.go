package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/basetrust/reputation-engine/configs"
	"github.com/basetrust/reputation-engine/internal/chain"
	"github.com/basetrust/reputation-engine/internal/models"
	"github.com/basetrust/reputation-engine/internal/queue"
	"github.com/basetrust/reputation-engine/internal/repositories"
)

const (
	// historyWindow bounds how many history points feed the trajectory
	// analysis and the response time series.
	historyWindow = 50

	// washWindowDays scopes the partner volumes used by the wash-trading
	// detector.
	washWindowDays = 7

	// serviceWindowDays and serviceMinTransfers define the service-count
	// proxy: distinct counterparties with repeated inbound payments.
	serviceWindowDays   = 30
	serviceMinTransfers = 3
)

// ScoreStore is the slice of the score repository the orchestrator uses.
type ScoreStore interface {
	GetByWallet(ctx context.Context, wallet string) (*models.Score, error)
	GetHistory(ctx context.Context, wallet string, limit int) ([]models.ScoreHistoryEntry, error)
	UpsertWithHistory(ctx context.Context, score *models.Score) error
}

// MetricsStore reads indexed per-wallet aggregates.
type MetricsStore interface {
	Get(ctx context.Context, wallet string) (*models.WalletMetrics, error)
}

// TransferStore reads windowed transfer aggregates.
type TransferStore interface {
	GetActivityWindows(ctx context.Context, wallet string) (*repositories.ActivityWindows, error)
	GetPartnerVolumes(ctx context.Context, wallet string, windowDays int) ([]repositories.PartnerVolume, error)
	GetEarliestInboundSender(ctx context.Context, wallet string) (string, error)
	InboundServiceCount(ctx context.Context, wallet string, windowDays, minTransfers int) (int, error)
}

// RelationshipStore reads counterparty graph aggregates.
type RelationshipStore interface {
	GetPartners(ctx context.Context, wallet string) ([]repositories.Partner, error)
	CountPairsAmong(ctx context.Context, wallets []string) (int, error)
}

// SnapshotStore reads balance snapshots.
type SnapshotStore interface {
	GetAvgBalanceSince(ctx context.Context, wallet string, since time.Time) (float64, bool, error)
}

// QueryLogStore counts prior lookups of a wallet.
type QueryLogStore interface {
	CountForTargetSince(ctx context.Context, wallet string, since time.Time) (int, error)
}

// RatingStore reads community ratings.
type RatingStore interface {
	CountForWallet(ctx context.Context, wallet string) (int, error)
	GetAvgForWallet(ctx context.Context, wallet string) (float64, bool, error)
}

// FraudStore counts fraud reports against a wallet.
type FraudStore interface {
	CountForWallet(ctx context.Context, wallet string) (int, error)
}

// ProfileStore reads identity profiles.
type ProfileStore interface {
	Get(ctx context.Context, wallet string) (*models.WalletProfile, error)
}

// Stores bundles the persistence surfaces one scoring run reads and
// writes. The concrete repositories satisfy every field.
type Stores struct {
	Scores        ScoreStore
	Metrics       MetricsStore
	Transfers     TransferStore
	Relationships RelationshipStore
	Snapshots     SnapshotStore
	QueryLog      QueryLogStore
	Ratings       RatingStore
	Fraud         FraudStore
	Profiles      ProfileStore
}

// WeightSource yields the effective dimension weights and breakpoint
// curves for a run. The adaptive manager implements it.
type WeightSource interface {
	GetEffectiveWeights(ctx context.Context) Weights
	EffectiveCurves() *Curves
}

// StreamPublisher is the queue surface the orchestrator emits to. Both
// calls are best-effort from the pipeline's point of view.
type StreamPublisher interface {
	PublishRefresh(ctx context.Context, event *models.RefreshEvent) (string, error)
	PublishScoreEvent(ctx context.Context, event *models.ScoreEvent) (string, error)
}

// Options control one ComputeOrGetScore call.
type Options struct {
	// ForceRefresh skips the cache ladder and always recomputes.
	ForceRefresh bool

	// TimeoutMs is how long the caller is willing to wait for a fresh
	// computation. Zero waits indefinitely. On expiry the caller gets a
	// zero-score response while the pipeline finishes in the background.
	TimeoutMs int

	// StaleOk serves an expired cached score immediately and refreshes
	// in the background instead of blocking the caller.
	StaleOk bool
}

// DefaultOptions is the read-path configuration: serve stale, never
// force.
func DefaultOptions() Options {
	return Options{StaleOk: true}
}

// flight is one in-progress scoring run. Followers hold the pointer and
// wait on done; leader fills resp/err before closing it.
type flight struct {
	done chan struct{}
	resp *models.FullScoreResponse
	err  error
}

// Orchestrator owns the score lifecycle: cache ladder, per-wallet
// coalescing, the global scan budget, and the twelve-step pipeline.
type Orchestrator struct {
	cfg          configs.ScoringConfig
	blocksPerDay int64

	reader   chain.Reader
	stores   Stores
	adaptive WeightSource
	sybil    *SybilDetector
	gaming   *GamingDetector
	cache    *queue.CacheClient // optional
	events   StreamPublisher    // optional

	mu       sync.Mutex
	inflight map[string]*flight

	// scanSlots is the global concurrency budget; queued counts flights
	// created but not yet holding a slot.
	scanSlots chan struct{}
	queued    atomic.Int32
}

// NewOrchestrator wires the orchestrator. cache and events may be nil;
// the pipeline degrades to store-only reads and skips event emission.
func NewOrchestrator(
	cfg configs.ScoringConfig,
	chainCfg configs.ChainConfig,
	reader chain.Reader,
	stores Stores,
	adaptive WeightSource,
	cache *queue.CacheClient,
	events StreamPublisher,
) *Orchestrator {
	slots := cfg.MaxConcurrentScans
	if slots < 1 {
		slots = 1
	}

	return &Orchestrator{
		cfg:          cfg,
		blocksPerDay: chainCfg.BlocksPerDay,
		reader:       reader,
		stores:       stores,
		adaptive:     adaptive,
		sybil:        NewSybilDetector(),
		gaming:       NewGamingDetector(),
		cache:        cache,
		events:       events,
		inflight:     make(map[string]*flight),
		scanSlots:    make(chan struct{}, slots),
	}
}

// ComputeOrGetScore returns the wallet's reputation, from cache when
// fresh, otherwise from a coalesced scoring run.
func (o *Orchestrator) ComputeOrGetScore(ctx context.Context, wallet string, opts Options) (*models.FullScoreResponse, error) {
	if !chain.IsValidAddress(wallet) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidWallet, wallet)
	}
	wallet = chain.NormalizeAddress(wallet)

	now := time.Now().UTC()

	// 1. Cache ladder: Redis copy, then the score row.
	if !opts.ForceRefresh {
		if cached := o.cachedScore(ctx, wallet); cached != nil {
			return o.respond(ctx, cached, false, now), nil
		}

		stored, err := o.stores.Scores.GetByWallet(ctx, wallet)
		switch {
		case err == nil:
			if now.Before(stored.ExpiresAt) {
				return o.respond(ctx, stored, false, now), nil
			}
			if opts.StaleOk {
				o.enqueueRefresh(ctx, wallet)
				return o.respond(ctx, stored, true, now), nil
			}
		case errors.Is(err, repositories.ErrScoreNotFound):
			// First sighting; fall through to a fresh computation.
		default:
			log.Error().Err(err).Str("wallet", wallet).Msg("Score lookup failed")
		}
	}

	// 2. Join the in-flight run for this wallet, or lead a new one.
	f, leader, err := o.join(wallet)
	if err != nil {
		return nil, err
	}
	if leader {
		go o.lead(f, wallet)
	}

	// 3. Wait for the result, bounded by the caller's budget. The
	// pipeline itself runs on a detached context and always finishes.
	var expired <-chan time.Time
	if opts.TimeoutMs > 0 {
		timer := time.NewTimer(time.Duration(opts.TimeoutMs) * time.Millisecond)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-f.done:
		return f.resp, f.err
	case <-expired:
		log.Warn().
			Str("wallet", wallet).
			Int("timeout_ms", opts.TimeoutMs).
			Msg("Caller deadline hit; scoring continues in background")
		return o.zeroResponse(wallet, time.Now().UTC()), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// join returns the wallet's in-flight run, creating one when absent.
// The boolean reports whether the caller became its leader. Creation is
// refused once the waiting line is full.
func (o *Orchestrator) join(wallet string) (*flight, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if f, ok := o.inflight[wallet]; ok {
		return f, false, nil
	}

	if int(o.queued.Load()) >= o.cfg.MaxQueue {
		return nil, false, fmt.Errorf("%w: %d refreshes already waiting", ErrQueueFull, o.cfg.MaxQueue)
	}

	f := &flight{done: make(chan struct{})}
	o.inflight[wallet] = f
	o.queued.Add(1)
	return f, true, nil
}

// lead runs the pipeline for one flight. It waits for a scan slot, runs
// on a detached context capped by the pipeline timeout, and publishes
// the result to every waiter. Panics become zero-score responses.
func (o *Orchestrator) lead(f *flight, wallet string) {
	o.scanSlots <- struct{}{}
	o.queued.Add(-1)
	defer func() { <-o.scanSlots }()

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PipelineTimeout)
	defer cancel()

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Str("wallet", wallet).
					Interface("panic", r).
					Msg("Scoring pipeline panicked")
				f.resp, f.err = o.zeroResponse(wallet, time.Now().UTC()), nil
			}
		}()
		f.resp, f.err = o.pipeline(ctx, wallet)
	}()

	o.mu.Lock()
	delete(o.inflight, wallet)
	o.mu.Unlock()
	close(f.done)
}

// pipeline is one full scoring run: facts, fraud, dimensions, composite,
// dampening, persistence. Nothing is written unless every step succeeds.
func (o *Orchestrator) pipeline(ctx context.Context, wallet string) (*models.FullScoreResponse, error) {
	started := time.Now()
	now := started.UTC()

	// 1. Prior state, for dampening and trajectory.
	var previous *int
	prior, err := o.stores.Scores.GetByWallet(ctx, wallet)
	switch {
	case err == nil:
		previous = &prior.Score
	case errors.Is(err, repositories.ErrScoreNotFound):
	default:
		log.Warn().Err(err).Str("wallet", wallet).Msg("Prior score lookup failed")
	}

	history, err := o.stores.Scores.GetHistory(ctx, wallet, historyWindow)
	if err != nil {
		log.Warn().Err(err).Str("wallet", wallet).Msg("Score history lookup failed")
		history = nil
	}

	// 2. Chain facts and local aggregates, in parallel. A chain failure
	// aborts the run; aggregate failures degrade it.
	in := &Inputs{Wallet: wallet, Now: now}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		facts, err := o.reader.FetchWalletFacts(gctx, wallet)
		if err != nil {
			return err
		}
		in.Chain = *facts
		return nil
	})
	g.Go(func() error {
		o.gatherAggregates(gctx, wallet, in)
		return nil
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: pipeline cancelled: %v", ErrTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", ErrChainUnreachable, err)
	}

	// 3. Fraud detection on the frozen snapshot.
	sybilRes := o.sybil.Detect(in)
	gamingRes := o.gaming.Detect(in)

	// 4. Dimension scores, with gaming penalties then sybil caps.
	calc := NewCalculator(o.adaptive.EffectiveCurves(), o.blocksPerDay)

	reliability := calc.Reliability(in)
	viability := calc.Viability(in, gamingRes.UseAvgBalance)
	identity := calc.Identity(in)
	capability := calc.Capability(in)
	behavior := calc.Behavior(in)

	relScore := floorZero(reliability.Score - gamingRes.ReliabilityPenalty)
	viaScore := floorZero(viability.Score - gamingRes.ViabilityPenalty)
	relScore = sybilRes.CapReliability(relScore)
	idnScore := sybilRes.CapIdentity(identity.Score)

	dims := models.DimensionScores{
		Reliability: relScore,
		Viability:   viaScore,
		Identity:    idnScore,
		Capability:  capability.Score,
		Behavior:    behavior.Score,
	}

	// 5. Weighted composite.
	weights := o.adaptive.GetEffectiveWeights(ctx)
	composite := weights[DimReliability]*float64(dims.Reliability) +
		weights[DimViability]*float64(dims.Viability) +
		weights[DimIdentity]*float64(dims.Identity) +
		weights[DimCapability]*float64(dims.Capability) +
		weights[DimBehavior]*float64(dims.Behavior)

	// 6. Integrity multiplier, then the flat gaming penalty.
	integrity := ComputeIntegrity(sybilRes.Indicators, gamingRes.Indicators, in.FraudReportCount)
	composite = clampFloat(composite*integrity-float64(gamingRes.CompositePenalty), 0, 100)

	// 7. Trajectory modifier from the stored history.
	traj := ComputeTrajectory(history)
	composite = clampFloat(composite+float64(traj.Modifier), 0, 100)

	// 8. Confidence, then confidence-weighted dampening against the
	// previous published score.
	confidence := ComputeConfidence(in)
	final := Dampen(composite, previous, confidence, o.cfg.MaxDeltaLowConf, o.cfg.MaxDeltaHighConf)

	// 9. Labels and guidance.
	tier := DeriveTier(final)
	recommendation := DeriveRecommendation(final, sybilRes.Flag, confidence)
	availability := BuildDataAvailability(in)
	path := BuildImprovementPath(in, confidence)

	ttl := DeriveTTL(o.cfg.TTL, o.cfg.MinTTL, o.cfg.MaxTTL, confidence)

	score := &models.Score{
		Wallet:           wallet,
		Score:            final,
		Reliability:      dims.Reliability,
		Viability:        dims.Viability,
		Identity:         dims.Identity,
		Capability:       dims.Capability,
		Behavior:         dims.Behavior,
		Tier:             tier,
		Confidence:       confidence,
		Recommendation:   recommendation,
		ModelVersion:     o.cfg.ModelVersion,
		SybilFlag:        sybilRes.Flag,
		SybilIndicators:  sybilRes.Indicators,
		GamingIndicators: gamingRes.Indicators,
		Integrity:        integrity,
		RawInputs: buildRawInputs(in, weights, traj, availability, path, models.JSONB{
			"reliability": reliability.Data,
			"viability":   viability.Data,
			"identity":    identity.Data,
			"capability":  capability.Data,
			"behavior":    behavior.Data,
		}),
		CalculatedAt: now,
		ExpiresAt:    now.Add(ttl),
	}

	// 10. Persist atomically. A cancelled run must leave no trace.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: pipeline cancelled before persist: %v", ErrTimeout, err)
	}
	if err := o.stores.Scores.UpsertWithHistory(ctx, score); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}

	// 11. Best-effort cache fill and event emission.
	o.cacheScore(ctx, score, ttl)
	o.emitScoreEvent(ctx, score)

	history = append(history, models.ScoreHistoryEntry{
		Wallet:       wallet,
		Score:        final,
		Confidence:   confidence,
		ModelVersion: o.cfg.ModelVersion,
		CalculatedAt: now,
	})

	log.Info().
		Str("wallet", wallet).
		Int("score", final).
		Str("tier", tier).
		Float64("confidence", confidence).
		Float64("integrity", integrity).
		Bool("sybil_flag", sybilRes.Flag).
		Dur("took", time.Since(started)).
		Msg("Wallet scored")

	// 12. Assemble the response every waiter receives.
	return buildResponse(score, history, weights, false, now), nil
}

// gatherAggregates fills the store-backed half of the input snapshot.
// Missing rows are normal; query failures zero-fill the affected field
// and mark the run degraded.
func (o *Orchestrator) gatherAggregates(ctx context.Context, wallet string, in *Inputs) {
	degrade := func(what string, err error) {
		in.DegradedAggregates = true
		log.Warn().
			Err(err).
			Str("wallet", wallet).
			Str("aggregate", what).
			Msg("Aggregate fetch failed; scoring degraded")
	}

	metrics, err := o.stores.Metrics.Get(ctx, wallet)
	switch {
	case err == nil:
		in.Metrics = *metrics
		in.HaveMetrics = true
	case errors.Is(err, repositories.ErrMetricsNotFound):
	default:
		degrade("wallet_metrics", err)
	}

	partners, err := o.stores.Relationships.GetPartners(ctx, wallet)
	if err != nil {
		degrade("partners", err)
	} else {
		in.Partners = partners
	}

	if len(in.Partners) > 0 {
		top := in.Partners[0].Wallet
		topMetrics, err := o.stores.Metrics.Get(ctx, top)
		switch {
		case err == nil:
			firstSeen := topMetrics.FirstSeen
			in.TopPartnerFirstSeen = &firstSeen
		case errors.Is(err, repositories.ErrMetricsNotFound):
		default:
			degrade("top_partner_metrics", err)
		}

		count := len(in.Partners)
		if count > 5 {
			count = 5
		}
		tops := make([]string, count)
		for i := 0; i < count; i++ {
			tops[i] = in.Partners[i].Wallet
		}
		in.TopPartnerCount = count

		pairs, err := o.stores.Relationships.CountPairsAmong(ctx, tops)
		if err != nil {
			degrade("partner_pairs", err)
		} else {
			in.TopPartnerPairs = pairs
		}
	}

	activity, err := o.stores.Transfers.GetActivityWindows(ctx, wallet)
	if err != nil {
		degrade("activity_windows", err)
	} else if activity != nil {
		in.Activity = *activity
	}

	volumes, err := o.stores.Transfers.GetPartnerVolumes(ctx, wallet, washWindowDays)
	if err != nil {
		degrade("partner_volumes", err)
	} else {
		in.PartnerVolumes7d = volumes
	}

	sender, err := o.stores.Transfers.GetEarliestInboundSender(ctx, wallet)
	switch {
	case err == nil:
		in.EarliestInboundSender = sender
	case errors.Is(err, repositories.ErrTransferNotFound):
	default:
		degrade("earliest_inbound", err)
	}

	services, err := o.stores.Transfers.InboundServiceCount(ctx, wallet, serviceWindowDays, serviceMinTransfers)
	if err != nil {
		degrade("service_count", err)
	} else {
		in.ServiceCount = services
	}

	profile, err := o.stores.Profiles.Get(ctx, wallet)
	switch {
	case err == nil:
		in.Profile = *profile
	case errors.Is(err, repositories.ErrProfileNotFound):
	default:
		degrade("profile", err)
	}

	ratings, err := o.stores.Ratings.CountForWallet(ctx, wallet)
	if err != nil {
		degrade("rating_count", err)
	} else {
		in.RatingCount = ratings
	}

	avgRating, rated, err := o.stores.Ratings.GetAvgForWallet(ctx, wallet)
	if err != nil {
		degrade("rating_avg", err)
	} else if rated {
		in.AvgRating = avgRating
	}

	reports, err := o.stores.Fraud.CountForWallet(ctx, wallet)
	if err != nil {
		degrade("fraud_reports", err)
	} else {
		in.FraudReportCount = reports
	}

	queries, err := o.stores.QueryLog.CountForTargetSince(ctx, wallet, time.Time{})
	if err != nil {
		degrade("prior_queries", err)
	} else {
		in.PriorQueries = queries
	}

	lookups, err := o.stores.QueryLog.CountForTargetSince(ctx, wallet, in.Now.Add(-time.Hour))
	if err != nil {
		degrade("recent_lookups", err)
	} else {
		in.LookupsLastHour = lookups
	}

	avgBalance, have, err := o.stores.Snapshots.GetAvgBalanceSince(ctx, wallet, in.Now.Add(-24*time.Hour))
	if err != nil {
		degrade("balance_snapshots", err)
	} else {
		in.AvgBalance24h = avgBalance
		in.HaveAvgBalance24h = have
	}
}

// respond enriches a stored score row into the full response shape.
func (o *Orchestrator) respond(ctx context.Context, s *models.Score, stale bool, now time.Time) *models.FullScoreResponse {
	history, err := o.stores.Scores.GetHistory(ctx, s.Wallet, historyWindow)
	if err != nil {
		log.Warn().Err(err).Str("wallet", s.Wallet).Msg("Score history lookup failed")
	}
	return buildResponse(s, history, o.adaptive.GetEffectiveWeights(ctx), stale, now)
}

// buildResponse shapes a score row plus its history into the API
// response. Freshness is recomputed for the read moment.
func buildResponse(s *models.Score, history []models.ScoreHistoryEntry, weights Weights, stale bool, now time.Time) *models.FullScoreResponse {
	dims := models.DimensionScores{
		Reliability: s.Reliability,
		Viability:   s.Viability,
		Identity:    s.Identity,
		Capability:  s.Capability,
		Behavior:    s.Behavior,
	}
	availability, path := extrasFromRawInputs(s.RawInputs)
	contributors, detractors := TopMovers(dims, weights)

	return &models.FullScoreResponse{
		BasicScoreResponse: models.BasicScoreResponse{
			Wallet:         s.Wallet,
			Score:          s.Score,
			Tier:           s.Tier,
			Confidence:     s.Confidence,
			Recommendation: s.Recommendation,
			ModelVersion:   s.ModelVersion,
			LastUpdated:    s.CalculatedAt,
			ComputedAt:     s.CalculatedAt,
			ScoreFreshness: Freshness(s.CalculatedAt, s.ExpiresAt, now),
			Stale:          stale,
		},
		SybilFlag:           s.SybilFlag,
		SybilIndicators:     emptyIfNil(s.SybilIndicators),
		GamingIndicators:    emptyIfNil(s.GamingIndicators),
		Dimensions:          dims,
		DataAvailability:    availability,
		ImprovementPath:     path,
		ScoreHistory:        history,
		IntegrityMultiplier: s.Integrity,
		ScoreRange:          ScoreRangeFor(s.Score, s.Confidence),
		TopContributors:     contributors,
		TopDetractors:       detractors,
	}
}

// zeroResponse is what a caller gets when no score can be produced in
// time: composite zero, unverified, with the generic improvement path.
func (o *Orchestrator) zeroResponse(wallet string, now time.Time) *models.FullScoreResponse {
	empty := &Inputs{Wallet: wallet, Now: now}
	return &models.FullScoreResponse{
		BasicScoreResponse: models.BasicScoreResponse{
			Wallet:         wallet,
			Score:          0,
			Tier:           models.TierUnverified,
			Confidence:     0,
			Recommendation: models.RecommendationInsufficientHistory,
			ModelVersion:   o.cfg.ModelVersion,
			LastUpdated:    now,
			ComputedAt:     now,
			ScoreFreshness: 0,
		},
		SybilIndicators:  []string{},
		GamingIndicators: []string{},
		DataAvailability: BuildDataAvailability(empty),
		ImprovementPath:  BuildImprovementPath(empty, 0),
		ScoreHistory:     []models.ScoreHistoryEntry{},
		ScoreRange:       ScoreRangeFor(0, 0),
	}
}

// FallbackResponse is the degraded answer served when a run fails for
// reasons other than caller error: the stored score marked stale when
// one exists, otherwise a zero score.
func (o *Orchestrator) FallbackResponse(ctx context.Context, wallet string) *models.FullScoreResponse {
	wallet = chain.NormalizeAddress(wallet)
	now := time.Now().UTC()
	if stored, err := o.stores.Scores.GetByWallet(ctx, wallet); err == nil {
		return o.respond(ctx, stored, true, now)
	}
	return o.zeroResponse(wallet, now)
}

// buildRawInputs packs the run's working data into the raw_inputs blob:
// the fact summary, per-dimension breakdowns, and the derived guidance
// the response needs on later cache hits.
func buildRawInputs(in *Inputs, weights Weights, traj *models.Trajectory, availability models.DataAvailability, path []string, dimensionData models.JSONB) models.JSONB {
	return models.JSONB{
		"chain": models.JSONB{
			"usdc_balance":    in.USDCBalance(),
			"eth_balance":     in.ETHBalance(),
			"nonce":           in.Chain.Nonce,
			"tx_count":        in.TxCount(),
			"age_days":        math.Round(in.AgeDays()*100) / 100,
			"unique_partners": in.UniquePartners(),
			"has_basename":    in.Chain.HasBasename,
			"in_registry":     in.Chain.InRegistry,
		},
		"dimensions":          dimensionData,
		"weights":             weights,
		"trajectory":          traj,
		"data_availability":   availability,
		"improvement_path":    path,
		"degraded_aggregates": in.DegradedAggregates,
	}
}

// extrasFromRawInputs recovers the availability labels and improvement
// path stored alongside the score. Zero values when the blob is absent
// or predates them.
func extrasFromRawInputs(raw models.JSONB) (models.DataAvailability, []string) {
	var availability models.DataAvailability
	path := []string{}
	if raw == nil {
		return availability, path
	}
	if v, ok := raw["data_availability"]; ok {
		if b, err := json.Marshal(v); err == nil {
			json.Unmarshal(b, &availability)
		}
	}
	if v, ok := raw["improvement_path"]; ok {
		if b, err := json.Marshal(v); err == nil {
			json.Unmarshal(b, &path)
		}
	}
	return availability, path
}

// cachedScore reads the Redis copy of the score row. The cache TTL
// matches the row's dynamic TTL, so hits are always fresh.
func (o *Orchestrator) cachedScore(ctx context.Context, wallet string) *models.Score {
	if o.cache == nil {
		return nil
	}
	var s models.Score
	if err := o.cache.Get(ctx, scoreCacheKey(wallet), &s); err != nil {
		return nil
	}
	if s.Wallet == "" || !time.Now().UTC().Before(s.ExpiresAt) {
		return nil
	}
	return &s
}

// cacheScore writes the freshly persisted row to Redis, best-effort.
func (o *Orchestrator) cacheScore(ctx context.Context, s *models.Score, ttl time.Duration) {
	if o.cache == nil {
		return
	}
	if err := o.cache.Set(ctx, scoreCacheKey(s.Wallet), s, ttl); err != nil {
		log.Warn().Err(err).Str("wallet", s.Wallet).Msg("Score cache write failed")
	}
}

// enqueueRefresh hands an expired wallet to the background refresh
// stream. Workers coalesce duplicates through the in-flight map.
func (o *Orchestrator) enqueueRefresh(ctx context.Context, wallet string) {
	if o.events == nil {
		return
	}
	event := &models.RefreshEvent{
		Wallet:     wallet,
		Force:      true,
		EnqueuedAt: time.Now().UTC(),
	}
	if _, err := o.events.PublishRefresh(ctx, event); err != nil {
		log.Warn().Err(err).Str("wallet", wallet).Msg("Background refresh enqueue failed")
	}
}

// emitScoreEvent publishes the scored-wallet event for downstream
// consumers, best-effort.
func (o *Orchestrator) emitScoreEvent(ctx context.Context, s *models.Score) {
	if o.events == nil {
		return
	}
	event := &models.ScoreEvent{
		Wallet:         s.Wallet,
		Score:          s.Score,
		Tier:           s.Tier,
		Recommendation: s.Recommendation,
		SybilFlag:      s.SybilFlag,
		ModelVersion:   s.ModelVersion,
		ComputedAt:     s.CalculatedAt,
	}
	if _, err := o.events.PublishScoreEvent(ctx, event); err != nil {
		log.Warn().Err(err).Str("wallet", s.Wallet).Msg("Score event publish failed")
	}
}

// Stats reports the in-flight and queued pipeline counts.
func (o *Orchestrator) Stats() (inflight, queued int) {
	o.mu.Lock()
	inflight = len(o.inflight)
	o.mu.Unlock()
	return inflight, int(o.queued.Load())
}

func scoreCacheKey(wallet string) string {
	return "score:" + wallet
}

func floorZero(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
