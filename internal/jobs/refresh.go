package jobs

import (
	"context"
	"math/big"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/basetrust/reputation-engine/internal/models"
	"github.com/basetrust/reputation-engine/internal/repositories"
	"github.com/basetrust/reputation-engine/internal/scoring"
)

const (
	// refreshBatchSize caps how many expired wallets one hourly run
	// re-scores; the rest wait for the next hour.
	refreshBatchSize = 50

	// interWalletDelay spaces chain scans out so the refresh batch never
	// saturates the RPC budget.
	interWalletDelay = 200 * time.Millisecond

	// trendLookback is how far back the comparison snapshot sits.
	trendLookback = 7 * 24 * time.Hour
)

// ExpiredScoreSource yields wallets whose score TTL has lapsed, plus the
// population stats the economy row needs.
type ExpiredScoreSource interface {
	GetExpired(ctx context.Context, limit int) ([]string, error)
	GetPopulationStats(ctx context.Context) (*repositories.PopulationStats, error)
}

// BalanceReader reads instantaneous balances for snapshots.
type BalanceReader interface {
	TokenBalance(ctx context.Context, token, wallet string) (int64, error)
	EthBalance(ctx context.Context, wallet string) (*big.Int, error)
}

// SnapshotStore records balance samples and serves the trend comparison.
type SnapshotStore interface {
	Insert(ctx context.Context, snapshot *models.WalletSnapshot) error
	GetPriorTo(ctx context.Context, wallet string, before time.Time) (*models.WalletSnapshot, error)
}

// AggregateSource rebuilds wallet aggregates from raw transfers.
type AggregateSource interface {
	GetWalletAggregates(ctx context.Context, wallet string) (*repositories.WalletAggregates, error)
}

// MetricsWriter persists the rebuilt aggregate row and serves the
// ecosystem totals.
type MetricsWriter interface {
	Upsert(ctx context.Context, m *models.WalletMetrics) error
	GetActiveWalletCount(ctx context.Context) (int, error)
	GetTotalVolume24h(ctx context.Context) (float64, error)
}

// PartnerCounter counts distinct counterparties.
type PartnerCounter interface {
	CountPartnerships(ctx context.Context, wallet string) (int, error)
}

// EconomyWriter persists the hourly ecosystem row.
type EconomyWriter interface {
	UpsertHourly(ctx context.Context, m *models.EconomyMetrics) error
}

// Scorer recomputes a wallet's reputation.
type Scorer interface {
	ComputeOrGetScore(ctx context.Context, wallet string, opts scoring.Options) (*models.FullScoreResponse, error)
}

// HourlyRefresh re-scores expired wallets in bounded batches. Each wallet
// gets a fresh balance snapshot and a rebuilt metrics row before the
// pipeline runs, so the new score sees current aggregates. The run closes
// with the hourly economy row.
type HourlyRefresh struct {
	scores        ExpiredScoreSource
	reader        BalanceReader
	snapshots     SnapshotStore
	transfers     AggregateSource
	metrics       MetricsWriter
	relationships PartnerCounter
	economy       EconomyWriter
	scorer        Scorer
	usdcContract  string
	delay         time.Duration
}

// NewHourlyRefresh wires the job.
func NewHourlyRefresh(
	scores ExpiredScoreSource,
	reader BalanceReader,
	snapshots SnapshotStore,
	transfers AggregateSource,
	metrics MetricsWriter,
	relationships PartnerCounter,
	economy EconomyWriter,
	scorer Scorer,
	usdcContract string,
) *HourlyRefresh {
	return &HourlyRefresh{
		scores:        scores,
		reader:        reader,
		snapshots:     snapshots,
		transfers:     transfers,
		metrics:       metrics,
		relationships: relationships,
		economy:       economy,
		scorer:        scorer,
		usdcContract:  usdcContract,
		delay:         interWalletDelay,
	}
}

func (j *HourlyRefresh) Name() string { return "hourly_refresh" }

func (j *HourlyRefresh) Schedule() string { return "0 * * * *" }

// Run refreshes up to refreshBatchSize expired wallets, then writes the
// economy row. Per-wallet failures are logged and skipped; the batch
// keeps going.
func (j *HourlyRefresh) Run(ctx context.Context) error {
	wallets, err := j.scores.GetExpired(ctx, refreshBatchSize)
	if err != nil {
		return err
	}

	refreshed := 0
	for i, wallet := range wallets {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i > 0 {
			select {
			case <-time.After(j.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := j.refreshWallet(ctx, wallet); err != nil {
			log.Warn().Err(err).Str("wallet", wallet).Msg("Wallet refresh failed")
			continue
		}
		refreshed++
	}

	if err := j.writeEconomyRow(ctx); err != nil {
		log.Warn().Err(err).Msg("Economy row write failed")
	}

	log.Info().
		Int("expired", len(wallets)).
		Int("refreshed", refreshed).
		Msg("Hourly refresh batch done")
	return nil
}

// refreshWallet runs one wallet through snapshot, metrics rebuild, and a
// forced re-score. Snapshot and metrics failures are tolerated; the
// pipeline can still score from chain facts alone.
func (j *HourlyRefresh) refreshWallet(ctx context.Context, wallet string) error {
	trend := j.snapshotBalances(ctx, wallet)
	j.rebuildMetrics(ctx, wallet, trend)

	_, err := j.scorer.ComputeOrGetScore(ctx, wallet, scoring.Options{ForceRefresh: true})
	return err
}

// snapshotBalances samples current balances and returns the 7-day trend
// bin, empty when it cannot be established.
func (j *HourlyRefresh) snapshotBalances(ctx context.Context, wallet string) string {
	usdcUnits, err := j.reader.TokenBalance(ctx, j.usdcContract, wallet)
	if err != nil {
		log.Debug().Err(err).Str("wallet", wallet).Msg("USDC balance read failed; skipping snapshot")
		return ""
	}
	usdc := float64(usdcUnits) / 1e6

	eth := 0.0
	if wei, err := j.reader.EthBalance(ctx, wallet); err == nil && wei != nil {
		eth, _ = new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18)).Float64()
	}

	now := time.Now().UTC()
	snapshot := &models.WalletSnapshot{
		Wallet:      wallet,
		USDCBalance: usdc,
		ETHBalance:  eth,
		TakenAt:     now,
	}
	if err := j.snapshots.Insert(ctx, snapshot); err != nil {
		log.Warn().Err(err).Str("wallet", wallet).Msg("Snapshot insert failed")
		return ""
	}

	trend, ok := j.binTrend(ctx, wallet, usdc, now)
	if !ok {
		return ""
	}
	return trend
}

// binTrend compares the fresh balance against the snapshot from a week
// ago. No prior snapshot means no trend call.
func (j *HourlyRefresh) binTrend(ctx context.Context, wallet string, current float64, now time.Time) (string, bool) {
	prior, err := j.snapshots.GetPriorTo(ctx, wallet, now.Add(-trendLookback))
	if err != nil || prior == nil {
		return "", false
	}

	if prior.USDCBalance <= 0 {
		if current > 0 {
			return models.TrendRising, true
		}
		return models.TrendStable, true
	}

	ratio := current / prior.USDCBalance
	switch {
	case ratio < 0.5:
		return models.TrendFreefall, true
	case ratio < 0.9:
		return models.TrendDeclining, true
	case ratio > 1.1:
		return models.TrendRising, true
	default:
		return models.TrendStable, true
	}
}

// rebuildMetrics recomputes the wallet_metrics row from raw transfers.
func (j *HourlyRefresh) rebuildMetrics(ctx context.Context, wallet, trend string) {
	agg, err := j.transfers.GetWalletAggregates(ctx, wallet)
	if err != nil {
		log.Warn().Err(err).Str("wallet", wallet).Msg("Aggregate rebuild failed")
		return
	}
	if agg.TotalTxCount == 0 {
		// Nothing indexed yet; leave whatever row the kafka worker keeps.
		return
	}

	partners, err := j.relationships.CountPartnerships(ctx, wallet)
	if err != nil {
		partners = 0
	}

	m := &models.WalletMetrics{
		Wallet:         wallet,
		TotalTxCount:   agg.TotalTxCount,
		TotalIn:        agg.TotalIn,
		TotalOut:       agg.TotalOut,
		TxCount24h:     agg.TxCount24h,
		TxCount7d:      agg.TxCount7d,
		TxCount30d:     agg.TxCount30d,
		Volume24h:      agg.Volume24h,
		Volume7d:       agg.Volume7d,
		Volume30d:      agg.Volume30d,
		UniquePartners: partners,
		BalanceTrend:   trend,
	}
	if agg.FirstSeen != nil {
		m.FirstSeen = *agg.FirstSeen
	}
	if agg.LastSeen != nil {
		m.LastSeen = *agg.LastSeen
	}
	if m.BalanceTrend == "" {
		m.BalanceTrend = models.TrendStable
	}

	if err := j.metrics.Upsert(ctx, m); err != nil {
		log.Warn().Err(err).Str("wallet", wallet).Msg("Metrics upsert failed")
	}
}

// writeEconomyRow records the hourly ecosystem aggregate.
func (j *HourlyRefresh) writeEconomyRow(ctx context.Context) error {
	stats, err := j.scores.GetPopulationStats(ctx)
	if err != nil {
		return err
	}

	volume, err := j.metrics.GetTotalVolume24h(ctx)
	if err != nil {
		volume = 0
	}
	active, err := j.metrics.GetActiveWalletCount(ctx)
	if err != nil {
		active = 0
	}

	now := time.Now().UTC()
	row := &models.EconomyMetrics{
		HourBucket:     now.Truncate(time.Hour),
		WalletsScored:  stats.Count,
		AvgScore:       stats.Avg,
		MedianScore:    stats.Median,
		TotalVolume24h: volume,
		ActiveWallets:  active,
	}
	return j.economy.UpsertHourly(ctx, row)
}
