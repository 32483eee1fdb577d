package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/basetrust/reputation-engine/internal/models"
	"github.com/basetrust/reputation-engine/internal/queue"
	"github.com/basetrust/reputation-engine/internal/repositories"
)

// cacheTTL covers population-level reads; the underlying tables move on
// job cadence (hourly refresh, 15m anomaly scan), so 5 minutes is fresh
// enough.
const cacheTTL = 5 * time.Minute

// AnalyticsService provides population reporting over scored wallets
type AnalyticsService struct {
	scoreRepo    *repositories.ScoreRepository
	queryLogRepo *repositories.QueryLogRepository
	economyRepo  *repositories.EconomyRepository
	anomalyRepo  *repositories.AnomalyRepository
	db           *repositories.Database
	cacheClient  *queue.CacheClient
}

// NewAnalyticsService creates a new analytics service
func NewAnalyticsService(
	scoreRepo *repositories.ScoreRepository,
	queryLogRepo *repositories.QueryLogRepository,
	economyRepo *repositories.EconomyRepository,
	anomalyRepo *repositories.AnomalyRepository,
	db *repositories.Database,
	cacheClient *queue.CacheClient,
) *AnalyticsService {
	return &AnalyticsService{
		scoreRepo:    scoreRepo,
		queryLogRepo: queryLogRepo,
		economyRepo:  economyRepo,
		anomalyRepo:  anomalyRepo,
		db:           db,
		cacheClient:  cacheClient,
	}
}

// GetScoreDistribution returns the tier breakdown plus population stats
func (s *AnalyticsService) GetScoreDistribution(ctx context.Context) (*ScoreDistribution, error) {
	cacheKey := "analytics:distribution"
	var cached ScoreDistribution
	if s.cacheClient != nil {
		if err := s.cacheClient.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	tiers, err := s.scoreRepo.GetTierDistribution(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get tier distribution: %w", err)
	}

	stats, err := s.scoreRepo.GetPopulationStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get population stats: %w", err)
	}

	distribution := &ScoreDistribution{
		Tiers:       tiers,
		Total:       stats.Count,
		AvgScore:    stats.Avg,
		MedianScore: stats.Median,
	}
	for _, count := range tiers {
		if distribution.Total < count {
			distribution.Total = count
		}
	}

	if s.cacheClient != nil {
		if err := s.cacheClient.Set(ctx, cacheKey, distribution, cacheTTL); err != nil {
			log.Warn().Err(err).Msg("Failed to cache score distribution")
		}
	}

	return distribution, nil
}

// GetFlaggedWallets returns sybil-flagged wallets with pagination
func (s *AnalyticsService) GetFlaggedWallets(ctx context.Context, page, pageSize int) (*FlaggedWalletsResponse, error) {
	scores, total, err := s.scoreRepo.GetFlagged(ctx, page, pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to get flagged wallets: %w", err)
	}

	flagged := make([]FlaggedWallet, 0, len(scores))
	for _, score := range scores {
		flagged = append(flagged, FlaggedWallet{
			Wallet:       score.Wallet,
			Score:        score.Score,
			Tier:         score.Tier,
			Indicators:   score.SybilIndicators,
			CalculatedAt: score.CalculatedAt,
		})
	}

	return &FlaggedWalletsResponse{
		Wallets: flagged,
		Pagination: models.Pagination{
			Page:     page,
			PageSize: pageSize,
			Total:    total,
		},
	}, nil
}

// GetEconomyMetrics returns recent hourly ecosystem aggregates
func (s *AnalyticsService) GetEconomyMetrics(ctx context.Context, limit int) ([]*models.EconomyMetrics, error) {
	cacheKey := fmt.Sprintf("analytics:economy:%d", limit)
	var cached []*models.EconomyMetrics
	if s.cacheClient != nil {
		if err := s.cacheClient.Get(ctx, cacheKey, &cached); err == nil {
			return cached, nil
		}
	}

	rows, err := s.economyRepo.GetRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get economy metrics: %w", err)
	}

	if s.cacheClient != nil {
		if err := s.cacheClient.Set(ctx, cacheKey, rows, cacheTTL); err != nil {
			log.Warn().Err(err).Msg("Failed to cache economy metrics")
		}
	}

	return rows, nil
}

// GetRecentAnomalies returns the latest anomaly detections
func (s *AnalyticsService) GetRecentAnomalies(ctx context.Context, limit int) ([]*models.AnomalyEvent, error) {
	cacheKey := fmt.Sprintf("analytics:anomalies:%d", limit)
	var cached []*models.AnomalyEvent
	if s.cacheClient != nil {
		if err := s.cacheClient.Get(ctx, cacheKey, &cached); err == nil {
			return cached, nil
		}
	}

	events, err := s.anomalyRepo.GetRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get anomalies: %w", err)
	}

	if s.cacheClient != nil {
		// The detector runs every 15 minutes; a short TTL keeps fresh
		// detections visible without hammering the table.
		if err := s.cacheClient.Set(ctx, cacheKey, events, time.Minute); err != nil {
			log.Warn().Err(err).Msg("Failed to cache anomalies")
		}
	}

	return events, nil
}

// GetHourlyQueryVolume returns score lookups bucketed by hour for a day
func (s *AnalyticsService) GetHourlyQueryVolume(ctx context.Context, date time.Time) ([]HourlyVolume, error) {
	buckets, err := s.queryLogRepo.GetHourlyVolume(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("failed to get query volume: %w", err)
	}

	volumes := make([]HourlyVolume, 0, len(buckets))
	for hour, count := range buckets {
		volumes = append(volumes, HourlyVolume{Hour: hour, Count: count})
	}
	sort.Slice(volumes, func(i, j int) bool { return volumes[i].Hour < volumes[j].Hour })

	return volumes, nil
}

// GetSystemMetrics returns current operational metrics
func (s *AnalyticsService) GetSystemMetrics(ctx context.Context, streamClient *queue.RedisStreamClient) (*SystemMetrics, error) {
	metrics := &SystemMetrics{
		Timestamp: time.Now(),
	}

	dbStats := s.db.Stats()
	metrics.DBConnectionsActive = int(dbStats.AcquiredConns())
	metrics.DBConnectionsIdle = int(dbStats.IdleConns())

	if streamClient != nil {
		if info, err := streamClient.GetStreamInfo(ctx); err == nil {
			metrics.QueueDepth = info.Length
			metrics.QueuePending = info.PendingCount
		}
		if dlq, err := streamClient.GetDeadLetterCount(ctx); err == nil {
			metrics.DeadLettered = dlq
		}
	}

	if rate, err := s.calculateScoringRate(ctx); err == nil {
		metrics.ScoresPerSec = rate
	}

	if errorRate, err := s.calculateErrorRate(ctx, metrics.DeadLettered); err == nil {
		metrics.ErrorRate = errorRate
	}

	return metrics, nil
}

// calculateScoringRate measures scoring throughput over the last minute
func (s *AnalyticsService) calculateScoringRate(ctx context.Context) (float64, error) {
	query := `
		SELECT COUNT(*)
		FROM score_history
		WHERE calculated_at >= NOW() - INTERVAL '1 minute'
	`

	var count int
	err := s.db.Pool.QueryRow(ctx, query).Scan(&count)
	if err != nil {
		return 0, err
	}

	return float64(count) / 60.0, nil
}

// calculateErrorRate relates dead-lettered refreshes to scoring runs over
// the last hour.
func (s *AnalyticsService) calculateErrorRate(ctx context.Context, deadLettered int64) (float64, error) {
	query := `
		SELECT COUNT(*)
		FROM score_history
		WHERE calculated_at >= NOW() - INTERVAL '1 hour'
	`

	var scored int64
	err := s.db.Pool.QueryRow(ctx, query).Scan(&scored)
	if err != nil {
		return 0, err
	}

	total := scored + deadLettered
	if total == 0 {
		return 0, nil
	}
	return float64(deadLettered) / float64(total), nil
}

// Response types

// ScoreDistribution represents the population tier breakdown
type ScoreDistribution struct {
	Tiers       map[string]int `json:"tiers"`
	Total       int            `json:"total"`
	AvgScore    float64        `json:"avg_score"`
	MedianScore float64        `json:"median_score"`
}

// FlaggedWallet is one sybil-flagged wallet with its indicators
type FlaggedWallet struct {
	Wallet       string    `json:"wallet"`
	Score        int       `json:"score"`
	Tier         string    `json:"tier"`
	Indicators   []string  `json:"indicators"`
	CalculatedAt time.Time `json:"calculated_at"`
}

// FlaggedWalletsResponse is the paginated flagged wallet listing
type FlaggedWalletsResponse struct {
	Wallets    []FlaggedWallet   `json:"wallets"`
	Pagination models.Pagination `json:"pagination"`
}

// HourlyVolume represents score lookups for one hour
type HourlyVolume struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

// SystemMetrics represents current operational state
type SystemMetrics struct {
	Timestamp           time.Time `json:"timestamp"`
	DBConnectionsActive int       `json:"db_connections_active"`
	DBConnectionsIdle   int       `json:"db_connections_idle"`
	QueueDepth          int64     `json:"queue_depth"`
	QueuePending        int64     `json:"queue_pending"`
	DeadLettered        int64     `json:"dead_lettered"`
	ScoresPerSec        float64   `json:"scores_per_sec"`
	ErrorRate           float64   `json:"error_rate"`
}
