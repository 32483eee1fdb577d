package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/basetrust/reputation-engine/internal/models"
	"github.com/basetrust/reputation-engine/internal/repositories"
)

const (
	// jumpThreshold is the score movement that counts as anomalous.
	jumpThreshold = 10

	// freefallRatio marks a balance drop below half the prior snapshot.
	freefallRatio = 0.5

	detectorInterval = 15 * time.Minute
)

// ScoreAnomalySource reads score movement signals.
type ScoreAnomalySource interface {
	GetScoreJumpsSince(ctx context.Context, since time.Time, threshold int) ([]repositories.ScoreJump, error)
	GetNewlyFlaggedSince(ctx context.Context, since time.Time) ([]string, error)
}

// ReportedWalletSource reads freshly reported wallets.
type ReportedWalletSource interface {
	GetWalletsReportedSince(ctx context.Context, since time.Time) ([]string, error)
}

// FreefallSource reads balance collapses between consecutive snapshots.
type FreefallSource interface {
	GetFreefallsSince(ctx context.Context, since time.Time, ratio float64) ([]repositories.BalanceDrop, error)
}

// AnomalySink persists detections.
type AnomalySink interface {
	CreateBatch(ctx context.Context, events []*models.AnomalyEvent) error
}

// AnomalyDetector sweeps the last interval for score jumps, new fraud
// reports, balance freefalls, and newly sybil-flagged wallets, and records
// each as an anomaly event.
type AnomalyDetector struct {
	scores    ScoreAnomalySource
	reports   ReportedWalletSource
	snapshots FreefallSource
	sink      AnomalySink

	mu      sync.Mutex
	lastRun time.Time
}

// NewAnomalyDetector wires the job.
func NewAnomalyDetector(
	scores ScoreAnomalySource,
	reports ReportedWalletSource,
	snapshots FreefallSource,
	sink AnomalySink,
) *AnomalyDetector {
	return &AnomalyDetector{
		scores:    scores,
		reports:   reports,
		snapshots: snapshots,
		sink:      sink,
	}
}

func (j *AnomalyDetector) Name() string { return "anomaly_detector" }

func (j *AnomalyDetector) Schedule() string { return "*/15 * * * *" }

// Run sweeps the window since the previous run. Individual signal reads
// that fail are skipped; whatever was found still lands.
func (j *AnomalyDetector) Run(ctx context.Context) error {
	now := time.Now().UTC()

	j.mu.Lock()
	since := j.lastRun
	if since.IsZero() {
		since = now.Add(-detectorInterval)
	}
	j.lastRun = now
	j.mu.Unlock()

	var events []*models.AnomalyEvent

	jumps, err := j.scores.GetScoreJumpsSince(ctx, since, jumpThreshold)
	if err != nil {
		log.Warn().Err(err).Msg("Score jump sweep failed")
	}
	for _, jump := range jumps {
		events = append(events, &models.AnomalyEvent{
			Wallet:      jump.Wallet,
			AnomalyType: models.AnomalyScoreJump,
			Details: models.JSONB{
				"from_score": jump.FromScore,
				"to_score":   jump.ToScore,
				"jumped_at":  jump.JumpedAt,
			},
			DetectedAt: now,
		})
	}

	reported, err := j.reports.GetWalletsReportedSince(ctx, since)
	if err != nil {
		log.Warn().Err(err).Msg("Fraud report sweep failed")
	}
	for _, wallet := range reported {
		events = append(events, &models.AnomalyEvent{
			Wallet:      wallet,
			AnomalyType: models.AnomalyFraudReport,
			DetectedAt:  now,
		})
	}

	drops, err := j.snapshots.GetFreefallsSince(ctx, since, freefallRatio)
	if err != nil {
		log.Warn().Err(err).Msg("Freefall sweep failed")
	}
	for _, drop := range drops {
		events = append(events, &models.AnomalyEvent{
			Wallet:      drop.Wallet,
			AnomalyType: models.AnomalyBalanceFreefall,
			Details: models.JSONB{
				"previous_balance": drop.Previous,
				"current_balance":  drop.Current,
			},
			DetectedAt: now,
		})
	}

	flagged, err := j.scores.GetNewlyFlaggedSince(ctx, since)
	if err != nil {
		log.Warn().Err(err).Msg("Sybil flag sweep failed")
	}
	for _, wallet := range flagged {
		events = append(events, &models.AnomalyEvent{
			Wallet:      wallet,
			AnomalyType: models.AnomalySybilFlagged,
			DetectedAt:  now,
		})
	}

	if len(events) == 0 {
		log.Debug().Time("since", since).Msg("No anomalies detected")
		return nil
	}

	if err := j.sink.CreateBatch(ctx, events); err != nil {
		return err
	}

	log.Info().
		Int("events", len(events)).
		Int("score_jumps", len(jumps)).
		Int("fraud_reports", len(reported)).
		Int("freefalls", len(drops)).
		Int("sybil_flags", len(flagged)).
		Msg("Anomalies recorded")
	return nil
}
