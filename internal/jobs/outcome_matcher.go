package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/basetrust/reputation-engine/internal/models"
	"github.com/basetrust/reputation-engine/internal/scoring"
)

const (
	// outcomeWindowDays is how long after a paid lookup activity still
	// counts as an outcome of it.
	outcomeWindowDays = 30

	// matchBatchSize caps how many unmatched queries one run examines.
	matchBatchSize = 500

	// yieldEvery pauses the matching loop so a long backlog cannot
	// monopolize the connection pool.
	yieldEvery = 25

	yieldPause = 100 * time.Millisecond
)

// PaidQuerySource yields paid lookups not yet matched to an outcome.
type PaidQuerySource interface {
	GetPaidWithoutOutcome(ctx context.Context, windowDays, limit int) ([]*models.QueryLogEntry, error)
}

// FraudReportChecker answers whether a wallet was reported after a time.
type FraudReportChecker interface {
	HasReportAfter(ctx context.Context, wallet string, after time.Time) (bool, error)
}

// PairTransferCounter counts transfers between two wallets after a time.
type PairTransferCounter interface {
	CountTransfersBetween(ctx context.Context, walletA, walletB string, after time.Time) (int, error)
}

// OutcomeWriter persists matched outcomes. Writes are idempotent on
// query_id.
type OutcomeWriter interface {
	Create(ctx context.Context, outcome *models.ScoreOutcome) error
}

// AdaptiveTrainer recomputes learned weights and breakpoint curves.
type AdaptiveTrainer interface {
	ComputeWeights(ctx context.Context) (*scoring.WeightsReport, error)
	AdaptBreakpoints(ctx context.Context) (*scoring.Curves, error)
}

// OutcomeMatcher labels what followed each paid score lookup: did the
// requester transact with the wallet, did the wallet get reported, or did
// nothing happen inside the window. The labels feed the adaptive layer,
// which retrains at the end of every run.
type OutcomeMatcher struct {
	queries   PaidQuerySource
	fraud     FraudReportChecker
	transfers PairTransferCounter
	outcomes  OutcomeWriter
	trainer   AdaptiveTrainer
}

// NewOutcomeMatcher wires the job.
func NewOutcomeMatcher(
	queries PaidQuerySource,
	fraud FraudReportChecker,
	transfers PairTransferCounter,
	outcomes OutcomeWriter,
	trainer AdaptiveTrainer,
) *OutcomeMatcher {
	return &OutcomeMatcher{
		queries:   queries,
		fraud:     fraud,
		transfers: transfers,
		outcomes:  outcomes,
		trainer:   trainer,
	}
}

func (j *OutcomeMatcher) Name() string { return "outcome_matcher" }

func (j *OutcomeMatcher) Schedule() string { return "0 */6 * * *" }

// Run matches pending queries, then retrains the adaptive layer.
func (j *OutcomeMatcher) Run(ctx context.Context) error {
	entries, err := j.queries.GetPaidWithoutOutcome(ctx, outcomeWindowDays, matchBatchSize)
	if err != nil {
		return err
	}

	matched := 0
	for i, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i > 0 && i%yieldEvery == 0 {
			select {
			case <-time.After(yieldPause):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		outcome, ok := j.match(ctx, entry)
		if !ok {
			continue
		}

		if err := j.outcomes.Create(ctx, outcome); err != nil {
			log.Warn().Err(err).
				Str("query_id", entry.ID.String()).
				Msg("Outcome insert failed")
			continue
		}
		matched++
	}

	log.Info().
		Int("examined", len(entries)).
		Int("matched", matched).
		Msg("Outcome matching done")

	j.retrain(ctx)
	return nil
}

// match labels one query. A fraud report against the target overrides any
// observed transfers; absent both, the label waits until the window has
// fully elapsed.
func (j *OutcomeMatcher) match(ctx context.Context, entry *models.QueryLogEntry) (*models.ScoreOutcome, bool) {
	reported, err := j.fraud.HasReportAfter(ctx, entry.TargetWallet, entry.CreatedAt)
	if err != nil {
		log.Warn().Err(err).Str("wallet", entry.TargetWallet).Msg("Fraud check failed")
		return nil, false
	}

	label := ""
	switch {
	case reported:
		label = models.OutcomeFraudReport
	default:
		count, err := j.transfers.CountTransfersBetween(ctx, entry.Requester, entry.TargetWallet, entry.CreatedAt)
		if err != nil {
			log.Warn().Err(err).Str("wallet", entry.TargetWallet).Msg("Transfer match failed")
			return nil, false
		}
		switch {
		case count == 1:
			label = models.OutcomeSuccessfulTx
		case count > 1:
			label = models.OutcomeMultipleSuccessfulTx
		case time.Since(entry.CreatedAt) >= outcomeWindowDays*24*time.Hour:
			label = models.OutcomeNoActivity
		default:
			// Still inside the window with no signal either way.
			return nil, false
		}
	}

	return &models.ScoreOutcome{
		Wallet:     entry.TargetWallet,
		QueryID:    entry.ID,
		Outcome:    label,
		Dimensions: entry.Dimensions,
	}, true
}

// retrain recomputes weights and breakpoints from the grown outcome set.
// Failures are logged; fresh labels are already durable.
func (j *OutcomeMatcher) retrain(ctx context.Context) {
	report, err := j.trainer.ComputeWeights(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Weight recompute failed")
	} else if report.Updated {
		log.Info().
			Int("sample_size", report.SampleSize).
			Int("positive", report.PositiveCount).
			Int("negative", report.NegativeCount).
			Msg("Dimension weights updated")
	} else {
		log.Debug().
			Int("sample_size", report.SampleSize).
			Msg("Weight recompute below sample gates; weights unchanged")
	}

	if _, err := j.trainer.AdaptBreakpoints(ctx); err != nil {
		log.Warn().Err(err).Msg("Breakpoint adaptation failed")
	}
}
