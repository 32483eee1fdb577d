package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basetrust/reputation-engine/internal/models"
	"github.com/basetrust/reputation-engine/internal/scoring"
)

type fakeQuerySource struct {
	entries []*models.QueryLogEntry
	err     error
}

func (f *fakeQuerySource) GetPaidWithoutOutcome(_ context.Context, _, _ int) ([]*models.QueryLogEntry, error) {
	return f.entries, f.err
}

type fakeFraudChecker struct {
	reported map[string]bool
	failFor  map[string]bool
}

func (f *fakeFraudChecker) HasReportAfter(_ context.Context, wallet string, _ time.Time) (bool, error) {
	if f.failFor[wallet] {
		return false, errors.New("fraud table offline")
	}
	return f.reported[wallet], nil
}

type fakePairCounter struct {
	counts map[string]int
	calls  int
	err    error
}

func (f *fakePairCounter) CountTransfersBetween(_ context.Context, walletA, walletB string, _ time.Time) (int, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.counts[walletA+"|"+walletB], nil
}

type fakeOutcomeWriter struct {
	created []*models.ScoreOutcome
	failFor map[uuid.UUID]bool
}

func (f *fakeOutcomeWriter) Create(_ context.Context, outcome *models.ScoreOutcome) error {
	if f.failFor[outcome.QueryID] {
		return errors.New("insert failed")
	}
	f.created = append(f.created, outcome)
	return nil
}

type fakeTrainer struct {
	weightCalls int
	breakCalls  int
	report      *scoring.WeightsReport
	err         error
}

func (f *fakeTrainer) ComputeWeights(_ context.Context) (*scoring.WeightsReport, error) {
	f.weightCalls++
	if f.err != nil {
		return nil, f.err
	}
	if f.report != nil {
		return f.report, nil
	}
	return &scoring.WeightsReport{}, nil
}

func (f *fakeTrainer) AdaptBreakpoints(_ context.Context) (*scoring.Curves, error) {
	f.breakCalls++
	if f.err != nil {
		return nil, f.err
	}
	return scoring.DefaultCurves(), nil
}

func paidEntry(requester, target string, age time.Duration) *models.QueryLogEntry {
	return &models.QueryLogEntry{
		ID:           uuid.New(),
		Requester:    requester,
		TargetWallet: target,
		Endpoint:     "/api/v2/score/" + target,
		Paid:         true,
		Dimensions:   models.JSONB{"reliability": 80.0},
		CreatedAt:    time.Now().UTC().Add(-age),
	}
}

func TestOutcomeMatcherLabels(t *testing.T) {
	reportedTarget := paidEntry("0xr1", "0xbad", 2*24*time.Hour)
	singleTx := paidEntry("0xr2", "0xone", 2*24*time.Hour)
	repeatTx := paidEntry("0xr3", "0xmany", 2*24*time.Hour)
	wentQuiet := paidEntry("0xr4", "0xquiet", 31*24*time.Hour)
	stillOpen := paidEntry("0xr5", "0xopen", 2*24*time.Hour)

	queries := &fakeQuerySource{entries: []*models.QueryLogEntry{
		reportedTarget, singleTx, repeatTx, wentQuiet, stillOpen,
	}}
	fraud := &fakeFraudChecker{reported: map[string]bool{"0xbad": true}}
	pairs := &fakePairCounter{counts: map[string]int{
		"0xr2|0xone":  1,
		"0xr3|0xmany": 3,
	}}
	writer := &fakeOutcomeWriter{}
	trainer := &fakeTrainer{}

	job := NewOutcomeMatcher(queries, fraud, pairs, writer, trainer)
	require.NoError(t, job.Run(context.Background()))

	require.Len(t, writer.created, 4)

	byQuery := make(map[uuid.UUID]*models.ScoreOutcome)
	for _, o := range writer.created {
		byQuery[o.QueryID] = o
	}

	assert.Equal(t, models.OutcomeFraudReport, byQuery[reportedTarget.ID].Outcome)
	assert.Equal(t, models.OutcomeSuccessfulTx, byQuery[singleTx.ID].Outcome)
	assert.Equal(t, models.OutcomeMultipleSuccessfulTx, byQuery[repeatTx.ID].Outcome)
	assert.Equal(t, models.OutcomeNoActivity, byQuery[wentQuiet.ID].Outcome)
	assert.NotContains(t, byQuery, stillOpen.ID)

	assert.Equal(t, "0xone", byQuery[singleTx.ID].Wallet)
	assert.Equal(t, models.JSONB{"reliability": 80.0}, byQuery[singleTx.ID].Dimensions)

	assert.Equal(t, 1, trainer.weightCalls)
	assert.Equal(t, 1, trainer.breakCalls)
}

func TestOutcomeMatcherFraudOverridesTransfers(t *testing.T) {
	entry := paidEntry("0xr1", "0xbad", 2*24*time.Hour)

	queries := &fakeQuerySource{entries: []*models.QueryLogEntry{entry}}
	fraud := &fakeFraudChecker{reported: map[string]bool{"0xbad": true}}
	pairs := &fakePairCounter{counts: map[string]int{"0xr1|0xbad": 5}}
	writer := &fakeOutcomeWriter{}

	job := NewOutcomeMatcher(queries, fraud, pairs, writer, &fakeTrainer{})
	require.NoError(t, job.Run(context.Background()))

	require.Len(t, writer.created, 1)
	assert.Equal(t, models.OutcomeFraudReport, writer.created[0].Outcome)
	assert.Zero(t, pairs.calls, "transfer counting is moot once the wallet is reported")
}

func TestOutcomeMatcherQuerySourceError(t *testing.T) {
	queries := &fakeQuerySource{err: errors.New("query log offline")}
	trainer := &fakeTrainer{}

	job := NewOutcomeMatcher(queries, &fakeFraudChecker{}, &fakePairCounter{}, &fakeOutcomeWriter{}, trainer)
	err := job.Run(context.Background())

	require.Error(t, err)
	assert.Zero(t, trainer.weightCalls, "no retraining on a failed batch read")
}

func TestOutcomeMatcherToleratesPerEntryFailures(t *testing.T) {
	fraudCheckFails := paidEntry("0xr1", "0xflaky", 2*24*time.Hour)
	insertFails := paidEntry("0xr2", "0xone", 2*24*time.Hour)
	healthy := paidEntry("0xr3", "0xtwo", 2*24*time.Hour)

	queries := &fakeQuerySource{entries: []*models.QueryLogEntry{
		fraudCheckFails, insertFails, healthy,
	}}
	fraud := &fakeFraudChecker{failFor: map[string]bool{"0xflaky": true}}
	pairs := &fakePairCounter{counts: map[string]int{
		"0xr2|0xone": 1,
		"0xr3|0xtwo": 1,
	}}
	writer := &fakeOutcomeWriter{failFor: map[uuid.UUID]bool{insertFails.ID: true}}
	trainer := &fakeTrainer{}

	job := NewOutcomeMatcher(queries, fraud, pairs, writer, trainer)
	require.NoError(t, job.Run(context.Background()))

	require.Len(t, writer.created, 1)
	assert.Equal(t, healthy.ID, writer.created[0].QueryID)
	assert.Equal(t, 1, trainer.weightCalls)
}

func TestOutcomeMatcherTrainerFailuresTolerated(t *testing.T) {
	queries := &fakeQuerySource{}
	trainer := &fakeTrainer{err: errors.New("not enough outcomes")}

	job := NewOutcomeMatcher(queries, &fakeFraudChecker{}, &fakePairCounter{}, &fakeOutcomeWriter{}, trainer)
	require.NoError(t, job.Run(context.Background()))

	assert.Equal(t, 1, trainer.weightCalls)
	assert.Equal(t, 1, trainer.breakCalls)
}

func TestOutcomeMatcherCancelledContext(t *testing.T) {
	queries := &fakeQuerySource{entries: []*models.QueryLogEntry{
		paidEntry("0xr1", "0xone", time.Hour),
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := NewOutcomeMatcher(queries, &fakeFraudChecker{}, &fakePairCounter{}, &fakeOutcomeWriter{}, &fakeTrainer{})
	assert.ErrorIs(t, job.Run(ctx), context.Canceled)
}
