package ingestion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Validation failures must reject before any repository or queue call;
// the service under test carries nil dependencies to prove it.
func newValidationOnlyService() *IngestionService {
	return NewIngestionService(nil, nil, nil, nil, nil)
}

const (
	goodWallet   = "0x1111111111111111111111111111111111111111"
	goodReporter = "0x2222222222222222222222222222222222222222"
)

func TestFileReportValidation(t *testing.T) {
	s := newValidationOnlyService()
	ctx := context.Background()

	cases := []struct {
		name    string
		req     *ReportRequest
		wantErr error
	}{
		{
			"malformed wallet",
			&ReportRequest{Wallet: "not-an-address", Reporter: goodReporter, Reason: "phishing", IdempotencyKey: "k1"},
			ErrInvalidWallet,
		},
		{
			"malformed reporter",
			&ReportRequest{Wallet: goodWallet, Reporter: "0xshort", Reason: "phishing", IdempotencyKey: "k2"},
			ErrInvalidWallet,
		},
		{
			"self report",
			&ReportRequest{Wallet: goodWallet, Reporter: goodWallet, Reason: "phishing", IdempotencyKey: "k3"},
			ErrSelfReport,
		},
		{
			"self report with mixed case",
			&ReportRequest{Wallet: "0xabcdef1111111111111111111111111111111111", Reporter: "0xABCDEF1111111111111111111111111111111111", Reason: "phishing", IdempotencyKey: "k4"},
			ErrSelfReport,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.FileReport(ctx, tc.req, "req-1")
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestSubmitRatingValidation(t *testing.T) {
	s := newValidationOnlyService()
	ctx := context.Background()

	_, err := s.SubmitRating(ctx, &RatingRequest{Wallet: "nope", Rater: goodReporter, Rating: 5}, "req-1")
	assert.ErrorIs(t, err, ErrInvalidWallet)

	_, err = s.SubmitRating(ctx, &RatingRequest{Wallet: goodWallet, Rater: goodWallet, Rating: 5}, "req-1")
	assert.ErrorIs(t, err, ErrSelfReport)
}

func TestRegisterProfileValidation(t *testing.T) {
	s := newValidationOnlyService()

	_, err := s.RegisterProfile(context.Background(), &ProfileRequest{Wallet: "0x123"}, "req-1")
	assert.ErrorIs(t, err, ErrInvalidWallet)
}

func TestGetProfileValidation(t *testing.T) {
	s := newValidationOnlyService()

	_, err := s.GetProfile(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidWallet)
}
