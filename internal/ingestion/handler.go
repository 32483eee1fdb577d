package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/basetrust/reputation-engine/internal/chain"
	"github.com/basetrust/reputation-engine/internal/models"
	"github.com/basetrust/reputation-engine/internal/queue"
	"github.com/basetrust/reputation-engine/internal/repositories"
)

var (
	ErrInvalidWallet = errors.New("invalid wallet address")
	ErrSelfReport    = errors.New("cannot report or rate your own wallet")
)

// idempotencyTTL bounds how long a report idempotency key is honored.
const idempotencyTTL = 24 * time.Hour

// ReportRequest represents an incoming fraud report
type ReportRequest struct {
	Wallet         string                 `json:"wallet" binding:"required"`
	Reporter       string                 `json:"reporter" binding:"required"`
	Reason         string                 `json:"reason" binding:"required,min=4,max=500"`
	Details        map[string]interface{} `json:"details,omitempty"`
	IdempotencyKey string                 `json:"idempotency_key" binding:"required"`
}

// ReportResponse represents the response after filing a report
type ReportResponse struct {
	ReportID     string    `json:"report_id"`
	Wallet       string    `json:"wallet"`
	TotalReports int       `json:"total_reports"`
	CreatedAt    time.Time `json:"created_at"`
	Message      string    `json:"message,omitempty"`
}

// RatingRequest represents an incoming counterparty rating
type RatingRequest struct {
	Wallet  string `json:"wallet" binding:"required"`
	Rater   string `json:"rater" binding:"required"`
	Rating  int    `json:"rating" binding:"required,min=1,max=5"`
	Comment string `json:"comment" binding:"max=500"`
}

// RatingResponse represents the response after submitting a rating
type RatingResponse struct {
	Wallet    string    `json:"wallet"`
	Rating    int       `json:"rating"`
	AvgRating float64   `json:"avg_rating"`
	Count     int       `json:"count"`
	CreatedAt time.Time `json:"created_at"`
	Message   string    `json:"message,omitempty"`
}

// ProfileRequest represents a wallet self-registration. Signature
// verification is handled by the gateway before this service is reached.
type ProfileRequest struct {
	Wallet         string `json:"wallet" binding:"required"`
	GithubUsername string `json:"github_username" binding:"max=100"`
	DomainsOwned   int    `json:"domains_owned" binding:"min=0"`
	Signature      string `json:"signature"`
}

// ProfileResponse represents the stored profile state
type ProfileResponse struct {
	Wallet         string    `json:"wallet"`
	SelfRegistered bool      `json:"self_registered"`
	GithubUsername string    `json:"github_username,omitempty"`
	GithubVerified bool      `json:"github_verified"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// IngestionService handles community write traffic: fraud reports,
// counterparty ratings, and wallet self-registration.
type IngestionService struct {
	reportRepo   *repositories.FraudReportRepository
	ratingRepo   *repositories.RatingRepository
	profileRepo  *repositories.ProfileRepository
	streamClient *queue.RedisStreamClient
	cacheClient  *queue.CacheClient
}

// NewIngestionService creates a new ingestion service
func NewIngestionService(
	reportRepo *repositories.FraudReportRepository,
	ratingRepo *repositories.RatingRepository,
	profileRepo *repositories.ProfileRepository,
	streamClient *queue.RedisStreamClient,
	cacheClient *queue.CacheClient,
) *IngestionService {
	return &IngestionService{
		reportRepo:   reportRepo,
		ratingRepo:   ratingRepo,
		profileRepo:  profileRepo,
		streamClient: streamClient,
		cacheClient:  cacheClient,
	}
}

// FileReport records a fraud report against a wallet
func (s *IngestionService) FileReport(ctx context.Context, req *ReportRequest, requestID string) (*ReportResponse, error) {
	startTime := time.Now()

	if !chain.IsValidAddress(req.Wallet) || !chain.IsValidAddress(req.Reporter) {
		return nil, ErrInvalidWallet
	}
	wallet := chain.NormalizeAddress(req.Wallet)
	reporter := chain.NormalizeAddress(req.Reporter)
	if wallet == reporter {
		return nil, ErrSelfReport
	}

	// Check for duplicate (idempotency)
	idemKey := "report:idem:" + req.IdempotencyKey
	var priorID string
	if err := s.cacheClient.Get(ctx, idemKey, &priorID); err == nil && priorID != "" {
		log.Debug().
			Str("idempotency_key", req.IdempotencyKey).
			Str("report_id", priorID).
			Msg("Duplicate fraud report detected")

		count, _ := s.reportRepo.CountForWallet(ctx, wallet)
		return &ReportResponse{
			ReportID:     priorID,
			Wallet:       wallet,
			TotalReports: count,
			Message:      "Report already filed (idempotent)",
		}, nil
	}

	report := &models.FraudReport{
		Wallet:   wallet,
		Reporter: reporter,
		Reason:   req.Reason,
		Details:  models.JSONB(req.Details),
	}

	if err := s.reportRepo.Create(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to create fraud report: %w", err)
	}

	if err := s.cacheClient.Set(ctx, idemKey, report.ID.String(), idempotencyTTL); err != nil {
		log.Warn().Err(err).
			Str("report_id", report.ID.String()).
			Msg("Failed to record report idempotency key")
	}

	// A new report changes the integrity multiplier, so the wallet is
	// queued for re-scoring. Losing the event is tolerable: the hourly
	// refresh will pick the wallet up once its score expires.
	event := &models.RefreshEvent{
		Wallet:     wallet,
		Force:      true,
		EnqueuedAt: time.Now(),
	}
	if _, err := s.streamClient.PublishRefresh(ctx, event); err != nil {
		log.Error().Err(err).
			Str("wallet", wallet).
			Msg("Failed to enqueue refresh after fraud report")
	}

	count, err := s.reportRepo.CountForWallet(ctx, wallet)
	if err != nil {
		count = 0
	}

	log.Info().
		Str("report_id", report.ID.String()).
		Str("wallet", wallet).
		Str("request_id", requestID).
		Int("total_reports", count).
		Dur("processing_time", time.Since(startTime)).
		Msg("Fraud report filed")

	return &ReportResponse{
		ReportID:     report.ID.String(),
		Wallet:       wallet,
		TotalReports: count,
		CreatedAt:    report.CreatedAt,
	}, nil
}

// SubmitRating records a 1-5 counterparty rating
func (s *IngestionService) SubmitRating(ctx context.Context, req *RatingRequest, requestID string) (*RatingResponse, error) {
	if !chain.IsValidAddress(req.Wallet) || !chain.IsValidAddress(req.Rater) {
		return nil, ErrInvalidWallet
	}
	wallet := chain.NormalizeAddress(req.Wallet)
	rater := chain.NormalizeAddress(req.Rater)
	if wallet == rater {
		return nil, ErrSelfReport
	}

	rating := &models.WalletRating{
		Wallet:  wallet,
		Rater:   rater,
		Rating:  req.Rating,
		Comment: req.Comment,
	}

	err := s.ratingRepo.Create(ctx, rating)
	duplicate := errors.Is(err, repositories.ErrDuplicateRating)
	if err != nil && !duplicate {
		return nil, fmt.Errorf("failed to create rating: %w", err)
	}

	avg, _, avgErr := s.ratingRepo.GetAvgForWallet(ctx, wallet)
	count, countErr := s.ratingRepo.CountForWallet(ctx, wallet)
	if avgErr != nil || countErr != nil {
		avg, count = float64(req.Rating), 1
	}

	resp := &RatingResponse{
		Wallet:    wallet,
		Rating:    req.Rating,
		AvgRating: avg,
		Count:     count,
		CreatedAt: rating.CreatedAt,
	}
	if duplicate {
		resp.Message = "Rating already recorded for this rater (idempotent)"
		return resp, nil
	}

	log.Info().
		Str("wallet", wallet).
		Str("request_id", requestID).
		Int("rating", req.Rating).
		Float64("avg_rating", avg).
		Msg("Rating submitted")

	return resp, nil
}

// RegisterProfile stores or updates a wallet's self-registration
func (s *IngestionService) RegisterProfile(ctx context.Context, req *ProfileRequest, requestID string) (*ProfileResponse, error) {
	if !chain.IsValidAddress(req.Wallet) {
		return nil, ErrInvalidWallet
	}
	wallet := chain.NormalizeAddress(req.Wallet)

	// Preserve collaborator-populated fields (github verification, stars)
	// across re-registration.
	profile, err := s.profileRepo.Get(ctx, wallet)
	if err != nil {
		if !errors.Is(err, repositories.ErrProfileNotFound) {
			return nil, fmt.Errorf("failed to load profile: %w", err)
		}
		profile = &models.WalletProfile{Wallet: wallet}
	}

	profile.SelfRegistered = true
	if req.GithubUsername != "" && req.GithubUsername != profile.GithubUsername {
		profile.GithubUsername = req.GithubUsername
		// A changed handle invalidates any prior verification.
		profile.GithubVerified = false
		profile.GithubStars = 0
		profile.GithubLastPush = nil
	}
	if req.DomainsOwned > 0 {
		profile.DomainsOwned = req.DomainsOwned
	}

	if err := s.profileRepo.Upsert(ctx, profile); err != nil {
		return nil, fmt.Errorf("failed to store profile: %w", err)
	}

	log.Info().
		Str("wallet", wallet).
		Str("request_id", requestID).
		Bool("github_linked", profile.GithubUsername != "").
		Msg("Wallet profile registered")

	return &ProfileResponse{
		Wallet:         profile.Wallet,
		SelfRegistered: profile.SelfRegistered,
		GithubUsername: profile.GithubUsername,
		GithubVerified: profile.GithubVerified,
		UpdatedAt:      profile.UpdatedAt,
	}, nil
}

// GetProfile retrieves a wallet profile
func (s *IngestionService) GetProfile(ctx context.Context, wallet string) (*ProfileResponse, error) {
	if !chain.IsValidAddress(wallet) {
		return nil, ErrInvalidWallet
	}

	profile, err := s.profileRepo.Get(ctx, chain.NormalizeAddress(wallet))
	if err != nil {
		return nil, err
	}

	return &ProfileResponse{
		Wallet:         profile.Wallet,
		SelfRegistered: profile.SelfRegistered,
		GithubUsername: profile.GithubUsername,
		GithubVerified: profile.GithubVerified,
		UpdatedAt:      profile.UpdatedAt,
	}, nil
}
