package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/basetrust/reputation-engine/internal/models"
)

var (
	ErrProfileNotFound = errors.New("wallet profile not found")
	ErrDuplicateRating = errors.New("rater already rated this wallet")
)

// FraudReportRepository handles user-submitted fraud reports.
type FraudReportRepository struct {
	db *Database
}

// NewFraudReportRepository creates a new fraud report repository
func NewFraudReportRepository(db *Database) *FraudReportRepository {
	return &FraudReportRepository{db: db}
}

// Create inserts a fraud report.
func (r *FraudReportRepository) Create(ctx context.Context, report *models.FraudReport) error {
	query := `
		INSERT INTO fraud_reports (id, wallet, reporter, reason, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	if report.ID == uuid.Nil {
		report.ID = uuid.New()
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now()
	}

	detailsBytes, _ := report.Details.Value()

	_, err := r.db.Pool.Exec(ctx, query,
		report.ID,
		report.Wallet,
		report.Reporter,
		report.Reason,
		detailsBytes,
		report.CreatedAt,
	)
	return err
}

// CountForWallet counts all reports against a wallet.
func (r *FraudReportRepository) CountForWallet(ctx context.Context, wallet string) (int, error) {
	query := `SELECT COUNT(*) FROM fraud_reports WHERE wallet = $1`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, wallet).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// HasReportAfter reports whether any fraud report against the wallet was
// filed after the given time.
func (r *FraudReportRepository) HasReportAfter(ctx context.Context, wallet string, after time.Time) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM fraud_reports WHERE wallet = $1 AND created_at > $2)`

	var exists bool
	err := r.db.Pool.QueryRow(ctx, query, wallet, after).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// GetWalletsReportedSince returns wallets with new reports after since.
func (r *FraudReportRepository) GetWalletsReportedSince(ctx context.Context, since time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT wallet
		FROM fraud_reports
		WHERE created_at >= $1
	`

	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}

	return wallets, rows.Err()
}

// RatingRepository handles counterparty ratings.
type RatingRepository struct {
	db *Database
}

// NewRatingRepository creates a new rating repository
func NewRatingRepository(db *Database) *RatingRepository {
	return &RatingRepository{db: db}
}

// Create inserts a rating. One rating per (wallet, rater).
func (r *RatingRepository) Create(ctx context.Context, rating *models.WalletRating) error {
	query := `
		INSERT INTO wallet_ratings (id, wallet, rater, rating, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (wallet, rater) DO NOTHING
	`

	if rating.ID == uuid.Nil {
		rating.ID = uuid.New()
	}
	if rating.CreatedAt.IsZero() {
		rating.CreatedAt = time.Now()
	}

	tag, err := r.db.Pool.Exec(ctx, query,
		rating.ID,
		rating.Wallet,
		rating.Rater,
		rating.Rating,
		rating.Comment,
		rating.CreatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateRating
	}
	return nil
}

// CountForWallet counts ratings received by a wallet.
func (r *RatingRepository) CountForWallet(ctx context.Context, wallet string) (int, error) {
	query := `SELECT COUNT(*) FROM wallet_ratings WHERE wallet = $1`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, wallet).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// GetAvgForWallet returns the average rating, ok=false when unrated.
func (r *RatingRepository) GetAvgForWallet(ctx context.Context, wallet string) (float64, bool, error) {
	query := `SELECT AVG(rating), COUNT(*) FROM wallet_ratings WHERE wallet = $1`

	var avg *float64
	var count int
	err := r.db.Pool.QueryRow(ctx, query, wallet).Scan(&avg, &count)
	if err != nil {
		return 0, false, err
	}
	if count == 0 || avg == nil {
		return 0, false, nil
	}
	return *avg, true, nil
}

// ProfileRepository handles identity/capability profile rows.
type ProfileRepository struct {
	db *Database
}

// NewProfileRepository creates a new profile repository
func NewProfileRepository(db *Database) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// Get returns the profile for a wallet.
func (r *ProfileRepository) Get(ctx context.Context, wallet string) (*models.WalletProfile, error) {
	query := `
		SELECT wallet, self_registered, github_username, github_verified,
			   github_stars, github_last_push, domains_owned, replications, updated_at
		FROM wallet_profiles
		WHERE wallet = $1
	`

	profile := &models.WalletProfile{}
	var githubUsername *string

	err := r.db.Pool.QueryRow(ctx, query, wallet).Scan(
		&profile.Wallet,
		&profile.SelfRegistered,
		&githubUsername,
		&profile.GithubVerified,
		&profile.GithubStars,
		&profile.GithubLastPush,
		&profile.DomainsOwned,
		&profile.Replications,
		&profile.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}

	if githubUsername != nil {
		profile.GithubUsername = *githubUsername
	}
	return profile, nil
}

// Upsert writes the profile row.
func (r *ProfileRepository) Upsert(ctx context.Context, profile *models.WalletProfile) error {
	query := `
		INSERT INTO wallet_profiles (
			wallet, self_registered, github_username, github_verified,
			github_stars, github_last_push, domains_owned, replications, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (wallet) DO UPDATE SET
			self_registered = EXCLUDED.self_registered,
			github_username = EXCLUDED.github_username,
			github_verified = EXCLUDED.github_verified,
			github_stars = EXCLUDED.github_stars,
			github_last_push = EXCLUDED.github_last_push,
			domains_owned = EXCLUDED.domains_owned,
			replications = EXCLUDED.replications,
			updated_at = EXCLUDED.updated_at
	`

	profile.UpdatedAt = time.Now()

	_, err := r.db.Pool.Exec(ctx, query,
		profile.Wallet,
		profile.SelfRegistered,
		profile.GithubUsername,
		profile.GithubVerified,
		profile.GithubStars,
		profile.GithubLastPush,
		profile.DomainsOwned,
		profile.Replications,
		profile.UpdatedAt,
	)
	return err
}
