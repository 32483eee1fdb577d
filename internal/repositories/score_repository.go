package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/basetrust/reputation-engine/internal/models"
)

var (
	ErrScoreNotFound = errors.New("score not found")
)

// ScoreRepository handles score and score history database operations.
type ScoreRepository struct {
	db *Database
}

// NewScoreRepository creates a new score repository
func NewScoreRepository(db *Database) *ScoreRepository {
	return &ScoreRepository{db: db}
}

// GetByWallet retrieves the current cached score row for a wallet.
func (r *ScoreRepository) GetByWallet(ctx context.Context, wallet string) (*models.Score, error) {
	query := `
		SELECT wallet, score, reliability, viability, identity, capability, behavior,
			   tier, confidence, recommendation, model_version, sybil_flag,
			   sybil_indicators, gaming_indicators, integrity, raw_inputs,
			   calculated_at, expires_at
		FROM scores
		WHERE wallet = $1
	`

	score := &models.Score{}
	var sybilIndicators, gamingIndicators []string
	var rawInputs []byte

	err := r.db.Pool.QueryRow(ctx, query, wallet).Scan(
		&score.Wallet,
		&score.Score,
		&score.Reliability,
		&score.Viability,
		&score.Identity,
		&score.Capability,
		&score.Behavior,
		&score.Tier,
		&score.Confidence,
		&score.Recommendation,
		&score.ModelVersion,
		&score.SybilFlag,
		&sybilIndicators, // pgx handles []string directly
		&gamingIndicators,
		&score.Integrity,
		&rawInputs,
		&score.CalculatedAt,
		&score.ExpiresAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScoreNotFound
		}
		return nil, err
	}

	score.SybilIndicators = sybilIndicators
	score.GamingIndicators = gamingIndicators
	score.RawInputs.Scan(rawInputs)
	return score, nil
}

// UpsertWithHistory writes the score row and appends the history entry in
// one transaction. Nothing persists if either statement fails.
func (r *ScoreRepository) UpsertWithHistory(ctx context.Context, score *models.Score) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		upsert := `
			INSERT INTO scores (
				wallet, score, reliability, viability, identity, capability, behavior,
				tier, confidence, recommendation, model_version, sybil_flag,
				sybil_indicators, gaming_indicators, integrity, raw_inputs,
				calculated_at, expires_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			ON CONFLICT (wallet) DO UPDATE SET
				score = EXCLUDED.score,
				reliability = EXCLUDED.reliability,
				viability = EXCLUDED.viability,
				identity = EXCLUDED.identity,
				capability = EXCLUDED.capability,
				behavior = EXCLUDED.behavior,
				tier = EXCLUDED.tier,
				confidence = EXCLUDED.confidence,
				recommendation = EXCLUDED.recommendation,
				model_version = EXCLUDED.model_version,
				sybil_flag = EXCLUDED.sybil_flag,
				sybil_indicators = EXCLUDED.sybil_indicators,
				gaming_indicators = EXCLUDED.gaming_indicators,
				integrity = EXCLUDED.integrity,
				raw_inputs = EXCLUDED.raw_inputs,
				calculated_at = EXCLUDED.calculated_at,
				expires_at = EXCLUDED.expires_at
		`

		rawInputs, _ := score.RawInputs.Value()

		if _, err := tx.Exec(ctx, upsert,
			score.Wallet,
			score.Score,
			score.Reliability,
			score.Viability,
			score.Identity,
			score.Capability,
			score.Behavior,
			score.Tier,
			score.Confidence,
			score.Recommendation,
			score.ModelVersion,
			score.SybilFlag,
			pq.Array(score.SybilIndicators),
			pq.Array(score.GamingIndicators),
			score.Integrity,
			rawInputs,
			score.CalculatedAt,
			score.ExpiresAt,
		); err != nil {
			return err
		}

		history := `
			INSERT INTO score_history (id, wallet, score, confidence, model_version, calculated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`

		_, err := tx.Exec(ctx, history,
			uuid.New(),
			score.Wallet,
			score.Score,
			score.Confidence,
			score.ModelVersion,
			score.CalculatedAt,
		)
		return err
	})
}

// GetHistory returns up to limit history entries for a wallet, oldest first.
func (r *ScoreRepository) GetHistory(ctx context.Context, wallet string, limit int) ([]models.ScoreHistoryEntry, error) {
	query := `
		SELECT id, wallet, score, confidence, model_version, calculated_at
		FROM (
			SELECT id, wallet, score, confidence, model_version, calculated_at
			FROM score_history
			WHERE wallet = $1
			ORDER BY calculated_at DESC
			LIMIT $2
		) h
		ORDER BY calculated_at ASC
	`

	rows, err := r.db.Pool.Query(ctx, query, wallet, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.ScoreHistoryEntry
	for rows.Next() {
		var e models.ScoreHistoryEntry
		if err := rows.Scan(&e.ID, &e.Wallet, &e.Score, &e.Confidence, &e.ModelVersion, &e.CalculatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetExpired returns wallets whose cached score has passed expires_at,
// oldest expiry first, capped at limit.
func (r *ScoreRepository) GetExpired(ctx context.Context, limit int) ([]string, error) {
	query := `
		SELECT wallet
		FROM scores
		WHERE expires_at < NOW()
		ORDER BY expires_at ASC
		LIMIT $1
	`

	rows, err := r.db.Pool.Query(ctx, query, limit)
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

// PopulationStats summarises the current score population.
type PopulationStats struct {
	Count  int     `json:"count"`
	Avg    float64 `json:"avg"`
	Median float64 `json:"median"`
}

// GetPopulationStats returns count, mean, and median of current composites.
// The median drives breakpoint maturity adaptation.
func (r *ScoreRepository) GetPopulationStats(ctx context.Context) (*PopulationStats, error) {
	query := `
		SELECT COUNT(*),
			   COALESCE(AVG(score), 0),
			   COALESCE(PERCENTILE_CONT(0.5) WITHIN GROUP (ORDER BY score), 0)
		FROM scores
	`

	stats := &PopulationStats{}
	err := r.db.Pool.QueryRow(ctx, query).Scan(&stats.Count, &stats.Avg, &stats.Median)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// GetTierDistribution returns the count of wallets per tier.
func (r *ScoreRepository) GetTierDistribution(ctx context.Context) (map[string]int, error) {
	query := `
		SELECT tier, COUNT(*)
		FROM scores
		GROUP BY tier
		ORDER BY
			CASE tier
				WHEN 'Elite' THEN 1
				WHEN 'Trusted' THEN 2
				WHEN 'Established' THEN 3
				WHEN 'Emerging' THEN 4
				WHEN 'Unverified' THEN 5
			END
	`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	distribution := make(map[string]int)
	for rows.Next() {
		var tier string
		var count int
		if err := rows.Scan(&tier, &count); err != nil {
			return nil, err
		}
		distribution[tier] = count
	}

	return distribution, rows.Err()
}

// GetFlagged returns sybil-flagged wallets with pagination.
func (r *ScoreRepository) GetFlagged(ctx context.Context, page, pageSize int) ([]*models.Score, int, error) {
	offset := (page - 1) * pageSize

	countQuery := `SELECT COUNT(*) FROM scores WHERE sybil_flag`
	var total int
	if err := r.db.Pool.QueryRow(ctx, countQuery).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT wallet, score, reliability, viability, identity, capability, behavior,
			   tier, confidence, recommendation, model_version, sybil_flag,
			   sybil_indicators, gaming_indicators, integrity, raw_inputs,
			   calculated_at, expires_at
		FROM scores
		WHERE sybil_flag
		ORDER BY calculated_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.Pool.Query(ctx, query, pageSize, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	return r.scanScores(rows, total)
}

// ScoreJump is a wallet whose latest history entry moved more than a
// threshold against the previous one.
type ScoreJump struct {
	Wallet    string    `json:"wallet"`
	FromScore int       `json:"from_score"`
	ToScore   int       `json:"to_score"`
	JumpedAt  time.Time `json:"jumped_at"`
}

// GetScoreJumpsSince finds history entries after since whose score moved
// more than threshold points from the immediately preceding entry.
func (r *ScoreRepository) GetScoreJumpsSince(ctx context.Context, since time.Time, threshold int) ([]ScoreJump, error) {
	query := `
		SELECT wallet, prev_score, score, calculated_at
		FROM (
			SELECT wallet, score, calculated_at,
				   LAG(score) OVER (PARTITION BY wallet ORDER BY calculated_at) AS prev_score
			FROM score_history
		) h
		WHERE calculated_at >= $1
		  AND prev_score IS NOT NULL
		  AND ABS(score - prev_score) > $2
		ORDER BY calculated_at DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, since, threshold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jumps []ScoreJump
	for rows.Next() {
		var j ScoreJump
		if err := rows.Scan(&j.Wallet, &j.FromScore, &j.ToScore, &j.JumpedAt); err != nil {
			return nil, err
		}
		jumps = append(jumps, j)
	}

	return jumps, rows.Err()
}

// GetNewlyFlaggedSince returns wallets whose sybil flag was set by a
// scoring run after since.
func (r *ScoreRepository) GetNewlyFlaggedSince(ctx context.Context, since time.Time) ([]string, error) {
	query := `
		SELECT wallet
		FROM scores
		WHERE sybil_flag AND calculated_at >= $1
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

func (r *ScoreRepository) scanScores(rows pgx.Rows, total int) ([]*models.Score, int, error) {
	var scores []*models.Score
	for rows.Next() {
		score := &models.Score{}
		var sybilIndicators, gamingIndicators []string
		var rawInputs []byte

		if err := rows.Scan(
			&score.Wallet,
			&score.Score,
			&score.Reliability,
			&score.Viability,
			&score.Identity,
			&score.Capability,
			&score.Behavior,
			&score.Tier,
			&score.Confidence,
			&score.Recommendation,
			&score.ModelVersion,
			&score.SybilFlag,
			&sybilIndicators,
			&gamingIndicators,
			&score.Integrity,
			&rawInputs,
			&score.CalculatedAt,
			&score.ExpiresAt,
		); err != nil {
			return nil, 0, err
		}

		score.SybilIndicators = sybilIndicators
		score.GamingIndicators = gamingIndicators
		score.RawInputs.Scan(rawInputs)
		scores = append(scores, score)
	}

	return scores, total, rows.Err()
}
