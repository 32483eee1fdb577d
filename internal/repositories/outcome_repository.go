package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/basetrust/reputation-engine/internal/models"
)

// OutcomeRepository handles score outcome labels for the adaptive layer.
type OutcomeRepository struct {
	db *Database
}

// NewOutcomeRepository creates a new outcome repository
func NewOutcomeRepository(db *Database) *OutcomeRepository {
	return &OutcomeRepository{db: db}
}

// Create inserts an outcome row. The unique query_id constraint makes the
// matcher idempotent: rerunning over the same store inserts nothing new.
func (r *OutcomeRepository) Create(ctx context.Context, outcome *models.ScoreOutcome) error {
	query := `
		INSERT INTO score_outcomes (id, wallet, query_id, outcome, dimensions, matched_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (query_id) DO NOTHING
	`

	if outcome.ID == uuid.Nil {
		outcome.ID = uuid.New()
	}
	if outcome.MatchedAt.IsZero() {
		outcome.MatchedAt = time.Now()
	}

	dimensionsBytes, _ := outcome.Dimensions.Value()

	_, err := r.db.Pool.Exec(ctx, query,
		outcome.ID,
		outcome.Wallet,
		outcome.QueryID,
		outcome.Outcome,
		dimensionsBytes,
		outcome.MatchedAt,
	)
	return err
}

// LabeledOutcome carries the outcome label and the dimension values
// captured when the score was served.
type LabeledOutcome struct {
	Outcome    string
	Dimensions map[string]float64
}

// GetLabeled returns up to limit outcomes whose dimension snapshot is
// present, newest first. Rows without dimensions cannot train weights and
// are skipped.
func (r *OutcomeRepository) GetLabeled(ctx context.Context, limit int) ([]LabeledOutcome, error) {
	query := `
		SELECT outcome, dimensions
		FROM score_outcomes
		WHERE dimensions IS NOT NULL
		ORDER BY matched_at DESC
		LIMIT $1
	`

	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []LabeledOutcome
	for rows.Next() {
		var outcome string
		var dims models.JSONB
		var dimsBytes []byte

		if err := rows.Scan(&outcome, &dimsBytes); err != nil {
			return nil, err
		}
		if err := dims.Scan(dimsBytes); err != nil || dims == nil {
			continue
		}

		converted := make(map[string]float64, len(dims))
		valid := true
		for k, v := range dims {
			f, ok := v.(float64)
			if !ok {
				valid = false
				break
			}
			converted[k] = f
		}
		if !valid {
			continue
		}

		outcomes = append(outcomes, LabeledOutcome{Outcome: outcome, Dimensions: converted})
	}

	return outcomes, rows.Err()
}

// CountByOutcome returns how many rows carry each label.
func (r *OutcomeRepository) CountByOutcome(ctx context.Context) (map[string]int, error) {
	query := `
		SELECT outcome, COUNT(*)
		FROM score_outcomes
		GROUP BY outcome
	`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, err
		}
		counts[outcome] = count
	}

	return counts, rows.Err()
}
