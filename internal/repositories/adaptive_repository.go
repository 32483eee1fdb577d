package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/basetrust/reputation-engine/internal/models"
)

var (
	ErrAdaptiveStateNotFound = errors.New("adaptive state not found")
)

// AdaptiveRepository persists learned weights and breakpoint offsets under
// well-known state names.
type AdaptiveRepository struct {
	db *Database
}

// NewAdaptiveRepository creates a new adaptive state repository
func NewAdaptiveRepository(db *Database) *AdaptiveRepository {
	return &AdaptiveRepository{db: db}
}

// Get returns the state row for a name.
func (r *AdaptiveRepository) Get(ctx context.Context, stateName string) (*models.AdaptiveState, error) {
	query := `
		SELECT state_name, payload, sample_size, updated_at
		FROM adaptive_state
		WHERE state_name = $1
	`

	state := &models.AdaptiveState{}
	var payloadBytes []byte

	err := r.db.Pool.QueryRow(ctx, query, stateName).Scan(
		&state.StateName,
		&payloadBytes,
		&state.SampleSize,
		&state.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAdaptiveStateNotFound
		}
		return nil, err
	}

	state.Payload.Scan(payloadBytes)
	return state, nil
}

// Upsert writes the state row.
func (r *AdaptiveRepository) Upsert(ctx context.Context, state *models.AdaptiveState) error {
	query := `
		INSERT INTO adaptive_state (state_name, payload, sample_size, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (state_name) DO UPDATE SET
			payload = EXCLUDED.payload,
			sample_size = EXCLUDED.sample_size,
			updated_at = EXCLUDED.updated_at
	`

	state.UpdatedAt = time.Now()
	payloadBytes, _ := state.Payload.Value()

	_, err := r.db.Pool.Exec(ctx, query,
		state.StateName,
		payloadBytes,
		state.SampleSize,
		state.UpdatedAt,
	)
	return err
}
