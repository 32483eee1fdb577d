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
	ErrDeveloperNotFound = errors.New("developer not found")
	ErrDuplicateEmail    = errors.New("email already registered")
)

// DeveloperRepository handles API consumer accounts.
type DeveloperRepository struct {
	db *Database
}

// NewDeveloperRepository creates a new developer repository
func NewDeveloperRepository(db *Database) *DeveloperRepository {
	return &DeveloperRepository{db: db}
}

// Create registers a developer account.
func (r *DeveloperRepository) Create(ctx context.Context, dev *models.Developer) error {
	query := `
		INSERT INTO developers (id, email, password_hash, api_key_hash, plan, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (email) DO NOTHING
	`

	dev.ID = uuid.New()
	dev.CreatedAt = time.Now()
	dev.UpdatedAt = time.Now()
	if dev.Plan == "" {
		dev.Plan = models.PlanFree
	}

	tag, err := r.db.Pool.Exec(ctx, query,
		dev.ID,
		dev.Email,
		dev.PasswordHash,
		nullableString(dev.APIKeyHash),
		dev.Plan,
		dev.CreatedAt,
		dev.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateEmail
	}
	return nil
}

// GetByID retrieves a developer by ID.
func (r *DeveloperRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Developer, error) {
	query := `
		SELECT id, email, password_hash, api_key_hash, plan, created_at, updated_at
		FROM developers
		WHERE id = $1
	`

	return r.scanOne(r.db.Pool.QueryRow(ctx, query, id))
}

// GetByEmail retrieves a developer by email.
func (r *DeveloperRepository) GetByEmail(ctx context.Context, email string) (*models.Developer, error) {
	query := `
		SELECT id, email, password_hash, api_key_hash, plan, created_at, updated_at
		FROM developers
		WHERE email = $1
	`

	return r.scanOne(r.db.Pool.QueryRow(ctx, query, email))
}

// ListWithAPIKeys returns all developers that hold an API key. The auth
// middleware compares presented keys against these hashes.
func (r *DeveloperRepository) ListWithAPIKeys(ctx context.Context) ([]*models.Developer, error) {
	query := `
		SELECT id, email, password_hash, api_key_hash, plan, created_at, updated_at
		FROM developers
		WHERE api_key_hash IS NOT NULL
	`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devs []*models.Developer
	for rows.Next() {
		dev := &models.Developer{}
		var apiKeyHash *string
		if err := rows.Scan(
			&dev.ID,
			&dev.Email,
			&dev.PasswordHash,
			&apiKeyHash,
			&dev.Plan,
			&dev.CreatedAt,
			&dev.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if apiKeyHash != nil {
			dev.APIKeyHash = *apiKeyHash
		}
		devs = append(devs, dev)
	}

	return devs, rows.Err()
}

// UpdateAPIKeyHash stores a new API key hash for a developer.
func (r *DeveloperRepository) UpdateAPIKeyHash(ctx context.Context, id uuid.UUID, hash string) error {
	query := `
		UPDATE developers
		SET api_key_hash = $2, updated_at = $3
		WHERE id = $1
	`

	tag, err := r.db.Pool.Exec(ctx, query, id, hash, time.Now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDeveloperNotFound
	}
	return nil
}

// UpdatePlan changes a developer's plan.
func (r *DeveloperRepository) UpdatePlan(ctx context.Context, id uuid.UUID, plan string) error {
	query := `
		UPDATE developers
		SET plan = $2, updated_at = $3
		WHERE id = $1
	`

	tag, err := r.db.Pool.Exec(ctx, query, id, plan, time.Now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDeveloperNotFound
	}
	return nil
}

func (r *DeveloperRepository) scanOne(row pgx.Row) (*models.Developer, error) {
	dev := &models.Developer{}
	var apiKeyHash *string

	err := row.Scan(
		&dev.ID,
		&dev.Email,
		&dev.PasswordHash,
		&apiKeyHash,
		&dev.Plan,
		&dev.CreatedAt,
		&dev.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeveloperNotFound
		}
		return nil, err
	}

	if apiKeyHash != nil {
		dev.APIKeyHash = *apiKeyHash
	}
	return dev, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
