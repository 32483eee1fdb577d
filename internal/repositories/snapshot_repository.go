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
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// SnapshotRepository handles periodic wallet balance samples.
type SnapshotRepository struct {
	db *Database
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(db *Database) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Insert stores one balance sample.
func (r *SnapshotRepository) Insert(ctx context.Context, snapshot *models.WalletSnapshot) error {
	query := `
		INSERT INTO wallet_snapshots (id, wallet, usdc_balance, eth_balance, taken_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	snapshot.ID = uuid.New()
	if snapshot.TakenAt.IsZero() {
		snapshot.TakenAt = time.Now()
	}

	_, err := r.db.Pool.Exec(ctx, query,
		snapshot.ID,
		snapshot.Wallet,
		snapshot.USDCBalance,
		snapshot.ETHBalance,
		snapshot.TakenAt,
	)
	return err
}

// GetAvgBalanceSince averages the USDC balance samples taken after since.
// Returns ok=false when no samples exist in the window.
func (r *SnapshotRepository) GetAvgBalanceSince(ctx context.Context, wallet string, since time.Time) (float64, bool, error) {
	query := `
		SELECT AVG(usdc_balance), COUNT(*)
		FROM wallet_snapshots
		WHERE wallet = $1 AND taken_at >= $2
	`

	var avg *float64
	var count int
	err := r.db.Pool.QueryRow(ctx, query, wallet, since).Scan(&avg, &count)
	if err != nil {
		return 0, false, err
	}
	if count == 0 || avg == nil {
		return 0, false, nil
	}
	return *avg, true, nil
}

// GetLatest returns the most recent snapshot for a wallet.
func (r *SnapshotRepository) GetLatest(ctx context.Context, wallet string) (*models.WalletSnapshot, error) {
	query := `
		SELECT id, wallet, usdc_balance, eth_balance, taken_at
		FROM wallet_snapshots
		WHERE wallet = $1
		ORDER BY taken_at DESC
		LIMIT 1
	`

	return r.scanOne(r.db.Pool.QueryRow(ctx, query, wallet))
}

// GetPriorTo returns the most recent snapshot taken at or before the
// given time. Drives the 7-day balance trend and freefall checks.
func (r *SnapshotRepository) GetPriorTo(ctx context.Context, wallet string, before time.Time) (*models.WalletSnapshot, error) {
	query := `
		SELECT id, wallet, usdc_balance, eth_balance, taken_at
		FROM wallet_snapshots
		WHERE wallet = $1 AND taken_at <= $2
		ORDER BY taken_at DESC
		LIMIT 1
	`

	return r.scanOne(r.db.Pool.QueryRow(ctx, query, wallet, before))
}

// BalanceDrop is a wallet whose newest snapshot fell sharply below the
// one before it.
type BalanceDrop struct {
	Wallet   string
	Previous float64
	Current  float64
}

// GetFreefallsSince returns wallets whose snapshot taken after since
// dropped below ratio times the preceding snapshot.
func (r *SnapshotRepository) GetFreefallsSince(ctx context.Context, since time.Time, ratio float64) ([]BalanceDrop, error) {
	query := `
		WITH ranked AS (
			SELECT wallet, usdc_balance, taken_at,
				   LAG(usdc_balance) OVER (PARTITION BY wallet ORDER BY taken_at) AS prev_balance
			FROM wallet_snapshots
		)
		SELECT wallet, prev_balance, usdc_balance
		FROM ranked
		WHERE taken_at >= $1
		  AND prev_balance > 0
		  AND usdc_balance < prev_balance * $2
	`

	rows, err := r.db.Pool.Query(ctx, query, since, ratio)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drops []BalanceDrop
	for rows.Next() {
		var d BalanceDrop
		if err := rows.Scan(&d.Wallet, &d.Previous, &d.Current); err != nil {
			return nil, err
		}
		drops = append(drops, d)
	}

	return drops, rows.Err()
}

func (r *SnapshotRepository) scanOne(row pgx.Row) (*models.WalletSnapshot, error) {
	snapshot := &models.WalletSnapshot{}
	err := row.Scan(
		&snapshot.ID,
		&snapshot.Wallet,
		&snapshot.USDCBalance,
		&snapshot.ETHBalance,
		&snapshot.TakenAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return snapshot, nil
}
