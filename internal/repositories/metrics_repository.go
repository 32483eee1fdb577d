package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/basetrust/reputation-engine/internal/models"
)

var (
	ErrMetricsNotFound = errors.New("wallet metrics not found")
)

// MetricsRepository handles per-wallet aggregate rows. Newly indexed
// wallets may lag one refresh cycle before a row exists; readers treat a
// missing row as zero values.
type MetricsRepository struct {
	db *Database
}

// NewMetricsRepository creates a new metrics repository
func NewMetricsRepository(db *Database) *MetricsRepository {
	return &MetricsRepository{db: db}
}

// Get returns the aggregate row for a wallet.
func (r *MetricsRepository) Get(ctx context.Context, wallet string) (*models.WalletMetrics, error) {
	query := `
		SELECT wallet, first_seen, last_seen, total_tx_count, total_in, total_out,
			   tx_count_24h, tx_count_7d, tx_count_30d,
			   volume_24h, volume_7d, volume_30d,
			   unique_partners, balance_trend, updated_at
		FROM wallet_metrics
		WHERE wallet = $1
	`

	m := &models.WalletMetrics{}
	var firstSeen, lastSeen *time.Time

	err := r.db.Pool.QueryRow(ctx, query, wallet).Scan(
		&m.Wallet,
		&firstSeen,
		&lastSeen,
		&m.TotalTxCount,
		&m.TotalIn,
		&m.TotalOut,
		&m.TxCount24h,
		&m.TxCount7d,
		&m.TxCount30d,
		&m.Volume24h,
		&m.Volume7d,
		&m.Volume30d,
		&m.UniquePartners,
		&m.BalanceTrend,
		&m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMetricsNotFound
		}
		return nil, err
	}

	if firstSeen != nil {
		m.FirstSeen = *firstSeen
	}
	if lastSeen != nil {
		m.LastSeen = *lastSeen
	}
	return m, nil
}

// Upsert writes the full aggregate row.
func (r *MetricsRepository) Upsert(ctx context.Context, m *models.WalletMetrics) error {
	query := `
		INSERT INTO wallet_metrics (
			wallet, first_seen, last_seen, total_tx_count, total_in, total_out,
			tx_count_24h, tx_count_7d, tx_count_30d,
			volume_24h, volume_7d, volume_30d,
			unique_partners, balance_trend, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (wallet) DO UPDATE SET
			first_seen = EXCLUDED.first_seen,
			last_seen = EXCLUDED.last_seen,
			total_tx_count = EXCLUDED.total_tx_count,
			total_in = EXCLUDED.total_in,
			total_out = EXCLUDED.total_out,
			tx_count_24h = EXCLUDED.tx_count_24h,
			tx_count_7d = EXCLUDED.tx_count_7d,
			tx_count_30d = EXCLUDED.tx_count_30d,
			volume_24h = EXCLUDED.volume_24h,
			volume_7d = EXCLUDED.volume_7d,
			volume_30d = EXCLUDED.volume_30d,
			unique_partners = EXCLUDED.unique_partners,
			balance_trend = EXCLUDED.balance_trend,
			updated_at = EXCLUDED.updated_at
	`

	m.UpdatedAt = time.Now()

	_, err := r.db.Pool.Exec(ctx, query,
		m.Wallet,
		nullableTime(m.FirstSeen),
		nullableTime(m.LastSeen),
		m.TotalTxCount,
		m.TotalIn,
		m.TotalOut,
		m.TxCount24h,
		m.TxCount7d,
		m.TxCount30d,
		m.Volume24h,
		m.Volume7d,
		m.Volume30d,
		m.UniquePartners,
		m.BalanceTrend,
		m.UpdatedAt,
	)
	return err
}

// RecordTransfer bumps the running totals for one observed transfer leg.
// direction is the wallet's side of the transfer: "in" or "out".
func (r *MetricsRepository) RecordTransfer(ctx context.Context, wallet string, amount float64, direction string, at time.Time) error {
	inAmount, outAmount := 0.0, 0.0
	if direction == "in" {
		inAmount = amount
	} else {
		outAmount = amount
	}

	query := `
		INSERT INTO wallet_metrics (
			wallet, first_seen, last_seen, total_tx_count, total_in, total_out, updated_at
		) VALUES ($1, $2, $2, 1, $3, $4, NOW())
		ON CONFLICT (wallet) DO UPDATE SET
			first_seen = LEAST(COALESCE(wallet_metrics.first_seen, EXCLUDED.first_seen), EXCLUDED.first_seen),
			last_seen = GREATEST(COALESCE(wallet_metrics.last_seen, EXCLUDED.last_seen), EXCLUDED.last_seen),
			total_tx_count = wallet_metrics.total_tx_count + 1,
			total_in = wallet_metrics.total_in + EXCLUDED.total_in,
			total_out = wallet_metrics.total_out + EXCLUDED.total_out,
			updated_at = NOW()
	`

	_, err := r.db.Pool.Exec(ctx, query, wallet, at, inAmount, outAmount)
	return err
}

// UpdateTrend sets the 7-day balance trend bin.
func (r *MetricsRepository) UpdateTrend(ctx context.Context, wallet, trend string) error {
	query := `
		UPDATE wallet_metrics
		SET balance_trend = $2, updated_at = NOW()
		WHERE wallet = $1
	`

	_, err := r.db.Pool.Exec(ctx, query, wallet, trend)
	return err
}

// UpdatePartnerCount refreshes the distinct-counterparty count.
func (r *MetricsRepository) UpdatePartnerCount(ctx context.Context, wallet string, partners int) error {
	query := `
		UPDATE wallet_metrics
		SET unique_partners = $2, updated_at = NOW()
		WHERE wallet = $1
	`

	_, err := r.db.Pool.Exec(ctx, query, wallet, partners)
	return err
}

// GetActiveWalletCount counts wallets with activity in the last 24 hours.
func (r *MetricsRepository) GetActiveWalletCount(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM wallet_metrics WHERE tx_count_24h > 0`

	var count int
	err := r.db.Pool.QueryRow(ctx, query).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// GetTotalVolume24h sums 24h volume across all wallets.
func (r *MetricsRepository) GetTotalVolume24h(ctx context.Context) (float64, error) {
	query := `SELECT COALESCE(SUM(volume_24h), 0) FROM wallet_metrics`

	var total float64
	err := r.db.Pool.QueryRow(ctx, query).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
