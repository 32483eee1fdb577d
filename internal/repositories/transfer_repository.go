package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/basetrust/reputation-engine/internal/models"
)

var (
	ErrTransferNotFound = errors.New("transfer not found")
)

// TransferRepository handles raw transfer database operations.
type TransferRepository struct {
	db *Database
}

// NewTransferRepository creates a new transfer repository
func NewTransferRepository(db *Database) *TransferRepository {
	return &TransferRepository{db: db}
}

// InsertBatch inserts transfers idempotently: rows whose tx_hash already
// exists are skipped, so replaying an indexer batch changes nothing.
// Returns the number of rows actually inserted.
func (r *TransferRepository) InsertBatch(ctx context.Context, transfers []*models.RawTransfer) (int, error) {
	if len(transfers) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO raw_transfers (tx_hash, block_number, from_address, to_address, amount, transferred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tx_hash) DO NOTHING
	`

	for _, t := range transfers {
		batch.Queue(query,
			t.TxHash,
			t.BlockNumber,
			t.FromAddress,
			t.ToAddress,
			t.Amount,
			t.TransferredAt,
		)
	}

	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range transfers {
		tag, err := br.Exec()
		if err != nil {
			return inserted, err
		}
		inserted += int(tag.RowsAffected())
	}

	return inserted, nil
}

// ActivityWindows are per-wallet transfer counts over the gaming
// detector's time windows, all anchored at now.
type ActivityWindows struct {
	TxCountLastHour int
	TxCount24h      int
	TxCount7d       int
	TxCount30d      int
	// BurstWindowCount counts transfers in the hour-aligned window from
	// 24h before now up to 1h before now.
	BurstWindowCount int
}

// GetActivityWindows computes the windowed counts in one aggregate pass.
func (r *TransferRepository) GetActivityWindows(ctx context.Context, wallet string) (*ActivityWindows, error) {
	query := `
		SELECT
			COUNT(CASE WHEN transferred_at >= NOW() - INTERVAL '1 hour' THEN 1 END),
			COUNT(CASE WHEN transferred_at >= NOW() - INTERVAL '24 hours' THEN 1 END),
			COUNT(CASE WHEN transferred_at >= NOW() - INTERVAL '7 days' THEN 1 END),
			COUNT(CASE WHEN transferred_at >= NOW() - INTERVAL '30 days' THEN 1 END),
			COUNT(CASE WHEN transferred_at >= NOW() - INTERVAL '24 hours'
					AND transferred_at < NOW() - INTERVAL '1 hour' THEN 1 END)
		FROM raw_transfers
		WHERE from_address = $1 OR to_address = $1
	`

	w := &ActivityWindows{}
	err := r.db.Pool.QueryRow(ctx, query, wallet).Scan(
		&w.TxCountLastHour,
		&w.TxCount24h,
		&w.TxCount7d,
		&w.TxCount30d,
		&w.BurstWindowCount,
	)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// PartnerVolume is the directed volume between the wallet and one
// counterparty over a window.
type PartnerVolume struct {
	Partner  string
	Sent     float64
	Received float64
}

// GetPartnerVolumes returns per-counterparty sent/received volume over the
// last windowDays days. Feeds the wash-trading ratio.
func (r *TransferRepository) GetPartnerVolumes(ctx context.Context, wallet string, windowDays int) ([]PartnerVolume, error) {
	query := `
		SELECT partner,
			   COALESCE(SUM(sent), 0),
			   COALESCE(SUM(received), 0)
		FROM (
			SELECT to_address AS partner, amount AS sent, 0::float8 AS received
			FROM raw_transfers
			WHERE from_address = $1 AND transferred_at >= NOW() - ($2::text || ' days')::interval
			UNION ALL
			SELECT from_address AS partner, 0::float8 AS sent, amount AS received
			FROM raw_transfers
			WHERE to_address = $1 AND transferred_at >= NOW() - ($2::text || ' days')::interval
		) t
		GROUP BY partner
		ORDER BY SUM(sent) + SUM(received) DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, wallet, windowDays)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var volumes []PartnerVolume
	for rows.Next() {
		var v PartnerVolume
		if err := rows.Scan(&v.Partner, &v.Sent, &v.Received); err != nil {
			return nil, err
		}
		volumes = append(volumes, v)
	}

	return volumes, rows.Err()
}

// GetEarliestInboundSender returns the sender of the wallet's first
// inbound transfer, or ErrTransferNotFound when none exists.
func (r *TransferRepository) GetEarliestInboundSender(ctx context.Context, wallet string) (string, error) {
	query := `
		SELECT from_address
		FROM raw_transfers
		WHERE to_address = $1
		ORDER BY transferred_at ASC, block_number ASC
		LIMIT 1
	`

	var sender string
	err := r.db.Pool.QueryRow(ctx, query, wallet).Scan(&sender)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrTransferNotFound
		}
		return "", err
	}
	return sender, nil
}

// CountTransfersBetween counts transfers in either direction between two
// wallets after the given time. The outcome matcher uses it to label
// paid lookups.
func (r *TransferRepository) CountTransfersBetween(ctx context.Context, walletA, walletB string, after time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM raw_transfers
		WHERE ((from_address = $1 AND to_address = $2) OR (from_address = $2 AND to_address = $1))
		  AND transferred_at > $3
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, walletA, walletB, after).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// InboundServiceCount counts distinct counterparties that paid the wallet
// at least minTransfers times within windowDays. Proxy for active
// service relationships.
func (r *TransferRepository) InboundServiceCount(ctx context.Context, wallet string, windowDays, minTransfers int) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM (
			SELECT from_address
			FROM raw_transfers
			WHERE to_address = $1 AND transferred_at >= NOW() - ($2::text || ' days')::interval
			GROUP BY from_address
			HAVING COUNT(*) >= $3
		) t
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, wallet, windowDays, minTransfers).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// WalletAggregates are the full-history aggregates used to rebuild a
// wallet_metrics row.
type WalletAggregates struct {
	FirstSeen    *time.Time
	LastSeen     *time.Time
	TotalTxCount int
	TotalIn      float64
	TotalOut     float64
	TxCount24h   int
	TxCount7d    int
	TxCount30d   int
	Volume24h    float64
	Volume7d     float64
	Volume30d    float64
}

// GetWalletAggregates recomputes per-wallet aggregates from raw transfers.
func (r *TransferRepository) GetWalletAggregates(ctx context.Context, wallet string) (*WalletAggregates, error) {
	query := `
		SELECT
			MIN(transferred_at),
			MAX(transferred_at),
			COUNT(*),
			COALESCE(SUM(CASE WHEN to_address = $1 THEN amount END), 0),
			COALESCE(SUM(CASE WHEN from_address = $1 THEN amount END), 0),
			COUNT(CASE WHEN transferred_at >= NOW() - INTERVAL '24 hours' THEN 1 END),
			COUNT(CASE WHEN transferred_at >= NOW() - INTERVAL '7 days' THEN 1 END),
			COUNT(CASE WHEN transferred_at >= NOW() - INTERVAL '30 days' THEN 1 END),
			COALESCE(SUM(CASE WHEN transferred_at >= NOW() - INTERVAL '24 hours' THEN amount END), 0),
			COALESCE(SUM(CASE WHEN transferred_at >= NOW() - INTERVAL '7 days' THEN amount END), 0),
			COALESCE(SUM(CASE WHEN transferred_at >= NOW() - INTERVAL '30 days' THEN amount END), 0)
		FROM raw_transfers
		WHERE from_address = $1 OR to_address = $1
	`

	agg := &WalletAggregates{}
	err := r.db.Pool.QueryRow(ctx, query, wallet).Scan(
		&agg.FirstSeen,
		&agg.LastSeen,
		&agg.TotalTxCount,
		&agg.TotalIn,
		&agg.TotalOut,
		&agg.TxCount24h,
		&agg.TxCount7d,
		&agg.TxCount30d,
		&agg.Volume24h,
		&agg.Volume7d,
		&agg.Volume30d,
	)
	if err != nil {
		return nil, err
	}
	return agg, nil
}

// GetTransferTimestamps returns the most recent transfer timestamps for a
// wallet, oldest first, capped at limit.
func (r *TransferRepository) GetTransferTimestamps(ctx context.Context, wallet string, limit int) ([]time.Time, error) {
	query := `
		SELECT transferred_at
		FROM (
			SELECT transferred_at
			FROM raw_transfers
			WHERE from_address = $1 OR to_address = $1
			ORDER BY transferred_at DESC
			LIMIT $2
		) t
		ORDER BY transferred_at ASC
	`

	rows, err := r.db.Pool.Query(ctx, query, wallet, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timestamps []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		timestamps = append(timestamps, ts)
	}

	return timestamps, rows.Err()
}
