package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/basetrust/reputation-engine/internal/models"
)

// EconomyRepository handles hourly ecosystem aggregates.
type EconomyRepository struct {
	db *Database
}

// NewEconomyRepository creates a new economy metrics repository
func NewEconomyRepository(db *Database) *EconomyRepository {
	return &EconomyRepository{db: db}
}

// UpsertHourly writes the aggregate for an hour bucket. Rerunning the
// refresh job within the same hour overwrites rather than duplicates.
func (r *EconomyRepository) UpsertHourly(ctx context.Context, m *models.EconomyMetrics) error {
	query := `
		INSERT INTO economy_metrics (
			id, hour_bucket, wallets_scored, avg_score, median_score,
			total_volume_24h, active_wallets
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (hour_bucket) DO UPDATE SET
			wallets_scored = EXCLUDED.wallets_scored,
			avg_score = EXCLUDED.avg_score,
			median_score = EXCLUDED.median_score,
			total_volume_24h = EXCLUDED.total_volume_24h,
			active_wallets = EXCLUDED.active_wallets
	`

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.HourBucket = m.HourBucket.Truncate(time.Hour)

	_, err := r.db.Pool.Exec(ctx, query,
		m.ID,
		m.HourBucket,
		m.WalletsScored,
		m.AvgScore,
		m.MedianScore,
		m.TotalVolume24h,
		m.ActiveWallets,
	)
	return err
}

// GetRecent returns the latest hourly aggregates, newest first.
func (r *EconomyRepository) GetRecent(ctx context.Context, limit int) ([]*models.EconomyMetrics, error) {
	query := `
		SELECT id, hour_bucket, wallets_scored, avg_score, median_score,
			   total_volume_24h, active_wallets
		FROM economy_metrics
		ORDER BY hour_bucket DESC
		LIMIT $1
	`

	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanMetrics(rows)
}

func (r *EconomyRepository) scanMetrics(rows pgx.Rows) ([]*models.EconomyMetrics, error) {
	var metrics []*models.EconomyMetrics
	for rows.Next() {
		m := &models.EconomyMetrics{}
		if err := rows.Scan(
			&m.ID,
			&m.HourBucket,
			&m.WalletsScored,
			&m.AvgScore,
			&m.MedianScore,
			&m.TotalVolume24h,
			&m.ActiveWallets,
		); err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// AnomalyRepository handles anomaly detections.
type AnomalyRepository struct {
	db *Database
}

// NewAnomalyRepository creates a new anomaly repository
func NewAnomalyRepository(db *Database) *AnomalyRepository {
	return &AnomalyRepository{db: db}
}

// CreateBatch inserts detections in a batch.
func (r *AnomalyRepository) CreateBatch(ctx context.Context, events []*models.AnomalyEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO anomaly_events (id, wallet, anomaly_type, details, detected_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	for _, e := range events {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.DetectedAt.IsZero() {
			e.DetectedAt = time.Now()
		}
		detailsBytes, _ := e.Details.Value()

		batch.Queue(query, e.ID, e.Wallet, e.AnomalyType, detailsBytes, e.DetectedAt)
	}

	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()

	for range events {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}

	return nil
}

// GetRecent returns the latest detections, newest first.
func (r *AnomalyRepository) GetRecent(ctx context.Context, limit int) ([]*models.AnomalyEvent, error) {
	query := `
		SELECT id, wallet, anomaly_type, details, detected_at
		FROM anomaly_events
		ORDER BY detected_at DESC
		LIMIT $1
	`

	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.AnomalyEvent
	for rows.Next() {
		e := &models.AnomalyEvent{}
		var detailsBytes []byte
		if err := rows.Scan(&e.ID, &e.Wallet, &e.AnomalyType, &detailsBytes, &e.DetectedAt); err != nil {
			return nil, err
		}
		e.Details.Scan(detailsBytes)
		events = append(events, e)
	}

	return events, rows.Err()
}
