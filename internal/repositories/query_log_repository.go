package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/basetrust/reputation-engine/internal/models"
)

// QueryLogRepository records score lookups. Paid entries feed the outcome
// matcher; per-target counts feed the confidence and gaming signals.
type QueryLogRepository struct {
	db *Database
}

// NewQueryLogRepository creates a new query log repository
func NewQueryLogRepository(db *Database) *QueryLogRepository {
	return &QueryLogRepository{db: db}
}

// Create inserts one lookup entry.
func (r *QueryLogRepository) Create(ctx context.Context, entry *models.QueryLogEntry) error {
	query := `
		INSERT INTO query_log (id, requester, target_wallet, endpoint, paid, dimensions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	dimensionsBytes, _ := entry.Dimensions.Value()

	_, err := r.db.Pool.Exec(ctx, query,
		entry.ID,
		entry.Requester,
		entry.TargetWallet,
		entry.Endpoint,
		entry.Paid,
		dimensionsBytes,
		entry.CreatedAt,
	)
	return err
}

// CreateBatch inserts multiple lookup entries in a batch.
func (r *QueryLogRepository) CreateBatch(ctx context.Context, entries []*models.QueryLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO query_log (id, requester, target_wallet, endpoint, paid, dimensions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	for _, entry := range entries {
		if entry.ID == uuid.Nil {
			entry.ID = uuid.New()
		}
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now()
		}
		dimensionsBytes, _ := entry.Dimensions.Value()

		batch.Queue(query,
			entry.ID,
			entry.Requester,
			entry.TargetWallet,
			entry.Endpoint,
			entry.Paid,
			dimensionsBytes,
			entry.CreatedAt,
		)
	}

	br := r.db.Pool.SendBatch(ctx, batch)
	defer br.Close()

	for range entries {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}

	return nil
}

// CountForTargetSince counts lookups against a target wallet after since.
// Feeds the prior-query confidence signal and the deposit_and_score check.
func (r *QueryLogRepository) CountForTargetSince(ctx context.Context, wallet string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM query_log
		WHERE target_wallet = $1 AND created_at >= $2
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, wallet, since).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// CountByRequesterToday counts a requester's lookups since UTC midnight.
// Backs the free daily limit.
func (r *QueryLogRepository) CountByRequesterToday(ctx context.Context, requester string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM query_log
		WHERE requester = $1 AND created_at >= date_trunc('day', NOW() AT TIME ZONE 'utc')
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, requester).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// GetPaidWithoutOutcome returns paid lookups created within the
// observation window that have no outcome row yet, oldest first.
func (r *QueryLogRepository) GetPaidWithoutOutcome(ctx context.Context, windowDays, limit int) ([]*models.QueryLogEntry, error) {
	query := `
		SELECT q.id, q.requester, q.target_wallet, q.endpoint, q.paid, q.dimensions, q.created_at
		FROM query_log q
		LEFT JOIN score_outcomes o ON o.query_id = q.id
		WHERE q.paid
		  AND q.created_at >= NOW() - ($1::text || ' days')::interval
		  AND o.id IS NULL
		ORDER BY q.created_at ASC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, windowDays, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.QueryLogEntry
	for rows.Next() {
		entry := &models.QueryLogEntry{}
		var dimensionsBytes []byte

		if err := rows.Scan(
			&entry.ID,
			&entry.Requester,
			&entry.TargetWallet,
			&entry.Endpoint,
			&entry.Paid,
			&dimensionsBytes,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}

		entry.Dimensions.Scan(dimensionsBytes)
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// GetHourlyVolume returns lookup counts per UTC hour for one day.
func (r *QueryLogRepository) GetHourlyVolume(ctx context.Context, date time.Time) (map[int]int, error) {
	startOfDay := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	endOfDay := startOfDay.Add(24 * time.Hour)

	query := `
		SELECT EXTRACT(HOUR FROM created_at)::int AS hour, COUNT(*)
		FROM query_log
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY EXTRACT(HOUR FROM created_at)
		ORDER BY hour
	`

	rows, err := r.db.Pool.Query(ctx, query, startOfDay, endOfDay)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	volumes := make(map[int]int)
	for rows.Next() {
		var hour, count int
		if err := rows.Scan(&hour, &count); err != nil {
			return nil, err
		}
		volumes[hour] = count
	}

	return volumes, rows.Err()
}
