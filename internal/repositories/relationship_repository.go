package repositories

import (
	"context"
	"time"

	"github.com/basetrust/reputation-engine/internal/models"
)

// RelationshipRepository handles the wallet pair graph. Pairs are stored
// once in canonical order (wallet_a < wallet_b); queries union both
// directions.
type RelationshipRepository struct {
	db *Database
}

// NewRelationshipRepository creates a new relationship repository
func NewRelationshipRepository(db *Database) *RelationshipRepository {
	return &RelationshipRepository{db: db}
}

// canonicalPair orders two addresses so (a,b) and (b,a) hit the same row.
func canonicalPair(x, y string) (a, b string, flipped bool) {
	if x < y {
		return x, y, false
	}
	return y, x, true
}

// RecordTransfer upserts the pair row for one observed transfer from
// sender to receiver.
func (r *RelationshipRepository) RecordTransfer(ctx context.Context, sender, receiver string, amount float64, at time.Time) error {
	a, b, flipped := canonicalPair(sender, receiver)

	volAToB, volBToA := amount, 0.0
	if flipped {
		volAToB, volBToA = 0.0, amount
	}

	query := `
		INSERT INTO wallet_relationships (
			wallet_a, wallet_b, volume_a_to_b, volume_b_to_a, tx_count,
			first_interaction, last_interaction
		) VALUES ($1, $2, $3, $4, 1, $5, $5)
		ON CONFLICT (wallet_a, wallet_b) DO UPDATE SET
			volume_a_to_b = wallet_relationships.volume_a_to_b + EXCLUDED.volume_a_to_b,
			volume_b_to_a = wallet_relationships.volume_b_to_a + EXCLUDED.volume_b_to_a,
			tx_count = wallet_relationships.tx_count + 1,
			first_interaction = LEAST(wallet_relationships.first_interaction, EXCLUDED.first_interaction),
			last_interaction = GREATEST(wallet_relationships.last_interaction, EXCLUDED.last_interaction)
	`

	_, err := r.db.Pool.Exec(ctx, query, a, b, volAToB, volBToA, at)
	return err
}

// Partner is a counterparty seen from one wallet's perspective.
type Partner struct {
	Wallet           string
	VolumeOut        float64 // wallet -> partner
	VolumeIn         float64 // partner -> wallet
	TxCount          int
	FirstInteraction time.Time
	LastInteraction  time.Time
}

// TotalVolume is the undirected volume with this partner.
func (p Partner) TotalVolume() float64 {
	return p.VolumeOut + p.VolumeIn
}

// GetPartners returns all counterparties of a wallet ordered by total
// volume, highest first.
func (r *RelationshipRepository) GetPartners(ctx context.Context, wallet string) ([]Partner, error) {
	query := `
		SELECT
			CASE WHEN wallet_a = $1 THEN wallet_b ELSE wallet_a END AS partner,
			CASE WHEN wallet_a = $1 THEN volume_a_to_b ELSE volume_b_to_a END AS volume_out,
			CASE WHEN wallet_a = $1 THEN volume_b_to_a ELSE volume_a_to_b END AS volume_in,
			tx_count,
			first_interaction,
			last_interaction
		FROM wallet_relationships
		WHERE wallet_a = $1 OR wallet_b = $1
		ORDER BY volume_a_to_b + volume_b_to_a DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, wallet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var partners []Partner
	for rows.Next() {
		var p Partner
		if err := rows.Scan(&p.Wallet, &p.VolumeOut, &p.VolumeIn, &p.TxCount, &p.FirstInteraction, &p.LastInteraction); err != nil {
			return nil, err
		}
		partners = append(partners, p)
	}

	return partners, rows.Err()
}

// CountPairsAmong counts relationship rows whose both endpoints are in
// the given set. Feeds the tight-cluster check.
func (r *RelationshipRepository) CountPairsAmong(ctx context.Context, wallets []string) (int, error) {
	if len(wallets) < 2 {
		return 0, nil
	}

	query := `
		SELECT COUNT(*)
		FROM wallet_relationships
		WHERE wallet_a = ANY($1) AND wallet_b = ANY($1)
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, wallets).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// CountPartnerships returns how many distinct counterparties a wallet has.
func (r *RelationshipRepository) CountPartnerships(ctx context.Context, wallet string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM wallet_relationships
		WHERE wallet_a = $1 OR wallet_b = $1
	`

	var count int
	err := r.db.Pool.QueryRow(ctx, query, wallet).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Get returns the pair row between two wallets if one exists.
func (r *RelationshipRepository) Get(ctx context.Context, x, y string) (*models.Relationship, error) {
	a, b, _ := canonicalPair(x, y)

	query := `
		SELECT wallet_a, wallet_b, volume_a_to_b, volume_b_to_a, tx_count,
			   first_interaction, last_interaction
		FROM wallet_relationships
		WHERE wallet_a = $1 AND wallet_b = $2
	`

	rel := &models.Relationship{}
	err := r.db.Pool.QueryRow(ctx, query, a, b).Scan(
		&rel.WalletA,
		&rel.WalletB,
		&rel.VolumeAToB,
		&rel.VolumeBToA,
		&rel.TxCount,
		&rel.FirstInteraction,
		&rel.LastInteraction,
	)
	if err != nil {
		return nil, err
	}
	return rel, nil
}
