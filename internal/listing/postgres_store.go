package listing

import (
	"context"
	"database/sql"

	"github.com/lib/pq"

	"github.com/tverne/souk/internal/pagination"
	"github.com/tverne/souk/internal/policy"
)

// PostgresStore persists listing records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed listing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const listingColumns = `hash, seller, title, escrow_type, ratio_buyer, ratio_seller, image_hashes, received_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, l *Listing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (`+listingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (hash) DO UPDATE SET title = EXCLUDED.title, updated_at = EXCLUDED.updated_at`,
		l.Hash, l.Seller, l.Title, string(l.EscrowType),
		l.Ratio.Buyer, l.Ratio.Seller, pq.Array(l.ImageHashes),
		l.ReceivedAt, l.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, hash string) (*Listing, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+listingColumns+` FROM listings WHERE hash = $1`, hash)
	l, err := scanListing(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return l, err
}

func (p *PostgresStore) ListBySeller(ctx context.Context, seller string, limit int, before *pagination.Cursor) ([]*Listing, error) {
	query := `
		SELECT ` + listingColumns + `
		FROM listings
		WHERE seller = $1
		ORDER BY received_at DESC, hash DESC
		LIMIT $2`
	args := []interface{}{seller, limit}
	if before != nil {
		query = `
		SELECT ` + listingColumns + `
		FROM listings
		WHERE seller = $1 AND (received_at, hash) < ($3, $4)
		ORDER BY received_at DESC, hash DESC
		LIMIT $2`
		args = append(args, before.CreatedAt, before.ID)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*Listing, error) {
	var l Listing
	var escrowType string
	var images pq.StringArray
	err := row.Scan(
		&l.Hash, &l.Seller, &l.Title, &escrowType,
		&l.Ratio.Buyer, &l.Ratio.Seller, &images,
		&l.ReceivedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.EscrowType = policy.EscrowType(escrowType)
	l.ImageHashes = images
	return &l, nil
}
