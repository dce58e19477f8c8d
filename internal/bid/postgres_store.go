package bid

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/tverne/souk/internal/pagination"
	"github.com/tverne/souk/internal/protocol"
)

// PostgresStore persists bid data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed bid store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const bidColumns = `hash, listing_hash, bidder, data, status, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, b *Bid) error {
	dataJSON, _ := json.Marshal(b.Data)
	if b.Data == nil {
		dataJSON = []byte("{}")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bids (`+bidColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		b.Hash, b.ListingHash, b.Bidder, dataJSON, string(b.Status), b.CreatedAt, b.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, hash string) (*Bid, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bidColumns+` FROM bids WHERE hash = $1`, hash)
	b, err := scanBid(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return b, err
}

func (p *PostgresStore) Update(ctx context.Context, b *Bid) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE bids SET status = $1, updated_at = $2 WHERE hash = $3`,
		string(b.Status), b.UpdatedAt, b.Hash,
	)
	if err != nil {
		// The partial unique index on accepted bids turns a lost accept race
		// into a unique violation; report it as a refused transition rather
		// than a bare driver error.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: listing %s already has an accepted bid",
				protocol.ErrInvalidTransition, b.ListingHash)
		}
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAcceptedByListing leans on the partial unique index over
// (listing_hash) WHERE status = 'ACCEPTED', which also enforces the
// one-accepted-bid-per-listing invariant at the storage layer.
func (p *PostgresStore) GetAcceptedByListing(ctx context.Context, listingHash string) (*Bid, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+bidColumns+` FROM bids WHERE listing_hash = $1 AND status = 'ACCEPTED'`,
		listingHash)
	b, err := scanBid(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return b, err
}

func (p *PostgresStore) ListByListing(ctx context.Context, listingHash string, limit int, before *pagination.Cursor) ([]*Bid, error) {
	query := `
		SELECT ` + bidColumns + `
		FROM bids
		WHERE listing_hash = $1
		ORDER BY created_at DESC, hash DESC
		LIMIT $2`
	args := []interface{}{listingHash, limit}
	if before != nil {
		query = `
		SELECT ` + bidColumns + `
		FROM bids
		WHERE listing_hash = $1 AND (created_at, hash) < ($3, $4)
		ORDER BY created_at DESC, hash DESC
		LIMIT $2`
		args = append(args, before.CreatedAt, before.ID)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBid(row rowScanner) (*Bid, error) {
	var b Bid
	var status string
	var dataJSON []byte
	err := row.Scan(&b.Hash, &b.ListingHash, &b.Bidder, &dataJSON, &status, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.Status = Status(status)
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &b.Data); err != nil {
			return nil, err
		}
	}
	return &b, nil
}
