package order

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/lib/pq"

	"github.com/tverne/souk/internal/pagination"
	"github.com/tverne/souk/internal/policy"
)

// PostgresStore persists order data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `hash, bid_hash, buyer, seller, escrow_type, ratio_buyer, ratio_seller,
	item_hashes, status, confirmations, refund_reason, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	confirmations, items := encodeOrder(o)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		o.Hash, o.BidHash, o.Buyer, o.Seller, string(o.EscrowType),
		o.Ratio.Buyer, o.Ratio.Seller, pq.Array(items), string(o.Status),
		confirmations, o.RefundReason, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, hash string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE hash = $1`, hash)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, o *Order) error {
	confirmations, _ := encodeOrder(o)
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, confirmations = $2, refund_reason = $3, updated_at = $4
		WHERE hash = $5`,
		string(o.Status), confirmations, o.RefundReason, o.UpdatedAt, o.Hash,
	)
	if err != nil {
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

func (p *PostgresStore) GetByBid(ctx context.Context, bidHash string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE bid_hash = $1`, bidHash)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return o, err
}

func (p *PostgresStore) ListByParty(ctx context.Context, addr string, limit int, before *pagination.Cursor) ([]*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE (buyer = $1 OR seller = $1)
		ORDER BY created_at DESC, hash DESC
		LIMIT $2`
	args := []interface{}{addr, limit}
	if before != nil {
		query = `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE (buyer = $1 OR seller = $1) AND (created_at, hash) < ($3, $4)
		ORDER BY created_at DESC, hash DESC
		LIMIT $2`
		args = append(args, before.CreatedAt, before.ID)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func encodeOrder(o *Order) (confirmations []byte, items []string) {
	confirmations, _ = json.Marshal(o.Confirmations)
	if o.Confirmations == nil {
		confirmations = []byte("{}")
	}
	items = make([]string, len(o.Items))
	for i, it := range o.Items {
		items[i] = it.ItemHash
	}
	return confirmations, items
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	var escrowType, status string
	var items pq.StringArray
	var confirmations []byte
	err := row.Scan(&o.Hash, &o.BidHash, &o.Buyer, &o.Seller, &escrowType,
		&o.Ratio.Buyer, &o.Ratio.Seller, &items, &status,
		&confirmations, &o.RefundReason, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.EscrowType = policy.EscrowType(escrowType)
	o.Status = policy.OrderStatus(status)
	o.Items = make([]OrderItem, len(items))
	for i, ih := range items {
		o.Items[i] = OrderItem{ItemHash: ih}
	}
	if len(confirmations) > 0 {
		if err := json.Unmarshal(confirmations, &o.Confirmations); err != nil {
			return nil, err
		}
	}
	return &o, nil
}
