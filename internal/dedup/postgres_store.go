package dedup

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists dedup records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dedup store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Claim relies on the (msg_id, nonce) primary key: ON CONFLICT DO NOTHING
// makes the insert first-writer-wins, so concurrent claims of the same pair
// resolve inside Postgres without an explicit transaction.
func (p *PostgresStore) Claim(ctx context.Context, msgID, nonce string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO dedup_records (msg_id, nonce, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (msg_id, nonce) DO NOTHING`,
		msgID, nonce, at,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *PostgresStore) IsDuplicate(ctx context.Context, msgID, nonce string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM dedup_records WHERE msg_id = $1 AND nonce = $2)`,
		msgID, nonce,
	).Scan(&exists)
	return exists, err
}
