package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/tverne/souk/internal/events"
)

// PostgresStore persists webhook subscriptions in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed webhook store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subColumns = `id, address, url, secret, kinds, active, created_at, last_success, last_error, consecutive_failures`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	kindsJSON, err := json.Marshal(sub.Kinds)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, address, url, secret, kinds, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sub.ID, sub.Address, sub.URL, sub.Secret, kindsJSON, sub.Active, sub.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+subColumns+` FROM webhook_subscriptions WHERE id = $1
	`, id)
	return scanSubscription(row)
}

func (p *PostgresStore) GetByAddress(ctx context.Context, address string) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subColumns+` FROM webhook_subscriptions
		WHERE address = $1 ORDER BY created_at DESC
	`, address)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSubscriptions(rows)
}

func (p *PostgresStore) GetByKind(ctx context.Context, kind events.Kind) ([]*Subscription, error) {
	// Use json.Marshal to safely encode the kind for the JSONB containment query
	kindsJSON, _ := json.Marshal([]string{string(kind)})

	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subColumns+` FROM webhook_subscriptions
		WHERE active = TRUE AND kinds @> $1::jsonb
	`, string(kindsJSON))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanSubscriptions(rows)
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions SET
			active = $1,
			last_success = $2,
			last_error = $3,
			consecutive_failures = $4
		WHERE id = $5
	`, sub.Active, sub.LastSuccess, sub.LastError, sub.ConsecutiveFailures, sub.ID)
	return err
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	return err
}

func scanSubscription(row *sql.Row) (*Subscription, error) {
	sub := &Subscription{}
	var kindsJSON []byte
	var lastSuccess sql.NullTime
	var lastError sql.NullString

	err := row.Scan(
		&sub.ID, &sub.Address, &sub.URL, &sub.Secret, &kindsJSON,
		&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError, &sub.ConsecutiveFailures,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(kindsJSON, &sub.Kinds); err != nil {
		return nil, err
	}
	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	sub.LastError = lastError.String
	return sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		sub := &Subscription{}
		var kindsJSON []byte
		var lastSuccess sql.NullTime
		var lastError sql.NullString

		if err := rows.Scan(
			&sub.ID, &sub.Address, &sub.URL, &sub.Secret, &kindsJSON,
			&sub.Active, &sub.CreatedAt, &lastSuccess, &lastError, &sub.ConsecutiveFailures,
		); err != nil {
			return nil, err
		}

		if err := json.Unmarshal(kindsJSON, &sub.Kinds); err != nil {
			return nil, err
		}
		if lastSuccess.Valid {
			sub.LastSuccess = &lastSuccess.Time
		}
		sub.LastError = lastError.String

		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
