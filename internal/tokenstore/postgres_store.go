package tokenstore

import (
	"context"
	"database/sql"
)

// PostgresStore persists shop tokens in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed token store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the shop_tokens table
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS shop_tokens (
			shop_domain  VARCHAR(255) PRIMARY KEY,
			access_token TEXT NOT NULL,
			created_at   TIMESTAMPTZ DEFAULT NOW(),
			updated_at   TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, shop string) (string, error) {
	var token string
	err := p.db.QueryRowContext(ctx, `
		SELECT access_token FROM shop_tokens WHERE shop_domain = $1
	`, shop).Scan(&token)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

func (p *PostgresStore) Put(ctx context.Context, shop, token string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO shop_tokens (shop_domain, access_token)
		VALUES ($1, $2)
		ON CONFLICT (shop_domain)
		DO UPDATE SET access_token = EXCLUDED.access_token, updated_at = NOW()
	`, shop, token)
	return err
}
