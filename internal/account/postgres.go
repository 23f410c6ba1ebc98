package account

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore reads accounts from the shared onboarding database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the onboarding database.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// LookupByAddress finds the account owning a primary address. Addresses are
// normalized to lowercase before comparison, matching how onboarding
// stores them.
func (s *PostgresStore) LookupByAddress(ctx context.Context, address string) (*Account, error) {
	address = strings.ToLower(strings.TrimSpace(address))

	var acct Account
	err := s.pool.QueryRow(ctx, `
		SELECT p.id, p.primary_email, c.platform_id, c.credential_blob
		FROM persons p
		JOIN oauth_credentials c ON c.person_id = p.id
		WHERE p.primary_email = $1
	`, address).Scan(&acct.ID, &acct.PrimaryAddress, &acct.PlatformID, &acct.Credential)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up account: %w", err)
	}

	return &acct, nil
}

// Ping verifies the database connection, used by the dependency probe.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
