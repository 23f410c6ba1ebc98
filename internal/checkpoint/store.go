// Package checkpoint persists the per-account sync cursor. This is the only
// durable state this service owns.
package checkpoint

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store holds sync checkpoints and the dispatch audit log.
type Store struct {
	db *sql.DB
}

// Dispatched is one row of the dispatch audit log.
type Dispatched struct {
	AccountID      string
	MessageID      string
	IdempotencyKey string
	DispatchedAt   time.Time
}

// Open opens or creates the checkpoint database.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable, used by the dependency probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Load returns the stored cursor for an account, or "" when the account has
// never completed a sync.
func (s *Store) Load(ctx context.Context, accountID string) (string, error) {
	var cursor sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT cursor FROM sync_checkpoints WHERE account_id = ?
	`, accountID).Scan(&cursor)

	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to load checkpoint: %w", err)
	}

	return cursor.String, nil
}

// Save upserts the cursor for an account. Callers hold the per-account lock,
// so the read-modify-write is already serialized above this layer.
func (s *Store) Save(ctx context.Context, accountID, cursor string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_checkpoints (account_id, cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			cursor = excluded.cursor,
			updated_at = excluded.updated_at
	`, accountID, cursor, time.Now().Unix())

	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return nil
}

// RecordDispatch appends a row to the dispatch audit log. Re-dispatches of
// the same message are collapsed by the UNIQUE constraint.
func (s *Store) RecordDispatch(ctx context.Context, accountID, messageID, idempotencyKey string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO dispatch_log (account_id, message_id, idempotency_key, dispatched_at)
		VALUES (?, ?, ?, ?)
	`, accountID, messageID, idempotencyKey, time.Now().Unix())

	if err != nil {
		return fmt.Errorf("failed to record dispatch: %w", err)
	}

	return nil
}

// RecentDispatches lists the latest audit rows for an account, newest first.
func (s *Store) RecentDispatches(ctx context.Context, accountID string, limit int) ([]Dispatched, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, message_id, idempotency_key, dispatched_at
		FROM dispatch_log
		WHERE account_id = ?
		ORDER BY dispatched_at DESC, id DESC
		LIMIT ?
	`, accountID, limit)

	if err != nil {
		return nil, fmt.Errorf("failed to query dispatch log: %w", err)
	}
	defer rows.Close()

	var out []Dispatched
	for rows.Next() {
		var d Dispatched
		var ts int64
		if err := rows.Scan(&d.AccountID, &d.MessageID, &d.IdempotencyKey, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan dispatch row: %w", err)
		}
		d.DispatchedAt = time.Unix(ts, 0)
		out = append(out, d)
	}

	return out, rows.Err()
}
