package permit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists executor authorization, nonces, and the spent set.
// The spent-permit table's primary key makes replay immunity durable across
// restarts: a second insert of the same hash fails at the database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed permit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Authorize(ctx context.Context, executor string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorized_executors (address, authorized_at)
		VALUES ($1, NOW())
		ON CONFLICT (address) DO NOTHING
	`, strings.ToLower(executor))
	return err
}

func (s *PostgresStore) Revoke(ctx context.Context, executor string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM authorized_executors WHERE address = $1
	`, strings.ToLower(executor))
	return err
}

func (s *PostgresStore) IsAuthorized(ctx context.Context, executor string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM authorized_executors WHERE address = $1)
	`, strings.ToLower(executor)).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) ListAuthorized(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address FROM authorized_executors ORDER BY address
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		result = append(result, addr)
	}
	return result, rows.Err()
}

func (s *PostgresStore) NextNonce(ctx context.Context, executor string) (uint64, error) {
	var nonce int64
	err := s.db.QueryRowContext(ctx, `
		SELECT next_nonce FROM executor_nonces WHERE address = $1
	`, strings.ToLower(executor)).Scan(&nonce)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(nonce), nil
}

func (s *PostgresStore) IncrementNonce(ctx context.Context, executor string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executor_nonces (address, next_nonce)
		VALUES ($1, 1)
		ON CONFLICT (address) DO UPDATE SET next_nonce = executor_nonces.next_nonce + 1
	`, strings.ToLower(executor))
	return err
}

func (s *PostgresStore) MarkSpent(ctx context.Context, hash string, spentAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO spent_permits (permit_hash, spent_at) VALUES ($1, $2)
	`, hash, spentAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("permit hash %s already spent", hash)
		}
		return err
	}
	return nil
}

func (s *PostgresStore) IsSpent(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM spent_permits WHERE permit_hash = $1)
	`, hash).Scan(&exists)
	return exists, err
}
