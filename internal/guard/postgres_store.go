package guard

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresAuditStore persists the status audit log in PostgreSQL.
type PostgresAuditStore struct {
	db *sql.DB
}

// NewPostgresAuditStore creates a Postgres-backed audit log.
func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

func (s *PostgresAuditStore) Append(ctx context.Context, entry *AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO status_audit (id, from_status, to_status, actor, reason, at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, string(entry.From), string(entry.To), entry.Actor, entry.Reason, entry.At)
	if err != nil {
		return fmt.Errorf("append status audit: %w", err)
	}
	return nil
}

func (s *PostgresAuditStore) List(ctx context.Context, limit int) ([]*AuditEntry, error) {
	query := `
		SELECT id, from_status, to_status, actor, reason, at
		FROM status_audit ORDER BY at DESC, id DESC`
	var args []any
	if limit > 0 {
		args = append(args, limit)
		query += " LIMIT $1"
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list status audit: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var from, to string
		if err := rows.Scan(&entry.ID, &from, &to, &entry.Actor, &entry.Reason, &entry.At); err != nil {
			return nil, err
		}
		entry.From = Status(from)
		entry.To = Status(to)
		out = append(out, &entry)
	}
	return out, rows.Err()
}
