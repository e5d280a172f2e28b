package reputation

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PostgresStore persists reputation data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed reputation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) UpsertInternal(ctx context.Context, entry *Entry) error {
	updatedAt := entry.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reputation_entries (address, source, risk_score, reason, active, expires_at, offenses, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
		ON CONFLICT (address) DO UPDATE SET
			source = EXCLUDED.source,
			risk_score = EXCLUDED.risk_score,
			reason = EXCLUDED.reason,
			active = EXCLUDED.active,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`, strings.ToLower(entry.Address), entry.Source, entry.RiskScore, entry.Reason,
		entry.Active, entry.ExpiresAt, updatedAt)
	return err
}

func (s *PostgresStore) GetInternal(ctx context.Context, address string) (*Entry, error) {
	entry := &Entry{}
	err := s.db.QueryRowContext(ctx, `
		SELECT address, source, risk_score, COALESCE(reason, ''), active, expires_at, offenses, updated_at
		FROM reputation_entries WHERE address = $1
	`, strings.ToLower(address)).Scan(&entry.Address, &entry.Source, &entry.RiskScore,
		&entry.Reason, &entry.Active, &entry.ExpiresAt, &entry.Offenses, &entry.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *PostgresStore) DeactivateInternal(ctx context.Context, address string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reputation_entries SET active = FALSE, updated_at = NOW() WHERE address = $1
	`, strings.ToLower(address))
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) IncrementOffenses(ctx context.Context, address string) (int, error) {
	var offenses int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO reputation_entries (address, source, risk_score, reason, active, offenses, updated_at)
		VALUES ($1, $2, 0, '', FALSE, 1, NOW())
		ON CONFLICT (address) DO UPDATE SET offenses = reputation_entries.offenses + 1
		RETURNING offenses
	`, strings.ToLower(address), InternalSource).Scan(&offenses)
	return offenses, err
}

func (s *PostgresStore) ListInternal(ctx context.Context) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, source, risk_score, COALESCE(reason, ''), active, expires_at, offenses, updated_at
		FROM reputation_entries ORDER BY address
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		entry := &Entry{}
		if err := rows.Scan(&entry.Address, &entry.Source, &entry.RiskScore, &entry.Reason,
			&entry.Active, &entry.ExpiresAt, &entry.Offenses, &entry.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

// ReplaceSource swaps a source's whole address set in one transaction.
func (s *PostgresStore) ReplaceSource(ctx context.Context, source string, addresses []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reputation_sources (name, enabled, updated_at)
		VALUES ($1, TRUE, NOW())
		ON CONFLICT (name) DO UPDATE SET updated_at = NOW()
	`, source); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM reputation_source_addresses WHERE source = $1
	`, source); err != nil {
		return err
	}

	for _, addr := range addresses {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reputation_source_addresses (source, address)
			VALUES ($1, $2) ON CONFLICT DO NOTHING
		`, source, strings.ToLower(addr)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) SetSourceEnabled(ctx context.Context, source string, enabled bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reputation_sources SET enabled = $2 WHERE name = $1
	`, source, enabled)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrUnknownSource
	}
	return nil
}

func (s *PostgresStore) Sources(ctx context.Context) ([]*SourceInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.name, s.enabled, COUNT(a.address), s.updated_at
		FROM reputation_sources s
		LEFT JOIN reputation_source_addresses a ON a.source = s.name
		GROUP BY s.name, s.enabled, s.updated_at
		ORDER BY s.name
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*SourceInfo
	for rows.Next() {
		info := &SourceInfo{}
		if err := rows.Scan(&info.Name, &info.Enabled, &info.Addresses, &info.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, info)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SourceFlags(ctx context.Context, address string) ([]Flag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.source FROM reputation_source_addresses a
		JOIN reputation_sources s ON s.name = a.source
		WHERE a.address = $1 AND s.enabled
		ORDER BY a.source
	`, strings.ToLower(address))
	if err != nil {
		return nil, fmt.Errorf("source flags: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var flags []Flag
	for rows.Next() {
		var source string
		if err := rows.Scan(&source); err != nil {
			return nil, err
		}
		flags = append(flags, Flag{Source: source, Reason: "listed by external source"})
	}
	return flags, rows.Err()
}
