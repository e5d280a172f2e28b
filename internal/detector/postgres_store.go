package detector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// PostgresStore persists the attack ledger in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed attack ledger.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, rec *AttackRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attack_records
			(id, attack_type, attacker, victim, asset, block, value_extracted_usd, risk, mitigated, description, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, string(rec.Type), rec.Attacker, rec.Victim, rec.Asset, int64(rec.Block),
		rec.ValueExtractedUSD, string(rec.Risk), rec.Mitigated, rec.Description, rec.DetectedAt)
	if err != nil {
		return fmt.Errorf("append attack record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*AttackRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, attack_type, attacker, victim, asset, block, value_extracted_usd, risk, mitigated, description, detected_at
		FROM attack_records WHERE id = $1`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) MarkMitigated(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attack_records SET mitigated = TRUE WHERE id = $1 AND mitigated = FALSE`, id)
	if err != nil {
		return false, fmt.Errorf("mark mitigated: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return false, nil
	}

	// No row flipped: either already mitigated or missing.
	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM attack_records WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("mark mitigated: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return true, nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*AttackRecord, error) {
	query := `
		SELECT id, attack_type, attacker, victim, asset, block, value_extracted_usd, risk, mitigated, description, detected_at
		FROM attack_records WHERE 1=1`
	var args []any

	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += fmt.Sprintf(" AND attack_type = $%d", len(args))
	}
	if filter.Attacker != "" {
		args = append(args, strings.ToLower(filter.Attacker))
		query += fmt.Sprintf(" AND attacker = $%d", len(args))
	}
	if filter.Mitigated != nil {
		args = append(args, *filter.Mitigated)
		query += fmt.Sprintf(" AND mitigated = $%d", len(args))
	}
	if filter.Cursor != nil {
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		query += fmt.Sprintf(" AND (detected_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	query += " ORDER BY detected_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attack records: %w", err)
	}
	defer rows.Close()

	var out []*AttackRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*AttackRecord, error) {
	var rec AttackRecord
	var attackType, risk string
	var block int64
	if err := row.Scan(&rec.ID, &attackType, &rec.Attacker, &rec.Victim, &rec.Asset, &block,
		&rec.ValueExtractedUSD, &risk, &rec.Mitigated, &rec.Description, &rec.DetectedAt); err != nil {
		return nil, err
	}
	rec.Type = AttackType(attackType)
	rec.Risk = RiskLevel(risk)
	rec.Block = uint64(block)
	return &rec, nil
}
