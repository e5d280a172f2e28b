package protection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/execguard/execguard/internal/detector"
)

// PostgresStore persists protection rules in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed rule store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Put(ctx context.Context, rule *Rule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO protection_rules
			(id, attack_type, active, slippage_tolerance_bps, max_price_impact_bps, min_delay_ms, fee_multiplier, exempt_addresses, require_bundle, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO UPDATE SET
			attack_type = EXCLUDED.attack_type,
			active = EXCLUDED.active,
			slippage_tolerance_bps = EXCLUDED.slippage_tolerance_bps,
			max_price_impact_bps = EXCLUDED.max_price_impact_bps,
			min_delay_ms = EXCLUDED.min_delay_ms,
			fee_multiplier = EXCLUDED.fee_multiplier,
			exempt_addresses = EXCLUDED.exempt_addresses,
			require_bundle = EXCLUDED.require_bundle,
			updated_at = NOW()`,
		rule.ID, string(rule.AttackType), rule.Active, rule.SlippageToleranceBps,
		rule.MaxPriceImpactBps, rule.MinDelayMs, rule.FeeMultiplier,
		pq.Array(rule.ExemptAddresses), rule.RequireBundle)
	if err != nil {
		return fmt.Errorf("put protection rule: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, attack_type, active, slippage_tolerance_bps, max_price_impact_bps, min_delay_ms, fee_multiplier, exempt_addresses, require_bundle, updated_at
		FROM protection_rules WHERE id = $1`, id)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

func (s *PostgresStore) GetByAttackType(ctx context.Context, attackType detector.AttackType) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, attack_type, active, slippage_tolerance_bps, max_price_impact_bps, min_delay_ms, fee_multiplier, exempt_addresses, require_bundle, updated_at
		FROM protection_rules
		WHERE attack_type = $1 AND active = TRUE
		ORDER BY updated_at DESC
		LIMIT 1`, string(attackType))

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM protection_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete protection rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, attack_type, active, slippage_tolerance_bps, max_price_impact_bps, min_delay_ms, fee_multiplier, exempt_addresses, require_bundle, updated_at
		FROM protection_rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list protection rules: %w", err)
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var rule Rule
	var attackType string
	var exempt pq.StringArray
	if err := row.Scan(&rule.ID, &attackType, &rule.Active, &rule.SlippageToleranceBps,
		&rule.MaxPriceImpactBps, &rule.MinDelayMs, &rule.FeeMultiplier,
		&exempt, &rule.RequireBundle, &rule.UpdatedAt); err != nil {
		return nil, err
	}
	rule.AttackType = detector.AttackType(attackType)
	rule.ExemptAddresses = []string(exempt)
	return &rule, nil
}
