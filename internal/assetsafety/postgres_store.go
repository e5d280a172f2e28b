package assetsafety

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// PostgresStore persists asset safety verdicts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed verdict store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Put(ctx context.Context, v *Verdict) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO asset_safety_verdicts
			(asset, tier, buy_cost_pct, sell_cost_pct, can_fully_exit, transfer_caps, evaluated_at, valid_for_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (asset) DO UPDATE SET
			tier = EXCLUDED.tier,
			buy_cost_pct = EXCLUDED.buy_cost_pct,
			sell_cost_pct = EXCLUDED.sell_cost_pct,
			can_fully_exit = EXCLUDED.can_fully_exit,
			transfer_caps = EXCLUDED.transfer_caps,
			evaluated_at = EXCLUDED.evaluated_at,
			valid_for_seconds = EXCLUDED.valid_for_seconds
	`, strings.ToLower(v.Asset), string(v.Tier), v.BuyCostPct, v.SellCostPct,
		v.CanFullyExit, v.TransferCaps, v.EvaluatedAt, int64(v.ValidFor.Seconds()))
	return err
}

func (s *PostgresStore) Get(ctx context.Context, asset string) (*Verdict, error) {
	v := &Verdict{}
	var tier string
	var validSeconds int64
	err := s.db.QueryRowContext(ctx, `
		SELECT asset, tier, buy_cost_pct, sell_cost_pct, can_fully_exit, transfer_caps, evaluated_at, valid_for_seconds
		FROM asset_safety_verdicts WHERE asset = $1
	`, strings.ToLower(asset)).Scan(&v.Asset, &tier, &v.BuyCostPct, &v.SellCostPct,
		&v.CanFullyExit, &v.TransferCaps, &v.EvaluatedAt, &validSeconds)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	v.Tier = RiskTier(tier)
	v.ValidFor = time.Duration(validSeconds) * time.Second
	return v, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*Verdict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset, tier, buy_cost_pct, sell_cost_pct, can_fully_exit, transfer_caps, evaluated_at, valid_for_seconds
		FROM asset_safety_verdicts ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Verdict
	for rows.Next() {
		v := &Verdict{}
		var tier string
		var validSeconds int64
		if err := rows.Scan(&v.Asset, &tier, &v.BuyCostPct, &v.SellCostPct,
			&v.CanFullyExit, &v.TransferCaps, &v.EvaluatedAt, &validSeconds); err != nil {
			return nil, err
		}
		v.Tier = RiskTier(tier)
		v.ValidFor = time.Duration(validSeconds) * time.Second
		result = append(result, v)
	}
	return result, rows.Err()
}
