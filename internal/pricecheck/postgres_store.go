package pricecheck

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// PostgresStore persists reference configs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed config store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Put(ctx context.Context, cfg *ReferenceConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_reference_configs (asset, source, window_seconds, max_deviation_bps, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (asset) DO UPDATE SET
			source = EXCLUDED.source,
			window_seconds = EXCLUDED.window_seconds,
			max_deviation_bps = EXCLUDED.max_deviation_bps,
			active = EXCLUDED.active,
			updated_at = NOW()`,
		strings.ToLower(cfg.Asset), cfg.Source, int(cfg.Window.Seconds()), cfg.MaxDeviationBps, cfg.Active)
	if err != nil {
		return fmt.Errorf("put reference config: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, asset string) (*ReferenceConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT asset, source, window_seconds, max_deviation_bps, active, updated_at
		FROM price_reference_configs WHERE asset = $1`,
		strings.ToLower(asset))

	cfg, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cfg, err
}

func (s *PostgresStore) Delete(ctx context.Context, asset string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM price_reference_configs WHERE asset = $1`, strings.ToLower(asset))
	if err != nil {
		return fmt.Errorf("delete reference config: %w", err)
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

func (s *PostgresStore) List(ctx context.Context) ([]*ReferenceConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset, source, window_seconds, max_deviation_bps, active, updated_at
		FROM price_reference_configs ORDER BY asset`)
	if err != nil {
		return nil, fmt.Errorf("list reference configs: %w", err)
	}
	defer rows.Close()

	var out []*ReferenceConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*ReferenceConfig, error) {
	var cfg ReferenceConfig
	var windowSeconds int
	if err := row.Scan(&cfg.Asset, &cfg.Source, &windowSeconds, &cfg.MaxDeviationBps, &cfg.Active, &cfg.UpdatedAt); err != nil {
		return nil, err
	}
	cfg.Window = time.Duration(windowSeconds) * time.Second
	return &cfg, nil
}
