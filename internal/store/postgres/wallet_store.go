package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyontrade/perpexec/internal/domain"
)

// WalletStore implements domain.WalletStore using PostgreSQL.
type WalletStore struct {
	pool *pgxpool.Pool
}

// NewWalletStore creates a new WalletStore backed by the given connection pool.
func NewWalletStore(pool *pgxpool.Pool) *WalletStore {
	return &WalletStore{pool: pool}
}

// Append records one equity observation.
func (s *WalletStore) Append(ctx context.Context, snap domain.WalletSnapshot) error {
	if snap.Raw == nil {
		snap.Raw = map[string]any{}
	}

	const query = `
		INSERT INTO wallet_snapshots (source, equity, available, ts_ms, raw)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, query, string(snap.Source), snap.Equity, snap.Available, snap.TsMs, snap.Raw)
	if err != nil {
		return fmt.Errorf("postgres: append wallet snapshot: %w", err)
	}
	return nil
}

// Latest returns the newest snapshot from the given source.
func (s *WalletStore) Latest(ctx context.Context, source domain.WalletSource) (domain.WalletSnapshot, error) {
	const query = `
		SELECT id, source, equity, available, ts_ms, raw, created_at
		FROM wallet_snapshots WHERE source = $1 ORDER BY ts_ms DESC LIMIT 1`

	var snap domain.WalletSnapshot
	var src string
	err := s.pool.QueryRow(ctx, query, string(source)).Scan(
		&snap.ID, &src, &snap.Equity, &snap.Available, &snap.TsMs, &snap.Raw, &snap.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WalletSnapshot{}, domain.ErrNotFound
		}
		return domain.WalletSnapshot{}, fmt.Errorf("postgres: latest wallet snapshot %s: %w", source, err)
	}
	snap.Source = domain.WalletSource(src)
	return snap, nil
}

// Compile-time interface check.
var _ domain.WalletStore = (*WalletStore)(nil)
