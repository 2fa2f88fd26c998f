package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyontrade/perpexec/internal/domain"
)

// CooldownStore implements domain.CooldownStore using PostgreSQL.
type CooldownStore struct {
	pool *pgxpool.Pool
}

// NewCooldownStore creates a new CooldownStore backed by the given connection pool.
func NewCooldownStore(pool *pgxpool.Pool) *CooldownStore {
	return &CooldownStore{pool: pool}
}

// Set writes the cooldown for (symbol, side, timeframe), extending any
// existing one.
func (s *CooldownStore) Set(ctx context.Context, cd domain.Cooldown) error {
	const query = `
		INSERT INTO cooldowns (symbol, side, timeframe, until_ms, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (symbol, side, timeframe) DO UPDATE SET
			until_ms   = GREATEST(cooldowns.until_ms, EXCLUDED.until_ms),
			reason     = EXCLUDED.reason,
			created_at = NOW()`

	_, err := s.pool.Exec(ctx, query, cd.Symbol, string(cd.Side), string(cd.Timeframe), cd.UntilMs, cd.Reason)
	if err != nil {
		return fmt.Errorf("postgres: set cooldown %s/%s/%s: %w", cd.Symbol, cd.Side, cd.Timeframe, err)
	}
	return nil
}

// Get returns the cooldown for (symbol, side, timeframe), or
// domain.ErrNotFound.
func (s *CooldownStore) Get(ctx context.Context, symbol string, side domain.Side, tf domain.Timeframe) (domain.Cooldown, error) {
	const query = `
		SELECT symbol, side, timeframe, until_ms, reason, created_at
		FROM cooldowns WHERE symbol = $1 AND side = $2 AND timeframe = $3`

	var cd domain.Cooldown
	var sides, tfs string
	err := s.pool.QueryRow(ctx, query, symbol, string(side), string(tf)).Scan(
		&cd.Symbol, &sides, &tfs, &cd.UntilMs, &cd.Reason, &cd.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Cooldown{}, domain.ErrNotFound
		}
		return domain.Cooldown{}, fmt.Errorf("postgres: get cooldown %s/%s/%s: %w", symbol, side, tf, err)
	}
	cd.Side = domain.Side(sides)
	cd.Timeframe = domain.Timeframe(tfs)
	return cd, nil
}

// PurgeExpired deletes cooldowns that ended before now and returns the count.
func (s *CooldownStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cooldowns WHERE until_ms < $1`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("postgres: purge cooldowns: %w", err)
	}
	return tag.RowsAffected(), nil
}

// FlagStore implements domain.FlagStore using PostgreSQL.
type FlagStore struct {
	pool *pgxpool.Pool
}

// NewFlagStore creates a new FlagStore backed by the given connection pool.
func NewFlagStore(pool *pgxpool.Pool) *FlagStore {
	return &FlagStore{pool: pool}
}

// Get returns the runtime flag, or domain.ErrNotFound when unset.
func (s *FlagStore) Get(ctx context.Context, key string) (domain.RuntimeFlag, error) {
	var f domain.RuntimeFlag
	err := s.pool.QueryRow(ctx,
		`SELECT key, value, updated_at FROM runtime_flags WHERE key = $1`, key,
	).Scan(&f.Key, &f.Value, &f.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RuntimeFlag{}, domain.ErrNotFound
		}
		return domain.RuntimeFlag{}, fmt.Errorf("postgres: get flag %s: %w", key, err)
	}
	return f, nil
}

// Set writes a runtime flag value.
func (s *FlagStore) Set(ctx context.Context, key, value string) error {
	const query = `
		INSERT INTO runtime_flags (key, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, key, value); err != nil {
		return fmt.Errorf("postgres: set flag %s: %w", key, err)
	}
	return nil
}

// Compile-time interface checks.
var (
	_ domain.CooldownStore = (*CooldownStore)(nil)
	_ domain.FlagStore     = (*FlagStore)(nil)
)
