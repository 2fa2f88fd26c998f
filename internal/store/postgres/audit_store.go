package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyontrade/perpexec/internal/domain"
)

// BarEmitStore implements domain.BarEmitStore using PostgreSQL. Each
// (symbol, timeframe, close_time_ms) triple is processed at most once.
type BarEmitStore struct {
	pool *pgxpool.Pool
}

// NewBarEmitStore creates a new BarEmitStore backed by the given connection pool.
func NewBarEmitStore(pool *pgxpool.Pool) *BarEmitStore {
	return &BarEmitStore{pool: pool}
}

// MarkEmitted claims a bar close for processing. It reports true when this
// call won the claim, false when the bar was already handled.
func (s *BarEmitStore) MarkEmitted(ctx context.Context, symbol string, tf domain.Timeframe, closeTimeMs int64) (bool, error) {
	const query = `
		INSERT INTO bar_close_emits (symbol, timeframe, close_time_ms)
		VALUES ($1, $2, $3)
		ON CONFLICT (symbol, timeframe, close_time_ms) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query, symbol, string(tf), closeTimeMs)
	if err != nil {
		return false, fmt.Errorf("postgres: mark bar emit %s/%s: %w", symbol, tf, err)
	}
	return tag.RowsAffected() > 0, nil
}

// WSEventStore implements domain.WSEventStore using PostgreSQL as an
// append-only audit trail of raw private websocket frames.
type WSEventStore struct {
	pool *pgxpool.Pool
}

// NewWSEventStore creates a new WSEventStore backed by the given connection pool.
func NewWSEventStore(pool *pgxpool.Pool) *WSEventStore {
	return &WSEventStore{pool: pool}
}

// Append records one raw frame under its topic.
func (s *WSEventStore) Append(ctx context.Context, topic string, raw []byte, ts time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ws_events (topic, raw, ts) VALUES ($1, $2, $3)`,
		topic, raw, ts,
	)
	if err != nil {
		return fmt.Errorf("postgres: append ws event %s: %w", topic, err)
	}
	return nil
}

// Compile-time interface checks.
var (
	_ domain.BarEmitStore = (*BarEmitStore)(nil)
	_ domain.WSEventStore = (*WSEventStore)(nil)
)
