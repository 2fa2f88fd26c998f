package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyontrade/perpexec/internal/domain"
)

// RiskEventStore implements domain.RiskEventStore using PostgreSQL.
type RiskEventStore struct {
	pool *pgxpool.Pool
}

// NewRiskEventStore creates a new RiskEventStore backed by the given connection pool.
func NewRiskEventStore(pool *pgxpool.Pool) *RiskEventStore {
	return &RiskEventStore{pool: pool}
}

// Insert persists a risk event, deduplicated by event_id.
func (s *RiskEventStore) Insert(ctx context.Context, ev domain.RiskEvent) (bool, error) {
	if ev.Detail == nil {
		ev.Detail = map[string]any{}
	}

	const query = `
		INSERT INTO risk_events (event_id, event_type, severity, symbol, ts_ms, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		ev.EventID, string(ev.Type), string(ev.Severity), ev.Symbol, ev.TsMs, ev.Detail,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert risk event %s: %w", ev.EventID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListRecent returns the newest risk events, most recent first.
func (s *RiskEventStore) ListRecent(ctx context.Context, limit int) ([]domain.RiskEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	const query = `
		SELECT event_id, event_type, severity, symbol, ts_ms, detail
		FROM risk_events ORDER BY ts_ms DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list risk events: %w", err)
	}
	defer rows.Close()

	var events []domain.RiskEvent
	for rows.Next() {
		var ev domain.RiskEvent
		var typ, sev string
		if err := rows.Scan(&ev.EventID, &typ, &sev, &ev.Symbol, &ev.TsMs, &ev.Detail); err != nil {
			return nil, fmt.Errorf("postgres: scan risk event: %w", err)
		}
		ev.Type = domain.RiskEventType(typ)
		ev.Severity = domain.RiskSeverity(sev)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RiskStateStore implements domain.RiskStateStore using PostgreSQL, one row
// per UTC trade date.
type RiskStateStore struct {
	pool *pgxpool.Pool
}

// NewRiskStateStore creates a new RiskStateStore backed by the given connection pool.
func NewRiskStateStore(pool *pgxpool.Pool) *RiskStateStore {
	return &RiskStateStore{pool: pool}
}

// Get returns the ledger row for a trade date, or domain.ErrNotFound.
func (s *RiskStateStore) Get(ctx context.Context, tradeDate string) (domain.RiskState, error) {
	const query = `
		SELECT trade_date, starting_equity, current_equity, min_equity, realized_pnl,
			soft_halt, hard_halt, consecutive_loss_count, meta, updated_at
		FROM risk_state WHERE trade_date = $1`

	var rs domain.RiskState
	err := s.pool.QueryRow(ctx, query, tradeDate).Scan(
		&rs.TradeDate, &rs.StartingEquity, &rs.CurrentEquity, &rs.MinEquity, &rs.RealizedPnl,
		&rs.SoftHalt, &rs.HardHalt, &rs.ConsecutiveLossCount, &rs.Meta, &rs.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RiskState{}, domain.ErrNotFound
		}
		return domain.RiskState{}, fmt.Errorf("postgres: get risk state %s: %w", tradeDate, err)
	}
	return rs, nil
}

// Upsert writes the ledger row for its trade date.
func (s *RiskStateStore) Upsert(ctx context.Context, rs domain.RiskState) error {
	if rs.Meta == nil {
		rs.Meta = map[string]any{}
	}

	const query = `
		INSERT INTO risk_state (
			trade_date, starting_equity, current_equity, min_equity, realized_pnl,
			soft_halt, hard_halt, consecutive_loss_count, meta, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (trade_date) DO UPDATE SET
			starting_equity        = EXCLUDED.starting_equity,
			current_equity         = EXCLUDED.current_equity,
			min_equity             = EXCLUDED.min_equity,
			realized_pnl           = EXCLUDED.realized_pnl,
			soft_halt              = EXCLUDED.soft_halt,
			hard_halt              = EXCLUDED.hard_halt,
			consecutive_loss_count = EXCLUDED.consecutive_loss_count,
			meta                   = EXCLUDED.meta,
			updated_at             = NOW()`

	_, err := s.pool.Exec(ctx, query,
		rs.TradeDate, rs.StartingEquity, rs.CurrentEquity, rs.MinEquity, rs.RealizedPnl,
		rs.SoftHalt, rs.HardHalt, rs.ConsecutiveLossCount, rs.Meta,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert risk state %s: %w", rs.TradeDate, err)
	}
	return nil
}

// Compile-time interface checks.
var (
	_ domain.RiskEventStore = (*RiskEventStore)(nil)
	_ domain.RiskStateStore = (*RiskStateStore)(nil)
)
