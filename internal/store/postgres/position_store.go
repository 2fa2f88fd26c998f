package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyontrade/perpexec/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Rows are
// idempotent on idempotency_key: re-upserting the same plan's position
// updates mutable state instead of duplicating it.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, idempotency_key, plan_id, symbol, side, timeframe, status,
	entry_price, qty, stop_price,
	tp1_price, tp2_price, tp1_qty, tp2_qty, tp1_filled, tp2_filled,
	runner_stop_price, trail_mode, secondary_rule_checked, hist_entry,
	realized_pnl, close_reason, exit_price, meta, opened_at, closed_at`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, tf, status, reason, trail string

	err := row.Scan(
		&p.ID, &p.IdempotencyKey, &p.PlanID, &p.Symbol, &side, &tf, &status,
		&p.EntryPrice, &p.Qty, &p.StopPrice,
		&p.TP1Price, &p.TP2Price, &p.TP1Qty, &p.TP2Qty, &p.TP1Fill, &p.TP2Fill,
		&p.RunnerStopPrice, &trail, &p.SecondaryRuleChecked, &p.HistEntry,
		&p.RealizedPnl, &reason, &p.ExitPrice, &p.Meta, &p.OpenedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Timeframe = domain.Timeframe(tf)
	p.Status = domain.PositionStatus(status)
	p.CloseReason = domain.CloseReason(reason)
	p.TrailMode = domain.TrailMode(trail)
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Upsert inserts the position or, when the idempotency key already exists,
// refreshes the mutable lifecycle fields.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Meta == nil {
		p.Meta = map[string]any{}
	}

	const query = `
		INSERT INTO positions (
			id, idempotency_key, plan_id, symbol, side, timeframe, status,
			entry_price, qty, stop_price,
			tp1_price, tp2_price, tp1_qty, tp2_qty, tp1_filled, tp2_filled,
			runner_stop_price, trail_mode, secondary_rule_checked, hist_entry,
			realized_pnl, close_reason, exit_price, meta, opened_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10,
			$11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, NOW()
		)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			status                 = EXCLUDED.status,
			entry_price            = EXCLUDED.entry_price,
			qty                    = EXCLUDED.qty,
			stop_price             = EXCLUDED.stop_price,
			tp1_filled             = EXCLUDED.tp1_filled,
			tp2_filled             = EXCLUDED.tp2_filled,
			runner_stop_price      = EXCLUDED.runner_stop_price,
			secondary_rule_checked = EXCLUDED.secondary_rule_checked,
			hist_entry             = EXCLUDED.hist_entry,
			realized_pnl           = EXCLUDED.realized_pnl,
			close_reason           = EXCLUDED.close_reason,
			exit_price             = EXCLUDED.exit_price,
			meta                   = EXCLUDED.meta,
			closed_at              = EXCLUDED.closed_at,
			updated_at             = NOW()`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.IdempotencyKey, p.PlanID, p.Symbol, string(p.Side), string(p.Timeframe), string(p.Status),
		p.EntryPrice, p.Qty, p.StopPrice,
		p.TP1Price, p.TP2Price, p.TP1Qty, p.TP2Qty, p.TP1Fill, p.TP2Fill,
		p.RunnerStopPrice, string(p.TrailMode), p.SecondaryRuleChecked, p.HistEntry,
		p.RealizedPnl, string(p.CloseReason), p.ExitPrice, p.Meta, p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.IdempotencyKey, err)
	}
	return nil
}

// GetByKey returns the position for a plan idempotency key.
func (s *PositionStore) GetByKey(ctx context.Context, idempotencyKey string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE idempotency_key = $1`

	p, err := scanPositionRow(s.pool.QueryRow(ctx, query, idempotencyKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", idempotencyKey, err)
	}
	return p, nil
}

// ListOpen returns all positions with status OPEN.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE status = 'OPEN' ORDER BY opened_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// OpenBySymbol returns the open position for symbol, or domain.ErrNotFound.
// The position mutex guarantees at most one open position per symbol.
func (s *PositionStore) OpenBySymbol(ctx context.Context, symbol string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE symbol = $1 AND status = 'OPEN'
		ORDER BY opened_at DESC LIMIT 1`

	p, err := scanPositionRow(s.pool.QueryRow(ctx, query, symbol))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: open position for %s: %w", symbol, err)
	}
	return p, nil
}

// Close marks an open position closed with the given reason and realized
// result. Closing an already-closed position returns domain.ErrNotFound.
func (s *PositionStore) Close(ctx context.Context, idempotencyKey string, reason domain.CloseReason, exitPrice, realizedPnl float64) error {
	const query = `
		UPDATE positions SET
			status       = 'CLOSED',
			close_reason = $2,
			exit_price   = $3,
			realized_pnl = $4,
			closed_at    = $5,
			updated_at   = NOW()
		WHERE idempotency_key = $1 AND status = 'OPEN'`

	tag, err := s.pool.Exec(ctx, query, idempotencyKey, string(reason), exitPrice, realizedPnl, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", idempotencyKey, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
