package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyontrade/perpexec/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL. Orders are
// idempotent on (idempotency_key, purpose); entry reprices reuse the row,
// bumping order_link_id and attempt.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderSelectCols = `id, idempotency_key, purpose, order_link_id, venue_order_id,
	symbol, side, order_type, price, qty,
	status, cum_exec_qty, avg_price, attempt, reduce_only,
	meta, created_at, updated_at`

func scanOrderRow(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var purpose, side, typ, status string

	err := row.Scan(
		&o.ID, &o.IdempotencyKey, &purpose, &o.OrderLinkID, &o.VenueOrderID,
		&o.Symbol, &side, &typ, &o.Price, &o.Qty,
		&status, &o.CumExecQty, &o.AvgPrice, &o.Attempt, &o.ReduceOnly,
		&o.Meta, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Purpose = domain.OrderPurpose(purpose)
	o.Side = domain.Side(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	return o, nil
}

// Upsert inserts the order or refreshes its venue state when the
// (idempotency_key, purpose) pair already exists.
func (s *OrderStore) Upsert(ctx context.Context, o domain.Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Meta == nil {
		o.Meta = map[string]any{}
	}

	const query = `
		INSERT INTO orders (
			id, idempotency_key, purpose, order_link_id, venue_order_id,
			symbol, side, order_type, price, qty,
			status, cum_exec_qty, avg_price, attempt, reduce_only,
			meta, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, NOW(), NOW()
		)
		ON CONFLICT (idempotency_key, purpose) DO UPDATE SET
			order_link_id  = EXCLUDED.order_link_id,
			venue_order_id = EXCLUDED.venue_order_id,
			price          = EXCLUDED.price,
			qty            = EXCLUDED.qty,
			status         = EXCLUDED.status,
			cum_exec_qty   = EXCLUDED.cum_exec_qty,
			avg_price      = EXCLUDED.avg_price,
			attempt        = EXCLUDED.attempt,
			meta           = EXCLUDED.meta,
			updated_at     = NOW()`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.IdempotencyKey, string(o.Purpose), o.OrderLinkID, o.VenueOrderID,
		o.Symbol, string(o.Side), string(o.Type), o.Price, o.Qty,
		string(o.Status), o.CumExecQty, o.AvgPrice, o.Attempt, o.ReduceOnly,
		o.Meta,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert order %s/%s: %w", o.IdempotencyKey, o.Purpose, err)
	}
	return nil
}

// GetByLinkID returns the order carrying the given client order id.
func (s *OrderStore) GetByLinkID(ctx context.Context, orderLinkID string) (domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE order_link_id = $1`

	o, err := scanOrderRow(s.pool.QueryRow(ctx, query, orderLinkID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order by link %s: %w", orderLinkID, err)
	}
	return o, nil
}

// GetByPurpose returns the order for a plan leg.
func (s *OrderStore) GetByPurpose(ctx context.Context, idempotencyKey string, purpose domain.OrderPurpose) (domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE idempotency_key = $1 AND purpose = $2`

	o, err := scanOrderRow(s.pool.QueryRow(ctx, query, idempotencyKey, string(purpose)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s/%s: %w", idempotencyKey, purpose, err)
	}
	return o, nil
}

// ListOpen returns all orders not yet in a terminal state.
func (s *OrderStore) ListOpen(ctx context.Context) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders
		WHERE status NOT IN ('FILLED', 'CANCELLED', 'REJECTED')
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrderRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan open orders: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// AppendFill records one execution, deduplicated by exec_id. It reports
// whether the row was newly inserted.
func (s *OrderStore) AppendFill(ctx context.Context, f domain.Fill) (bool, error) {
	const query = `
		INSERT INTO fills (exec_id, order_link_id, symbol, side, price, qty, fee, is_maker, exec_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (exec_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		f.ExecID, f.OrderLinkID, f.Symbol, string(f.Side),
		f.Price, f.Qty, f.Fee, f.IsMaker, f.ExecAt,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: append fill %s: %w", f.ExecID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListFills returns all recorded executions for an order, oldest first.
func (s *OrderStore) ListFills(ctx context.Context, orderLinkID string) ([]domain.Fill, error) {
	const query = `
		SELECT exec_id, order_link_id, symbol, side, price, qty, fee, is_maker, exec_at
		FROM fills WHERE order_link_id = $1 ORDER BY exec_at`

	rows, err := s.pool.Query(ctx, query, orderLinkID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills %s: %w", orderLinkID, err)
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		var side string
		if err := rows.Scan(&f.ExecID, &f.OrderLinkID, &f.Symbol, &side, &f.Price, &f.Qty, &f.Fee, &f.IsMaker, &f.ExecAt); err != nil {
			return nil, fmt.Errorf("postgres: scan fill: %w", err)
		}
		f.Side = domain.Side(side)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// Compile-time interface check.
var _ domain.OrderStore = (*OrderStore)(nil)
