package domain

import (
	"context"
	"time"
)

// OrderStore persists venue orders, idempotent on (idempotency_key, purpose).
type OrderStore interface {
	Upsert(ctx context.Context, order Order) error
	GetByLinkID(ctx context.Context, orderLinkID string) (Order, error)
	GetByPurpose(ctx context.Context, idempotencyKey string, purpose OrderPurpose) (Order, error)
	ListOpen(ctx context.Context) ([]Order, error)
	AppendFill(ctx context.Context, fill Fill) (inserted bool, err error)
	ListFills(ctx context.Context, orderLinkID string) ([]Fill, error)
}

// PositionStore persists positions, idempotent on idempotency_key.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	GetByKey(ctx context.Context, idempotencyKey string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	OpenBySymbol(ctx context.Context, symbol string) (Position, error)
	Close(ctx context.Context, idempotencyKey string, reason CloseReason, exitPrice, realizedPnl float64) error
}

// ReportStore persists execution reports, deduplicated by event_id.
type ReportStore interface {
	Insert(ctx context.Context, report ExecutionReport) (inserted bool, err error)
	ListByKey(ctx context.Context, idempotencyKey string) ([]ExecutionReport, error)
}

// RiskEventStore persists risk events, deduplicated by event_id.
type RiskEventStore interface {
	Insert(ctx context.Context, ev RiskEvent) (inserted bool, err error)
	ListRecent(ctx context.Context, limit int) ([]RiskEvent, error)
}

// RiskStateStore persists the per-trade-date risk ledger row.
type RiskStateStore interface {
	Get(ctx context.Context, tradeDate string) (RiskState, error)
	Upsert(ctx context.Context, state RiskState) error
}

// CooldownStore persists entry cooldowns keyed by (symbol, side, timeframe).
type CooldownStore interface {
	Set(ctx context.Context, cd Cooldown) error
	Get(ctx context.Context, symbol string, side Side, tf Timeframe) (Cooldown, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// FlagStore persists operator runtime flags.
type FlagStore interface {
	Get(ctx context.Context, key string) (RuntimeFlag, error)
	Set(ctx context.Context, key, value string) error
}

// WalletStore appends wallet equity snapshots.
type WalletStore interface {
	Append(ctx context.Context, snap WalletSnapshot) error
	Latest(ctx context.Context, source WalletSource) (WalletSnapshot, error)
}

// BarEmitStore deduplicates bar-close processing per
// (symbol, timeframe, close_time_ms).
type BarEmitStore interface {
	MarkEmitted(ctx context.Context, symbol string, tf Timeframe, closeTimeMs int64) (inserted bool, err error)
}

// WSEventStore appends raw private websocket frames for audit.
type WSEventStore interface {
	Append(ctx context.Context, topic string, raw []byte, ts time.Time) error
}
