package domain

import "time"

// PositionStatus tracks the position lifecycle.
type PositionStatus string

const (
	PositionStatusPending PositionStatus = "PENDING"
	PositionStatusOpen    PositionStatus = "OPEN"
	PositionStatusClosed  PositionStatus = "CLOSED"

	// PositionStatusFailed marks a position whose entry was rejected by the
	// venue after admission; it never held exposure.
	PositionStatusFailed PositionStatus = "FAILED"
)

// CloseReason records why a position was closed.
type CloseReason string

const (
	CloseReasonPrimarySL      CloseReason = "PRIMARY_SL_HIT"
	CloseReasonSecondarySL    CloseReason = "SECONDARY_SL_EXIT"
	CloseReasonSecondaryRule  CloseReason = "SECONDARY_RULE"
	CloseReasonMutexUpgrade   CloseReason = "mutex_upgrade"
	CloseReasonExchangeClosed CloseReason = "EXCHANGE_CLOSED"
	CloseReasonForceClose     CloseReason = "FORCE_CLOSE"
	CloseReasonEntryFailed    CloseReason = "ENTRY_FAILED"
	CloseReasonManual         CloseReason = "MANUAL"
)

// Position is the executor's local view of an open or closed trade. It is
// keyed by the originating plan's idempotency key; re-delivered plans land on
// the same row.
type Position struct {
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotency_key"`
	PlanID         string         `json:"plan_id"`
	Symbol         string         `json:"symbol"`
	Side           Side           `json:"side"`
	Timeframe      Timeframe      `json:"timeframe"`
	Status         PositionStatus `json:"status"`

	EntryPrice float64 `json:"entry_price"`
	Qty        float64 `json:"qty"`
	StopPrice  float64 `json:"stop_price"`

	// TP ladder: tp1/tp2 are fixed targets, the remaining leg is the runner.
	TP1Price float64 `json:"tp1_price"`
	TP2Price float64 `json:"tp2_price"`
	TP1Qty   float64 `json:"tp1_qty"`
	TP2Qty   float64 `json:"tp2_qty"`
	TP1Fill  bool    `json:"tp1_filled"`
	TP2Fill  bool    `json:"tp2_filled"`

	// RunnerStopPrice is maintained by the trail after TP2; zero until set.
	RunnerStopPrice float64   `json:"runner_stop_price"`
	TrailMode       TrailMode `json:"trail_mode,omitempty"`

	// SecondaryRuleChecked is set after the one-shot momentum exit check on
	// the first closed bar following entry.
	SecondaryRuleChecked bool    `json:"secondary_rule_checked"`
	HistEntry            float64 `json:"hist_entry"`

	RealizedPnl float64     `json:"realized_pnl"`
	CloseReason CloseReason `json:"close_reason,omitempty"`
	ExitPrice   float64     `json:"exit_price,omitempty"`

	OpenedAt time.Time  `json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`

	// Meta holds auxiliary state: the latest ws_position snapshot, trail
	// bookkeeping, execution-quality metrics.
	Meta map[string]any `json:"meta,omitempty"`
}

// EffectiveStop resolves the stop that currently protects the position:
// the trailed runner stop once TP2 has filled, breakeven (entry) once TP1 has
// filled, otherwise the primary stop.
func (p Position) EffectiveStop() float64 {
	if p.TP2Fill && p.RunnerStopPrice > 0 {
		return p.RunnerStopPrice
	}
	if p.TP1Fill {
		return p.EntryPrice
	}
	return p.StopPrice
}

// RemainingQty returns the quantity still open after any TP fills.
func (p Position) RemainingQty() float64 {
	q := p.Qty
	if p.TP1Fill {
		q -= p.TP1Qty
	}
	if p.TP2Fill {
		q -= p.TP2Qty
	}
	if q < 0 {
		return 0
	}
	return q
}

// StopHit reports whether price crosses the given stop level for this side.
func (p Position) StopHit(price, stop float64) bool {
	if p.Side == SideLong {
		return price <= stop
	}
	return price >= stop
}

// TargetHit reports whether price reaches the given take-profit level.
func (p Position) TargetHit(price, target float64) bool {
	if p.Side == SideLong {
		return price >= target
	}
	return price <= target
}

// PnL returns the signed profit for closing qty at exitPrice.
func (p Position) PnL(exitPrice, qty float64) float64 {
	if p.Side == SideLong {
		return (exitPrice - p.EntryPrice) * qty
	}
	return (p.EntryPrice - exitPrice) * qty
}
