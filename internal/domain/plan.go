package domain

import "fmt"

// Side is the direction of a trade plan or position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the closing direction for this side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Valid reports whether the side is LONG or SHORT.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// TrailMode selects how the runner stop is trailed after TP2.
type TrailMode string

const (
	TrailModeATR   TrailMode = "ATR"
	TrailModePivot TrailMode = "PIVOT"
)

// TradePlan is an admitted-or-rejected unit of work produced upstream by the
// strategy service and consumed from stream:trade_plan. IdempotencyKey is the
// dedup identity for everything derived from the plan (position, orders,
// locks).
type TradePlan struct {
	PlanID         string    `json:"plan_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	Symbol         string    `json:"symbol"`
	Side           Side      `json:"side"`
	Timeframe      Timeframe `json:"timeframe"`
	EntryPrice     float64   `json:"entry_price"`
	StopPrice      float64   `json:"stop_price"`
	SignalTsMs     int64     `json:"signal_ts_ms"`
	ValidFromMs    int64     `json:"valid_from_ms,omitempty"`
	ExpiresAtMs    int64     `json:"expires_at_ms,omitempty"`
	TrailMode      TrailMode `json:"trail_mode,omitempty"`

	// Meta carries optional strategy context (ATR at signal, pivot levels,
	// MACD histogram at entry) used by the runner trail and secondary exit.
	Meta map[string]any `json:"meta,omitempty"`
}

// Validate checks the structural invariants a plan must satisfy before the
// admission gates even run.
func (p TradePlan) Validate() error {
	switch {
	case p.IdempotencyKey == "":
		return fmt.Errorf("%w: missing idempotency_key", ErrInvalidPlan)
	case p.Symbol == "":
		return fmt.Errorf("%w: missing symbol", ErrInvalidPlan)
	case !p.Side.Valid():
		return fmt.Errorf("%w: side %q", ErrInvalidPlan, p.Side)
	case !p.Timeframe.Valid():
		return fmt.Errorf("%w: timeframe %q", ErrInvalidPlan, p.Timeframe)
	case p.EntryPrice <= 0:
		return fmt.Errorf("%w: entry_price %v", ErrInvalidPlan, p.EntryPrice)
	case p.StopPrice <= 0:
		return fmt.Errorf("%w: stop_price %v", ErrInvalidPlan, p.StopPrice)
	case p.EntryPrice == p.StopPrice:
		return fmt.Errorf("%w: entry equals stop", ErrInvalidPlan)
	}
	if p.Side == SideLong && p.StopPrice >= p.EntryPrice {
		return fmt.Errorf("%w: long stop above entry", ErrInvalidPlan)
	}
	if p.Side == SideShort && p.StopPrice <= p.EntryPrice {
		return fmt.Errorf("%w: short stop below entry", ErrInvalidPlan)
	}
	return nil
}

// RiskPerUnit returns the absolute distance between entry and stop.
func (p TradePlan) RiskPerUnit() float64 {
	return abs(p.EntryPrice - p.StopPrice)
}
