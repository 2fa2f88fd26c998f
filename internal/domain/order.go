package domain

import "time"

// OrderPurpose identifies which leg of a position an order serves. Orders are
// idempotent on (idempotency_key, purpose).
type OrderPurpose string

const (
	OrderPurposeEntry         OrderPurpose = "ENTRY"
	OrderPurposeEntryFallback OrderPurpose = "ENTRY_FALLBACK"
	OrderPurposeTP1           OrderPurpose = "TP1"
	OrderPurposeTP2           OrderPurpose = "TP2"
	OrderPurposeStop          OrderPurpose = "SL"
	OrderPurposeClose         OrderPurpose = "CLOSE"
)

// OrderType is the venue order type.
type OrderType string

const (
	OrderTypeLimit  OrderType = "Limit"
	OrderTypeMarket OrderType = "Market"
)

// OrderStatus is the normalized order lifecycle state.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusUnknown         OrderStatus = "UNKNOWN"
)

// orderStatusByVenue maps Bybit V5 orderStatus strings onto the normalized
// lifecycle states.
var orderStatusByVenue = map[string]OrderStatus{
	"Created":                 OrderStatusNew,
	"New":                     OrderStatusNew,
	"Untriggered":             OrderStatusNew,
	"Triggered":               OrderStatusNew,
	"PartiallyFilled":         OrderStatusPartiallyFilled,
	"Filled":                  OrderStatusFilled,
	"PartiallyFilledCanceled": OrderStatusCancelled,
	"Cancelled":               OrderStatusCancelled,
	"Deactivated":             OrderStatusCancelled,
	"Rejected":                OrderStatusRejected,
}

// NormalizeOrderStatus converts a venue order status into the internal
// enumeration, returning OrderStatusUnknown for anything unrecognized.
func NormalizeOrderStatus(venue string) OrderStatus {
	if s, ok := orderStatusByVenue[venue]; ok {
		return s
	}
	return OrderStatusUnknown
}

// Terminal reports whether the status is a final state.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Order is a single venue order derived from a plan. OrderLinkID is the
// client order id sent to the venue ("{idempotency_key}:ENTRY:{attempt}" for
// entry attempts, "{idempotency_key}:ENTRY:FALLBACK" for the market
// fallback).
type Order struct {
	ID             string       `json:"id"`
	IdempotencyKey string       `json:"idempotency_key"`
	Purpose        OrderPurpose `json:"purpose"`
	OrderLinkID    string       `json:"order_link_id"`
	VenueOrderID   string       `json:"venue_order_id,omitempty"`

	Symbol string    `json:"symbol"`
	Side   Side      `json:"side"`
	Type   OrderType `json:"type"`
	Price  float64   `json:"price,omitempty"`
	Qty    float64   `json:"qty"`

	Status     OrderStatus `json:"status"`
	CumExecQty float64     `json:"cum_exec_qty"`
	AvgPrice   float64     `json:"avg_price,omitempty"`
	Attempt    int         `json:"attempt"`
	ReduceOnly bool        `json:"reduce_only"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Meta holds the raw venue payload plus execution-quality metrics
	// (latency_ms, slippage_bps, fill_ratio) once the order converges.
	Meta map[string]any `json:"meta,omitempty"`
}

// FillRatio returns cumulative executed quantity over requested quantity.
func (o Order) FillRatio() float64 {
	if o.Qty <= 0 {
		return 0
	}
	return o.CumExecQty / o.Qty
}

// Converged reports whether the order has filled for practical purposes:
// cumulative quantity within 0.1% of the requested quantity.
func (o Order) Converged() bool {
	return o.FillRatio() >= 0.999
}

// Fill is one execution against an order, deduplicated by ExecID.
type Fill struct {
	ExecID      string    `json:"exec_id"`
	OrderLinkID string    `json:"order_link_id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Price       float64   `json:"price"`
	Qty         float64   `json:"qty"`
	Fee         float64   `json:"fee"`
	IsMaker     bool      `json:"is_maker"`
	ExecAt      time.Time `json:"exec_at"`
}
