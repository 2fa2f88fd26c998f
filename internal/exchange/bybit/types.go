// Package bybit implements the Bybit V5 REST and private WebSocket clients
// used by the live execution path.
package bybit

import "encoding/json"

// apiResponse is the V5 response envelope.
type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

// Instrument carries the precision filters the executor needs.
type Instrument struct {
	Symbol      string
	TickSize    float64
	QtyStep     float64
	MinQty      float64
	MinNotional float64
}

// OrderRequest is a create-order call.
type OrderRequest struct {
	Symbol      string
	Side        string // "Buy" | "Sell"
	OrderType   string // "Limit" | "Market"
	Qty         float64
	Price       float64 // ignored for market orders
	OrderLinkID string
	ReduceOnly  bool
	TimeInForce string // defaults to GTC for limit orders
}

// OrderAck is the venue's acknowledgment of a create/cancel call.
type OrderAck struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// OrderState is the venue's view of one order from the realtime query.
type OrderState struct {
	OrderID     string
	OrderLinkID string
	Symbol      string
	Status      string
	Price       float64
	Qty         float64
	CumExecQty  float64
	AvgPrice    float64
}

// PositionState is the venue's view of one position.
type PositionState struct {
	Symbol    string
	Side      string // "Buy" | "Sell" | "" when flat
	Size      float64
	AvgPrice  float64
	StopLoss  float64
	UpdatedMs int64
}

// WalletState is the venue's account equity view.
type WalletState struct {
	Equity    float64
	Available float64
	Raw       map[string]any
}

// TradingStopRequest updates position-level stop loss (tpslMode Full).
type TradingStopRequest struct {
	Symbol   string
	StopLoss float64
}
