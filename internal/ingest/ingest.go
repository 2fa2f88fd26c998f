// Package ingest turns private websocket traffic into local state: order
// convergence, fills, TP transitions, position snapshots, and wallet equity.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/halcyontrade/perpexec/internal/domain"
	"github.com/halcyontrade/perpexec/internal/execution"
	"github.com/halcyontrade/perpexec/internal/risk"
)

// Topics are the private subscriptions the ingest consumes.
var Topics = []string{"order", "execution", "position", "wallet"}

// Config tunes wallet drift detection.
type Config struct {
	// WalletDriftPct flags a WS/REST equity divergence.
	WalletDriftPct float64
}

// DefaultConfig mirrors the live defaults.
func DefaultConfig() Config {
	return Config{
		WalletDriftPct: 0.02,
	}
}

// Ingestor applies private websocket frames to the stores and lifecycle.
type Ingestor struct {
	cfg       Config
	orders    domain.OrderStore
	positions domain.PositionStore
	wallets   domain.WalletStore
	audit     domain.WSEventStore
	lifecycle *execution.Lifecycle
	ledger    *risk.Ledger
	pub       *risk.Publisher
	logger    *slog.Logger

	mu           sync.Mutex
	disconnected bool
}

// New wires the websocket ingest.
func New(
	cfg Config,
	orders domain.OrderStore,
	positions domain.PositionStore,
	wallets domain.WalletStore,
	audit domain.WSEventStore,
	lifecycle *execution.Lifecycle,
	ledger *risk.Ledger,
	pub *risk.Publisher,
	logger *slog.Logger,
) *Ingestor {
	if cfg.WalletDriftPct <= 0 {
		cfg.WalletDriftPct = 0.02
	}
	return &Ingestor{
		cfg:       cfg,
		orders:    orders,
		positions: positions,
		wallets:   wallets,
		audit:     audit,
		lifecycle: lifecycle,
		ledger:    ledger,
		pub:       pub,
		logger:    logger.With(slog.String("component", "ingest")),
	}
}

// HandleTopic routes one private frame. Errors are logged, never returned:
// the websocket read loop must not stall on a bad frame.
func (in *Ingestor) HandleTopic(ctx context.Context, topic string, data json.RawMessage, tsMs int64) {
	if err := in.audit.Append(ctx, topic, data, time.UnixMilli(tsMs)); err != nil {
		in.logger.Warn("audit append failed", slog.String("topic", topic), slog.Any("error", err))
	}

	var err error
	switch topic {
	case "order":
		err = in.handleOrders(ctx, data)
	case "execution":
		err = in.handleExecutions(ctx, data)
	case "position":
		err = in.handlePositions(ctx, data, tsMs)
	case "wallet":
		err = in.handleWallet(ctx, data, tsMs)
	}
	if err != nil {
		in.logger.Error("frame handling failed",
			slog.String("topic", topic),
			slog.Any("error", err),
		)
	}
}

// OnConnChange tracks connection transitions and reports every recovery.
func (in *Ingestor) OnConnChange(ctx context.Context) func(connected bool) {
	return func(connected bool) {
		in.mu.Lock()
		wasDown := in.disconnected
		in.disconnected = !connected
		in.mu.Unlock()

		if connected && wasDown {
			in.pub.Emit(ctx, domain.RiskEventWSReconnect, domain.RiskSeverityImportant, "", nil)
			in.logger.Warn("private websocket reconnected")
		}
	}
}

// --------------------------------------------------------------------------
// Topic handlers
// --------------------------------------------------------------------------

type wsOrder struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	OrderStatus string `json:"orderStatus"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	UpdatedTime string `json:"updatedTime"`
}

func (in *Ingestor) handleOrders(ctx context.Context, data json.RawMessage) error {
	var updates []wsOrder
	if err := json.Unmarshal(data, &updates); err != nil {
		return fmt.Errorf("ingest: decode orders: %w", err)
	}

	for _, u := range updates {
		order, err := in.orders.GetByLinkID(ctx, u.OrderLinkID)
		if errors.Is(err, domain.ErrNotFound) {
			continue // not ours
		}
		if err != nil {
			return fmt.Errorf("ingest: order lookup %s: %w", u.OrderLinkID, err)
		}

		prev := order.Status
		order.Status = domain.NormalizeOrderStatus(u.OrderStatus)
		order.CumExecQty = parseF(u.CumExecQty)
		if avg := parseF(u.AvgPrice); avg > 0 {
			order.AvgPrice = avg
		}
		if u.OrderID != "" {
			order.VenueOrderID = u.OrderID
		}
		order.UpdatedAt = time.Now().UTC()
		if err := in.orders.Upsert(ctx, order); err != nil {
			return fmt.Errorf("ingest: persist order %s: %w", u.OrderLinkID, err)
		}

		if order.Status == domain.OrderStatusFilled && prev != domain.OrderStatusFilled {
			if err := in.onOrderFilled(ctx, order); err != nil {
				return err
			}
		}
	}
	return nil
}

// onOrderFilled advances the position when a target order completes.
func (in *Ingestor) onOrderFilled(ctx context.Context, order domain.Order) error {
	if order.Purpose != domain.OrderPurposeTP1 && order.Purpose != domain.OrderPurposeTP2 {
		return nil
	}

	pos, err := in.positions.GetByKey(ctx, order.IdempotencyKey)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ingest: position lookup %s: %w", order.IdempotencyKey, err)
	}
	if pos.Status != domain.PositionStatusOpen {
		return nil
	}

	price := order.AvgPrice
	if price <= 0 {
		price = order.Price
	}
	switch order.Purpose {
	case domain.OrderPurposeTP1:
		return in.lifecycle.OnTP1(ctx, &pos, price)
	case domain.OrderPurposeTP2:
		return in.lifecycle.OnTP2(ctx, &pos, price)
	}
	return nil
}

type wsExecution struct {
	ExecID      string `json:"execId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	ExecPrice   string `json:"execPrice"`
	ExecQty     string `json:"execQty"`
	ExecFee     string `json:"execFee"`
	IsMaker     bool   `json:"isMaker"`
	ExecTime    string `json:"execTime"`
}

func (in *Ingestor) handleExecutions(ctx context.Context, data json.RawMessage) error {
	var execs []wsExecution
	if err := json.Unmarshal(data, &execs); err != nil {
		return fmt.Errorf("ingest: decode executions: %w", err)
	}

	for _, e := range execs {
		side := domain.SideLong
		if e.Side == "Sell" {
			side = domain.SideShort
		}
		fill := domain.Fill{
			ExecID:      e.ExecID,
			OrderLinkID: e.OrderLinkID,
			Symbol:      e.Symbol,
			Side:        side,
			Price:       parseF(e.ExecPrice),
			Qty:         parseF(e.ExecQty),
			Fee:         parseF(e.ExecFee),
			IsMaker:     e.IsMaker,
			ExecAt:      time.UnixMilli(parseI(e.ExecTime)).UTC(),
		}
		inserted, err := in.orders.AppendFill(ctx, fill)
		if err != nil {
			return fmt.Errorf("ingest: append fill %s: %w", e.ExecID, err)
		}
		if !inserted {
			continue // replayed execId
		}
		in.logger.Debug("fill recorded",
			slog.String("exec_id", e.ExecID),
			slog.String("order_link_id", e.OrderLinkID),
			slog.Float64("price", fill.Price),
			slog.Float64("qty", fill.Qty),
		)
		if err := in.convergeFromFills(ctx, e.OrderLinkID); err != nil {
			return err
		}
	}
	return nil
}

// convergedFraction is the cumulative-fill fraction at which an order is
// treated as fully executed even when the order topic never said Filled.
const convergedFraction = 0.999

// convergeFromFills is the backstop for a lost order-topic update: once the
// recorded fills for an order cover (nearly) its full quantity, the order is
// marked filled and the same transition fires as if the order topic had
// delivered it.
func (in *Ingestor) convergeFromFills(ctx context.Context, orderLinkID string) error {
	order, err := in.orders.GetByLinkID(ctx, orderLinkID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil // not ours
	}
	if err != nil {
		return fmt.Errorf("ingest: order lookup %s: %w", orderLinkID, err)
	}
	if order.Status == domain.OrderStatusFilled || order.Status.Terminal() || order.Qty <= 0 {
		return nil
	}

	fills, err := in.orders.ListFills(ctx, orderLinkID)
	if err != nil {
		return fmt.Errorf("ingest: list fills %s: %w", orderLinkID, err)
	}
	var qty, notional float64
	for _, f := range fills {
		qty += f.Qty
		notional += f.Qty * f.Price
	}
	if qty < order.Qty*convergedFraction {
		return nil
	}

	order.Status = domain.OrderStatusFilled
	order.CumExecQty = qty
	if qty > 0 {
		order.AvgPrice = notional / qty
	}
	order.UpdatedAt = time.Now().UTC()
	if err := in.orders.Upsert(ctx, order); err != nil {
		return fmt.Errorf("ingest: persist converged order %s: %w", orderLinkID, err)
	}
	in.logger.Info("order converged from fills",
		slog.String("order_link_id", orderLinkID),
		slog.Float64("qty", qty),
	)
	return in.onOrderFilled(ctx, order)
}

type wsPosition struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Size        string `json:"size"`
	AvgPrice    string `json:"entryPrice"`
	UpdatedTime string `json:"updatedTime"`
}

func (in *Ingestor) handlePositions(ctx context.Context, data json.RawMessage, tsMs int64) error {
	var updates []wsPosition
	if err := json.Unmarshal(data, &updates); err != nil {
		return fmt.Errorf("ingest: decode positions: %w", err)
	}

	for _, u := range updates {
		pos, err := in.positions.OpenBySymbol(ctx, u.Symbol)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("ingest: position lookup %s: %w", u.Symbol, err)
		}

		if pos.Meta == nil {
			pos.Meta = map[string]any{}
		}
		pos.Meta["ws_position"] = map[string]any{
			"size":      parseF(u.Size),
			"avg_price": parseF(u.AvgPrice),
			"side":      u.Side,
			"ts_ms":     tsMs,
		}
		if err := in.positions.Upsert(ctx, pos); err != nil {
			return fmt.Errorf("ingest: persist position meta: %w", err)
		}
	}
	return nil
}

type wsWallet struct {
	TotalEquity           string `json:"totalEquity"`
	TotalAvailableBalance string `json:"totalAvailableBalance"`
}

func (in *Ingestor) handleWallet(ctx context.Context, data json.RawMessage, tsMs int64) error {
	var accounts []wsWallet
	if err := json.Unmarshal(data, &accounts); err != nil {
		return fmt.Errorf("ingest: decode wallet: %w", err)
	}
	if len(accounts) == 0 {
		return nil
	}

	equity := parseF(accounts[0].TotalEquity)
	if equity <= 0 {
		return nil
	}
	if tsMs <= 0 {
		tsMs = time.Now().UnixMilli()
	}

	snap := domain.WalletSnapshot{
		Source:    domain.WalletSourceWS,
		Equity:    equity,
		Available: parseF(accounts[0].TotalAvailableBalance),
		TsMs:      tsMs,
		CreatedAt: time.Now().UTC(),
	}
	if err := in.wallets.Append(ctx, snap); err != nil {
		return fmt.Errorf("ingest: append wallet snapshot: %w", err)
	}
	if err := in.ledger.OnEquity(ctx, time.Now(), equity); err != nil {
		in.logger.Warn("ledger equity update failed", slog.Any("error", err))
	}

	in.checkWalletDrift(ctx, equity)
	return nil
}

// checkWalletDrift compares the WS equity against the latest REST snapshot
// and reports a divergence the moment it is seen. Repeat suppression lives
// in the risk publisher.
func (in *Ingestor) checkWalletDrift(ctx context.Context, wsEquity float64) {
	rest, err := in.wallets.Latest(ctx, domain.WalletSourceREST)
	if err != nil || rest.Equity <= 0 {
		return
	}

	drift := (wsEquity - rest.Equity) / rest.Equity
	if drift < 0 {
		drift = -drift
	}
	if drift < in.cfg.WalletDriftPct {
		return
	}

	in.pub.Emit(ctx, domain.RiskEventWalletDrift, domain.RiskSeverityImportant, "", map[string]any{
		"ws_equity":   wsEquity,
		"rest_equity": rest.Equity,
		"drift_pct":   drift * 100,
	})
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseI(s string) int64 {
	i, _ := strconv.ParseInt(s, 10, 64)
	return i
}
