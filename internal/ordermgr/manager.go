// Package ordermgr drives live entry orders through their timeout, reprice,
// and market-fallback ladder, and flattens positions with reduce-only
// market orders.
package ordermgr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/halcyontrade/perpexec/internal/domain"
	"github.com/halcyontrade/perpexec/internal/exchange/bybit"
	"github.com/halcyontrade/perpexec/internal/execution"
	"github.com/halcyontrade/perpexec/internal/risk"
)

// VenueClient is the slice of the REST client the order manager needs.
type VenueClient interface {
	CreateOrder(ctx context.Context, req bybit.OrderRequest) (bybit.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, orderLinkID string) error
	GetOrder(ctx context.Context, symbol, orderLinkID string) (bybit.OrderState, error)
	SetTradingStop(ctx context.Context, req bybit.TradingStopRequest) error
}

// Config tunes the live entry ladder.
type Config struct {
	// EntryOrderType selects the entry style: Limit works the reprice
	// ladder, Market takes the entry immediately and skips it.
	EntryOrderType domain.OrderType

	// EntryTimeout cancels a resting limit entry with no fills.
	EntryTimeout time.Duration

	// PartialStallTimeout cancels the remainder when a partially filled
	// entry stops progressing, then falls back to market.
	PartialStallTimeout time.Duration

	// MaxRetries is how many repriced limit attempts run after the first
	// before the market fallback.
	MaxRetries int

	// RepriceBps is the per-attempt price concession in basis points.
	RepriceBps float64

	// PollInterval is how often a working order is re-queried.
	PollInterval time.Duration

	// MarketFallback takes the unfilled remainder at market once the
	// limit ladder is exhausted. Off, exhaustion fails the entry instead.
	MarketFallback bool
}

// DefaultConfig mirrors the live defaults.
func DefaultConfig() Config {
	return Config{
		EntryOrderType:      domain.OrderTypeLimit,
		EntryTimeout:        15 * time.Second,
		PartialStallTimeout: 20 * time.Second,
		MaxRetries:          2,
		RepriceBps:          5,
		PollInterval:        time.Second,
		MarketFallback:      true,
	}
}

// Manager is the live venue: limit entries with timeout, reprice, and market
// fallback, plus reduce-only market closes.
type Manager struct {
	cfg       Config
	client    VenueClient
	orders    domain.OrderStore
	positions domain.PositionStore
	lifecycle *execution.Lifecycle
	reporter  *execution.Reporter
	filters   execution.FilterSource
	pub       *risk.Publisher
	logger    *slog.Logger
}

// New wires the live order manager.
func New(
	cfg Config,
	client VenueClient,
	orders domain.OrderStore,
	positions domain.PositionStore,
	lifecycle *execution.Lifecycle,
	reporter *execution.Reporter,
	filters execution.FilterSource,
	pub *risk.Publisher,
	logger *slog.Logger,
) *Manager {
	if cfg.EntryOrderType == "" {
		cfg.EntryOrderType = domain.OrderTypeLimit
	}
	if cfg.EntryTimeout <= 0 {
		cfg.EntryTimeout = 15 * time.Second
	}
	if cfg.PartialStallTimeout <= 0 {
		cfg.PartialStallTimeout = 20 * time.Second
	}
	if cfg.RepriceBps <= 0 {
		cfg.RepriceBps = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Manager{
		cfg:       cfg,
		client:    client,
		orders:    orders,
		positions: positions,
		lifecycle: lifecycle,
		reporter:  reporter,
		filters:   filters,
		pub:       pub,
		logger:    logger.With(slog.String("component", "ordermgr")),
	}
}

var _ execution.Venue = (*Manager)(nil)

// PlaceEntry works a limit entry at the plan price. An unfilled attempt is
// cancelled on timeout and repriced toward the market; after the retry
// budget, or when a partial fill stalls, the remainder goes to market.
func (m *Manager) PlaceEntry(ctx context.Context, pos *domain.Position, plan domain.TradePlan) error {
	f, err := m.filters.Filters(ctx, pos.Symbol)
	if err != nil {
		return fmt.Errorf("ordermgr: filters lookup: %w", err)
	}

	if m.cfg.EntryOrderType == domain.OrderTypeMarket {
		return m.marketEntry(ctx, pos, plan)
	}

	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		price := execution.RoundToTick(repricedEntry(pos.EntryPrice, pos.Side, m.cfg.RepriceBps, attempt), f.TickSize)
		link := fmt.Sprintf("%s:ENTRY:%d", pos.IdempotencyKey, attempt)

		order, err := m.submit(ctx, pos, domain.OrderPurposeEntry, link, domain.OrderTypeLimit, price, pos.Qty, attempt, false)
		if err != nil {
			return err
		}

		outcome, err := m.watchEntry(ctx, pos, &order)
		if err != nil {
			return err
		}
		switch outcome {
		case entryFilled:
			return m.openPosition(ctx, pos, order, plan)

		case entryStalled:
			// Partial fill stopped progressing: cancel the remainder and
			// take the rest at market.
			if m.cancelEntry(ctx, pos, &order, "partial_stall") {
				return m.openPosition(ctx, pos, order, plan)
			}
			return m.marketFallback(ctx, pos, plan, order.CumExecQty)

		case entryTimedOut:
			m.pub.Emit(ctx, domain.RiskEventOrderTimeout, domain.RiskSeverityImportant, pos.Symbol, map[string]any{
				"order_link_id": link,
				"attempt":       attempt,
				"price":         price,
			})
			if m.cancelEntry(ctx, pos, &order, "entry_timeout") {
				return m.openPosition(ctx, pos, order, plan)
			}
			if attempt < m.cfg.MaxRetries {
				m.pub.Emit(ctx, domain.RiskEventOrderRetry, domain.RiskSeverityInfo, pos.Symbol, map[string]any{
					"order_link_id": link,
					"next_attempt":  attempt + 1,
				})
			}
		}
	}

	return m.marketFallback(ctx, pos, plan, 0)
}

// marketEntry takes the whole entry at market in one shot.
func (m *Manager) marketEntry(ctx context.Context, pos *domain.Position, plan domain.TradePlan) error {
	link := fmt.Sprintf("%s:ENTRY:0", pos.IdempotencyKey)
	order, err := m.submit(ctx, pos, domain.OrderPurposeEntry, link, domain.OrderTypeMarket, 0, pos.Qty, 0, false)
	if err != nil {
		return err
	}
	final, err := m.awaitTerminal(ctx, &order)
	if err != nil {
		return err
	}
	if final.Status != domain.OrderStatusFilled && !final.Converged() {
		return fmt.Errorf("ordermgr: market entry %s ended %s: %w", link, final.Status, domain.ErrEntryFailed)
	}
	return m.openPosition(ctx, pos, final, plan)
}

// ClosePosition flattens the remaining quantity with a reduce-only market
// order and finalizes the position at the realized average price.
func (m *Manager) ClosePosition(ctx context.Context, pos *domain.Position, reason domain.CloseReason) error {
	remaining := pos.RemainingQty()
	if remaining <= 0 {
		return m.lifecycle.Close(ctx, pos, pos.EntryPrice, reason)
	}

	link := fmt.Sprintf("%s:CLOSE:%d", pos.IdempotencyKey, time.Now().UnixMilli())
	closeSide := pos.Side.Opposite()

	order := domain.Order{
		IdempotencyKey: pos.IdempotencyKey,
		Purpose:        domain.OrderPurposeClose,
		OrderLinkID:    link,
		Symbol:         pos.Symbol,
		Side:           closeSide,
		Type:           domain.OrderTypeMarket,
		Qty:            remaining,
		Status:         domain.OrderStatusNew,
		ReduceOnly:     true,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := m.orders.Upsert(ctx, order); err != nil {
		return fmt.Errorf("ordermgr: record close order: %w", err)
	}

	ack, err := m.client.CreateOrder(ctx, bybit.OrderRequest{
		Symbol:      pos.Symbol,
		Side:        venueSide(closeSide),
		OrderType:   "Market",
		Qty:         remaining,
		OrderLinkID: link,
		ReduceOnly:  true,
	})
	if err != nil {
		return fmt.Errorf("ordermgr: close position %s: %w", pos.IdempotencyKey, err)
	}
	order.VenueOrderID = ack.OrderID

	final, err := m.awaitTerminal(ctx, &order)
	if err != nil {
		return err
	}
	exit := final.AvgPrice
	if exit <= 0 {
		exit = pos.EntryPrice
	}
	return m.lifecycle.Close(ctx, pos, exit, reason)
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

type entryOutcome int

const (
	entryFilled entryOutcome = iota
	entryTimedOut
	entryStalled
)

func (m *Manager) submit(ctx context.Context, pos *domain.Position, purpose domain.OrderPurpose, link string, typ domain.OrderType, price, qty float64, attempt int, reduceOnly bool) (domain.Order, error) {
	now := time.Now().UTC()
	order := domain.Order{
		IdempotencyKey: pos.IdempotencyKey,
		Purpose:        purpose,
		OrderLinkID:    link,
		Symbol:         pos.Symbol,
		Side:           pos.Side,
		Type:           typ,
		Price:          price,
		Qty:            qty,
		Status:         domain.OrderStatusNew,
		Attempt:        attempt,
		ReduceOnly:     reduceOnly,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.orders.Upsert(ctx, order); err != nil {
		return order, fmt.Errorf("ordermgr: record order %s: %w", link, err)
	}

	req := bybit.OrderRequest{
		Symbol:      pos.Symbol,
		Side:        venueSide(pos.Side),
		OrderType:   string(typ),
		Qty:         qty,
		OrderLinkID: link,
		ReduceOnly:  reduceOnly,
	}
	if typ == domain.OrderTypeLimit {
		req.Price = price
	}
	ack, err := m.client.CreateOrder(ctx, req)
	if err != nil {
		return order, fmt.Errorf("ordermgr: create %s order %s: %w", purpose, link, err)
	}
	order.VenueOrderID = ack.OrderID

	m.logger.Info("order submitted",
		slog.String("order_link_id", link),
		slog.String("type", string(typ)),
		slog.Float64("price", price),
		slog.Float64("qty", qty),
	)
	return order, nil
}

// watchEntry polls the working limit entry until it converges, times out
// unfilled, or stalls partially filled.
func (m *Manager) watchEntry(ctx context.Context, pos *domain.Position, order *domain.Order) (entryOutcome, error) {
	placedAt := time.Now()
	lastProgress := placedAt
	lastQty := 0.0

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return entryTimedOut, ctx.Err()
		case <-ticker.C:
		}

		state, err := m.client.GetOrder(ctx, order.Symbol, order.OrderLinkID)
		if err != nil {
			m.logger.Warn("order query failed",
				slog.String("order_link_id", order.OrderLinkID),
				slog.Any("error", err),
			)
			continue
		}
		m.applyState(ctx, order, state)

		if order.Converged() || order.Status == domain.OrderStatusFilled {
			return entryFilled, nil
		}
		if order.Status.Terminal() {
			// Cancelled or rejected out from under us; treat as a timeout
			// so the ladder moves on.
			return entryTimedOut, nil
		}

		now := time.Now()
		if order.CumExecQty > lastQty {
			lastQty = order.CumExecQty
			lastProgress = now
		}
		if order.CumExecQty > 0 {
			if now.Sub(lastProgress) >= m.cfg.PartialStallTimeout {
				return entryStalled, nil
			}
			continue
		}
		if now.Sub(placedAt) >= m.cfg.EntryTimeout {
			return entryTimedOut, nil
		}
	}
}

// awaitTerminal polls a market order until the venue reports a final state.
func (m *Manager) awaitTerminal(ctx context.Context, order *domain.Order) (domain.Order, error) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return *order, ctx.Err()
		case <-ticker.C:
		}

		state, err := m.client.GetOrder(ctx, order.Symbol, order.OrderLinkID)
		if err != nil {
			m.logger.Warn("order query failed",
				slog.String("order_link_id", order.OrderLinkID),
				slog.Any("error", err),
			)
			continue
		}
		m.applyState(ctx, order, state)
		if order.Status.Terminal() || order.Converged() {
			return *order, nil
		}
	}
}

func (m *Manager) applyState(ctx context.Context, order *domain.Order, state bybit.OrderState) {
	order.Status = domain.NormalizeOrderStatus(state.Status)
	order.CumExecQty = state.CumExecQty
	if state.AvgPrice > 0 {
		order.AvgPrice = state.AvgPrice
	}
	if state.OrderID != "" {
		order.VenueOrderID = state.OrderID
	}
	order.UpdatedAt = time.Now().UTC()
	if err := m.orders.Upsert(ctx, *order); err != nil {
		m.logger.Warn("persist order state failed",
			slog.String("order_link_id", order.OrderLinkID),
			slog.Any("error", err),
		)
	}
}

// cancelEntry pulls the working entry. A cancel rejection usually means the
// order filled in the race between our timeout and the venue; the order is
// re-queried so the caller converges on the fill instead of placing a second
// full-size entry on top of it. Returns true when the order turned out
// filled.
func (m *Manager) cancelEntry(ctx context.Context, pos *domain.Position, order *domain.Order, cause string) bool {
	if err := m.client.CancelOrder(ctx, pos.Symbol, order.OrderLinkID); err != nil {
		m.logger.Warn("cancel failed",
			slog.String("order_link_id", order.OrderLinkID),
			slog.Any("error", err),
		)
		state, qerr := m.client.GetOrder(ctx, order.Symbol, order.OrderLinkID)
		if qerr != nil {
			m.logger.Warn("post-cancel query failed",
				slog.String("order_link_id", order.OrderLinkID),
				slog.Any("error", qerr),
			)
			return false
		}
		m.applyState(ctx, order, state)
		return order.Status == domain.OrderStatusFilled || order.Converged()
	}
	order.Status = domain.OrderStatusCancelled
	order.UpdatedAt = time.Now().UTC()
	if err := m.orders.Upsert(ctx, *order); err != nil {
		m.logger.Warn("persist cancel failed", slog.Any("error", err))
	}
	m.pub.Emit(ctx, domain.RiskEventOrderCancelled, domain.RiskSeverityInfo, pos.Symbol, map[string]any{
		"order_link_id": order.OrderLinkID,
		"cause":         cause,
		"filled_qty":    order.CumExecQty,
	})
	return false
}

// marketFallback takes the unfilled remainder at market after the limit
// ladder is exhausted. alreadyFilled is what previous attempts executed.
func (m *Manager) marketFallback(ctx context.Context, pos *domain.Position, plan domain.TradePlan, alreadyFilled float64) error {
	remaining := pos.Qty - alreadyFilled
	if remaining <= 0 {
		order, err := m.orders.GetByPurpose(ctx, pos.IdempotencyKey, domain.OrderPurposeEntry)
		if err != nil {
			return fmt.Errorf("ordermgr: fallback lookup: %w", err)
		}
		return m.openPosition(ctx, pos, order, plan)
	}

	if !m.cfg.MarketFallback {
		return fmt.Errorf("ordermgr: entry ladder exhausted for %s with fallback disabled: %w",
			pos.IdempotencyKey, domain.ErrEntryFailed)
	}

	link := fmt.Sprintf("%s:ENTRY:FALLBACK", pos.IdempotencyKey)
	m.pub.Emit(ctx, domain.RiskEventOrderFallbackMarket, domain.RiskSeverityImportant, pos.Symbol, map[string]any{
		"order_link_id": link,
		"qty":           remaining,
	})

	order, err := m.submit(ctx, pos, domain.OrderPurposeEntryFallback, link, domain.OrderTypeMarket, 0, remaining, 0, false)
	if err != nil {
		return err
	}
	final, err := m.awaitTerminal(ctx, &order)
	if err != nil {
		return err
	}
	if final.Status != domain.OrderStatusFilled && !final.Converged() {
		return fmt.Errorf("ordermgr: fallback order %s ended %s", link, final.Status)
	}
	return m.openPosition(ctx, pos, final, plan)
}

// openPosition marks the position live at its realized average entry and
// attaches execution-quality metrics to the filled order.
func (m *Manager) openPosition(ctx context.Context, pos *domain.Position, order domain.Order, plan domain.TradePlan) error {
	if order.AvgPrice > 0 {
		pos.EntryPrice = order.AvgPrice
	}
	pos.Status = domain.PositionStatusOpen
	if err := m.positions.Upsert(ctx, *pos); err != nil {
		return fmt.Errorf("ordermgr: open position: %w", err)
	}

	q := execution.MeasureQuality(order, plan.EntryPrice, plan.SignalTsMs, order.UpdatedAt.UnixMilli())
	q.Attach(&order)
	if err := m.orders.Upsert(ctx, order); err != nil {
		m.logger.Warn("persist quality failed", slog.Any("error", err))
	}

	m.reporter.EmitForPosition(ctx, domain.ReportFilled, *pos, map[string]any{
		"price":         pos.EntryPrice,
		"qty":           pos.Qty,
		"order_link_id": order.OrderLinkID,
		"slippage_bps":  q.SlippageBps,
		"latency_ms":    q.LatencyMs,
	})
	m.logger.Info("entry filled",
		slog.String("symbol", pos.Symbol),
		slog.Float64("avg_price", pos.EntryPrice),
		slog.Float64("qty", pos.Qty),
	)
	return m.placeBracket(ctx, pos)
}

// placeBracket arms the venue-side protection for a freshly opened position:
// the position-level stop loss, then the two reduce-only target orders whose
// fills the websocket ingest turns into TP transitions.
func (m *Manager) placeBracket(ctx context.Context, pos *domain.Position) error {
	if err := m.client.SetTradingStop(ctx, bybit.TradingStopRequest{
		Symbol:   pos.Symbol,
		StopLoss: pos.StopPrice,
	}); err != nil {
		return fmt.Errorf("ordermgr: arm stop loss: %w", err)
	}

	targets := []struct {
		purpose domain.OrderPurpose
		price   float64
		qty     float64
	}{
		{domain.OrderPurposeTP1, pos.TP1Price, pos.TP1Qty},
		{domain.OrderPurposeTP2, pos.TP2Price, pos.TP2Qty},
	}
	for _, tp := range targets {
		if tp.qty <= 0 {
			continue
		}
		link := fmt.Sprintf("%s:%s", pos.IdempotencyKey, tp.purpose)
		order := domain.Order{
			IdempotencyKey: pos.IdempotencyKey,
			Purpose:        tp.purpose,
			OrderLinkID:    link,
			Symbol:         pos.Symbol,
			Side:           pos.Side.Opposite(),
			Type:           domain.OrderTypeLimit,
			Price:          tp.price,
			Qty:            tp.qty,
			Status:         domain.OrderStatusNew,
			ReduceOnly:     true,
			CreatedAt:      time.Now().UTC(),
			UpdatedAt:      time.Now().UTC(),
		}
		if err := m.orders.Upsert(ctx, order); err != nil {
			m.logger.Warn("record target order failed", slog.Any("error", err))
		}
		if _, err := m.client.CreateOrder(ctx, bybit.OrderRequest{
			Symbol:      pos.Symbol,
			Side:        venueSide(pos.Side.Opposite()),
			OrderType:   "Limit",
			Qty:         tp.qty,
			Price:       tp.price,
			OrderLinkID: link,
			ReduceOnly:  true,
		}); err != nil {
			m.logger.Error("place target order failed",
				slog.String("order_link_id", link),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

// repricedEntry concedes RepriceBps basis points per attempt toward the
// market: buys bid higher, sells offer lower.
func repricedEntry(base float64, side domain.Side, bps float64, attempt int) float64 {
	if attempt <= 0 {
		return base
	}
	b := bps * float64(attempt) / 10_000
	if side == domain.SideLong {
		return base * (1 + b)
	}
	return base / (1 + b)
}

func venueSide(side domain.Side) string {
	if side == domain.SideLong {
		return "Buy"
	}
	return "Sell"
}
