// Package paper simulates venue execution against closed bars. Entries fill
// instantly at the plan price; targets and stops fill where the intra-bar
// price path crosses them.
package paper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyontrade/perpexec/internal/domain"
	"github.com/halcyontrade/perpexec/internal/execution"
)

// historyCap bounds the per-instrument bar window kept for trail math.
const historyCap = 200

// Matcher is the paper venue: it implements execution.Venue for entries and
// consumes stream:bar_close to fill targets, stops, and trail updates.
type Matcher struct {
	positions domain.PositionStore
	orders    domain.OrderStore
	emits     domain.BarEmitStore
	lifecycle *execution.Lifecycle
	reporter  *execution.Reporter
	trail     execution.TrailConfig
	logger    *slog.Logger

	mu        sync.Mutex
	history   map[string][]domain.Bar
	lastClose map[string]float64
}

// NewMatcher creates the paper venue.
func NewMatcher(
	positions domain.PositionStore,
	orders domain.OrderStore,
	emits domain.BarEmitStore,
	lifecycle *execution.Lifecycle,
	reporter *execution.Reporter,
	trail execution.TrailConfig,
	logger *slog.Logger,
) *Matcher {
	return &Matcher{
		positions: positions,
		orders:    orders,
		emits:     emits,
		lifecycle: lifecycle,
		reporter:  reporter,
		trail:     trail,
		logger:    logger.With(slog.String("component", "paper")),
		history:   map[string][]domain.Bar{},
		lastClose: map[string]float64{},
	}
}

var _ execution.Venue = (*Matcher)(nil)

// PlaceEntry fills the entry immediately at the plan price.
func (m *Matcher) PlaceEntry(ctx context.Context, pos *domain.Position, plan domain.TradePlan) error {
	pos.Status = domain.PositionStatusOpen
	if err := m.positions.Upsert(ctx, *pos); err != nil {
		return fmt.Errorf("paper: open position: %w", err)
	}

	now := time.Now().UTC()
	order := domain.Order{
		ID:             uuid.NewString(),
		IdempotencyKey: pos.IdempotencyKey,
		Purpose:        domain.OrderPurposeEntry,
		OrderLinkID:    fmt.Sprintf("%s:ENTRY:0", pos.IdempotencyKey),
		Symbol:         pos.Symbol,
		Side:           pos.Side,
		Type:           domain.OrderTypeMarket,
		Price:          pos.EntryPrice,
		Qty:            pos.Qty,
		Status:         domain.OrderStatusFilled,
		CumExecQty:     pos.Qty,
		AvgPrice:       pos.EntryPrice,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.orders.Upsert(ctx, order); err != nil {
		return fmt.Errorf("paper: record entry order: %w", err)
	}

	m.reporter.EmitForPosition(ctx, domain.ReportFilled, *pos, map[string]any{
		"price": pos.EntryPrice, "qty": pos.Qty,
	})
	m.logger.Info("entry filled",
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.Float64("price", pos.EntryPrice),
		slog.Float64("qty", pos.Qty),
	)
	return nil
}

// ClosePosition flattens the position at the last seen close, falling back
// to entry when no bar has been observed yet.
func (m *Matcher) ClosePosition(ctx context.Context, pos *domain.Position, reason domain.CloseReason) error {
	m.mu.Lock()
	price, ok := m.lastClose[pos.Symbol]
	m.mu.Unlock()
	if !ok {
		price = pos.EntryPrice
	}
	return m.lifecycle.Close(ctx, pos, price, reason)
}

// HandleBarMessage is the stream:bar_close consumer entrypoint.
func (m *Matcher) HandleBarMessage(ctx context.Context, msg domain.StreamMessage) error {
	var ev domain.BarEvent
	if err := msg.Envelope.Decode(&ev); err != nil {
		return err
	}
	return m.HandleBar(ctx, ev)
}

// HandleBar processes one closed bar: records history, then walks any open
// position on the symbol through the bar's price path.
func (m *Matcher) HandleBar(ctx context.Context, ev domain.BarEvent) error {
	// Re-delivered bars must not double-fill.
	inserted, err := m.emits.MarkEmitted(ctx, ev.Symbol, ev.Timeframe, ev.CloseTimeMs)
	if err != nil {
		return fmt.Errorf("paper: claim bar: %w", err)
	}
	if !inserted {
		return nil
	}

	m.recordBar(ev.Bar)

	pos, err := m.positions.OpenBySymbol(ctx, ev.Symbol)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("paper: open position lookup: %w", err)
	}
	if pos.Timeframe != ev.Timeframe || pos.Status != domain.PositionStatusOpen {
		return nil
	}

	due, err := m.lifecycle.SecondaryExitDue(ctx, &pos, ev)
	if err != nil {
		return err
	}
	if due {
		return m.lifecycle.Close(ctx, &pos, ev.Close, domain.CloseReasonSecondaryRule)
	}

	closed, err := m.walkPath(ctx, &pos, ev.Bar)
	if err != nil || closed {
		return err
	}

	return m.updateTrail(ctx, &pos, ev.Bar)
}

// walkPath replays the assumed intra-bar sequence and fills every level the
// price crosses, in path order. Fills execute at the level price.
func (m *Matcher) walkPath(ctx context.Context, pos *domain.Position, bar domain.Bar) (bool, error) {
	path := bar.Path()
	from := path[0]
	for _, to := range path[1:] {
		closed, err := m.applySegment(ctx, pos, from, to)
		if err != nil || closed {
			return closed, err
		}
		from = to
	}
	return false, nil
}

// applySegment fills levels lying on one monotonic price segment, nearest
// first. The stop level is re-resolved after every fill since TP fills move
// it.
func (m *Matcher) applySegment(ctx context.Context, pos *domain.Position, from, to float64) (bool, error) {
	for {
		type hit struct {
			price float64
			apply func(context.Context) (bool, error)
		}
		var hits []hit

		stop := pos.EffectiveStop()
		if stop > 0 && within(from, to, stop) {
			stopLevel := stop
			hits = append(hits, hit{stopLevel, func(ctx context.Context) (bool, error) {
				reason := execution.StopReason(*pos)
				return true, m.lifecycle.Close(ctx, pos, stopLevel, reason)
			}})
		}
		if !pos.TP1Fill && within(from, to, pos.TP1Price) {
			hits = append(hits, hit{pos.TP1Price, func(ctx context.Context) (bool, error) {
				return false, m.lifecycle.OnTP1(ctx, pos, pos.TP1Price)
			}})
		}
		if pos.TP1Fill && !pos.TP2Fill && within(from, to, pos.TP2Price) {
			hits = append(hits, hit{pos.TP2Price, func(ctx context.Context) (bool, error) {
				return false, m.lifecycle.OnTP2(ctx, pos, pos.TP2Price)
			}})
		}
		if len(hits) == 0 {
			return false, nil
		}

		nearest := hits[0]
		for _, h := range hits[1:] {
			if dist(from, h.price) < dist(from, nearest.price) {
				nearest = h
			}
		}
		closed, err := nearest.apply(ctx)
		if err != nil || closed {
			return closed, err
		}
		from = nearest.price
	}
}

// updateTrail advances the runner stop after TP2, tighten-only.
func (m *Matcher) updateTrail(ctx context.Context, pos *domain.Position, bar domain.Bar) error {
	if !pos.TP2Fill {
		return nil
	}

	m.mu.Lock()
	bars := m.history[historyKey(bar.Symbol, bar.Timeframe)]
	m.mu.Unlock()

	candidate, ok := execution.TrailStop(m.trail, pos.TrailMode, bars, pos.Side)
	if !ok {
		return nil
	}
	next := execution.TightenStop(pos.Side, pos.RunnerStopPrice, candidate)
	if next == pos.RunnerStopPrice {
		return nil
	}

	pos.RunnerStopPrice = next
	if err := m.positions.Upsert(ctx, *pos); err != nil {
		return fmt.Errorf("paper: persist trail: %w", err)
	}
	m.reporter.EmitForPosition(ctx, domain.ReportStopMoved, *pos, map[string]any{
		"stop": next, "mode": string(pos.TrailMode),
	})
	return nil
}

func (m *Matcher) recordBar(bar domain.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := historyKey(bar.Symbol, bar.Timeframe)
	bars := append(m.history[key], bar)
	if len(bars) > historyCap {
		bars = bars[len(bars)-historyCap:]
	}
	m.history[key] = bars
	m.lastClose[bar.Symbol] = bar.Close
}

func historyKey(symbol string, tf domain.Timeframe) string {
	return symbol + "|" + string(tf)
}

func within(from, to, level float64) bool {
	lo, hi := from, to
	if lo > hi {
		lo, hi = hi, lo
	}
	return level >= lo && level <= hi
}

func dist(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}
