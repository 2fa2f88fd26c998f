package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/halcyontrade/perpexec/internal/domain"
)

// Venue abstracts how an admitted plan becomes a working position: the
// paper matcher fills instantly, the live path hands off to the order
// manager.
type Venue interface {
	// PlaceEntry opens the position for a sized plan. On return the
	// position has been persisted in its venue-appropriate state.
	PlaceEntry(ctx context.Context, pos *domain.Position, plan domain.TradePlan) error

	// ClosePosition flattens whatever remains of an open position.
	ClosePosition(ctx context.Context, pos *domain.Position, reason domain.CloseReason) error
}

// EquitySource reports current account equity for sizing.
type EquitySource interface {
	Equity(ctx context.Context) (float64, error)
}

// FilterSource resolves per-instrument precision filters.
type FilterSource interface {
	Filters(ctx context.Context, symbol string) (Filters, error)
}

// Executor consumes trade plans, runs them through the admission gates,
// sizes the survivors, and opens positions on the configured venue.
type Executor struct {
	sizing    SizingConfig
	gates     *Gates
	reporter  *Reporter
	positions domain.PositionStore
	lifecycle *Lifecycle
	venue     Venue
	equity    EquitySource
	filters   FilterSource
	logger    *slog.Logger
}

// NewExecutor wires the plan execution pipeline.
func NewExecutor(
	sizing SizingConfig,
	gates *Gates,
	reporter *Reporter,
	positions domain.PositionStore,
	lifecycle *Lifecycle,
	venue Venue,
	equity EquitySource,
	filters FilterSource,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		sizing:    sizing,
		gates:     gates,
		reporter:  reporter,
		positions: positions,
		lifecycle: lifecycle,
		venue:     venue,
		equity:    equity,
		filters:   filters,
		logger:    logger.With(slog.String("component", "executor")),
	}
}

// HandlePlanMessage is the stream:trade_plan consumer entrypoint.
func (e *Executor) HandlePlanMessage(ctx context.Context, msg domain.StreamMessage) error {
	var plan domain.TradePlan
	if err := msg.Envelope.Decode(&plan); err != nil {
		return err
	}
	return e.HandlePlan(ctx, plan)
}

// HandlePlan runs one plan end to end. Gate rejections are reported and
// swallowed; infrastructure failures propagate so the bus dead-letters the
// message.
func (e *Executor) HandlePlan(ctx context.Context, plan domain.TradePlan) error {
	log := e.logger.With(
		slog.String("symbol", plan.Symbol),
		slog.String("idempotency_key", plan.IdempotencyKey),
	)

	if err := plan.Validate(); err != nil {
		log.Warn("invalid plan", slog.Any("error", err))
		e.reporter.Emit(ctx, domain.ReportOrderRejected, plan, domain.RejectInvalidPlan, map[string]any{
			"error": err.Error(),
		})
		return nil
	}

	// A plan that already produced a position is a redelivery.
	if existing, err := e.positions.GetByKey(ctx, plan.IdempotencyKey); err == nil {
		log.Info("plan already executed", slog.String("status", string(existing.Status)))
		return nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("execution: dedup lookup: %w", err)
	}

	adm, err := e.gates.Admit(ctx, plan, time.Now())
	if adm.Unlock != nil {
		defer adm.Unlock()
	}
	if err != nil {
		return err
	}
	if !adm.Admitted() {
		if adm.Reject == domain.RejectDuplicate {
			// A concurrent delivery of the same plan; the lock holder is
			// already working it. Ack silently.
			log.Debug("duplicate plan delivery")
			return nil
		}
		log.Info("plan rejected", slog.String("reason", string(adm.Reject)))
		e.reporter.Emit(ctx, domain.ReportOrderRejected, plan, adm.Reject, adm.Detail)
		return nil
	}

	if adm.Upgrade != nil {
		if err := e.venue.ClosePosition(ctx, adm.Upgrade, domain.CloseReasonMutexUpgrade); err != nil {
			return fmt.Errorf("execution: mutex upgrade close: %w", err)
		}
	}

	equity, err := e.equity.Equity(ctx)
	if err != nil {
		return fmt.Errorf("execution: equity lookup: %w", err)
	}
	filters, err := e.filters.Filters(ctx, plan.Symbol)
	if err != nil {
		return fmt.Errorf("execution: filters lookup: %w", err)
	}

	qty, err := Size(plan, equity, e.sizing, filters)
	if err != nil {
		if errors.Is(err, domain.ErrZeroQty) {
			log.Info("plan sized to zero", slog.Float64("equity", equity))
			e.reporter.Emit(ctx, domain.ReportOrderRejected, plan, domain.RejectOrderValueTooSmall, map[string]any{
				"equity": equity,
			})
			return nil
		}
		return err
	}

	ladder := BuildLadder(plan, qty, filters)
	pos := buildPosition(plan, qty, ladder, filters)

	if err := e.positions.Upsert(ctx, pos); err != nil {
		return fmt.Errorf("execution: persist position: %w", err)
	}
	e.reporter.Emit(ctx, domain.ReportOrderSubmitted, plan, "", map[string]any{
		"qty":       qty,
		"equity":    equity,
		"tp1_price": ladder.TP1Price,
		"tp2_price": ladder.TP2Price,
	})

	if err := e.venue.PlaceEntry(ctx, &pos, plan); err != nil {
		if errors.Is(err, domain.ErrVenueReject) || errors.Is(err, domain.ErrEntryFailed) {
			// The venue said no, or the ladder ran out with fallback off.
			// Not retried: mark the position failed so the admission leaves
			// an auditable marker, report, and ack.
			return e.failEntry(ctx, &pos, plan, err)
		}
		return fmt.Errorf("execution: place entry: %w", err)
	}

	log.Info("plan admitted",
		slog.String("side", string(plan.Side)),
		slog.Float64("qty", qty),
		slog.Float64("entry", plan.EntryPrice),
	)
	return nil
}

// failEntry rolls back an admitted position whose entry the venue rejected.
func (e *Executor) failEntry(ctx context.Context, pos *domain.Position, plan domain.TradePlan, cause error) error {
	pos.Status = domain.PositionStatusFailed
	pos.CloseReason = domain.CloseReasonEntryFailed
	if err := e.positions.Upsert(ctx, *pos); err != nil {
		return fmt.Errorf("execution: mark entry failed: %w", err)
	}
	e.reporter.Emit(ctx, domain.ReportOrderRejected, plan, domain.RejectEntryFailed, map[string]any{
		"venue_error": cause.Error(),
	})
	e.logger.Warn("entry rejected by venue",
		slog.String("symbol", pos.Symbol),
		slog.Any("error", cause),
	)
	return nil
}

// ForceCloseAll flattens every open position; invoked by the hard-halt
// circuit.
func (e *Executor) ForceCloseAll(ctx context.Context, reason domain.CloseReason) error {
	open, err := e.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("execution: list open for force close: %w", err)
	}

	var firstErr error
	for i := range open {
		if err := e.venue.ClosePosition(ctx, &open[i], reason); err != nil {
			e.logger.Error("force close failed",
				slog.String("symbol", open[i].Symbol),
				slog.Any("error", err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func buildPosition(plan domain.TradePlan, qty float64, ladder Ladder, f Filters) domain.Position {
	pos := domain.Position{
		IdempotencyKey: plan.IdempotencyKey,
		PlanID:         plan.PlanID,
		Symbol:         plan.Symbol,
		Side:           plan.Side,
		Timeframe:      plan.Timeframe,
		Status:         domain.PositionStatusPending,
		EntryPrice:     RoundToTick(plan.EntryPrice, f.TickSize),
		Qty:            qty,
		StopPrice:      RoundToTick(plan.StopPrice, f.TickSize),
		TP1Price:       ladder.TP1Price,
		TP2Price:       ladder.TP2Price,
		TP1Qty:         ladder.TP1Qty,
		TP2Qty:         ladder.TP2Qty,
		TrailMode:      plan.TrailMode,
		OpenedAt:       time.Now().UTC(),
		Meta:           map[string]any{},
	}
	if hist, ok := plan.Meta["macd_hist"].(float64); ok {
		pos.HistEntry = hist
	}
	return pos
}
