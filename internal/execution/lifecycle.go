package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/halcyontrade/perpexec/internal/domain"
	"github.com/halcyontrade/perpexec/internal/risk"
)

// LifecycleConfig tunes post-entry behavior shared by the paper matcher and
// the live reconciler.
type LifecycleConfig struct {
	// CooldownBars is how many bars of the plan's timeframe a (symbol, side)
	// is blocked after a primary stop-loss exit.
	CooldownBars int

	// CooldownBarsByTF overrides CooldownBars per timeframe.
	CooldownBarsByTF map[domain.Timeframe]int
}

// cooldownBars resolves the bar count for a timeframe.
func (c LifecycleConfig) cooldownBars(tf domain.Timeframe) int {
	if n, ok := c.CooldownBarsByTF[tf]; ok && n > 0 {
		return n
	}
	return c.CooldownBars
}

// Lifecycle applies the state transitions every position goes through
// regardless of venue: TP fills, stop resolution, the one-shot momentum
// exit, and close bookkeeping with its risk side effects.
type Lifecycle struct {
	cfg       LifecycleConfig
	positions domain.PositionStore
	cooldowns domain.CooldownStore
	ledger    *risk.Ledger
	reporter  *Reporter
	pub       *risk.Publisher
	logger    *slog.Logger
}

// NewLifecycle creates the shared lifecycle applier.
func NewLifecycle(
	cfg LifecycleConfig,
	positions domain.PositionStore,
	cooldowns domain.CooldownStore,
	ledger *risk.Ledger,
	reporter *Reporter,
	pub *risk.Publisher,
	logger *slog.Logger,
) *Lifecycle {
	if cfg.CooldownBars <= 0 {
		cfg.CooldownBars = 3
	}
	return &Lifecycle{
		cfg:       cfg,
		positions: positions,
		cooldowns: cooldowns,
		ledger:    ledger,
		reporter:  reporter,
		pub:       pub,
		logger:    logger.With(slog.String("component", "lifecycle")),
	}
}

// OnTP1 books the first target fill: 40% off at tp1, stop moves to
// breakeven by way of EffectiveStop.
func (lc *Lifecycle) OnTP1(ctx context.Context, pos *domain.Position, price float64) error {
	if pos.TP1Fill {
		return nil
	}
	pos.TP1Fill = true
	pnl := pos.PnL(price, pos.TP1Qty)
	pos.RealizedPnl += pnl

	if err := lc.positions.Upsert(ctx, *pos); err != nil {
		return fmt.Errorf("execution: persist tp1 fill: %w", err)
	}
	lc.reporter.EmitForPosition(ctx, domain.ReportTPHit, *pos, map[string]any{
		"leg": 1, "price": price, "qty": pos.TP1Qty, "pnl": pnl,
	})
	if err := lc.ledger.OnRealizedPnl(ctx, time.Now(), pnl); err != nil {
		lc.logger.Warn("ledger update failed", slog.Any("error", err))
	}
	return nil
}

// OnTP2 books the second target fill and arms the runner trail, seeding the
// runner stop at breakeven.
func (lc *Lifecycle) OnTP2(ctx context.Context, pos *domain.Position, price float64) error {
	if pos.TP2Fill {
		return nil
	}
	pos.TP2Fill = true
	if pos.RunnerStopPrice == 0 {
		pos.RunnerStopPrice = pos.EntryPrice
	}
	pnl := pos.PnL(price, pos.TP2Qty)
	pos.RealizedPnl += pnl

	if err := lc.positions.Upsert(ctx, *pos); err != nil {
		return fmt.Errorf("execution: persist tp2 fill: %w", err)
	}
	lc.reporter.EmitForPosition(ctx, domain.ReportTPHit, *pos, map[string]any{
		"leg": 2, "price": price, "qty": pos.TP2Qty, "pnl": pnl,
	})
	if err := lc.ledger.OnRealizedPnl(ctx, time.Now(), pnl); err != nil {
		lc.logger.Warn("ledger update failed", slog.Any("error", err))
	}
	return nil
}

// StopReason resolves what a stop touch means in the position's current
// state: the untouched primary stop is cooldown-worthy; once the stop has
// moved (breakeven after TP1, the trail after TP2) a touch is a secondary
// exit that banked profit first.
func StopReason(pos domain.Position) domain.CloseReason {
	if pos.TP1Fill || pos.TP2Fill {
		return domain.CloseReasonSecondarySL
	}
	return domain.CloseReasonPrimarySL
}

// Close finalizes a position at price for the given reason, books remaining
// pnl, and applies the primary-stop cooldown when warranted.
func (lc *Lifecycle) Close(ctx context.Context, pos *domain.Position, price float64, reason domain.CloseReason) error {
	remaining := pos.RemainingQty()
	pnl := pos.PnL(price, remaining)
	total := pos.RealizedPnl + pnl

	if err := lc.positions.Close(ctx, pos.IdempotencyKey, reason, price, total); err != nil {
		return fmt.Errorf("execution: close position %s: %w", pos.IdempotencyKey, err)
	}
	pos.Status = domain.PositionStatusClosed
	pos.CloseReason = reason
	pos.ExitPrice = price
	pos.RealizedPnl = total

	lc.reporter.EmitForPosition(ctx, closeReportKind(reason), *pos, map[string]any{
		"reason": string(reason), "exit_price": price, "qty": remaining, "pnl": total,
	})
	if err := lc.ledger.OnRealizedPnl(ctx, time.Now(), pnl); err != nil {
		lc.logger.Warn("ledger update failed", slog.Any("error", err))
	}
	if err := lc.ledger.OnTradeClosed(ctx, time.Now(), total); err != nil {
		lc.logger.Warn("ledger streak update failed", slog.Any("error", err))
	}

	// A primary stop-loss exit parks the (symbol, side) for a few bars.
	// Breakeven and runner exits banked profit first and carry no cooldown,
	// nor do closes the venue initiated after TP1.
	if reason == domain.CloseReasonPrimarySL && !pos.TP1Fill {
		if err := lc.SetCooldown(ctx, *pos, "PRIMARY_SL_HIT"); err != nil {
			lc.logger.Warn("cooldown set failed", slog.Any("error", err))
		}
	}

	lc.logger.Info("position closed",
		slog.String("symbol", pos.Symbol),
		slog.String("reason", string(reason)),
		slog.Float64("exit_price", price),
		slog.Float64("pnl", total),
	)
	return nil
}

// closeReportKind maps an exit reason onto the report status vocabulary.
func closeReportKind(reason domain.CloseReason) domain.ReportKind {
	switch reason {
	case domain.CloseReasonPrimarySL:
		return domain.ReportPrimarySLHit
	case domain.CloseReasonSecondarySL, domain.CloseReasonSecondaryRule, domain.CloseReasonMutexUpgrade:
		return domain.ReportSecondarySLExit
	default:
		return domain.ReportPositionClosed
	}
}

// SetCooldown blocks new entries on the position's (symbol, side, timeframe)
// for the configured number of bars.
func (lc *Lifecycle) SetCooldown(ctx context.Context, pos domain.Position, reason string) error {
	tfMs, err := pos.Timeframe.DurationMs()
	if err != nil {
		return err
	}
	until := time.Now().UnixMilli() + int64(lc.cfg.cooldownBars(pos.Timeframe))*tfMs

	cd := domain.Cooldown{
		Symbol:    pos.Symbol,
		Side:      pos.Side,
		Timeframe: pos.Timeframe,
		UntilMs:   until,
		Reason:    reason,
	}
	if err := lc.cooldowns.Set(ctx, cd); err != nil {
		return err
	}
	lc.pub.Emit(ctx, domain.RiskEventCooldownSet, domain.RiskSeverityInfo, pos.Symbol, map[string]any{
		"side":      string(pos.Side),
		"timeframe": string(pos.Timeframe),
		"until_ms":  until,
		"reason":    reason,
	})
	return nil
}

// SecondaryExitDue evaluates the one-shot momentum rule on the first closed
// bar after entry: when the MACD histogram has flipped against the position,
// the trade is abandoned at market. Returns true when the position should be
// closed. The check marks itself done either way.
func (lc *Lifecycle) SecondaryExitDue(ctx context.Context, pos *domain.Position, bar domain.BarEvent) (bool, error) {
	if pos.SecondaryRuleChecked || bar.CloseTimeMs <= pos.OpenedAt.UnixMilli() {
		return false, nil
	}
	pos.SecondaryRuleChecked = true

	against := (pos.Side == domain.SideLong && bar.MACDHist < 0) ||
		(pos.Side == domain.SideShort && bar.MACDHist > 0)

	if err := lc.positions.Upsert(ctx, *pos); err != nil {
		return false, fmt.Errorf("execution: persist secondary check: %w", err)
	}
	return against, nil
}
