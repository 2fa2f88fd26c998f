package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/halcyontrade/perpexec/internal/domain"
)

// LedgerConfig sets the daily loss circuits.
type LedgerConfig struct {
	// SoftHaltDrawdownPct blocks new entries for the rest of the day.
	SoftHaltDrawdownPct float64

	// HardHaltDrawdownPct additionally force-closes everything open.
	HardHaltDrawdownPct float64

	// MaxConsecutiveLosses soft-halts after this many losing closes in a
	// row. Zero disables the circuit.
	MaxConsecutiveLosses int
}

// ForceCloser flattens every open position; wired to the executor to avoid
// a package cycle.
type ForceCloser func(ctx context.Context, reason domain.CloseReason) error

// Ledger owns the per-UTC-trade-date risk state row and the halt circuits
// derived from it.
type Ledger struct {
	cfg        LedgerConfig
	states     domain.RiskStateStore
	pub        *Publisher
	forceClose ForceCloser
	logger     *slog.Logger

	mu sync.Mutex
}

// NewLedger creates a risk Ledger.
func NewLedger(cfg LedgerConfig, states domain.RiskStateStore, pub *Publisher, forceClose ForceCloser, logger *slog.Logger) *Ledger {
	return &Ledger{
		cfg:        cfg,
		states:     states,
		pub:        pub,
		forceClose: forceClose,
		logger:     logger.With(slog.String("component", "risk_ledger")),
	}
}

// ensure loads today's state, creating it from the first equity observation
// of the day.
func (l *Ledger) ensure(ctx context.Context, now time.Time, equity float64) (domain.RiskState, error) {
	date := domain.TradeDateUTC(now)

	rs, err := l.states.Get(ctx, date)
	if err == nil {
		return rs, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.RiskState{}, err
	}

	rs = domain.RiskState{
		TradeDate:      date,
		StartingEquity: equity,
		CurrentEquity:  equity,
		MinEquity:      equity,
	}
	if err := l.states.Upsert(ctx, rs); err != nil {
		return domain.RiskState{}, err
	}
	l.logger.Info("opened risk ledger day",
		slog.String("trade_date", date),
		slog.Float64("starting_equity", equity),
	)
	return rs, nil
}

// OnEquity folds a fresh equity observation into today's ledger and trips
// the drawdown circuits when thresholds are crossed.
func (l *Ledger) OnEquity(ctx context.Context, now time.Time, equity float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rs, err := l.ensure(ctx, now, equity)
	if err != nil {
		return fmt.Errorf("risk: ensure state: %w", err)
	}

	// The day's row may have been opened by a pnl event before any equity
	// observation arrived; adopt the first real reading as the baseline.
	if rs.StartingEquity == 0 && equity > 0 {
		rs.StartingEquity = equity
	}
	rs.CurrentEquity = equity
	if equity < rs.MinEquity || rs.MinEquity == 0 {
		rs.MinEquity = equity
	}

	dd := rs.DrawdownPct()
	if l.cfg.HardHaltDrawdownPct > 0 && dd >= l.cfg.HardHaltDrawdownPct && !rs.HardHalt {
		rs.HardHalt = true
		rs.SoftHalt = true
		l.pub.Emit(ctx, domain.RiskEventHardHalt, domain.RiskSeverityCritical, "", map[string]any{
			"drawdown_pct": dd,
			"equity":       equity,
		})
		l.logger.Error("hard halt tripped", slog.Float64("drawdown_pct", dd))
		if l.forceClose != nil {
			if err := l.forceClose(ctx, domain.CloseReasonForceClose); err != nil {
				l.logger.Error("force close failed", slog.Any("error", err))
			}
		}
	} else if l.cfg.SoftHaltDrawdownPct > 0 && dd >= l.cfg.SoftHaltDrawdownPct && !rs.SoftHalt {
		rs.SoftHalt = true
		l.pub.Emit(ctx, domain.RiskEventSoftHalt, domain.RiskSeverityImportant, "", map[string]any{
			"drawdown_pct": dd,
			"equity":       equity,
		})
		l.logger.Warn("soft halt tripped", slog.Float64("drawdown_pct", dd))
	}

	if err := l.states.Upsert(ctx, rs); err != nil {
		return fmt.Errorf("risk: upsert state: %w", err)
	}
	return nil
}

// OnRealizedPnl folds one realized pnl chunk (a TP leg, a partial close)
// into the day's running total. The loss streak is judged per whole trade
// in OnTradeClosed, never per chunk.
func (l *Ledger) OnRealizedPnl(ctx context.Context, now time.Time, pnl float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rs, err := l.ensure(ctx, now, 0)
	if err != nil {
		return fmt.Errorf("risk: ensure state: %w", err)
	}
	rs.RealizedPnl += pnl
	if err := l.states.Upsert(ctx, rs); err != nil {
		return fmt.Errorf("risk: upsert state: %w", err)
	}
	return nil
}

// OnTradeClosed records a finished trade's aggregate result for the
// consecutive-loss circuit: a net loss extends the streak, anything else
// resets it.
func (l *Ledger) OnTradeClosed(ctx context.Context, now time.Time, totalPnl float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rs, err := l.ensure(ctx, now, 0)
	if err != nil {
		return fmt.Errorf("risk: ensure state: %w", err)
	}

	if totalPnl < 0 {
		rs.ConsecutiveLossCount++
	} else {
		rs.ConsecutiveLossCount = 0
	}

	if l.cfg.MaxConsecutiveLosses > 0 &&
		rs.ConsecutiveLossCount >= l.cfg.MaxConsecutiveLosses && !rs.SoftHalt {
		rs.SoftHalt = true
		l.pub.Emit(ctx, domain.RiskEventSoftHalt, domain.RiskSeverityImportant, "", map[string]any{
			"consecutive_losses": rs.ConsecutiveLossCount,
		})
		l.logger.Warn("soft halt on loss streak", slog.Int("streak", rs.ConsecutiveLossCount))
	}

	if err := l.states.Upsert(ctx, rs); err != nil {
		return fmt.Errorf("risk: upsert state: %w", err)
	}
	return nil
}

// Status returns today's halt flags. A missing row means no halts.
func (l *Ledger) Status(ctx context.Context, now time.Time) (soft, hard bool, err error) {
	rs, err := l.states.Get(ctx, domain.TradeDateUTC(now))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("risk: get state: %w", err)
	}
	return rs.SoftHalt, rs.HardHalt, nil
}
