// Package reconcile keeps local position state and the venue converged:
// it detects size drift, mirrors breakeven and trailed stops onto the venue,
// and adopts venue-side closes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/halcyontrade/perpexec/internal/domain"
	"github.com/halcyontrade/perpexec/internal/exchange/bybit"
	"github.com/halcyontrade/perpexec/internal/execution"
	"github.com/halcyontrade/perpexec/internal/risk"
)

// VenueState is the slice of the REST client the reconciler needs.
type VenueState interface {
	GetPosition(ctx context.Context, symbol string) (bybit.PositionState, error)
	GetOrder(ctx context.Context, symbol, orderLinkID string) (bybit.OrderState, error)
	SetTradingStop(ctx context.Context, req bybit.TradingStopRequest) error
	Kline(ctx context.Context, symbol string, tf domain.Timeframe, limit int) ([]domain.Bar, error)
}

// Config tunes the reconcile loops.
type Config struct {
	// Interval is the stop-sync and drift-check cadence.
	Interval time.Duration

	// SyncInterval is the venue-flat detection cadence.
	SyncInterval time.Duration

	// DriftPct flags a venue/local size divergence.
	DriftPct float64

	// MinRepriceInterval throttles trading-stop updates per symbol.
	MinRepriceInterval time.Duration
}

// DefaultConfig mirrors the live defaults.
func DefaultConfig() Config {
	return Config{
		Interval:           5 * time.Second,
		SyncInterval:       10 * time.Second,
		DriftPct:           0.10,
		MinRepriceInterval: 3 * time.Second,
	}
}

// Reconciler runs the live-mode convergence loops.
type Reconciler struct {
	cfg       Config
	positions domain.PositionStore
	venue     VenueState
	closer    execution.Venue
	lifecycle *execution.Lifecycle
	reporter  *execution.Reporter
	trail     execution.TrailConfig
	pub       *risk.Publisher
	logger    *slog.Logger

	mu       sync.Mutex
	lastStop map[string]time.Time
}

// New wires the reconciler. closer is the live venue used for secondary-rule
// exits.
func New(
	cfg Config,
	positions domain.PositionStore,
	venue VenueState,
	closer execution.Venue,
	lifecycle *execution.Lifecycle,
	reporter *execution.Reporter,
	trail execution.TrailConfig,
	pub *risk.Publisher,
	logger *slog.Logger,
) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 10 * time.Second
	}
	if cfg.DriftPct <= 0 {
		cfg.DriftPct = 0.10
	}
	if cfg.MinRepriceInterval <= 0 {
		cfg.MinRepriceInterval = 3 * time.Second
	}
	return &Reconciler{
		cfg:       cfg,
		positions: positions,
		venue:     venue,
		closer:    closer,
		lifecycle: lifecycle,
		reporter:  reporter,
		trail:     trail,
		pub:       pub,
		logger:    logger.With(slog.String("component", "reconcile")),
		lastStop:  map[string]time.Time{},
	}
}

// Run drives the stop-sync and drift loop until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.logger.Warn("reconcile tick failed", slog.Any("error", err))
			}
		}
	}
}

// RunSync drives the venue-flat detection loop until ctx is done.
func (r *Reconciler) RunSync(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.SyncTick(ctx); err != nil {
				r.logger.Warn("position sync failed", slog.Any("error", err))
			}
		}
	}
}

// Tick reconciles every open position once.
func (r *Reconciler) Tick(ctx context.Context) error {
	open, err := r.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list open: %w", err)
	}
	for i := range open {
		if err := r.reconcileOne(ctx, &open[i]); err != nil {
			r.logger.Warn("reconcile position failed",
				slog.String("symbol", open[i].Symbol),
				slog.Any("error", err),
			)
		}
	}
	return nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, pos *domain.Position) error {
	venue, err := r.venue.GetPosition(ctx, pos.Symbol)
	if err != nil {
		return err
	}

	r.checkDrift(ctx, pos, venue)
	if err := r.checkTargets(ctx, pos); err != nil {
		r.logger.Warn("target order check failed",
			slog.String("symbol", pos.Symbol),
			slog.Any("error", err),
		)
	}

	if venue.Size <= 0 {
		// RunSync owns venue-flat handling.
		return nil
	}
	return r.syncStop(ctx, pos, venue)
}

// checkDrift reports a venue/local size divergence the moment it is seen.
// Repeat suppression lives in the risk publisher.
func (r *Reconciler) checkDrift(ctx context.Context, pos *domain.Position, venue bybit.PositionState) {
	local := pos.RemainingQty()
	if local <= 0 {
		return
	}
	drift := (venue.Size - local) / local
	if drift < 0 {
		drift = -drift
	}
	if drift < r.cfg.DriftPct {
		return
	}

	r.pub.Emit(ctx, domain.RiskEventConsistencyDrift, domain.RiskSeverityImportant, pos.Symbol, map[string]any{
		"idempotency_key": pos.IdempotencyKey,
		"local_qty":       local,
		"venue_qty":       venue.Size,
		"drift_pct":       drift * 100,
	})
}

// checkTargets re-queries the resting target orders over REST so a TP fill
// the websocket missed during an outage still drives the TP transitions.
// The lifecycle handlers are idempotent, so a fill the websocket already
// delivered is a no-op here.
func (r *Reconciler) checkTargets(ctx context.Context, pos *domain.Position) error {
	if !pos.TP1Fill {
		filled, price, err := r.targetFilled(ctx, pos, domain.OrderPurposeTP1, pos.TP1Price)
		if err != nil {
			return err
		}
		if filled {
			if err := r.lifecycle.OnTP1(ctx, pos, price); err != nil {
				return err
			}
		}
	}
	if pos.TP1Fill && !pos.TP2Fill && pos.TP2Qty > 0 {
		filled, price, err := r.targetFilled(ctx, pos, domain.OrderPurposeTP2, pos.TP2Price)
		if err != nil {
			return err
		}
		if filled {
			return r.lifecycle.OnTP2(ctx, pos, price)
		}
	}
	return nil
}

// targetFilled reports whether the reduce-only target order for purpose has
// fully executed on the venue.
func (r *Reconciler) targetFilled(ctx context.Context, pos *domain.Position, purpose domain.OrderPurpose, fallbackPrice float64) (bool, float64, error) {
	link := fmt.Sprintf("%s:%s", pos.IdempotencyKey, purpose)
	state, err := r.venue.GetOrder(ctx, pos.Symbol, link)
	if errors.Is(err, domain.ErrNotFound) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}
	if domain.NormalizeOrderStatus(state.Status) != domain.OrderStatusFilled {
		return false, 0, nil
	}
	price := state.AvgPrice
	if price <= 0 {
		price = fallbackPrice
	}
	return true, price, nil
}

// syncStop mirrors the effective protective stop onto the venue: breakeven
// after TP1, the trail after TP2. Stops only tighten, and updates are
// throttled per symbol.
func (r *Reconciler) syncStop(ctx context.Context, pos *domain.Position, venue bybit.PositionState) error {
	if !pos.TP1Fill {
		return nil
	}

	desired := pos.EffectiveStop()
	if pos.TP2Fill {
		if stop, ok := r.trailStop(ctx, pos); ok {
			desired = execution.TightenStop(pos.Side, desired, stop)
		}
	}
	if desired <= 0 {
		return nil
	}

	// Tighten-only versus what the venue already holds.
	if venue.StopLoss > 0 && execution.TightenStop(pos.Side, venue.StopLoss, desired) == venue.StopLoss {
		return nil
	}

	r.mu.Lock()
	last := r.lastStop[pos.Symbol]
	if time.Since(last) < r.cfg.MinRepriceInterval {
		r.mu.Unlock()
		return nil
	}
	r.lastStop[pos.Symbol] = time.Now()
	r.mu.Unlock()

	if err := r.venue.SetTradingStop(ctx, bybit.TradingStopRequest{
		Symbol:   pos.Symbol,
		StopLoss: desired,
	}); err != nil {
		return err
	}

	if pos.TP2Fill && desired != pos.RunnerStopPrice {
		pos.RunnerStopPrice = desired
		if err := r.positions.Upsert(ctx, *pos); err != nil {
			return fmt.Errorf("reconcile: persist runner stop: %w", err)
		}
	}
	r.reporter.EmitForPosition(ctx, domain.ReportStopMoved, *pos, map[string]any{
		"stop": desired, "venue_stop": venue.StopLoss,
	})
	r.logger.Info("trading stop moved",
		slog.String("symbol", pos.Symbol),
		slog.Float64("stop", desired),
	)
	return nil
}

// trailStop computes the trail candidate from recent venue bars.
func (r *Reconciler) trailStop(ctx context.Context, pos *domain.Position) (float64, bool) {
	limit := r.trail.ATRPeriod + 1
	if n := r.trail.PivotLeft + r.trail.PivotRight + 1; n > limit {
		limit = n
	}
	bars, err := r.venue.Kline(ctx, pos.Symbol, pos.Timeframe, limit+5)
	if err != nil {
		r.logger.Warn("kline fetch failed",
			slog.String("symbol", pos.Symbol),
			slog.Any("error", err),
		)
		return 0, false
	}
	return execution.TrailStop(r.trail, pos.TrailMode, bars, pos.Side)
}

// SyncTick adopts venue-side closes: a position the venue no longer holds is
// closed locally. Before TP1 that is a stop-loss with its cooldown; after
// TP1 the venue banked profit first and the close carries no cooldown.
func (r *Reconciler) SyncTick(ctx context.Context) error {
	open, err := r.positions.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: list open: %w", err)
	}

	for i := range open {
		pos := &open[i]
		venue, err := r.venue.GetPosition(ctx, pos.Symbol)
		if err != nil {
			r.logger.Warn("venue position fetch failed",
				slog.String("symbol", pos.Symbol),
				slog.Any("error", err),
			)
			continue
		}
		if venue.Size > 0 {
			continue
		}

		reason := domain.CloseReasonExchangeClosed
		exit := pos.EntryPrice
		if !pos.TP1Fill {
			reason = domain.CloseReasonPrimarySL
			exit = pos.StopPrice
		}
		if err := r.lifecycle.Close(ctx, pos, exit, reason); err != nil {
			r.logger.Error("adopt venue close failed",
				slog.String("symbol", pos.Symbol),
				slog.Any("error", err),
			)
			continue
		}
		r.logger.Info("adopted venue close",
			slog.String("symbol", pos.Symbol),
			slog.String("reason", string(reason)),
		)
	}
	return nil
}

// HandleBarMessage is the live-mode stream:bar_close consumer: it only
// evaluates the one-shot momentum exit; stop management is venue-side.
func (r *Reconciler) HandleBarMessage(ctx context.Context, msg domain.StreamMessage) error {
	var ev domain.BarEvent
	if err := msg.Envelope.Decode(&ev); err != nil {
		return err
	}

	pos, err := r.positions.OpenBySymbol(ctx, ev.Symbol)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reconcile: open position lookup: %w", err)
	}
	if pos.Timeframe != ev.Timeframe {
		return nil
	}

	due, err := r.lifecycle.SecondaryExitDue(ctx, &pos, ev)
	if err != nil {
		return err
	}
	if !due {
		return nil
	}
	return r.closer.ClosePosition(ctx, &pos, domain.CloseReasonSecondaryRule)
}
