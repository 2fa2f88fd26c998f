package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/halcyontrade/perpexec/internal/domain"
	"github.com/halcyontrade/perpexec/internal/risk"
)

// Mutex upgrade actions for a higher-timeframe plan hitting an open
// lower-timeframe position on the same symbol and side.
const (
	UpgradeActionClose = "CLOSE_LOWER_AND_OPEN"
	UpgradeActionBlock = "BLOCK"
)

// GateConfig tunes the admission checks.
type GateConfig struct {
	// MaxSignalAge rejects plans without an explicit expiry whose signal
	// timestamp is older than this.
	MaxSignalAge time.Duration

	// MaxPositions caps concurrently open positions.
	MaxPositions int

	// LockTTL bounds how long a plan lock may be held.
	LockTTL time.Duration

	// UpgradeAction decides whether a higher-timeframe plan closes the
	// existing same-side position (CLOSE_LOWER_AND_OPEN) or is rejected
	// outright (BLOCK).
	UpgradeAction string
}

// Admission is the outcome of running a plan through the gates.
type Admission struct {
	// Unlock releases the plan lock; non-nil whenever the lock was taken.
	Unlock func()

	// Reject is empty when the plan may proceed.
	Reject domain.RejectReason
	Detail map[string]any

	// Upgrade, when set, is an open lower-timeframe position on the same
	// symbol that must be closed (reason mutex_upgrade) before entry.
	Upgrade *domain.Position
}

// Admitted reports whether the plan passed every gate.
func (a Admission) Admitted() bool {
	return a.Reject == ""
}

// Gates runs the ordered admission checks every plan must clear before
// sizing: plan lock, kill switch, signal freshness, risk circuits, cooldown,
// position cap, and the per-symbol position mutex.
type Gates struct {
	cfg       GateConfig
	locks     domain.LockManager
	kill      *risk.KillSwitch
	ledger    *risk.Ledger
	cooldowns domain.CooldownStore
	positions domain.PositionStore
	pub       *risk.Publisher
	logger    *slog.Logger
}

// NewGates creates the admission gate chain.
func NewGates(
	cfg GateConfig,
	locks domain.LockManager,
	kill *risk.KillSwitch,
	ledger *risk.Ledger,
	cooldowns domain.CooldownStore,
	positions domain.PositionStore,
	pub *risk.Publisher,
	logger *slog.Logger,
) *Gates {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.UpgradeAction == "" {
		cfg.UpgradeAction = UpgradeActionClose
	}
	return &Gates{
		cfg:       cfg,
		locks:     locks,
		kill:      kill,
		ledger:    ledger,
		cooldowns: cooldowns,
		positions: positions,
		pub:       pub,
		logger:    logger.With(slog.String("component", "gates")),
	}
}

// Admit runs the gate chain in order. The first failing gate decides the
// reject reason; later gates are not evaluated. Infrastructure errors are
// returned as errors, not rejections.
func (g *Gates) Admit(ctx context.Context, plan domain.TradePlan, now time.Time) (Admission, error) {
	unlock, err := g.locks.Acquire(ctx, domain.PlanLockKey(plan.IdempotencyKey), g.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return Admission{
				Reject: domain.RejectDuplicate,
				Detail: map[string]any{"idempotency_key": plan.IdempotencyKey},
			}, nil
		}
		return Admission{}, fmt.Errorf("execution: plan lock: %w", err)
	}
	adm := Admission{Unlock: unlock}

	engaged, err := g.kill.Engaged(ctx)
	if err != nil {
		return adm, fmt.Errorf("execution: kill switch check: %w", err)
	}
	if engaged {
		if g.kill.ShouldAlert(now) {
			g.pub.Emit(ctx, domain.RiskEventKillSwitch, domain.RiskSeverityCritical, plan.Symbol, map[string]any{
				"idempotency_key": plan.IdempotencyKey,
			})
		}
		adm.Reject = domain.RejectKillSwitch
		return adm, nil
	}

	if expired, detail := planExpired(plan, now, g.cfg.MaxSignalAge); expired {
		return g.reject(ctx, adm, plan, domain.RejectSignalExpired,
			domain.RiskEventSignalExpired, domain.RiskSeverityInfo, detail), nil
	}

	soft, hard, err := g.ledger.Status(ctx, now)
	if err != nil {
		return adm, fmt.Errorf("execution: risk status: %w", err)
	}
	if soft || hard {
		return g.reject(ctx, adm, plan, domain.RejectRiskHalt,
			domain.RiskEventRiskRejected, domain.RiskSeverityImportant,
			map[string]any{"soft_halt": soft, "hard_halt": hard}), nil
	}

	cd, err := g.cooldowns.Get(ctx, plan.Symbol, plan.Side, plan.Timeframe)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return adm, fmt.Errorf("execution: cooldown check: %w", err)
	}
	if err == nil && cd.Active(now) {
		return g.reject(ctx, adm, plan, domain.RejectCooldown,
			domain.RiskEventCooldownBlocked, domain.RiskSeverityInfo,
			map[string]any{"until_ms": cd.UntilMs, "reason": cd.Reason}), nil
	}

	open, err := g.positions.ListOpen(ctx)
	if err != nil {
		return adm, fmt.Errorf("execution: list open positions: %w", err)
	}
	if g.cfg.MaxPositions > 0 && len(open) >= g.cfg.MaxPositions {
		// The cap can still be cleared by a mutex upgrade on the same
		// symbol and side, which nets zero open positions.
		if !hasSameSide(open, plan.Symbol, plan.Side) {
			return g.reject(ctx, adm, plan, domain.RejectMaxPositions,
				domain.RiskEventMaxPositionsBlocked, domain.RiskSeverityInfo,
				map[string]any{"open": len(open), "max": g.cfg.MaxPositions}), nil
		}
	}

	for i := range open {
		if open[i].Symbol != plan.Symbol || open[i].Side != plan.Side {
			// The mutex is per (symbol, side): an open LONG never blocks
			// an incoming SHORT.
			continue
		}
		existing := open[i]
		if plan.Timeframe.Rank() > existing.Timeframe.Rank() && g.cfg.UpgradeAction != UpgradeActionBlock {
			adm.Upgrade = &existing
			g.logger.Info("position mutex upgrade",
				slog.String("symbol", plan.Symbol),
				slog.String("from_tf", string(existing.Timeframe)),
				slog.String("to_tf", string(plan.Timeframe)),
			)
			return adm, nil
		}
		return g.reject(ctx, adm, plan, domain.RejectPositionMutex,
			domain.RiskEventPositionMutexBlocked, domain.RiskSeverityInfo,
			map[string]any{
				"existing_timeframe": string(existing.Timeframe),
				"plan_timeframe":     string(plan.Timeframe),
			}), nil
	}

	return adm, nil
}

// reject stamps the admission and publishes the matching risk event.
func (g *Gates) reject(ctx context.Context, adm Admission, plan domain.TradePlan, reason domain.RejectReason, typ domain.RiskEventType, sev domain.RiskSeverity, detail map[string]any) Admission {
	adm.Reject = reason
	adm.Detail = detail
	g.pub.Emit(ctx, typ, sev, plan.Symbol, map[string]any{
		"idempotency_key": plan.IdempotencyKey,
		"reason":          string(reason),
	})
	return adm
}

// planExpired prefers the plan's explicit expiry; plans without one fall
// back to the signal-age bound.
func planExpired(plan domain.TradePlan, now time.Time, maxAge time.Duration) (bool, map[string]any) {
	if plan.ExpiresAtMs > 0 {
		if now.UnixMilli() > plan.ExpiresAtMs {
			return true, map[string]any{"expires_at_ms": plan.ExpiresAtMs}
		}
		return false, nil
	}
	if maxAge > 0 {
		if age := now.Sub(time.UnixMilli(plan.SignalTsMs)); age > maxAge {
			return true, map[string]any{"age_ms": age.Milliseconds()}
		}
	}
	return false, nil
}

func hasSameSide(positions []domain.Position, symbol string, side domain.Side) bool {
	for i := range positions {
		if positions[i].Symbol == symbol && positions[i].Side == side {
			return true
		}
	}
	return false
}
