package execution

import (
	"fmt"

	"github.com/halcyontrade/perpexec/internal/domain"
)

// SizingConfig bounds how much a single plan may commit.
type SizingConfig struct {
	// RiskPct is the fraction of equity risked between entry and stop.
	RiskPct float64

	// Leverage converts the entry notional into committed margin for the
	// order-value clamp. Zero means 1x.
	Leverage float64

	// Min/MaxOrderValueUSDT clamp the margin committed per entry.
	MinOrderValueUSDT float64
	MaxOrderValueUSDT float64
}

// TPSplit is the fixed take-profit ladder: 40% at 1R, 40% at 2R, the
// remaining 20% rides as the runner.
var TPSplit = [2]float64{0.40, 0.40}

// Size computes the entry quantity for a plan: equity × risk_pct over the
// per-unit risk, floored to the instrument's quantity step and clamped to
// the configured notional bounds. Returns domain.ErrZeroQty when the result
// cannot satisfy the venue minimums.
func Size(plan domain.TradePlan, equity float64, cfg SizingConfig, f Filters) (float64, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	risk := plan.RiskPerUnit()
	if risk <= 0 || equity <= 0 || cfg.RiskPct <= 0 {
		return 0, fmt.Errorf("%w: equity=%v risk=%v", domain.ErrZeroQty, equity, risk)
	}

	qty := equity * cfg.RiskPct / risk

	// The order-value bounds apply to the margin the entry ties up, not
	// the leveraged notional. Clamp before flooring so a too-small risk
	// budget can still produce the venue-minimum order.
	lev := cfg.Leverage
	if lev <= 0 {
		lev = 1
	}
	margin := qty * plan.EntryPrice / lev
	if cfg.MaxOrderValueUSDT > 0 && margin > cfg.MaxOrderValueUSDT {
		qty = cfg.MaxOrderValueUSDT * lev / plan.EntryPrice
	}
	if cfg.MinOrderValueUSDT > 0 && margin < cfg.MinOrderValueUSDT {
		qty = cfg.MinOrderValueUSDT * lev / plan.EntryPrice
	}

	qty = FloorToStep(qty, f.QtyStep)
	if qty < f.MinQty || qty <= 0 {
		return 0, fmt.Errorf("%w: sized %v below min %v", domain.ErrZeroQty, qty, f.MinQty)
	}
	if f.MinNotional > 0 && qty*plan.EntryPrice < f.MinNotional {
		return 0, fmt.Errorf("%w: notional %v below venue min %v", domain.ErrZeroQty, qty*plan.EntryPrice, f.MinNotional)
	}
	return qty, nil
}

// Ladder is the computed take-profit structure for a sized plan.
type Ladder struct {
	TP1Price float64
	TP2Price float64
	TP1Qty   float64
	TP2Qty   float64
	Runner   float64
}

// BuildLadder derives the TP prices at one and two R-multiples from entry
// and splits the quantity 40/40/20, with rounding remainders flowing into
// the runner leg.
func BuildLadder(plan domain.TradePlan, qty float64, f Filters) Ladder {
	r := plan.RiskPerUnit()

	var tp1, tp2 float64
	if plan.Side == domain.SideLong {
		tp1, tp2 = plan.EntryPrice+r, plan.EntryPrice+2*r
	} else {
		tp1, tp2 = plan.EntryPrice-r, plan.EntryPrice-2*r
	}

	l := Ladder{
		TP1Price: RoundToTick(tp1, f.TickSize),
		TP2Price: RoundToTick(tp2, f.TickSize),
		TP1Qty:   FloorToStep(qty*TPSplit[0], f.QtyStep),
		TP2Qty:   FloorToStep(qty*TPSplit[1], f.QtyStep),
	}
	l.Runner = qty - l.TP1Qty - l.TP2Qty
	if l.Runner < 0 {
		l.Runner = 0
	}
	return l
}
