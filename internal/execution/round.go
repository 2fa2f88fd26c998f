// Package execution implements trade plan admission, position sizing, and
// the shared position lifecycle rules.
package execution

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Filters are the venue's per-instrument precision and size constraints,
// sourced from the instruments-info endpoint.
type Filters struct {
	TickSize    float64
	QtyStep     float64
	MinQty      float64
	MinNotional float64
}

// Validate rejects filters a sane instrument could not have.
func (f Filters) Validate() error {
	if f.TickSize <= 0 || f.QtyStep <= 0 {
		return fmt.Errorf("execution: invalid filters tick=%v step=%v", f.TickSize, f.QtyStep)
	}
	return nil
}

// FloorToStep truncates qty down to a multiple of step. Sizing always rounds
// down so the venue never rejects on excess quantity.
func FloorToStep(qty, step float64) float64 {
	if step <= 0 || qty <= 0 {
		return 0
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	steps := q.Div(s).Floor()
	out, _ := steps.Mul(s).Float64()
	return out
}

// RoundToTick rounds price to the nearest tick, half away from zero.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	t := decimal.NewFromFloat(tick)
	ticks := p.Div(t).Round(0)
	out, _ := ticks.Mul(t).Float64()
	return out
}

// ClampMin returns v raised to at least lo.
func ClampMin(v, lo float64) float64 {
	if v < lo {
		return lo
	}
	return v
}
