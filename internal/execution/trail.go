package execution

import "github.com/halcyontrade/perpexec/internal/domain"

// TrailConfig tunes the runner stop trail armed after TP2.
type TrailConfig struct {
	Mode domain.TrailMode

	// ATR trail: stop sits Mult smoothed-ATRs away from the latest close.
	ATRPeriod int
	ATRMult   float64

	// Pivot trail: stop rides the last confirmed swing low/high.
	PivotLeft  int
	PivotRight int
}

// DefaultTrailConfig mirrors the live defaults.
func DefaultTrailConfig() TrailConfig {
	return TrailConfig{
		Mode:       domain.TrailModeATR,
		ATRPeriod:  14,
		ATRMult:    2.0,
		PivotLeft:  3,
		PivotRight: 3,
	}
}

// ATRTrailStop computes the trail level from the most recent closes: the
// last close minus (long) or plus (short) mult times the smoothed ATR. It
// reports ok=false when there is not enough history.
func ATRTrailStop(bars []domain.Bar, side domain.Side, period int, mult float64) (float64, bool) {
	if period <= 0 || len(bars) < period+1 {
		return 0, false
	}

	// Simple average of the true ranges over the window.
	var sum float64
	for i := len(bars) - period; i < len(bars); i++ {
		sum += bars[i].TrueRange(bars[i-1].Close)
	}
	atr := sum / float64(period)

	last := bars[len(bars)-1].Close
	if side == domain.SideLong {
		return last - mult*atr, true
	}
	return last + mult*atr, true
}

// PivotTrailStop returns the most recent confirmed pivot low (long) or
// pivot high (short). A pivot needs left bars strictly worse before it and
// right bars strictly worse after it.
func PivotTrailStop(bars []domain.Bar, side domain.Side, left, right int) (float64, bool) {
	if left <= 0 || right <= 0 || len(bars) < left+right+1 {
		return 0, false
	}

	for i := len(bars) - 1 - right; i >= left; i-- {
		if isPivot(bars, i, left, right, side) {
			if side == domain.SideLong {
				return bars[i].Low, true
			}
			return bars[i].High, true
		}
	}
	return 0, false
}

func isPivot(bars []domain.Bar, i, left, right int, side domain.Side) bool {
	for j := i - left; j <= i+right; j++ {
		if j == i {
			continue
		}
		if side == domain.SideLong && bars[j].Low <= bars[i].Low {
			return false
		}
		if side == domain.SideShort && bars[j].High >= bars[i].High {
			return false
		}
	}
	return true
}

// TrailStop evaluates the configured trail mode over bar history.
func TrailStop(cfg TrailConfig, mode domain.TrailMode, bars []domain.Bar, side domain.Side) (float64, bool) {
	if mode == "" {
		mode = cfg.Mode
	}
	switch mode {
	case domain.TrailModePivot:
		return PivotTrailStop(bars, side, cfg.PivotLeft, cfg.PivotRight)
	default:
		return ATRTrailStop(bars, side, cfg.ATRPeriod, cfg.ATRMult)
	}
}

// TightenStop folds a trail candidate into the current stop, moving it only
// in the protective direction. A zero current stop adopts the candidate.
func TightenStop(side domain.Side, current, candidate float64) float64 {
	if candidate <= 0 {
		return current
	}
	if current <= 0 {
		return candidate
	}
	if side == domain.SideLong {
		if candidate > current {
			return candidate
		}
		return current
	}
	if candidate < current {
		return candidate
	}
	return current
}
