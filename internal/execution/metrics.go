package execution

import "github.com/halcyontrade/perpexec/internal/domain"

// Quality summarizes how well an order executed.
type Quality struct {
	LatencyMs   int64   `json:"latency_ms"`
	SlippageBps float64 `json:"slippage_bps"`
	FillRatio   float64 `json:"fill_ratio"`
}

// MeasureQuality computes execution-quality metrics for a converged order:
// signal-to-first-fill latency, signed slippage versus the intended price
// (positive means worse), and the fill ratio.
func MeasureQuality(o domain.Order, intendedPrice float64, signalTsMs, firstFillTsMs int64) Quality {
	q := Quality{FillRatio: o.FillRatio()}

	if signalTsMs > 0 && firstFillTsMs >= signalTsMs {
		q.LatencyMs = firstFillTsMs - signalTsMs
	}

	if intendedPrice > 0 && o.AvgPrice > 0 {
		slip := (o.AvgPrice - intendedPrice) / intendedPrice * 10_000
		// A short entry filling above the intended price is favorable.
		if o.Side == domain.SideShort {
			slip = -slip
		}
		q.SlippageBps = slip
	}
	return q
}

// Attach merges the metrics into the order's meta payload.
func (q Quality) Attach(o *domain.Order) {
	if o.Meta == nil {
		o.Meta = map[string]any{}
	}
	o.Meta["latency_ms"] = q.LatencyMs
	o.Meta["slippage_bps"] = q.SlippageBps
	o.Meta["fill_ratio"] = q.FillRatio
}
