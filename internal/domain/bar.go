package domain

// Bar is a single closed OHLCV candle.
type Bar struct {
	Symbol      string    `json:"symbol"`
	Timeframe   Timeframe `json:"timeframe"`
	OpenTimeMs  int64     `json:"open_time_ms"`
	CloseTimeMs int64     `json:"close_time_ms"`
	Open        float64   `json:"open"`
	High        float64   `json:"high"`
	Low         float64   `json:"low"`
	Close       float64   `json:"close"`
	Volume      float64   `json:"volume"`
}

// BarEvent is the stream:bar_close payload: the closed candle plus the
// indicator values computed upstream alongside it.
type BarEvent struct {
	Bar
	ATR      float64 `json:"atr,omitempty"`
	MACDHist float64 `json:"macd_hist,omitempty"`
}

// Bullish reports whether the bar closed at or above its open. The paper
// matcher uses this to pick the intra-bar price path.
func (b Bar) Bullish() bool {
	return b.Close >= b.Open
}

// Path returns the assumed intra-bar price sequence: open→high→low→close for
// a bullish bar, open→low→high→close otherwise.
func (b Bar) Path() [4]float64 {
	if b.Bullish() {
		return [4]float64{b.Open, b.High, b.Low, b.Close}
	}
	return [4]float64{b.Open, b.Low, b.High, b.Close}
}

// TrueRange returns the bar's true range given the previous close. With no
// previous close (prevClose <= 0) it falls back to high-low.
func (b Bar) TrueRange(prevClose float64) float64 {
	hl := b.High - b.Low
	if prevClose <= 0 {
		return hl
	}
	hc := abs(b.High - prevClose)
	lc := abs(b.Low - prevClose)
	return max3(hl, hc, lc)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func max3(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}
