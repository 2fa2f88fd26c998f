package domain

import "time"

// Cooldown blocks new entries on a (symbol, side, timeframe) triple until
// UntilMs. Set after a primary stop-loss exit; the opposite side stays
// tradeable.
type Cooldown struct {
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Timeframe Timeframe `json:"timeframe"`
	UntilMs   int64     `json:"until_ms"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// Active reports whether the cooldown still blocks entries at the given time.
func (c Cooldown) Active(now time.Time) bool {
	return now.UnixMilli() < c.UntilMs
}

// RuntimeFlag is an operator-settable switch stored in the database
// (KILL_SWITCH being the load-bearing one).
type RuntimeFlag struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FlagKillSwitch is the runtime flag checked by the admission gate.
const FlagKillSwitch = "KILL_SWITCH"

// Enabled interprets the flag value as a boolean switch.
func (f RuntimeFlag) Enabled() bool {
	switch f.Value {
	case "1", "true", "on", "ON", "TRUE":
		return true
	}
	return false
}
