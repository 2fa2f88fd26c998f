package domain

import (
	"strings"
	"time"
)

// RiskEventType enumerates the normalized risk event vocabulary published on
// stream:risk_event.
type RiskEventType string

const (
	RiskEventKillSwitch           RiskEventType = "KILL_SWITCH_ON"
	RiskEventRiskRejected         RiskEventType = "RISK_REJECTED"
	RiskEventSignalExpired        RiskEventType = "SIGNAL_EXPIRED"
	RiskEventCooldownBlocked      RiskEventType = "COOLDOWN_BLOCKED"
	RiskEventMaxPositionsBlocked  RiskEventType = "MAX_POSITIONS_BLOCKED"
	RiskEventPositionMutexBlocked RiskEventType = "POSITION_MUTEX_BLOCKED"
	RiskEventSoftHalt             RiskEventType = "SOFT_HALT"
	RiskEventHardHalt             RiskEventType = "HARD_HALT"
	RiskEventForceClose           RiskEventType = "FORCE_CLOSE"
	RiskEventConsistencyDrift     RiskEventType = "CONSISTENCY_DRIFT"
	RiskEventWalletDrift          RiskEventType = "WALLET_DRIFT"
	RiskEventWSReconnect          RiskEventType = "WS_RECONNECT"
	RiskEventProcessingLag        RiskEventType = "PROCESSING_LAG"
	RiskEventOrderTimeout         RiskEventType = "ORDER_TIMEOUT"
	RiskEventOrderRetry           RiskEventType = "ORDER_RETRY"
	RiskEventOrderCancelled       RiskEventType = "ORDER_CANCELLED"
	RiskEventOrderFallbackMarket  RiskEventType = "ORDER_FALLBACK_MARKET"
	RiskEventCooldownSet          RiskEventType = "COOLDOWN_SET"
	RiskEventRateLimit            RiskEventType = "RATE_LIMIT"
	RiskEventOther                RiskEventType = "OTHER"
)

var knownRiskEventTypes = map[RiskEventType]struct{}{
	RiskEventKillSwitch: {}, RiskEventRiskRejected: {}, RiskEventSignalExpired: {},
	RiskEventCooldownBlocked: {}, RiskEventMaxPositionsBlocked: {}, RiskEventPositionMutexBlocked: {},
	RiskEventSoftHalt: {}, RiskEventHardHalt: {}, RiskEventForceClose: {},
	RiskEventConsistencyDrift: {}, RiskEventWalletDrift: {},
	RiskEventWSReconnect: {}, RiskEventProcessingLag: {}, RiskEventOrderTimeout: {},
	RiskEventOrderRetry: {}, RiskEventOrderCancelled: {}, RiskEventOrderFallbackMarket: {},
	RiskEventCooldownSet: {}, RiskEventRateLimit: {},
}

// NormalizeRiskEventType upper-cases and validates a raw event type string,
// mapping anything unknown to OTHER.
func NormalizeRiskEventType(raw string) RiskEventType {
	t := RiskEventType(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := knownRiskEventTypes[t]; ok {
		return t
	}
	return RiskEventOther
}

// RiskSeverity orders risk events for alerting.
type RiskSeverity string

const (
	RiskSeverityInfo      RiskSeverity = "INFO"
	RiskSeverityImportant RiskSeverity = "IMPORTANT"
	RiskSeverityCritical  RiskSeverity = "CRITICAL"
)

// NormalizeRiskSeverity maps assorted upstream severity labels onto the three
// internal levels.
func NormalizeRiskSeverity(raw string) RiskSeverity {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "CRITICAL", "EMERGENCY", "FATAL", "ALERT":
		return RiskSeverityCritical
	case "IMPORTANT", "WARNING", "WARN", "ERROR":
		return RiskSeverityImportant
	default:
		return RiskSeverityInfo
	}
}

// RiskEvent is a single normalized risk occurrence.
type RiskEvent struct {
	EventID  string         `json:"event_id"`
	Type     RiskEventType  `json:"type"`
	Severity RiskSeverity   `json:"severity"`
	Symbol   string         `json:"symbol,omitempty"`
	TsMs     int64          `json:"ts_ms"`
	Detail   map[string]any `json:"detail,omitempty"`
}

// RiskState is the per-UTC-trade-date risk ledger row.
type RiskState struct {
	TradeDate      string  `json:"trade_date"` // YYYY-MM-DD, UTC
	StartingEquity float64 `json:"starting_equity"`
	CurrentEquity  float64 `json:"current_equity"`
	MinEquity      float64 `json:"min_equity"`
	RealizedPnl    float64 `json:"realized_pnl"`
	SoftHalt       bool    `json:"soft_halt"`
	HardHalt       bool    `json:"hard_halt"`

	// ConsecutiveLossCount increments on each realized loss and resets on a
	// non-losing close.
	ConsecutiveLossCount int `json:"consecutive_loss_count"`

	UpdatedAt time.Time      `json:"updated_at"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// DrawdownPct returns the day's peak-to-trough drawdown as a percentage of
// starting equity.
func (rs RiskState) DrawdownPct() float64 {
	if rs.StartingEquity <= 0 {
		return 0
	}
	dd := (rs.StartingEquity - rs.MinEquity) / rs.StartingEquity * 100
	if dd < 0 {
		return 0
	}
	return dd
}

// TradeDateUTC formats t as the UTC trade date key.
func TradeDateUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
