package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stream names on the Redis event bus.
const (
	StreamTradePlan       = "stream:trade_plan"
	StreamBarClose        = "stream:bar_close"
	StreamExecutionReport = "stream:execution_report"
	StreamRiskEvent       = "stream:risk_event"
	StreamDLQ             = "stream:dlq"
)

// EnvelopeSchemaVersion is the wire schema version stamped on every
// published envelope.
const EnvelopeSchemaVersion = 1

// Envelope is the bus message wrapper. Every stream entry carries one
// envelope JSON-encoded under the "data" field, with the event type repeated
// in the "type" field for cheap filtering.
type Envelope struct {
	EventID       string          `json:"event_id"`
	Type          string          `json:"type"`
	TsMs          int64           `json:"ts_ms"`
	Env           string          `json:"env"`
	Service       string          `json:"service"`
	TraceID       string          `json:"trace_id,omitempty"`
	SchemaVersion int             `json:"schema_version"`
	Meta          map[string]any  `json:"meta,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Ext           map[string]any  `json:"ext,omitempty"`
}

// NewEnvelope wraps payload in a fresh envelope. payload must be
// JSON-marshalable.
func NewEnvelope(eventType, env, service, traceID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("domain: marshal %s payload: %w", eventType, err)
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}
	return Envelope{
		EventID:       uuid.NewString(),
		Type:          eventType,
		TsMs:          time.Now().UnixMilli(),
		Env:           env,
		Service:       service,
		TraceID:       traceID,
		SchemaVersion: EnvelopeSchemaVersion,
		Payload:       raw,
	}, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("domain: decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Age returns how long ago the envelope was published.
func (e Envelope) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(e.TsMs))
}

// Event types carried on the bus.
const (
	EventTypeTradePlan       = "TRADE_PLAN"
	EventTypeBarClose        = "BAR_CLOSE"
	EventTypeExecutionReport = "EXECUTION_REPORT"
	EventTypeRiskEvent       = "RISK_EVENT"
)

// ReportKind categorizes execution reports.
type ReportKind string

const (
	ReportOrderSubmitted  ReportKind = "ORDER_SUBMITTED"
	ReportOrderRejected   ReportKind = "ORDER_REJECTED"
	ReportPartialFilled   ReportKind = "PARTIAL_FILLED"
	ReportFilled          ReportKind = "FILLED"
	ReportTPHit           ReportKind = "TP_HIT"
	ReportPrimarySLHit    ReportKind = "PRIMARY_SL_HIT"
	ReportSecondarySLExit ReportKind = "SECONDARY_SL_EXIT"
	ReportPositionClosed  ReportKind = "POSITION_CLOSED"
	ReportStopMoved       ReportKind = "STOP_MOVED"
)

// RejectReason is the gate that refused a plan.
type RejectReason string

const (
	RejectKillSwitch         RejectReason = "KILL_SWITCH_ON"
	RejectSignalExpired      RejectReason = "SIGNAL_EXPIRED"
	RejectRiskHalt           RejectReason = "RISK_CIRCUIT_HALT"
	RejectCooldown           RejectReason = "COOLDOWN_BLOCKED"
	RejectMaxPositions       RejectReason = "MAX_POSITIONS_BLOCKED"
	RejectPositionMutex      RejectReason = "POSITION_MUTEX_BLOCKED"
	RejectRateLimit          RejectReason = "RATE_LIMIT"
	RejectOrderValueTooSmall RejectReason = "ORDER_VALUE_TOO_SMALL"
	RejectDuplicate          RejectReason = "DUPLICATE_PLAN"
	RejectInvalidPlan        RejectReason = "INVALID_PLAN"
	RejectEntryFailed        RejectReason = "ENTRY_FAILED"
)

// ExecutionReport is persisted per event and republished on
// stream:execution_report.
type ExecutionReport struct {
	EventID        string         `json:"event_id"`
	Kind           ReportKind     `json:"kind"`
	IdempotencyKey string         `json:"idempotency_key"`
	Symbol         string         `json:"symbol"`
	Reason         RejectReason   `json:"reason,omitempty"`
	TsMs           int64          `json:"ts_ms"`
	Detail         map[string]any `json:"detail,omitempty"`
}
