package execution

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/halcyontrade/perpexec/internal/domain"
)

// Reporter persists execution reports and republishes them on
// stream:execution_report. Reports are idempotent on event_id, so retried
// emits never double-count.
type Reporter struct {
	reports domain.ReportStore
	bus     domain.EventBus
	env     string
	logger  *slog.Logger
}

// NewReporter creates a Reporter.
func NewReporter(reports domain.ReportStore, bus domain.EventBus, env string, logger *slog.Logger) *Reporter {
	return &Reporter{
		reports: reports,
		bus:     bus,
		env:     env,
		logger:  logger.With(slog.String("component", "reporter")),
	}
}

// Emit records one execution report. Publish failures are logged only; the
// persisted row is authoritative.
func (r *Reporter) Emit(ctx context.Context, kind domain.ReportKind, plan domain.TradePlan, reason domain.RejectReason, detail map[string]any) {
	report := domain.ExecutionReport{
		EventID:        uuid.NewString(),
		Kind:           kind,
		IdempotencyKey: plan.IdempotencyKey,
		Symbol:         plan.Symbol,
		Reason:         reason,
		TsMs:           time.Now().UnixMilli(),
		Detail:         detail,
	}

	if _, err := r.reports.Insert(ctx, report); err != nil {
		r.logger.Error("persist report failed",
			slog.String("kind", string(kind)),
			slog.String("idempotency_key", plan.IdempotencyKey),
			slog.Any("error", err),
		)
		return
	}

	env, err := domain.NewEnvelope(domain.EventTypeExecutionReport, r.env, "execution", "", report)
	if err == nil {
		err = r.bus.Publish(ctx, domain.StreamExecutionReport, env)
	}
	if err != nil {
		r.logger.Warn("publish report failed",
			slog.String("kind", string(kind)),
			slog.Any("error", err),
		)
	}
}

// EmitForPosition is Emit keyed off a position instead of a plan.
func (r *Reporter) EmitForPosition(ctx context.Context, kind domain.ReportKind, pos domain.Position, detail map[string]any) {
	plan := domain.TradePlan{IdempotencyKey: pos.IdempotencyKey, Symbol: pos.Symbol}
	r.Emit(ctx, kind, plan, "", detail)
}
