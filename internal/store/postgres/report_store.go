package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyontrade/perpexec/internal/domain"
)

// ReportStore implements domain.ReportStore using PostgreSQL. Reports are
// append-only and deduplicated by event_id, so bus redeliveries are no-ops.
type ReportStore struct {
	pool *pgxpool.Pool
}

// NewReportStore creates a new ReportStore backed by the given connection pool.
func NewReportStore(pool *pgxpool.Pool) *ReportStore {
	return &ReportStore{pool: pool}
}

// Insert persists an execution report. It reports whether the row was newly
// inserted (false means the event was already recorded).
func (s *ReportStore) Insert(ctx context.Context, r domain.ExecutionReport) (bool, error) {
	if r.Detail == nil {
		r.Detail = map[string]any{}
	}

	const query = `
		INSERT INTO execution_reports (event_id, kind, idempotency_key, symbol, reason, ts_ms, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		r.EventID, string(r.Kind), r.IdempotencyKey, r.Symbol, string(r.Reason), r.TsMs, r.Detail,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert report %s: %w", r.EventID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListByKey returns all reports for a plan, oldest first.
func (s *ReportStore) ListByKey(ctx context.Context, idempotencyKey string) ([]domain.ExecutionReport, error) {
	const query = `
		SELECT event_id, kind, idempotency_key, symbol, reason, ts_ms, detail
		FROM execution_reports WHERE idempotency_key = $1 ORDER BY ts_ms`

	rows, err := s.pool.Query(ctx, query, idempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("postgres: list reports %s: %w", idempotencyKey, err)
	}
	defer rows.Close()

	var reports []domain.ExecutionReport
	for rows.Next() {
		var r domain.ExecutionReport
		var kind, reason string
		if err := rows.Scan(&r.EventID, &kind, &r.IdempotencyKey, &r.Symbol, &reason, &r.TsMs, &r.Detail); err != nil {
			return nil, fmt.Errorf("postgres: scan report: %w", err)
		}
		r.Kind = domain.ReportKind(kind)
		r.Reason = domain.RejectReason(reason)
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// Compile-time interface check.
var _ domain.ReportStore = (*ReportStore)(nil)
