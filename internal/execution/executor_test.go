package execution

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/halcyontrade/perpexec/internal/domain"
	"github.com/halcyontrade/perpexec/internal/risk"
)

// fakeVenue records entry and close calls, opening positions immediately.
// entryErr, when set, fails every entry instead.
type fakeVenue struct {
	store    *fakePositionStore
	entryErr error
	entries  []string
	closes   []domain.CloseReason
}

func (v *fakeVenue) PlaceEntry(ctx context.Context, pos *domain.Position, _ domain.TradePlan) error {
	if v.entryErr != nil {
		return v.entryErr
	}
	v.entries = append(v.entries, pos.IdempotencyKey)
	pos.Status = domain.PositionStatusOpen
	return v.store.Upsert(ctx, *pos)
}

func (v *fakeVenue) ClosePosition(ctx context.Context, pos *domain.Position, reason domain.CloseReason) error {
	v.closes = append(v.closes, reason)
	return v.store.Close(ctx, pos.IdempotencyKey, reason, pos.EntryPrice, 0)
}

type staticEquity float64

func (e staticEquity) Equity(context.Context) (float64, error) { return float64(e), nil }

type staticFilters Filters

func (f staticFilters) Filters(context.Context, string) (Filters, error) { return Filters(f), nil }

type execEnv struct {
	exec      *Executor
	venue     *fakeVenue
	positions *fakePositionStore
	reports   *fakeReportStore
	locks     *fakeLockManager
}

func newExecEnv(t *testing.T) *execEnv {
	t.Helper()
	logger := testLogger()

	positions := newFakePositionStore()
	reports := &fakeReportStore{}
	events := &fakeRiskEventStore{}
	bus := newFakeBus()
	locks := newFakeLockManager()

	pub := risk.NewPublisher(events, bus, "test", logger)
	kill := risk.NewKillSwitch(false, newFakeFlagStore(), logger)
	ledger := risk.NewLedger(risk.LedgerConfig{}, newFakeRiskStateStore(), pub, nil, logger)
	reporter := NewReporter(reports, bus, "test", logger)
	cooldowns := newFakeCooldownStore()
	gates := NewGates(GateConfig{MaxSignalAge: time.Minute, MaxPositions: 5},
		locks, kill, ledger, cooldowns, positions, pub, logger)
	lifecycle := NewLifecycle(LifecycleConfig{CooldownBars: 3}, positions, cooldowns, ledger, reporter, pub, logger)

	venue := &fakeVenue{store: positions}
	exec := NewExecutor(
		SizingConfig{RiskPct: 0.01, MinOrderValueUSDT: 10, MaxOrderValueUSDT: 1_000_000},
		gates, reporter, positions, lifecycle, venue,
		staticEquity(10_000), staticFilters(testFilters), logger,
	)

	return &execEnv{exec: exec, venue: venue, positions: positions, reports: reports, locks: locks}
}

func TestHandlePlanOpensPosition(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	if err := env.exec.HandlePlan(ctx, freshPlan()); err != nil {
		t.Fatalf("HandlePlan: %v", err)
	}

	pos, err := env.positions.GetByKey(ctx, "k1")
	if err != nil {
		t.Fatalf("position not persisted: %v", err)
	}
	if pos.Status != domain.PositionStatusOpen {
		t.Fatalf("status = %v, want OPEN", pos.Status)
	}
	if math.Abs(pos.Qty-0.1) > 1e-9 {
		t.Fatalf("qty = %v, want 0.1", pos.Qty)
	}
	if pos.TP1Price != 51_000 || pos.TP2Price != 52_000 {
		t.Fatalf("ladder = %v/%v", pos.TP1Price, pos.TP2Price)
	}
	if len(env.venue.entries) != 1 {
		t.Fatalf("venue entries = %d, want 1", len(env.venue.entries))
	}
}

func TestHandlePlanRedeliveryIsNoop(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()
	plan := freshPlan()

	if err := env.exec.HandlePlan(ctx, plan); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := env.exec.HandlePlan(ctx, plan); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	if len(env.venue.entries) != 1 {
		t.Fatalf("venue entries = %d, want 1 after redelivery", len(env.venue.entries))
	}
}

func TestHandlePlanInvalidRejected(t *testing.T) {
	env := newExecEnv(t)

	plan := freshPlan()
	plan.StopPrice = plan.EntryPrice

	if err := env.exec.HandlePlan(context.Background(), plan); err != nil {
		t.Fatalf("HandlePlan: %v", err)
	}
	last, ok := env.reports.last()
	if !ok || last.Kind != domain.ReportOrderRejected || last.Reason != domain.RejectInvalidPlan {
		t.Fatalf("last report = %+v", last)
	}
	if len(env.venue.entries) != 0 {
		t.Fatal("invalid plan reached the venue")
	}
}

func TestHandlePlanMutexUpgradeClosesExisting(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	_ = env.positions.Upsert(ctx, domain.Position{
		IdempotencyKey: "old", Symbol: "BTCUSDT", Side: domain.SideLong,
		Timeframe: domain.Timeframe1h, Status: domain.PositionStatusOpen,
		EntryPrice: 50_000, Qty: 0.05, StopPrice: 49_500,
	})

	plan := freshPlan()
	plan.Timeframe = domain.Timeframe1d

	if err := env.exec.HandlePlan(ctx, plan); err != nil {
		t.Fatalf("HandlePlan: %v", err)
	}

	if len(env.venue.closes) != 1 || env.venue.closes[0] != domain.CloseReasonMutexUpgrade {
		t.Fatalf("closes = %v, want one mutex_upgrade", env.venue.closes)
	}
	old, _ := env.positions.GetByKey(ctx, "old")
	if old.Status != domain.PositionStatusClosed {
		t.Fatalf("old position status = %v, want CLOSED", old.Status)
	}
	if _, err := env.positions.GetByKey(ctx, plan.IdempotencyKey); err != nil {
		t.Fatalf("new position missing: %v", err)
	}
}

func TestHandlePlanConcurrentDeliveryAckedSilently(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()
	plan := freshPlan()

	// Another consumer holds the plan lock: this delivery must ack without
	// emitting a rejection report.
	unlock, err := env.locks.Acquire(ctx, domain.PlanLockKey(plan.IdempotencyKey), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	if err := env.exec.HandlePlan(ctx, plan); err != nil {
		t.Fatalf("HandlePlan: %v", err)
	}
	if _, ok := env.reports.last(); ok {
		t.Fatal("lock-held redelivery produced a report")
	}
	if len(env.venue.entries) != 0 {
		t.Fatal("lock-held redelivery reached the venue")
	}
}

func TestHandlePlanVenueRejectMarksFailed(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()
	env.venue.entryErr = fmt.Errorf("retCode 110007: insufficient balance: %w", domain.ErrVenueReject)

	if err := env.exec.HandlePlan(ctx, freshPlan()); err != nil {
		t.Fatalf("venue rejection must ack, got %v", err)
	}

	pos, err := env.positions.GetByKey(ctx, "k1")
	if err != nil {
		t.Fatalf("position not persisted: %v", err)
	}
	if pos.Status != domain.PositionStatusFailed {
		t.Fatalf("status = %v, want FAILED", pos.Status)
	}
	if pos.CloseReason != domain.CloseReasonEntryFailed {
		t.Fatalf("close reason = %v, want ENTRY_FAILED", pos.CloseReason)
	}
	last, ok := env.reports.last()
	if !ok || last.Kind != domain.ReportOrderRejected || last.Reason != domain.RejectEntryFailed {
		t.Fatalf("last report = %+v", last)
	}

	// The failed position holds no exposure and must not count as open.
	open, _ := env.positions.ListOpen(ctx)
	if len(open) != 0 {
		t.Fatalf("open = %d, want 0", len(open))
	}
}

func TestForceCloseAll(t *testing.T) {
	env := newExecEnv(t)
	ctx := context.Background()

	for _, key := range []string{"a", "b"} {
		_ = env.positions.Upsert(ctx, domain.Position{
			IdempotencyKey: key, Symbol: key + "USDT", Side: domain.SideLong,
			Timeframe: domain.Timeframe1h, Status: domain.PositionStatusOpen,
			EntryPrice: 100, Qty: 1, StopPrice: 90,
		})
	}

	if err := env.exec.ForceCloseAll(ctx, domain.CloseReasonForceClose); err != nil {
		t.Fatalf("ForceCloseAll: %v", err)
	}
	if len(env.venue.closes) != 2 {
		t.Fatalf("closes = %d, want 2", len(env.venue.closes))
	}
}
