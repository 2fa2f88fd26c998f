package execution

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/halcyontrade/perpexec/internal/domain"
	"github.com/halcyontrade/perpexec/internal/risk"
)

type lifecycleEnv struct {
	lc        *Lifecycle
	positions *fakePositionStore
	cooldowns *fakeCooldownStore
	states    *fakeRiskStateStore
	reports   *fakeReportStore
}

func newLifecycleEnv(t *testing.T) *lifecycleEnv {
	t.Helper()
	logger := testLogger()

	env := &lifecycleEnv{
		positions: newFakePositionStore(),
		cooldowns: newFakeCooldownStore(),
		states:    newFakeRiskStateStore(),
		reports:   &fakeReportStore{},
	}
	pub := risk.NewPublisher(&fakeRiskEventStore{}, newFakeBus(), "test", logger)
	ledger := risk.NewLedger(risk.LedgerConfig{}, env.states, pub, nil, logger)
	reporter := NewReporter(env.reports, newFakeBus(), "test", logger)

	env.lc = NewLifecycle(LifecycleConfig{CooldownBars: 3},
		env.positions, env.cooldowns, ledger, reporter, pub, logger)
	return env
}

func openPosition(t *testing.T, env *lifecycleEnv) domain.Position {
	t.Helper()
	pos := domain.Position{
		IdempotencyKey: "k1",
		Symbol:         "BTCUSDT",
		Side:           domain.SideLong,
		Timeframe:      domain.Timeframe1h,
		Status:         domain.PositionStatusOpen,
		EntryPrice:     100,
		Qty:            10,
		StopPrice:      95,
		TP1Price:       105,
		TP2Price:       110,
		TP1Qty:         4,
		TP2Qty:         4,
		OpenedAt:       time.Now().Add(-2 * time.Hour),
	}
	if err := env.positions.Upsert(context.Background(), pos); err != nil {
		t.Fatal(err)
	}
	return pos
}

func TestLifecycleTPProgression(t *testing.T) {
	env := newLifecycleEnv(t)
	ctx := context.Background()
	pos := openPosition(t, env)

	if err := env.lc.OnTP1(ctx, &pos, 105); err != nil {
		t.Fatalf("OnTP1: %v", err)
	}
	if !pos.TP1Fill {
		t.Fatal("tp1 not marked filled")
	}
	if math.Abs(pos.RealizedPnl-20) > 1e-9 { // (105-100)*4
		t.Fatalf("realized after tp1 = %v, want 20", pos.RealizedPnl)
	}
	if pos.EffectiveStop() != 100 {
		t.Fatalf("stop after tp1 = %v, want breakeven", pos.EffectiveStop())
	}

	// Re-applying TP1 must not double-book.
	if err := env.lc.OnTP1(ctx, &pos, 105); err != nil {
		t.Fatal(err)
	}
	if math.Abs(pos.RealizedPnl-20) > 1e-9 {
		t.Fatalf("tp1 double-booked: %v", pos.RealizedPnl)
	}

	if err := env.lc.OnTP2(ctx, &pos, 110); err != nil {
		t.Fatalf("OnTP2: %v", err)
	}
	if math.Abs(pos.RealizedPnl-60) > 1e-9 { // +  (110-100)*4
		t.Fatalf("realized after tp2 = %v, want 60", pos.RealizedPnl)
	}
	if pos.RunnerStopPrice != 100 {
		t.Fatalf("runner stop seeded at %v, want breakeven", pos.RunnerStopPrice)
	}
}

func TestLifecyclePrimaryStopSetsCooldown(t *testing.T) {
	env := newLifecycleEnv(t)
	ctx := context.Background()
	pos := openPosition(t, env)

	if err := env.lc.Close(ctx, &pos, 95, StopReason(pos)); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if pos.CloseReason != domain.CloseReasonPrimarySL {
		t.Fatalf("reason = %v", pos.CloseReason)
	}

	cd, err := env.cooldowns.Get(ctx, "BTCUSDT", domain.SideLong, domain.Timeframe1h)
	if err != nil {
		t.Fatalf("cooldown missing: %v", err)
	}
	// 3 bars of 1h.
	wantMin := time.Now().Add(170 * time.Minute).UnixMilli()
	if cd.UntilMs < wantMin {
		t.Fatalf("cooldown until %v too short", cd.UntilMs)
	}
	// The cooldown parks only the stopped-out side.
	if _, err := env.cooldowns.Get(ctx, "BTCUSDT", domain.SideShort, domain.Timeframe1h); err == nil {
		t.Fatal("cooldown leaked to the opposite side")
	}

	// A primary stop-out reports PRIMARY_SL_HIT.
	last, ok := env.reports.last()
	if !ok || last.Kind != domain.ReportPrimarySLHit {
		t.Fatalf("last report = %+v, want PRIMARY_SL_HIT", last)
	}

	// The day's ledger must carry the loss.
	rs, err := env.states.Get(ctx, domain.TradeDateUTC(time.Now()))
	if err != nil {
		t.Fatalf("risk state: %v", err)
	}
	if rs.RealizedPnl >= 0 || rs.ConsecutiveLossCount != 1 {
		t.Fatalf("ledger = pnl %v, streak %d", rs.RealizedPnl, rs.ConsecutiveLossCount)
	}
}

func TestLifecycleBreakevenStopNoCooldown(t *testing.T) {
	env := newLifecycleEnv(t)
	ctx := context.Background()
	pos := openPosition(t, env)
	pos.TP1Fill = true

	if err := env.lc.Close(ctx, &pos, 100, StopReason(pos)); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := env.cooldowns.Get(ctx, "BTCUSDT", domain.SideLong, domain.Timeframe1h); err == nil {
		t.Fatal("breakeven stop must not set a cooldown")
	}
	// A moved stop reports SECONDARY_SL_EXIT, not a raw stop-loss.
	last, ok := env.reports.last()
	if !ok || last.Kind != domain.ReportSecondarySLExit {
		t.Fatalf("last report = %+v, want SECONDARY_SL_EXIT", last)
	}
}

func TestLifecycleBreakevenStopIsSecondaryExit(t *testing.T) {
	pos := domain.Position{TP1Fill: true}
	if got := StopReason(pos); got != domain.CloseReasonSecondarySL {
		t.Fatalf("StopReason = %v, want SECONDARY_SL_EXIT", got)
	}
}

func TestLifecyclePerTimeframeCooldownBars(t *testing.T) {
	env := newLifecycleEnv(t)
	env.lc.cfg.CooldownBarsByTF = map[domain.Timeframe]int{domain.Timeframe1h: 6}
	ctx := context.Background()
	pos := openPosition(t, env)

	if err := env.lc.Close(ctx, &pos, 95, StopReason(pos)); err != nil {
		t.Fatalf("Close: %v", err)
	}
	cd, err := env.cooldowns.Get(ctx, "BTCUSDT", domain.SideLong, domain.Timeframe1h)
	if err != nil {
		t.Fatalf("cooldown missing: %v", err)
	}
	// 6 bars of 1h, not the 3-bar fallback.
	wantMin := time.Now().Add(350 * time.Minute).UnixMilli()
	if cd.UntilMs < wantMin {
		t.Fatalf("cooldown until %v, want the per-timeframe override", cd.UntilMs)
	}
}

func TestLifecycleStreakAggregatesPerTrade(t *testing.T) {
	env := newLifecycleEnv(t)
	ctx := context.Background()
	pos := openPosition(t, env)

	// TP1 banks +20, then the runner gives back 10: the trade nets +10 and
	// the loss streak must not grow, despite the losing final chunk.
	if err := env.lc.OnTP1(ctx, &pos, 105); err != nil {
		t.Fatal(err)
	}
	remaining := pos.RemainingQty()
	exit := pos.EntryPrice - 10/remaining
	if err := env.lc.Close(ctx, &pos, exit, domain.CloseReasonSecondarySL); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rs, err := env.states.Get(ctx, domain.TradeDateUTC(time.Now()))
	if err != nil {
		t.Fatalf("risk state: %v", err)
	}
	if rs.ConsecutiveLossCount != 0 {
		t.Fatalf("streak = %d, want 0 for a net-positive trade", rs.ConsecutiveLossCount)
	}
	if math.Abs(rs.RealizedPnl-10) > 1e-6 {
		t.Fatalf("day pnl = %v, want 10", rs.RealizedPnl)
	}
}

func TestLifecycleRunnerStopReason(t *testing.T) {
	pos := domain.Position{TP1Fill: true, TP2Fill: true}
	if got := StopReason(pos); got != domain.CloseReasonSecondarySL {
		t.Fatalf("StopReason = %v, want SECONDARY_SL_EXIT", got)
	}
}

func TestSecondaryExitRule(t *testing.T) {
	env := newLifecycleEnv(t)
	ctx := context.Background()

	bar := func(hist float64, closeMs int64) domain.BarEvent {
		return domain.BarEvent{
			Bar:      domain.Bar{Symbol: "BTCUSDT", Timeframe: domain.Timeframe1h, CloseTimeMs: closeMs},
			MACDHist: hist,
		}
	}

	t.Run("momentum flipped against long", func(t *testing.T) {
		pos := openPosition(t, env)
		due, err := env.lc.SecondaryExitDue(ctx, &pos, bar(-0.5, time.Now().UnixMilli()))
		if err != nil {
			t.Fatal(err)
		}
		if !due {
			t.Fatal("expected secondary exit")
		}
		if !pos.SecondaryRuleChecked {
			t.Fatal("check not marked done")
		}
	})

	t.Run("checked only once", func(t *testing.T) {
		pos := openPosition(t, env)
		pos.SecondaryRuleChecked = true
		due, err := env.lc.SecondaryExitDue(ctx, &pos, bar(-0.5, time.Now().UnixMilli()))
		if err != nil || due {
			t.Fatalf("due = %v, err = %v", due, err)
		}
	})

	t.Run("bar predates entry", func(t *testing.T) {
		pos := openPosition(t, env)
		due, err := env.lc.SecondaryExitDue(ctx, &pos, bar(-0.5, pos.OpenedAt.Add(-time.Hour).UnixMilli()))
		if err != nil || due {
			t.Fatalf("due = %v, err = %v", due, err)
		}
		if pos.SecondaryRuleChecked {
			t.Fatal("early bar must not consume the check")
		}
	})

	t.Run("momentum aligned stays in", func(t *testing.T) {
		pos := openPosition(t, env)
		due, err := env.lc.SecondaryExitDue(ctx, &pos, bar(0.5, time.Now().UnixMilli()))
		if err != nil || due {
			t.Fatalf("due = %v, err = %v", due, err)
		}
		if !pos.SecondaryRuleChecked {
			t.Fatal("check should be consumed")
		}
	})
}
