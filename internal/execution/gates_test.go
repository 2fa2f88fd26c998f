package execution

import (
	"context"
	"testing"
	"time"

	"github.com/halcyontrade/perpexec/internal/domain"
	"github.com/halcyontrade/perpexec/internal/risk"
)

type gateEnv struct {
	gates     *Gates
	locks     *fakeLockManager
	flags     *fakeFlagStore
	states    *fakeRiskStateStore
	cooldowns *fakeCooldownStore
	positions *fakePositionStore
	events    *fakeRiskEventStore
}

func newGateEnv(t *testing.T, cfg GateConfig) *gateEnv {
	t.Helper()
	logger := testLogger()

	env := &gateEnv{
		locks:     newFakeLockManager(),
		flags:     newFakeFlagStore(),
		states:    newFakeRiskStateStore(),
		cooldowns: newFakeCooldownStore(),
		positions: newFakePositionStore(),
		events:    &fakeRiskEventStore{},
	}
	pub := risk.NewPublisher(env.events, newFakeBus(), "test", logger)
	kill := risk.NewKillSwitch(false, env.flags, logger)
	ledger := risk.NewLedger(risk.LedgerConfig{}, env.states, pub, nil, logger)

	env.gates = NewGates(cfg, env.locks, kill, ledger, env.cooldowns, env.positions, pub, logger)
	return env
}

func admit(t *testing.T, env *gateEnv, plan domain.TradePlan) Admission {
	t.Helper()
	adm, err := env.gates.Admit(context.Background(), plan, time.Now())
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if adm.Unlock != nil {
		t.Cleanup(adm.Unlock)
	}
	return adm
}

func freshPlan() domain.TradePlan {
	p := longPlan()
	p.SignalTsMs = time.Now().UnixMilli()
	return p
}

func TestAdmitCleanPlan(t *testing.T) {
	env := newGateEnv(t, GateConfig{MaxSignalAge: time.Minute, MaxPositions: 3})

	adm := admit(t, env, freshPlan())
	if !adm.Admitted() {
		t.Fatalf("rejected: %v", adm.Reject)
	}
	if adm.Upgrade != nil {
		t.Fatal("unexpected upgrade")
	}
}

func TestAdmitDuplicateLock(t *testing.T) {
	env := newGateEnv(t, GateConfig{})
	plan := freshPlan()

	first := admit(t, env, plan)
	if !first.Admitted() {
		t.Fatalf("first admit rejected: %v", first.Reject)
	}

	second := admit(t, env, plan)
	if second.Reject != domain.RejectDuplicate {
		t.Fatalf("reject = %v, want DUPLICATE_PLAN", second.Reject)
	}
}

func TestAdmitKillSwitch(t *testing.T) {
	env := newGateEnv(t, GateConfig{})
	_ = env.flags.Set(context.Background(), domain.FlagKillSwitch, "1")

	adm := admit(t, env, freshPlan())
	if adm.Reject != domain.RejectKillSwitch {
		t.Fatalf("reject = %v, want KILL_SWITCH", adm.Reject)
	}

	// The rejection must raise a kill-switch risk event.
	types := env.events.types()
	if len(types) != 1 || types[0] != domain.RiskEventKillSwitch {
		t.Fatalf("risk events = %v", types)
	}

	// A second rejection inside the spam window stays silent.
	second := admit(t, env, domain.TradePlan{
		IdempotencyKey: "k2", Symbol: "ETHUSDT", Side: domain.SideLong,
		Timeframe: domain.Timeframe1h, EntryPrice: 3000, StopPrice: 2900,
		SignalTsMs: time.Now().UnixMilli(),
	})
	if second.Reject != domain.RejectKillSwitch {
		t.Fatalf("second reject = %v", second.Reject)
	}
	if got := len(env.events.types()); got != 1 {
		t.Fatalf("alert count = %d, want 1 within spam window", got)
	}
}

func TestAdmitSignalExpired(t *testing.T) {
	env := newGateEnv(t, GateConfig{MaxSignalAge: time.Minute})

	plan := freshPlan()
	plan.SignalTsMs = time.Now().Add(-5 * time.Minute).UnixMilli()

	adm := admit(t, env, plan)
	if adm.Reject != domain.RejectSignalExpired {
		t.Fatalf("reject = %v, want SIGNAL_EXPIRED", adm.Reject)
	}

	// Every gate rejection leaves a risk event next to the report.
	types := env.events.types()
	if len(types) != 1 || types[0] != domain.RiskEventSignalExpired {
		t.Fatalf("risk events = %v", types)
	}
}

func TestAdmitExplicitExpiry(t *testing.T) {
	env := newGateEnv(t, GateConfig{MaxSignalAge: time.Hour})

	// An explicit expires_at overrides the age fallback: the signal is
	// young but its expiry already passed.
	plan := freshPlan()
	plan.ExpiresAtMs = time.Now().Add(-time.Second).UnixMilli()
	adm := admit(t, env, plan)
	if adm.Reject != domain.RejectSignalExpired {
		t.Fatalf("reject = %v, want SIGNAL_EXPIRED", adm.Reject)
	}
	if _, ok := adm.Detail["expires_at_ms"]; !ok {
		t.Fatalf("detail = %v, want expires_at_ms", adm.Detail)
	}

	// And a live expiry admits even a stale-by-age signal.
	plan = freshPlan()
	plan.IdempotencyKey = "k-live"
	plan.SignalTsMs = time.Now().Add(-2 * time.Hour).UnixMilli()
	plan.ExpiresAtMs = time.Now().Add(time.Minute).UnixMilli()
	if adm := admit(t, env, plan); !adm.Admitted() {
		t.Fatalf("rejected: %v", adm.Reject)
	}
}

func TestAdmitRiskHalt(t *testing.T) {
	env := newGateEnv(t, GateConfig{})
	_ = env.states.Upsert(context.Background(), domain.RiskState{
		TradeDate: domain.TradeDateUTC(time.Now()),
		SoftHalt:  true,
	})

	adm := admit(t, env, freshPlan())
	if adm.Reject != domain.RejectRiskHalt {
		t.Fatalf("reject = %v, want RISK_CIRCUIT_HALT", adm.Reject)
	}
	types := env.events.types()
	if len(types) != 1 || types[0] != domain.RiskEventRiskRejected {
		t.Fatalf("risk events = %v", types)
	}
}

func TestAdmitCooldown(t *testing.T) {
	env := newGateEnv(t, GateConfig{})
	plan := freshPlan()
	_ = env.cooldowns.Set(context.Background(), domain.Cooldown{
		Symbol:    plan.Symbol,
		Side:      plan.Side,
		Timeframe: plan.Timeframe,
		UntilMs:   time.Now().Add(time.Hour).UnixMilli(),
		Reason:    "PRIMARY_SL_HIT",
	})

	adm := admit(t, env, plan)
	if adm.Reject != domain.RejectCooldown {
		t.Fatalf("reject = %v, want COOLDOWN_BLOCKED", adm.Reject)
	}
	types := env.events.types()
	if len(types) != 1 || types[0] != domain.RiskEventCooldownBlocked {
		t.Fatalf("risk events = %v", types)
	}
}

func TestAdmitCooldownScopedToSide(t *testing.T) {
	env := newGateEnv(t, GateConfig{})
	plan := freshPlan()

	// A LONG stop-out parks only LONG re-entries; the SHORT lane stays open.
	_ = env.cooldowns.Set(context.Background(), domain.Cooldown{
		Symbol:    plan.Symbol,
		Side:      domain.SideLong,
		Timeframe: plan.Timeframe,
		UntilMs:   time.Now().Add(time.Hour).UnixMilli(),
		Reason:    "PRIMARY_SL_HIT",
	})

	short := plan
	short.IdempotencyKey = "k-short"
	short.Side = domain.SideShort
	short.StopPrice = plan.EntryPrice + (plan.EntryPrice - plan.StopPrice)
	if adm := admit(t, env, short); !adm.Admitted() {
		t.Fatalf("short rejected by long cooldown: %v", adm.Reject)
	}
}

func TestAdmitExpiredCooldownPasses(t *testing.T) {
	env := newGateEnv(t, GateConfig{})
	plan := freshPlan()
	_ = env.cooldowns.Set(context.Background(), domain.Cooldown{
		Symbol:    plan.Symbol,
		Side:      plan.Side,
		Timeframe: plan.Timeframe,
		UntilMs:   time.Now().Add(-time.Minute).UnixMilli(),
	})

	if adm := admit(t, env, plan); !adm.Admitted() {
		t.Fatalf("rejected: %v", adm.Reject)
	}
}

func TestAdmitMaxPositions(t *testing.T) {
	env := newGateEnv(t, GateConfig{MaxPositions: 1})
	_ = env.positions.Upsert(context.Background(), domain.Position{
		IdempotencyKey: "other", Symbol: "ETHUSDT", Side: domain.SideLong,
		Timeframe: domain.Timeframe1h, Status: domain.PositionStatusOpen,
	})

	adm := admit(t, env, freshPlan())
	if adm.Reject != domain.RejectMaxPositions {
		t.Fatalf("reject = %v, want MAX_POSITIONS_BLOCKED", adm.Reject)
	}
	types := env.events.types()
	if len(types) != 1 || types[0] != domain.RiskEventMaxPositionsBlocked {
		t.Fatalf("risk events = %v", types)
	}
}

func TestAdmitPositionMutex(t *testing.T) {
	env := newGateEnv(t, GateConfig{MaxPositions: 5})
	plan := freshPlan() // 4h LONG

	// Same-rank same-side open position blocks.
	_ = env.positions.Upsert(context.Background(), domain.Position{
		IdempotencyKey: "existing", Symbol: plan.Symbol, Side: plan.Side,
		Timeframe: domain.Timeframe4h, Status: domain.PositionStatusOpen,
	})
	adm := admit(t, env, plan)
	if adm.Reject != domain.RejectPositionMutex {
		t.Fatalf("reject = %v, want POSITION_MUTEX_BLOCKED", adm.Reject)
	}
	types := env.events.types()
	if len(types) != 1 || types[0] != domain.RiskEventPositionMutexBlocked {
		t.Fatalf("risk events = %v", types)
	}
}

func TestAdmitOppositeSideNotBlocked(t *testing.T) {
	env := newGateEnv(t, GateConfig{MaxPositions: 5})

	// The mutex is per (symbol, side): an open 1h LONG must not block an
	// incoming 1h SHORT on the same symbol.
	_ = env.positions.Upsert(context.Background(), domain.Position{
		IdempotencyKey: "long-held", Symbol: "BTCUSDT", Side: domain.SideLong,
		Timeframe: domain.Timeframe1h, Status: domain.PositionStatusOpen,
	})

	short := freshPlan()
	short.IdempotencyKey = "k-short"
	short.Side = domain.SideShort
	short.Timeframe = domain.Timeframe1h
	short.StopPrice = short.EntryPrice + 1_000

	adm := admit(t, env, short)
	if !adm.Admitted() {
		t.Fatalf("opposite-side plan rejected: %v", adm.Reject)
	}
	if adm.Upgrade != nil {
		t.Fatalf("opposite side must not trigger an upgrade close")
	}
}

func TestAdmitMutexUpgrade(t *testing.T) {
	env := newGateEnv(t, GateConfig{MaxPositions: 1})

	// Lower-rank 1h position on the same symbol and side; the 1d plan
	// upgrades even though the position cap is reached.
	_ = env.positions.Upsert(context.Background(), domain.Position{
		IdempotencyKey: "existing", Symbol: "BTCUSDT", Side: domain.SideLong,
		Timeframe: domain.Timeframe1h, Status: domain.PositionStatusOpen,
	})

	plan := freshPlan()
	plan.Timeframe = domain.Timeframe1d

	adm := admit(t, env, plan)
	if !adm.Admitted() {
		t.Fatalf("rejected: %v", adm.Reject)
	}
	if adm.Upgrade == nil || adm.Upgrade.IdempotencyKey != "existing" {
		t.Fatalf("upgrade = %+v, want existing position", adm.Upgrade)
	}
}

func TestAdmitMutexUpgradeBlocked(t *testing.T) {
	env := newGateEnv(t, GateConfig{MaxPositions: 5, UpgradeAction: UpgradeActionBlock})

	_ = env.positions.Upsert(context.Background(), domain.Position{
		IdempotencyKey: "existing", Symbol: "BTCUSDT", Side: domain.SideLong,
		Timeframe: domain.Timeframe1h, Status: domain.PositionStatusOpen,
	})

	plan := freshPlan()
	plan.Timeframe = domain.Timeframe1d

	adm := admit(t, env, plan)
	if adm.Reject != domain.RejectPositionMutex {
		t.Fatalf("reject = %v, want POSITION_MUTEX_BLOCKED under BLOCK", adm.Reject)
	}
	if adm.Upgrade != nil {
		t.Fatal("BLOCK must not schedule an upgrade close")
	}
}
