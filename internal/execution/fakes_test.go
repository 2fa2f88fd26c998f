package execution

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/halcyontrade/perpexec/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePositionStore is an in-memory domain.PositionStore.
type fakePositionStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
}

func newFakePositionStore() *fakePositionStore {
	return &fakePositionStore{positions: map[string]domain.Position{}}
}

func (s *fakePositionStore) Upsert(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.IdempotencyKey] = p
	return nil
}

func (s *fakePositionStore) GetByKey(_ context.Context, key string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[key]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *fakePositionStore) ListOpen(_ context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.Status == domain.PositionStatusOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakePositionStore) OpenBySymbol(_ context.Context, symbol string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.positions {
		if p.Symbol == symbol && p.Status == domain.PositionStatusOpen {
			return p, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (s *fakePositionStore) Close(_ context.Context, key string, reason domain.CloseReason, exitPrice, pnl float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[key]
	if !ok || p.Status != domain.PositionStatusOpen {
		return domain.ErrNotFound
	}
	now := time.Now()
	p.Status = domain.PositionStatusClosed
	p.CloseReason = reason
	p.ExitPrice = exitPrice
	p.RealizedPnl = pnl
	p.ClosedAt = &now
	s.positions[key] = p
	return nil
}

// fakeCooldownStore is an in-memory domain.CooldownStore.
type fakeCooldownStore struct {
	mu        sync.Mutex
	cooldowns map[string]domain.Cooldown
}

func newFakeCooldownStore() *fakeCooldownStore {
	return &fakeCooldownStore{cooldowns: map[string]domain.Cooldown{}}
}

func cdKey(symbol string, side domain.Side, tf domain.Timeframe) string {
	return symbol + "|" + string(side) + "|" + string(tf)
}

func (s *fakeCooldownStore) Set(_ context.Context, cd domain.Cooldown) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[cdKey(cd.Symbol, cd.Side, cd.Timeframe)] = cd
	return nil
}

func (s *fakeCooldownStore) Get(_ context.Context, symbol string, side domain.Side, tf domain.Timeframe) (domain.Cooldown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cd, ok := s.cooldowns[cdKey(symbol, side, tf)]
	if !ok {
		return domain.Cooldown{}, domain.ErrNotFound
	}
	return cd, nil
}

func (s *fakeCooldownStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, cd := range s.cooldowns {
		if !cd.Active(now) {
			delete(s.cooldowns, k)
			n++
		}
	}
	return n, nil
}

// fakeFlagStore is an in-memory domain.FlagStore.
type fakeFlagStore struct {
	mu    sync.Mutex
	flags map[string]string
}

func newFakeFlagStore() *fakeFlagStore {
	return &fakeFlagStore{flags: map[string]string{}}
}

func (s *fakeFlagStore) Get(_ context.Context, key string) (domain.RuntimeFlag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.flags[key]
	if !ok {
		return domain.RuntimeFlag{}, domain.ErrNotFound
	}
	return domain.RuntimeFlag{Key: key, Value: v}, nil
}

func (s *fakeFlagStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[key] = value
	return nil
}

// fakeRiskStateStore is an in-memory domain.RiskStateStore.
type fakeRiskStateStore struct {
	mu     sync.Mutex
	states map[string]domain.RiskState
}

func newFakeRiskStateStore() *fakeRiskStateStore {
	return &fakeRiskStateStore{states: map[string]domain.RiskState{}}
}

func (s *fakeRiskStateStore) Get(_ context.Context, date string) (domain.RiskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.states[date]
	if !ok {
		return domain.RiskState{}, domain.ErrNotFound
	}
	return rs, nil
}

func (s *fakeRiskStateStore) Upsert(_ context.Context, rs domain.RiskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[rs.TradeDate] = rs
	return nil
}

// fakeRiskEventStore is an in-memory domain.RiskEventStore.
type fakeRiskEventStore struct {
	mu     sync.Mutex
	events []domain.RiskEvent
}

func (s *fakeRiskEventStore) Insert(_ context.Context, ev domain.RiskEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.EventID == ev.EventID {
			return false, nil
		}
	}
	s.events = append(s.events, ev)
	return true, nil
}

func (s *fakeRiskEventStore) ListRecent(_ context.Context, limit int) ([]domain.RiskEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]domain.RiskEvent(nil), s.events...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *fakeRiskEventStore) types() []domain.RiskEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RiskEventType
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

// fakeReportStore is an in-memory domain.ReportStore.
type fakeReportStore struct {
	mu      sync.Mutex
	reports []domain.ExecutionReport
}

func (s *fakeReportStore) Insert(_ context.Context, r domain.ExecutionReport) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.reports {
		if e.EventID == r.EventID {
			return false, nil
		}
	}
	s.reports = append(s.reports, r)
	return true, nil
}

func (s *fakeReportStore) ListByKey(_ context.Context, key string) ([]domain.ExecutionReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ExecutionReport
	for _, r := range s.reports {
		if r.IdempotencyKey == key {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeReportStore) last() (domain.ExecutionReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reports) == 0 {
		return domain.ExecutionReport{}, false
	}
	return s.reports[len(s.reports)-1], true
}

// fakeLockManager is an in-memory domain.LockManager.
type fakeLockManager struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLockManager() *fakeLockManager {
	return &fakeLockManager{held: map[string]bool{}}
}

func (m *fakeLockManager) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return nil, domain.ErrLockHeld
	}
	m.held[key] = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.held, key)
	}, nil
}

// fakeBus is an in-memory domain.EventBus that records published envelopes.
type fakeBus struct {
	mu        sync.Mutex
	published map[string][]domain.Envelope
}

func newFakeBus() *fakeBus {
	return &fakeBus{published: map[string][]domain.Envelope{}}
}

func (b *fakeBus) Publish(_ context.Context, stream string, env domain.Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[stream] = append(b.published[stream], env)
	return nil
}

func (b *fakeBus) Consume(ctx context.Context, _, _, _ string, _ domain.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

// Interface checks for the fakes.
var (
	_ domain.PositionStore  = (*fakePositionStore)(nil)
	_ domain.CooldownStore  = (*fakeCooldownStore)(nil)
	_ domain.FlagStore      = (*fakeFlagStore)(nil)
	_ domain.RiskStateStore = (*fakeRiskStateStore)(nil)
	_ domain.RiskEventStore = (*fakeRiskEventStore)(nil)
	_ domain.ReportStore    = (*fakeReportStore)(nil)
	_ domain.LockManager    = (*fakeLockManager)(nil)
	_ domain.EventBus       = (*fakeBus)(nil)
)
