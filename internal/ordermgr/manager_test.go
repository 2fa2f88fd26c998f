package ordermgr

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/halcyontrade/perpexec/internal/domain"
	"github.com/halcyontrade/perpexec/internal/exchange/bybit"
	"github.com/halcyontrade/perpexec/internal/execution"
	"github.com/halcyontrade/perpexec/internal/risk"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeClient struct {
	mu        sync.Mutex
	created   []bybit.OrderRequest
	cancelled []string
	stops     []bybit.TradingStopRequest
	states    map[string]bybit.OrderState

	// cancelErr makes CancelOrder bounce; cancelState, when set, is what the
	// next GetOrder for that link reports, simulating a fill that raced the
	// cancel.
	cancelErr   error
	cancelState *bybit.OrderState
}

func newFakeClient() *fakeClient {
	return &fakeClient{states: map[string]bybit.OrderState{}}
}

func (c *fakeClient) setState(link string, st bybit.OrderState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[link] = st
}

func (c *fakeClient) CreateOrder(_ context.Context, req bybit.OrderRequest) (bybit.OrderAck, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = append(c.created, req)
	return bybit.OrderAck{OrderID: "venue-" + req.OrderLinkID, OrderLinkID: req.OrderLinkID}, nil
}

func (c *fakeClient) CancelOrder(_ context.Context, _, link string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, link)
	if c.cancelErr != nil {
		if c.cancelState != nil {
			c.states[link] = *c.cancelState
		}
		return c.cancelErr
	}
	return nil
}

func (c *fakeClient) SetTradingStop(_ context.Context, req bybit.TradingStopRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops = append(c.stops, req)
	return nil
}

func (c *fakeClient) GetOrder(_ context.Context, _, link string) (bybit.OrderState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[link]; ok {
		return st, nil
	}
	return bybit.OrderState{OrderLinkID: link, Status: "New"}, nil
}

func (c *fakeClient) requests() []bybit.OrderRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bybit.OrderRequest(nil), c.created...)
}

type fakePositions struct {
	mu        sync.Mutex
	positions map[string]domain.Position
}

func newFakePositions() *fakePositions {
	return &fakePositions{positions: map[string]domain.Position{}}
}

func (s *fakePositions) Upsert(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.IdempotencyKey] = p
	return nil
}

func (s *fakePositions) GetByKey(_ context.Context, key string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[key]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *fakePositions) ListOpen(_ context.Context) ([]domain.Position, error) { return nil, nil }

func (s *fakePositions) OpenBySymbol(_ context.Context, _ string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}

func (s *fakePositions) Close(_ context.Context, key string, reason domain.CloseReason, exitPrice, pnl float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[key]
	if !ok {
		return domain.ErrNotFound
	}
	p.Status = domain.PositionStatusClosed
	p.CloseReason = reason
	p.ExitPrice = exitPrice
	p.RealizedPnl = pnl
	s.positions[key] = p
	return nil
}

type fakeOrders struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

func newFakeOrders() *fakeOrders { return &fakeOrders{orders: map[string]domain.Order{}} }

func (s *fakeOrders) Upsert(_ context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.OrderLinkID] = o
	return nil
}

func (s *fakeOrders) GetByLinkID(_ context.Context, link string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[link]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *fakeOrders) GetByPurpose(_ context.Context, key string, purpose domain.OrderPurpose) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orders {
		if o.IdempotencyKey == key && o.Purpose == purpose {
			return o, nil
		}
	}
	return domain.Order{}, domain.ErrNotFound
}

func (s *fakeOrders) ListOpen(_ context.Context) ([]domain.Order, error) { return nil, nil }

func (s *fakeOrders) AppendFill(_ context.Context, _ domain.Fill) (bool, error) { return true, nil }

func (s *fakeOrders) ListFills(_ context.Context, _ string) ([]domain.Fill, error) { return nil, nil }

type fakeCooldowns struct{}

func (fakeCooldowns) Set(_ context.Context, _ domain.Cooldown) error { return nil }

func (fakeCooldowns) Get(_ context.Context, _ string, _ domain.Side, _ domain.Timeframe) (domain.Cooldown, error) {
	return domain.Cooldown{}, domain.ErrNotFound
}

func (fakeCooldowns) PurgeExpired(_ context.Context, _ time.Time) (int64, error) { return 0, nil }

type fakeStates struct {
	mu     sync.Mutex
	states map[string]domain.RiskState
}

func (s *fakeStates) Get(_ context.Context, date string) (domain.RiskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.states[date]
	if !ok {
		return domain.RiskState{}, domain.ErrNotFound
	}
	return rs, nil
}

func (s *fakeStates) Upsert(_ context.Context, rs domain.RiskState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states == nil {
		s.states = map[string]domain.RiskState{}
	}
	s.states[rs.TradeDate] = rs
	return nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []domain.RiskEvent
}

func (s *fakeEvents) Insert(_ context.Context, ev domain.RiskEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return true, nil
}

func (s *fakeEvents) ListRecent(_ context.Context, _ int) ([]domain.RiskEvent, error) {
	return nil, nil
}

func (s *fakeEvents) types() []domain.RiskEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RiskEventType
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeReports struct {
	mu      sync.Mutex
	reports []domain.ExecutionReport
}

func (s *fakeReports) Insert(_ context.Context, r domain.ExecutionReport) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	return true, nil
}

func (s *fakeReports) ListByKey(_ context.Context, _ string) ([]domain.ExecutionReport, error) {
	return nil, nil
}

type nopBus struct{}

func (nopBus) Publish(_ context.Context, _ string, _ domain.Envelope) error { return nil }

func (nopBus) Consume(ctx context.Context, _, _, _ string, _ domain.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

type staticFilters struct{ f execution.Filters }

func (s staticFilters) Filters(_ context.Context, _ string) (execution.Filters, error) {
	return s.f, nil
}

// ---------------------------------------------------------------------------
// Environment
// ---------------------------------------------------------------------------

type managerEnv struct {
	m         *Manager
	client    *fakeClient
	positions *fakePositions
	orders    *fakeOrders
	events    *fakeEvents
}

func newManagerEnv(t *testing.T) *managerEnv {
	t.Helper()
	logger := testLogger()

	env := &managerEnv{
		client:    newFakeClient(),
		positions: newFakePositions(),
		orders:    newFakeOrders(),
		events:    &fakeEvents{},
	}
	pub := risk.NewPublisher(env.events, nopBus{}, "test", logger)
	ledger := risk.NewLedger(risk.LedgerConfig{}, &fakeStates{}, pub, nil, logger)
	reporter := execution.NewReporter(&fakeReports{}, nopBus{}, "test", logger)
	lc := execution.NewLifecycle(execution.LifecycleConfig{},
		env.positions, fakeCooldowns{}, ledger, reporter, pub, logger)

	cfg := Config{
		EntryTimeout:        40 * time.Millisecond,
		PartialStallTimeout: 60 * time.Millisecond,
		MaxRetries:          2,
		RepriceBps:          5,
		PollInterval:        5 * time.Millisecond,
		MarketFallback:      true,
	}
	filters := staticFilters{execution.Filters{TickSize: 0.01, QtyStep: 0.001, MinQty: 0.001}}
	env.m = New(cfg, env.client, env.orders, env.positions, lc, reporter, filters, pub, logger)
	return env
}

func pendingPosition() domain.Position {
	return domain.Position{
		IdempotencyKey: "k1",
		Symbol:         "BTCUSDT",
		Side:           domain.SideLong,
		Timeframe:      domain.Timeframe1h,
		Status:         domain.PositionStatusPending,
		EntryPrice:     100,
		Qty:            1,
		StopPrice:      95,
		TP1Price:       105,
		TP2Price:       110,
		TP1Qty:         0.4,
		TP2Qty:         0.4,
		OpenedAt:       time.Now().UTC(),
	}
}

func entryPlan() domain.TradePlan {
	return domain.TradePlan{
		IdempotencyKey: "k1",
		Symbol:         "BTCUSDT",
		Side:           domain.SideLong,
		Timeframe:      domain.Timeframe1h,
		EntryPrice:     100,
		StopPrice:      95,
		SignalTsMs:     time.Now().Add(-time.Second).UnixMilli(),
	}
}

func hasEvent(types []domain.RiskEventType, want domain.RiskEventType) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestEntryFillsFirstAttempt(t *testing.T) {
	env := newManagerEnv(t)
	ctx := context.Background()
	pos := pendingPosition()

	env.client.setState("k1:ENTRY:0", bybit.OrderState{
		OrderLinkID: "k1:ENTRY:0", Status: "Filled", CumExecQty: 1, Qty: 1, AvgPrice: 100.02,
	})

	if err := env.m.PlaceEntry(ctx, &pos, entryPlan()); err != nil {
		t.Fatalf("PlaceEntry: %v", err)
	}
	if pos.Status != domain.PositionStatusOpen {
		t.Fatalf("status = %v", pos.Status)
	}
	if pos.EntryPrice != 100.02 {
		t.Fatalf("entry = %v, want realized avg", pos.EntryPrice)
	}

	order, err := env.orders.GetByLinkID(ctx, "k1:ENTRY:0")
	if err != nil {
		t.Fatal(err)
	}
	if order.Meta["slippage_bps"] == nil {
		t.Fatal("quality metrics not attached")
	}

	// The bracket follows the fill: stop loss armed, both targets resting.
	env.client.mu.Lock()
	stops := append([]bybit.TradingStopRequest(nil), env.client.stops...)
	env.client.mu.Unlock()
	if len(stops) != 1 || stops[0].StopLoss != 95 {
		t.Fatalf("stops = %+v, want armed at 95", stops)
	}
	reqs := env.client.requests()
	if len(reqs) != 3 {
		t.Fatalf("create calls = %d, want entry + 2 targets", len(reqs))
	}
	tp1 := reqs[1]
	if tp1.OrderLinkID != "k1:TP1" || !tp1.ReduceOnly || tp1.Side != "Sell" || tp1.Price != 105 {
		t.Fatalf("tp1 = %+v", tp1)
	}
	if reqs[2].OrderLinkID != "k1:TP2" || reqs[2].Price != 110 {
		t.Fatalf("tp2 = %+v", reqs[2])
	}
}

func TestEntryTimeoutRepricesThenFills(t *testing.T) {
	env := newManagerEnv(t)
	ctx := context.Background()
	pos := pendingPosition()

	// Attempt 0 never fills; attempt 1 fills at its repriced level.
	env.client.setState("k1:ENTRY:1", bybit.OrderState{
		OrderLinkID: "k1:ENTRY:1", Status: "Filled", CumExecQty: 1, Qty: 1, AvgPrice: 100.05,
	})

	if err := env.m.PlaceEntry(ctx, &pos, entryPlan()); err != nil {
		t.Fatalf("PlaceEntry: %v", err)
	}
	if pos.Status != domain.PositionStatusOpen {
		t.Fatalf("status = %v", pos.Status)
	}

	reqs := env.client.requests()
	if len(reqs) != 4 { // 2 entry attempts + 2 targets
		t.Fatalf("create calls = %d, want 4", len(reqs))
	}
	// 5 bps concession on attempt 1 for a buy: 100 * 1.0005 = 100.05.
	if math.Abs(reqs[1].Price-100.05) > 1e-9 {
		t.Fatalf("reprice = %v, want 100.05", reqs[1].Price)
	}

	types := env.events.types()
	for _, want := range []domain.RiskEventType{
		domain.RiskEventOrderTimeout,
		domain.RiskEventOrderCancelled,
		domain.RiskEventOrderRetry,
	} {
		if !hasEvent(types, want) {
			t.Fatalf("missing %s in %v", want, types)
		}
	}
}

func TestEntryExhaustsRetriesThenMarketFallback(t *testing.T) {
	env := newManagerEnv(t)
	ctx := context.Background()
	pos := pendingPosition()

	env.client.setState("k1:ENTRY:FALLBACK", bybit.OrderState{
		OrderLinkID: "k1:ENTRY:FALLBACK", Status: "Filled", CumExecQty: 1, Qty: 1, AvgPrice: 100.3,
	})

	if err := env.m.PlaceEntry(ctx, &pos, entryPlan()); err != nil {
		t.Fatalf("PlaceEntry: %v", err)
	}
	if pos.Status != domain.PositionStatusOpen || pos.EntryPrice != 100.3 {
		t.Fatalf("pos = %v entry %v", pos.Status, pos.EntryPrice)
	}

	reqs := env.client.requests()
	if len(reqs) != 6 { // 3 limit attempts + market fallback + 2 targets
		t.Fatalf("create calls = %d, want 6", len(reqs))
	}
	fallback := reqs[3]
	if fallback.OrderType != "Market" || !strings.HasSuffix(fallback.OrderLinkID, ":ENTRY:FALLBACK") {
		t.Fatalf("fallback = %+v", fallback)
	}
	if !hasEvent(env.events.types(), domain.RiskEventOrderFallbackMarket) {
		t.Fatal("missing ORDER_FALLBACK_MARKET event")
	}
}

func TestPartialStallGoesToMarketForRemainder(t *testing.T) {
	env := newManagerEnv(t)
	ctx := context.Background()
	pos := pendingPosition()

	// Attempt 0 sticks at 40% filled; the stall timer sends the rest to
	// market.
	env.client.setState("k1:ENTRY:0", bybit.OrderState{
		OrderLinkID: "k1:ENTRY:0", Status: "PartiallyFilled", CumExecQty: 0.4, Qty: 1, AvgPrice: 100,
	})
	env.client.setState("k1:ENTRY:FALLBACK", bybit.OrderState{
		OrderLinkID: "k1:ENTRY:FALLBACK", Status: "Filled", CumExecQty: 0.6, Qty: 0.6, AvgPrice: 100.1,
	})

	if err := env.m.PlaceEntry(ctx, &pos, entryPlan()); err != nil {
		t.Fatalf("PlaceEntry: %v", err)
	}
	if pos.Status != domain.PositionStatusOpen {
		t.Fatalf("status = %v", pos.Status)
	}

	var fallback *bybit.OrderRequest
	for _, req := range env.client.requests() {
		if strings.HasSuffix(req.OrderLinkID, ":ENTRY:FALLBACK") {
			r := req
			fallback = &r
			break
		}
	}
	if fallback == nil || fallback.OrderType != "Market" || math.Abs(fallback.Qty-0.6) > 1e-9 {
		t.Fatalf("fallback = %+v, want market for remainder", fallback)
	}
	if len(env.client.cancelled) != 1 || env.client.cancelled[0] != "k1:ENTRY:0" {
		t.Fatalf("cancelled = %v", env.client.cancelled)
	}
}

func TestCancelRejectionConvergesOnFill(t *testing.T) {
	env := newManagerEnv(t)
	ctx := context.Background()
	pos := pendingPosition()

	// The entry rests unfilled past the timeout, but fills in the race
	// between our cancel and the venue: the cancel bounces and the re-query
	// shows a full fill. The manager must adopt it, not stack a second entry.
	env.client.cancelErr = errors.New("order has been filled")
	env.client.cancelState = &bybit.OrderState{
		OrderLinkID: "k1:ENTRY:0", Status: "Filled", CumExecQty: 1, Qty: 1, AvgPrice: 100.01,
	}

	if err := env.m.PlaceEntry(ctx, &pos, entryPlan()); err != nil {
		t.Fatalf("PlaceEntry: %v", err)
	}
	if pos.Status != domain.PositionStatusOpen || pos.EntryPrice != 100.01 {
		t.Fatalf("pos = %v entry %v", pos.Status, pos.EntryPrice)
	}

	var entries int
	for _, req := range env.client.requests() {
		if strings.Contains(req.OrderLinkID, ":ENTRY:") {
			entries++
		}
	}
	if entries != 1 {
		t.Fatalf("entry submissions = %d, want the raced fill adopted", entries)
	}
}

func TestMarketEntryBypassesLadder(t *testing.T) {
	env := newManagerEnv(t)
	env.m.cfg.EntryOrderType = domain.OrderTypeMarket
	ctx := context.Background()
	pos := pendingPosition()

	env.client.setState("k1:ENTRY:0", bybit.OrderState{
		OrderLinkID: "k1:ENTRY:0", Status: "Filled", CumExecQty: 1, Qty: 1, AvgPrice: 100.2,
	})

	if err := env.m.PlaceEntry(ctx, &pos, entryPlan()); err != nil {
		t.Fatalf("PlaceEntry: %v", err)
	}
	if pos.Status != domain.PositionStatusOpen || pos.EntryPrice != 100.2 {
		t.Fatalf("pos = %v entry %v", pos.Status, pos.EntryPrice)
	}

	reqs := env.client.requests()
	if len(reqs) != 3 { // market entry + 2 targets
		t.Fatalf("create calls = %d, want 3", len(reqs))
	}
	if reqs[0].OrderType != "Market" {
		t.Fatalf("entry type = %s, want Market", reqs[0].OrderType)
	}
	if len(env.client.cancelled) != 0 {
		t.Fatalf("cancelled = %v, market entry works no ladder", env.client.cancelled)
	}
}

func TestFallbackDisabledFailsEntry(t *testing.T) {
	env := newManagerEnv(t)
	env.m.cfg.MarketFallback = false
	ctx := context.Background()
	pos := pendingPosition()

	// No attempt ever fills; with the fallback off the ladder's exhaustion
	// must surface as a failed entry, not a market order.
	err := env.m.PlaceEntry(ctx, &pos, entryPlan())
	if !errors.Is(err, domain.ErrEntryFailed) {
		t.Fatalf("err = %v, want ErrEntryFailed", err)
	}
	for _, req := range env.client.requests() {
		if req.OrderType == "Market" {
			t.Fatalf("market order placed with fallback disabled: %+v", req)
		}
	}
}

func TestClosePositionReduceOnlyMarket(t *testing.T) {
	env := newManagerEnv(t)
	ctx := context.Background()

	pos := pendingPosition()
	pos.Status = domain.PositionStatusOpen
	env.positions.Upsert(ctx, pos)

	go func() {
		// The close link embeds a timestamp; answer whatever got created.
		for i := 0; i < 100; i++ {
			time.Sleep(2 * time.Millisecond)
			for _, req := range env.client.requests() {
				if strings.Contains(req.OrderLinkID, ":CLOSE:") {
					env.client.setState(req.OrderLinkID, bybit.OrderState{
						OrderLinkID: req.OrderLinkID, Status: "Filled",
						CumExecQty: req.Qty, Qty: req.Qty, AvgPrice: 98.5,
					})
					return
				}
			}
		}
	}()

	if err := env.m.ClosePosition(ctx, &pos, domain.CloseReasonForceClose); err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}

	stored, _ := env.positions.GetByKey(ctx, "k1")
	if stored.Status != domain.PositionStatusClosed || stored.CloseReason != domain.CloseReasonForceClose {
		t.Fatalf("pos = %v %v", stored.Status, stored.CloseReason)
	}
	if stored.ExitPrice != 98.5 {
		t.Fatalf("exit = %v", stored.ExitPrice)
	}

	reqs := env.client.requests()
	if len(reqs) != 1 || !reqs[0].ReduceOnly || reqs[0].Side != "Sell" {
		t.Fatalf("close order = %+v", reqs)
	}
}

func TestRepricedEntry(t *testing.T) {
	if got := repricedEntry(100, domain.SideLong, 5, 0); got != 100 {
		t.Fatalf("attempt 0 = %v", got)
	}
	if got := repricedEntry(100, domain.SideLong, 5, 2); math.Abs(got-100.1) > 1e-9 {
		t.Fatalf("long attempt 2 = %v, want 100.1", got)
	}
	got := repricedEntry(100, domain.SideShort, 5, 1)
	if math.Abs(got-100/1.0005) > 1e-9 {
		t.Fatalf("short attempt 1 = %v", got)
	}
}
