package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyontrade/perpexec/internal/domain"
)

// DefaultAlertWindow suppresses repeats of chatty event types per
// (type, symbol) after the first emit.
const DefaultAlertWindow = 5 * time.Minute

// windowedTypes are the event types that tend to fire in bursts while one
// underlying condition persists. The first occurrence always goes out
// immediately; repeats inside the window are dropped.
var windowedTypes = map[domain.RiskEventType]bool{
	domain.RiskEventConsistencyDrift: true,
	domain.RiskEventWalletDrift:      true,
	domain.RiskEventRateLimit:        true,
	domain.RiskEventKillSwitch:       true,
	domain.RiskEventProcessingLag:    true,
}

// Publisher persists risk events and republishes them on stream:risk_event.
// Persistence is the source of truth; a publish failure is logged, not
// returned, so risk bookkeeping never blocks the hot path.
type Publisher struct {
	events domain.RiskEventStore
	bus    domain.EventBus
	env    string
	window time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	lastEmit map[string]time.Time
}

// NewPublisher creates a risk event Publisher.
func NewPublisher(events domain.RiskEventStore, bus domain.EventBus, env string, logger *slog.Logger) *Publisher {
	return &Publisher{
		events:   events,
		bus:      bus,
		env:      env,
		window:   DefaultAlertWindow,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "risk_publisher")),
		lastEmit: make(map[string]time.Time),
	}
}

// SetAlertWindow overrides the repeat-suppression window. Zero disables
// suppression entirely.
func (p *Publisher) SetAlertWindow(d time.Duration) {
	p.mu.Lock()
	p.window = d
	p.mu.Unlock()
}

// suppressed reports whether this (type, symbol) already emitted inside the
// window, recording the emit time when it did not.
func (p *Publisher) suppressed(typ domain.RiskEventType, symbol string, at time.Time) bool {
	if !windowedTypes[typ] {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.window <= 0 {
		return false
	}
	key := string(typ) + "|" + symbol
	if last, ok := p.lastEmit[key]; ok && at.Sub(last) < p.window {
		return true
	}
	p.lastEmit[key] = at
	return false
}

// Emit records one normalized risk event. Chatty types are deduplicated per
// (type, symbol): the first event goes out the moment the condition appears,
// repeats inside the window are dropped.
func (p *Publisher) Emit(ctx context.Context, typ domain.RiskEventType, severity domain.RiskSeverity, symbol string, detail map[string]any) {
	normType := domain.NormalizeRiskEventType(string(typ))
	if p.suppressed(normType, symbol, p.now()) {
		return
	}

	ev := domain.RiskEvent{
		EventID:  uuid.NewString(),
		Type:     normType,
		Severity: domain.NormalizeRiskSeverity(string(severity)),
		Symbol:   symbol,
		TsMs:     p.now().UnixMilli(),
		Detail:   detail,
	}

	if _, err := p.events.Insert(ctx, ev); err != nil {
		p.logger.Error("persist risk event failed",
			slog.String("type", string(ev.Type)),
			slog.Any("error", err),
		)
		return
	}

	env, err := domain.NewEnvelope(domain.EventTypeRiskEvent, p.env, "execution", "", ev)
	if err == nil {
		err = p.bus.Publish(ctx, domain.StreamRiskEvent, env)
	}
	if err != nil {
		p.logger.Warn("publish risk event failed",
			slog.String("type", string(ev.Type)),
			slog.Any("error", err),
		)
	}
}
