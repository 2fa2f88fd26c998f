package risk

import (
	"context"
	"testing"
	"time"

	"github.com/halcyontrade/perpexec/internal/domain"
)

func newTestPublisher() (*Publisher, *memEventStore) {
	events := &memEventStore{}
	return NewPublisher(events, nopBus{}, "test", testLogger()), events
}

func countEvents(events *memEventStore, want domain.RiskEventType) int {
	events.mu.Lock()
	defer events.mu.Unlock()
	n := 0
	for _, e := range events.events {
		if e.Type == want {
			n++
		}
	}
	return n
}

func TestPublisherFirstEventEmitsImmediately(t *testing.T) {
	pub, events := newTestPublisher()
	ctx := context.Background()

	pub.Emit(ctx, domain.RiskEventConsistencyDrift, domain.RiskSeverityImportant, "BTCUSDT", nil)
	if got := countEvents(events, domain.RiskEventConsistencyDrift); got != 1 {
		t.Fatalf("events = %d, first sighting must go out at once", got)
	}
}

func TestPublisherSuppressesRepeatsInsideWindow(t *testing.T) {
	pub, events := newTestPublisher()
	ctx := context.Background()

	base := time.Now()
	now := base
	pub.now = func() time.Time { return now }

	pub.Emit(ctx, domain.RiskEventWalletDrift, domain.RiskSeverityImportant, "", nil)
	now = base.Add(time.Minute)
	pub.Emit(ctx, domain.RiskEventWalletDrift, domain.RiskSeverityImportant, "", nil)
	if got := countEvents(events, domain.RiskEventWalletDrift); got != 1 {
		t.Fatalf("events = %d, repeat inside window must be dropped", got)
	}

	// Past the window the condition is news again.
	now = base.Add(DefaultAlertWindow + time.Second)
	pub.Emit(ctx, domain.RiskEventWalletDrift, domain.RiskSeverityImportant, "", nil)
	if got := countEvents(events, domain.RiskEventWalletDrift); got != 2 {
		t.Fatalf("events = %d, want re-emit after window", got)
	}
}

func TestPublisherWindowScopedPerTypeAndSymbol(t *testing.T) {
	pub, events := newTestPublisher()
	ctx := context.Background()

	pub.Emit(ctx, domain.RiskEventConsistencyDrift, domain.RiskSeverityImportant, "BTCUSDT", nil)
	pub.Emit(ctx, domain.RiskEventConsistencyDrift, domain.RiskSeverityImportant, "ETHUSDT", nil)
	pub.Emit(ctx, domain.RiskEventRateLimit, domain.RiskSeverityImportant, "BTCUSDT", nil)

	if got := countEvents(events, domain.RiskEventConsistencyDrift); got != 2 {
		t.Fatalf("drift events = %d, other symbols are separate conditions", got)
	}
	if got := countEvents(events, domain.RiskEventRateLimit); got != 1 {
		t.Fatalf("rate limit events = %d", got)
	}
}

func TestPublisherNonWindowedTypesNeverSuppressed(t *testing.T) {
	pub, events := newTestPublisher()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		pub.Emit(ctx, domain.RiskEventCooldownSet, domain.RiskSeverityInfo, "BTCUSDT", nil)
	}
	if got := countEvents(events, domain.RiskEventCooldownSet); got != 3 {
		t.Fatalf("events = %d, lifecycle events carry no window", got)
	}
}

func TestPublisherZeroWindowDisablesSuppression(t *testing.T) {
	pub, events := newTestPublisher()
	pub.SetAlertWindow(0)
	ctx := context.Background()

	pub.Emit(ctx, domain.RiskEventWalletDrift, domain.RiskSeverityImportant, "", nil)
	pub.Emit(ctx, domain.RiskEventWalletDrift, domain.RiskSeverityImportant, "", nil)
	if got := countEvents(events, domain.RiskEventWalletDrift); got != 2 {
		t.Fatalf("events = %d, zero window must pass everything", got)
	}
}
