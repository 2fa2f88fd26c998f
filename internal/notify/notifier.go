// Package notify pushes risk events to operator channels. Alerts are
// dispatched to all registered senders (Telegram, Discord) and filtered by
// severity so operators are not paged for routine events.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/halcyontrade/perpexec/internal/domain"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers one alert. Channels render the severity their own way
	// (badge, embed color).
	Send(ctx context.Context, sev domain.RiskSeverity, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// severityRank orders severities for the minimum-severity filter.
var severityRank = map[domain.RiskSeverity]int{
	domain.RiskSeverityInfo:      0,
	domain.RiskSeverityImportant: 1,
	domain.RiskSeverityCritical:  2,
}

// Alerter consumes the risk event stream and forwards events at or above the
// configured severity to every sender.
type Alerter struct {
	senders     []Sender
	minSeverity domain.RiskSeverity
	logger      *slog.Logger
}

// NewAlerter creates an Alerter delivering to the given senders. Events below
// minSeverity are dropped; an unknown minSeverity means IMPORTANT.
func NewAlerter(senders []Sender, minSeverity domain.RiskSeverity, logger *slog.Logger) *Alerter {
	if _, ok := severityRank[minSeverity]; !ok {
		minSeverity = domain.RiskSeverityImportant
	}
	return &Alerter{
		senders:     senders,
		minSeverity: minSeverity,
		logger:      logger.With(slog.String("component", "alerter")),
	}
}

// HandleRiskMessage is the stream handler for stream:risk_event. Delivery
// failures are logged, never returned: an unreachable chat must not route
// risk events to the dead-letter stream.
func (a *Alerter) HandleRiskMessage(ctx context.Context, msg domain.StreamMessage) error {
	var ev domain.RiskEvent
	if err := msg.Envelope.Decode(&ev); err != nil {
		a.logger.Warn("malformed risk event", slog.Any("error", err))
		return nil
	}

	if severityRank[ev.Severity] < severityRank[a.minSeverity] {
		return nil
	}

	title, body := format(ev)
	a.dispatch(ctx, ev.Severity, title, body)
	return nil
}

// dispatch sends to every sender; one failing channel does not block the
// others.
func (a *Alerter) dispatch(ctx context.Context, sev domain.RiskSeverity, title, message string) {
	for _, s := range a.senders {
		if err := s.Send(ctx, sev, title, message); err != nil {
			a.logger.Error("sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		a.logger.Debug("alert sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
}

// format renders a risk event as a short title plus key/value body. The
// severity travels separately so each channel can style it.
func format(ev domain.RiskEvent) (title, body string) {
	title = string(ev.Type)
	if ev.Symbol != "" {
		title += " " + ev.Symbol
	}

	if len(ev.Detail) == 0 {
		return title, ""
	}
	keys := make([]string, 0, len(ev.Detail))
	for k := range ev.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, ev.Detail[k]))
	}
	return title, strings.Join(lines, "\n")
}
