// Package risk maintains the daily risk ledger, halt circuits, and the kill
// switch consulted by the admission path.
package risk

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/halcyontrade/perpexec/internal/domain"
)

// alertSpamWindow suppresses repeated kill-switch alerts inside this window.
const alertSpamWindow = 5 * time.Minute

// KillSwitch gates all new entries. It is engaged either by the environment
// (a deploy-time hard off) or at runtime through the KILL_SWITCH flag row.
type KillSwitch struct {
	force  bool
	flags  domain.FlagStore
	logger *slog.Logger

	mu        sync.Mutex
	lastAlert time.Time
}

// NewKillSwitch creates a KillSwitch. force engages it unconditionally,
// regardless of the runtime flag.
func NewKillSwitch(force bool, flags domain.FlagStore, logger *slog.Logger) *KillSwitch {
	return &KillSwitch{
		force:  force,
		flags:  flags,
		logger: logger.With(slog.String("component", "kill_switch")),
	}
}

// Engaged reports whether the switch currently blocks entries. Flag lookup
// errors fail closed: an unreadable flag store blocks trading.
func (k *KillSwitch) Engaged(ctx context.Context) (bool, error) {
	if k.force {
		return true, nil
	}

	flag, err := k.flags.Get(ctx, domain.FlagKillSwitch)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return true, err
	}
	return flag.Enabled(), nil
}

// ShouldAlert reports whether a kill-switch rejection should produce a risk
// event, rate limited to one alert per spam window.
func (k *KillSwitch) ShouldAlert(now time.Time) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if now.Sub(k.lastAlert) < alertSpamWindow {
		return false
	}
	k.lastAlert = now
	return true
}

// Engage sets the runtime flag so all instances stop admitting entries.
func (k *KillSwitch) Engage(ctx context.Context, reason string) error {
	k.logger.Warn("engaging kill switch", slog.String("reason", reason))
	return k.flags.Set(ctx, domain.FlagKillSwitch, "1")
}
