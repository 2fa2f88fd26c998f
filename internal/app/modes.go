package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/halcyontrade/perpexec/internal/domain"
)

// cooldownPurgeInterval is how often expired entry cooldowns are removed.
const cooldownPurgeInterval = time.Minute

// PaperMode consumes trade plans into the executor and bar closes into the
// paper matcher. No venue connectivity beyond public market data.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Bus.Consume(ctx, domain.StreamTradePlan,
			a.cfg.Bus.Group, a.cfg.Bus.Consumer+"-plan", deps.Executor.HandlePlanMessage)
	})
	g.Go(func() error {
		return deps.Bus.Consume(ctx, domain.StreamBarClose,
			a.cfg.Bus.Group, a.cfg.Bus.Consumer+"-bar", deps.Matcher.HandleBarMessage)
	})
	g.Go(func() error {
		return a.purgeCooldowns(ctx, deps)
	})
	a.startAlerts(ctx, g, deps)

	return g.Wait()
}

// LiveMode runs the full live stack: plan and bar consumers, the private
// websocket ingest, reconciliation, position sync, and the wallet
// snapshotter.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	// Private websocket feeds the ingest; register handlers before dialing
	// so no frame is dropped.
	deps.PrivateWS.OnTopic(func(topic string, data json.RawMessage, tsMs int64) {
		deps.Ingestor.HandleTopic(ctx, topic, data, tsMs)
	})
	deps.PrivateWS.OnConnChange(deps.Ingestor.OnConnChange(ctx))
	if err := deps.PrivateWS.Connect(ctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		if err := deps.PrivateWS.Close(); err != nil {
			a.logger.Warn("websocket close failed", slog.Any("error", err))
		}
		return ctx.Err()
	})

	g.Go(func() error {
		return deps.Bus.Consume(ctx, domain.StreamTradePlan,
			a.cfg.Bus.Group, a.cfg.Bus.Consumer+"-plan", deps.Executor.HandlePlanMessage)
	})
	g.Go(func() error {
		return deps.Bus.Consume(ctx, domain.StreamBarClose,
			a.cfg.Bus.Group, a.cfg.Bus.Consumer+"-bar", deps.Reconciler.HandleBarMessage)
	})
	g.Go(func() error {
		return deps.Reconciler.Run(ctx)
	})
	g.Go(func() error {
		return deps.Reconciler.RunSync(ctx)
	})
	g.Go(func() error {
		return deps.Snapshotter.Run(ctx)
	})
	g.Go(func() error {
		return a.purgeCooldowns(ctx, deps)
	})
	a.startAlerts(ctx, g, deps)

	return g.Wait()
}

// startAlerts attaches the operator alert consumer when a channel is
// configured.
func (a *App) startAlerts(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Alerter == nil {
		return
	}
	g.Go(func() error {
		return deps.Bus.Consume(ctx, domain.StreamRiskEvent,
			a.cfg.Bus.Group, a.cfg.Bus.Consumer+"-alerts", deps.Alerter.HandleRiskMessage)
	})
}

// purgeCooldowns periodically deletes expired entry cooldowns.
func (a *App) purgeCooldowns(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(cooldownPurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := deps.Cooldowns.PurgeExpired(ctx, time.Now())
			if err != nil {
				a.logger.Warn("cooldown purge failed", slog.Any("error", err))
				continue
			}
			if n > 0 {
				a.logger.Debug("cooldowns purged", slog.Int64("count", n))
			}
		}
	}
}
