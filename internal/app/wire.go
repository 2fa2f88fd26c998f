package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/halcyontrade/perpexec/internal/cache/redis"
	"github.com/halcyontrade/perpexec/internal/config"
	"github.com/halcyontrade/perpexec/internal/domain"
	"github.com/halcyontrade/perpexec/internal/exchange/bybit"
	"github.com/halcyontrade/perpexec/internal/execution"
	"github.com/halcyontrade/perpexec/internal/ingest"
	"github.com/halcyontrade/perpexec/internal/notify"
	"github.com/halcyontrade/perpexec/internal/ordermgr"
	"github.com/halcyontrade/perpexec/internal/paper"
	"github.com/halcyontrade/perpexec/internal/ratelimit"
	"github.com/halcyontrade/perpexec/internal/reconcile"
	"github.com/halcyontrade/perpexec/internal/risk"
	"github.com/halcyontrade/perpexec/internal/store/postgres"
)

// Dependencies bundles everything the application modes need to operate. It
// is constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Orders    domain.OrderStore
	Positions domain.PositionStore
	Reports   domain.ReportStore
	Events    domain.RiskEventStore
	States    domain.RiskStateStore
	Cooldowns domain.CooldownStore
	Flags     domain.FlagStore
	Wallets   domain.WalletStore
	BarEmits  domain.BarEmitStore
	WSEvents  domain.WSEventStore

	// Transport
	Bus   *redis.StreamBus
	Locks domain.LockManager

	// Venue
	Bybit     *bybit.Client
	PrivateWS *bybit.PrivateWS

	// Risk
	Publisher *risk.Publisher
	Ledger    *risk.Ledger
	Kill      *risk.KillSwitch

	// Execution
	Reporter  *execution.Reporter
	Lifecycle *execution.Lifecycle
	Gates     *execution.Gates
	Executor  *execution.Executor

	// Mode-specific components. Matcher is set in paper mode; Manager,
	// Reconciler, Ingestor, and Snapshotter in live mode.
	Matcher     *paper.Matcher
	Manager     *ordermgr.Manager
	Reconciler  *reconcile.Reconciler
	Ingestor    *ingest.Ingestor
	Snapshotter *ingest.Snapshotter

	// Alerter is nil when no notification channel is configured.
	Alerter *notify.Alerter
}

// paperEquity sizes paper entries from the most recent wallet snapshot,
// falling back to the configured seed when none exists.
type paperEquity struct {
	wallets  domain.WalletStore
	fallback float64
}

func (p paperEquity) Equity(ctx context.Context) (float64, error) {
	for _, src := range []domain.WalletSource{domain.WalletSourceREST, domain.WalletSourceWS} {
		if snap, err := p.wallets.Latest(ctx, src); err == nil && snap.Equity > 0 {
			return snap.Equity, nil
		}
	}
	if p.fallback <= 0 {
		return 0, fmt.Errorf("app: no wallet snapshot and no paper equity configured")
	}
	return p.fallback, nil
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}
	live := strings.ToLower(cfg.Mode) == "live"

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.Orders = postgres.NewOrderStore(pool)
	deps.Positions = postgres.NewPositionStore(pool)
	deps.Reports = postgres.NewReportStore(pool)
	deps.Events = postgres.NewRiskEventStore(pool)
	deps.States = postgres.NewRiskStateStore(pool)
	deps.Cooldowns = postgres.NewCooldownStore(pool)
	deps.Flags = postgres.NewFlagStore(pool)
	deps.Wallets = postgres.NewWalletStore(pool)
	deps.BarEmits = postgres.NewBarEmitStore(pool)
	deps.WSEvents = postgres.NewWSEventStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.Bus = redis.NewStreamBus(redisClient, logger)
	deps.Locks = redis.NewLockManager(redisClient)

	// --- Risk ---
	deps.Publisher = risk.NewPublisher(deps.Events, deps.Bus, cfg.Env, logger)
	if cfg.Notify.AlertWindow.Duration > 0 {
		deps.Publisher.SetAlertWindow(cfg.Notify.AlertWindow.Duration)
	}
	deps.Kill = risk.NewKillSwitch(cfg.Gates.KillSwitch, deps.Flags, logger)

	// The ledger's force-close action needs the executor, which in turn
	// needs the ledger through the gates. Bind late through a pointer.
	var executor *execution.Executor
	forceClose := func(ctx context.Context, reason domain.CloseReason) error {
		if executor == nil {
			return nil
		}
		return executor.ForceCloseAll(ctx, reason)
	}
	deps.Ledger = risk.NewLedger(risk.LedgerConfig{
		SoftHaltDrawdownPct:  cfg.Risk.SoftHaltDrawdownPct,
		HardHaltDrawdownPct:  cfg.Risk.HardHaltDrawdownPct,
		MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
	}, deps.States, deps.Publisher, forceClose, logger)

	// Consumed messages older than the threshold raise PROCESSING_LAG.
	if cfg.Bus.LagThreshold.Duration > 0 {
		deps.Bus.LagThreshold = cfg.Bus.LagThreshold.Duration
		deps.Bus.OnLag = func(ctx context.Context, stream string, env domain.Envelope, lag time.Duration) {
			deps.Publisher.Emit(ctx, domain.RiskEventProcessingLag, domain.RiskSeverityImportant, "", map[string]any{
				"stream":   stream,
				"event_id": env.EventID,
				"lag_ms":   lag.Milliseconds(),
			})
		}
	}

	// --- Bybit REST ---
	limiter := ratelimit.New(ratelimit.Config{
		PublicRPS:              cfg.RateLimit.PublicRPS,
		PublicBurst:            cfg.RateLimit.PublicBurst,
		CriticalRPS:            cfg.RateLimit.CriticalRPS,
		CriticalBurst:          cfg.RateLimit.CriticalBurst,
		QueryRPS:               cfg.RateLimit.QueryRPS,
		QueryBurst:             cfg.RateLimit.QueryBurst,
		PerSymbolRPS:           cfg.RateLimit.PerSymbolRPS,
		PerSymbolBurst:         cfg.RateLimit.PerSymbolBurst,
		CriticalPerSymbolRPS:   cfg.RateLimit.CriticalPerSymbolRPS,
		CriticalPerSymbolBurst: cfg.RateLimit.CriticalPerSymbolBurst,
		MaxWait:                cfg.RateLimit.MaxWait.Duration,
	}, logger)
	limiter.SetOnThrottle(func(group ratelimit.Group, symbol string, retryAfter time.Duration) {
		deps.Publisher.Emit(context.Background(), domain.RiskEventRateLimit, domain.RiskSeverityImportant, symbol, map[string]any{
			"group":          string(group),
			"retry_after_ms": retryAfter.Milliseconds(),
		})
	})

	deps.Bybit = bybit.NewClient(cfg.Bybit.BaseURL, cfg.Bybit.ApiKey, cfg.Bybit.ApiSecret, limiter, logger)
	deps.Bybit.OnDegraded = func(ctx context.Context, source string, err error) {
		deps.Publisher.Emit(ctx, domain.RiskEventRateLimit, domain.RiskSeverityImportant, "", map[string]any{
			"source":   source,
			"degraded": true,
			"error":    err.Error(),
		})
	}

	// --- Execution core ---
	deps.Reporter = execution.NewReporter(deps.Reports, deps.Bus, cfg.Env, logger)
	deps.Lifecycle = execution.NewLifecycle(execution.LifecycleConfig{
		CooldownBars: cfg.Lifecycle.CooldownBars,
		CooldownBarsByTF: map[domain.Timeframe]int{
			domain.Timeframe1h: cfg.Lifecycle.CooldownBars1h,
			domain.Timeframe4h: cfg.Lifecycle.CooldownBars4h,
			domain.Timeframe1d: cfg.Lifecycle.CooldownBars1d,
		},
	}, deps.Positions, deps.Cooldowns, deps.Ledger, deps.Reporter, deps.Publisher, logger)
	deps.Gates = execution.NewGates(execution.GateConfig{
		MaxSignalAge:  cfg.Gates.MaxSignalAge.Duration,
		MaxPositions:  cfg.Gates.MaxPositions,
		LockTTL:       cfg.Gates.LockTTL.Duration,
		UpgradeAction: strings.ToUpper(cfg.Gates.MutexUpgradeAction),
	}, deps.Locks, deps.Kill, deps.Ledger, deps.Cooldowns, deps.Positions, deps.Publisher, logger)

	trail := execution.TrailConfig{
		Mode:       domain.TrailMode(strings.ToUpper(cfg.Trail.Mode)),
		ATRPeriod:  cfg.Trail.ATRPeriod,
		ATRMult:    cfg.Trail.ATRMult,
		PivotLeft:  cfg.Trail.PivotLeft,
		PivotRight: cfg.Trail.PivotRight,
	}

	sizing := execution.SizingConfig{
		RiskPct:           cfg.Sizing.RiskPct,
		Leverage:          cfg.Sizing.Leverage,
		MinOrderValueUSDT: cfg.Sizing.MinOrderValueUSDT,
		MaxOrderValueUSDT: cfg.Sizing.MaxOrderValueUSDT,
	}

	// --- Venue: paper matcher or live order manager ---
	var venue execution.Venue
	var equity execution.EquitySource
	if live {
		deps.Manager = ordermgr.New(ordermgr.Config{
			EntryOrderType:      entryOrderType(cfg.OrderMgr.EntryOrderType),
			EntryTimeout:        cfg.OrderMgr.EntryTimeout.Duration,
			PartialStallTimeout: cfg.OrderMgr.PartialStallTimeout.Duration,
			MaxRetries:          cfg.OrderMgr.MaxRetries,
			RepriceBps:          cfg.OrderMgr.RepriceBps,
			PollInterval:        cfg.OrderMgr.PollInterval.Duration,
			MarketFallback:      cfg.OrderMgr.MarketFallback,
		}, deps.Bybit, deps.Orders, deps.Positions, deps.Lifecycle, deps.Reporter, deps.Bybit, deps.Publisher, logger)
		venue = deps.Manager
		equity = deps.Bybit
	} else {
		deps.Matcher = paper.NewMatcher(deps.Positions, deps.Orders, deps.BarEmits,
			deps.Lifecycle, deps.Reporter, trail, logger)
		venue = deps.Matcher
		equity = paperEquity{wallets: deps.Wallets, fallback: cfg.Sizing.PaperEquityUSDT}
	}

	executor = execution.NewExecutor(sizing, deps.Gates, deps.Reporter,
		deps.Positions, deps.Lifecycle, venue, equity, deps.Bybit, logger)
	deps.Executor = executor

	// --- Live-only plumbing ---
	if live {
		deps.Reconciler = reconcile.New(reconcile.Config{
			Interval:           cfg.Reconcile.Interval.Duration,
			SyncInterval:       cfg.Reconcile.SyncInterval.Duration,
			DriftPct:           cfg.Reconcile.DriftPct,
			MinRepriceInterval: cfg.Reconcile.MinRepriceInterval.Duration,
		}, deps.Positions, deps.Bybit, deps.Manager, deps.Lifecycle, deps.Reporter, trail, deps.Publisher, logger)

		deps.Ingestor = ingest.New(ingest.Config{
			WalletDriftPct: cfg.Ingest.WalletDriftPct,
		}, deps.Orders, deps.Positions, deps.Wallets, deps.WSEvents,
			deps.Lifecycle, deps.Ledger, deps.Publisher, logger)

		deps.Snapshotter = ingest.NewSnapshotter(deps.Bybit, deps.Wallets, deps.Ledger,
			cfg.Ingest.SnapshotInterval.Duration, logger)

		deps.PrivateWS = bybit.NewPrivateWS(cfg.Bybit.WsPrivateHost,
			cfg.Bybit.ApiKey, cfg.Bybit.ApiSecret, ingest.Topics, logger)
	}

	// --- Operator alerts ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	if len(senders) > 0 {
		deps.Alerter = notify.NewAlerter(senders,
			domain.NormalizeRiskSeverity(cfg.Notify.MinSeverity), logger)
	}

	return deps, cleanup, nil
}

// entryOrderType maps the config spelling onto the domain order type.
func entryOrderType(v string) domain.OrderType {
	if strings.EqualFold(v, "market") {
		return domain.OrderTypeMarket
	}
	return domain.OrderTypeLimit
}
