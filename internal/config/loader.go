package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies EXECD_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known EXECD_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Bybit ──
	setStr(&cfg.Bybit.BaseURL, "EXECD_BYBIT_BASE_URL")
	setStr(&cfg.Bybit.WsPrivateHost, "EXECD_BYBIT_WS_PRIVATE_HOST")
	setStr(&cfg.Bybit.ApiKey, "EXECD_BYBIT_API_KEY")
	setStr(&cfg.Bybit.ApiSecret, "EXECD_BYBIT_API_SECRET")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "EXECD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "EXECD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "EXECD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "EXECD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "EXECD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "EXECD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "EXECD_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "EXECD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "EXECD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "EXECD_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "EXECD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "EXECD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "EXECD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "EXECD_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "EXECD_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "EXECD_REDIS_TLS_ENABLED")

	// ── Bus ──
	setStr(&cfg.Bus.Group, "EXECD_BUS_GROUP")
	setStr(&cfg.Bus.Consumer, "EXECD_BUS_CONSUMER")
	setDuration(&cfg.Bus.LagThreshold, "EXECD_BUS_LAG_THRESHOLD")

	// ── Sizing ──
	setFloat64(&cfg.Sizing.RiskPct, "EXECD_SIZING_RISK_PCT")
	setFloat64(&cfg.Sizing.Leverage, "EXECD_SIZING_LEVERAGE")
	setStr(&cfg.Sizing.MarginMode, "EXECD_SIZING_MARGIN_MODE")
	setFloat64(&cfg.Sizing.MinOrderValueUSDT, "EXECD_SIZING_MIN_ORDER_VALUE_USDT")
	setFloat64(&cfg.Sizing.MaxOrderValueUSDT, "EXECD_SIZING_MAX_ORDER_VALUE_USDT")
	setFloat64(&cfg.Sizing.PaperEquityUSDT, "EXECD_SIZING_PAPER_EQUITY_USDT")

	// ── Gates ──
	setDuration(&cfg.Gates.MaxSignalAge, "EXECD_GATES_MAX_SIGNAL_AGE")
	setInt(&cfg.Gates.MaxPositions, "EXECD_GATES_MAX_POSITIONS")
	setDuration(&cfg.Gates.LockTTL, "EXECD_GATES_LOCK_TTL")
	setBool(&cfg.Gates.KillSwitch, "EXECD_GATES_KILL_SWITCH")
	setStr(&cfg.Gates.MutexUpgradeAction, "EXECD_GATES_MUTEX_UPGRADE_ACTION")

	// ── Lifecycle ──
	setInt(&cfg.Lifecycle.CooldownBars, "EXECD_LIFECYCLE_COOLDOWN_BARS")
	setInt(&cfg.Lifecycle.CooldownBars1h, "EXECD_LIFECYCLE_COOLDOWN_BARS_1H")
	setInt(&cfg.Lifecycle.CooldownBars4h, "EXECD_LIFECYCLE_COOLDOWN_BARS_4H")
	setInt(&cfg.Lifecycle.CooldownBars1d, "EXECD_LIFECYCLE_COOLDOWN_BARS_1D")

	// ── Trail ──
	setStr(&cfg.Trail.Mode, "EXECD_TRAIL_MODE")
	setInt(&cfg.Trail.ATRPeriod, "EXECD_TRAIL_ATR_PERIOD")
	setFloat64(&cfg.Trail.ATRMult, "EXECD_TRAIL_ATR_MULT")
	setInt(&cfg.Trail.PivotLeft, "EXECD_TRAIL_PIVOT_LEFT")
	setInt(&cfg.Trail.PivotRight, "EXECD_TRAIL_PIVOT_RIGHT")

	// ── Order manager ──
	setStr(&cfg.OrderMgr.EntryOrderType, "EXECD_ORDER_MANAGER_ENTRY_ORDER_TYPE")
	setDuration(&cfg.OrderMgr.EntryTimeout, "EXECD_ORDER_MANAGER_ENTRY_TIMEOUT")
	setDuration(&cfg.OrderMgr.PartialStallTimeout, "EXECD_ORDER_MANAGER_PARTIAL_STALL_TIMEOUT")
	setInt(&cfg.OrderMgr.MaxRetries, "EXECD_ORDER_MANAGER_MAX_RETRIES")
	setFloat64(&cfg.OrderMgr.RepriceBps, "EXECD_ORDER_MANAGER_REPRICE_BPS")
	setDuration(&cfg.OrderMgr.PollInterval, "EXECD_ORDER_MANAGER_POLL_INTERVAL")
	setBool(&cfg.OrderMgr.MarketFallback, "EXECD_ORDER_MANAGER_MARKET_FALLBACK")

	// ── Reconcile ──
	setDuration(&cfg.Reconcile.Interval, "EXECD_RECONCILE_INTERVAL")
	setDuration(&cfg.Reconcile.SyncInterval, "EXECD_RECONCILE_SYNC_INTERVAL")
	setFloat64(&cfg.Reconcile.DriftPct, "EXECD_RECONCILE_DRIFT_PCT")
	setDuration(&cfg.Reconcile.MinRepriceInterval, "EXECD_RECONCILE_MIN_REPRICE_INTERVAL")

	// ── Ingest ──
	setFloat64(&cfg.Ingest.WalletDriftPct, "EXECD_INGEST_WALLET_DRIFT_PCT")
	setDuration(&cfg.Ingest.SnapshotInterval, "EXECD_INGEST_SNAPSHOT_INTERVAL")

	// ── Risk ──
	setFloat64(&cfg.Risk.SoftHaltDrawdownPct, "EXECD_RISK_SOFT_HALT_DRAWDOWN_PCT")
	setFloat64(&cfg.Risk.HardHaltDrawdownPct, "EXECD_RISK_HARD_HALT_DRAWDOWN_PCT")
	setInt(&cfg.Risk.MaxConsecutiveLosses, "EXECD_RISK_MAX_CONSECUTIVE_LOSSES")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "EXECD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "EXECD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "EXECD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStr(&cfg.Notify.MinSeverity, "EXECD_NOTIFY_MIN_SEVERITY")
	setDuration(&cfg.Notify.AlertWindow, "EXECD_NOTIFY_ALERT_WINDOW")

	// ── Top-level ──
	setStr(&cfg.Mode, "EXECD_MODE")
	setStr(&cfg.Env, "EXECD_ENV")
	setStr(&cfg.LogLevel, "EXECD_LOG_LEVEL")
	setStr(&cfg.LogFormat, "EXECD_LOG_FORMAT")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
