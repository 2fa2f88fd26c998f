// Package config defines the top-level configuration for the execution
// daemon and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by EXECD_* environment variables.
type Config struct {
	Bybit     BybitConfig     `toml:"bybit"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	Bus       BusConfig       `toml:"bus"`
	Sizing    SizingConfig    `toml:"sizing"`
	Gates     GatesConfig     `toml:"gates"`
	Lifecycle LifecycleConfig `toml:"lifecycle"`
	Trail     TrailConfig     `toml:"trail"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	OrderMgr  OrderMgrConfig  `toml:"order_manager"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Ingest    IngestConfig    `toml:"ingest"`
	Risk      RiskConfig      `toml:"risk"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	Env       string          `toml:"env"`
	LogLevel  string          `toml:"log_level"`
	LogFormat string          `toml:"log_format"`
}

// BybitConfig holds venue endpoints and API credentials.
type BybitConfig struct {
	BaseURL       string `toml:"base_url"`
	WsPrivateHost string `toml:"ws_private_host"`
	ApiKey        string `toml:"api_key"`
	ApiSecret     string `toml:"api_secret"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// BusConfig holds event bus consumer identity and lag detection.
type BusConfig struct {
	Group        string   `toml:"group"`
	Consumer     string   `toml:"consumer"`
	LagThreshold duration `toml:"lag_threshold"`
}

// SizingConfig bounds what a single trade plan may commit.
type SizingConfig struct {
	RiskPct           float64 `toml:"risk_pct"`
	Leverage          float64 `toml:"leverage"`
	MarginMode        string  `toml:"margin_mode"`
	MinOrderValueUSDT float64 `toml:"min_order_value_usdt"`
	MaxOrderValueUSDT float64 `toml:"max_order_value_usdt"`

	// PaperEquityUSDT seeds the equity used for sizing in paper mode when
	// no wallet snapshot exists yet.
	PaperEquityUSDT float64 `toml:"paper_equity_usdt"`
}

// GatesConfig tunes plan admission.
type GatesConfig struct {
	MaxSignalAge duration `toml:"max_signal_age"`
	MaxPositions int      `toml:"max_positions"`
	LockTTL      duration `toml:"lock_ttl"`
	KillSwitch   bool     `toml:"kill_switch"`

	// MutexUpgradeAction decides what a higher-timeframe same-direction
	// signal does to a held lower-timeframe position:
	// CLOSE_LOWER_AND_OPEN or BLOCK.
	MutexUpgradeAction string `toml:"mutex_upgrade_action"`
}

// LifecycleConfig tunes position lifecycle behavior. The per-timeframe
// cooldown bars fall back to cooldown_bars when zero.
type LifecycleConfig struct {
	CooldownBars   int `toml:"cooldown_bars"`
	CooldownBars1h int `toml:"cooldown_bars_1h"`
	CooldownBars4h int `toml:"cooldown_bars_4h"`
	CooldownBars1d int `toml:"cooldown_bars_1d"`
}

// TrailConfig tunes the runner stop trail armed after TP2.
type TrailConfig struct {
	Mode       string  `toml:"mode"`
	ATRPeriod  int     `toml:"atr_period"`
	ATRMult    float64 `toml:"atr_mult"`
	PivotLeft  int     `toml:"pivot_left"`
	PivotRight int     `toml:"pivot_right"`
}

// RateLimitConfig sets client-side REST budgets per endpoint class.
type RateLimitConfig struct {
	PublicRPS              float64  `toml:"public_rps"`
	PublicBurst            int      `toml:"public_burst"`
	CriticalRPS            float64  `toml:"critical_rps"`
	CriticalBurst          int      `toml:"critical_burst"`
	QueryRPS               float64  `toml:"query_rps"`
	QueryBurst             int      `toml:"query_burst"`
	PerSymbolRPS           float64  `toml:"per_symbol_rps"`
	PerSymbolBurst         int      `toml:"per_symbol_burst"`
	CriticalPerSymbolRPS   float64  `toml:"critical_per_symbol_rps"`
	CriticalPerSymbolBurst int      `toml:"critical_per_symbol_burst"`
	MaxWait                duration `toml:"max_wait"`
}

// OrderMgrConfig tunes live entry order handling.
type OrderMgrConfig struct {
	EntryOrderType      string   `toml:"entry_order_type"`
	EntryTimeout        duration `toml:"entry_timeout"`
	PartialStallTimeout duration `toml:"partial_stall_timeout"`
	MaxRetries          int      `toml:"max_retries"`
	RepriceBps          float64  `toml:"reprice_bps"`
	PollInterval        duration `toml:"poll_interval"`
	MarketFallback      bool     `toml:"market_fallback"`
}

// ReconcileConfig tunes venue/local state reconciliation.
type ReconcileConfig struct {
	Interval           duration `toml:"interval"`
	SyncInterval       duration `toml:"sync_interval"`
	DriftPct           float64  `toml:"drift_pct"`
	MinRepriceInterval duration `toml:"min_reprice_interval"`
}

// IngestConfig tunes private websocket ingest.
type IngestConfig struct {
	WalletDriftPct   float64  `toml:"wallet_drift_pct"`
	SnapshotInterval duration `toml:"snapshot_interval"`
}

// RiskConfig sets the daily loss circuits.
type RiskConfig struct {
	SoftHaltDrawdownPct  float64 `toml:"soft_halt_drawdown_pct"`
	HardHaltDrawdownPct  float64 `toml:"hard_halt_drawdown_pct"`
	MaxConsecutiveLosses int     `toml:"max_consecutive_losses"`
}

// NotifyConfig holds operator alert channel credentials. MinSeverity is one
// of INFO, IMPORTANT, CRITICAL (WARNING is accepted as a legacy alias for
// IMPORTANT).
type NotifyConfig struct {
	TelegramToken     string `toml:"telegram_token"`
	TelegramChatID    string `toml:"telegram_chat_id"`
	DiscordWebhookURL string `toml:"discord_webhook_url"`
	MinSeverity       string `toml:"min_severity"`

	// AlertWindow suppresses repeats of chatty risk event types per
	// (type, symbol).
	AlertWindow duration `toml:"alert_window"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Bybit: BybitConfig{
			BaseURL:       "https://api.bybit.com",
			WsPrivateHost: "wss://stream.bybit.com/v5/private",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "execd",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		Bus: BusConfig{
			Group:        "execd",
			Consumer:     "execd-1",
			LagThreshold: duration{10 * time.Second},
		},
		Sizing: SizingConfig{
			RiskPct:           0.01,
			Leverage:          1,
			MarginMode:        "ISOLATED",
			MinOrderValueUSDT: 10,
			MaxOrderValueUSDT: 5000,
			PaperEquityUSDT:   10000,
		},
		Gates: GatesConfig{
			MaxSignalAge:       duration{90 * time.Second},
			MaxPositions:       3,
			LockTTL:            duration{30 * time.Second},
			MutexUpgradeAction: "CLOSE_LOWER_AND_OPEN",
		},
		Lifecycle: LifecycleConfig{
			CooldownBars: 3,
		},
		Trail: TrailConfig{
			Mode:       "ATR",
			ATRPeriod:  14,
			ATRMult:    2.0,
			PivotLeft:  3,
			PivotRight: 3,
		},
		RateLimit: RateLimitConfig{
			PublicRPS:              8,
			PublicBurst:            16,
			CriticalRPS:            3,
			CriticalBurst:          6,
			QueryRPS:               2,
			QueryBurst:             4,
			PerSymbolRPS:           0.7,
			PerSymbolBurst:         2,
			CriticalPerSymbolRPS:   1,
			CriticalPerSymbolBurst: 2,
			MaxWait:                duration{5 * time.Second},
		},
		OrderMgr: OrderMgrConfig{
			EntryOrderType:      "Limit",
			EntryTimeout:        duration{15 * time.Second},
			PartialStallTimeout: duration{20 * time.Second},
			MaxRetries:          2,
			RepriceBps:          5,
			PollInterval:        duration{time.Second},
			MarketFallback:      true,
		},
		Reconcile: ReconcileConfig{
			Interval:           duration{5 * time.Second},
			SyncInterval:       duration{10 * time.Second},
			DriftPct:           0.10,
			MinRepriceInterval: duration{3 * time.Second},
		},
		Ingest: IngestConfig{
			WalletDriftPct:   0.02,
			SnapshotInterval: duration{30 * time.Second},
		},
		Risk: RiskConfig{
			SoftHaltDrawdownPct:  3.0,
			HardHaltDrawdownPct:  5.0,
			MaxConsecutiveLosses: 4,
		},
		Notify: NotifyConfig{
			MinSeverity: "IMPORTANT",
			AlertWindow: duration{5 * time.Minute},
		},
		Mode:      "paper",
		Env:       "dev",
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"paper": true,
	"live":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validTrailModes enumerates the accepted values for Trail.Mode.
var validTrailModes = map[string]bool{
	"ATR":   true,
	"PIVOT": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: paper, live)", c.Mode))
	}

	// Logging
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Sprintf("unknown log_format %q (valid: json, text)", c.LogFormat))
	}

	// Bybit — credentials are only mandatory for live trading.
	if c.Bybit.BaseURL == "" {
		errs = append(errs, "bybit: base_url must not be empty")
	}
	if strings.ToLower(c.Mode) == "live" {
		if c.Bybit.ApiKey == "" || c.Bybit.ApiSecret == "" {
			errs = append(errs, "bybit: api_key and api_secret are required for mode live")
		}
		if c.Bybit.WsPrivateHost == "" {
			errs = append(errs, "bybit: ws_private_host must not be empty for mode live")
		}
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Bus
	if c.Bus.Group == "" {
		errs = append(errs, "bus: group must not be empty")
	}
	if c.Bus.Consumer == "" {
		errs = append(errs, "bus: consumer must not be empty")
	}

	// Sizing
	if c.Sizing.RiskPct <= 0 || c.Sizing.RiskPct > 0.2 {
		errs = append(errs, fmt.Sprintf("sizing: risk_pct must be in (0, 0.2], got %v", c.Sizing.RiskPct))
	}
	if c.Sizing.Leverage < 0 || c.Sizing.Leverage > 100 {
		errs = append(errs, fmt.Sprintf("sizing: leverage must be in [0, 100], got %v", c.Sizing.Leverage))
	}
	switch strings.ToUpper(c.Sizing.MarginMode) {
	case "", "ISOLATED", "CROSS":
	default:
		errs = append(errs, fmt.Sprintf("sizing: unknown margin_mode %q (valid: ISOLATED, CROSS)", c.Sizing.MarginMode))
	}
	if c.Sizing.MaxOrderValueUSDT > 0 && c.Sizing.MinOrderValueUSDT > c.Sizing.MaxOrderValueUSDT {
		errs = append(errs, "sizing: min_order_value_usdt must not exceed max_order_value_usdt")
	}

	// Gates
	if c.Gates.MaxSignalAge.Duration <= 0 {
		errs = append(errs, "gates: max_signal_age must be > 0")
	}
	if c.Gates.MaxPositions < 1 {
		errs = append(errs, "gates: max_positions must be >= 1")
	}
	switch strings.ToUpper(c.Gates.MutexUpgradeAction) {
	case "", "CLOSE_LOWER_AND_OPEN", "BLOCK":
	default:
		errs = append(errs, fmt.Sprintf("gates: unknown mutex_upgrade_action %q (valid: CLOSE_LOWER_AND_OPEN, BLOCK)", c.Gates.MutexUpgradeAction))
	}

	// Trail
	if !validTrailModes[strings.ToUpper(c.Trail.Mode)] {
		errs = append(errs, fmt.Sprintf("trail: unknown mode %q (valid: ATR, PIVOT)", c.Trail.Mode))
	}
	if c.Trail.ATRPeriod < 1 {
		errs = append(errs, "trail: atr_period must be >= 1")
	}
	if c.Trail.ATRMult <= 0 {
		errs = append(errs, "trail: atr_mult must be > 0")
	}
	if c.Trail.PivotLeft < 1 || c.Trail.PivotRight < 1 {
		errs = append(errs, "trail: pivot_left and pivot_right must be >= 1")
	}

	// Order manager
	switch strings.ToLower(c.OrderMgr.EntryOrderType) {
	case "", "limit", "market":
	default:
		errs = append(errs, fmt.Sprintf("order_manager: unknown entry_order_type %q (valid: Limit, Market)", c.OrderMgr.EntryOrderType))
	}
	if c.OrderMgr.EntryTimeout.Duration <= 0 {
		errs = append(errs, "order_manager: entry_timeout must be > 0")
	}
	if c.OrderMgr.MaxRetries < 0 {
		errs = append(errs, "order_manager: max_retries must be >= 0")
	}
	if c.OrderMgr.RepriceBps < 0 {
		errs = append(errs, "order_manager: reprice_bps must be >= 0")
	}

	// Reconcile
	if c.Reconcile.DriftPct <= 0 {
		errs = append(errs, "reconcile: drift_pct must be > 0")
	}

	// Risk — soft circuit must sit inside the hard one.
	if c.Risk.SoftHaltDrawdownPct < 0 || c.Risk.HardHaltDrawdownPct < 0 {
		errs = append(errs, "risk: drawdown thresholds must be >= 0")
	}
	if c.Risk.SoftHaltDrawdownPct > 0 && c.Risk.HardHaltDrawdownPct > 0 &&
		c.Risk.SoftHaltDrawdownPct >= c.Risk.HardHaltDrawdownPct {
		errs = append(errs, "risk: soft_halt_drawdown_pct must be below hard_halt_drawdown_pct")
	}

	// Notify
	switch strings.ToUpper(c.Notify.MinSeverity) {
	case "", "INFO", "IMPORTANT", "WARNING", "CRITICAL":
	default:
		errs = append(errs, fmt.Sprintf("notify: unknown min_severity %q (valid: INFO, IMPORTANT, CRITICAL)", c.Notify.MinSeverity))
	}
	if c.Notify.TelegramToken != "" && c.Notify.TelegramChatID == "" {
		errs = append(errs, "notify: telegram_chat_id is required when telegram_token is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
