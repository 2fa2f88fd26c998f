// Package ratelimit provides client-side rate limiting for venue REST
// calls: token buckets per endpoint class, finer per-symbol buckets for
// order endpoints, and an adaptive layer driven by the venue's rate-limit
// response headers.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/halcyontrade/perpexec/internal/domain"
)

// Group classifies venue endpoints by their rate budget.
type Group string

const (
	GroupPublic              Group = "PUBLIC"
	GroupPrivateCritical     Group = "PRIVATE_CRITICAL"
	GroupPrivateOrderQuery   Group = "PRIVATE_ORDER_QUERY"
	GroupPrivateAccountQuery Group = "PRIVATE_ACCOUNT_QUERY"
)

// Config sets base rates per group. Rates are requests per second.
type Config struct {
	PublicRPS     float64
	PublicBurst   int
	CriticalRPS   float64
	CriticalBurst int
	QueryRPS      float64
	QueryBurst    int

	// Per-symbol buckets sit under the group buckets for order endpoints.
	PerSymbolRPS           float64
	PerSymbolBurst         int
	CriticalPerSymbolRPS   float64
	CriticalPerSymbolBurst int

	// MaxWait bounds how long one call may block before ErrRateLimited.
	MaxWait time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
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
		MaxWait:                5 * time.Second,
	}
}

const (
	// multiplier bounds for the adaptive slowdown.
	minMultiplier = 0.1
	maxMultiplier = 1.0

	// multiplierDecay halves the rate on pressure; recoverStep walks it
	// back on clean responses.
	multiplierDecay = 0.5
	recoverStep     = 0.05

	// remainingFloor forces a cooldown when the venue reports this few
	// request slots left in the window.
	remainingFloor = 2
)

type bucket struct {
	lim           *rate.Limiter
	baseRate      rate.Limit
	multiplier    float64
	cooldownUntil time.Time
}

func newBucket(rps float64, burst int) *bucket {
	return &bucket{
		lim:        rate.NewLimiter(rate.Limit(rps), burst),
		baseRate:   rate.Limit(rps),
		multiplier: maxMultiplier,
	}
}

func (b *bucket) applyMultiplier() {
	b.lim.SetLimit(b.baseRate * rate.Limit(b.multiplier))
}

// ThrottleFunc is notified when the venue pushes back on our request rate.
// retryAfter is how long the affected bucket stays in cooldown.
type ThrottleFunc func(group Group, symbol string, retryAfter time.Duration)

// Limiter coordinates all outbound venue requests.
type Limiter struct {
	cfg        Config
	logger     *slog.Logger
	onThrottle ThrottleFunc

	mu      sync.Mutex
	groups  map[Group]*bucket
	symbols map[string]*bucket
}

// New creates a Limiter from cfg.
func New(cfg Config, logger *slog.Logger) *Limiter {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Second
	}
	return &Limiter{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "ratelimit")),
		groups: map[Group]*bucket{
			GroupPublic:              newBucket(cfg.PublicRPS, cfg.PublicBurst),
			GroupPrivateCritical:     newBucket(cfg.CriticalRPS, cfg.CriticalBurst),
			GroupPrivateOrderQuery:   newBucket(cfg.QueryRPS, cfg.QueryBurst),
			GroupPrivateAccountQuery: newBucket(cfg.QueryRPS, cfg.QueryBurst),
		},
		symbols: map[string]*bucket{},
	}
}

// SetOnThrottle installs the throttle callback. Must be called before the
// limiter sees traffic.
func (l *Limiter) SetOnThrottle(fn ThrottleFunc) {
	l.onThrottle = fn
}

func (l *Limiter) groupBucket(group Group) *bucket {
	b, ok := l.groups[group]
	if !ok {
		b = l.groups[GroupPublic]
	}
	return b
}

func (l *Limiter) symbolBucket(group Group, symbol string) *bucket {
	key := string(group) + "|" + symbol
	b, ok := l.symbols[key]
	if !ok {
		rps, burst := l.cfg.PerSymbolRPS, l.cfg.PerSymbolBurst
		if group == GroupPrivateCritical {
			rps, burst = l.cfg.CriticalPerSymbolRPS, l.cfg.CriticalPerSymbolBurst
		}
		b = newBucket(rps, burst)
		l.symbols[key] = b
	}
	return b
}

// Wait blocks until the request may proceed, honoring any active cooldown.
// It returns domain.ErrRateLimited when the wait would exceed MaxWait.
// symbol may be empty for endpoints without per-symbol budgets.
func (l *Limiter) Wait(ctx context.Context, group Group, symbol string) error {
	deadline := time.Now().Add(l.cfg.MaxWait)

	l.mu.Lock()
	buckets := []*bucket{l.groupBucket(group)}
	if symbol != "" {
		buckets = append(buckets, l.symbolBucket(group, symbol))
	}
	var cooldown time.Time
	for _, b := range buckets {
		if b.cooldownUntil.After(cooldown) {
			cooldown = b.cooldownUntil
		}
	}
	l.mu.Unlock()

	if !cooldown.IsZero() {
		if cooldown.After(deadline) {
			return fmt.Errorf("%w: cooldown for %s", domain.ErrRateLimited, time.Until(cooldown).Round(time.Millisecond))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(cooldown)):
		}
	}

	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	for _, b := range buckets {
		if err := b.lim.Wait(waitCtx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %s budget exhausted", domain.ErrRateLimited, group)
		}
	}
	return nil
}

// Feedback is what a venue response told us about our budget.
type Feedback struct {
	StatusCode    int
	Limit         int
	Remaining     int
	HasRemaining  bool
	ResetAtMs     int64
	RetryAfter    time.Duration
	HasRetryAfter bool
}

// Observe folds one response's rate headers into the adaptive state. A
// Retry-After, a 429, or a near-exhausted window slows the bucket down and
// starts a cooldown; clean responses walk the rate back up.
func (l *Limiter) Observe(group Group, symbol string, fb Feedback) {
	l.mu.Lock()

	buckets := []*bucket{l.groupBucket(group)}
	if symbol != "" {
		buckets = append(buckets, l.symbolBucket(group, symbol))
	}

	pressured := fb.HasRetryAfter ||
		fb.StatusCode == 429 ||
		(fb.HasRemaining && fb.Remaining <= remainingFloor)

	now := time.Now()
	for _, b := range buckets {
		if pressured {
			until := now.Add(time.Second)
			if fb.HasRetryAfter && fb.RetryAfter > 0 {
				until = now.Add(fb.RetryAfter)
			} else if fb.ResetAtMs > now.UnixMilli() {
				until = time.UnixMilli(fb.ResetAtMs)
			}
			if until.After(b.cooldownUntil) {
				b.cooldownUntil = until
			}
			b.multiplier *= multiplierDecay
			if b.multiplier < minMultiplier {
				b.multiplier = minMultiplier
			}
			b.applyMultiplier()
		} else if b.multiplier < maxMultiplier {
			b.multiplier += recoverStep
			if b.multiplier > maxMultiplier {
				b.multiplier = maxMultiplier
			}
			b.applyMultiplier()
		}
	}

	var retryAfter time.Duration
	if pressured {
		for _, b := range buckets {
			if d := b.cooldownUntil.Sub(now); d > retryAfter {
				retryAfter = d
			}
		}
	}
	l.mu.Unlock()

	if pressured {
		l.logger.Warn("rate pressure",
			slog.String("group", string(group)),
			slog.String("symbol", symbol),
			slog.Int("status", fb.StatusCode),
			slog.Int("remaining", fb.Remaining),
			slog.Bool("retry_after", fb.HasRetryAfter),
		)
		if l.onThrottle != nil {
			l.onThrottle(group, symbol, retryAfter)
		}
	}
}

// CooldownUntil exposes the current cooldown deadline for a group, zero when
// none is active.
func (l *Limiter) CooldownUntil(group Group) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.groupBucket(group).cooldownUntil
}

// Multiplier exposes the adaptive multiplier for a group.
func (l *Limiter) Multiplier(group Group) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.groupBucket(group).multiplier
}

func (l *Limiter) symbolMultiplier(group Group, symbol string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.symbolBucket(group, symbol).multiplier
}
