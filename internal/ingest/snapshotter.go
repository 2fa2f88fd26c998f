package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/halcyontrade/perpexec/internal/domain"
	"github.com/halcyontrade/perpexec/internal/exchange/bybit"
	"github.com/halcyontrade/perpexec/internal/risk"
)

// WalletClient is the REST slice the snapshotter polls.
type WalletClient interface {
	WalletBalance(ctx context.Context) (bybit.WalletState, error)
}

// Snapshotter polls account equity over REST. Its snapshots anchor the
// wallet drift check and keep the risk ledger fed when the websocket is
// quiet.
type Snapshotter struct {
	client   WalletClient
	wallets  domain.WalletStore
	ledger   *risk.Ledger
	interval time.Duration
	logger   *slog.Logger
}

// NewSnapshotter creates the REST equity poller.
func NewSnapshotter(client WalletClient, wallets domain.WalletStore, ledger *risk.Ledger, interval time.Duration, logger *slog.Logger) *Snapshotter {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Snapshotter{
		client:   client,
		wallets:  wallets,
		ledger:   ledger,
		interval: interval,
		logger:   logger.With(slog.String("component", "wallet_snapshotter")),
	}
}

// Run polls until ctx is done.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.snapshot(ctx)
		}
	}
}

func (s *Snapshotter) snapshot(ctx context.Context) {
	w, err := s.client.WalletBalance(ctx)
	if err != nil {
		s.logger.Warn("wallet fetch failed", slog.Any("error", err))
		return
	}
	if w.Equity <= 0 {
		return
	}

	snap := domain.WalletSnapshot{
		Source:    domain.WalletSourceREST,
		Equity:    w.Equity,
		Available: w.Available,
		TsMs:      time.Now().UnixMilli(),
		CreatedAt: time.Now().UTC(),
		Raw:       w.Raw,
	}
	if err := s.wallets.Append(ctx, snap); err != nil {
		s.logger.Warn("append snapshot failed", slog.Any("error", err))
		return
	}
	if err := s.ledger.OnEquity(ctx, time.Now(), w.Equity); err != nil {
		s.logger.Warn("ledger equity update failed", slog.Any("error", err))
	}
}
