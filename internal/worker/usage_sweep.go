package worker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	gateway "github.com/gpttools/gpttools/internal"
)

// SweepStore is the storage surface the sweep reads.
type SweepStore interface {
	ListAccounts(ctx context.Context) ([]*gateway.Account, error)
	GetToken(ctx context.Context, accountID string) (*gateway.Token, error)
}

// BearerResolver resolves the upstream bearer for an account. Satisfied by
// *broker.Broker.
type BearerResolver interface {
	ResolveBearer(ctx context.Context, account *gateway.Account, token *gateway.Token) (string, error)
}

// UsageRefresher probes and persists one account's usage snapshot.
// Satisfied by *usage.Prober.
type UsageRefresher interface {
	Refresh(ctx context.Context, account *gateway.Account, bearer string) (*gateway.UsageSnapshot, error)
}

// UsageSweep periodically refreshes the usage snapshot of every account so
// the selector sees current headroom even for idle accounts.
type UsageSweep struct {
	store    SweepStore
	bearers  BearerResolver
	prober   UsageRefresher
	logger   *slog.Logger
	interval time.Duration
}

// NewUsageSweep creates a UsageSweep. An interval of zero disables the
// worker; Run returns immediately.
func NewUsageSweep(store SweepStore, bearers BearerResolver, prober UsageRefresher,
	logger *slog.Logger, interval time.Duration) *UsageSweep {
	return &UsageSweep{
		store:    store,
		bearers:  bearers,
		prober:   prober,
		logger:   logger,
		interval: interval,
	}
}

// Name returns the worker identifier.
func (w *UsageSweep) Name() string { return "usage_sweep" }

// Run sweeps once after a jittered delay, then on every interval tick until
// ctx is cancelled. Per-account failures are logged and skipped.
func (w *UsageSweep) Run(ctx context.Context) error {
	if w.interval <= 0 {
		w.logger.LogAttrs(ctx, slog.LevelInfo, "usage sweep disabled")
		return nil
	}

	// Jitter the first sweep so restarts don't probe every account at once.
	select {
	case <-time.After(rand.N(w.interval/10 + time.Millisecond)):
	case <-ctx.Done():
		return nil
	}
	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *UsageSweep) sweep(ctx context.Context) {
	accounts, err := w.store.ListAccounts(ctx)
	if err != nil {
		w.logger.LogAttrs(ctx, slog.LevelError, "usage sweep list accounts failed",
			slog.String("error", err.Error()))
		return
	}

	refreshed := 0
	for _, account := range accounts {
		if ctx.Err() != nil {
			return
		}
		token, err := w.store.GetToken(ctx, account.ID)
		if err != nil {
			if !errors.Is(err, gateway.ErrNotFound) {
				w.logger.LogAttrs(ctx, slog.LevelWarn, "usage sweep token lookup failed",
					slog.String("account_id", account.ID),
					slog.String("error", err.Error()))
			}
			continue
		}
		bearer, err := w.bearers.ResolveBearer(ctx, account, token)
		if err != nil {
			w.logger.LogAttrs(ctx, slog.LevelWarn, "usage sweep bearer resolution failed",
				slog.String("account_id", account.ID),
				slog.String("error", err.Error()))
			continue
		}
		if _, err := w.prober.Refresh(ctx, account, bearer); err != nil {
			w.logger.LogAttrs(ctx, slog.LevelWarn, "usage sweep refresh failed",
				slog.String("account_id", account.ID),
				slog.String("error", err.Error()))
			continue
		}
		refreshed++
	}

	w.logger.LogAttrs(ctx, slog.LevelDebug, "usage sweep complete",
		slog.Int("accounts", len(accounts)),
		slog.Int("refreshed", refreshed))
}
