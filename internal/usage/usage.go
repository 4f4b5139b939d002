// Package usage probes the upstream usage endpoint and appends snapshots
// to the per-account time-series the selector and failover controller read.
package usage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/gpttools/gpttools/internal"
	"github.com/gpttools/gpttools/internal/storage"
)

// Prober fetches usage for one account and persists the snapshot.
type Prober struct {
	store   storage.UsageStore
	client  *http.Client
	logger  *slog.Logger
	baseURL string
	now     func() time.Time
}

// NewProber returns a Prober against baseURL (the codex backend base).
// client may be nil for http.DefaultClient.
func NewProber(store storage.UsageStore, client *http.Client, logger *slog.Logger, baseURL string) *Prober {
	if client == nil {
		client = http.DefaultClient
	}
	return &Prober{
		store:   store,
		client:  client,
		logger:  logger,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		now:     time.Now,
	}
}

// Refresh GETs the usage endpoint with the account's bearer, parses both
// rate-limit tiers plus credits, inserts a snapshot row, and returns it.
// Non-2xx responses produce an error whose text begins with
// "usage endpoint status <code>" so callers can distinguish endpoint
// failures from transport ones.
func (p *Prober) Refresh(ctx context.Context, account *gateway.Account, bearer string) (*gateway.UsageSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/usage", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "codex-cli")
	if id := account.UpstreamAccountID(); id != "" {
		req.Header.Set("ChatGPT-Account-Id", id)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("usage request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("usage body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("usage endpoint status %d", resp.StatusCode)
	}

	snap := p.parse(account.ID, body)
	if err := p.store.InsertUsageSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("insert usage snapshot: %w", err)
	}
	p.logger.LogAttrs(ctx, slog.LevelDebug, "usage snapshot captured",
		slog.String("account_id", account.ID))
	return snap, nil
}

// parse extracts both rate-limit tiers and the opaque credits blob. Absent
// fields stay nil so the availability check can tell "missing" from zero.
func (p *Prober) parse(accountID string, body []byte) *gateway.UsageSnapshot {
	root := gjson.ParseBytes(body)
	now := p.now().UTC()

	snap := &gateway.UsageSnapshot{
		AccountID:  accountID,
		CapturedAt: now,
	}
	primary := root.Get("rate_limits.primary")
	snap.UsedPercent = floatField(primary, "used_percent")
	snap.WindowMinutes = intField(primary, "window_minutes")
	snap.ResetsAt = resetsAt(primary, now)

	secondary := root.Get("rate_limits.secondary")
	snap.SecondaryUsedPercent = floatField(secondary, "used_percent")
	snap.SecondaryWindowMinutes = intField(secondary, "window_minutes")
	snap.SecondaryResetsAt = resetsAt(secondary, now)

	if credits := root.Get("credits"); credits.Exists() {
		snap.CreditsJSON = credits.Raw
	}
	return snap
}

func floatField(tier gjson.Result, name string) *float64 {
	v := tier.Get(name)
	if !v.Exists() {
		return nil
	}
	f := v.Float()
	return &f
}

func intField(tier gjson.Result, name string) *int64 {
	v := tier.Get(name)
	if !v.Exists() {
		return nil
	}
	i := v.Int()
	return &i
}

// resetsAt prefers an absolute resets_at epoch, falling back to
// resets_in_seconds relative to the capture time.
func resetsAt(tier gjson.Result, now time.Time) *int64 {
	if v := tier.Get("resets_at"); v.Exists() {
		i := v.Int()
		return &i
	}
	if v := tier.Get("resets_in_seconds"); v.Exists() {
		i := now.Unix() + v.Int()
		return &i
	}
	return nil
}
