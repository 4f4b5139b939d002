// Package selector picks upstream account candidates for the gateway data
// path: active accounts with tokens and headroom first, a last-resort
// fallback set when none qualify, rotated so concurrent requests spread
// across accounts.
package selector

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	gateway "github.com/gpttools/gpttools/internal"
)

// Store is the subset of storage the selector reads.
type Store interface {
	ListAccounts(ctx context.Context) ([]*gateway.Account, error)
	ListTokens(ctx context.Context) ([]*gateway.Token, error)
	LatestUsageSnapshots(ctx context.Context) (map[string]*gateway.UsageSnapshot, error)
}

// Candidate is one account the failover controller may try.
type Candidate struct {
	Account *gateway.Account
	Token   *gateway.Token
}

// Selector builds and rotates the candidate list.
type Selector struct {
	store  Store
	logger *slog.Logger

	primaryCutoff   float64
	secondaryCutoff float64

	cursor atomic.Uint64
}

// New returns a Selector with the given availability cutoffs.
func New(store Store, logger *slog.Logger, primaryCutoff, secondaryCutoff float64) *Selector {
	return &Selector{
		store:           store,
		logger:          logger,
		primaryCutoff:   primaryCutoff,
		secondaryCutoff: secondaryCutoff,
	}
}

// EvaluateSnapshot decides whether an account with this snapshot may serve
// traffic. A nil snapshot means the account has never been probed and is
// given the benefit of the doubt.
func (s *Selector) EvaluateSnapshot(snap *gateway.UsageSnapshot) gateway.Availability {
	if snap == nil {
		return gateway.Availability{Available: true}
	}
	if snap.UsedPercent == nil {
		return gateway.Availability{Reason: gateway.ReasonUsageMissingPrimary}
	}
	if *snap.UsedPercent >= s.primaryCutoff {
		return gateway.Availability{Reason: gateway.ReasonUsageExhaustedPrimary}
	}
	if snap.SecondaryUsedPercent != nil && *snap.SecondaryUsedPercent >= s.secondaryCutoff {
		return gateway.Availability{Reason: gateway.ReasonUsageExhaustedSecond}
	}
	return gateway.Availability{Available: true}
}

// fallbackAllowed admits an account to the last-resort set: any status, as
// long as no tier has fully hit 100%. This bound is fixed, not the
// configured cutoff.
func fallbackAllowed(snap *gateway.UsageSnapshot) bool {
	if snap == nil {
		return true
	}
	if snap.UsedPercent != nil && *snap.UsedPercent >= 100.0 {
		return false
	}
	if snap.SecondaryUsedPercent != nil && *snap.SecondaryUsedPercent >= 100.0 {
		return false
	}
	return true
}

// Candidates returns the rotated candidate list. An empty slice with a nil
// error means no account can serve the request.
func (s *Selector) Candidates(ctx context.Context) ([]Candidate, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	tokens, err := s.store.ListTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", err)
	}
	snaps, err := s.store.LatestUsageSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest usage snapshots: %w", err)
	}

	tokenMap := make(map[string]*gateway.Token, len(tokens))
	for _, t := range tokens {
		tokenMap[t.AccountID] = t
	}

	var out []Candidate
	for _, acc := range accounts {
		if acc.Status != gateway.StatusActive {
			continue
		}
		token, ok := tokenMap[acc.ID]
		if !ok {
			continue
		}
		if !s.EvaluateSnapshot(snaps[acc.ID]).Available {
			continue
		}
		out = append(out, Candidate{Account: acc, Token: token})
	}

	if len(out) == 0 {
		var fallback []Candidate
		for _, acc := range accounts {
			token, ok := tokenMap[acc.ID]
			if !ok {
				continue
			}
			if !fallbackAllowed(snaps[acc.ID]) {
				continue
			}
			fallback = append(fallback, Candidate{Account: acc, Token: token})
		}
		if len(fallback) > 0 {
			s.logger.LogAttrs(ctx, slog.LevelWarn, "gateway fallback: no active accounts",
				slog.Int("candidates", len(fallback)))
			s.rotate(fallback)
			return fallback, nil
		}
	}

	if len(out) == 0 {
		s.logNoCandidates(ctx, accounts, tokenMap, snaps)
		return nil, nil
	}

	s.rotate(out)
	return out, nil
}

// rotate left-rotates candidates by an atomic cursor so concurrent requests
// start from different accounts. Single-candidate lists skip the cursor
// increment.
func (s *Selector) rotate(candidates []Candidate) {
	if len(candidates) <= 1 {
		return
	}
	cursor := s.cursor.Add(1) - 1
	offset := int(cursor % uint64(len(candidates)))
	if offset == 0 {
		return
	}
	rotated := make([]Candidate, 0, len(candidates))
	rotated = append(rotated, candidates[offset:]...)
	rotated = append(rotated, candidates[:offset]...)
	copy(candidates, rotated)
}

// ResetCursor rewinds the rotation cursor. Test hook.
func (s *Selector) ResetCursor() {
	s.cursor.Store(0)
}

func (s *Selector) logNoCandidates(ctx context.Context, accounts []*gateway.Account,
	tokenMap map[string]*gateway.Token, snaps map[string]*gateway.UsageSnapshot) {

	s.logger.LogAttrs(ctx, slog.LevelWarn, "gateway no candidates",
		slog.Int("accounts", len(accounts)),
		slog.Int("tokens", len(tokenMap)),
		slog.Int("snapshots", len(snaps)))
	for _, acc := range accounts {
		_, hasToken := tokenMap[acc.ID]
		attrs := []slog.Attr{
			slog.String("account_id", acc.ID),
			slog.String("status", acc.Status),
			slog.Bool("has_token", hasToken),
		}
		if snap := snaps[acc.ID]; snap != nil {
			if snap.UsedPercent != nil {
				attrs = append(attrs, slog.Float64("primary_used", *snap.UsedPercent))
			}
			if snap.SecondaryUsedPercent != nil {
				attrs = append(attrs, slog.Float64("secondary_used", *snap.SecondaryUsedPercent))
			}
		}
		s.logger.LogAttrs(ctx, slog.LevelWarn, "gateway account", attrs...)
	}
}
