// Package broker resolves the upstream bearer token for an account,
// serializing token exchanges per account so concurrent requests do not
// stampede the identity provider.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gateway "github.com/gpttools/gpttools/internal"
	"github.com/gpttools/gpttools/internal/gate"
	"github.com/gpttools/gpttools/internal/storage"
)

// RefreshResult carries the token tuple returned by a refresh grant.
// Empty fields leave the stored value untouched.
type RefreshResult struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
}

// Exchanger performs the two identity-provider calls the broker needs.
type Exchanger interface {
	// ObtainAPIKey exchanges an id_token for the API-key access token
	// actually sent upstream.
	ObtainAPIKey(ctx context.Context, issuer, clientID, idToken string) (string, error)
	// RefreshAccessToken redeems a refresh_token for a fresh token tuple.
	RefreshAccessToken(ctx context.Context, issuer, clientID, refreshToken string) (*RefreshResult, error)
}

// Broker resolves bearers against storage and the Exchanger.
type Broker struct {
	store     storage.TokenStore
	locks     *gate.Registry
	exchanger Exchanger
	logger    *slog.Logger
	issuer    string
	clientID  string
}

// New returns a Broker. issuer and clientID are the environment defaults;
// an account's own issuer takes precedence.
func New(store storage.TokenStore, locks *gate.Registry, exchanger Exchanger,
	logger *slog.Logger, issuer, clientID string) *Broker {
	return &Broker{
		store:     store,
		locks:     locks,
		exchanger: exchanger,
		logger:    logger,
		issuer:    issuer,
		clientID:  clientID,
	}
}

// ResolveBearer produces the upstream bearer for account, mutating token in
// place when new material is obtained. The fast path returns a cached
// api_key_access_token without locking.
func (b *Broker) ResolveBearer(ctx context.Context, account *gateway.Account, token *gateway.Token) (bearer string, err error) {
	if v := strings.TrimSpace(token.APIKeyAccessToken); v != "" {
		return v, nil
	}

	lock := b.locks.ExchangeLock(account.ID)
	lock.Lock()
	defer lock.Unlock()
	defer func() {
		if r := recover(); r != nil {
			bearer, err = "", fmt.Errorf("%w: %v", gateway.ErrLockPoisoned, r)
		}
	}()

	// Re-check under the lock: a waiter may have filled it in.
	if v := strings.TrimSpace(token.APIKeyAccessToken); v != "" {
		return v, nil
	}

	// Late arrivals reuse what a concurrent exchange already persisted
	// instead of hitting the identity provider again.
	if persisted, perr := b.store.GetToken(ctx, account.ID); perr == nil {
		if v := strings.TrimSpace(persisted.APIKeyAccessToken); v != "" {
			token.APIKeyAccessToken = v
			return v, nil
		}
	} else if !errors.Is(perr, gateway.ErrNotFound) {
		b.logger.LogAttrs(ctx, slog.LevelWarn, "broker: re-read token failed",
			slog.String("account_id", account.ID), slog.Any("error", perr))
	}

	issuer := strings.TrimSpace(account.Issuer)
	if issuer == "" {
		issuer = b.issuer
	}

	exchanged, exErr := b.exchanger.ObtainAPIKey(ctx, issuer, b.clientID, token.IDToken)
	if exErr == nil {
		b.adopt(ctx, token, exchanged)
		return exchanged, nil
	}

	if token.RefreshToken != "" {
		res, rErr := b.exchanger.RefreshAccessToken(ctx, issuer, b.clientID, token.RefreshToken)
		if rErr != nil {
			b.logger.LogAttrs(ctx, slog.LevelWarn, "broker: refresh failed",
				slog.String("account_id", account.ID), slog.Any("error", rErr))
		} else {
			applyRefresh(token, res)
			if err := b.store.UpsertToken(ctx, token); err != nil {
				b.logger.LogAttrs(ctx, slog.LevelWarn, "broker: persist refreshed token failed",
					slog.String("account_id", account.ID), slog.Any("error", err))
			}
			if exchanged, retryErr := b.exchanger.ObtainAPIKey(ctx, issuer, b.clientID, token.IDToken); retryErr == nil {
				b.adopt(ctx, token, exchanged)
				return exchanged, nil
			}
		}
	}

	if v := strings.TrimSpace(token.AccessToken); v != "" {
		b.logger.LogAttrs(ctx, slog.LevelWarn, "broker: falling back to access_token",
			slog.String("account_id", account.ID), slog.Any("error", exErr))
		return v, nil
	}

	return "", exErr
}

// adopt stores a freshly exchanged bearer on the token and persists it.
func (b *Broker) adopt(ctx context.Context, token *gateway.Token, exchanged string) {
	token.APIKeyAccessToken = exchanged
	if err := b.store.UpsertToken(ctx, token); err != nil {
		b.logger.LogAttrs(ctx, slog.LevelWarn, "broker: persist exchanged token failed",
			slog.String("account_id", token.AccountID), slog.Any("error", err))
	}
}

func applyRefresh(token *gateway.Token, res *RefreshResult) {
	if res.IDToken != "" {
		token.IDToken = res.IDToken
	}
	if res.AccessToken != "" {
		token.AccessToken = res.AccessToken
	}
	if res.RefreshToken != "" {
		token.RefreshToken = res.RefreshToken
	}
	// A refresh invalidates any previously derived bearer.
	token.APIKeyAccessToken = ""
	token.LastRefresh = time.Now().UTC()
}
