// Package auth implements platform key authentication for the gpttools gateway.
// Keys are validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	gateway "github.com/gpttools/gpttools/internal"
	"github.com/gpttools/gpttools/internal/rewrite"
	"github.com/gpttools/gpttools/internal/storage"
	"github.com/maypok86/otter/v2"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// APIKeyAuth authenticates requests using platform keys with the "gptk_" prefix.
// It caches resolved keys in an otter W-TinyLFU cache for fast lookups.
type APIKeyAuth struct {
	store       storage.APIKeyStore
	cache       *otter.Cache[string, *gateway.APIKey]
	keyIDToHash sync.Map // keyID -> hash for cache invalidation by key ID

	// TouchLastUsed controls whether successful validation updates the
	// key's last_used_at asynchronously. Off by default to keep the data
	// path free of writes.
	TouchLastUsed bool
}

// NewAPIKeyAuth returns a new APIKeyAuth backed by store.
func NewAPIKeyAuth(store storage.APIKeyStore) (*APIKeyAuth, error) {
	c, err := otter.New(&otter.Options[string, *gateway.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &APIKeyAuth{store: store, cache: c}, nil
}

// rawKey pulls the presented credential from either "Authorization: Bearer"
// or "x-api-key". Anthropic-native clients send the latter.
func rawKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if raw := strings.TrimPrefix(h, "Bearer "); raw != h {
			return raw
		}
	}
	return r.Header.Get("x-api-key")
}

// Authenticate validates the presented platform key against the store and
// returns the key record. Absent or unknown keys return ErrUnauthorized;
// keys whose status is not active return ErrKeyDisabled.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.APIKey, error) {
	raw := rawKey(r)
	if raw == "" || !strings.HasPrefix(raw, gateway.APIKeyPrefix) {
		return nil, gateway.ErrUnauthorized
	}

	hash := gateway.HashKey(raw)

	// Check cache first.
	if key, ok := a.cache.GetIfPresent(hash); ok {
		if key.Status != gateway.KeyStatusActive {
			return nil, gateway.ErrKeyDisabled
		}
		return key, nil
	}

	key, err := a.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrUnauthorized
		}
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored hash against
	// the computed hash. The DB lookup already matched, but this guards against
	// hypothetical SQL collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, gateway.ErrUnauthorized
	}

	if key.Status != gateway.KeyStatusActive {
		return nil, gateway.ErrKeyDisabled
	}

	a.cache.Set(hash, key)
	a.keyIDToHash.Store(key.ID, hash)

	if a.TouchLastUsed {
		go func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			a.store.TouchKeyUsed(ctx, key.ID) //nolint:errcheck
		}()
	}

	return key, nil
}

// InvalidateByKeyID removes a cached platform key by its key ID.
// Used when RPC operations (disable, update, delete) modify a key.
func (a *APIKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

// EffectiveOverrides resolves the model and reasoning-effort rewrites for a
// request handled under key. Anthropic-native keys get defaults so clients
// speaking that protocol always land on a known upstream model.
func EffectiveOverrides(key *gateway.APIKey) gateway.RequestOverrides {
	ov := gateway.RequestOverrides{
		Model:           key.ModelSlug,
		ReasoningEffort: rewrite.NormalizeReasoningEffort(key.ReasoningEffort),
	}
	if key.ProtocolType == gateway.ProtocolAnthropicNative {
		if ov.Model == "" {
			ov.Model = "gpt-5.3-codex"
		}
		if ov.ReasoningEffort == "" {
			ov.ReasoningEffort = "high"
		}
	}
	return ov
}
