// Package gateway defines domain types and interfaces for the gpttools gateway.
// This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"
)

// --- Accounts ---

// Account lifecycle states. Operators may set further values; the gateway
// only ever writes StatusInactive (cooldown) and StatusActive (recovery).
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Account is one upstream identity in the pool.
type Account struct {
	ID               string    `json:"id"`
	Label            string    `json:"label,omitempty"`
	Issuer           string    `json:"issuer,omitempty"`
	ChatGPTAccountID string    `json:"chatgpt_account_id,omitempty"`
	WorkspaceID      string    `json:"workspace_id,omitempty"`
	WorkspaceName    string    `json:"workspace_name,omitempty"`
	Note             string    `json:"note,omitempty"`
	Tags             string    `json:"tags,omitempty"`
	GroupName        string    `json:"group_name,omitempty"`
	Sort             int64     `json:"sort"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// UpstreamAccountID returns the value sent as ChatGPT-Account-Id: the
// upstream-side account id, falling back to the workspace id.
func (a *Account) UpstreamAccountID() string {
	if a.ChatGPTAccountID != "" {
		return a.ChatGPTAccountID
	}
	return a.WorkspaceID
}

// Token holds the OAuth material for one account (at most one row per
// account). APIKeyAccessToken is the derived bearer actually sent upstream;
// when non-empty it is authoritative until a refresh invalidates it.
type Token struct {
	AccountID         string    `json:"account_id"`
	IDToken           string    `json:"-"`
	AccessToken       string    `json:"-"`
	RefreshToken      string    `json:"-"`
	APIKeyAccessToken string    `json:"-"`
	LastRefresh       time.Time `json:"last_refresh"`
}

// UsageSnapshot is one point in the append-only usage time-series for an
// account. Primary fields describe the short rate-limit window, secondary
// the long one. Pointer fields are absent when upstream omitted them.
type UsageSnapshot struct {
	ID                     int64     `json:"id"`
	AccountID              string    `json:"account_id"`
	UsedPercent            *float64  `json:"used_percent,omitempty"`
	WindowMinutes          *int64    `json:"window_minutes,omitempty"`
	ResetsAt               *int64    `json:"resets_at,omitempty"`
	SecondaryUsedPercent   *float64  `json:"secondary_used_percent,omitempty"`
	SecondaryWindowMinutes *int64    `json:"secondary_window_minutes,omitempty"`
	SecondaryResetsAt      *int64    `json:"secondary_resets_at,omitempty"`
	CreditsJSON            string    `json:"credits_json,omitempty"`
	CapturedAt             time.Time `json:"captured_at"`
}

// Availability is the verdict over an account's newest usage snapshot.
// Reason is set only when Available is false.
type Availability struct {
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// Unavailability reasons written to Account.Status change events.
const (
	ReasonUsageMissingPrimary    = "usage_missing_primary"
	ReasonUsageExhaustedPrimary  = "usage_exhausted_primary"
	ReasonUsageExhaustedSecond   = "usage_exhausted_secondary"
	ReasonUsageMissingSnapshot   = "usage_missing_snapshot"
	ReasonUsageEndpointUnreached = "usage_unreachable"
)

// --- Platform keys ---

// Platform key lifecycle states.
const (
	KeyStatusActive   = "active"
	KeyStatusInactive = "inactive"
)

// Protocol flavors a platform key may request. The zero value means
// passthrough of the native upstream protocol.
const (
	ProtocolOpenAICompat    = "openai_compat"
	ProtocolAnthropicNative = "anthropic_native"
)

// Default client and auth scheme identifiers stamped on new platform keys.
const (
	ClientTypeCodex  = "codex"
	AuthSchemeBearer = "authorization_bearer"
)

// APIKey is a platform key issued to a local client. The cleartext key is
// returned once at creation; only its hash is stored.
type APIKey struct {
	ID                string     `json:"id"`
	Name              string     `json:"name,omitempty"`
	KeyHash           string     `json:"-"` // SHA-256 hex, never exposed
	Status            string     `json:"status"`
	ModelSlug         string     `json:"model_slug,omitempty"`
	ReasoningEffort   string     `json:"reasoning_effort,omitempty"`
	ClientType        string     `json:"client_type,omitempty"`
	ProtocolType      string     `json:"protocol_type,omitempty"`
	AuthScheme        string     `json:"auth_scheme,omitempty"`
	UpstreamBaseURL   string     `json:"upstream_base_url,omitempty"`
	StaticHeadersJSON string     `json:"static_headers_json,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
}

// RequestOverrides are the effective model/reasoning rewrites for one
// request, computed from the platform key by the validator.
type RequestOverrides struct {
	Model           string
	ReasoningEffort string
}

// --- Audit trails ---

// Event is one append-only audit record tied to an account.
type Event struct {
	ID        int64     `json:"id"`
	AccountID string    `json:"account_id"`
	Type      string    `json:"type"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RequestLog is the single row written per gateway attempt.
type RequestLog struct {
	ID              int64     `json:"id"`
	KeyID           string    `json:"key_id,omitempty"`
	Path            string    `json:"path"`
	Method          string    `json:"method"`
	Model           string    `json:"model,omitempty"`
	ReasoningEffort string    `json:"reasoning_effort,omitempty"`
	UpstreamURL     string    `json:"upstream_url,omitempty"`
	Status          int       `json:"status"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// --- Login sessions ---

// Login session kinds and states for the OAuth collaborator.
const (
	LoginKindOAuth  = "oauth"
	LoginKindDevice = "device"

	LoginStatusPending  = "pending"
	LoginStatusComplete = "complete"
	LoginStatusFailed   = "failed"
)

// LoginSession is the persisted PKCE state for one in-progress login.
// Not consumed by the gateway data path.
type LoginSession struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	State           string    `json:"state"`
	PKCEVerifier    string    `json:"-"`
	RedirectURI     string    `json:"redirect_uri,omitempty"`
	AuthURL         string    `json:"auth_url,omitempty"`
	DeviceCode      string    `json:"-"`
	UserCode        string    `json:"user_code,omitempty"`
	VerificationURI string    `json:"verification_uri,omitempty"`
	Status          string    `json:"status"`
	Error           string    `json:"error,omitempty"`
	AccountID       string    `json:"account_id,omitempty"`
	Note            string    `json:"note,omitempty"`
	Tags            string    `json:"tags,omitempty"`
	GroupName       string    `json:"group_name,omitempty"`
	WorkspaceID     string    `json:"workspace_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// --- Cooldown ---

// CooldownReason tags a failover event for observability.
type CooldownReason string

const (
	CooldownDefault     CooldownReason = "default"
	CooldownRateLimited CooldownReason = "rate_limited"
	CooldownUpstream5xx CooldownReason = "upstream_5xx"
	CooldownUpstream4xx CooldownReason = "upstream_4xx"
	CooldownChallenge   CooldownReason = "challenge"
)

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Key field is set later by the gateway handler via mutation of the
// same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Key       *APIKey
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// KeyFromContext extracts the validated platform key from context, or nil.
func KeyFromContext(ctx context.Context) *APIKey {
	if m := metaFromContext(ctx); m != nil {
		return m.Key
	}
	return nil
}

// ContextWithKey stores the platform key in the existing requestMeta if
// present, avoiding a new context.WithValue allocation. Falls back to
// creating new metadata if none exists (e.g., in tests).
func ContextWithKey(ctx context.Context, k *APIKey) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Key = k
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Key: k})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared constants and helpers ---

// APIKeyPrefix is the prefix for all gpttools platform keys.
const APIKeyPrefix = "gptk_"

// HashKey returns the hex-encoded SHA-256 hash of a raw platform key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// --- Authenticator interface ---

// KeyAuthenticator validates the platform key on a request and returns the
// key record. Implementations return ErrUnauthorized for absent/unknown
// keys and ErrKeyDisabled for keys whose status is not active.
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*APIKey, error)
}
