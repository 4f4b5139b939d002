// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"

	gateway "github.com/gpttools/gpttools/internal"
)

// AccountStore manages upstream account persistence.
type AccountStore interface {
	UpsertAccount(ctx context.Context, a *gateway.Account) error
	GetAccount(ctx context.Context, id string) (*gateway.Account, error)
	ListAccounts(ctx context.Context) ([]*gateway.Account, error)
	UpdateAccountStatus(ctx context.Context, id, status string) error
	UpdateAccountSort(ctx context.Context, id string, sort int64) error
	// DeleteAccount removes the account and cascades to its tokens, usage
	// snapshots, and events in one transaction.
	DeleteAccount(ctx context.Context, id string) error
}

// TokenStore manages OAuth token persistence (at most one row per account).
type TokenStore interface {
	UpsertToken(ctx context.Context, t *gateway.Token) error
	GetToken(ctx context.Context, accountID string) (*gateway.Token, error)
	ListTokens(ctx context.Context) ([]*gateway.Token, error)
}

// UsageStore manages the append-only usage snapshot time-series.
type UsageStore interface {
	InsertUsageSnapshot(ctx context.Context, s *gateway.UsageSnapshot) error
	// LatestUsageSnapshots returns the newest snapshot per account, keyed
	// by account id: max captured_at, ties broken by max id.
	LatestUsageSnapshots(ctx context.Context) (map[string]*gateway.UsageSnapshot, error)
	LatestUsageSnapshot(ctx context.Context, accountID string) (*gateway.UsageSnapshot, error)
}

// APIKeyStore manages platform key persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	GetKey(ctx context.Context, id string) (*gateway.APIKey, error)
	GetKeyByHash(ctx context.Context, hash string) (*gateway.APIKey, error)
	ListKeys(ctx context.Context) ([]*gateway.APIKey, error)
	UpdateKeyModel(ctx context.Context, id, modelSlug, reasoningEffort string) error
	UpdateKeyStatus(ctx context.Context, id, status string) error
	DeleteKey(ctx context.Context, id string) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// LoginStore manages PKCE login session persistence.
type LoginStore interface {
	CreateLoginSession(ctx context.Context, s *gateway.LoginSession) error
	GetLoginSession(ctx context.Context, id string) (*gateway.LoginSession, error)
	GetLoginSessionByState(ctx context.Context, state string) (*gateway.LoginSession, error)
	UpdateLoginSession(ctx context.Context, s *gateway.LoginSession) error
}

// EventStore manages the append-only account audit trail.
type EventStore interface {
	AppendEvent(ctx context.Context, e *gateway.Event) error
	ListEvents(ctx context.Context, accountID string, limit int) ([]*gateway.Event, error)
}

// RequestLogStore manages the gateway request audit trail.
type RequestLogStore interface {
	AppendRequestLog(ctx context.Context, l *gateway.RequestLog) error
	// ListRequestLogs returns newest-first rows, optionally filtered by a
	// substring match over path, model, and error.
	ListRequestLogs(ctx context.Context, query string, limit int) ([]*gateway.RequestLog, error)
	ClearRequestLogs(ctx context.Context) error
}

// Store combines all storage interfaces.
type Store interface {
	AccountStore
	TokenStore
	UsageStore
	APIKeyStore
	LoginStore
	EventStore
	RequestLogStore
	Close() error
}
