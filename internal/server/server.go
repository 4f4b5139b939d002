// Package server implements the HTTP transport for the gpttools gateway:
// the control-plane RPC endpoint, the login callback, the metrics handler,
// and the catch-all gateway data path.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/gpttools/gpttools/internal"
	"github.com/gpttools/gpttools/internal/authflow"
	"github.com/gpttools/gpttools/internal/proxy"
	"github.com/gpttools/gpttools/internal/storage"
	"github.com/gpttools/gpttools/internal/telemetry"
)

// GatewayProxy runs the failover candidate loop for one adapted request.
// Satisfied by *proxy.Controller.
type GatewayProxy interface {
	Serve(ctx context.Context, w http.ResponseWriter, req *proxy.Request)
}

// LoginFlow is the OAuth collaborator surface the control plane drives.
// Satisfied by *authflow.Flow.
type LoginFlow interface {
	StartOAuth(ctx context.Context, opts authflow.StartOptions) (*gateway.LoginSession, error)
	StartDevice(ctx context.Context, opts authflow.StartOptions) (*gateway.LoginSession, error)
	Status(ctx context.Context, loginID string) (*gateway.LoginSession, error)
	CompleteOAuth(ctx context.Context, state, code, redirectURI string) (string, error)
}

// BearerResolver resolves the upstream bearer for usage probes driven over
// RPC. Satisfied by *broker.Broker.
type BearerResolver interface {
	ResolveBearer(ctx context.Context, account *gateway.Account, token *gateway.Token) (string, error)
}

// UsageRefresher probes and persists one account's usage snapshot.
// Satisfied by *usage.Prober.
type UsageRefresher interface {
	Refresh(ctx context.Context, account *gateway.Account, bearer string) (*gateway.UsageSnapshot, error)
}

// KeyCache invalidates cached platform keys after control-plane mutations.
// Satisfied by *auth.APIKeyAuth; nil disables invalidation.
type KeyCache interface {
	InvalidateByKeyID(keyID string)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Store    storage.Store
	Auth     gateway.KeyAuthenticator
	Proxy    GatewayProxy
	Flow     LoginFlow
	Bearers  BearerResolver
	Usage    UsageRefresher
	KeyCache KeyCache // nil = no cache invalidation
	Metrics  *telemetry.GatewayMetrics
	Logger   *slog.Logger
	Version  string
}

// New creates an http.Handler with all routes and middleware wired. Every
// path other than /rpc, /auth/callback, and /metrics -- including wrong-method
// hits on those three -- falls through to the gateway data path.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)

	r.Post("/rpc", s.handleRPC)
	r.Get("/auth/callback", s.handleCallback)
	r.Get("/metrics", deps.Metrics.Handler().ServeHTTP)

	r.NotFound(s.handleGateway)
	r.MethodNotAllowed(s.handleGateway)

	return r
}

type server struct {
	deps Deps
}
