package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/dnscache"

	"github.com/gpttools/gpttools/internal/auth"
	"github.com/gpttools/gpttools/internal/authflow"
	"github.com/gpttools/gpttools/internal/broker"
	"github.com/gpttools/gpttools/internal/config"
	"github.com/gpttools/gpttools/internal/gate"
	"github.com/gpttools/gpttools/internal/proxy"
	"github.com/gpttools/gpttools/internal/rewrite"
	"github.com/gpttools/gpttools/internal/selector"
	"github.com/gpttools/gpttools/internal/server"
	"github.com/gpttools/gpttools/internal/storage/sqlite"
	"github.com/gpttools/gpttools/internal/telemetry"
	"github.com/gpttools/gpttools/internal/upstream"
	"github.com/gpttools/gpttools/internal/usage"
	"github.com/gpttools/gpttools/internal/worker"
)

const dnsRefreshInterval = 5 * time.Minute

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	logger.Info("starting gpttools", "version", version, "addr", cfg.Server.Addr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := config.Bootstrap(ctx, cfg, store); err != nil {
		return err
	}

	if cfg.Telemetry.Tracing.Enabled {
		shutdown, err := telemetry.SetupTracing(ctx, cfg.Telemetry.Tracing.Endpoint, cfg.Telemetry.Tracing.SampleRate)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdown(shutdownCtx) //nolint:errcheck
		}()
	}

	// Outbound client with cached DNS, shared by the data path, the usage
	// prober, and the login flow.
	resolver := &dnscache.Resolver{}
	go refreshDNS(ctx, resolver)

	client := upstream.NewClient(resolver)
	if cfg.Upstream.Debug {
		client = upstream.WithDebug(client, logger)
	}

	locks := gate.NewRegistry()
	metrics := telemetry.NewGatewayMetrics(locks)

	apiKeyAuth, err := auth.NewAPIKeyAuth(store)
	if err != nil {
		return err
	}
	apiKeyAuth.TouchLastUsed = cfg.Gateway.PersistKeyLastUsed

	redirectURI := cfg.OAuth.RedirectURI
	if redirectURI == "" {
		redirectURI = "http://" + cfg.Server.Addr + "/auth/callback"
	}
	flow := authflow.New(store, logger, cfg.OAuth.Issuer, cfg.OAuth.ClientID, redirectURI, client)
	bearers := broker.New(store, locks, &authflow.TokenExchanger{Client: client},
		logger, cfg.OAuth.Issuer, cfg.OAuth.ClientID)

	sel := selector.New(store, logger,
		cfg.Gateway.Availability.PrimaryCutoff, cfg.Gateway.Availability.SecondaryCutoff)

	baseURL := rewrite.NormalizeBaseURL(cfg.Upstream.BaseURL)
	prober := usage.NewProber(store, client, logger, baseURL)

	ctrl := proxy.New(store, sel, bearers, prober, locks, metrics, client, logger, proxy.Config{
		BaseURL:            baseURL,
		Cookie:             cfg.Upstream.Cookie,
		AccountMaxInflight: cfg.Gateway.AccountMaxInflight,
	})

	handler := server.New(server.Deps{
		Store:    store,
		Auth:     apiKeyAuth,
		Proxy:    ctrl,
		Flow:     flow,
		Bearers:  bearers,
		Usage:    prober,
		KeyCache: apiKeyAuth,
		Metrics:  metrics,
		Logger:   logger,
		Version:  version,
	})

	runner := worker.NewRunner(
		worker.NewUsageSweep(store, bearers, prober, logger, cfg.Usage.RefreshInterval),
	)
	workerErr := make(chan error, 1)
	go func() { workerErr <- runner.Run(ctx) }()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		// No WriteTimeout: relayed event streams may run for minutes.
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	logger.Info("gpttools ready", "addr", cfg.Server.Addr)

	// A disabled worker set finishes immediately with nil; keep serving.
wait:
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			break wait
		case err := <-serveErr:
			return err
		case err := <-workerErr:
			if err != nil {
				return err
			}
			workerErr = nil
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Info("gpttools stopped")
	return nil
}

// refreshDNS re-resolves cached entries so long-lived pools pick up DNS
// changes for the upstream host.
func refreshDNS(ctx context.Context, resolver *dnscache.Resolver) {
	ticker := time.NewTicker(dnsRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			resolver.Refresh(true)
		case <-ctx.Done():
			return
		}
	}
}
