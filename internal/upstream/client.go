// Package upstream builds the outbound HTTP client and the header profile
// used for every upstream attempt.
package upstream

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

const (
	connectTimeout  = 15 * time.Second
	keepAlive       = 30 * time.Second
	poolIdleTimeout = 90 * time.Second
	maxIdlePerHost  = 32
)

// NewClient returns the upstream HTTP client: no total timeout (streamed
// responses may run for minutes), connect timeout 15 s, pooled keep-alive
// connections, and cached DNS when a resolver is given.
func NewClient(resolver *dnscache.Resolver) *http.Client {
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: keepAlive,
	}
	t := &http.Transport{
		MaxIdleConnsPerHost: maxIdlePerHost,
		IdleConnTimeout:     poolIdleTimeout,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
		DialContext:         dialer.DialContext,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return &http.Client{Transport: t}
}

// WithDebug wraps the client's transport to log every outbound exchange at
// debug level. Enabled by the upstream.debug config flag.
func WithDebug(client *http.Client, logger *slog.Logger) *http.Client {
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{
		Transport:     &debugTransport{base: base, logger: logger},
		CheckRedirect: client.CheckRedirect,
		Jar:           client.Jar,
		Timeout:       client.Timeout,
	}
}

type debugTransport struct {
	base   http.RoundTripper
	logger *slog.Logger
}

func (t *debugTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		t.logger.LogAttrs(req.Context(), slog.LevelDebug, "upstream exchange failed",
			slog.String("method", req.Method),
			slog.String("url", req.URL.String()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("error", err.Error()))
		return nil, err
	}
	t.logger.LogAttrs(req.Context(), slog.LevelDebug, "upstream exchange",
		slog.String("method", req.Method),
		slog.String("url", req.URL.String()),
		slog.Int("status", resp.StatusCode),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	return resp, nil
}
