// Package proxy implements the failover controller: the candidate loop that
// tries upstream accounts in rotated order, retries challenges and eligible
// fallback bases, and relays the winning response to the client.
package proxy

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gateway "github.com/gpttools/gpttools/internal"
	"github.com/gpttools/gpttools/internal/adapter"
	"github.com/gpttools/gpttools/internal/gate"
	"github.com/gpttools/gpttools/internal/rewrite"
	"github.com/gpttools/gpttools/internal/selector"
	"github.com/gpttools/gpttools/internal/telemetry"
	"github.com/gpttools/gpttools/internal/upstream"
)

// Store is the persistence surface the controller writes to.
type Store interface {
	UpdateAccountStatus(ctx context.Context, id, status string) error
	AppendEvent(ctx context.Context, e *gateway.Event) error
	AppendRequestLog(ctx context.Context, l *gateway.RequestLog) error
}

// CandidateSource yields the rotated candidate list and the availability
// verdict for a snapshot. Satisfied by *selector.Selector.
type CandidateSource interface {
	Candidates(ctx context.Context) ([]selector.Candidate, error)
	EvaluateSnapshot(snap *gateway.UsageSnapshot) gateway.Availability
}

// BearerResolver resolves the upstream bearer for a candidate. Satisfied by
// *broker.Broker.
type BearerResolver interface {
	ResolveBearer(ctx context.Context, account *gateway.Account, token *gateway.Token) (string, error)
}

// UsageRefresher probes the usage endpoint after an upstream failure.
// Satisfied by *usage.Prober.
type UsageRefresher interface {
	Refresh(ctx context.Context, account *gateway.Account, bearer string) (*gateway.UsageSnapshot, error)
}

// Config carries the controller's tunables.
type Config struct {
	// BaseURL is the normalized upstream base (see rewrite.NormalizeBaseURL).
	BaseURL string
	// Cookie, when set, is attached verbatim to every upstream attempt.
	Cookie string
	// AccountMaxInflight caps concurrent upstream calls per account; a busy
	// candidate is skipped only while later candidates remain. Zero disables
	// the cap.
	AccountMaxInflight int
}

// Request is one gateway request after key validation, protocol adaptation,
// and override application.
type Request struct {
	KeyID           string
	Method          string
	Path            string
	Body            []byte
	Header          http.Header
	Model           string
	ReasoningEffort string
	Mode            adapter.ResponseMode
}

// Controller runs the candidate loop for gateway requests.
type Controller struct {
	store    Store
	sel      CandidateSource
	bearers  BearerResolver
	usage    UsageRefresher
	inflight *gate.Registry
	metrics  *telemetry.GatewayMetrics
	client   *http.Client
	logger   *slog.Logger
	cfg      Config
}

// New returns a Controller. client may be nil for http.DefaultClient.
func New(store Store, sel CandidateSource, bearers BearerResolver, usage UsageRefresher,
	inflight *gate.Registry, metrics *telemetry.GatewayMetrics, client *http.Client,
	logger *slog.Logger, cfg Config) *Controller {
	if client == nil {
		client = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Controller{
		store:    store,
		sel:      sel,
		bearers:  bearers,
		usage:    usage,
		inflight: inflight,
		metrics:  metrics,
		client:   client,
		logger:   logger,
		cfg:      cfg,
	}
}

// IsChallenge reports whether an upstream failure looks like a bot challenge:
// a 429, or an HTML body regardless of status. A bare 403 with JSON is an
// ordinary authorization failure.
func IsChallenge(status int, contentType string) bool {
	return status == http.StatusTooManyRequests || rewrite.IsHTMLContentType(contentType)
}

// CooldownReasonFor maps an upstream status to the cooldown tag recorded when
// the candidate is abandoned.
func CooldownReasonFor(status int, contentType string) gateway.CooldownReason {
	switch {
	case status == http.StatusTooManyRequests:
		return gateway.CooldownRateLimited
	case status >= 500:
		return gateway.CooldownUpstream5xx
	case status == http.StatusForbidden && rewrite.IsHTMLContentType(contentType):
		return gateway.CooldownChallenge
	case status >= 400:
		return gateway.CooldownUpstream4xx
	default:
		return gateway.CooldownDefault
	}
}

// Serve runs the candidate loop and writes exactly one response and one
// request-log row. Candidates are tried in the selector's rotated order;
// session-affinity headers survive only the first attempt.
func (c *Controller) Serve(ctx context.Context, w http.ResponseWriter, req *Request) {
	done := c.metrics.BeginRequest()
	defer done()

	candidates, err := c.sel.Candidates(ctx)
	if err != nil {
		c.logger.LogAttrs(ctx, slog.LevelError, "candidate selection failed",
			slog.String("error", err.Error()))
		c.terminal(ctx, w, req, "", http.StatusInternalServerError, "candidate selection failed")
		return
	}
	if len(candidates) == 0 {
		c.terminal(ctx, w, req, "", http.StatusServiceUnavailable, gateway.ErrNoCandidates.Error())
		return
	}

	primaryURL, altURL := rewrite.ComputeUpstreamURL(c.cfg.BaseURL, req.Path)

	for idx, cand := range candidates {
		if c.skipBusy(ctx, cand.Account, idx, len(candidates)) {
			continue
		}
		guard := c.inflight.Acquire(cand.Account.ID)
		resp, usedURL, failover := c.attempt(ctx, req, cand, primaryURL, altURL, idx > 0)
		if failover {
			guard.Release()
			c.metrics.RecordFailoverAttempt()
			continue
		}
		c.relay(ctx, w, req, resp, usedURL, guard)
		return
	}

	c.terminal(ctx, w, req, primaryURL, http.StatusServiceUnavailable, gateway.ErrNoCandidates.Error())
}

// skipBusy applies the per-account inflight cap. The last remaining candidate
// is never skipped; a saturated account beats no account at all.
func (c *Controller) skipBusy(ctx context.Context, account *gateway.Account, idx, total int) bool {
	if c.cfg.AccountMaxInflight <= 0 || idx+1 >= total {
		return false
	}
	n := c.inflight.Inflight(account.ID)
	if n < c.cfg.AccountMaxInflight {
		return false
	}
	c.logger.LogAttrs(ctx, slog.LevelDebug, "skipping busy account",
		slog.String("account_id", account.ID),
		slog.Int("inflight", n))
	return true
}

// attempt runs one candidate: resolve the bearer, call the primary URL, and
// on failure work through the challenge alternate, the public-API fallback,
// and the usage-driven failover decision. A nil response with failover=true
// means the candidate was abandoned.
func (c *Controller) attempt(ctx context.Context, req *Request, cand selector.Candidate,
	primaryURL, altURL string, stripAffinity bool) (*http.Response, string, bool) {

	account := cand.Account
	bearer, err := c.bearers.ResolveBearer(ctx, account, cand.Token)
	if err != nil {
		c.logger.LogAttrs(ctx, slog.LevelWarn, "bearer resolution failed",
			slog.String("account_id", account.ID),
			slog.String("error", err.Error()))
		return nil, "", true
	}

	headers := upstream.BuildHeaders(upstream.HeaderInput{
		Incoming:             req.Header,
		Bearer:               bearer,
		Account:              account,
		Cookie:               c.cfg.Cookie,
		StripSessionAffinity: stripAffinity,
	})

	resp, err := c.send(ctx, req.Method, primaryURL, headers, req.Body)
	usedURL := primaryURL
	if err != nil {
		c.logger.LogAttrs(ctx, slog.LevelWarn, "upstream call failed",
			slog.String("account_id", account.ID),
			slog.String("url", primaryURL),
			slog.String("error", err.Error()))
		c.metrics.RecordCooldownMark()
		return nil, primaryURL, true
	}
	if resp.StatusCode < 400 {
		return resp, usedURL, false
	}

	contentType := resp.Header.Get("Content-Type")

	// Challenge pages on the models endpoint often clear up on the
	// unstripped /v1 alternate.
	if altURL != "" && IsChallenge(resp.StatusCode, contentType) {
		if alt, altErr := c.send(ctx, req.Method, altURL, headers, req.Body); altErr == nil {
			drain(resp)
			resp, usedURL = alt, altURL
			contentType = resp.Header.Get("Content-Type")
			if resp.StatusCode < 400 {
				return resp, usedURL, false
			}
		}
	}

	if rewrite.ShouldTryOpenAIFallback(c.cfg.BaseURL, req.Path, contentType) {
		fbURL, _ := rewrite.ComputeUpstreamURL(rewrite.OpenAIFallbackBase(c.cfg.BaseURL), req.Path)
		if fb, fbErr := c.send(ctx, req.Method, fbURL, headers, req.Body); fbErr == nil {
			if fb.StatusCode < 400 {
				drain(resp)
				return fb, fbURL, false
			}
			drain(fb)
		}
	}

	if !c.failoverAfterRefresh(ctx, account, bearer) {
		// The account still has headroom; the failure is the answer.
		return resp, usedURL, false
	}

	status := resp.StatusCode
	drain(resp)
	reason := CooldownReasonFor(status, contentType)
	if reason != gateway.CooldownDefault {
		c.metrics.RecordCooldownMark()
	}
	c.logger.LogAttrs(ctx, slog.LevelWarn, "failing over",
		slog.String("account_id", account.ID),
		slog.Int("status", status),
		slog.String("cooldown_reason", string(reason)))
	return nil, usedURL, true
}

// failoverAfterRefresh re-probes usage after an upstream failure and decides
// whether to abandon the candidate. Unreachable usage endpoints and exhausted
// snapshots both mark the account inactive; any other probe error leaves the
// upstream failure to surface as-is.
func (c *Controller) failoverAfterRefresh(ctx context.Context, account *gateway.Account, bearer string) bool {
	snap, err := c.usage.Refresh(ctx, account, bearer)
	if err != nil {
		if strings.HasPrefix(err.Error(), "usage endpoint status") {
			c.markInactive(ctx, account, gateway.ReasonUsageEndpointUnreached)
			return true
		}
		c.logger.LogAttrs(ctx, slog.LevelWarn, "usage probe failed",
			slog.String("account_id", account.ID),
			slog.String("error", err.Error()))
		return false
	}
	if snap == nil {
		c.markInactive(ctx, account, gateway.ReasonUsageMissingSnapshot)
		return true
	}
	verdict := c.sel.EvaluateSnapshot(snap)
	if verdict.Available {
		return false
	}
	c.markInactive(ctx, account, verdict.Reason)
	return true
}

func (c *Controller) markInactive(ctx context.Context, account *gateway.Account, reason string) {
	if err := c.store.UpdateAccountStatus(ctx, account.ID, gateway.StatusInactive); err != nil {
		c.logger.LogAttrs(ctx, slog.LevelError, "account status update failed",
			slog.String("account_id", account.ID),
			slog.String("error", err.Error()))
	}
	if err := c.store.AppendEvent(ctx, &gateway.Event{
		AccountID: account.ID,
		Type:      "status",
		Message:   reason,
	}); err != nil {
		c.logger.LogAttrs(ctx, slog.LevelError, "event append failed",
			slog.String("account_id", account.ID),
			slog.String("error", err.Error()))
	}
	c.logger.LogAttrs(ctx, slog.LevelWarn, "account marked inactive",
		slog.String("account_id", account.ID),
		slog.String("reason", reason))
}

func (c *Controller) send(ctx context.Context, method, url string, header http.Header, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = header.Clone()
	return c.client.Do(req)
}

// relayDrop are hop-by-hop headers recomputed by our own transport.
var relayDrop = []string{"Transfer-Encoding", "Content-Length", "Connection"}

// relay writes the upstream response to the client. Passthrough bodies are
// piped with per-chunk flushes so server-sent events reach the client as they
// arrive; converting modes buffer the body first. The inflight guard is held
// until the body is fully drained.
func (c *Controller) relay(ctx context.Context, w http.ResponseWriter, req *Request,
	resp *http.Response, usedURL string, guard *gate.Guard) {

	defer guard.Release()
	defer resp.Body.Close()

	if req.Mode.Buffered() {
		c.relayConverted(ctx, w, req, resp, usedURL)
		return
	}

	copyHeaders(w.Header(), resp.Header, "")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				c.logger.LogAttrs(ctx, slog.LevelWarn, "upstream body read failed",
					slog.String("url", usedURL),
					slog.String("error", err.Error()))
			}
			break
		}
	}
	c.logResult(ctx, req, usedURL, resp.StatusCode, "")
}

func (c *Controller) relayConverted(ctx context.Context, w http.ResponseWriter, req *Request,
	resp *http.Response, usedURL string) {

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.LogAttrs(ctx, slog.LevelWarn, "upstream body read failed",
			slog.String("url", usedURL),
			slog.String("error", err.Error()))
	}

	out, contentType, convErr := adapter.AdaptResponse(req.Mode, resp.Header.Get("Content-Type"), body)
	if convErr != nil {
		out = adapter.ErrorBody(convErr.Error())
		contentType = "application/json"
		c.logger.LogAttrs(ctx, slog.LevelWarn, "response conversion failed",
			slog.String("mode", req.Mode.String()),
			slog.String("error", convErr.Error()))
	}

	copyHeaders(w.Header(), resp.Header, "Content-Type")
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(out); err != nil {
		c.logger.LogAttrs(ctx, slog.LevelDebug, "client write failed",
			slog.String("error", err.Error()))
	}

	errText := ""
	if convErr != nil {
		errText = convErr.Error()
	}
	c.logResult(ctx, req, usedURL, resp.StatusCode, errText)
}

func copyHeaders(dst, src http.Header, extraDrop string) {
	for name, values := range src {
		if dropRelayHeader(name, extraDrop) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func dropRelayHeader(name, extraDrop string) bool {
	if extraDrop != "" && strings.EqualFold(name, extraDrop) {
		return true
	}
	for _, d := range relayDrop {
		if strings.EqualFold(name, d) {
			return true
		}
	}
	return false
}

// terminal replies with a gateway-originated status and logs it.
func (c *Controller) terminal(ctx context.Context, w http.ResponseWriter, req *Request,
	usedURL string, status int, message string) {
	http.Error(w, message, status)
	c.logResult(ctx, req, usedURL, status, message)
}

// logResult writes the single request-log row for this gateway request.
func (c *Controller) logResult(ctx context.Context, req *Request, usedURL string, status int, errText string) {
	row := &gateway.RequestLog{
		KeyID:           req.KeyID,
		Path:            req.Path,
		Method:          req.Method,
		Model:           req.Model,
		ReasoningEffort: req.ReasoningEffort,
		UpstreamURL:     usedURL,
		Status:          status,
		Error:           errText,
		CreatedAt:       time.Now().UTC(),
	}
	if err := c.store.AppendRequestLog(ctx, row); err != nil {
		c.logger.LogAttrs(ctx, slog.LevelError, "request log append failed",
			slog.String("error", err.Error()))
	}
}

// drain discards and closes a response body so its connection can be reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}
